package model

// VisitorSignal is the normalized view of one visit.
// Empty strings mean the value was missing or unusable.
type VisitorSignal struct {
	IP             string
	UserAgent      string
	Referrer       string
	Country        string // ISO 3166-1 alpha-2, empty when unresolved
	Accept         string
	AcceptLanguage string

	// UTMKeys holds every query parameter name present on the request.
	UTMKeys map[string]struct{}

	// Token is nil when the visitor supplied no token at all.
	Token *string
}

// HasKey reports whether the query string carried the given parameter.
func (s VisitorSignal) HasKey(name string) bool {
	_, ok := s.UTMKeys[name]
	return ok
}

// UTMMatch reports whether every required parameter is present.
// An empty requirement always matches.
func (s VisitorSignal) UTMMatch(required []string) bool {
	for _, name := range required {
		if !s.HasKey(name) {
			return false
		}
	}
	return true
}
