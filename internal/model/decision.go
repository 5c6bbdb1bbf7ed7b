package model

// DenyReason names the rule that rejected a visit.
type DenyReason string

const (
	DenyInvalidToken    DenyReason = "invalid_token"
	DenyExpiredToken    DenyReason = "expired_token"
	DenyCountryBlocked  DenyReason = "country_blocked"
	DenyReferrerBlocked DenyReason = "referrer_blocked"
	DenyVPNBlocked      DenyReason = "vpn_blocked"
	DenyBotBlocked      DenyReason = "bot_blocked"
	DenyRateLimited     DenyReason = "rate_limited"
	DenyQuotaExceeded   DenyReason = "quota_exceeded"
)

// DenyReasons lists every reason in rule order.
var DenyReasons = []DenyReason{
	DenyInvalidToken,
	DenyExpiredToken,
	DenyCountryBlocked,
	DenyReferrerBlocked,
	DenyVPNBlocked,
	DenyBotBlocked,
	DenyRateLimited,
	DenyQuotaExceeded,
}

// IsValid checks if the reason is a known deny reason.
func (r DenyReason) IsValid() bool {
	for _, known := range DenyReasons {
		if r == known {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating one visit against a link.
// Allowed decisions carry the target URL and no reason; denied
// decisions carry the fallback URL and the reason. UTMMatch is
// independent of the outcome.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Destination string     `json:"destination"`
	Reason      DenyReason `json:"reason,omitempty"`
	UTMMatch    bool       `json:"utm_match"`
}

// Allow builds an allowing decision.
func Allow(target string, utmMatch bool) Decision {
	return Decision{Allowed: true, Destination: target, UTMMatch: utmMatch}
}

// Deny builds a denying decision.
func Deny(fallback string, reason DenyReason, utmMatch bool) Decision {
	return Decision{Destination: fallback, Reason: reason, UTMMatch: utmMatch}
}

// Outcome returns "allowed" or the deny reason, for logs and metrics.
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allowed"
	}
	return string(d.Reason)
}
