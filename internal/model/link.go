// Package model defines domain entities for the application.
package model

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Link configuration validation errors.
var (
	ErrInvalidTargetURL   = errors.New("invalid target URL")
	ErrInvalidFallbackURL = errors.New("invalid fallback URL")
	ErrMissingAccessToken = errors.New("require_token is set but access_token is empty")
	ErrInvalidMaxClicks   = errors.New("max_clicks must be positive")
	ErrInvalidRateLimit   = errors.New("rate_limit must be positive")
)

// LinkConfig is the filtering configuration of a short link.
// It is owned by the link-management side and is read-only while a
// request is evaluated.
type LinkConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TargetURL   string `json:"target_url"`
	FallbackURL string `json:"fallback_url"`

	// UTMParams lists the campaign parameter names a visit must carry
	// to count as a UTM match. Order is preserved from the config.
	UTMParams []string `json:"utm_params,omitempty"`

	FacebookTrafficOnly   bool `json:"facebook_traffic_only"`
	BlockVPN              bool `json:"block_vpn"`
	BlockBots             bool `json:"block_bots"`
	AdvancedBotProtection bool `json:"advanced_bot_protection"`
	RequireToken          bool `json:"require_token"`

	// nil means unlimited.
	MaxClicks *int64 `json:"max_clicks,omitempty"`
	// Requests per minute per IP; nil means unlimited.
	RateLimit *int64 `json:"rate_limit,omitempty"`

	AllowedReferrers []string `json:"allowed_referrers,omitempty"`
	AllowedCountries []string `json:"allowed_countries,omitempty"`

	AccessToken string     `json:"-"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`

	SecurityHeaders map[string]string `json:"security_headers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants the engine relies on.
func (c *LinkConfig) Validate() error {
	if !isHTTPURL(c.TargetURL) {
		return ErrInvalidTargetURL
	}
	if !isHTTPURL(c.FallbackURL) {
		return ErrInvalidFallbackURL
	}
	if c.RequireToken && c.AccessToken == "" {
		return ErrMissingAccessToken
	}
	if c.MaxClicks != nil && *c.MaxClicks <= 0 {
		return ErrInvalidMaxClicks
	}
	if c.RateLimit != nil && *c.RateLimit <= 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

// HasReferrerRule reports whether any referrer constraint is active.
func (c *LinkConfig) HasReferrerRule() bool {
	return len(c.AllowedReferrers) > 0 || c.FacebookTrafficOnly
}

func isHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// ParseUTMParams splits the comma-separated UTM parameter list
// (e.g. "utm_source,utm_medium"), dropping blanks and duplicates.
func ParseUTMParams(raw string) []string {
	return splitUnique(raw, func(r rune) bool { return r == ',' }, strings.TrimSpace)
}

// ParseReferrerList splits the newline-delimited referrer allow-list.
// Entries are lower-cased; scheme, path and a leading "www." are removed.
func ParseReferrerList(raw string) []string {
	return splitUnique(raw, func(r rune) bool { return r == '\n' || r == '\r' }, NormalizeDomain)
}

// ParseCountryList splits a comma or newline separated list of ISO codes.
func ParseCountryList(raw string) []string {
	return splitUnique(raw, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' || r == ' ' }, func(s string) string {
		return strings.ToUpper(strings.TrimSpace(s))
	})
}

// NormalizeDomain reduces a user-entered domain or URL to a bare host name.
func NormalizeDomain(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s, "]") {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, ".")
}

func splitUnique(raw string, sep func(rune) bool, norm func(string) string) []string {
	fields := strings.FieldsFunc(raw, sep)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		v := norm(f)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// CachedLinkConfig represents link configuration stored in a Redis hash.
// Uses string types for Redis hash compatibility.
type CachedLinkConfig struct {
	Name                  string `redis:"name"`
	TargetURL             string `redis:"target_url"`
	FallbackURL           string `redis:"fallback_url"`
	UTMParams             string `redis:"utm_params"`        // comma separated
	FacebookTrafficOnly   string `redis:"facebook_only"`     // "1" or "0"
	BlockVPN              string `redis:"block_vpn"`         // "1" or "0"
	BlockBots             string `redis:"block_bots"`        // "1" or "0"
	AdvancedBotProtection string `redis:"advanced_bots"`     // "1" or "0"
	RequireToken          string `redis:"require_token"`     // "1" or "0"
	MaxClicks             string `redis:"max_clicks"`        // integer or empty
	RateLimit             string `redis:"rate_limit"`        // integer or empty
	AllowedReferrers      string `redis:"allowed_referrers"` // newline separated
	AllowedCountries      string `redis:"allowed_countries"` // comma separated
	AccessToken           string `redis:"access_token"`
	TokenExpiry           string `redis:"token_expiry"`     // Unix timestamp or empty
	SecurityHeaders       string `redis:"security_headers"` // JSON object or empty
	UpdatedAt             string `redis:"updated_at"`       // Unix timestamp
}

// ToLinkConfig converts CachedLinkConfig to the LinkConfig domain model.
func (c *CachedLinkConfig) ToLinkConfig(id string) *LinkConfig {
	cfg := &LinkConfig{
		ID:                    id,
		Name:                  c.Name,
		TargetURL:             c.TargetURL,
		FallbackURL:           c.FallbackURL,
		UTMParams:             ParseUTMParams(c.UTMParams),
		FacebookTrafficOnly:   c.FacebookTrafficOnly == "1",
		BlockVPN:              c.BlockVPN == "1",
		BlockBots:             c.BlockBots == "1",
		AdvancedBotProtection: c.AdvancedBotProtection == "1",
		RequireToken:          c.RequireToken == "1",
		MaxClicks:             parseOptionalInt(c.MaxClicks),
		RateLimit:             parseOptionalInt(c.RateLimit),
		AllowedReferrers:      ParseReferrerList(c.AllowedReferrers),
		AllowedCountries:      ParseCountryList(c.AllowedCountries),
		AccessToken:           c.AccessToken,
	}

	if c.TokenExpiry != "" {
		if ts, err := strconv.ParseInt(c.TokenExpiry, 10, 64); err == nil {
			t := time.Unix(ts, 0)
			cfg.TokenExpiry = &t
		}
	}

	if c.SecurityHeaders != "" {
		headers := make(map[string]string)
		if err := json.Unmarshal([]byte(c.SecurityHeaders), &headers); err == nil {
			cfg.SecurityHeaders = headers
		}
	}

	if c.UpdatedAt != "" {
		if ts, err := strconv.ParseInt(c.UpdatedAt, 10, 64); err == nil {
			cfg.UpdatedAt = time.Unix(ts, 0)
		}
	}

	return cfg
}

// ToCachedLinkConfig converts LinkConfig to CachedLinkConfig.
func (c *LinkConfig) ToCachedLinkConfig() *CachedLinkConfig {
	cached := &CachedLinkConfig{
		Name:                  c.Name,
		TargetURL:             c.TargetURL,
		FallbackURL:           c.FallbackURL,
		UTMParams:             strings.Join(c.UTMParams, ","),
		FacebookTrafficOnly:   boolToString(c.FacebookTrafficOnly),
		BlockVPN:              boolToString(c.BlockVPN),
		BlockBots:             boolToString(c.BlockBots),
		AdvancedBotProtection: boolToString(c.AdvancedBotProtection),
		RequireToken:          boolToString(c.RequireToken),
		MaxClicks:             formatOptionalInt(c.MaxClicks),
		RateLimit:             formatOptionalInt(c.RateLimit),
		AllowedReferrers:      strings.Join(c.AllowedReferrers, "\n"),
		AllowedCountries:      strings.Join(c.AllowedCountries, ","),
		AccessToken:           c.AccessToken,
		UpdatedAt:             strconv.FormatInt(c.UpdatedAt.Unix(), 10),
	}

	if c.TokenExpiry != nil {
		cached.TokenExpiry = strconv.FormatInt(c.TokenExpiry.Unix(), 10)
	}

	if len(c.SecurityHeaders) > 0 {
		if data, err := json.Marshal(c.SecurityHeaders); err == nil {
			cached.SecurityHeaders = string(data)
		}
	}

	return cached
}

func parseOptionalInt(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func formatOptionalInt(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

// boolToString converts boolean to "1" or "0".
func boolToString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
