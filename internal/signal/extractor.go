// Package signal turns raw redirect requests into visitor signals.
package signal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/penshort/cloak/internal/model"
)

const maxHeaderLength = 500

// DefaultTokenParam is the query parameter carrying the access token.
const DefaultTokenParam = "token"

// CountryResolver maps a request to an ISO country code.
// It returns an empty string when the country is unknown.
type CountryResolver interface {
	Country(r *http.Request, ip string) string
}

// CountryResolverFunc adapts a function to CountryResolver.
type CountryResolverFunc func(r *http.Request, ip string) string

// Country calls f(r, ip).
func (f CountryResolverFunc) Country(r *http.Request, ip string) string {
	return f(r, ip)
}

// HeaderCountry reads the edge-provided CF-IPCountry header.
var HeaderCountry = CountryResolverFunc(func(r *http.Request, _ string) string {
	return ExtractCountryCode(r.Header.Get("CF-IPCountry"))
})

// Options configures an Extractor.
type Options struct {
	// TrustProxyHeaders enables client IP extraction from
	// CF-Connecting-IP, X-Forwarded-For and X-Real-IP.
	TrustProxyHeaders bool
	TokenParam        string
	Countries         CountryResolver
}

// Extractor builds VisitorSignal values. It never fails: malformed or
// missing inputs degrade to empty fields.
type Extractor struct {
	trustProxy bool
	tokenParam string
	countries  CountryResolver
}

// NewExtractor creates an Extractor.
func NewExtractor(opts Options) *Extractor {
	if opts.TokenParam == "" {
		opts.TokenParam = DefaultTokenParam
	}
	if opts.Countries == nil {
		opts.Countries = HeaderCountry
	}
	return &Extractor{
		trustProxy: opts.TrustProxyHeaders,
		tokenParam: opts.TokenParam,
		countries:  opts.Countries,
	}
}

// Extract reads the visitor signal from a request.
func (e *Extractor) Extract(r *http.Request) model.VisitorSignal {
	ip := e.ClientIP(r)

	sig := model.VisitorSignal{
		IP:             ip,
		UserAgent:      truncate(r.Header.Get("User-Agent")),
		Referrer:       truncate(strings.TrimSpace(r.Header.Get("Referer"))),
		Accept:         truncate(r.Header.Get("Accept")),
		AcceptLanguage: truncate(r.Header.Get("Accept-Language")),
		UTMKeys:        map[string]struct{}{},
	}

	// r.URL.Query drops malformed pairs instead of failing.
	query := r.URL.Query()
	for key := range query {
		sig.UTMKeys[key] = struct{}{}
	}
	if values, ok := query[e.tokenParam]; ok && len(values) > 0 {
		token := values[0]
		sig.Token = &token
	}

	sig.Country = e.countries.Country(r, ip)
	return sig
}

// ClientIP extracts the client IP address from the request.
func (e *Extractor) ClientIP(r *http.Request) string {
	if e.trustProxy {
		// Check Cloudflare header first
		if ip := cleanIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		// Take the first IP in the X-Forwarded-For chain
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := cleanIP(first); ip != "" {
				return ip
			}
		}
		if ip := cleanIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return cleanIP(r.RemoteAddr)
}

// cleanIP strips ports and zones; unparseable input is returned trimmed.
func cleanIP(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap().WithZone("").String()
		}
		return host
	}
	return s
}

// ExtractCountryCode normalizes a two-letter country header.
// Returns empty string if the header is missing, invalid, or one of the
// edge placeholders for unknown (XX) and Tor (T1).
func ExtractCountryCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 2 || code == "XX" || code == "T1" {
		return ""
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return ""
		}
	}
	return code
}

func truncate(s string) string {
	if len(s) <= maxHeaderLength {
		return s
	}
	s = s[:maxHeaderLength]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
