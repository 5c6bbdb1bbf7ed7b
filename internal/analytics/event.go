// Package analytics records evaluated visits off the redirect path and
// moves them into durable storage.
package analytics

import (
	"encoding/hex"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/penshort/cloak/internal/model"
)

const maxMetaLength = 500

// ClickEventPayload is the compact event format written to the Redis stream.
type ClickEventPayload struct {
	EventID     string `json:"id"`
	LinkID      string `json:"lid"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"ua,omitempty"`
	Referrer    string `json:"r,omitempty"`
	Country     string `json:"cc,omitempty"`
	VisitorHash string `json:"vh"`
	UTMMatch    bool   `json:"um"`
	Allowed     bool   `json:"a"`
	DenyReason  string `json:"dr,omitempty"`
	ClickedAt   int64  `json:"t"` // Unix milliseconds
}

// NewClickEvent builds the analytics record of one evaluated visit.
func NewClickEvent(linkID string, sig model.VisitorSignal, d model.Decision, clickedAt time.Time) *model.ClickEvent {
	return &model.ClickEvent{
		EventID:     ulid.Make().String(),
		LinkID:      linkID,
		IP:          sig.IP,
		UserAgent:   Truncate(sig.UserAgent),
		Referrer:    SanitizeReferrer(sig.Referrer),
		Country:     sig.Country,
		VisitorHash: GenerateVisitorHash(sig.IP, sig.UserAgent, clickedAt),
		UTMMatch:    d.UTMMatch,
		Allowed:     d.Allowed,
		DenyReason:  d.Reason,
		ClickedAt:   clickedAt,
	}
}

// PayloadFromEvent converts an event to its stream form.
func PayloadFromEvent(e *model.ClickEvent) ClickEventPayload {
	return ClickEventPayload{
		EventID:     e.EventID,
		LinkID:      e.LinkID,
		IP:          e.IP,
		UserAgent:   e.UserAgent,
		Referrer:    e.Referrer,
		Country:     e.Country,
		VisitorHash: e.VisitorHash,
		UTMMatch:    e.UTMMatch,
		Allowed:     e.Allowed,
		DenyReason:  string(e.DenyReason),
		ClickedAt:   e.ClickedAt.UnixMilli(),
	}
}

// ToEvent converts a stream payload back to an event.
func (p ClickEventPayload) ToEvent() *model.ClickEvent {
	return &model.ClickEvent{
		EventID:     p.EventID,
		LinkID:      p.LinkID,
		IP:          p.IP,
		UserAgent:   p.UserAgent,
		Referrer:    p.Referrer,
		Country:     p.Country,
		VisitorHash: p.VisitorHash,
		UTMMatch:    p.UTMMatch,
		Allowed:     p.Allowed,
		DenyReason:  model.DenyReason(p.DenyReason),
		ClickedAt:   time.UnixMilli(p.ClickedAt).UTC(),
	}
}

// GenerateVisitorHash creates a privacy-safe visitor identifier: a
// 64-bit BLAKE2b MAC of IP and user agent keyed by the UTC day, as 16
// hex chars. The key rotates at midnight UTC.
func GenerateVisitorHash(ip, userAgent string, clickedAt time.Time) string {
	key := []byte("cloak:" + clickedAt.UTC().Format("2006-01-02"))

	h, err := blake2b.New(8, key)
	if err != nil {
		// Only reachable with an invalid size or a key over 64 bytes.
		panic(err)
	}
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}

// SanitizeReferrer strips query and fragment and truncates the result.
// Unparseable referrers are dropped.
func SanitizeReferrer(ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	parsed.RawQuery = ""
	parsed.ForceQuery = false
	parsed.Fragment = ""
	return Truncate(parsed.String())
}

// Truncate cuts s to the stored metadata length without splitting a rune.
func Truncate(s string) string {
	if len(s) <= maxMetaLength {
		return s
	}
	cut := maxMetaLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ExtractReferrerDomain extracts the host of a referrer for breakdowns.
// Returns "(direct)" for an empty referrer.
func ExtractReferrerDomain(ref string) string {
	if ref == "" {
		return "(direct)"
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Host == "" {
		return "(unknown)"
	}
	return parsed.Hostname()
}
