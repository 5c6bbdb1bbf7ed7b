package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/penshort/cloak/internal/model"
)

func TestGenerateVisitorHash(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

	h1 := GenerateVisitorHash("192.168.1.100", "Mozilla/5.0", day)
	if len(h1) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h1))
	}
	if h2 := GenerateVisitorHash("192.168.1.100", "Mozilla/5.0", day.Add(12*time.Hour)); h1 != h2 {
		t.Error("same day should produce the same hash")
	}
	if h3 := GenerateVisitorHash("192.168.1.100", "Mozilla/5.0", day.Add(24*time.Hour)); h1 == h3 {
		t.Error("next day should rotate the hash")
	}
	if h4 := GenerateVisitorHash("192.168.1.101", "Mozilla/5.0", day); h1 == h4 {
		t.Error("different IPs should produce different hashes")
	}
}

func TestSanitizeReferrer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"strip query", "https://example.com/page?utm_source=x&fbclid=y", "https://example.com/page"},
		{"strip fragment", "https://example.com/page#top", "https://example.com/page"},
		{"bare question mark", "https://example.com/page?", "https://example.com/page"},
		{"malformed", "://example.com", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := SanitizeReferrer(tt.input); got != tt.want {
				t.Errorf("SanitizeReferrer(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate(strings.Repeat("a", 600)); len(got) != maxMetaLength {
		t.Errorf("len = %d, want %d", len(got), maxMetaLength)
	}
	// A multi-byte rune straddling the limit is dropped whole.
	s := strings.Repeat("a", maxMetaLength-1) + "é" + "tail"
	if got := Truncate(s); len(got) != maxMetaLength-1 {
		t.Errorf("len = %d, want %d", len(got), maxMetaLength-1)
	}
	if got := Truncate("short"); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
}

func TestExtractReferrerDomain(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                              "(direct)",
		"not a url":                     "(unknown)",
		"https://l.facebook.com/l.php":  "l.facebook.com",
		"https://example.com:8443/path": "example.com",
	}
	for in, want := range tests {
		if got := ExtractReferrerDomain(in); got != want {
			t.Errorf("ExtractReferrerDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClickEvent(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	sig := model.VisitorSignal{
		IP:        "198.51.100.3",
		UserAgent: strings.Repeat("u", 700),
		Referrer:  "https://facebook.com/post?fbclid=abc",
		Country:   "US",
	}
	d := model.Deny("https://example.com/safe", model.DenyBotBlocked, true)

	e := NewClickEvent("link-9", sig, d, at)

	if _, err := ulid.ParseStrict(e.EventID); err != nil {
		t.Fatalf("EventID %q is not a ULID: %v", e.EventID, err)
	}
	if e.Allowed || e.DenyReason != model.DenyBotBlocked || !e.UTMMatch {
		t.Errorf("decision fields not carried: %+v", e)
	}
	if len(e.UserAgent) != maxMetaLength {
		t.Errorf("UserAgent length = %d, want %d", len(e.UserAgent), maxMetaLength)
	}
	if e.Referrer != "https://facebook.com/post" {
		t.Errorf("Referrer = %q", e.Referrer)
	}
	if e.VisitorHash != GenerateVisitorHash(sig.IP, sig.UserAgent, at) {
		t.Error("VisitorHash mismatch")
	}

	back := PayloadFromEvent(e).ToEvent()
	if back.EventID != e.EventID || !back.ClickedAt.Equal(at) || back.DenyReason != e.DenyReason {
		t.Errorf("payload round trip mismatch: %+v", back)
	}
	if err := ValidateClickEventPayload(PayloadFromEvent(e)); err != nil {
		t.Errorf("payload from event should validate: %v", err)
	}
}
