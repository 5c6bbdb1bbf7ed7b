package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestValidateClickEventPayload(t *testing.T) {
	t.Parallel()

	valid := func() ClickEventPayload {
		return ClickEventPayload{
			EventID:     ulid.Make().String(),
			LinkID:      "link-1",
			Referrer:    "https://example.com/path",
			UserAgent:   "TestAgent/1.0",
			VisitorHash: "0123456789abcdef",
			Country:     "US",
			Allowed:     true,
			ClickedAt:   time.Now().UnixMilli(),
		}
	}

	if err := ValidateClickEventPayload(valid()); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *ClickEventPayload)
	}{
		{"missing_event_id", func(p *ClickEventPayload) { p.EventID = "" }},
		{"stream_id_as_event_id", func(p *ClickEventPayload) { p.EventID = "1700000000000-0" }},
		{"missing_link_id", func(p *ClickEventPayload) { p.LinkID = "" }},
		{"invalid_visitor_hash", func(p *ClickEventPayload) { p.VisitorHash = "not-hex" }},
		{"invalid_country_code", func(p *ClickEventPayload) { p.Country = "USA" }},
		{"missing_clicked_at", func(p *ClickEventPayload) { p.ClickedAt = 0 }},
		{"referrer_too_long", func(p *ClickEventPayload) { p.Referrer = strings.Repeat("r", 501) }},
		{"allowed_with_reason", func(p *ClickEventPayload) { p.DenyReason = "bot_blocked" }},
		{"denied_without_reason", func(p *ClickEventPayload) { p.Allowed = false }},
		{"denied_unknown_reason", func(p *ClickEventPayload) { p.Allowed = false; p.DenyReason = "nope" }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := valid()
			tc.mutate(&p)
			if err := ValidateClickEventPayload(p); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
