package analytics

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/penshort/cloak/internal/model"
)

const visitorHashLength = 16

// ValidateClickEventPayload validates click event payload fields.
func ValidateClickEventPayload(payload ClickEventPayload) error {
	if _, err := ulid.ParseStrict(payload.EventID); err != nil {
		return fmt.Errorf("event id must be a ULID: %w", err)
	}
	if payload.LinkID == "" {
		return fmt.Errorf("link_id is required")
	}
	if len(payload.VisitorHash) != visitorHashLength || !isHex(payload.VisitorHash) {
		return fmt.Errorf("visitor_hash must be %d hex chars", visitorHashLength)
	}
	if payload.Country != "" && len(payload.Country) != 2 {
		return fmt.Errorf("country_code must be 2 chars")
	}
	if payload.ClickedAt <= 0 {
		return fmt.Errorf("clicked_at must be set")
	}
	if len(payload.Referrer) > maxMetaLength {
		return fmt.Errorf("referrer too long")
	}
	if len(payload.UserAgent) > maxMetaLength {
		return fmt.Errorf("user_agent too long")
	}
	if payload.Allowed && payload.DenyReason != "" {
		return fmt.Errorf("allowed event cannot carry a deny reason")
	}
	if !payload.Allowed && !model.DenyReason(payload.DenyReason).IsValid() {
		return fmt.Errorf("unknown deny reason %q", payload.DenyReason)
	}
	return nil
}

func isHex(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F') {
			continue
		}
		return false
	}
	return true
}
