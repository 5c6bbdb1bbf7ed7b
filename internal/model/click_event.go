// Package model defines domain entities for the application.
package model

import "time"

// ClickEvent represents a single evaluated visit.
type ClickEvent struct {
	EventID string `json:"event_id"` // ULID, idempotency key
	LinkID  string `json:"link_id"`

	// Request metadata
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"` // truncated 500 chars
	Referrer  string `json:"referrer,omitempty"`   // truncated 500 chars
	Country   string `json:"country,omitempty"`    // ISO 3166-1 alpha-2

	// VisitorHash identifies a visitor within one UTC day without
	// linking visits across days.
	VisitorHash string `json:"visitor_hash"`

	// Decision
	UTMMatch   bool       `json:"utm_match"`
	Allowed    bool       `json:"allowed"`
	DenyReason DenyReason `json:"deny_reason,omitempty"`

	// Timestamps
	ClickedAt time.Time `json:"clicked_at"`
	CreatedAt time.Time `json:"created_at"` // DB insertion time
}

// DailyLinkStats represents pre-aggregated daily statistics for a link.
type DailyLinkStats struct {
	ID     string    `json:"id"`      // Composite: link_id:date
	LinkID string    `json:"link_id"`
	Date   time.Time `json:"date"` // UTC date (time component zeroed)

	// Counters
	TotalClicks    int64 `json:"total_clicks"`
	AllowedClicks  int64 `json:"allowed_clicks"`
	UTMMatched     int64 `json:"utm_matched"`
	UniqueVisitors int64 `json:"unique_visitors"`

	// Breakdowns (stored as JSONB in Postgres)
	ReferrerBreakdown map[string]int64 `json:"referrer_breakdown,omitempty"`
	CountryBreakdown  map[string]int64 `json:"country_breakdown,omitempty"`
	DenyBreakdown     map[string]int64 `json:"deny_breakdown,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
