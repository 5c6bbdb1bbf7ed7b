package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/penshort/cloak/internal/model"
)

// ClickEventRepository provides database access for click events.
type ClickEventRepository struct {
	repo *Repository
}

// NewClickEventRepository creates a new ClickEventRepository.
func NewClickEventRepository(repo *Repository) *ClickEventRepository {
	return &ClickEventRepository{repo: repo}
}

// BulkInsert inserts multiple click events with idempotency via ON CONFLICT DO NOTHING.
func (r *ClickEventRepository) BulkInsert(ctx context.Context, events []*model.ClickEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	query := `
		INSERT INTO click_events (
			event_id, link_id, ip, user_agent, referrer, country_code,
			visitor_hash, utm_match, allowed, deny_reason, clicked_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`

	for _, event := range events {
		batch.Queue(query,
			event.EventID,
			event.LinkID,
			nullableString(event.IP),
			nullableString(event.UserAgent),
			nullableString(event.Referrer),
			nullableString(event.Country),
			event.VisitorHash,
			event.UTMMatch,
			event.Allowed,
			nullableString(string(event.DenyReason)),
			event.ClickedAt,
		)
	}

	results := r.repo.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(events); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert event %d: %w", i, err)
		}
	}

	return nil
}

// UpdateDailyStats recomputes the daily_link_stats rows touched by events.
// Rows are rebuilt from click_events, so replaying a batch is harmless.
func (r *ClickEventRepository) UpdateDailyStats(ctx context.Context, events []*model.ClickEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, key := range uniqueDailyKeys(events) {
		acc, err := r.recalculateDailyStat(ctx, key.linkID, key.date)
		if err != nil {
			return fmt.Errorf("recalculate daily stat %s:%s: %w", key.linkID, key.date.Format("2006-01-02"), err)
		}
		if err := r.upsertDailyStat(ctx, acc); err != nil {
			return fmt.Errorf("upsert daily stat %s:%s: %w", key.linkID, key.date.Format("2006-01-02"), err)
		}
	}

	return nil
}

// dailyStatsAccumulator accumulates stats for a single link/date combination.
type dailyStatsAccumulator struct {
	linkID         string
	date           time.Time
	totalClicks    int64
	allowedClicks  int64
	utmMatched     int64
	uniqueVisitors int64
	referrers      map[string]int64
	countries      map[string]int64
	denials        map[string]int64
	visitorSeen    map[string]bool
}

type dailyStatsKey struct {
	linkID string
	date   time.Time
}

func uniqueDailyKeys(events []*model.ClickEvent) []dailyStatsKey {
	seen := make(map[dailyStatsKey]struct{})
	keys := make([]dailyStatsKey, 0)
	for _, event := range events {
		key := dailyStatsKey{linkID: event.LinkID, date: event.ClickedAt.UTC().Truncate(24 * time.Hour)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func (r *ClickEventRepository) recalculateDailyStat(ctx context.Context, linkID string, date time.Time) (*dailyStatsAccumulator, error) {
	start := date.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `
		SELECT COALESCE(referrer, ''), COALESCE(country_code, ''), visitor_hash,
		       utm_match, allowed, COALESCE(deny_reason, '')
		FROM click_events
		WHERE link_id = $1 AND clicked_at >= $2 AND clicked_at < $3
	`

	rows, err := r.repo.pool.Query(ctx, query, linkID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query click events: %w", err)
	}
	defer rows.Close()

	events := make([]*model.ClickEvent, 0)
	for rows.Next() {
		var e model.ClickEvent
		var reason string
		if err := rows.Scan(&e.Referrer, &e.Country, &e.VisitorHash, &e.UTMMatch, &e.Allowed, &reason); err != nil {
			return nil, fmt.Errorf("scan click event: %w", err)
		}
		e.DenyReason = model.DenyReason(reason)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate click events: %w", err)
	}

	acc := accumulateDailyStats(events)
	acc.linkID = linkID
	acc.date = start
	return acc, nil
}

func accumulateDailyStats(events []*model.ClickEvent) *dailyStatsAccumulator {
	acc := &dailyStatsAccumulator{
		referrers:   make(map[string]int64),
		countries:   make(map[string]int64),
		denials:     make(map[string]int64),
		visitorSeen: make(map[string]bool),
	}

	for _, event := range events {
		acc.totalClicks++

		if event.Allowed {
			acc.allowedClicks++
		} else {
			acc.denials[string(event.DenyReason)]++
		}
		if event.UTMMatch {
			acc.utmMatched++
		}

		if event.VisitorHash != "" && !acc.visitorSeen[event.VisitorHash] {
			acc.visitorSeen[event.VisitorHash] = true
			acc.uniqueVisitors++
		}

		acc.referrers[referrerDomain(event.Referrer)]++

		if event.Country != "" {
			acc.countries[event.Country]++
		}
	}

	return acc
}

// upsertDailyStat inserts or updates a daily_link_stats row.
func (r *ClickEventRepository) upsertDailyStat(ctx context.Context, acc *dailyStatsAccumulator) error {
	referrerJSON, _ := json.Marshal(acc.referrers)
	countryJSON, _ := json.Marshal(acc.countries)
	denyJSON, _ := json.Marshal(acc.denials)
	id := fmt.Sprintf("%s:%s", acc.linkID, acc.date.Format("2006-01-02"))

	query := `
		INSERT INTO daily_link_stats (
			id, link_id, date, total_clicks, allowed_clicks, utm_matched, unique_visitors,
			referrer_breakdown, country_breakdown, deny_breakdown, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (link_id, date) DO UPDATE SET
			total_clicks = EXCLUDED.total_clicks,
			allowed_clicks = EXCLUDED.allowed_clicks,
			utm_matched = EXCLUDED.utm_matched,
			unique_visitors = EXCLUDED.unique_visitors,
			referrer_breakdown = EXCLUDED.referrer_breakdown,
			country_breakdown = EXCLUDED.country_breakdown,
			deny_breakdown = EXCLUDED.deny_breakdown,
			updated_at = NOW()
	`

	_, err := r.repo.pool.Exec(ctx, query,
		id,
		acc.linkID,
		acc.date,
		acc.totalClicks,
		acc.allowedClicks,
		acc.utmMatched,
		acc.uniqueVisitors,
		referrerJSON,
		countryJSON,
		denyJSON,
	)

	return err
}

// GetDailyStats retrieves daily stats for a link within a date range.
func (r *ClickEventRepository) GetDailyStats(ctx context.Context, linkID string, from, to time.Time) ([]*model.DailyLinkStats, error) {
	query := `
		SELECT id, link_id, date, total_clicks, allowed_clicks, utm_matched, unique_visitors,
		       referrer_breakdown, country_breakdown, deny_breakdown, created_at, updated_at
		FROM daily_link_stats
		WHERE link_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date DESC
	`

	rows, err := r.repo.pool.Query(ctx, query, linkID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []*model.DailyLinkStats
	for rows.Next() {
		stat, err := scanDailyStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, stat)
	}

	return stats, rows.Err()
}

// CountEvents returns the number of stored events for a link.
func (r *ClickEventRepository) CountEvents(ctx context.Context, linkID string) (int64, error) {
	var n int64
	err := r.repo.pool.QueryRow(ctx, `SELECT COUNT(*) FROM click_events WHERE link_id = $1`, linkID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count click events: %w", err)
	}
	return n, nil
}

func scanDailyStat(rows pgx.Rows) (*model.DailyLinkStats, error) {
	var stat model.DailyLinkStats
	var referrerJSON, countryJSON, denyJSON []byte

	err := rows.Scan(
		&stat.ID,
		&stat.LinkID,
		&stat.Date,
		&stat.TotalClicks,
		&stat.AllowedClicks,
		&stat.UTMMatched,
		&stat.UniqueVisitors,
		&referrerJSON,
		&countryJSON,
		&denyJSON,
		&stat.CreatedAt,
		&stat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(referrerJSON) > 0 {
		_ = json.Unmarshal(referrerJSON, &stat.ReferrerBreakdown)
	}
	if len(countryJSON) > 0 {
		_ = json.Unmarshal(countryJSON, &stat.CountryBreakdown)
	}
	if len(denyJSON) > 0 {
		_ = json.Unmarshal(denyJSON, &stat.DenyBreakdown)
	}

	return &stat, nil
}

// referrerDomain buckets a stored referrer by host.
func referrerDomain(ref string) string {
	if ref == "" {
		return "(direct)"
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Hostname() == "" {
		return "(unknown)"
	}
	return parsed.Hostname()
}
