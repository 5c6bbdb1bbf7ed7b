package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/penshort/cloak/internal/model"
)

// ErrLinkNotFound is returned when no link configuration has the given id.
var ErrLinkNotFound = errors.New("link not found")

const linkConfigColumns = `
	id, name, target_url, fallback_url, utm_params,
	facebook_traffic_only, block_vpn, block_bots, advanced_bot_protection, require_token,
	max_clicks, rate_limit, allowed_referrers, allowed_countries,
	access_token, token_expiry, security_headers, created_at, updated_at
`

// GetLinkConfig retrieves a link configuration by id.
// This is the cache-miss path of every redirect.
func (r *Repository) GetLinkConfig(ctx context.Context, id string) (*model.LinkConfig, error) {
	query := `SELECT ` + linkConfigColumns + ` FROM link_configs WHERE id = $1`

	cfg, err := scanLinkConfig(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to get link config: %w", err)
	}
	return cfg, nil
}

// UpsertLinkConfig writes a link configuration. The link-management side
// owns these rows; the engine only uses this to seed and in tests.
func (r *Repository) UpsertLinkConfig(ctx context.Context, cfg *model.LinkConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	headers := cfg.SecurityHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal security headers: %w", err)
	}

	query := `
		INSERT INTO link_configs (` + linkConfigColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			target_url = EXCLUDED.target_url,
			fallback_url = EXCLUDED.fallback_url,
			utm_params = EXCLUDED.utm_params,
			facebook_traffic_only = EXCLUDED.facebook_traffic_only,
			block_vpn = EXCLUDED.block_vpn,
			block_bots = EXCLUDED.block_bots,
			advanced_bot_protection = EXCLUDED.advanced_bot_protection,
			require_token = EXCLUDED.require_token,
			max_clicks = EXCLUDED.max_clicks,
			rate_limit = EXCLUDED.rate_limit,
			allowed_referrers = EXCLUDED.allowed_referrers,
			allowed_countries = EXCLUDED.allowed_countries,
			access_token = EXCLUDED.access_token,
			token_expiry = EXCLUDED.token_expiry,
			security_headers = EXCLUDED.security_headers,
			updated_at = NOW()
	`

	_, err = r.pool.Exec(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.TargetURL,
		cfg.FallbackURL,
		pq.Array(nonNil(cfg.UTMParams)),
		cfg.FacebookTrafficOnly,
		cfg.BlockVPN,
		cfg.BlockBots,
		cfg.AdvancedBotProtection,
		cfg.RequireToken,
		cfg.MaxClicks,
		cfg.RateLimit,
		pq.Array(nonNil(cfg.AllowedReferrers)),
		pq.Array(nonNil(cfg.AllowedCountries)),
		nullableString(cfg.AccessToken),
		cfg.TokenExpiry,
		headersJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert link config: %w", err)
	}
	return nil
}

// DeleteLinkConfig removes a link configuration.
func (r *Repository) DeleteLinkConfig(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM link_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete link config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func scanLinkConfig(row pgx.Row) (*model.LinkConfig, error) {
	var (
		cfg         model.LinkConfig
		utmParams   []string
		referrers   []string
		countries   []string
		accessToken *string
		headersJSON []byte
	)

	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.TargetURL,
		&cfg.FallbackURL,
		pq.Array(&utmParams),
		&cfg.FacebookTrafficOnly,
		&cfg.BlockVPN,
		&cfg.BlockBots,
		&cfg.AdvancedBotProtection,
		&cfg.RequireToken,
		&cfg.MaxClicks,
		&cfg.RateLimit,
		pq.Array(&referrers),
		pq.Array(&countries),
		&accessToken,
		&cfg.TokenExpiry,
		&headersJSON,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(utmParams) > 0 {
		cfg.UTMParams = utmParams
	}
	// Entries are normalized on read so rows written by other tools
	// compare the same way as cached ones.
	cfg.AllowedReferrers = model.ParseReferrerList(strings.Join(referrers, "\n"))
	cfg.AllowedCountries = model.ParseCountryList(strings.Join(countries, "\n"))
	if accessToken != nil {
		cfg.AccessToken = *accessToken
	}
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &cfg.SecurityHeaders)
		if len(cfg.SecurityHeaders) == 0 {
			cfg.SecurityHeaders = nil
		}
	}

	return &cfg, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// nullableString returns nil for empty strings.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
