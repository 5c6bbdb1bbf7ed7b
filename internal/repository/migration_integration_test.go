//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/penshort/cloak/internal/testutil"
)

func TestIntegrationMigration_ApplyAllTables(t *testing.T) {
	ctx, pool := newMigrationTestEnv(t)

	for _, table := range []string{"link_configs", "click_events", "daily_link_stats"} {
		t.Run(table, func(t *testing.T) {
			exists, err := tableExists(ctx, pool, table)
			if err != nil {
				t.Fatalf("tableExists failed: %v", err)
			}
			if !exists {
				t.Errorf("Table %q should exist after migrations", table)
			}
		})
	}
}

func TestIntegrationMigration_TableColumns(t *testing.T) {
	ctx, pool := newMigrationTestEnv(t)

	tests := map[string][]string{
		"link_configs": {
			"id", "target_url", "fallback_url", "utm_params", "facebook_traffic_only",
			"block_vpn", "block_bots", "advanced_bot_protection", "require_token",
			"max_clicks", "rate_limit", "allowed_referrers", "allowed_countries",
			"access_token", "token_expiry", "security_headers",
		},
		"click_events": {
			"event_id", "link_id", "ip", "user_agent", "referrer", "country_code",
			"visitor_hash", "utm_match", "allowed", "deny_reason", "clicked_at",
		},
		"daily_link_stats": {
			"link_id", "date", "total_clicks", "allowed_clicks", "utm_matched",
			"unique_visitors", "referrer_breakdown", "country_breakdown", "deny_breakdown",
		},
	}

	for table, columns := range tests {
		for _, col := range columns {
			t.Run(table+"."+col, func(t *testing.T) {
				exists, err := columnExists(ctx, pool, table, col)
				if err != nil {
					t.Fatalf("columnExists failed: %v", err)
				}
				if !exists {
					t.Errorf("Column %s.%s should exist", table, col)
				}
			})
		}
	}
}

func TestIntegrationMigration_Constraints(t *testing.T) {
	ctx, pool := newMigrationTestEnv(t)

	t.Run("token required when require_token set", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO link_configs (id, target_url, fallback_url, require_token)
			VALUES ($1, 'https://a.example', 'https://b.example', TRUE)
		`, testutil.UniqueID("tok"))
		if err == nil {
			t.Error("expected constraint violation for missing access token")
		}
	})

	t.Run("positive max_clicks", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO link_configs (id, target_url, fallback_url, max_clicks)
			VALUES ($1, 'https://a.example', 'https://b.example', 0)
		`, testutil.UniqueID("max"))
		if err == nil {
			t.Error("expected constraint violation for max_clicks = 0")
		}
	})

	t.Run("deny reason matches outcome", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO click_events (event_id, link_id, visitor_hash, allowed, deny_reason, clicked_at)
			VALUES ($1, 'l', 'h', TRUE, 'bot_blocked', $2)
		`, testutil.UniqueID("evt"), time.Now())
		if err == nil {
			t.Error("expected constraint violation for allowed event with deny reason")
		}
	})
}

func TestIntegrationMigration_DownRemovesTables(t *testing.T) {
	ctx, pool := newMigrationTestEnv(t)
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	if err := testutil.ResetSchema(dbURL); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	exists, err := tableExists(ctx, pool, "link_configs")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if !exists {
		t.Fatal("link_configs should exist after reset")
	}
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, tableName string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)
	`, tableName).Scan(&exists)
	return exists, err
}

func columnExists(ctx context.Context, pool *pgxpool.Pool, tableName, columnName string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
		)
	`, tableName, columnName).Scan(&exists)
	return exists, err
}

func newMigrationTestEnv(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	unlock, err := testutil.AcquireDBLock(ctx, pool)
	if err != nil {
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_ = unlock()
	})

	if err := testutil.ResetSchema(dbURL); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	return ctx, pool
}
