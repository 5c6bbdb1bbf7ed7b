package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/penshort/cloak/internal/classifier"
	"github.com/penshort/cloak/internal/model"
	"github.com/penshort/cloak/internal/repository"
)

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		redisURL    = flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis URL, used with -tables")
		id          = flag.String("id", "", "Link id (generated when empty)")
		name        = flag.String("name", "seeded link", "Display name")
		target      = flag.String("target", "", "Target URL for allowed visits")
		fallback    = flag.String("fallback", "", "Fallback URL for denied visits")
		utm         = flag.String("utm", "", "Required query parameters, comma-separated")
		referrers   = flag.String("referrers", "", "Allowed referrer domains, comma-separated")
		countries   = flag.String("countries", "", "Allowed ISO country codes, comma-separated")
		fbOnly      = flag.Bool("facebook-only", false, "Only allow Facebook referrers")
		blockVPN    = flag.Bool("block-vpn", false, "Deny hosting and VPN ranges")
		blockBots   = flag.Bool("block-bots", false, "Deny known bots")
		advanced    = flag.Bool("advanced-bots", false, "Enable header consistency bot checks")
		token       = flag.String("token", "", "Access token; enables the token rule")
		tokenTTL    = flag.Duration("token-ttl", 0, "Token lifetime, 0 for no expiry")
		maxClicks   = flag.Int64("max-clicks", 0, "Click quota, 0 for unlimited")
		rateLimit   = flag.Int64("rate-limit", 0, "Requests per minute per IP, 0 for unlimited")
		tablesPath  = flag.String("tables", "", "Classifier tables JSON to publish to Redis")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *tablesPath != "" {
		if err := publishTables(ctx, *redisURL, *tablesPath); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if *target == "" {
			return
		}
	}

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	now := time.Now().UTC()
	cfg := &model.LinkConfig{
		ID:                    *id,
		Name:                  *name,
		TargetURL:             *target,
		FallbackURL:           *fallback,
		UTMParams:             model.ParseUTMParams(*utm),
		FacebookTrafficOnly:   *fbOnly,
		BlockVPN:              *blockVPN,
		BlockBots:             *blockBots,
		AdvancedBotProtection: *advanced,
		AllowedReferrers:      model.ParseReferrerList(strings.ReplaceAll(*referrers, ",", "\n")),
		AllowedCountries:      model.ParseCountryList(*countries),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if cfg.ID == "" {
		cfg.ID = strings.ToLower(ulid.Make().String())
	}
	if *token != "" {
		cfg.RequireToken = true
		cfg.AccessToken = *token
		if *tokenTTL > 0 {
			expiry := now.Add(*tokenTTL)
			cfg.TokenExpiry = &expiry
		}
	}
	if *maxClicks > 0 {
		cfg.MaxClicks = maxClicks
	}
	if *rateLimit > 0 {
		cfg.RateLimit = rateLimit
	}

	repo, err := repository.New(ctx, *databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect database:", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.UpsertLinkConfig(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "upsert link config:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(cfg)
}

func publishTables(ctx context.Context, redisURL, path string) error {
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is required with -tables")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tables: %w", err)
	}
	var raw classifier.RawTables
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tables: %w", err)
	}
	if _, err := raw.Build(path, time.Now()); err != nil {
		return err
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	if err := classifier.NewRedisSource(client).Publish(ctx, raw); err != nil {
		return fmt.Errorf("publish tables: %w", err)
	}
	fmt.Fprintf(os.Stderr, "published %d hosting ranges to redis\n", len(raw.HostingRanges))
	return nil
}
