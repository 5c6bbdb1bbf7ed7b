// Package main is the entrypoint for the link cloaking redirect server.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/penshort/cloak/internal/analytics"
	"github.com/penshort/cloak/internal/cache"
	"github.com/penshort/cloak/internal/classifier"
	"github.com/penshort/cloak/internal/config"
	"github.com/penshort/cloak/internal/engine"
	"github.com/penshort/cloak/internal/handler"
	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/middleware"
	"github.com/penshort/cloak/internal/migrations"
	"github.com/penshort/cloak/internal/quota"
	"github.com/penshort/cloak/internal/ratelimit"
	"github.com/penshort/cloak/internal/repository"
	"github.com/penshort/cloak/internal/server"
	"github.com/penshort/cloak/internal/service"
	"github.com/penshort/cloak/internal/signal"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if cfg.MigrateOnStart {
		if err := runMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.Error("failed to migrate database", slog.String("error", sanitizeError(err, cfg.DatabaseURL)))
			os.Exit(1)
		}
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to database")

	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	defer cacheClient.Close()
	cacheClient.SetLinkTTL(cfg.LinkCacheTTL)
	logger.Info("connected to Redis")

	metricsRecorder := metrics.NewInMemory()
	healthHandler := handler.NewHealthHandler().
		WithCheck("postgres", repo).
		WithCheck("redis", cacheClient)
	metricsHandler := handler.NewMetricsHandler(metricsRecorder)

	// The router is built before the server so background components
	// can be registered on it; handlers are bound below.
	r := chi.NewRouter()
	srv := server.New(r, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Classifier tables
	cls := classifier.New(logger, metricsRecorder)
	if source := classifierSource(cfg, cacheClient); source != nil {
		refresher := classifier.NewRefresher(cls, source, cfg.ClassifierRefreshInterval, logger)
		srv.Go(ctx, "classifier_refresher", refresher.Run, refresher.Shutdown)
	} else {
		logger.Warn("no classifier table source configured, hosting checks fail open")
	}

	// Shared counters
	var limiter engine.RateLimiter
	var quotas engine.QuotaTracker
	switch cfg.CounterBackend {
	case config.CounterBackendMemory:
		mem := ratelimit.NewMemory(logger)
		srv.Go(ctx, "ratelimit_janitor", mem.Run, mem.Shutdown)
		limiter = mem
		quotas = quota.NewMemory()
	default:
		limiter = cacheClient.RateLimiter()
		quotas = cacheClient.QuotaTracker()
	}

	eng := engine.New(cls, limiter, quotas, logger, metricsRecorder)

	// Analytics pipeline. The worker is registered before the recorder so
	// the recorder flushes into the stream before the worker stops.
	clickEvents := repository.NewClickEventRepository(repo)
	var sink analytics.Sink
	switch cfg.AnalyticsSink {
	case config.AnalyticsSinkPostgres:
		sink = analytics.NewRepositorySink(clickEvents)
	default:
		sink = analytics.NewStreamSink(cacheClient.Client(), logger)
		if cfg.AnalyticsWorkerEnabled {
			worker := analytics.NewWorker(cacheClient.Client(), clickEvents, logger, metricsRecorder, analytics.WorkerOptions{
				BatchSize: cfg.AnalyticsBatchSize,
			})
			srv.Go(ctx, "analytics_worker", worker.Run, worker.Shutdown)
		}
	}

	events := analytics.NewRecorder(sink, logger, metricsRecorder, analytics.RecorderOptions{
		QueueSize:     cfg.AnalyticsQueueSize,
		BatchSize:     cfg.AnalyticsBatchSize,
		FlushInterval: cfg.AnalyticsFlushInterval,
		Workers:       cfg.AnalyticsDrainWorkers,
	})
	events.Start()
	srv.OnShutdown("analytics_recorder", events.Shutdown)

	resolver := service.NewLinkConfigService(repo, cacheClient, logger, metricsRecorder)
	extractor := signal.NewExtractor(signal.Options{
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		TokenParam:        cfg.TokenQueryParam,
	})
	redirectHandler := handler.NewRedirectHandler(resolver, extractor, eng, events, logger, metricsRecorder)

	setupRouter(r, healthHandler, metricsHandler, redirectHandler, cfg, logger)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"counter_backend", cfg.CounterBackend,
		"analytics_sink", cfg.AnalyticsSink,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runMigrations(databaseURL string, logger *slog.Logger) error {
	m, err := migrations.New(databaseURL, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// classifierSource picks the table source; Redis wins over a file.
func classifierSource(cfg *config.Config, c *cache.Cache) classifier.Source {
	switch {
	case cfg.ClassifierRedisSource:
		return classifier.NewRedisSource(c.Client())
	case cfg.ClassifierTablePath != "":
		return classifier.NewFileSource(cfg.ClassifierTablePath)
	default:
		return nil
	}
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	r chi.Router,
	healthHandler *handler.HealthHandler,
	metricsHandler *handler.MetricsHandler,
	redirectHandler *handler.RedirectHandler,
	cfg *config.Config,
	logger *slog.Logger,
) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger, "/healthz", "/readyz", "/metrics"))
	r.Use(middleware.Recoverer(logger))
	r.Use(chimiddleware.CleanPath)
	r.Use(middleware.Security(middleware.SecurityConfig{HSTS: cfg.IsProduction()}))

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)

	r.Get("/r/{linkID}", redirectHandler.Redirect)

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
