// Package engine evaluates a visit against a link's filtering rules.
//
// Rules run in a fixed order and the first failing rule decides the deny
// reason. Stateful rules (rate limit, quota) run last so that a visit
// rejected for any other reason never consumes a counter.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
)

// Classifier answers bot and VPN/hosting questions.
type Classifier interface {
	IsBot(sig model.VisitorSignal, advanced bool) bool
	IsVPNOrHosting(sig model.VisitorSignal) bool
}

// RateLimiter checks and records one request in a per-link, per-IP
// sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, linkID, ip string, limit int64) (bool, error)
}

// QuotaTracker consumes one click from a link's lifetime quota.
type QuotaTracker interface {
	TryConsume(ctx context.Context, linkID string, maxClicks int64) (bool, error)
}

// Engine evaluates visits. It is safe for concurrent use.
type Engine struct {
	classifier Classifier
	limiter    RateLimiter
	quota      QuotaTracker
	logger     *slog.Logger
	metrics    metrics.Recorder
	now        func() time.Time
	steps      []step
}

// New creates an Engine.
func New(classifier Classifier, limiter RateLimiter, quota QuotaTracker, logger *slog.Logger, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	e := &Engine{
		classifier: classifier,
		limiter:    limiter,
		quota:      quota,
		logger:     logger.With("component", "engine"),
		metrics:    recorder,
		now:        time.Now,
	}
	e.steps = []step{
		{name: "token", check: e.checkToken},
		{name: "country", check: checkCountry},
		{name: "referrer", check: checkReferrer},
		{name: "vpn", check: e.checkVPN},
		{name: "bot", check: e.checkBot},
		{name: "rate_limit", check: e.checkRateLimit},
		{name: "quota", check: e.checkQuota},
	}
	return e
}

// SetClock overrides the time source used for token expiry.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Evaluate decides where the visitor goes. It never fails: backend errors
// are resolved by each rule's policy and logged.
func (e *Engine) Evaluate(ctx context.Context, cfg *model.LinkConfig, sig model.VisitorSignal) model.Decision {
	// Counter updates must complete even if the client disconnects.
	ctx = context.WithoutCancel(ctx)

	ev := &evaluation{cfg: cfg, sig: sig, now: e.now()}
	utmMatch := sig.UTMMatch(cfg.UTMParams)

	decision := model.Allow(cfg.TargetURL, utmMatch)
	for _, s := range e.steps {
		if reason := s.check(ctx, ev); reason != "" {
			decision = model.Deny(cfg.FallbackURL, reason, utmMatch)
			e.logger.Debug("rule_denied",
				"link_id", cfg.ID,
				"rule", s.name,
				"reason", string(reason),
			)
			break
		}
	}

	e.metrics.IncDecision(decision.Outcome())
	return decision
}
