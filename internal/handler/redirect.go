package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/penshort/cloak/internal/analytics"
	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
	"github.com/penshort/cloak/internal/service"
)

// Evaluator decides where a visit goes.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg *model.LinkConfig, sig model.VisitorSignal) model.Decision
}

// SignalExtractor turns a request into a VisitorSignal.
type SignalExtractor interface {
	Extract(r *http.Request) model.VisitorSignal
}

// EventRecorder accepts click events without blocking.
type EventRecorder interface {
	Record(event *model.ClickEvent) error
}

// Per-link headers outside this set are ignored.
var allowedLinkHeaders = map[string]struct{}{
	"Content-Security-Policy":      {},
	"Cross-Origin-Opener-Policy":   {},
	"Cross-Origin-Resource-Policy": {},
	"Permissions-Policy":           {},
	"Referrer-Policy":              {},
	"Strict-Transport-Security":    {},
	"X-Content-Type-Options":       {},
	"X-Frame-Options":              {},
	"X-Robots-Tag":                 {},
}

// RedirectHandler handles redirect requests.
type RedirectHandler struct {
	resolver  service.Resolver
	extractor SignalExtractor
	engine    Evaluator
	events    EventRecorder
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// NewRedirectHandler creates a new RedirectHandler. events may be nil.
func NewRedirectHandler(resolver service.Resolver, extractor SignalExtractor, engine Evaluator, events EventRecorder, logger *slog.Logger, recorder metrics.Recorder) *RedirectHandler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &RedirectHandler{
		resolver:  resolver,
		extractor: extractor,
		engine:    engine,
		events:    events,
		logger:    logger,
		metrics:   recorder,
		now:       time.Now,
	}
}

// Redirect handles GET /r/{linkID}.
func (h *RedirectHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	linkID := chi.URLParam(r, "linkID")
	if linkID == "" {
		h.writeError(w, http.StatusNotFound, "LINK_NOT_FOUND", "Link not found")
		return
	}

	cfg, err := h.resolver.Resolve(r.Context(), linkID)
	if err != nil {
		h.handleResolveError(w, linkID, err, time.Since(start))
		return
	}

	sig := h.extractor.Extract(r)
	decision := h.engine.Evaluate(r.Context(), cfg, sig)

	if h.events != nil {
		if err := h.events.Record(analytics.NewClickEvent(linkID, sig, decision, h.now())); err != nil {
			h.logger.Debug("click event not recorded", "link_id", linkID, "error", err)
		}
	}

	duration := time.Since(start)
	h.metrics.ObserveRedirectDuration(duration)
	h.logger.Info("redirect_decision",
		"link_id", linkID,
		"link_name", cfg.Name,
		"outcome", decision.Outcome(),
		"utm_match", decision.UTMMatch,
		"country", sig.Country,
		"duration_ms", float64(duration.Microseconds())/1000,
	)

	for name, value := range cfg.SecurityHeaders {
		key := http.CanonicalHeaderKey(name)
		if _, ok := allowedLinkHeaders[key]; ok {
			w.Header().Set(key, value)
		}
	}
	setDefaultHeader(w, "X-Content-Type-Options", "nosniff")
	setDefaultHeader(w, "Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "private, no-store, max-age=0")

	http.Redirect(w, r, decision.Destination, http.StatusFound)
}

func (h *RedirectHandler) handleResolveError(w http.ResponseWriter, linkID string, err error, duration time.Duration) {
	if errors.Is(err, service.ErrLinkNotFound) {
		h.logger.Info("redirect_not_found",
			"link_id", linkID,
			"duration_ms", float64(duration.Microseconds())/1000,
		)
		h.writeError(w, http.StatusNotFound, "LINK_NOT_FOUND", "Link not found")
		return
	}

	h.logger.Error("redirect_error",
		"link_id", linkID,
		"error", err,
		"duration_ms", float64(duration.Microseconds())/1000,
	)
	h.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Link temporarily unavailable")
}

// writeError writes a JSON error response for redirect failures.
func (h *RedirectHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store, max-age=0")
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func setDefaultHeader(w http.ResponseWriter, key, value string) {
	if w.Header().Get(key) == "" {
		w.Header().Set(key, value)
	}
}
