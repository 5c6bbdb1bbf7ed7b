package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/penshort/cloak/internal/classifier"
	"github.com/penshort/cloak/internal/engine"
	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
	"github.com/penshort/cloak/internal/quota"
	"github.com/penshort/cloak/internal/ratelimit"
	"github.com/penshort/cloak/internal/service"
	"github.com/penshort/cloak/internal/signal"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []*model.ClickEvent
	err    error
}

func (c *captureRecorder) Record(event *model.ClickEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (*model.LinkConfig, error) {
	return nil, errors.New("db down")
}

const (
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	targetURL = "https://target.example.com/offer"
	safeURL   = "https://safe.example.com/"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, resolver service.Resolver, events EventRecorder, rec metrics.Recorder) http.Handler {
	t.Helper()
	logger := discardLogger()
	eng := engine.New(
		classifier.New(logger, rec),
		ratelimit.NewMemory(logger),
		quota.NewMemory(),
		logger,
		rec,
	)
	h := NewRedirectHandler(resolver, signal.NewExtractor(signal.Options{}), eng, events, logger, rec)

	r := chi.NewRouter()
	r.Get("/r/{linkID}", h.Redirect)
	return r
}

func linkConfig(id string) *model.LinkConfig {
	return &model.LinkConfig{
		ID:          id,
		TargetURL:   targetURL,
		FallbackURL: safeURL,
	}
}

func doRedirect(t *testing.T, h http.Handler, path, ua string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:51234"
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRedirect_Decisions(t *testing.T) {
	t.Parallel()

	bots := linkConfig("bots")
	bots.BlockBots = true
	bots.UTMParams = []string{"utm_source"}

	countries := linkConfig("geo")
	countries.AllowedCountries = []string{"US"}

	tokenCfg := linkConfig("tok")
	tokenCfg.RequireToken = true
	tokenCfg.AccessToken = "s3cret"

	tests := []struct {
		name     string
		path     string
		ua       string
		headers  map[string]string
		wantLoc  string
		wantUTM  bool
		wantDeny model.DenyReason
	}{
		{name: "browser allowed", path: "/r/bots?utm_source=fb", ua: browserUA, wantLoc: targetURL, wantUTM: true},
		{name: "bot denied", path: "/r/bots?utm_source=fb", ua: "curl/8.4.0", wantLoc: safeURL, wantUTM: true, wantDeny: model.DenyBotBlocked},
		{name: "country allowed", path: "/r/geo", ua: browserUA, headers: map[string]string{"CF-IPCountry": "US"}, wantLoc: targetURL, wantUTM: true},
		{name: "country denied", path: "/r/geo", ua: browserUA, headers: map[string]string{"CF-IPCountry": "DE"}, wantLoc: safeURL, wantUTM: true, wantDeny: model.DenyCountryBlocked},
		{name: "token accepted", path: "/r/tok?token=s3cret", ua: browserUA, wantLoc: targetURL, wantUTM: true},
		{name: "token rejected", path: "/r/tok?token=nope", ua: browserUA, wantLoc: safeURL, wantUTM: true, wantDeny: model.DenyInvalidToken},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := &captureRecorder{}
			h := newTestRouter(t, service.NewStaticResolver(bots, countries, tokenCfg), events, nil)

			rec := doRedirect(t, h, tt.path, tt.ua, tt.headers)

			if rec.Code != http.StatusFound {
				t.Fatalf("expected 302, got %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != tt.wantLoc {
				t.Errorf("Location = %q, want %q", loc, tt.wantLoc)
			}
			if len(events.events) != 1 {
				t.Fatalf("expected 1 recorded event, got %d", len(events.events))
			}
			ev := events.events[0]
			if ev.DenyReason != tt.wantDeny || ev.Allowed != (tt.wantDeny == "") {
				t.Errorf("event outcome allowed=%v reason=%q, want reason %q", ev.Allowed, ev.DenyReason, tt.wantDeny)
			}
			if ev.UTMMatch != tt.wantUTM {
				t.Errorf("event utm_match = %v, want %v", ev.UTMMatch, tt.wantUTM)
			}
			if ev.IP != "203.0.113.7" {
				t.Errorf("event ip = %q", ev.IP)
			}
		})
	}
}

func TestRedirect_UnknownLink(t *testing.T) {
	t.Parallel()

	events := &captureRecorder{}
	h := newTestRouter(t, service.NewStaticResolver(), events, nil)

	rec := doRedirect(t, h, "/r/missing", browserUA, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "LINK_NOT_FOUND" {
		t.Errorf("code = %q", body.Code)
	}
	if len(events.events) != 0 {
		t.Errorf("unknown link must not record events")
	}
}

func TestRedirect_ResolverFailure(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, failingResolver{}, nil, nil)
	rec := doRedirect(t, h, "/r/abc", browserUA, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRedirect_RecorderErrorDoesNotAffectVisitor(t *testing.T) {
	t.Parallel()

	events := &captureRecorder{err: errors.New("closed")}
	h := newTestRouter(t, service.NewStaticResolver(linkConfig("abc")), events, nil)

	rec := doRedirect(t, h, "/r/abc", browserUA, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != targetURL {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestRedirect_SecurityHeaders(t *testing.T) {
	t.Parallel()

	cfg := linkConfig("abc")
	cfg.SecurityHeaders = map[string]string{
		"x-frame-options":           "SAMEORIGIN",
		"Strict-Transport-Security": "max-age=63072000",
		"Set-Cookie":                "session=stolen",
		"Location":                  "https://evil.example.com/",
	}
	h := newTestRouter(t, service.NewStaticResolver(cfg), nil, nil)

	rec := doRedirect(t, h, "/r/abc", browserUA, nil)

	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=63072000" {
		t.Errorf("Strict-Transport-Security = %q", got)
	}
	if got := rec.Header().Get("Set-Cookie"); got != "" {
		t.Errorf("Set-Cookie must not be applied, got %q", got)
	}
	if got := rec.Header().Get("Location"); got != targetURL {
		t.Errorf("Location = %q, want %q", got, targetURL)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "private, no-store, max-age=0" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestRedirect_Metrics(t *testing.T) {
	t.Parallel()

	rec := metrics.NewInMemory()
	cfg := linkConfig("abc")
	cfg.BlockBots = true
	h := newTestRouter(t, service.NewStaticResolver(cfg), nil, rec)

	doRedirect(t, h, "/r/abc", browserUA, nil)
	doRedirect(t, h, "/r/abc", "Googlebot/2.1", nil)

	snap := rec.Snapshot()
	if snap.Decisions["allowed"] != 1 || snap.Decisions["bot_blocked"] != 1 {
		t.Errorf("decisions = %v", snap.Decisions)
	}
	if snap.RedirectDurationCount != 2 {
		t.Errorf("redirect duration count = %d", snap.RedirectDurationCount)
	}
}
