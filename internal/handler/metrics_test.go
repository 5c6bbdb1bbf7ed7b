package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/penshort/cloak/internal/metrics"
)

func TestMetricsHandler(t *testing.T) {
	rec := metrics.NewInMemory()
	rec.IncDecision("allowed")
	rec.IncDecision("bot_blocked")
	rec.IncDecision("bot_blocked")
	rec.IncClassifierDegraded("hosting")
	rec.IncCounterBackendError("quota")

	h := NewMetricsHandler(rec)
	w := httptest.NewRecorder()
	h.Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		`cloak_decisions_total{outcome="allowed"} 1`,
		`cloak_decisions_total{outcome="bot_blocked"} 2`,
		`cloak_classifier_degraded_total{table="hosting"} 1`,
		`cloak_counter_backend_errors_total{backend="quota"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestMetricsHandler_NoSnapshotter(t *testing.T) {
	w := httptest.NewRecorder()
	NewMetricsHandler(nil).Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
