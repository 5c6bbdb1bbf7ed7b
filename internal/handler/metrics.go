package handler

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/penshort/cloak/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	for _, outcome := range snap.DecisionOutcomes() {
		writeMetric(w, "cloak_decisions_total{outcome=%q} %d\n", outcome, snap.Decisions[outcome])
	}

	writeMetric(w, "cloak_link_cache_hits_total %d\n", snap.LinkCacheHits)
	writeMetric(w, "cloak_link_cache_misses_total %d\n", snap.LinkCacheMisses)
	writeMetric(w, "cloak_redirect_duration_seconds_count %d\n", snap.RedirectDurationCount)
	writeMetric(w, "cloak_redirect_duration_seconds_sum %.6f\n", float64(snap.RedirectDurationTotalNs)/1e9)

	writeMetric(w, "cloak_counter_backend_errors_total{backend=\"ratelimit\"} %d\n", snap.RateLimitBackendErrors)
	writeMetric(w, "cloak_counter_backend_errors_total{backend=\"quota\"} %d\n", snap.QuotaBackendErrors)

	tables := make([]string, 0, len(snap.ClassifierDegraded))
	for table := range snap.ClassifierDegraded {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		writeMetric(w, "cloak_classifier_degraded_total{table=%q} %d\n", table, snap.ClassifierDegraded[table])
	}

	writeMetric(w, "cloak_analytics_events_recorded_total{status=\"queued\"} %d\n", snap.AnalyticsEventsQueued)
	writeMetric(w, "cloak_analytics_events_recorded_total{status=\"dropped\"} %d\n", snap.AnalyticsEventsDropped)
	writeMetric(w, "cloak_analytics_events_published_total{status=\"success\"} %d\n", snap.AnalyticsEventsPublished)
	writeMetric(w, "cloak_analytics_events_published_total{status=\"failed\"} %d\n", snap.AnalyticsEventsPublishFailed)

	writeMetric(w, "cloak_analytics_events_processed_total{status=\"success\"} %d\n", snap.AnalyticsEventsProcessed)
	writeMetric(w, "cloak_analytics_events_processed_total{status=\"failed\"} %d\n", snap.AnalyticsEventsProcessedFailed)
	writeMetric(w, "cloak_analytics_events_processed_total{status=\"dead_lettered\"} %d\n", snap.AnalyticsEventsDeadLettered)

	writeMetric(w, "cloak_analytics_batches_total %d\n", snap.AnalyticsBatchCount)
	writeMetric(w, "cloak_analytics_batch_events_total %d\n", snap.AnalyticsBatchEvents)
	writeMetric(w, "cloak_analytics_queue_depth %d\n", snap.AnalyticsQueueDepth)
	writeMetric(w, "cloak_analytics_batch_duration_seconds_count %d\n", snap.AnalyticsBatchDurationCount)
	writeMetric(w, "cloak_analytics_batch_duration_seconds_sum %.6f\n", float64(snap.AnalyticsBatchDurationTotalNs)/1e9)
	writeMetric(w, "cloak_analytics_ingest_lag_seconds_count %d\n", snap.AnalyticsIngestLagCount)
	writeMetric(w, "cloak_analytics_ingest_lag_seconds_sum %.6f\n", float64(snap.AnalyticsIngestLagTotalNs)/1e9)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
