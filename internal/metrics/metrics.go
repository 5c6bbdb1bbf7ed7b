// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Redirect metrics
	IncDecision(outcome string) // outcome: "allowed" or a deny reason
	IncLinkCacheHit()
	IncLinkCacheMiss()
	ObserveRedirectDuration(duration time.Duration)

	// Rule backend metrics
	IncCounterBackendError(backend string) // backend: "ratelimit" or "quota"
	IncClassifierDegraded(table string)    // table: "hosting" or "bots"

	// Analytics pipeline metrics
	IncAnalyticsEventRecorded(status string)  // status: "queued" or "dropped"
	IncAnalyticsEventPublished(status string) // status: "success" or "failed"
	IncAnalyticsEventProcessed(status string) // status: "success", "failed", "dead_lettered"
	ObserveAnalyticsBatchSize(size int)
	ObserveAnalyticsBatchDuration(duration time.Duration)
	SetAnalyticsQueueDepth(depth int64)
	ObserveAnalyticsIngestLag(lag time.Duration)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
