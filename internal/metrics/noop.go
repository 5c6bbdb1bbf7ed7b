package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncDecision is a no-op.
func (n *NoopRecorder) IncDecision(outcome string) {}

// IncLinkCacheHit is a no-op.
func (n *NoopRecorder) IncLinkCacheHit() {}

// IncLinkCacheMiss is a no-op.
func (n *NoopRecorder) IncLinkCacheMiss() {}

// ObserveRedirectDuration is a no-op.
func (n *NoopRecorder) ObserveRedirectDuration(duration time.Duration) {}

// IncCounterBackendError is a no-op.
func (n *NoopRecorder) IncCounterBackendError(backend string) {}

// IncClassifierDegraded is a no-op.
func (n *NoopRecorder) IncClassifierDegraded(table string) {}

// IncAnalyticsEventRecorded is a no-op.
func (n *NoopRecorder) IncAnalyticsEventRecorded(status string) {}

// IncAnalyticsEventPublished is a no-op.
func (n *NoopRecorder) IncAnalyticsEventPublished(status string) {}

// IncAnalyticsEventProcessed is a no-op.
func (n *NoopRecorder) IncAnalyticsEventProcessed(status string) {}

// ObserveAnalyticsBatchSize is a no-op.
func (n *NoopRecorder) ObserveAnalyticsBatchSize(size int) {}

// ObserveAnalyticsBatchDuration is a no-op.
func (n *NoopRecorder) ObserveAnalyticsBatchDuration(duration time.Duration) {}

// SetAnalyticsQueueDepth is a no-op.
func (n *NoopRecorder) SetAnalyticsQueueDepth(depth int64) {}

// ObserveAnalyticsIngestLag is a no-op.
func (n *NoopRecorder) ObserveAnalyticsIngestLag(lag time.Duration) {}
