package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Decisions map[string]uint64

	LinkCacheHits           uint64
	LinkCacheMisses         uint64
	RedirectDurationCount   uint64
	RedirectDurationTotalNs int64

	RateLimitBackendErrors uint64
	QuotaBackendErrors     uint64
	ClassifierDegraded     map[string]uint64

	AnalyticsEventsQueued          uint64
	AnalyticsEventsDropped         uint64
	AnalyticsEventsPublished       uint64
	AnalyticsEventsPublishFailed   uint64
	AnalyticsEventsProcessed       uint64
	AnalyticsEventsProcessedFailed uint64
	AnalyticsEventsDeadLettered    uint64
	AnalyticsBatchCount            uint64
	AnalyticsBatchEvents           uint64
	AnalyticsQueueDepth            int64
	AnalyticsBatchDurationCount    uint64
	AnalyticsBatchDurationTotalNs  int64
	AnalyticsIngestLagCount        uint64
	AnalyticsIngestLagTotalNs      int64
}

// DecisionOutcomes returns the decision outcomes in a stable order.
func (s Snapshot) DecisionOutcomes() []string {
	keys := make([]string, 0, len(s.Decisions))
	for k := range s.Decisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InMemoryRecorder stores metrics in memory for tests and the /metrics endpoint.
type InMemoryRecorder struct {
	decisions sync.Map // outcome -> *atomic.Uint64
	degraded  sync.Map // table -> *atomic.Uint64

	linkCacheHits           atomic.Uint64
	linkCacheMisses         atomic.Uint64
	redirectDurationCount   atomic.Uint64
	redirectDurationTotalNs atomic.Int64

	rateLimitBackendErrors atomic.Uint64
	quotaBackendErrors     atomic.Uint64

	eventsQueued          atomic.Uint64
	eventsDropped         atomic.Uint64
	eventsPublished       atomic.Uint64
	eventsPublishFailed   atomic.Uint64
	eventsProcessed       atomic.Uint64
	eventsProcessedFailed atomic.Uint64
	eventsDeadLettered    atomic.Uint64
	batchCount            atomic.Uint64
	batchEvents           atomic.Uint64
	queueDepth            atomic.Int64
	batchDurationCount    atomic.Uint64
	batchDurationTotalNs  atomic.Int64
	ingestLagCount        atomic.Uint64
	ingestLagTotalNs      atomic.Int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		Decisions:                      copyCounters(&m.decisions),
		LinkCacheHits:                  m.linkCacheHits.Load(),
		LinkCacheMisses:                m.linkCacheMisses.Load(),
		RedirectDurationCount:          m.redirectDurationCount.Load(),
		RedirectDurationTotalNs:        m.redirectDurationTotalNs.Load(),
		RateLimitBackendErrors:         m.rateLimitBackendErrors.Load(),
		QuotaBackendErrors:             m.quotaBackendErrors.Load(),
		ClassifierDegraded:             copyCounters(&m.degraded),
		AnalyticsEventsQueued:          m.eventsQueued.Load(),
		AnalyticsEventsDropped:         m.eventsDropped.Load(),
		AnalyticsEventsPublished:       m.eventsPublished.Load(),
		AnalyticsEventsPublishFailed:   m.eventsPublishFailed.Load(),
		AnalyticsEventsProcessed:       m.eventsProcessed.Load(),
		AnalyticsEventsProcessedFailed: m.eventsProcessedFailed.Load(),
		AnalyticsEventsDeadLettered:    m.eventsDeadLettered.Load(),
		AnalyticsBatchCount:            m.batchCount.Load(),
		AnalyticsBatchEvents:           m.batchEvents.Load(),
		AnalyticsQueueDepth:            m.queueDepth.Load(),
		AnalyticsBatchDurationCount:    m.batchDurationCount.Load(),
		AnalyticsBatchDurationTotalNs:  m.batchDurationTotalNs.Load(),
		AnalyticsIngestLagCount:        m.ingestLagCount.Load(),
		AnalyticsIngestLagTotalNs:      m.ingestLagTotalNs.Load(),
	}
}

// IncDecision increments the counter for a decision outcome.
func (m *InMemoryRecorder) IncDecision(outcome string) {
	counter(&m.decisions, outcome).Add(1)
}

// IncLinkCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncLinkCacheHit() {
	m.linkCacheHits.Add(1)
}

// IncLinkCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncLinkCacheMiss() {
	m.linkCacheMisses.Add(1)
}

// ObserveRedirectDuration records redirect duration.
func (m *InMemoryRecorder) ObserveRedirectDuration(duration time.Duration) {
	m.redirectDurationCount.Add(1)
	m.redirectDurationTotalNs.Add(duration.Nanoseconds())
}

// IncCounterBackendError counts rate limiter or quota backend failures.
func (m *InMemoryRecorder) IncCounterBackendError(backend string) {
	switch backend {
	case "ratelimit":
		m.rateLimitBackendErrors.Add(1)
	case "quota":
		m.quotaBackendErrors.Add(1)
	}
}

// IncClassifierDegraded counts lookups served without a reference table.
func (m *InMemoryRecorder) IncClassifierDegraded(table string) {
	counter(&m.degraded, table).Add(1)
}

// IncAnalyticsEventRecorded counts events accepted or dropped by the queue.
func (m *InMemoryRecorder) IncAnalyticsEventRecorded(status string) {
	switch status {
	case "queued":
		m.eventsQueued.Add(1)
	case "dropped":
		m.eventsDropped.Add(1)
	}
}

// IncAnalyticsEventPublished counts sink writes.
func (m *InMemoryRecorder) IncAnalyticsEventPublished(status string) {
	switch status {
	case "success":
		m.eventsPublished.Add(1)
	case "failed":
		m.eventsPublishFailed.Add(1)
	}
}

// IncAnalyticsEventProcessed counts stream worker results.
func (m *InMemoryRecorder) IncAnalyticsEventProcessed(status string) {
	switch status {
	case "success":
		m.eventsProcessed.Add(1)
	case "failed":
		m.eventsProcessedFailed.Add(1)
	case "dead_lettered":
		m.eventsDeadLettered.Add(1)
	}
}

// ObserveAnalyticsBatchSize records a batch size.
func (m *InMemoryRecorder) ObserveAnalyticsBatchSize(size int) {
	m.batchCount.Add(1)
	m.batchEvents.Add(uint64(size))
}

// ObserveAnalyticsBatchDuration records batch processing time.
func (m *InMemoryRecorder) ObserveAnalyticsBatchDuration(duration time.Duration) {
	m.batchDurationCount.Add(1)
	m.batchDurationTotalNs.Add(duration.Nanoseconds())
}

// SetAnalyticsQueueDepth sets the current queue depth.
func (m *InMemoryRecorder) SetAnalyticsQueueDepth(depth int64) {
	m.queueDepth.Store(depth)
}

// ObserveAnalyticsIngestLag records time from click to persistence.
func (m *InMemoryRecorder) ObserveAnalyticsIngestLag(lag time.Duration) {
	m.ingestLagCount.Add(1)
	m.ingestLagTotalNs.Add(lag.Nanoseconds())
}

func counter(m *sync.Map, key string) *atomic.Uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func copyCounters(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
