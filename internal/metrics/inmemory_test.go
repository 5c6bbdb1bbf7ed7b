package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestInMemoryRecorder_Decisions(t *testing.T) {
	t.Parallel()

	m := NewInMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncDecision("allowed")
			m.IncDecision("bot_blocked")
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Decisions["allowed"] != 50 {
		t.Errorf("allowed = %d, want 50", snap.Decisions["allowed"])
	}
	if snap.Decisions["bot_blocked"] != 50 {
		t.Errorf("bot_blocked = %d, want 50", snap.Decisions["bot_blocked"])
	}

	outcomes := snap.DecisionOutcomes()
	if len(outcomes) != 2 || outcomes[0] != "allowed" || outcomes[1] != "bot_blocked" {
		t.Errorf("DecisionOutcomes() = %v", outcomes)
	}
}

func TestInMemoryRecorder_Analytics(t *testing.T) {
	t.Parallel()

	m := NewInMemory()
	m.IncAnalyticsEventRecorded("queued")
	m.IncAnalyticsEventRecorded("queued")
	m.IncAnalyticsEventRecorded("dropped")
	m.IncAnalyticsEventPublished("success")
	m.IncAnalyticsEventProcessed("dead_lettered")
	m.ObserveAnalyticsBatchSize(7)
	m.ObserveAnalyticsBatchDuration(2 * time.Millisecond)
	m.SetAnalyticsQueueDepth(12)
	m.IncCounterBackendError("quota")
	m.IncClassifierDegraded("hosting")

	snap := m.Snapshot()
	if snap.AnalyticsEventsQueued != 2 || snap.AnalyticsEventsDropped != 1 {
		t.Errorf("queued=%d dropped=%d", snap.AnalyticsEventsQueued, snap.AnalyticsEventsDropped)
	}
	if snap.AnalyticsEventsPublished != 1 {
		t.Errorf("published = %d, want 1", snap.AnalyticsEventsPublished)
	}
	if snap.AnalyticsEventsDeadLettered != 1 {
		t.Errorf("dead lettered = %d, want 1", snap.AnalyticsEventsDeadLettered)
	}
	if snap.AnalyticsBatchCount != 1 || snap.AnalyticsBatchEvents != 7 {
		t.Errorf("batch count=%d events=%d", snap.AnalyticsBatchCount, snap.AnalyticsBatchEvents)
	}
	if snap.AnalyticsQueueDepth != 12 {
		t.Errorf("queue depth = %d, want 12", snap.AnalyticsQueueDepth)
	}
	if snap.QuotaBackendErrors != 1 || snap.RateLimitBackendErrors != 0 {
		t.Errorf("quota errors=%d ratelimit errors=%d", snap.QuotaBackendErrors, snap.RateLimitBackendErrors)
	}
	if snap.ClassifierDegraded["hosting"] != 1 {
		t.Errorf("degraded hosting = %d, want 1", snap.ClassifierDegraded["hosting"])
	}
}
