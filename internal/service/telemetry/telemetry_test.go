package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/edge/pkg/logger"
	runtimetelemetry "github.com/splax/localvercel/edge/pkg/runtime/telemetry"
)

type fakeForwarder struct {
	mu      sync.Mutex
	events  []runtimetelemetry.Event
	rollups []runtimetelemetry.Rollup
}

func (f *fakeForwarder) Emit(_ context.Context, event runtimetelemetry.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeForwarder) EmitRollups(_ context.Context, rollups []runtimetelemetry.Rollup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollups = append(f.rollups, rollups...)
	return nil
}

func (f *fakeForwarder) snapshot() ([]runtimetelemetry.Event, []runtimetelemetry.Rollup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtimetelemetry.Event(nil), f.events...), append([]runtimetelemetry.Rollup(nil), f.rollups...)
}

func TestRollupAggregatorFlushBefore(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	agg := newRollupAggregator(time.Minute, 8, 1)

	agg.add("c1-site", now.Add(-30*time.Second), 50*time.Millisecond, 100, 2000, false)
	agg.add("c1-site", now.Add(-20*time.Second), 150*time.Millisecond, 100, 0, true)

	rollups := agg.flushBefore(now.Add(time.Minute))
	if len(rollups) != 1 {
		t.Fatalf("expected a single rollup, got %d", len(rollups))
	}
	rollup := rollups[0]
	if rollup.Count != 2 || rollup.ErrorCount != 1 {
		t.Fatalf("unexpected counts %+v", rollup)
	}
	if rollup.BytesIn != 200 || rollup.BytesOut != 2000 {
		t.Fatalf("unexpected byte totals %+v", rollup)
	}
	if rollup.AvgMS == nil || *rollup.AvgMS != 100 {
		t.Fatalf("expected average 100ms, got %v", rollup.AvgMS)
	}
	if rollup.MaxMS == nil || *rollup.MaxMS != 150 {
		t.Fatalf("expected max 150ms, got %v", rollup.MaxMS)
	}
	if rollup.P50MS == nil || *rollup.P50MS != 100 {
		t.Fatalf("expected p50 100ms, got %v", rollup.P50MS)
	}
	if again := agg.flushBefore(now.Add(time.Minute)); len(again) != 0 {
		t.Fatalf("flushed buckets should be forgotten, got %d", len(again))
	}
}

func TestRollupAggregatorKeepsOpenBuckets(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 30, 0, time.UTC)
	agg := newRollupAggregator(time.Minute, 8, 1)
	agg.add("c1-site", now, time.Millisecond, 0, 0, false)
	if rollups := agg.flushBefore(now); len(rollups) != 0 {
		t.Fatalf("open bucket flushed early: %+v", rollups)
	}
	if rollups := agg.flushAll(); len(rollups) != 1 {
		t.Fatalf("expected flushAll to return the open bucket, got %d", len(rollups))
	}
}

func TestRecorderForwardsEventsAndFinalRollups(t *testing.T) {
	fwd := &fakeForwarder{}
	rec := NewRecorder(logger.Discard(), fwd, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.RecordEvent(Event{Type: EventRouteRemoved, Domain: "a.example.com"})
	rec.RecordRequest("c1-site", 20*time.Millisecond, 10, 20, false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, _ := fwd.snapshot()
		if len(events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not forwarded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done

	events, rollups := fwd.snapshot()
	if events[0].EventType != EventRouteRemoved || events[0].Domain != "a.example.com" || events[0].Level != "info" {
		t.Fatalf("unexpected forwarded event %+v", events[0])
	}
	if len(rollups) != 1 || rollups[0].ComputeID != "c1-site" || rollups[0].Count != 1 {
		t.Fatalf("expected final rollup flush, got %+v", rollups)
	}
}

func TestRecorderWithoutForwarderDoesNotQueue(t *testing.T) {
	rec := NewRecorder(logger.Discard(), nil, time.Minute)
	for i := 0; i < eventQueueSize+10; i++ {
		rec.RecordEvent(Event{Type: EventDeploySucceeded})
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no queued events, got %d", len(rec.events))
	}
}
