package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kuintessence/workflow-engine/internal/billing"
	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/queue"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, queueID, taskID, kind string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return fmt.Errorf("agent unreachable")
	}
	return nil
}

func ptr(v int64) *int64 { return &v }

// noTripBreaker never observes enough samples to open, so retry tests can
// exercise backoff without also exercising the breaker.
var noTripBreaker = BreakerConfig{Window: time.Second, Buckets: 1, MinSamples: 1 << 30, FailureRateOpen: 0.99, HalfOpenAfter: time.Millisecond, MaxHalfOpenProbes: 1}

func newTestScheduler(t *testing.T, dispatcher *fakeDispatcher) (*Scheduler, *entity.Store, *bus.Bus) {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")

	store, err := entity.Open(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open entity store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.New(meter, 2)
	queues := queue.New(meter, nil)
	queues.Insert(model.Queue{ID: "q1", Enabled: true, MemoryAlert: ptr(5)})

	s := New(meter, store, queues, events, dispatcher, billing.New(store), 3, time.Millisecond, 10*time.Millisecond, noTripBreaker)
	return s, store, events
}

func TestAdmitDispatchesAndAssignsQueue(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, store, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	store.PutNode(ctx, model.NodeInstance{ID: "n1"})
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", Kind: "ExecuteScript", Status: model.TaskQueued})

	if err := s.Admit(ctx, "t1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	got, _, _ := store.GetTask(ctx, "t1")
	if got.QueueID != "q1" {
		t.Fatalf("expected task to be assigned to q1, got %s", got.QueueID)
	}
	c := cacheInfo(t, s)
	if c.Used.Memory != 1 {
		t.Fatalf("expected one unit of used memory, got %d", c.Used.Memory)
	}
}

func cacheInfo(t *testing.T, s *Scheduler) model.QueueCacheInfo {
	t.Helper()
	c, _ := s.queues.GetCacheInfo("q1")
	return c
}

func TestAdmitRetriesThenSucceeds(t *testing.T) {
	dispatcher := &fakeDispatcher{failUntil: 2}
	s, store, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	store.PutNode(ctx, model.NodeInstance{ID: "n1"})
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", Kind: "ExecuteScript", Status: model.TaskQueued})

	if err := s.Admit(ctx, "t1"); err != nil {
		t.Fatalf("expected admission to succeed after retries, got %v", err)
	}
	dispatcher.mu.Lock()
	calls := dispatcher.calls
	dispatcher.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 dispatch attempts, got %d", calls)
	}
}

func TestAdmitFailsAfterExhaustingRetries(t *testing.T) {
	dispatcher := &fakeDispatcher{failUntil: 100}
	s, store, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	store.PutNode(ctx, model.NodeInstance{ID: "n1"})
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", Kind: "ExecuteScript", Status: model.TaskQueued})

	if err := s.Admit(ctx, "t1"); err == nil {
		t.Fatalf("expected admission to fail after exhausting retries")
	}
	got, _, _ := store.GetTask(ctx, "t1")
	if got.Status != model.TaskFailed {
		t.Fatalf("expected task to be marked failed, got %v", got.Status)
	}
	c := cacheInfo(t, s)
	if c.Used.Memory != 0 {
		t.Fatalf("expected the queue usage to be released on failure, got %d", c.Used.Memory)
	}
}

func TestMarkTerminalReleasesQueueAndPublishes(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, store, events := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	store.PutNode(ctx, model.NodeInstance{ID: "n1"})
	used := model.QueueResourceUsed{Memory: 1, CoreNumber: 1, StorageCapacity: 1, NodeCount: 1}
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", QueueID: "q1", Status: model.TaskStarted, ResourceUsed: used})
	if err := s.queues.AddUsedResource(ctx, "q1", used); err != nil {
		t.Fatalf("seed used resource: %v", err)
	}

	received := make(chan model.TaskChange, 1)
	events.Subscribe("task", func(ctx context.Context, msg model.ChangeMsg) {
		if msg.Task != nil && msg.Task.Status == model.TaskCompleted {
			received <- *msg.Task
		}
	})

	if err := s.MarkTerminal(ctx, "t1", model.TaskCompleted, ""); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	select {
	case tc := <-received:
		if tc.TaskID != "t1" {
			t.Fatalf("expected TaskID t1, got %s", tc.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for terminal status to be published")
	}

	c := cacheInfo(t, s)
	if c.Used != (model.QueueResourceUsed{}) {
		t.Fatalf("expected queue usage released, got %+v", c.Used)
	}
}

func TestAdmitNoQueueAvailable(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, _ := entity.Open(t.TempDir(), meter)
	t.Cleanup(func() { store.Close() })
	events := bus.New(meter, 2)
	queues := queue.New(meter, nil) // no queues registered

	s := New(meter, store, queues, events, dispatcher, billing.New(store), 3, time.Millisecond, 10*time.Millisecond, noTripBreaker)
	ctx := context.Background()
	store.PutNode(ctx, model.NodeInstance{ID: "n1"})
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", Status: model.TaskQueued})

	if err := s.Admit(ctx, "t1"); err == nil {
		t.Fatalf("expected error when no queue is available")
	}
	got, _, _ := store.GetTask(ctx, "t1")
	if got.Status != model.TaskFailed {
		t.Fatalf("expected task marked failed, got %v", got.Status)
	}
}

// TestSchedulingHintForManualStrategy confirms a node's validated
// scheduling_strategy/queue_ids parameters actually steer admission, rather
// than every task defaulting to Auto.
func TestSchedulingHintForManualStrategy(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, store, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()
	s.queues.Insert(model.Queue{ID: "q2", Enabled: true, MemoryAlert: ptr(5)})

	store.PutNode(ctx, model.NodeInstance{ID: "n1", Parameters: map[string]string{
		"scheduling_strategy": "Manual",
		"queue_ids":           "q2",
	}})
	store.PutTask(ctx, model.Task{ID: "t1", NodeInstanceID: "n1", Kind: "ExecuteScript", Status: model.TaskQueued})

	if err := s.Admit(ctx, "t1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	got, _, _ := store.GetTask(ctx, "t1")
	if got.QueueID != "q2" {
		t.Fatalf("expected manual strategy to pin the task to q2, got %s", got.QueueID)
	}
}

func TestCircuitBreakerTripsAfterRepeatedDispatchFailures(t *testing.T) {
	dispatcher := &fakeDispatcher{failUntil: 1000}
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, _ := entity.Open(t.TempDir(), meter)
	t.Cleanup(func() { store.Close() })
	events := bus.New(meter, 2)
	queues := queue.New(meter, nil)
	queues.Insert(model.Queue{ID: "q1", Enabled: true, MemoryAlert: ptr(1000)})

	// A low sample floor so a handful of consecutive failures actually trips
	// the breaker inside the test, and an hour-long half-open delay so it
	// stays open for the rest of it.
	cfg := BreakerConfig{Window: time.Second, Buckets: 4, MinSamples: 2, FailureRateOpen: 0.5, HalfOpenAfter: time.Hour, MaxHalfOpenProbes: 1}
	s := New(meter, store, queues, events, dispatcher, billing.New(store), 1, time.Millisecond, time.Millisecond, cfg)
	ctx := context.Background()
	store.PutNode(ctx, model.NodeInstance{ID: "n1"})

	for i := 0; i < 3; i++ {
		taskID := fmt.Sprintf("t%d", i)
		store.PutTask(ctx, model.Task{ID: taskID, NodeInstanceID: "n1", Kind: "ExecuteScript", Status: model.TaskQueued})
		_ = s.Admit(ctx, taskID)
	}

	dispatcher.mu.Lock()
	calls := dispatcher.calls
	dispatcher.mu.Unlock()
	// With rpcAttempts=1 each Admit makes exactly one dispatch attempt
	// unless the breaker is already open, in which case it fails fast
	// without calling Dispatch at all.
	if calls >= 3 {
		t.Fatalf("expected the breaker to short-circuit at least one dispatch attempt, got %d real calls", calls)
	}
}
