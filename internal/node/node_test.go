package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

type fakeFlow struct {
	mu      sync.Mutex
	changes []model.FlowChange
}

func (f *fakeFlow) HandleChanged(ctx context.Context, change model.FlowChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func (f *fakeFlow) last() (model.FlowChange, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return model.FlowChange{}, false
	}
	return f.changes[len(f.changes)-1], true
}

func newTestNodeScheduler(t *testing.T) (*Scheduler, *entity.Store, *bus.Bus, *fakeFlow) {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	store, err := entity.Open(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open entity store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.New(meter, 2)
	counter := 0
	newTaskID := func() string {
		counter++
		return fmt.Sprintf("task-%d", counter)
	}
	s := New(meter, store, events, newTaskID)
	flow := &fakeFlow{}
	s.SetFlow(flow)
	return s, store, events, flow
}

func TestStartRootNodesCreatesTasksForScriptNode(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodePending})

	if err := s.StartRootNodes(ctx, "flow-1"); err != nil {
		t.Fatalf("start root nodes: %v", err)
	}

	n, _, _ := store.GetNode(ctx, "n1")
	if n.Status != model.NodeRunning {
		t.Fatalf("expected node running, got %v", n.Status)
	}
	if len(n.TaskIDs) != 1 {
		t.Fatalf("expected 1 task for a script node, got %d", len(n.TaskIDs))
	}
}

func TestStartRootNodesCompletesNoActionImmediately(t *testing.T) {
	s, store, _, flow := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindNoAction, Status: model.NodePending})

	if err := s.StartRootNodes(ctx, "flow-1"); err != nil {
		t.Fatalf("start root nodes: %v", err)
	}

	n, _, _ := store.GetNode(ctx, "n1")
	if n.Status != model.NodeCompleted {
		t.Fatalf("expected NoAction node to complete immediately, got %v", n.Status)
	}
	if _, ok := flow.last(); !ok {
		t.Fatalf("expected flow to be notified after the sole node completed")
	}
}

func TestAdvanceCompletesNodeOnLastTaskSuccess(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	n := model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodeRunning, TaskIDs: []string{"task-1"}}
	store.PutNode(ctx, n)
	store.PutTask(ctx, model.Task{ID: "task-1", NodeInstanceID: "n1", Status: model.TaskStarted})

	if err := s.advance(ctx, "task-1", model.TaskCompleted); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, _, _ := store.GetNode(ctx, "n1")
	if got.Status != model.NodeCompleted {
		t.Fatalf("expected node completed on last task success, got %v", got.Status)
	}
}

func TestAdvanceDispatchesNextTaskInSequence(t *testing.T) {
	s, store, events, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	n := model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindSoftwareUsecaseComputing, Status: model.NodeRunning, TaskIDs: []string{"task-1", "task-2"}}
	store.PutNode(ctx, n)
	store.PutTask(ctx, model.Task{ID: "task-1", NodeInstanceID: "n1", Status: model.TaskStarted})
	store.PutTask(ctx, model.Task{ID: "task-2", NodeInstanceID: "n1", Status: model.TaskQueued})

	received := make(chan model.TaskChange, 1)
	events.Subscribe("task", func(ctx context.Context, msg model.ChangeMsg) {
		if msg.Task != nil && msg.Task.TaskID == "task-2" && msg.Task.Status == model.TaskQueued {
			select {
			case received <- *msg.Task:
			default:
			}
		}
	})

	if err := s.advance(ctx, "task-1", model.TaskCompleted); err != nil {
		t.Fatalf("advance: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for task-2 to be queued")
	}

	n2, _, _ := store.GetNode(ctx, "n1")
	if n2.Status != model.NodeRunning {
		t.Fatalf("expected node to stay running mid-sequence, got %v", n2.Status)
	}
}

func TestAdvanceFailsNodeOnTaskFailure(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	n := model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodeRunning, TaskIDs: []string{"task-1"}}
	store.PutNode(ctx, n)
	store.PutTask(ctx, model.Task{ID: "task-1", NodeInstanceID: "n1", Status: model.TaskStarted})

	if err := s.advance(ctx, "task-1", model.TaskFailed); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, _, _ := store.GetNode(ctx, "n1")
	if got.Status != model.NodeFailed {
		t.Fatalf("expected node failed, got %v", got.Status)
	}
}

func TestDependentNodeStartsOnlyAfterDependencySatisfied(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "a", FlowInstanceID: "flow-1", Kind: KindNoAction, Status: model.NodeCompleted})
	store.PutNode(ctx, model.NodeInstance{ID: "b", FlowInstanceID: "flow-1", Kind: KindNoAction, Status: model.NodePending, DependsOn: []string{"a"}})

	a, _, _ := store.GetNode(ctx, "a")
	if err := s.wakeSuccessorsAndAggregate(ctx, a); err != nil {
		t.Fatalf("wake successors: %v", err)
	}

	b, _, _ := store.GetNode(ctx, "b")
	if b.Status != model.NodeCompleted {
		t.Fatalf("expected dependent node to start and complete (NoAction), got %v", b.Status)
	}
}

func TestDependentNodeStaysPendingWhileDependencyUnsatisfied(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "a", FlowInstanceID: "flow-1", Kind: KindNoAction, Status: model.NodeRunning})
	store.PutNode(ctx, model.NodeInstance{ID: "b", FlowInstanceID: "flow-1", Kind: KindNoAction, Status: model.NodePending, DependsOn: []string{"a"}})

	a, _, _ := store.GetNode(ctx, "a")
	if err := s.wakeSuccessorsAndAggregate(ctx, a); err != nil {
		t.Fatalf("wake successors: %v", err)
	}

	b, _, _ := store.GetNode(ctx, "b")
	if b.Status != model.NodePending {
		t.Fatalf("expected dependent node to remain pending, got %v", b.Status)
	}
}

func TestCancelAllNodesStopsAndNotifiesFlow(t *testing.T) {
	s, store, _, flow := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodeRunning, TaskIDs: []string{"task-1"}})
	store.PutTask(ctx, model.Task{ID: "task-1", NodeInstanceID: "n1", Status: model.TaskStarted})

	if err := s.CancelAllNodes(ctx, "flow-1", "user requested cancellation"); err != nil {
		t.Fatalf("cancel all nodes: %v", err)
	}

	n, _, _ := store.GetNode(ctx, "n1")
	if n.Status != model.NodeStopped {
		t.Fatalf("expected node stopped, got %v", n.Status)
	}
	task, _, _ := store.GetTask(ctx, "task-1")
	if task.Status != model.TaskDeleted {
		t.Fatalf("expected task deleted, got %v", task.Status)
	}
	change, ok := flow.last()
	if !ok || change.Change != model.FlowChangeTerminated {
		t.Fatalf("expected flow to be notified of termination, got %+v ok=%v", change, ok)
	}
}

func TestPauseAllNodesPausesRunningAndNotifiesFlow(t *testing.T) {
	s, store, _, flow := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodeRunning})
	store.PutNode(ctx, model.NodeInstance{ID: "n2", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodePending})

	if err := s.PauseAllNodes(ctx, "flow-1"); err != nil {
		t.Fatalf("pause all nodes: %v", err)
	}

	n1, _, _ := store.GetNode(ctx, "n1")
	if n1.Status != model.NodePaused {
		t.Fatalf("expected n1 paused, got %v", n1.Status)
	}
	n2, _, _ := store.GetNode(ctx, "n2")
	if n2.Status != model.NodePending {
		t.Fatalf("expected n2 to remain pending (it was never running), got %v", n2.Status)
	}
	change, ok := flow.last()
	if !ok || change.Change != model.FlowChangePaused {
		t.Fatalf("expected flow to be notified of pause, got %+v ok=%v", change, ok)
	}
}

func TestResumeAllNodesRecreatesTasksFromCheckpoint(t *testing.T) {
	s, store, _, _ := newTestNodeScheduler(t)
	ctx := context.Background()

	store.PutInstance(ctx, model.WorkflowInstance{ID: "flow-1"})
	store.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1", Kind: KindScript, Status: model.NodePaused})

	if err := s.ResumeAllNodes(ctx, "flow-1"); err != nil {
		t.Fatalf("resume all nodes: %v", err)
	}

	n, _, _ := store.GetNode(ctx, "n1")
	if n.Status != model.NodeRunning {
		t.Fatalf("expected node running after resume, got %v", n.Status)
	}
	if len(n.TaskIDs) != 1 {
		t.Fatalf("expected a fresh task to be created on resume, got %d", len(n.TaskIDs))
	}
}
