package entity

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kuintessence/workflow-engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	s, err := Open(t.TempDir(), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := model.WorkflowInstance{ID: "inst-1", Status: model.InstancePending}
	if err := s.PutInstance(ctx, inst); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.GetInstance(ctx, "inst-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Status != model.InstancePending {
		t.Fatalf("expected Pending, got %v", got.Status)
	}
}

func TestGetInstanceMissing(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetInstance(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestUpdateInstanceWithLockSucceeds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutInstance(ctx, model.WorkflowInstance{ID: "inst-2", Status: model.InstancePending})

	err := s.UpdateInstanceWithLock(ctx, "inst-2", func(w model.WorkflowInstance) (model.WorkflowInstance, error) {
		w.Status = model.InstanceRunning
		return w, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := s.GetInstance(ctx, "inst-2")
	if got.Status != model.InstanceRunning {
		t.Fatalf("expected Running, got %v", got.Status)
	}
	if got.LastModifiedTime == 0 {
		t.Fatalf("expected LastModifiedTime to be bumped")
	}
}

func TestUpdateInstanceWithLockAppliesSequentialUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutInstance(ctx, model.WorkflowInstance{ID: "inst-3", Status: model.InstancePending})

	for i := 0; i < 3; i++ {
		if err := s.UpdateInstanceWithLock(ctx, "inst-3", func(w model.WorkflowInstance) (model.WorkflowInstance, error) {
			w.NodeInstanceIDs = append(w.NodeInstanceIDs, "n")
			return w, nil
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	got, _, _ := s.GetInstance(ctx, "inst-3")
	if len(got.NodeInstanceIDs) != 3 {
		t.Fatalf("expected 3 accumulated node ids, got %d", len(got.NodeInstanceIDs))
	}
}

func TestListNodesByFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutNode(ctx, model.NodeInstance{ID: "n1", FlowInstanceID: "flow-1"})
	s.PutNode(ctx, model.NodeInstance{ID: "n2", FlowInstanceID: "flow-1"})
	s.PutNode(ctx, model.NodeInstance{ID: "n3", FlowInstanceID: "flow-2"})

	nodes := s.ListNodesByFlow("flow-1")
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes for flow-1, got %d", len(nodes))
	}
}

func TestFindFileMetaByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutFileMeta(ctx, model.FileMeta{ID: "meta-1", Hash: "abc", HashAlgorithm: "blake3"})

	got, ok := s.FindFileMetaByHash("abc", "blake3")
	if !ok || got.ID != "meta-1" {
		t.Fatalf("expected to find meta-1, got %+v ok=%v", got, ok)
	}

	if _, ok := s.FindFileMetaByHash("missing", "blake3"); ok {
		t.Fatalf("expected no match for an unknown hash")
	}
}

func TestDeleteTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutTask(ctx, model.Task{ID: "task-1", NodeInstanceID: "n1"})
	if err := s.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, _ := s.GetTask(ctx, "task-1")
	if found {
		t.Fatalf("expected task to be gone after delete")
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	s1, err := Open(dir, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	s1.PutQueue(ctx, model.Queue{ID: "q1", Name: "alpha"})
	s1.Close()

	s2, err := Open(dir, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, found, err := s2.GetQueue(ctx, "q1")
	if err != nil || !found {
		t.Fatalf("expected queue to survive reopen, found=%v err=%v", found, err)
	}
	if got.Name != "alpha" {
		t.Fatalf("expected name alpha, got %s", got.Name)
	}
}
