package entity

import (
	"context"
	"encoding/json"

	"github.com/kuintessence/workflow-engine/internal/model"
)

// --- WorkflowDraft ---

func (s *Store) PutDraft(ctx context.Context, d model.WorkflowDraft) error {
	return s.put(ctx, bucketDrafts, d.ID, d)
}

func (s *Store) GetDraft(ctx context.Context, id string) (model.WorkflowDraft, bool, error) {
	var d model.WorkflowDraft
	found, err := s.get(ctx, bucketDrafts, id, &d)
	return d, found, err
}

func (s *Store) ListDraftsByUser(userID string) []model.WorkflowDraft {
	var out []model.WorkflowDraft
	for _, raw := range s.list(bucketDrafts) {
		var d model.WorkflowDraft
		if json.Unmarshal(raw, &d) == nil && d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

// --- WorkflowInstance ---

func (s *Store) PutInstance(ctx context.Context, w model.WorkflowInstance) error {
	return s.put(ctx, bucketInstances, w.ID, w)
}

func (s *Store) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, bool, error) {
	var w model.WorkflowInstance
	found, err := s.get(ctx, bucketInstances, id, &w)
	return w, found, err
}

// UpdateInstanceWithLock applies fn to the current instance and persists the
// result only if fn's input still has the same LastModifiedTime the store
// currently holds; the store sets LastModifiedTime on fn's result itself, so
// fn need not touch it. Grounded
// on original_source's update_immediately_with_lock compare-and-swap.
func (s *Store) UpdateInstanceWithLock(ctx context.Context, id string, fn func(model.WorkflowInstance) (model.WorkflowInstance, error)) error {
	current, found, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	expected := current.LastModifiedTime
	updated, err := fn(current)
	if err != nil {
		return err
	}

	s.mu.Lock()
	raw, ok := s.cache[string(bucketInstances)][id]
	s.mu.Unlock()
	if ok {
		var onDisk model.WorkflowInstance
		if json.Unmarshal(raw, &onDisk) == nil && onDisk.LastModifiedTime != expected {
			return ErrConflict
		}
	}
	updated.LastModifiedTime = NowMicros()
	return s.PutInstance(ctx, updated)
}

// --- NodeInstance ---

func (s *Store) PutNode(ctx context.Context, n model.NodeInstance) error {
	return s.put(ctx, bucketNodes, n.ID, n)
}

func (s *Store) GetNode(ctx context.Context, id string) (model.NodeInstance, bool, error) {
	var n model.NodeInstance
	found, err := s.get(ctx, bucketNodes, id, &n)
	return n, found, err
}

func (s *Store) ListNodesByFlow(flowInstanceID string) []model.NodeInstance {
	var out []model.NodeInstance
	for _, raw := range s.list(bucketNodes) {
		var n model.NodeInstance
		if json.Unmarshal(raw, &n) == nil && n.FlowInstanceID == flowInstanceID {
			out = append(out, n)
		}
	}
	return out
}

// --- Task ---

func (s *Store) PutTask(ctx context.Context, t model.Task) error {
	return s.put(ctx, bucketTasks, t.ID, t)
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, bool, error) {
	var t model.Task
	found, err := s.get(ctx, bucketTasks, id, &t)
	return t, found, err
}

func (s *Store) ListTasksByNode(nodeInstanceID string) []model.Task {
	var out []model.Task
	for _, raw := range s.list(bucketTasks) {
		var t model.Task
		if json.Unmarshal(raw, &t) == nil && t.NodeInstanceID == nodeInstanceID {
			out = append(out, t)
		}
	}
	return out
}

// --- Queue ---

func (s *Store) PutQueue(ctx context.Context, q model.Queue) error {
	return s.put(ctx, bucketQueues, q.ID, q)
}

func (s *Store) GetQueue(ctx context.Context, id string) (model.Queue, bool, error) {
	var q model.Queue
	found, err := s.get(ctx, bucketQueues, id, &q)
	return q, found, err
}

func (s *Store) ListQueues() []model.Queue {
	var out []model.Queue
	for _, raw := range s.list(bucketQueues) {
		var q model.Queue
		if json.Unmarshal(raw, &q) == nil {
			out = append(out, q)
		}
	}
	return out
}

// --- FileMeta ---

func (s *Store) PutFileMeta(ctx context.Context, f model.FileMeta) error {
	return s.put(ctx, bucketFileMetas, f.ID, f)
}

func (s *Store) GetFileMeta(ctx context.Context, id string) (model.FileMeta, bool, error) {
	var f model.FileMeta
	found, err := s.get(ctx, bucketFileMetas, id, &f)
	return f, found, err
}

// FindFileMetaByHash implements the "flash upload" lookup: does any meta
// already carry this (hash, algorithm) pair?
func (s *Store) FindFileMetaByHash(hash, alg string) (model.FileMeta, bool) {
	for _, raw := range s.list(bucketFileMetas) {
		var f model.FileMeta
		if json.Unmarshal(raw, &f) == nil && f.Hash == hash && f.HashAlgorithm == alg {
			return f, true
		}
	}
	return model.FileMeta{}, false
}

// --- NetDiskEntry ---

func (s *Store) PutNetDiskEntry(ctx context.Context, e model.NetDiskEntry) error {
	return s.put(ctx, bucketNetDisk, e.ID, e)
}

func (s *Store) GetNetDiskEntry(ctx context.Context, id string) (model.NetDiskEntry, bool, error) {
	var e model.NetDiskEntry
	found, err := s.get(ctx, bucketNetDisk, id, &e)
	return e, found, err
}

func (s *Store) ListNetDiskChildren(userID, parentID string) []model.NetDiskEntry {
	var out []model.NetDiskEntry
	for _, raw := range s.list(bucketNetDisk) {
		var e model.NetDiskEntry
		if json.Unmarshal(raw, &e) == nil && e.UserID == userID && e.ParentID == parentID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.delete(ctx, bucketTasks, id)
}
