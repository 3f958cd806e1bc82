// Package queue implements the Queue Resource Manager (C5): admission of
// tasks onto compute-resource queues, grounded on
// original_source/service/workflow/src/queue_resource.rs (get_queue,
// is_resource_full, cache_resource, task_started, release_used_queue_resources,
// update_queue_resource) and the six-threshold admission model in
// original_source/domain/workflow/src/model/entity/queue.rs:20-93.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/resilience"
)

// ErrNoQueueAvailable mirrors the original's "no queue available" bail.
var ErrNoQueueAvailable = errors.New("queue: no queue available")

// Manager is the process-wide, mutex-guarded queue admission controller.
// Static queue configuration (model.Queue) and live usage (model.QueueCacheInfo)
// are kept in separate maps, matching the original's entity/cache split.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*model.Queue
	cache  map[string]*model.QueueCacheInfo

	limiter *resilience.RateLimiter

	admitted metric.Int64Counter
	rejected metric.Int64Counter

	usedMemory  metric.Int64UpDownCounter
	usedCores   metric.Int64UpDownCounter
	usedStorage metric.Int64UpDownCounter
	usedNodes   metric.Int64UpDownCounter

	queuingTasks metric.Int64UpDownCounter
	runningTasks metric.Int64UpDownCounter
}

// New constructs a Manager with an admission rate limiter bounding admission
// bursts independent of per-queue capacity (SPEC_FULL.md §2).
func New(meter metric.Meter, limiter *resilience.RateLimiter) *Manager {
	admitted, _ := meter.Int64Counter("wfe_queue_admitted_total")
	rejected, _ := meter.Int64Counter("wfe_queue_rejected_total")
	usedMemory, _ := meter.Int64UpDownCounter("wfe_queue_used_memory")
	usedCores, _ := meter.Int64UpDownCounter("wfe_queue_used_cores")
	usedStorage, _ := meter.Int64UpDownCounter("wfe_queue_used_storage")
	usedNodes, _ := meter.Int64UpDownCounter("wfe_queue_used_nodes")
	queuingTasks, _ := meter.Int64UpDownCounter("wfe_queue_queuing_tasks")
	runningTasks, _ := meter.Int64UpDownCounter("wfe_queue_running_tasks")
	return &Manager{
		queues:       make(map[string]*model.Queue),
		cache:        make(map[string]*model.QueueCacheInfo),
		limiter:      limiter,
		admitted:     admitted,
		rejected:     rejected,
		usedMemory:   usedMemory,
		usedCores:    usedCores,
		usedStorage:  usedStorage,
		usedNodes:    usedNodes,
		queuingTasks: queuingTasks,
		runningTasks: runningTasks,
	}
}

// Insert registers (or updates the static configuration of) a queue. Live
// usage, if any has already accumulated, is left untouched.
func (m *Manager) Insert(q model.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := q
	m.queues[q.ID] = &cp
}

// candidatesFor builds the ordered candidate list for a strategy, mirroring
// get_queue's three SchedulingStrategy arms. Manual/Prefer consult only the
// named ids (in the order given); Auto shuffles the full set.
func (m *Manager) candidatesFor(strategy model.SchedulingStrategy, preferredIDs []string) []*model.Queue {
	switch strategy {
	case model.StrategyManual, model.StrategyPrefer:
		out := make([]*model.Queue, 0, len(preferredIDs))
		for _, id := range preferredIDs {
			if q, ok := m.queues[id]; ok {
				out = append(out, q)
			}
		}
		return out
	default: // Auto
		out := make([]*model.Queue, 0, len(m.queues))
		for _, q := range m.queues {
			out = append(out, q)
		}
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
}

// isResourceFull reports whether any of a queue's six optional thresholds has
// been met or exceeded by current usage (QueueCacheInfo::is_full). A nil
// cache is treated as all-zero usage. Admission is the negation of this: a
// queue admits iff every configured threshold is still strictly greater than
// usage.
func isResourceFull(q *model.Queue, c *model.QueueCacheInfo) bool {
	if c == nil {
		c = &model.QueueCacheInfo{}
	}
	if q.MemoryAlert != nil && c.Used.Memory >= *q.MemoryAlert {
		return true
	}
	if q.CoreNumberAlert != nil && c.Used.CoreNumber >= *q.CoreNumberAlert {
		return true
	}
	if q.StorageCapacityAlert != nil && c.Used.StorageCapacity >= *q.StorageCapacityAlert {
		return true
	}
	if q.MaxNodeCount != nil && c.Used.NodeCount >= *q.MaxNodeCount {
		return true
	}
	if q.MaxQueuingTaskCount != nil && c.QueuingTaskCount >= *q.MaxQueuingTaskCount {
		return true
	}
	if q.MaxRunningTaskCount != nil && c.RunningTaskCount >= *q.MaxRunningTaskCount {
		return true
	}
	return false
}

// PickQueue selects the first enabled, non-full queue among the strategy's
// candidates. For Prefer, a full preferred set falls back to the shuffled
// full queue list exactly as the original's get_queue does before failing.
func (m *Manager) PickQueue(ctx context.Context, taskID string, strategy model.SchedulingStrategy, preferredIDs []string) (model.Queue, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
		return model.Queue{}, fmt.Errorf("queue: admission rate limited")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.candidatesFor(strategy, preferredIDs)
	if picked, ok := m.firstAdmissible(candidates); ok {
		m.admitted.Add(ctx, 1)
		return *picked, nil
	}

	if strategy == model.StrategyPrefer {
		fallback := m.candidatesFor(model.StrategyAuto, nil)
		if picked, ok := m.firstAdmissible(fallback); ok {
			m.admitted.Add(ctx, 1)
			return *picked, nil
		}
	}

	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "no_queue_available")))
	return model.Queue{}, ErrNoQueueAvailable
}

func (m *Manager) firstAdmissible(queues []*model.Queue) (*model.Queue, bool) {
	for _, q := range queues {
		if q.Enabled && !isResourceFull(q, m.cache[q.ID]) {
			return q, true
		}
	}
	return nil, false
}

func (m *Manager) cacheFor(queueID string) *model.QueueCacheInfo {
	c, ok := m.cache[queueID]
	if !ok {
		c = &model.QueueCacheInfo{}
		m.cache[queueID] = c
	}
	return c
}

// AddUsedResource folds a task's resource ask into queueID's live usage and
// increments its queuing task count (Queue::cache_resource /
// QueueCacheInfo::cache). It is rejected only if the new usage would exceed
// a threshold; reaching it exactly is allowed, after which the queue reports
// full. Every threshold is checked before any field is mutated, so a rejected
// admission leaves usage untouched.
func (m *Manager) AddUsedResource(ctx context.Context, queueID string, used model.QueueResourceUsed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", queueID)
	}
	c := m.cacheFor(queueID)

	newMemory := c.Used.Memory + used.Memory
	if q.MemoryAlert != nil && newMemory > *q.MemoryAlert {
		return fmt.Errorf("queue: memory resource full on queue %q", queueID)
	}
	newCores := c.Used.CoreNumber + used.CoreNumber
	if q.CoreNumberAlert != nil && newCores > *q.CoreNumberAlert {
		return fmt.Errorf("queue: core resource full on queue %q", queueID)
	}
	newStorage := c.Used.StorageCapacity + used.StorageCapacity
	if q.StorageCapacityAlert != nil && newStorage > *q.StorageCapacityAlert {
		return fmt.Errorf("queue: storage resource full on queue %q", queueID)
	}
	newNodes := c.Used.NodeCount + used.NodeCount
	if q.MaxNodeCount != nil && newNodes > *q.MaxNodeCount {
		return fmt.Errorf("queue: node resource full on queue %q", queueID)
	}
	newQueuing := c.QueuingTaskCount + 1
	if q.MaxQueuingTaskCount != nil && newQueuing > *q.MaxQueuingTaskCount {
		return fmt.Errorf("queue: queuing task count full on queue %q", queueID)
	}

	c.Used.Memory, c.Used.CoreNumber, c.Used.StorageCapacity, c.Used.NodeCount = newMemory, newCores, newStorage, newNodes
	c.QueuingTaskCount = newQueuing

	attrs := metric.WithAttributes(attribute.String("queue_id", queueID))
	m.usedMemory.Add(ctx, used.Memory, attrs)
	m.usedCores.Add(ctx, used.CoreNumber, attrs)
	m.usedStorage.Add(ctx, used.StorageCapacity, attrs)
	m.usedNodes.Add(ctx, used.NodeCount, attrs)
	m.queuingTasks.Add(ctx, 1, attrs)
	return nil
}

// TaskStarted transitions queueID's usage from queuing to running
// (Queue::task_started / QueueCacheInfo::start_one): it decrements the
// queuing count unconditionally and increments the running count, rejecting
// (leaving both counters unchanged) only if a configured
// max_running_task_count would be exceeded. Unlike the original's
// literal Rust (which only ever assigns the incremented running count when
// max_running_task_count is Some, leaving it unobserved when None), this
// always increments when there is no cap to check against — the sensible
// reading, recorded as an Open Question decision in DESIGN.md.
func (m *Manager) TaskStarted(ctx context.Context, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", queueID)
	}
	c := m.cacheFor(queueID)

	newRunning := c.RunningTaskCount + 1
	if q.MaxRunningTaskCount != nil && newRunning > *q.MaxRunningTaskCount {
		return fmt.Errorf("queue: running task count full on queue %q", queueID)
	}

	attrs := metric.WithAttributes(attribute.String("queue_id", queueID))
	if c.QueuingTaskCount > 0 {
		c.QueuingTaskCount--
		m.queuingTasks.Add(ctx, -1, attrs)
	}
	c.RunningTaskCount = newRunning
	m.runningTasks.Add(ctx, 1, attrs)
	return nil
}

// ReleaseUsedResource releases used back out of queueID's live usage and
// decrements its running task count by one (Queue::release_resource /
// QueueCacheInfo::release), called when a task's node reaches a terminal
// state. Unlike the original's unconditional subtraction, usage is floored
// at zero so a duplicate release (e.g. a retried terminal transition) cannot
// drive a queue's counters negative — this is the conservation property
// TestableProperty 5 checks.
func (m *Manager) ReleaseUsedResource(ctx context.Context, queueID string, used model.QueueResourceUsed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[queueID]
	if !ok {
		return
	}

	deltaMemory := -clampSub(&c.Used.Memory, used.Memory)
	deltaCores := -clampSub(&c.Used.CoreNumber, used.CoreNumber)
	deltaStorage := -clampSub(&c.Used.StorageCapacity, used.StorageCapacity)
	deltaNodes := -clampSub(&c.Used.NodeCount, used.NodeCount)

	attrs := metric.WithAttributes(attribute.String("queue_id", queueID))
	m.usedMemory.Add(ctx, deltaMemory, attrs)
	m.usedCores.Add(ctx, deltaCores, attrs)
	m.usedStorage.Add(ctx, deltaStorage, attrs)
	m.usedNodes.Add(ctx, deltaNodes, attrs)

	if c.RunningTaskCount > 0 {
		c.RunningTaskCount--
		m.runningTasks.Add(ctx, -1, attrs)
	}
}

// clampSub subtracts delta from *field, floored at zero, and returns the
// amount actually subtracted.
func clampSub(field *int64, delta int64) int64 {
	if delta > *field {
		delta = *field
	}
	*field -= delta
	return delta
}

// UpdateQueueResource overwrites queueID's live usage wholesale with info,
// the agent-push reconciliation path (Queue::update_resource).
func (m *Manager) UpdateQueueResource(queueID string, info model.QueueCacheInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queueID]; !ok {
		return fmt.Errorf("queue: unknown queue %q", queueID)
	}
	cp := info
	m.cache[queueID] = &cp
	return nil
}

// IsResourceFull reports whether queueID currently has no admissible
// capacity along any tracked dimension (Queue::is_resource_full /
// test_queue_run_out_of_resource).
func (m *Manager) IsResourceFull(queueID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return false, fmt.Errorf("queue: unknown queue %q", queueID)
	}
	return isResourceFull(q, m.cache[queueID]), nil
}

// Get returns a copy of queueID's static configuration.
func (m *Manager) Get(queueID string) (model.Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return model.Queue{}, false
	}
	return *q, true
}

// GetCacheInfo returns a copy of queueID's live usage snapshot
// (get_queue_cache_info).
func (m *Manager) GetCacheInfo(queueID string) (model.QueueCacheInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queueID]; !ok {
		return model.QueueCacheInfo{}, false
	}
	c, ok := m.cache[queueID]
	if !ok {
		return model.QueueCacheInfo{}, true
	}
	return *c, true
}
