// Package billing accumulates per-node resource usage as tasks complete.
// Supplemented feature (SPEC_FULL.md §6.1), grounded on
// billing-service/main_v2.go's UsageRecord accumulation shape -- deliberately
// without that teacher's HyperLogLog/CountMinSketch cardinality estimators,
// which no SPEC_FULL.md component needs (see DESIGN.md).
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

// Meter accumulates ResourceMeter totals onto NodeInstance records as tasks
// under that node reach a terminal state.
type Meter struct {
	entities *entity.Store

	mu      sync.Mutex
	started map[string]time.Time // taskID -> start, in-process wall clock
}

// New constructs a Meter.
func New(entities *entity.Store) *Meter {
	return &Meter{entities: entities, started: make(map[string]time.Time)}
}

// RecordStart marks taskID's dispatch time, used to compute wall time on
// completion.
func (m *Meter) RecordStart(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[taskID] = time.Now()
}

// RecordTerminal folds taskID's elapsed wall time and queue usage into its
// owning node's ResourceMeter.
func (m *Meter) RecordTerminal(ctx context.Context, nodeID, taskID, queueID string) error {
	m.mu.Lock()
	start, ok := m.started[taskID]
	delete(m.started, taskID)
	m.mu.Unlock()

	var elapsedMs int64
	if ok {
		elapsedMs = time.Since(start).Milliseconds()
	}

	node, found, err := m.entities.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}
	if !found {
		return fmt.Errorf("no node instance %s", nodeID)
	}
	if node.ResourceMeter == nil {
		node.ResourceMeter = &model.ResourceMeter{}
	}
	node.ResourceMeter.WallTimeMs += elapsedMs
	node.ResourceMeter.TaskCount++
	node.ResourceMeter.QueueID = queueID
	node.ResourceMeter.LastRecorded = entity.NowMicros()

	return m.entities.PutNode(ctx, node)
}
