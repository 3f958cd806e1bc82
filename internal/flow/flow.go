// Package flow implements the Flow Scheduler (C8): reacting to requested
// FlowChange commands by transitioning a WorkflowInstance, and deriving
// FlowChange from the aggregate status of its NodeInstances. Grounded
// verbatim on
// original_source/service/workflow/src/schedule/flow.rs's FlowScheduleServiceImpl.
package flow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

// NodeStarter is the subset of the Node Scheduler the Flow Scheduler needs
// to kick off or halt a workflow's root nodes.
type NodeStarter interface {
	StartRootNodes(ctx context.Context, flowInstanceID string) error
	CancelAllNodes(ctx context.Context, flowInstanceID string, reason string) error
	PauseAllNodes(ctx context.Context, flowInstanceID string) error
	ResumeAllNodes(ctx context.Context, flowInstanceID string) error
}

// Scheduler handles the instance-level lifecycle, subscribing to the bus's
// "flow" topic.
type Scheduler struct {
	entities *entity.Store
	events   *bus.Bus
	nodes    NodeStarter

	transitions metric.Int64Counter
}

// New constructs a Scheduler and subscribes it to the bus. The Node
// Scheduler is wired in afterwards via SetNodes, since the two schedulers
// reference each other.
func New(meter metric.Meter, entities *entity.Store, events *bus.Bus) *Scheduler {
	transitions, _ := meter.Int64Counter("wfe_flow_transitions_total")
	s := &Scheduler{entities: entities, events: events, transitions: transitions}
	events.Subscribe("flow", s.handle)
	return s
}

// SetNodes wires the Node Scheduler in after construction, breaking the
// construction cycle between flow.Scheduler and node.Scheduler.
func (s *Scheduler) SetNodes(nodes NodeStarter) {
	s.nodes = nodes
}

func (s *Scheduler) handle(ctx context.Context, msg model.ChangeMsg) {
	if msg.Flow == nil {
		return
	}
	if err := s.HandleChanged(ctx, *msg.Flow); err != nil {
		_ = err // transition failures surface via entity status, not a crash
	}
}

// HandleChanged applies one requested FlowChange to the instance identified
// by change.FlowInstanceID, mirroring handle_changed's branch table. Any
// change not named in spec.md §4.8's table is a no-op.
func (s *Scheduler) HandleChanged(ctx context.Context, change model.FlowChange) error {
	inst, found, err := s.entities.GetInstance(ctx, change.FlowInstanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if !found {
		return fmt.Errorf("no flow instance %s", change.FlowInstanceID)
	}

	switch change.Change {
	case model.FlowChangePending:
		if inst.Status != model.InstancePending {
			return nil
		}
		if err := s.setStatus(ctx, &inst, model.InstanceRunning); err != nil {
			return err
		}
		return s.nodes.StartRootNodes(ctx, inst.ID)

	case model.FlowChangeTerminating:
		if err := s.setStatus(ctx, &inst, model.InstanceTerminating); err != nil {
			return err
		}
		return s.nodes.CancelAllNodes(ctx, inst.ID, change.Reason)

	case model.FlowChangeTerminated:
		return s.setStatus(ctx, &inst, model.InstanceTerminated)

	case model.FlowChangePausing:
		if inst.Status != model.InstanceRunning {
			return nil
		}
		if err := s.setStatus(ctx, &inst, model.InstancePausing); err != nil {
			return err
		}
		return s.nodes.PauseAllNodes(ctx, inst.ID)

	case model.FlowChangePaused:
		return s.setStatus(ctx, &inst, model.InstancePaused)

	case model.FlowChangeResuming:
		if inst.Status != model.InstancePaused {
			return nil
		}
		if err := s.setStatus(ctx, &inst, model.InstanceResuming); err != nil {
			return err
		}
		return s.nodes.ResumeAllNodes(ctx, inst.ID)

	case model.FlowChangeCompleted:
		return s.setStatus(ctx, &inst, model.InstanceCompleted)

	case model.FlowChangeFailed:
		return s.setStatus(ctx, &inst, model.InstanceFailed)

	default:
		return nil
	}
}

func (s *Scheduler) setStatus(ctx context.Context, inst *model.WorkflowInstance, status model.WorkflowInstanceStatus) error {
	return s.entities.UpdateInstanceWithLock(ctx, inst.ID, func(cur model.WorkflowInstance) (model.WorkflowInstance, error) {
		cur.Status = status
		return cur, nil
	})
}

// EvaluateAggregation derives a FlowChange from the current status of every
// NodeInstance under flowInstanceID, per spec.md §4.8's aggregation rule:
// any Failed node (with no retry pending) fails the flow; once every node is
// Completed the flow completes; during Terminating, once every node reaches
// {Terminated, Completed, Failed} the flow is Terminated; during Pausing,
// once every node reaches {Paused, Completed} the flow is Paused. Returns
// false if no aggregate conclusion applies yet.
func EvaluateAggregation(instStatus model.WorkflowInstanceStatus, nodes []model.NodeInstance) (model.FlowStatusChange, bool) {
	if len(nodes) == 0 {
		return "", false
	}

	for _, n := range nodes {
		if n.Status == model.NodeFailed {
			return model.FlowChangeFailed, true
		}
	}

	allCompleted := true
	for _, n := range nodes {
		if n.Status != model.NodeCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		return model.FlowChangeCompleted, true
	}

	switch instStatus {
	case model.InstanceTerminating:
		if allIn(nodes, model.NodeStopped, model.NodeCompleted, model.NodeFailed) {
			return model.FlowChangeTerminated, true
		}
	case model.InstancePausing:
		if allIn(nodes, model.NodePaused, model.NodeCompleted) {
			return model.FlowChangePaused, true
		}
	}
	return "", false
}

func allIn(nodes []model.NodeInstance, statuses ...model.NodeInstanceStatus) bool {
	set := make(map[model.NodeInstanceStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	for _, n := range nodes {
		if !set[n.Status] {
			return false
		}
	}
	return true
}
