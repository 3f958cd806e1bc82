// Package node implements the Node Scheduler (C9): the per-node state
// machine that creates tasks, advances a node through its task sequence,
// resolves dependency satisfaction among sibling nodes, and reports
// aggregate conclusions back to the Flow Scheduler. Grounded on spec.md
// §4.9, original_source/domain/workflow/src/model/entity/node_instance.rs,
// and src/agent/app-core/src/services/deploy_software_service.rs's
// Deploy->Download->Execute->Collect->Upload task sequence.
package node

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/agent"
	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/flow"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

// Node kinds per spec.md §4.9.
const (
	KindSoftwareUsecaseComputing = "SoftwareUsecaseComputing"
	KindScript                   = "Script"
	KindNoAction                  = "NoAction"
	KindMilestone                 = "Milestone"
)

// FlowNotifier is the subset of the Flow Scheduler the Node Scheduler needs
// to report an aggregate conclusion (all nodes completed/failed/terminated).
type FlowNotifier interface {
	HandleChanged(ctx context.Context, change model.FlowChange) error
}

// Scheduler owns per-node task sequencing and successor wake-up.
type Scheduler struct {
	entities *entity.Store
	events   *bus.Bus
	flow     FlowNotifier

	newTaskID func() string

	transitions metric.Int64Counter
}

// New constructs a Scheduler, subscribing it to the bus's "task" topic so it
// can advance nodes as their tasks settle. The Flow Scheduler is wired in
// afterwards via SetFlow, since the two schedulers reference each other.
func New(meter metric.Meter, entities *entity.Store, events *bus.Bus, newTaskID func() string) *Scheduler {
	transitions, _ := meter.Int64Counter("wfe_node_transitions_total")
	s := &Scheduler{entities: entities, events: events, newTaskID: newTaskID, transitions: transitions}
	events.Subscribe("task", s.handleTaskChange)
	return s
}

// SetFlow wires the Flow Scheduler in after construction, breaking the
// construction cycle between node.Scheduler and flow.Scheduler.
func (s *Scheduler) SetFlow(f FlowNotifier) {
	s.flow = f
}

func (s *Scheduler) handleTaskChange(ctx context.Context, msg model.ChangeMsg) {
	if msg.Task == nil {
		return
	}
	switch msg.Task.Status {
	case model.TaskCompleted, model.TaskFailed:
		if err := s.advance(ctx, msg.Task.TaskID, msg.Task.Status); err != nil {
			_ = err
		}
	}
}

// taskSequence returns the ordered task kinds a node of kind creates, per
// spec.md §4.9.
func taskSequence(kind string) []string {
	switch kind {
	case KindSoftwareUsecaseComputing:
		return []string{"SoftwareDeployment", "FileDownload", "UsecaseExecution", "CollectedOut", "FileUpload"}
	case KindScript:
		return []string{"ExecuteScript"}
	default:
		return nil
	}
}

func payloadFor(kind string, params map[string]string) any {
	switch kind {
	case "SoftwareDeployment":
		return agent.SoftwareDeployment{Facility: agent.FacilityKind{Kind: "Spack", Name: params["facility_name"], ArgumentList: nil}}
	case "FileDownload":
		return agent.FileDownload{MetaID: params["input_meta_id"], Path: params["download_path"]}
	case "UsecaseExecution":
		return agent.UsecaseExecution{Facility: agent.FacilityKind{Kind: "Spack", Name: params["facility_name"]}, ArgumentList: nil}
	case "CollectedOut":
		return agent.CollectedOut{FileName: params["output_file"], Rule: agent.CollectRule{Kind: "TopLines", Count: 0}}
	case "FileUpload":
		return agent.FileUpload{MoveID: params["move_id"], Path: params["upload_path"]}
	case "ExecuteScript":
		return agent.ExecuteScript{Script: params["script"]}
	default:
		return nil
	}
}

// createTasks materializes node's task sequence and persists each Task in
// Queued state, queuing the first for admission. NoAction and Milestone
// nodes create no tasks.
func (s *Scheduler) createTasks(ctx context.Context, n *model.NodeInstance, params map[string]string) error {
	seq := taskSequence(n.Kind)
	ids := make([]string, len(seq))
	for i, kind := range seq {
		id := s.newTaskID()
		ids[i] = id
		t := model.Task{
			ID: id, NodeInstanceID: n.ID, Kind: kind, Status: model.TaskQueued,
			Payload: payloadFor(kind, params), LastModifiedTime: entity.NowMicros(),
		}
		if err := s.entities.PutTask(ctx, t); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}
	n.TaskIDs = ids
	if len(ids) > 0 {
		s.events.Publish(ctx, model.ChangeMsg{Topic: "task", Task: &model.TaskChange{TaskID: ids[0], Status: model.TaskQueued}})
	}
	return nil
}

// startNode transitions n into Running, creating and queuing its first task,
// or completing immediately for kinds with no tasks (NoAction, Milestone).
func (s *Scheduler) startNode(ctx context.Context, n model.NodeInstance, params map[string]string) error {
	switch n.Kind {
	case KindNoAction:
		n.Status = model.NodeCompleted
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		return s.wakeSuccessorsAndAggregate(ctx, n)

	case KindMilestone:
		n.Status = model.NodeCompleted
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		return s.wakeSuccessorsAndAggregate(ctx, n)

	default:
		n.Status = model.NodeRunning
		if err := s.createTasks(ctx, &n, params); err != nil {
			return err
		}
		n.LastModifiedTime = entity.NowMicros()
		return s.entities.PutNode(ctx, n)
	}
}

// StartRootNodes starts every node in flowInstanceID with no dependencies,
// satisfying flow.NodeStarter.
func (s *Scheduler) StartRootNodes(ctx context.Context, flowInstanceID string) error {
	for _, n := range s.entities.ListNodesByFlow(flowInstanceID) {
		if len(n.DependsOn) == 0 && n.Status == model.NodePending {
			if err := s.startNode(ctx, n, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelAllNodes moves every non-terminal node in flowInstanceID through
// Stopping to Stopped, marking its unfinished tasks Deleted, then reports
// Terminated to the flow, satisfying flow.NodeStarter.
func (s *Scheduler) CancelAllNodes(ctx context.Context, flowInstanceID, reason string) error {
	for _, n := range s.entities.ListNodesByFlow(flowInstanceID) {
		if isTerminal(n.Status) {
			continue
		}
		n.Status = model.NodeStopping
		n.Log = reason
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		s.cancelTasks(ctx, n)
		n.Status = model.NodeStopped
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
	}
	return s.flow.HandleChanged(ctx, model.FlowChange{FlowInstanceID: flowInstanceID, Change: model.FlowChangeTerminated})
}

func (s *Scheduler) cancelTasks(ctx context.Context, n model.NodeInstance) {
	for _, taskID := range n.TaskIDs {
		t, found, err := s.entities.GetTask(ctx, taskID)
		if err != nil || !found || isTaskTerminal(t.Status) {
			continue
		}
		t.Status = model.TaskDeleted
		t.LastModifiedTime = entity.NowMicros()
		_ = s.entities.PutTask(ctx, t)
	}
}

// PauseAllNodes moves every Running node through Pausing to Paused, then
// reports Paused to the flow, satisfying flow.NodeStarter.
func (s *Scheduler) PauseAllNodes(ctx context.Context, flowInstanceID string) error {
	for _, n := range s.entities.ListNodesByFlow(flowInstanceID) {
		if n.Status != model.NodeRunning {
			continue
		}
		n.Status = model.NodePausing
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		n.Status = model.NodePaused
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
	}
	return s.flow.HandleChanged(ctx, model.FlowChange{FlowInstanceID: flowInstanceID, Change: model.FlowChangePaused})
}

// ResumeAllNodes moves every Paused node to Recovering and starts it again
// with a fresh task sequence, satisfying flow.NodeStarter. The
// resume_from_checkpoint parameter it passes is not read by payloadFor, so
// no created task carries a resume marker.
func (s *Scheduler) ResumeAllNodes(ctx context.Context, flowInstanceID string) error {
	for _, n := range s.entities.ListNodesByFlow(flowInstanceID) {
		if n.Status != model.NodePaused {
			continue
		}
		n.Status = model.NodeRecovering
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		if err := s.startNode(ctx, n, map[string]string{"resume_from_checkpoint": "true"}); err != nil {
			return err
		}
	}
	return nil
}

// advance reacts to taskID's terminal status: on failure the owning node
// fails immediately; on success the next queued task in sequence is
// dispatched, or — if taskID was the node's last task — the node completes.
// Either way successors are woken and the flow-level aggregation is
// re-evaluated.
func (s *Scheduler) advance(ctx context.Context, taskID string, status model.TaskStatus) error {
	t, found, err := s.entities.GetTask(ctx, taskID)
	if err != nil || !found {
		return fmt.Errorf("get task: %w", err)
	}
	n, found, err := s.entities.GetNode(ctx, t.NodeInstanceID)
	if err != nil || !found {
		return fmt.Errorf("get node: %w", err)
	}

	if status == model.TaskFailed {
		n.Status = model.NodeFailed
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		return s.wakeSuccessorsAndAggregate(ctx, n)
	}

	idx := indexOf(n.TaskIDs, taskID)
	if idx == -1 {
		return fmt.Errorf("task %s not registered on node %s", taskID, n.ID)
	}
	if idx == len(n.TaskIDs)-1 {
		n.Status = model.NodeCompleted
		n.LastModifiedTime = entity.NowMicros()
		if err := s.entities.PutNode(ctx, n); err != nil {
			return err
		}
		return s.wakeSuccessorsAndAggregate(ctx, n)
	}

	next := n.TaskIDs[idx+1]
	s.events.Publish(ctx, model.ChangeMsg{Topic: "task", Task: &model.TaskChange{TaskID: next, Status: model.TaskQueued}})
	return nil
}

// wakeSuccessorsAndAggregate starts every sibling node whose dependencies
// are now fully satisfied, and reports the flow-level aggregate conclusion
// if one applies.
func (s *Scheduler) wakeSuccessorsAndAggregate(ctx context.Context, n model.NodeInstance) error {
	s.events.Publish(ctx, model.ChangeMsg{Topic: "node", Node: &model.NodeChange{NodeID: n.ID, Status: n.Status}})

	siblings := s.entities.ListNodesByFlow(n.FlowInstanceID)
	completed := make(map[string]bool, len(siblings))
	for _, sib := range siblings {
		if sib.Status == model.NodeCompleted {
			completed[sib.ID] = true
		}
	}

	for _, sib := range siblings {
		if sib.Status != model.NodePending || len(sib.DependsOn) == 0 {
			continue
		}
		if dependenciesSatisfied(sib, completed) {
			if err := s.startNode(ctx, sib, nil); err != nil {
				return err
			}
		}
	}

	inst, found, err := s.entities.GetInstance(ctx, n.FlowInstanceID)
	if err != nil || !found {
		return nil
	}
	if change, ok := flow.EvaluateAggregation(inst.Status, siblings); ok {
		return s.flow.HandleChanged(ctx, model.FlowChange{FlowInstanceID: n.FlowInstanceID, Change: change})
	}
	return nil
}

// dependenciesSatisfied reports whether every id in n.DependsOn is marked
// completed. Batched sub-task counts of upstream nodes are not compared.
func dependenciesSatisfied(n model.NodeInstance, completed map[string]bool) bool {
	for _, dep := range n.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func isTerminal(s model.NodeInstanceStatus) bool {
	switch s {
	case model.NodeCompleted, model.NodeFailed, model.NodeStopped:
		return true
	}
	return false
}

func isTaskTerminal(s model.TaskStatus) bool {
	switch s {
	case model.TaskCompleted, model.TaskFailed, model.TaskDeleted:
		return true
	}
	return false
}
