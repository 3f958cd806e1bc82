// Package task implements the Task Scheduler (C10): admission of queued
// tasks onto compute queues, dispatch to agents with retry/backoff guarded
// by a per-queue circuit breaker, and publication of a task's terminal
// TaskChange on the "task" topic, from which the Node Scheduler derives the
// node's next step; no NodeChange is published here. Grounded on spec.md
// §4.10 and original_source/service/workflow/src/status/task_status_receiver.rs.
package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/agent"
	"github.com/kuintessence/workflow-engine/internal/billing"
	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/queue"
	"github.com/kuintessence/workflow-engine/internal/resilience"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

// BreakerConfig configures the per-queue circuit breaker guarding Agent RPC
// dispatch. See internal/resilience.NewCircuitBreaker for field semantics.
type BreakerConfig struct {
	Window            time.Duration
	Buckets           int
	MinSamples        int
	FailureRateOpen   float64
	HalfOpenAfter     time.Duration
	MaxHalfOpenProbes int
}

// Scheduler drives model.Task through Queuing -> Started -> terminal,
// subscribing to the bus's "task" topic and acting on Queuing commands, and
// publishing the terminal TaskChange on that topic once a task settles.
type Scheduler struct {
	entities   *entity.Store
	queues     *queue.Manager
	events     *bus.Bus
	dispatcher agent.Dispatcher
	meter      *billing.Meter

	rpcAttempts uint64
	rpcMinWait  time.Duration
	rpcMaxWait  time.Duration

	breakerCfg BreakerConfig
	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	dispatched metric.Int64Counter
	failed     metric.Int64Counter
	tripped    metric.Int64Counter
}

// New constructs a Scheduler and subscribes it to the bus.
func New(meterOtel metric.Meter, entities *entity.Store, queues *queue.Manager, events *bus.Bus, dispatcher agent.Dispatcher, billingMeter *billing.Meter, rpcAttempts uint64, rpcMinWait, rpcMaxWait time.Duration, breakerCfg BreakerConfig) *Scheduler {
	dispatched, _ := meterOtel.Int64Counter("wfe_task_dispatched_total")
	failed, _ := meterOtel.Int64Counter("wfe_task_failed_total")
	tripped, _ := meterOtel.Int64Counter("wfe_task_dispatch_circuit_tripped_total")
	s := &Scheduler{
		entities: entities, queues: queues, events: events, dispatcher: dispatcher, meter: billingMeter,
		rpcAttempts: rpcAttempts, rpcMinWait: rpcMinWait, rpcMaxWait: rpcMaxWait,
		breakerCfg: breakerCfg, breakers: make(map[string]*resilience.CircuitBreaker),
		dispatched: dispatched, failed: failed, tripped: tripped,
	}
	events.Subscribe("task", s.handle)
	return s
}

// handle reacts to TaskChange commands published onto the bus: only Queuing
// is acted on, and it triggers admission. Every other status, Cancelling and
// Pausing included, is ignored here and does not stop a retry in progress.
func (s *Scheduler) handle(ctx context.Context, msg model.ChangeMsg) {
	if msg.Task == nil {
		return
	}
	switch msg.Task.Status {
	case model.TaskQueued:
		if err := s.Admit(ctx, msg.Task.TaskID); err != nil {
			s.failed.Add(ctx, 1)
		}
	}
}

// Admit picks a queue for taskID via the Queue Resource Manager, caches the
// node's declared resource ask against it, persists the queue assignment,
// and dispatches the payload with retry/backoff. On queue exhaustion or
// dispatch failure it publishes a Task-Failed status instead of returning
// the task stuck in Queuing.
func (s *Scheduler) Admit(ctx context.Context, taskID string) error {
	t, found, err := s.entities.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !found {
		return fmt.Errorf("no task %s", taskID)
	}

	node, _, err := s.entities.GetNode(ctx, t.NodeInstanceID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}

	strategy, preferredIDs := schedulingHintFor(node)
	q, err := s.queues.PickQueue(ctx, taskID, strategy, preferredIDs)
	if err != nil {
		s.publishFailed(ctx, t, "no queue available")
		return err
	}

	used := resourceRequirementFor(node)
	if err := s.queues.AddUsedResource(ctx, q.ID, used); err != nil {
		s.publishFailed(ctx, t, err.Error())
		return err
	}

	t.QueueID = q.ID
	t.ResourceUsed = used
	t.LastModifiedTime = entity.NowMicros()
	if err := s.entities.PutTask(ctx, t); err != nil {
		return fmt.Errorf("persist queue assignment: %w", err)
	}

	if s.meter != nil {
		s.meter.RecordStart(taskID)
	}

	if err := s.dispatchWithRetry(ctx, q.ID, t); err != nil {
		s.queues.ReleaseUsedResource(ctx, q.ID, used)
		s.publishFailed(ctx, t, "agent unreachable")
		return fmt.Errorf("dispatch: %w", err)
	}

	s.dispatched.Add(ctx, 1)
	return nil
}

// dispatchWithRetry wraps Dispatcher.Dispatch in the RPC retry policy:
// configurable attempts, exponential backoff starting at rpcMinWait with the
// un-jittered interval capped at rpcMaxWait (the ±50% jitter can put a single
// wait outside that range), failing to AgentUnreachable on exhaustion. Each
// attempt is additionally gated by queueID's circuit breaker: once an
// agent's failure rate trips the breaker open, further attempts fail fast
// without touching the network until the breaker half-opens again.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, queueID string, t model.Task) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.rpcMinWait
	b.MaxInterval = s.rpcMaxWait
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.rpcAttempts-1), ctx)

	breaker := s.breakerFor(queueID)
	return backoff.Retry(func() error {
		if !breaker.Allow() {
			s.tripped.Add(ctx, 1)
			return backoff.Permanent(fmt.Errorf("dispatch: circuit open for queue %s", queueID))
		}
		err := s.dispatcher.Dispatch(ctx, queueID, t.ID, t.Kind, t.Payload)
		breaker.RecordResult(err == nil)
		return err
	}, policy)
}

func (s *Scheduler) breakerFor(queueID string) *resilience.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[queueID]
	if !ok {
		b = resilience.NewCircuitBreaker(
			s.breakerCfg.Window, s.breakerCfg.Buckets, s.breakerCfg.MinSamples,
			s.breakerCfg.FailureRateOpen, s.breakerCfg.HalfOpenAfter, s.breakerCfg.MaxHalfOpenProbes,
		)
		s.breakers[queueID] = b
	}
	return b
}

// schedulingHintFor derives the queue strategy and preferred-id list carried
// on a node's draft parameters (the engine copies these verbatim from the
// validated draft onto NodeInstance.Parameters at SubmitDraft time; C11 rule
// 8 guarantees queue_ids is non-empty whenever strategy is Manual/Prefer).
// An unset or unrecognized strategy value defaults to Auto with no preferred
// ids, matching the original's SchedulingStrategy default arm.
func schedulingHintFor(n model.NodeInstance) (model.SchedulingStrategy, []string) {
	strategy := model.SchedulingStrategy(n.Parameters["scheduling_strategy"])
	switch strategy {
	case model.StrategyManual, model.StrategyPrefer:
		ids := strings.Split(n.Parameters["queue_ids"], ",")
		preferred := make([]string, 0, len(ids))
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				preferred = append(preferred, id)
			}
		}
		return strategy, preferred
	default:
		return model.StrategyAuto, nil
	}
}

// resourceRequirementFor reads the resource ask a validated draft node
// carries (resource_memory/resource_cores/resource_storage/resource_nodes,
// decimal strings), the counterpart of the transient Queue a task's caller
// builds around queue_resource.rs's cache_resource(queue) in the original. A
// missing or unparseable dimension defaults to 1, so an un-annotated task
// still occupies exactly one unit of capacity rather than none.
func resourceRequirementFor(n model.NodeInstance) model.QueueResourceUsed {
	dim := func(key string) int64 {
		if v, ok := n.Parameters[key]; ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				return parsed
			}
		}
		return 1
	}
	return model.QueueResourceUsed{
		Memory:          dim("resource_memory"),
		CoreNumber:      dim("resource_cores"),
		StorageCapacity: dim("resource_storage"),
		NodeCount:       dim("resource_nodes"),
	}
}

// MarkStarted records a task's Started transition and moves its queue's
// usage from queuing to running (Queue::task_started).
func (s *Scheduler) MarkStarted(ctx context.Context, taskID string) error {
	t, found, err := s.entities.GetTask(ctx, taskID)
	if err != nil || !found {
		return fmt.Errorf("get task: %w", err)
	}
	t.Status = model.TaskStarted
	t.LastModifiedTime = entity.NowMicros()
	if err := s.entities.PutTask(ctx, t); err != nil {
		return err
	}
	if t.QueueID != "" {
		if err := s.queues.TaskStarted(ctx, t.QueueID); err != nil {
			return fmt.Errorf("task started: %w", err)
		}
	}
	return nil
}

// MarkTerminal transitions taskID to a terminal status, releases its queue
// usage, folds its usage into the owning node's billing meter, and
// publishes the terminal TaskChange on the "task" topic, from which the Node
// Scheduler derives the node's next step.
func (s *Scheduler) MarkTerminal(ctx context.Context, taskID string, status model.TaskStatus, reason string) error {
	t, found, err := s.entities.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !found {
		return fmt.Errorf("no task %s", taskID)
	}
	t.Status = status
	t.FailedReason = reason
	t.LastModifiedTime = entity.NowMicros()
	if err := s.entities.PutTask(ctx, t); err != nil {
		return fmt.Errorf("persist terminal status: %w", err)
	}

	if t.QueueID != "" {
		s.queues.ReleaseUsedResource(ctx, t.QueueID, t.ResourceUsed)
	}
	if s.meter != nil {
		if err := s.meter.RecordTerminal(ctx, t.NodeInstanceID, taskID, t.QueueID); err != nil {
			return fmt.Errorf("record billing: %w", err)
		}
	}

	// The Node Scheduler owns sequencing: it decides whether this task's
	// terminal status advances its node to the next task or completes it.
	s.events.Publish(ctx, model.ChangeMsg{Topic: "task", Task: &model.TaskChange{
		TaskID: taskID, Status: status, Message: reason,
	}})
	return nil
}

func (s *Scheduler) publishFailed(ctx context.Context, t model.Task, reason string) {
	t.Status = model.TaskFailed
	t.FailedReason = reason
	t.LastModifiedTime = entity.NowMicros()
	_ = s.entities.PutTask(ctx, t)
	s.events.Publish(ctx, model.ChangeMsg{Topic: "task", Task: &model.TaskChange{
		TaskID: t.ID, Status: model.TaskFailed, Message: reason,
	}})
}
