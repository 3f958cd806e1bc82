// Command engine wires every scheduling and staging component into a single
// process and exposes the thin HTTP surface named in spec.md §6. Grounded on
// the teacher's services/orchestrator/main.go bootstrap shape.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kuintessence/workflow-engine/internal/agent"
	"github.com/kuintessence/workflow-engine/internal/billing"
	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/config"
	"github.com/kuintessence/workflow-engine/internal/flow"
	"github.com/kuintessence/workflow-engine/internal/logging"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/netdisk"
	"github.com/kuintessence/workflow-engine/internal/node"
	"github.com/kuintessence/workflow-engine/internal/objectstore"
	"github.com/kuintessence/workflow-engine/internal/queue"
	"github.com/kuintessence/workflow-engine/internal/resilience"
	"github.com/kuintessence/workflow-engine/internal/schedule"
	"github.com/kuintessence/workflow-engine/internal/staging"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
	"github.com/kuintessence/workflow-engine/internal/task"
	"github.com/kuintessence/workflow-engine/internal/telemetry"
	"github.com/kuintessence/workflow-engine/internal/validate"
)

func newID() string { return uuid.New().String() }

// engine bundles every wired component the HTTP surface dispatches into.
type engine struct {
	entities  *entity.Store
	leases    *lease.Store
	cache     *cachefs.Store
	events    *bus.Bus
	queues    *queue.Manager
	multipart *staging.MultipartService
	snapshots *staging.SnapshotService
	mover     *staging.MoveService
	netdisk   *netdisk.Projector
	flow      *flow.Scheduler
	node      *node.Scheduler
	task      *task.Scheduler
	schedule  *schedule.Scheduler
}

func main() {
	service := "workflow-engine"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg := config.Load()

	eng, err := wire(ctx, cfg, meter)
	if err != nil {
		slog.Error("failed to wire engine", "error", err)
		return
	}
	defer eng.entities.Close()
	defer eng.leases.Close()
	defer eng.schedule.Stop(context.Background())

	mux := buildMux(eng)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("workflow-engine started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	_ = shutdownTrace(ctxSd)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func wire(ctx context.Context, cfg config.Config, meter metric.Meter) (*engine, error) {
	entities, err := entity.Open(cfg.DataDir, meter)
	if err != nil {
		return nil, err
	}
	leases, err := lease.Open(cfg.DataDir, cfg.LeaseSweepInterval)
	if err != nil {
		return nil, err
	}
	cache, err := cachefs.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	events := bus.New(meter, cfg.MaxWorkers)

	limiter := resilience.NewRateLimiter(int64(cfg.MaxWorkers*4), float64(cfg.MaxWorkers), time.Second, int64(cfg.MaxWorkers*4))
	queues := queue.New(meter, limiter)

	var uploads staging.UploadPublisher
	if broker, err := objectstore.NewBroker(ctx, objectstore.Config{
		Endpoint: cfg.ObjectStoreEndpoint, AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey, UseTLS: cfg.ObjectStoreUseTLS, Bucket: cfg.ObjectStoreBucket,
	}, cache, leases); err != nil {
		slog.Warn("object store unavailable, StorageServer moves will fail until it is", "error", err)
	} else {
		uploads = broker
	}

	multipart := staging.NewMultipartService(leases, cache, events)
	snapshots := staging.NewSnapshotService(leases, cache)
	projector := netdisk.New(entities, newID)
	mover := staging.NewMoveService(leases, entities, snapshots, multipart, nodeCreatorAdapter{projector}, uploads, "")

	billingMeter := billing.New(entities)
	dispatcher := agent.NewHTTPDispatcher(nil, func(queueID string) (string, bool) {
		q, ok := queues.Get(queueID)
		if !ok || q.AgentEndpoint == "" {
			return "", false
		}
		return q.AgentEndpoint, true
	})

	nodeSched := node.New(meter, entities, events, newID)
	flowSched := flow.New(meter, entities, events)
	nodeSched.SetFlow(flowSched)
	flowSched.SetNodes(nodeSched)

	taskSched := task.New(meter, entities, queues, events, dispatcher, billingMeter,
		uint64(cfg.AgentRPCAttempts), cfg.AgentRPCMinWait, cfg.AgentRPCMaxWait, task.BreakerConfig{
			Window: cfg.BreakerWindow, Buckets: cfg.BreakerBuckets, MinSamples: cfg.BreakerMinSamples,
			FailureRateOpen: cfg.BreakerFailureRateOpen, HalfOpenAfter: cfg.BreakerHalfOpenAfter,
			MaxHalfOpenProbes: cfg.BreakerMaxHalfOpenProbes,
		})

	eng := &engine{
		entities: entities, leases: leases, cache: cache, events: events, queues: queues,
		multipart: multipart, snapshots: snapshots, mover: mover, netdisk: projector,
		flow: flowSched, node: nodeSched, task: taskSched,
	}

	sched, err := schedule.Open(cfg.DataDir+"/schedules.db", meter, eng)
	if err != nil {
		return nil, err
	}
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Warn("failed to restore schedules", "error", err)
	}
	sched.Start()
	eng.schedule = sched

	return eng, nil
}

// nodeCreatorAdapter satisfies staging.NetDiskCreator without requiring
// internal/staging to depend on the concrete netdisk.Projector's user
// resolution; the adapter exists only so the import graph stays acyclic.
type nodeCreatorAdapter struct {
	p *netdisk.Projector
}

func (a nodeCreatorAdapter) CreateFile(ctx context.Context, metaID, fileName, fileType string, kind model.RecordNetDiskKind) error {
	return a.p.CreateFile(ctx, metaID, fileName, fileType, kind)
}

// SubmitDraft validates and admits a draft, satisfying schedule.Submitter
// for cron-triggered resubmission. It is also the body of the interactive
// SubmitWorkflow HTTP handler.
func (e *engine) SubmitDraft(ctx context.Context, draftID string) (string, error) {
	d, found, err := e.entities.GetDraft(ctx, draftID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", entity.ErrNotFound
	}
	if err := validate.Draft(d, func(metaID string) bool {
		_, ok, _ := e.entities.GetFileMeta(ctx, metaID)
		return ok
	}); err != nil {
		return "", err
	}

	instID := newID()
	inst := model.WorkflowInstance{
		ID: instID, DraftID: d.ID, UserID: d.UserID, Status: model.InstancePending,
		LastModifiedTime: entity.NowMicros(), CreatedAt: time.Now(),
	}
	nodeIDs := make([]string, 0, len(d.Nodes))
	for _, dn := range d.Nodes {
		nID := newID()
		nodeIDs = append(nodeIDs, nID)
		n := model.NodeInstance{
			ID: nID, FlowInstanceID: instID, DraftNodeID: dn.ID, Kind: dn.Kind,
			Status: model.NodePending, DependsOn: dn.DependsOn, LastModifiedTime: entity.NowMicros(),
			Parameters: dn.Parameters,
		}
		if err := e.entities.PutNode(ctx, n); err != nil {
			return "", err
		}
	}
	inst.NodeInstanceIDs = nodeIDs
	if err := e.entities.PutInstance(ctx, inst); err != nil {
		return "", err
	}
	return instID, nil
}

// StartInstance kicks a submitted (still Pending) instance into Running,
// satisfying the StartWorkflow HTTP endpoint.
func (e *engine) StartInstance(ctx context.Context, instanceID string) {
	e.events.Publish(ctx, model.ChangeMsg{Topic: "flow", Flow: &model.FlowChange{
		FlowInstanceID: instanceID, Change: model.FlowChangePending,
	}})
}

func buildMux(e *engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/SubmitWorkflow/", func(w http.ResponseWriter, r *http.Request) {
		draftID := lastPathSegment(r.URL.Path)
		instID, err := e.SubmitDraft(r.Context(), draftID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"instance_id": instID})
	})

	mux.HandleFunc("/StartWorkflow/", func(w http.ResponseWriter, r *http.Request) {
		id := lastPathSegment(r.URL.Path)
		e.StartInstance(r.Context(), id)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/agent/Register", func(w http.ResponseWriter, r *http.Request) {
		var q model.Queue
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		e.queues.Insert(q)
		w.WriteHeader(http.StatusCreated)
	})

	// spec.md §6: "Agent pushes its queue counters" — a wholesale overwrite
	// of live usage (Queue::update_resource), not an incremental delta.
	mux.HandleFunc("/agent/UpdateUsedResource", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			QueueID string               `json:"queue_id"`
			Info    model.QueueCacheInfo `json:"info"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := e.queues.UpdateQueueResource(req.QueueID, req.Info); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/PauseWorkflow/", func(w http.ResponseWriter, r *http.Request) {
		id := lastPathSegment(r.URL.Path)
		e.events.Publish(r.Context(), model.ChangeMsg{Topic: "flow", Flow: &model.FlowChange{FlowInstanceID: id, Change: model.FlowChangePausing}})
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/ContinueWorkflow/", func(w http.ResponseWriter, r *http.Request) {
		id := lastPathSegment(r.URL.Path)
		e.events.Publish(r.Context(), model.ChangeMsg{Topic: "flow", Flow: &model.FlowChange{FlowInstanceID: id, Change: model.FlowChangeResuming}})
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/TerminateWorkflow/", func(w http.ResponseWriter, r *http.Request) {
		id := lastPathSegment(r.URL.Path)
		e.events.Publish(r.Context(), model.ChangeMsg{Topic: "flow", Flow: &model.FlowChange{FlowInstanceID: id, Change: model.FlowChangeTerminating, Reason: "requested by caller"}})
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/ReceiveNodeStatus", func(w http.ResponseWriter, r *http.Request) {
		var change model.TaskChange
		if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := e.task.MarkTerminal(r.Context(), change.TaskID, change.Status, change.Message); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/PreparePartialUpload", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MetaID        string `json:"meta_id"`
			Hash          string `json:"hash"`
			HashAlgorithm string `json:"hash_algorithm"`
			Count         int    `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := e.multipart.Create(r.Context(), req.MetaID, req.Hash, req.HashAlgorithm, req.Count); err != nil {
			if fu, ok := staging.IsFlashUpload(err); ok {
				_ = json.NewEncoder(w).Encode(fu)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/PartialUpload", func(w http.ResponseWriter, r *http.Request) {
		metaID := r.URL.Query().Get("meta_id")
		nth := 0
		if v := r.URL.Query().Get("nth"); v != "" {
			json.Unmarshal([]byte(v), &nth)
		}
		content, err := readAllLimited(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		remaining, err := e.multipart.CompletePart(r.Context(), metaID, nth, content, nil, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"remaining_shards": remaining})
	})

	return mux
}

func lastPathSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func readAllLimited(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<28))
}
