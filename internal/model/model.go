// Package model holds the entity and value types shared by every scheduling
// and staging component: drafts, instances, tasks, queues, and the staging
// pipeline's file metadata.
package model

import "time"

// WorkflowDraftStatus is the lifecycle status of an unsubmitted draft.
type WorkflowDraftStatus string

const (
	DraftStatusEditing   WorkflowDraftStatus = "Editing"
	DraftStatusSubmitted WorkflowDraftStatus = "Submitted"
)

// WorkflowDraft is the author-facing, unvalidated description of a workflow.
type WorkflowDraft struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	Status    WorkflowDraftStatus `json:"status"`
	Nodes     []DraftNode         `json:"nodes"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// DraftNode is one node slot inside a WorkflowDraft, prior to batch expansion.
type DraftNode struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	DependsOn  []string          `json:"depends_on"`
	BatchSpec  *BatchSpec        `json:"batch_spec,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// BatchSpec describes how a node expands into N sub-nodes.
type BatchSpec struct {
	Strategy        string `json:"strategy"` // OriginalBatch | MatchRegex | FromBatchOutputs
	Pattern         string `json:"pattern,omitempty"`
	SourceNodeID    string `json:"source_node_id,omitempty"`
	NumberingMode   string `json:"numbering_mode"` // AutoNumber | Enumeration
	// Start/Step parameterize the AutoNumber filler (spec.md §4.7
	// AutoNumber{start,step}); Enumeration ignores them.
	Start           int      `json:"start,omitempty"`
	Step            int      `json:"step,omitempty"`
	EnumerationList []string `json:"enumeration_list,omitempty"`
}

// WorkflowInstanceStatus mirrors spec.md §4.8's FlowStatusChange targets.
type WorkflowInstanceStatus string

const (
	InstancePending     WorkflowInstanceStatus = "Pending"
	InstanceRunning     WorkflowInstanceStatus = "Running"
	InstancePausing     WorkflowInstanceStatus = "Pausing"
	InstancePaused      WorkflowInstanceStatus = "Paused"
	InstanceResuming    WorkflowInstanceStatus = "Resuming"
	InstanceTerminating WorkflowInstanceStatus = "Terminating"
	InstanceTerminated  WorkflowInstanceStatus = "Terminated"
	InstanceCompleted   WorkflowInstanceStatus = "Completed"
	InstanceFailed      WorkflowInstanceStatus = "Failed"
)

// WorkflowInstance is a submitted, running (or finished) workflow.
type WorkflowInstance struct {
	ID                string                 `json:"id"`
	DraftID           string                 `json:"draft_id"`
	UserID            string                 `json:"user_id"`
	Status            WorkflowInstanceStatus `json:"status"`
	NodeInstanceIDs   []string               `json:"node_instance_ids"`
	LastModifiedTime  int64                  `json:"last_modified_time"` // epoch micros, CAS token
	PreparedFileIDs   map[string]string      `json:"prepared_file_ids,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// UpdateNodeInstancePreparedFileIDs rewrites a prepared-file reference after
// a flash upload substitutes an existing meta id for a freshly-hashed one.
// Grounded on original_source's flow_instance.update_node_instance_prepared_file_ids.
func (w *WorkflowInstance) UpdateNodeInstancePreparedFileIDs(oldMetaID, newMetaID string) {
	if w.PreparedFileIDs == nil {
		return
	}
	for k, v := range w.PreparedFileIDs {
		if v == oldMetaID {
			w.PreparedFileIDs[k] = newMetaID
		}
	}
}

// NodeInstanceStatus is spec.md §4.9's transition table target set.
type NodeInstanceStatus string

const (
	NodePending    NodeInstanceStatus = "Pending"
	NodeRunning    NodeInstanceStatus = "Running"
	NodeStopping   NodeInstanceStatus = "Stopping"
	NodeStopped    NodeInstanceStatus = "Stopped"
	NodePausing    NodeInstanceStatus = "Pausing"
	NodePaused     NodeInstanceStatus = "Paused"
	NodeRecovering NodeInstanceStatus = "Recovering"
	NodeCompleted  NodeInstanceStatus = "Completed"
	NodeFailed     NodeInstanceStatus = "Failed"
)

// ResourceMeter accumulates per-node resource usage. Supplemented feature,
// see SPEC_FULL.md §6.1.
type ResourceMeter struct {
	WallTimeMs    int64 `json:"wall_time_ms"`
	QueueID       string `json:"queue_id,omitempty"`
	TaskCount     int   `json:"task_count"`
	LastRecorded  int64 `json:"last_recorded_micros"`
}

// NodeInstance is one scheduled node within a WorkflowInstance.
type NodeInstance struct {
	ID               string             `json:"id"`
	FlowInstanceID   string             `json:"flow_instance_id"`
	DraftNodeID      string             `json:"draft_node_id"`
	Kind             string             `json:"kind"`
	Status           NodeInstanceStatus `json:"status"`
	TaskIDs          []string           `json:"task_ids"`
	DependsOn        []string           `json:"depends_on"`
	Log              string             `json:"log,omitempty"`
	ResourceMeter    *ResourceMeter     `json:"resource_meter,omitempty"`
	LastModifiedTime int64              `json:"last_modified_time"`
	// Parameters carries the validated draft node's parameters forward
	// (copied verbatim at SubmitDraft time), including the
	// "scheduling_strategy"/"queue_ids" pair C11 rule 8 validates.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// TaskStatus mirrors spec.md §4.10's TaskResultStatus set.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "Queued"
	TaskStarted   TaskStatus = "Started"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskPaused    TaskStatus = "Paused"
	TaskContinued TaskStatus = "Continued"
	TaskDeleted   TaskStatus = "Deleted"
)

// Task is one unit of agent-dispatched work belonging to a NodeInstance.
type Task struct {
	ID               string     `json:"id"`
	NodeInstanceID   string     `json:"node_instance_id"`
	QueueID          string     `json:"queue_id"`
	Kind             string     `json:"kind"` // SoftwareDeployment | UsecaseExecution | ExecuteScript | CollectedOut | FileUpload | FileDownload
	Status           TaskStatus `json:"status"`
	Payload          any        `json:"payload,omitempty"`
	FailedReason     string     `json:"failed_reason,omitempty"`
	LastModifiedTime int64      `json:"last_modified_time"`
	// ResourceUsed is the amount cached against QueueID by cache_resource at
	// admission time; release_resource must subtract exactly this back out,
	// so it travels with the task rather than being recomputed at release.
	ResourceUsed QueueResourceUsed `json:"resource_used,omitempty"`
}

// SchedulingStrategy is the admission mode for a Queue, per
// original_source/service/workflow/src/queue_resource.rs.
type SchedulingStrategy string

const (
	StrategyManual SchedulingStrategy = "Manual"
	StrategyAuto   SchedulingStrategy = "Auto"
	StrategyPrefer SchedulingStrategy = "Prefer"
)

// Queue is a compute resource pool a Task may be admitted into. Fields here
// are static capacity/configuration (entity data); live usage is runtime
// state owned by internal/queue's Manager (QueueCacheInfo below), mirroring
// original_source's split between the persisted Queue entity and its
// process-global QUEUE_ID_TO_CACHE_INFO map — see
// domain/workflow/src/model/entity/queue.rs:20-93.
type Queue struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TopicName string `json:"topic_name,omitempty"`
	Enabled   bool   `json:"enabled"`

	// Static capacity and soft alert thresholds. A nil alert/max means that
	// dimension never fills (matches the original's Option<i64> = None).
	Memory               int64  `json:"memory"`
	MemoryAlert          *int64 `json:"memory_alert,omitempty"`
	CoreNumber           int64  `json:"core_number"`
	CoreNumberAlert      *int64 `json:"core_number_alert,omitempty"`
	StorageCapacity      int64  `json:"storage_capacity"`
	StorageCapacityAlert *int64 `json:"storage_capacity_alert,omitempty"`
	NodeCount            int64  `json:"node_count"`
	MaxNodeCount         *int64 `json:"max_node_count,omitempty"`
	MaxQueuingTaskCount  *int64 `json:"max_queuing_task_count,omitempty"`
	MaxRunningTaskCount  *int64 `json:"max_running_task_count,omitempty"`

	PreferredUserID string `json:"preferred_user_id,omitempty"`
	AgentEndpoint   string `json:"agent_endpoint,omitempty"`
}

// QueueResourceUsed is a resource amount along the four dimensions a Queue
// tracks: memory, cores, storage, and node count. It doubles as a task's
// resource ask (passed to cache_resource/release_resource) and as the
// cumulative usage a QueueCacheInfo holds. Grounded verbatim on
// original_source's QueueResourceUsed.
type QueueResourceUsed struct {
	Memory          int64 `json:"memory_used"`
	CoreNumber      int64 `json:"core_number_used"`
	StorageCapacity int64 `json:"storage_capacity_used"`
	NodeCount       int64 `json:"node_number_used"`
}

// QueueCacheInfo is a queue's live, runtime-only usage snapshot: cumulative
// resource usage plus separate queuing/running task counts. Grounded
// verbatim on original_source's QueueCacheInfo/QueueTaskCount. It is never
// persisted to the Entity Store — it lives only in internal/queue's Manager,
// matching the original's process-memory-only cache.
type QueueCacheInfo struct {
	Used             QueueResourceUsed `json:"used"`
	QueuingTaskCount int64             `json:"queuing_task_count"`
	RunningTaskCount int64             `json:"running_task_count"`
}

// FileMeta is the content-addressed identity of a staged file.
type FileMeta struct {
	ID            string `json:"id"`
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hash_algorithm"`
	Size          int64  `json:"size"`
	FileName      string `json:"file_name"`
}

// MoveDestination is a tagged union: either Snapshot or StorageServer.
// Grounded verbatim on original_source's domain_storage::vo::MoveDestination.
type MoveDestination struct {
	Kind string `json:"kind"` // "Snapshot" | "StorageServer"

	// Snapshot fields.
	NodeID    string `json:"node_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	FileID    string `json:"file_id,omitempty"`

	// StorageServer fields.
	RecordNetDisk *RecordNetDisk `json:"record_net_disk,omitempty"`
}

// RecordNetDisk describes how a StorageServer-destined upload should also be
// recorded in the Net-Disk Projector.
type RecordNetDisk struct {
	Kind     RecordNetDiskKind `json:"kind"`
	FileType string            `json:"file_type"`
}

// RecordNetDiskKind is a tagged union: NodeInstance, User root, or FlowDraft.
type RecordNetDiskKind struct {
	Kind   string `json:"kind"` // "NodeInstance" | "User" | "FlowDraft"
	NodeID string `json:"node_id,omitempty"`
	UserID string `json:"user_id,omitempty"` // set for "User" and "FlowDraft"
}

// MoveRegistration is a pending, leased intent to move a staged file to its
// final destination. Grounded on original_source's mover.rs.
type MoveRegistration struct {
	ID              string          `json:"id"`
	MetaID          string          `json:"meta_id"`
	FileName        string          `json:"file_name"`
	Destination     MoveDestination `json:"destination"`
	Hash            string          `json:"hash"`
	HashAlgorithm   string          `json:"hash_algorithm"`
	Size            int64           `json:"size"`
	IsUploadFailed  bool            `json:"is_upload_failed"`
	FailedReason    string          `json:"failed_reason,omitempty"`
}

// MultipartSession tracks an in-progress chunked upload.
// Grounded on original_source's multipart.rs.
type MultipartSession struct {
	MetaID            string   `json:"meta_id"`
	Hash              string   `json:"hash"`
	HashAlgorithm     string   `json:"hash_algorithm"`
	FileName          string   `json:"file_name"`
	TotalParts        int      `json:"total_parts"`
	CompletedParts    []int    `json:"completed_parts"`
	Size              int64    `json:"size"`
	LastUpdateTimestamp int64  `json:"last_update_timestamp"` // CAS token, epoch micros
}

// Snapshot is a finalized, content-addressed file record in the snapshot
// namespace (as opposed to the net-disk namespace).
type Snapshot struct {
	ID            string `json:"id"`
	MetaID        string `json:"meta_id"`
	NodeID        string `json:"node_id"`
	FileID        string `json:"file_id"`
	Timestamp     int64  `json:"timestamp"`
	FileName      string `json:"file_name"`
	Size          int64  `json:"size"`
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hash_algorithm"`
}

// NetDiskEntryKind distinguishes directories from files in the projected tree.
type NetDiskEntryKind string

const (
	NetDiskDir  NetDiskEntryKind = "Directory"
	NetDiskFile NetDiskEntryKind = "File"
)

// NetDiskEntry is one node in a user's projected virtual directory tree.
type NetDiskEntry struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id"`
	ParentID string           `json:"parent_id,omitempty"`
	Name     string           `json:"name"`
	Kind     NetDiskEntryKind `json:"kind"`
	MetaID   string           `json:"meta_id,omitempty"`
}

// ChangeMsg is the tagged-union envelope published on the Status Bus (C1).
// Exactly one of Task/Node/Flow is populated, selected by Topic.
type ChangeMsg struct {
	Topic string      `json:"topic"` // "task" | "node" | "flow"
	Task  *TaskChange `json:"task,omitempty"`
	Node  *NodeChange `json:"node,omitempty"`
	Flow  *FlowChange `json:"flow,omitempty"`
}

// TaskChange reports a task's new terminal or transitional status.
type TaskChange struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	Message       string     `json:"message,omitempty"`
	UsedResources *ResourceMeter `json:"used_resources,omitempty"`
}

// NodeChange reports a node's new status.
type NodeChange struct {
	NodeID string             `json:"node_id"`
	Status NodeInstanceStatus `json:"status"`
}

// FlowStatusChange mirrors spec.md §4.8's FlowStatusChange enum, used as the
// command driving FlowScheduler.HandleChanged.
type FlowStatusChange string

const (
	FlowChangePending     FlowStatusChange = "Pending"
	FlowChangeRunning     FlowStatusChange = "Running"
	FlowChangeTerminating FlowStatusChange = "Terminating"
	FlowChangeTerminated  FlowStatusChange = "Terminated"
	FlowChangePausing     FlowStatusChange = "Pausing"
	FlowChangePaused      FlowStatusChange = "Paused"
	FlowChangeResuming    FlowStatusChange = "Resuming"
	FlowChangeCompleted   FlowStatusChange = "Completed"
	FlowChangeFailed      FlowStatusChange = "Failed"
)

// FlowChange carries a requested or observed status change for a
// WorkflowInstance.
type FlowChange struct {
	FlowInstanceID string           `json:"flow_instance_id"`
	Change         FlowStatusChange `json:"change"`
	Reason         string           `json:"reason,omitempty"`
}
