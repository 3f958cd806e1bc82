// Package agent defines the wire payload types carried inside model.Task and
// the HTTP client used to dispatch them to a compute agent. Grounded on
// spec.md §6's Agent wire payload tagged union and
// original_source/src/agent/app-core/src/services/deploy_software_service.rs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SoftwareDeployment instructs the agent to materialize a software facility
// before a usecase can execute against it.
type SoftwareDeployment struct {
	Facility FacilityKind `json:"facility"`
}

// FacilityKind is a tagged union: Spack or Singularity.
type FacilityKind struct {
	Kind         string   `json:"kind"` // "Spack" | "Singularity"
	Name         string   `json:"name,omitempty"`
	ArgumentList []string `json:"argument_list,omitempty"`
	Image        string   `json:"image,omitempty"`
	Tag          string   `json:"tag,omitempty"`
}

// UsecaseExecution runs a deployed facility with the given arguments.
type UsecaseExecution struct {
	Facility     FacilityKind `json:"facility"`
	ArgumentList []string     `json:"argument_list"`
	EnvVars      map[string]string `json:"env_vars,omitempty"`
}

// ExecuteScript runs an inline shell script, used by Script-kind nodes.
type ExecuteScript struct {
	Script string `json:"script"`
}

// CollectedOut extracts a node's textual output according to rule.
type CollectedOut struct {
	FileName string      `json:"file_name"`
	Rule     CollectRule `json:"rule"`
}

// CollectRule is a tagged union: Regex, BottomLines, or TopLines.
type CollectRule struct {
	Kind    string `json:"kind"` // "Regex" | "BottomLines" | "TopLines"
	Pattern string `json:"pattern,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// FileUpload pushes a staged file from the agent's working directory into
// the object store, identified by moveID.
type FileUpload struct {
	MoveID string `json:"move_id"`
	Path   string `json:"path"`
}

// FileDownload pulls a staged file into the agent's working directory.
type FileDownload struct {
	MetaID string `json:"meta_id"`
	Path   string `json:"path"`
}

// Dispatcher sends a task payload to the agent owning queueID and reports
// immediate acceptance or rejection; the agent reports task completion
// asynchronously via the ReceiveNodeStatus HTTP endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, queueID, taskID, kind string, payload any) error
}

// HTTPDispatcher is the default Dispatcher, posting task payloads to each
// queue's registered agent endpoint.
type HTTPDispatcher struct {
	client    *http.Client
	endpoints func(queueID string) (string, bool)
}

// NewHTTPDispatcher constructs a Dispatcher that resolves each queue's agent
// URL via endpoints (the cmd/engine wiring backs this with the Queue
// Resource Manager's registered agent addresses).
func NewHTTPDispatcher(client *http.Client, endpoints func(queueID string) (string, bool)) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{client: client, endpoints: endpoints}
}

type dispatchEnvelope struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Dispatch posts the task payload to the queue's agent endpoint. A non-2xx
// response or network error is returned verbatim to the caller, which is
// expected to apply its own retry/backoff policy (internal/task owns that).
func (d *HTTPDispatcher) Dispatch(ctx context.Context, queueID, taskID, kind string, payload any) error {
	addr, ok := d.endpoints(queueID)
	if !ok {
		return fmt.Errorf("agent: no endpoint registered for queue %q", queueID)
	}

	body, err := json.Marshal(dispatchEnvelope{TaskID: taskID, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal dispatch envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/tasks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("agent: dispatch rejected with status %d", resp.StatusCode)
	}
	return nil
}
