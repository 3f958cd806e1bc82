package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDispatchPostsEnvelopeToAgentEndpoint(t *testing.T) {
	var received dispatchEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Errorf("expected path /tasks, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(nil, func(queueID string) (string, bool) {
		if queueID != "q1" {
			return "", false
		}
		return srv.URL, true
	})

	err := d.Dispatch(context.Background(), "q1", "task-1", "ExecuteScript", ExecuteScript{Script: "echo hi"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if received.TaskID != "task-1" || received.Kind != "ExecuteScript" {
		t.Fatalf("unexpected envelope: %+v", received)
	}
}

func TestDispatchUnknownQueue(t *testing.T) {
	d := NewHTTPDispatcher(nil, func(queueID string) (string, bool) { return "", false })
	if err := d.Dispatch(context.Background(), "missing", "task-1", "ExecuteScript", nil); err == nil {
		t.Fatalf("expected error for unregistered queue")
	}
}

func TestDispatchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(nil, func(queueID string) (string, bool) { return srv.URL, true })
	if err := d.Dispatch(context.Background(), "q1", "task-1", "ExecuteScript", nil); err == nil {
		t.Fatalf("expected error for a non-2xx response")
	}
}
