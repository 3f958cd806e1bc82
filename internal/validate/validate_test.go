package validate

import (
	"testing"

	"github.com/kuintessence/workflow-engine/internal/model"
)

func node(id string, deps ...string) model.DraftNode {
	return model.DraftNode{ID: id, DependsOn: deps, Parameters: map[string]string{}}
}

func TestDraftRejectsEmptyNodeSet(t *testing.T) {
	err := Draft(model.WorkflowDraft{}, nil)
	v, ok := err.(Violation)
	if !ok || v.Rule != 1 {
		t.Fatalf("expected rule 1 violation, got %v", err)
	}
}

func TestDraftRejectsUnknownDependency(t *testing.T) {
	d := model.WorkflowDraft{Nodes: []model.DraftNode{node("a", "ghost")}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 2 {
		t.Fatalf("expected rule 2 violation, got %v", Draft(d, nil))
	}
}

func TestDraftAcceptsValidDependencyChain(t *testing.T) {
	d := model.WorkflowDraft{Nodes: []model.DraftNode{node("a"), node("b", "a")}}
	if err := Draft(d, nil); err != nil {
		t.Fatalf("expected no violation, got %v", err)
	}
}

func TestDraftRejectsUnknownBatchStrategy(t *testing.T) {
	n := node("a")
	n.BatchSpec = &model.BatchSpec{Strategy: "Bogus"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 3 {
		t.Fatalf("expected rule 3 violation, got %v", Draft(d, nil))
	}
}

func TestDraftMatchRegexRequiresSingleInputAndPattern(t *testing.T) {
	n := node("a")
	n.Parameters = map[string]string{"x": "1", "y": "2"}
	n.BatchSpec = &model.BatchSpec{Strategy: "MatchRegex", Pattern: "N"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 4 {
		t.Fatalf("expected rule 4 violation for multiple inputs, got %v", Draft(d, nil))
	}

	n.Parameters = map[string]string{"x": "1"}
	n.BatchSpec = &model.BatchSpec{Strategy: "MatchRegex"}
	d = model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok = Draft(d, nil).(Violation)
	if !ok || v.Rule != 4 {
		t.Fatalf("expected rule 4 violation for empty pattern, got %v", Draft(d, nil))
	}
}

func TestDraftOriginalBatchRequiresMultipleInputs(t *testing.T) {
	n := node("a")
	n.Parameters = map[string]string{"x": "1"}
	n.BatchSpec = &model.BatchSpec{Strategy: "OriginalBatch"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 5 {
		t.Fatalf("expected rule 5 violation, got %v", Draft(d, nil))
	}
}

func TestDraftFromBatchOutputsRequiresBatchedSource(t *testing.T) {
	src := node("src")
	n := node("a")
	n.BatchSpec = &model.BatchSpec{Strategy: "FromBatchOutputs", SourceNodeID: "src"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{src, n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 6 {
		t.Fatalf("expected rule 6 violation for non-batched source, got %v", Draft(d, nil))
	}

	n.BatchSpec.SourceNodeID = "missing"
	d = model.WorkflowDraft{Nodes: []model.DraftNode{src, n}}
	v, ok = Draft(d, nil).(Violation)
	if !ok || v.Rule != 6 {
		t.Fatalf("expected rule 6 violation for unknown source, got %v", Draft(d, nil))
	}
}

func TestDraftSchedulingStrategyRequiresQueue(t *testing.T) {
	n := node("a")
	n.Parameters = map[string]string{"scheduling_strategy": string(model.StrategyManual)}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 8 {
		t.Fatalf("expected rule 8 violation, got %v", Draft(d, nil))
	}

	n.Parameters["queue_ids"] = "q1"
	d = model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	if err := Draft(d, nil); err != nil {
		t.Fatalf("expected no violation once a queue is named, got %v", err)
	}
}

func TestDraftSlotCannotCarryUpstreamAndContents(t *testing.T) {
	n := node("a")
	n.Parameters = map[string]string{"upstream_slot": "other.out", "contents": "literal"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}
	v, ok := Draft(d, nil).(Violation)
	if !ok || v.Rule != 9 {
		t.Fatalf("expected rule 9 violation, got %v", Draft(d, nil))
	}
}

func TestDraftFileInputMustResolve(t *testing.T) {
	n := node("a")
	n.Parameters = map[string]string{"input_meta_id": "meta-1"}
	d := model.WorkflowDraft{Nodes: []model.DraftNode{n}}

	exists := func(metaID string) bool { return metaID == "meta-2" }
	v, ok := Draft(d, exists).(Violation)
	if !ok || v.Rule != 10 {
		t.Fatalf("expected rule 10 violation, got %v", Draft(d, exists))
	}

	exists = func(metaID string) bool { return metaID == "meta-1" }
	if err := Draft(d, exists); err != nil {
		t.Fatalf("expected no violation once the meta id resolves, got %v", err)
	}
}
