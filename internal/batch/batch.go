// Package batch implements the Node Batch Expander (C7): turning one
// DraftNode whose slot declares a batch strategy into N sub-nodes. Grounded
// on spec.md §4.7 and on original_source/service/workflow/src/schedule/flow.rs's
// batch-node entry lookup shape.
package batch

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"

	"github.com/kuintessence/workflow-engine/internal/model"
)

// ErrSlotNotOriginalBatch is returned when OriginalBatch is asked to expand
// a slot whose inputs aren't already a list (draft rule 5: "more than one
// input, optional=false").
var ErrSlotNotOriginalBatch = fmt.Errorf("batch: OriginalBatch slot needs more than one input")

// Expansion is one sub-node's materialized slot value, keyed by slot name.
type Expansion struct {
	Index  int
	Values map[string]string
}

// ExpandOriginalBatch treats each element of inputs as one sub-node's value
// for slotName.
func ExpandOriginalBatch(slotName string, inputs []string) ([]Expansion, error) {
	if len(inputs) <= 1 {
		return nil, ErrSlotNotOriginalBatch
	}
	out := make([]Expansion, len(inputs))
	for i, v := range inputs {
		out[i] = Expansion{Index: i, Values: map[string]string{slotName: v}}
	}
	return out, nil
}

// ExpandMatchRegex duplicates a single text input fillCount times,
// substituting pattern with each fill value.
func ExpandMatchRegex(slotName, input, pattern string, fillCount int, spec model.BatchSpec) ([]Expansion, error) {
	re, err := regexp.Compile(regexp.QuoteMeta(pattern))
	if err != nil {
		return nil, fmt.Errorf("batch: compile pattern: %w", err)
	}
	fills, err := fillValues(spec, fillCount)
	if err != nil {
		return nil, err
	}
	out := make([]Expansion, fillCount)
	for i := 0; i < fillCount; i++ {
		out[i] = Expansion{Index: i, Values: map[string]string{slotName: re.ReplaceAllString(input, fills[i])}}
	}
	return out, nil
}

// fillValues computes the n fill substitutions for AutoNumber/Enumeration,
// per spec.md §4.7.
func fillValues(spec model.BatchSpec, n int) ([]string, error) {
	switch spec.NumberingMode {
	case "AutoNumber":
		start, step := autoNumberParams(spec)
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = strconv.Itoa(start + i*step)
		}
		return out, nil
	case "Enumeration":
		if len(spec.EnumerationList) == 0 {
			return nil, fmt.Errorf("batch: Enumeration filler needs a non-empty item list")
		}
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = spec.EnumerationList[rand.Intn(len(spec.EnumerationList))]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("batch: unknown numbering mode %q", spec.NumberingMode)
	}
}

// autoNumberParams reads the {start, step} pair spec.md §4.7's
// AutoNumber{start,step} carries on the BatchSpec. A zero Step (the
// BatchSpec zero value, or an author who left it unset) defaults to 1, the
// original's implicit stride; Start has no such special-case since 0 is
// itself the natural default starting point.
func autoNumberParams(spec model.BatchSpec) (start, step int) {
	start = spec.Start
	step = spec.Step
	if step == 0 {
		step = 1
	}
	return
}

// ExpandFromBatchOutputs mirrors the upstream node's expansion count: the
// slot's value comes from the n-th output of an upstream batched node.
func ExpandFromBatchOutputs(slotName string, upstreamOutputs []string) []Expansion {
	out := make([]Expansion, len(upstreamOutputs))
	for i, v := range upstreamOutputs {
		out[i] = Expansion{Index: i, Values: map[string]string{slotName: v}}
	}
	return out
}

// ApplyExpansion produces the sub-node ids and parameter maps for a parent
// DraftNode, marking parent/child linkage per spec.md §4.7 ("parent marked
// is_parent=true; children carry batch_parent_id, contiguous ordering").
func ApplyExpansion(parentID string, newSubID func() string, expansions []Expansion, passthrough map[string]string) []SubNode {
	out := make([]SubNode, len(expansions))
	for i, exp := range expansions {
		params := make(map[string]string, len(passthrough)+len(exp.Values))
		for k, v := range passthrough {
			params[k] = v
		}
		for k, v := range exp.Values {
			params[k] = v
		}
		out[i] = SubNode{
			ID:            newSubID(),
			BatchParentID: parentID,
			Order:         i,
			Parameters:    params,
		}
	}
	return out
}

// SubNode is one materialized child of a batch-expanded DraftNode.
type SubNode struct {
	ID            string
	BatchParentID string
	Order         int
	Parameters    map[string]string
}
