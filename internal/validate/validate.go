// Package validate implements the Draft Validator (C11): a pure function
// checking a WorkflowDraft's internal consistency before submission.
// Grounded on spec.md §4.11 and cross-checked against
// original_source/app/src/api/dtos.rs and
// original_source/domain/workflow/src/model/vo/mod.rs.
package validate

import (
	"fmt"

	"github.com/kuintessence/workflow-engine/internal/model"
)

// Violation is one failed rule, carrying the offending node/slot for
// caller-side error messages.
type Violation struct {
	Rule   int
	NodeID string
	Slot   string
	Reason string
}

func (v Violation) Error() string {
	if v.Slot != "" {
		return fmt.Sprintf("validate: rule %d violated on node %s slot %s: %s", v.Rule, v.NodeID, v.Slot, v.Reason)
	}
	return fmt.Sprintf("validate: rule %d violated on node %s: %s", v.Rule, v.NodeID, v.Reason)
}

// fileMetaLookup resolves whether a file input's declared meta id exists,
// used by rule 10.
type fileMetaLookup func(metaID string) bool

// Draft validates d against every rule in spec.md §4.11, returning the
// first violation found, or nil if the draft is submittable.
func Draft(d model.WorkflowDraft, fileMetaExists fileMetaLookup) error {
	// 1. non-empty node set.
	if len(d.Nodes) == 0 {
		return Violation{Rule: 1, Reason: "draft has no nodes"}
	}

	byID := make(map[string]model.DraftNode, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}

	for _, n := range d.Nodes {
		// 2. every depends_on id must reference an existing node.
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return Violation{Rule: 2, NodeID: n.ID, Reason: fmt.Sprintf("depends_on references unknown node %q", dep)}
			}
		}

		if n.BatchSpec == nil {
			continue
		}
		spec := n.BatchSpec

		switch spec.Strategy {
		case "MatchRegex":
			// 4. MatchRegex slot must have exactly one input.
			if len(n.Parameters) != 1 {
				return Violation{Rule: 4, NodeID: n.ID, Reason: "MatchRegex batch requires exactly one input parameter"}
			}
			if spec.Pattern == "" {
				return Violation{Rule: 4, NodeID: n.ID, Reason: "MatchRegex batch requires a non-empty pattern"}
			}

		case "OriginalBatch":
			// 5. OriginalBatch slot must have more than one input.
			if len(n.Parameters) <= 1 {
				return Violation{Rule: 5, NodeID: n.ID, Reason: "OriginalBatch requires more than one input"}
			}

		case "FromBatchOutputs":
			// 6. FromBatchOutputs must name an existing upstream node that
			// itself has a BatchSpec; no particular output slot of it is
			// checked.
			upstream, ok := byID[spec.SourceNodeID]
			if !ok {
				return Violation{Rule: 6, NodeID: n.ID, Reason: fmt.Sprintf("FromBatchOutputs references unknown node %q", spec.SourceNodeID)}
			}
			if upstream.BatchSpec == nil {
				return Violation{Rule: 6, NodeID: n.ID, Reason: fmt.Sprintf("FromBatchOutputs source %q does not batch", spec.SourceNodeID)}
			}

		default:
			return Violation{Rule: 3, NodeID: n.ID, Reason: fmt.Sprintf("unknown batch strategy %q", spec.Strategy)}
		}
	}

	// 7. no slot carries multiple batch strategies — enforced structurally:
	// model.DraftNode.BatchSpec is a single value, not a list, so this rule
	// can never be violated by construction. Kept as a named rule for
	// parity with the original's validator surface.

	for _, n := range d.Nodes {
		// 8. Manual/Prefer scheduling slot must list at least one queue.
		if strat, ok := n.Parameters["scheduling_strategy"]; ok {
			if (strat == string(model.StrategyManual) || strat == string(model.StrategyPrefer)) && n.Parameters["queue_ids"] == "" {
				return Violation{Rule: 8, NodeID: n.ID, Reason: "Manual/Prefer scheduling requires at least one queue id"}
			}
		}

		// 9. a slot that depends on an upstream node must not also carry
		// contents. Only that combination is rejected: a slot with neither
		// an upstream reference nor contents passes.
		if v, declaresUpstream := n.Parameters["upstream_slot"]; declaresUpstream && v != "" {
			if n.Parameters["contents"] != "" {
				return Violation{Rule: 9, NodeID: n.ID, Reason: "slot cannot carry both upstream reference and direct contents"}
			}
		}
	}

	// 10. every file input must resolve to an existing FileMeta.
	if fileMetaExists != nil {
		for _, n := range d.Nodes {
			if metaID, ok := n.Parameters["input_meta_id"]; ok && metaID != "" {
				if !fileMetaExists(metaID) {
					return Violation{Rule: 10, NodeID: n.ID, Reason: fmt.Sprintf("no file meta for input %q", metaID)}
				}
			}
		}
	}

	return nil
}
