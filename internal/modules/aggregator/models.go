// Package aggregator runs the same experiment on several independent nodes
// and merges their measurement counts.
package aggregator

import (
	"strings"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
)

// Policy decides what a node failure does to the batch.
type Policy string

const (
	// ExcludeFailedNodes drops failed nodes and reports them in a
	// PartialBatchResult.
	ExcludeFailedNodes Policy = "excludeFailedNodes"
	// FailBatchOnAnyFailure cancels the batch on the first node failure.
	FailBatchOnAnyFailure Policy = "failBatchOnAnyFailure"
)

// ParsePolicy accepts the policy names case-insensitively. Empty means
// ExcludeFailedNodes.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", strings.ToLower(string(ExcludeFailedNodes)), "exclude":
		return ExcludeFailedNodes, nil
	case strings.ToLower(string(FailBatchOnAnyFailure)), "fail":
		return FailBatchOnAnyFailure, nil
	default:
		return "", domain.NewConfigurationError("unknown batch policy %q", s)
	}
}

// Node is one independent execution site with its own circuit.
type Node struct {
	ID      string
	Circuit *circuit.Descriptor
	// Seed pins the node's sampling; zero lets the backend choose.
	Seed uint64
}

// NodeResult reports how one node fared.
type NodeResult struct {
	Index        int
	NodeID       string
	Shots        int
	Distribution *backend.Distribution
	Err          error
	Duration     time.Duration
}

// Succeeded reports whether the node produced a distribution.
func (r NodeResult) Succeeded() bool {
	return r.Err == nil && r.Distribution != nil
}

// DroppedNode identifies a node excluded from the merge.
type DroppedNode struct {
	Index  int
	NodeID string
	Err    error
}

// PartialBatchResult is the non-fatal signal that some nodes were excluded.
type PartialBatchResult struct {
	Total     int
	Succeeded int
	Dropped   []DroppedNode
}

// DroppedIDs lists the excluded node IDs in node order.
func (p *PartialBatchResult) DroppedIDs() []string {
	ids := make([]string, len(p.Dropped))
	for i, d := range p.Dropped {
		ids[i] = d.NodeID
	}
	return ids
}

// BatchResult is the merged outcome of a batch. Partial is nil when every node
// contributed.
type BatchResult struct {
	Policy  Policy
	Merged  *backend.Distribution
	Nodes   []NodeResult
	Partial *PartialBatchResult
}
