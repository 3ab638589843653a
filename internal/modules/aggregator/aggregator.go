package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config configures an Aggregator.
type Config struct {
	Policy Policy
	// Concurrency bounds the nodes executing at once; 0 means all of them.
	Concurrency int
}

// Aggregator executes node batches against a backend.
type Aggregator struct {
	backend     backend.Backend
	policy      Policy
	concurrency int
	log         zerolog.Logger
}

// New creates an aggregator.
func New(b backend.Backend, cfg Config, log zerolog.Logger) (*Aggregator, error) {
	if b == nil {
		return nil, domain.NewConfigurationError("aggregator needs a backend")
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency < 0 {
		return nil, domain.NewConfigurationError("concurrency must not be negative, got %d", cfg.Concurrency)
	}
	return &Aggregator{
		backend:     b,
		policy:      policy,
		concurrency: cfg.Concurrency,
		log:         log.With().Str("component", "aggregator").Logger(),
	}, nil
}

// Policy returns the configured failure policy.
func (a *Aggregator) Policy() Policy {
	return a.policy
}

// WithPolicy returns a copy of the aggregator using policy.
func (a *Aggregator) WithPolicy(policy Policy) *Aggregator {
	cp := *a
	cp.policy = policy
	return &cp
}

// RunBatch executes every node concurrently and merges the successful
// distributions once all of them have finished. A cancelled context never
// yields a partially merged result.
func (a *Aggregator) RunBatch(ctx context.Context, nodes []Node, shotsPerNode int) (*BatchResult, error) {
	if err := validateNodes(nodes, shotsPerNode); err != nil {
		return nil, err
	}

	results := make([]NodeResult, len(nodes))
	start := time.Now()

	var err error
	if a.policy == FailBatchOnAnyFailure {
		err = a.runFailFast(ctx, nodes, shotsPerNode, results)
	} else {
		a.runAll(ctx, nodes, shotsPerNode, results)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}

	batch := &BatchResult{Policy: a.policy, Nodes: results}
	var merged []*backend.Distribution
	var dropped []DroppedNode
	for _, r := range results {
		if r.Succeeded() {
			merged = append(merged, r.Distribution)
			continue
		}
		dropped = append(dropped, DroppedNode{Index: r.Index, NodeID: r.NodeID, Err: r.Err})
		a.log.Warn().
			Err(r.Err).
			Str("node_id", r.NodeID).
			Int("index", r.Index).
			Msg("Node excluded from batch")
	}

	if len(merged) == 0 {
		return nil, &domain.BatchFailedError{
			Reason: fmt.Sprintf("all %d nodes failed", len(nodes)),
			Cause:  dropped[0].Err,
		}
	}

	batch.Merged, err = backend.Merge(merged...)
	if err != nil {
		return nil, fmt.Errorf("failed to merge node results: %w", err)
	}
	if len(dropped) > 0 {
		batch.Partial = &PartialBatchResult{
			Total:     len(nodes),
			Succeeded: len(merged),
			Dropped:   dropped,
		}
	}

	a.log.Info().
		Str("policy", string(a.policy)).
		Int("nodes", len(nodes)).
		Int("succeeded", len(merged)).
		Int("shots", batch.Merged.Shots()).
		Dur("elapsed", time.Since(start)).
		Msg("Batch completed")

	return batch, nil
}

// runAll executes every node regardless of sibling failures.
func (a *Aggregator) runAll(ctx context.Context, nodes []Node, shots int, results []NodeResult) {
	var g errgroup.Group
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, node := range nodes {
		g.Go(func() error {
			results[i] = a.execute(ctx, i, node, shots)
			return nil
		})
	}
	_ = g.Wait()
}

// runFailFast cancels the remaining nodes as soon as one fails.
func (a *Aggregator) runFailFast(ctx context.Context, nodes []Node, shots int, results []NodeResult) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, node := range nodes {
		g.Go(func() error {
			r := a.execute(gctx, i, node, shots)
			results[i] = r
			if r.Err != nil {
				return &domain.BatchFailedError{NodeID: node.ID, Reason: "node execution failed", Cause: r.Err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Aggregator) execute(ctx context.Context, index int, node Node, shots int) NodeResult {
	result := NodeResult{Index: index, NodeID: node.ID, Shots: shots}
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	start := time.Now()
	dist, err := a.backend.Execute(ctx, backend.ExecutionRequest{
		Circuit: node.Circuit,
		Shots:   shots,
		Backend: a.backend.Name(),
		Seed:    node.Seed,
	})
	result.Duration = time.Since(start)
	result.Distribution = dist
	result.Err = err
	return result
}

func validateNodes(nodes []Node, shots int) error {
	if len(nodes) == 0 {
		return domain.NewConfigurationError("batch has no nodes")
	}
	if shots < 1 {
		return domain.NewConfigurationError("shots per node must be at least 1, got %d", shots)
	}
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return domain.NewConfigurationError("node %d has no ID", i)
		}
		if seen[n.ID] {
			return domain.NewConfigurationError("duplicate node ID %q", n.ID)
		}
		seen[n.ID] = true
		if n.Circuit == nil {
			return domain.NewConfigurationError("node %s has no circuit", n.ID)
		}
	}
	return nil
}

// Entangle returns copies of both nodes with an extra CX(0, 1) appended to
// each circuit. The inputs are left untouched.
func Entangle(a, b Node) (Node, Node, error) {
	ca, err := circuit.AppendEntangle(a.Circuit, circuit.GateCX, 0, 1)
	if err != nil {
		return Node{}, Node{}, fmt.Errorf("node %s: %w", a.ID, err)
	}
	cb, err := circuit.AppendEntangle(b.Circuit, circuit.GateCX, 0, 1)
	if err != nil {
		return Node{}, Node{}, fmt.Errorf("node %s: %w", b.ID, err)
	}
	a.Circuit, b.Circuit = ca, cb
	return a, b, nil
}

// UniformNodes creates count nodes named node-0..node-(count-1) that all run
// a clone of d.
func UniformNodes(count int, d *circuit.Descriptor) []Node {
	nodes := make([]Node, count)
	for i := range nodes {
		nodes[i] = Node{ID: fmt.Sprintf("node-%d", i), Circuit: d.Clone()}
	}
	return nodes
}
