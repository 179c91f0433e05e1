package workflow

import (
	"context"
	"fmt"
	"strings"
)

// Edge computes the successors of a completed step.
type Edge[C any] interface {
	// Resolve returns the successor set for one completion. It may block.
	Resolve(ctx context.Context, req *Request[C]) (KeySet, error)
	// Destinations returns every step the edge can ever resolve to. Compile
	// validates the graph against this static set.
	Destinations() KeySet
	// Describe returns a human-readable summary of the edge.
	Describe() string
}

// FixedEdge resolves to a constant set of keys.
type FixedEdge[C any] struct {
	to KeySet
}

// To creates an edge that always resolves to keys.
func To[C any](keys ...StepKey) *FixedEdge[C] {
	return &FixedEdge[C]{to: NewKeySet(keys...)}
}

func (e *FixedEdge[C]) Resolve(_ context.Context, _ *Request[C]) (KeySet, error) {
	out := make(KeySet, len(e.to))
	out.Union(e.to)
	return out, nil
}

func (e *FixedEdge[C]) Destinations() KeySet {
	out := make(KeySet, len(e.to))
	out.Union(e.to)
	return out
}

func (e *FixedEdge[C]) Describe() string {
	return fmt.Sprintf("to [%s]", strings.Join(e.to.Strings(), ", "))
}
