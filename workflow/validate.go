package workflow

import (
	"slices"

	"go.uber.org/zap"
)

// validate checks the graph invariants with a breadth-first walk from Start
// over the static destinations of every edge. Each frontier is processed in
// key order so the reported error does not depend on map iteration.
func (g *Graph[C]) validate(strict bool) error {
	keys := make([]StepKey, 0, len(g.steps))
	for k := range g.steps {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if k.IsReserved() {
			return newGraphError(ErrCodeReservedKey, k, "step key %q uses the reserved prefix %q", k, reservedPrefix)
		}
	}
	if strict && len(g.duplicates) > 0 {
		k := g.duplicates.Sorted()[0]
		return newGraphError(ErrCodeDuplicateKey, k, "step %s registered more than once", k)
	}
	if len(g.edges[End]) > 0 {
		return newGraphError(ErrCodeEdgeFromEnd, End, "end cannot have out edges")
	}

	checked := make(KeySet)
	frontier := NewKeySet(Start)
	for len(frontier) > 0 {
		next := make(KeySet)
		for _, key := range frontier.Sorted() {
			if checked.Has(key) {
				continue
			}
			if key == End {
				checked.Add(End)
				continue
			}
			if key != Start {
				if _, ok := g.steps[key]; !ok {
					return newGraphError(ErrCodeUndefinedNode, key, "step %s is an edge destination but was never registered", key)
				}
			}

			edges := g.edges[key]
			if len(edges) == 0 {
				return newGraphError(ErrCodeMissingOutEdge, key, "step %s has no out edge", key)
			}
			dests := make(KeySet)
			for _, e := range edges {
				d := e.Destinations()
				if len(d) == 0 {
					return newGraphError(ErrCodeEmptyEdge, key, "%s from %s has no destination", e.Describe(), key)
				}
				if d.Has(Start) {
					return newGraphError(ErrCodePointToStart, key, "%s from %s points to start", e.Describe(), key)
				}
				dests.Union(d)
			}

			checked.Add(key)
			for d := range dests {
				if !checked.Has(d) {
					next.Add(d)
				}
			}
		}
		frontier = next
	}

	if !checked.Has(End) {
		return newGraphError(ErrCodeUnreachableEnd, End, "end is unreachable from start")
	}

	for _, k := range keys {
		if !checked.Has(k) {
			g.logger.Warn("step is unreachable from start", zap.String("step", string(k)))
		}
	}
	return nil
}
