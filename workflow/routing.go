package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RouteFunc computes routing keys from a request. Returning several keys fans
// out to several successors in one step.
type RouteFunc[C any, R comparable] func(ctx context.Context, req *Request[C]) ([]R, error)

// RouterFunc computes a single routing key.
type RouterFunc[C any, R comparable] func(ctx context.Context, req *Request[C]) (R, error)

// FunctionEdge routes through a function and a table mapping every accepted
// routing key to a destination step.
type FunctionEdge[C any, R comparable] struct {
	fn    RouteFunc[C, R]
	table map[R]StepKey
}

// Route creates a function edge. The table is copied.
func Route[C any, R comparable](fn RouteFunc[C, R], table map[R]StepKey) *FunctionEdge[C, R] {
	return &FunctionEdge[C, R]{fn: fn, table: maps.Clone(table)}
}

// RouteOne creates a function edge whose function returns exactly one key.
func RouteOne[C any, R comparable](fn RouterFunc[C, R], table map[R]StepKey) *FunctionEdge[C, R] {
	return Route(func(ctx context.Context, req *Request[C]) ([]R, error) {
		r, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return []R{r}, nil
	}, table)
}

// ConditionFunc evaluates a boolean routing condition.
type ConditionFunc[C any] func(ctx context.Context, req *Request[C]) (bool, error)

// When routes to onTrue or onFalse depending on cond.
func When[C any](cond ConditionFunc[C], onTrue, onFalse StepKey) *FunctionEdge[C, bool] {
	return RouteOne(RouterFunc[C, bool](cond), map[bool]StepKey{true: onTrue, false: onFalse})
}

// Resolve evaluates the function and maps every returned key through the
// table. A key missing from the table fails the whole edge.
func (e *FunctionEdge[C, R]) Resolve(ctx context.Context, req *Request[C]) (KeySet, error) {
	routes, err := e.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(KeySet, len(routes))
	for _, r := range routes {
		key, ok := e.table[r]
		if !ok {
			return nil, &GraphError{
				Code:    ErrCodeUndefinedRoute,
				Step:    req.Step,
				Route:   fmt.Sprintf("%v", r),
				Message: fmt.Sprintf("undefined route: %v", r),
			}
		}
		out.Add(key)
	}
	return out, nil
}

// Destinations returns the full value range of the table, independent of what
// the function returns at run time.
func (e *FunctionEdge[C, R]) Destinations() KeySet {
	out := make(KeySet, len(e.table))
	for _, k := range e.table {
		out.Add(k)
	}
	return out
}

func (e *FunctionEdge[C, R]) Describe() string {
	entries := make([]string, 0, len(e.table))
	for r, k := range e.table {
		entries = append(entries, fmt.Sprintf("%v => %s", r, k))
	}
	slices.Sort(entries)
	return fmt.Sprintf("function edge {%s}", strings.Join(entries, ", "))
}
