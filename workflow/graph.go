package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Graph collects steps and edges before compilation. It is not safe for
// concurrent use; build it from one goroutine and Compile it.
type Graph[C any] struct {
	name       string
	steps      map[StepKey]Step[C]
	edges      map[StepKey][]Edge[C]
	duplicates KeySet
	logger     *zap.Logger
}

// GraphOption configures a Graph.
type GraphOption func(*graphOptions)

type graphOptions struct {
	logger *zap.Logger
}

// WithGraphLogger sets the logger used while building and compiling.
func WithGraphLogger(logger *zap.Logger) GraphOption {
	return func(o *graphOptions) {
		o.logger = logger
	}
}

// NewGraph creates an empty graph.
func NewGraph[C any](name string, opts ...GraphOption) *Graph[C] {
	o := graphOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Graph[C]{
		name:       name,
		steps:      make(map[StepKey]Step[C]),
		edges:      make(map[StepKey][]Edge[C]),
		duplicates: make(KeySet),
		logger:     o.logger.With(zap.String("component", "graph"), zap.String("graph", name)),
	}
}

// Name returns the graph name.
func (g *Graph[C]) Name() string {
	return g.name
}

// AddStep registers step under key. Registering the same key twice replaces
// the earlier step.
func (g *Graph[C]) AddStep(key StepKey, step Step[C]) *Graph[C] {
	if _, exists := g.steps[key]; exists {
		g.duplicates.Add(key)
		g.logger.Warn("step registered twice, replacing previous registration",
			zap.String("step", string(key)))
	}
	g.steps[key] = step
	return g
}

// AddStepFunc registers a function as a step.
func (g *Graph[C]) AddStepFunc(key StepKey, fn func(ctx context.Context, req *Request[C]) error) *Graph[C] {
	return g.AddStep(key, StepFunc[C](fn))
}

// AddEdge appends an edge leaving from. A step may have several edges; their
// resolved sets are united.
func (g *Graph[C]) AddEdge(from StepKey, edge Edge[C]) *Graph[C] {
	g.edges[from] = append(g.edges[from], edge)
	return g
}

// AddEdgeTo appends a fixed edge from -> to.
func (g *Graph[C]) AddEdgeTo(from StepKey, to ...StepKey) *Graph[C] {
	return g.AddEdge(from, To[C](to...))
}

// FailurePolicy decides what happens to in-flight siblings once a task failed.
type FailurePolicy string

const (
	// FailureDrain stops scheduling and lets in-flight tasks finish.
	FailureDrain FailurePolicy = "drain"
	// FailureCancel stops scheduling and cancels the run context.
	FailureCancel FailurePolicy = "cancel"
)

// ParseFailurePolicy maps a configuration string to a policy. The empty string
// is FailureDrain.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailureDrain:
		return FailureDrain, nil
	case FailureCancel:
		return FailureCancel, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// CompileOption configures a CompiledGraph.
type CompileOption func(*compileConfig)

type compileConfig struct {
	strict         bool
	maxConcurrency int64
	failurePolicy  FailurePolicy
	observers      []Observer
	history        *ExecutionHistoryStore
	logger         *zap.Logger
}

// WithStrictRegistration turns repeated registrations of a key into a
// DUPLICATE_KEY error.
func WithStrictRegistration() CompileOption {
	return func(c *compileConfig) {
		c.strict = true
	}
}

// WithMaxConcurrency bounds the number of tasks executing at once within a
// run. Zero or less means unbounded.
func WithMaxConcurrency(n int) CompileOption {
	return func(c *compileConfig) {
		c.maxConcurrency = int64(n)
	}
}

// WithFailurePolicy sets how a run reacts to the first failure.
func WithFailurePolicy(p FailurePolicy) CompileOption {
	return func(c *compileConfig) {
		c.failurePolicy = p
	}
}

// WithObserver adds an observer. It may be given several times.
func WithObserver(o Observer) CompileOption {
	return func(c *compileConfig) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithHistory records every run into store.
func WithHistory(store *ExecutionHistoryStore) CompileOption {
	return func(c *compileConfig) {
		c.history = store
	}
}

// WithLogger overrides the logger used by runs.
func WithLogger(logger *zap.Logger) CompileOption {
	return func(c *compileConfig) {
		c.logger = logger
	}
}

// Compile validates the graph and freezes it. The returned graph holds copies
// of the step and edge tables, so later changes to g do not affect it.
func (g *Graph[C]) Compile(opts ...CompileOption) (*CompiledGraph[C], error) {
	cfg := compileConfig{failurePolicy: FailureDrain}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.failurePolicy != FailureDrain && cfg.failurePolicy != FailureCancel {
		return nil, fmt.Errorf("compile graph %q: unknown failure policy %q", g.name, cfg.failurePolicy)
	}

	if err := g.validate(cfg.strict); err != nil {
		g.logger.Warn("graph validation failed", zap.Error(err))
		return nil, fmt.Errorf("compile graph %q: %w", g.name, err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = g.logger
	}

	edges := make(map[StepKey][]Edge[C], len(g.edges))
	for k, es := range g.edges {
		edges[k] = slices.Clone(es)
	}

	var observer Observer = NopObserver{}
	switch len(cfg.observers) {
	case 0:
	case 1:
		observer = cfg.observers[0]
	default:
		observer = MultiObserver(slices.Clone(cfg.observers))
	}

	g.logger.Debug("graph compiled",
		zap.Int("steps", len(g.steps)),
		zap.Int("edge_sources", len(g.edges)),
	)

	return &CompiledGraph[C]{
		name:     g.name,
		steps:    maps.Clone(g.steps),
		edges:    edges,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With(zap.String("component", "executor"), zap.String("graph", g.name)),
		tracer:   newTracer(),
	}, nil
}
