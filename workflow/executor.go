package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/stepflow/internal/ctxkeys"
)

const instrumentationName = "github.com/BaSui01/stepflow/workflow"

func newTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// CompiledGraph is a validated, immutable graph. It can be run any number of
// times, concurrently; every run owns its state.
type CompiledGraph[C any] struct {
	name     string
	steps    map[StepKey]Step[C]
	edges    map[StepKey][]Edge[C]
	cfg      compileConfig
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Name returns the graph name.
func (g *CompiledGraph[C]) Name() string {
	return g.name
}

// Steps returns the registered step keys in order.
func (g *CompiledGraph[C]) Steps() []StepKey {
	keys := make(KeySet, len(g.steps))
	for k := range g.steps {
		keys.Add(k)
	}
	return keys.Sorted()
}

// Run executes the graph on a fresh state built from initial and returns a
// copy of the final document.
//
// A run ends once no task is in flight. Routing that always loops back never
// ends; loops must be bounded through the state they read.
func (g *CompiledGraph[C]) Run(ctx context.Context, c C, initial any) (map[string]any, error) {
	state, err := NewSharedState(initial)
	if err != nil {
		return nil, fmt.Errorf("initialize state: %w", err)
	}
	if err := g.RunState(ctx, c, state); err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}

// RunState executes the graph against an existing state.
func (g *CompiledGraph[C]) RunState(ctx context.Context, c C, state *SharedState) error {
	runID := uuid.NewString()
	ctx = ctxkeys.WithRunID(ctx, runID)
	ctx = ctxkeys.WithGraphName(ctx, g.name)

	ctx, span := g.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.graph", g.name),
		attribute.String("workflow.run_id", runID),
	))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run[C]{
		graph:       g,
		ctx:         runCtx,
		cancel:      cancel,
		c:           c,
		state:       state,
		runID:       runID,
		logger:      g.logger.With(zap.String("run_id", runID)),
		completions: make(chan completion),
	}
	if g.cfg.maxConcurrency > 0 {
		r.sem = semaphore.NewWeighted(g.cfg.maxConcurrency)
	}
	if g.cfg.history != nil {
		r.history = NewExecutionHistory(runID, g.name)
		g.cfg.history.Save(r.history)
	}
	if emit, ok := workflowStreamEmitterFromContext(ctx); ok {
		r.emit = emit
	}

	r.logger.Info("workflow run started")
	g.observer.RunStarted(g.name, runID)
	start := time.Now()

	err := r.loop()

	elapsed := time.Since(start)
	g.observer.RunFinished(g.name, runID, elapsed, err)
	if r.history != nil {
		r.history.Complete(err)
	}
	r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventRunComplete, Error: err})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("workflow run failed", zap.Duration("duration", elapsed), zap.Error(err))
		return err
	}
	r.logger.Info("workflow run completed", zap.Duration("duration", elapsed))
	return nil
}

// AsStep embeds the graph into another graph. The sub-graph runs against the
// parent's state and context; its own Start and End are internal to it.
func (g *CompiledGraph[C]) AsStep() Step[C] {
	return StepFunc[C](func(ctx context.Context, req *Request[C]) error {
		return g.RunState(ctx, req.Context, req.State)
	})
}

type completion struct {
	step StepKey
	next KeySet
	err  error
}

type run[C any] struct {
	graph   *CompiledGraph[C]
	ctx     context.Context
	cancel  context.CancelFunc
	c       C
	state   *SharedState
	runID   string
	logger  *zap.Logger
	sem     *semaphore.Weighted
	history *ExecutionHistory
	emit    WorkflowStreamEmitter

	// stopped is set on the first failure. Tasks still waiting for a
	// concurrency slot then return without running.
	stopped atomic.Bool

	completions chan completion
}

// loop owns scheduling. Only this goroutine spawns tasks, so inflight needs no
// synchronisation. It returns once every spawned task has reported back.
func (r *run[C]) loop() error {
	inflight := 1
	go func() { r.completions <- r.resolveStart() }()

	var firstErr error
	fail := func(err error) {
		if firstErr != nil {
			return
		}
		firstErr = err
		r.stopped.Store(true)
		if r.graph.cfg.failurePolicy == FailureCancel {
			r.cancel()
		}
		if inflight > 0 {
			r.logger.Debug("waiting for in-flight tasks", zap.Int("inflight", inflight))
		}
	}

	for inflight > 0 {
		done := <-r.completions
		inflight--

		if done.err != nil {
			fail(done.err)
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := r.ctx.Err(); err != nil {
			fail(fmt.Errorf("workflow run aborted: %w", err))
			continue
		}

		for _, key := range done.next.Sorted() {
			if key == End {
				r.logger.Debug("branch reached end", zap.String("from", string(done.step)))
				continue
			}
			step, ok := r.graph.steps[key]
			if !ok {
				fail(&RunError{Step: done.step, Phase: PhaseSchedule,
					Cause: newGraphError(ErrCodeUndefinedNode, key, "step %s is not registered", key)})
				break
			}
			inflight++
			go func(key StepKey, step Step[C]) {
				r.completions <- r.execute(key, step)
			}(key, step)
		}
	}
	return firstErr
}

func (r *run[C]) newRequest(key StepKey) *Request[C] {
	return &Request[C]{
		Context: r.c,
		State:   r.state,
		Step:    key,
		RunID:   r.runID,
		logger:  r.logger.With(zap.String("step", string(key))),
	}
}

func (r *run[C]) resolveStart() (done completion) {
	defer func() {
		if p := recover(); p != nil {
			r.logPanic(Start, p)
			done = completion{step: Start, err: &RunError{Step: Start, Phase: PhaseRoute, Cause: fmt.Errorf("panic: %v", p)}}
		}
	}()

	next, err := r.resolve(r.ctx, Start)
	if err != nil {
		return completion{step: Start, err: &RunError{Step: Start, Phase: PhaseRoute, Cause: err}}
	}
	r.graph.observer.RouteResolved(r.graph.name, Start, next)
	r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventRouteResolved, Step: Start, Next: next.Sorted()})
	return completion{step: Start, next: next}
}

// execute runs one task: the step body followed by its edges.
func (r *run[C]) execute(key StepKey, step Step[C]) completion {
	if r.sem != nil {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return completion{step: key, err: &RunError{Step: key, Phase: PhaseExecute, Cause: err}}
		}
		defer r.sem.Release(1)
		if r.stopped.Load() {
			r.logger.Debug("step skipped after failure", zap.String("step", string(key)))
			return completion{step: key}
		}
	}

	ctx, span := r.graph.tracer.Start(r.ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.graph", r.graph.name),
		attribute.String("workflow.step", string(key)),
	))
	defer span.End()
	ctx = ctxkeys.WithStep(ctx, string(key))

	var rec *StepExecution
	if r.history != nil {
		rec = r.history.RecordStepStart(key)
	}
	r.graph.observer.StepStarted(r.graph.name, key)
	r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventStepStart, Step: key})
	r.logger.Debug("executing step", zap.String("step", string(key)))
	start := time.Now()

	next, err := r.runStep(ctx, key, step)

	elapsed := time.Since(start)
	r.graph.observer.StepFinished(r.graph.name, key, elapsed, err)
	if rec != nil {
		r.history.RecordStepEnd(rec, next, err)
	}
	if err != nil {
		r.stopped.Store(true)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("step failed",
			zap.String("step", string(key)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventStepError, Step: key, Error: err})
		return completion{step: key, err: err}
	}

	r.graph.observer.RouteResolved(r.graph.name, key, next)
	r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventRouteResolved, Step: key, Next: next.Sorted()})
	r.emitEvent(WorkflowStreamEvent{Type: WorkflowEventStepComplete, Step: key})
	r.logger.Debug("step completed",
		zap.String("step", string(key)),
		zap.Duration("duration", elapsed),
		zap.Strings("next", next.Strings()),
	)
	return completion{step: key, next: next}
}

func (r *run[C]) runStep(ctx context.Context, key StepKey, step Step[C]) (next KeySet, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logPanic(key, p)
			next = nil
			err = &RunError{Step: key, Phase: PhaseExecute, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := step.Execute(ctx, r.newRequest(key)); err != nil {
		return nil, &RunError{Step: key, Phase: PhaseExecute, Cause: err}
	}
	next, err = r.resolve(ctx, key)
	if err != nil {
		return nil, &RunError{Step: key, Phase: PhaseRoute, Cause: err}
	}
	return next, nil
}

func (r *run[C]) logPanic(key StepKey, p any) {
	r.logger.Error("step panicked",
		zap.String("step", string(key)),
		zap.Any("panic", p),
		zap.ByteString("stack", debug.Stack()),
	)
}

// resolve unites the successor sets of every edge leaving key, evaluated
// against the state as it is now.
func (r *run[C]) resolve(ctx context.Context, key StepKey) (KeySet, error) {
	edges := r.graph.edges[key]
	if len(edges) == 0 {
		return nil, newGraphError(ErrCodeMissingOutEdge, key, "step %s has no out edge", key)
	}
	req := r.newRequest(key)
	next := make(KeySet)
	for _, e := range edges {
		set, err := e.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		next.Union(set)
	}
	return next, nil
}

func (r *run[C]) emitEvent(ev WorkflowStreamEvent) {
	if r.emit == nil {
		return
	}
	ev.RunID = r.runID
	r.emit(ev)
}
