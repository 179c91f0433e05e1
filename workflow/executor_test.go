package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loopGraph(t *testing.T, executions *atomic.Int32) *CompiledGraph[noCtx] {
	t.Helper()
	route := RouteOne(func(ctx context.Context, req *Request[noCtx]) (string, error) {
		n, err := ViewOf(req, FieldView[float64]("n"))
		if err != nil {
			return "", err
		}
		if n < 3 {
			return "loop", nil
		}
		return "done", nil
	}, map[string]StepKey{"loop": "count", "done": End})

	cg, err := NewGraph[noCtx]("loop", WithGraphLogger(zap.NewNop())).
		AddStepFunc("count", func(ctx context.Context, req *Request[noCtx]) error {
			executions.Add(1)
			return req.Apply(Increment("n"))
		}).
		AddEdgeTo(Start, "count").
		AddEdge("count", route).
		Compile()
	require.NoError(t, err)
	return cg
}

func TestRun_LoopTerminatesThroughState(t *testing.T) {
	var executions atomic.Int32
	cg := loopGraph(t, &executions)

	out, err := cg.Run(context.Background(), noCtx{}, map[string]any{"n": 0})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["n"])
	assert.Equal(t, int32(3), executions.Load())
}

func TestRun_CompiledGraphIsReusable(t *testing.T) {
	var executions atomic.Int32
	cg := loopGraph(t, &executions)

	var wg sync.WaitGroup
	results := make([]map[string]any, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cg.Run(context.Background(), noCtx{}, map[string]any{"n": 1})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(3), results[i]["n"])
	}
	assert.Equal(t, int32(16), executions.Load())
}

func TestRun_UndefinedRouteStopsRun(t *testing.T) {
	var bRan atomic.Bool
	route := RouteOne(func(context.Context, *Request[noCtx]) (string, error) {
		return "nowhere", nil
	}, map[string]StepKey{"ok": "b"})

	cg, err := NewGraph[noCtx]("undefined-route").
		AddStepFunc("a", noop).
		AddStepFunc("b", func(context.Context, *Request[noCtx]) error {
			bRan.Store(true)
			return nil
		}).
		AddEdgeTo(Start, "a").
		AddEdge("a", route).
		AddEdgeTo("b", End).
		Compile()
	require.NoError(t, err)

	out, err := cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrUndefinedRoute)
	assert.False(t, bRan.Load())

	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "nowhere", ge.Route)

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StepKey("a"), re.Step)
	assert.Equal(t, PhaseRoute, re.Phase)
}

func TestRun_FanOutKeepsEveryWrite(t *testing.T) {
	appendStep := func(v string) StepFunc[noCtx] {
		return func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("log", v))
		}
	}

	cg, err := NewGraph[noCtx]("fan-out").
		AddStepFunc("split", noop).
		AddStep("left", appendStep("left")).
		AddStep("right", appendStep("right")).
		AddEdgeTo(Start, "split").
		AddEdgeTo("split", "left", "right").
		AddEdgeTo("left", End).
		AddEdgeTo("right", End).
		Compile()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		out, err := cg.Run(context.Background(), noCtx{}, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []any{"left", "right"}, out["log"])
	}
}

func TestRun_EdgesAreUnited(t *testing.T) {
	var runs atomic.Int32
	count := StepFunc[noCtx](func(ctx context.Context, req *Request[noCtx]) error {
		runs.Add(1)
		return req.Apply(Increment("hits"))
	})

	cg, err := NewGraph[noCtx]("union").
		AddStep("a", count).
		AddStep("b", count).
		AddEdgeTo(Start, "a").
		AddEdgeTo(Start, "a", "b").
		AddEdgeTo("a", End).
		AddEdgeTo("b", End).
		Compile()
	require.NoError(t, err)

	out, err := cg.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["hits"])
	assert.Equal(t, int32(2), runs.Load())
}

func TestRun_DiamondRunsJoinStepOncePerArrival(t *testing.T) {
	cg, err := NewGraph[noCtx]("diamond").
		AddStepFunc("a", noop).
		AddStepFunc("b", noop).
		AddStepFunc("c", noop).
		AddStepFunc("join", func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(Increment("joined"))
		}).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", "b", "c").
		AddEdgeTo("b", "join").
		AddEdgeTo("c", "join").
		AddEdgeTo("join", End).
		Compile()
	require.NoError(t, err)

	out, err := cg.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["joined"])
}

func failureGraph(t *testing.T, policy FailurePolicy, slowObservedCancel *atomic.Bool, slowFinished *atomic.Bool, afterRan *atomic.Bool) *CompiledGraph[noCtx] {
	t.Helper()
	cg, err := NewGraph[noCtx]("failure").
		AddStepFunc("split", noop).
		AddStepFunc("boom", func(context.Context, *Request[noCtx]) error {
			return errors.New("boom")
		}).
		AddStepFunc("slow", func(ctx context.Context, req *Request[noCtx]) error {
			select {
			case <-ctx.Done():
				slowObservedCancel.Store(true)
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			slowFinished.Store(true)
			return nil
		}).
		AddStepFunc("after", func(context.Context, *Request[noCtx]) error {
			afterRan.Store(true)
			return nil
		}).
		AddEdgeTo(Start, "split").
		AddEdgeTo("split", "boom", "slow").
		AddEdgeTo("boom", End).
		AddEdgeTo("slow", "after").
		AddEdgeTo("after", End).
		Compile(WithFailurePolicy(policy))
	require.NoError(t, err)
	return cg
}

func TestRun_FailureDrainWaitsForSiblings(t *testing.T) {
	var cancelled, finished, afterRan atomic.Bool
	cg := failureGraph(t, FailureDrain, &cancelled, &finished, &afterRan)

	_, err := cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	step, ok := FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepKey("boom"), step)

	assert.True(t, finished.Load(), "in-flight sibling should have completed")
	assert.False(t, cancelled.Load())
	assert.False(t, afterRan.Load(), "no step is scheduled after a failure")
}

func TestRun_FailureCancelStopsSiblings(t *testing.T) {
	var cancelled, finished, afterRan atomic.Bool
	cg := failureGraph(t, FailureCancel, &cancelled, &finished, &afterRan)

	_, err := cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)

	step, ok := FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepKey("boom"), step)

	// Run returned, so the sibling has already reported back.
	assert.True(t, cancelled.Load())
	assert.False(t, finished.Load())
	assert.False(t, afterRan.Load())
}

func TestRun_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	cg, err := NewGraph[noCtx]("cancel").
		AddStepFunc("wait", func(ctx context.Context, req *Request[noCtx]) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}).
		AddEdgeTo(Start, "wait").
		AddEdgeTo("wait", End).
		Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err = cg.Run(ctx, noCtx{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	var ran atomic.Bool
	cg, err := NewGraph[noCtx]("cancelled").
		AddStepFunc("a", func(context.Context, *Request[noCtx]) error {
			ran.Store(true)
			return nil
		}).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", End).
		Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = cg.Run(ctx, noCtx{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestRun_MaxConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	work := StepFunc[noCtx](func(ctx context.Context, req *Request[noCtx]) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	g := NewGraph[noCtx]("bounded").AddStepFunc("split", noop).AddEdgeTo(Start, "split")
	var branches []StepKey
	for i := 0; i < 6; i++ {
		k := StepKey(fmt.Sprintf("w%d", i))
		branches = append(branches, k)
		g.AddStep(k, work).AddEdgeTo(k, End)
	}
	g.AddEdgeTo("split", branches...)

	cg, err := g.Compile(WithMaxConcurrency(1))
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_StepPanicBecomesError(t *testing.T) {
	cg, err := NewGraph[noCtx]("panic").
		AddStepFunc("a", func(context.Context, *Request[noCtx]) error {
			panic("kaboom")
		}).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", End).
		Compile()
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	step, ok := FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepKey("a"), step)
}

func TestRun_StartRoutePanicBecomesError(t *testing.T) {
	cg, err := NewGraph[noCtx]("start-panic").
		AddStepFunc("a", func(context.Context, *Request[noCtx]) error { return nil }).
		AddEdge(Start, RouteOne(func(context.Context, *Request[noCtx]) (string, error) {
			panic("boom")
		}, map[string]StepKey{"a": "a"})).
		AddEdgeTo("a", End).
		Compile()
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, Start, re.Step)
	assert.Equal(t, PhaseRoute, re.Phase)
}

func TestRun_FailureDrainSkipsQueuedSteps(t *testing.T) {
	var executions atomic.Int32
	g := NewGraph[noCtx]("queued")
	keys := make([]StepKey, 10)
	for i := range keys {
		keys[i] = StepKey(fmt.Sprintf("s%d", i))
		g.AddStepFunc(keys[i], func(context.Context, *Request[noCtx]) error {
			executions.Add(1)
			return errors.New("step failed")
		})
		g.AddEdgeTo(keys[i], End)
	}
	g.AddEdgeTo(Start, keys...)

	cg, err := g.Compile(WithMaxConcurrency(1), WithFailurePolicy(FailureDrain))
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)
	// 首个失败后，等待并发槽位的任务不再执行
	assert.Equal(t, int32(1), executions.Load())
}

func TestRun_InitialStateFromStruct(t *testing.T) {
	type input struct {
		Question string `json:"question"`
		Budget   int    `json:"budget"`
	}
	cg, err := NewGraph[noCtx]("init").AddEdgeTo(Start, End).Compile()
	require.NoError(t, err)

	out, err := cg.Run(context.Background(), noCtx{}, input{Question: "why", Budget: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"question": "why", "budget": float64(2)}, out)

	_, err = cg.Run(context.Background(), noCtx{}, []int{1, 2})
	require.Error(t, err)
	assert.Equal(t, ErrCodeTypeMismatch, GetErrorCode(err))
}

func TestRun_SnapshotIsDetached(t *testing.T) {
	state, err := NewSharedState(map[string]any{"items": []any{"a"}})
	require.NoError(t, err)

	snap := state.Snapshot()
	snap["items"].([]any)[0] = "changed"

	again := state.Snapshot()
	assert.Equal(t, []any{"a"}, again["items"])
}

func TestRun_ContextCarriesRunAndStep(t *testing.T) {
	var gotStep StepKey
	var gotRun, reqRun string
	cg, err := NewGraph[noCtx]("ctx").
		AddStepFunc("a", func(ctx context.Context, req *Request[noCtx]) error {
			gotStep, _ = StepFromContext(ctx)
			gotRun, _ = RunIDFromContext(ctx)
			reqRun = req.RunID
			return nil
		}).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", End).
		Compile()
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StepKey("a"), gotStep)
	assert.NotEmpty(t, gotRun)
	assert.Equal(t, gotRun, reqRun)
}

func TestRun_SubGraphSharesState(t *testing.T) {
	inner, err := NewGraph[noCtx]("inner").
		AddStepFunc("x", func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("trace", "inner.x"))
		}).
		AddStepFunc("y", func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("trace", "inner.y"))
		}).
		AddEdgeTo(Start, "x").
		AddEdgeTo("x", "y").
		AddEdgeTo("y", End).
		Compile()
	require.NoError(t, err)

	outer, err := NewGraph[noCtx]("outer").
		AddStepFunc("before", func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("trace", "before"))
		}).
		AddStep("sub", inner.AsStep()).
		AddStepFunc("after", func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("trace", "after"))
		}).
		AddEdgeTo(Start, "before").
		AddEdgeTo("before", "sub").
		AddEdgeTo("sub", "after").
		AddEdgeTo("after", End).
		Compile()
	require.NoError(t, err)

	out, err := outer.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"before", "inner.x", "inner.y", "after"}, out["trace"])
}

func TestRun_SequenceStep(t *testing.T) {
	record := func(v string) Step[noCtx] {
		return StepFunc[noCtx](func(ctx context.Context, req *Request[noCtx]) error {
			return req.Apply(ExtendArray("trace", v))
		})
	}
	seq := Sequential[noCtx](record("one"), record("two")).Then(record("three"))
	assert.Equal(t, 3, seq.Len())

	cg, err := NewGraph[noCtx]("seq").
		AddStep("seq", seq).
		AddEdgeTo(Start, "seq").
		AddEdgeTo("seq", End).
		Compile()
	require.NoError(t, err)

	out, err := cg.Run(context.Background(), noCtx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two", "three"}, out["trace"])

	failing := Sequential[noCtx](record("one"), StepFunc[noCtx](func(context.Context, *Request[noCtx]) error {
		return errors.New("second failed")
	}), record("never"))
	state, err := NewSharedState(nil)
	require.NoError(t, err)
	err = failing.Execute(context.Background(), &Request[noCtx]{State: state})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence element 2")
	assert.Equal(t, []any{"one"}, state.Snapshot()["trace"])
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	started  []StepKey
	finished map[StepKey]error
	routes   map[StepKey][]StepKey
	runErr   error
	runs     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: map[StepKey]error{}, routes: map[StepKey][]StepKey{}}
}

func (o *recordingObserver) StepStarted(_ string, step StepKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, step)
}

func (o *recordingObserver) StepFinished(_ string, step StepKey, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[step] = err
}

func (o *recordingObserver) RouteResolved(_ string, from StepKey, next KeySet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[from] = next.Sorted()
}

func (o *recordingObserver) RunFinished(_, _ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
	o.runErr = err
}

func TestRun_ObserverHistoryAndEvents(t *testing.T) {
	obs := newRecordingObserver()
	store := NewExecutionHistoryStore(0)

	cg, err := NewGraph[noCtx]("observed").
		AddStepFunc("a", noop).
		AddStepFunc("b", noop).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", "b").
		AddEdgeTo("b", End).
		Compile(WithObserver(obs), WithHistory(store))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []WorkflowStreamEvent
	ctx := WithWorkflowStreamEmitter(context.Background(), func(ev WorkflowStreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	_, err = cg.Run(ctx, noCtx{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []StepKey{"a", "b"}, obs.started)
	assert.Equal(t, []StepKey{"a"}, obs.routes[Start])
	assert.Equal(t, []StepKey{End}, obs.routes["b"])
	assert.NoError(t, obs.finished["a"])
	assert.Equal(t, 1, obs.runs)
	assert.NoError(t, obs.runErr)

	runs := store.ListByGraph("observed")
	require.Len(t, runs, 1)
	h := runs[0]
	assert.Equal(t, ExecutionStatusCompleted, h.GetStatus())
	steps := h.GetSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, StepKey("a"), steps[0].Step)
	assert.Equal(t, []StepKey{"b"}, steps[0].Next)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, WorkflowEventRunComplete, last.Type)
	assert.Equal(t, h.RunID, last.RunID)

	var types []WorkflowStreamEventType
	for _, ev := range events {
		if ev.Step == "a" {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []WorkflowStreamEventType{
		WorkflowEventStepStart, WorkflowEventRouteResolved, WorkflowEventStepComplete,
	}, types)
}

func TestRun_HistoryRecordsFailure(t *testing.T) {
	store := NewExecutionHistoryStore(0)
	cg, err := NewGraph[noCtx]("failing").
		AddStepFunc("a", func(context.Context, *Request[noCtx]) error {
			return errors.New("nope")
		}).
		AddEdgeTo(Start, "a").
		AddEdgeTo("a", End).
		Compile(WithHistory(store))
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), noCtx{}, nil)
	require.Error(t, err)

	failed := store.ListByStatus(ExecutionStatusFailed)
	require.Len(t, failed, 1)
	execs := failed[0].ExecutionsOf("a")
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, "nope")
}
