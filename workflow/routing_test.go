package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedEdge(t *testing.T) {
	e := To[noCtx]("b", "a", "a")
	set, err := e.Resolve(context.Background(), &Request[noCtx]{})
	require.NoError(t, err)
	assert.Equal(t, []StepKey{"a", "b"}, set.Sorted())

	// callers cannot mutate the edge through the returned set
	set.Add("c")
	assert.Equal(t, []StepKey{"a", "b"}, e.Destinations().Sorted())
	assert.Equal(t, "to [a, b]", e.Describe())
}

func TestFunctionEdge_FanOut(t *testing.T) {
	e := Route(func(context.Context, *Request[noCtx]) ([]int, error) {
		return []int{1, 3}, nil
	}, map[int]StepKey{1: "one", 2: "two", 3: "three"})

	set, err := e.Resolve(context.Background(), &Request[noCtx]{Step: "src"})
	require.NoError(t, err)
	assert.Equal(t, []StepKey{"one", "three"}, set.Sorted())
	assert.Equal(t, []StepKey{"one", "three", "two"}, e.Destinations().Sorted())
	assert.Equal(t, "function edge {1 => one, 2 => two, 3 => three}", e.Describe())
}

func TestFunctionEdge_UndefinedRoute(t *testing.T) {
	e := Route(func(context.Context, *Request[noCtx]) ([]string, error) {
		return []string{"known", "mystery"}, nil
	}, map[string]StepKey{"known": "a"})

	_, err := e.Resolve(context.Background(), &Request[noCtx]{Step: "src"})
	require.Error(t, err)

	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ErrCodeUndefinedRoute, ge.Code)
	assert.Equal(t, "mystery", ge.Route)
	assert.Equal(t, StepKey("src"), ge.Step)
}

func TestFunctionEdge_TableIsCopied(t *testing.T) {
	table := map[string]StepKey{"x": "a"}
	e := Route(func(context.Context, *Request[noCtx]) ([]string, error) {
		return []string{"x"}, nil
	}, table)
	table["x"] = "b"

	set, err := e.Resolve(context.Background(), &Request[noCtx]{})
	require.NoError(t, err)
	assert.True(t, set.Has("a"))
}

func TestFunctionEdge_PropagatesRoutingError(t *testing.T) {
	boom := errors.New("router down")
	e := RouteOne(func(context.Context, *Request[noCtx]) (string, error) {
		return "", boom
	}, map[string]StepKey{"x": "a"})

	_, err := e.Resolve(context.Background(), &Request[noCtx]{})
	assert.ErrorIs(t, err, boom)
}

func TestWhen(t *testing.T) {
	state, err := NewSharedState(map[string]any{"ok": true})
	require.NoError(t, err)

	e := When(func(ctx context.Context, req *Request[noCtx]) (bool, error) {
		return FetchView(req.State, FieldView[bool]("ok"))
	}, "yes", "no")

	set, err := e.Resolve(context.Background(), &Request[noCtx]{State: state})
	require.NoError(t, err)
	assert.Equal(t, []StepKey{"yes"}, set.Sorted())
	assert.Equal(t, []StepKey{"no", "yes"}, e.Destinations().Sorted())

	require.NoError(t, state.Apply(Set("ok", false)))
	set, err = e.Resolve(context.Background(), &Request[noCtx]{State: state})
	require.NoError(t, err)
	assert.Equal(t, []StepKey{"no"}, set.Sorted())
}
