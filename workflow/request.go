package workflow

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/ctxkeys"
)

// Request is the resolution context handed to every step and routing
// function. It carries the caller's collaborators, the shared state of the
// run and some bookkeeping about the task it belongs to.
type Request[C any] struct {
	// Context is the caller-supplied collaborator bag given to Run.
	Context C
	// State is the shared state of the run.
	State *SharedState
	// Step is the key of the step this request was created for.
	Step StepKey
	// RunID identifies the run.
	RunID string

	logger *zap.Logger
}

// Apply is shorthand for r.State.Apply.
func (r *Request[C]) Apply(m Modification) error {
	return r.State.Apply(m)
}

// Logger returns the run-scoped logger, tagged with the step key.
func (r *Request[C]) Logger() *zap.Logger {
	if r.logger == nil {
		return zap.NewNop()
	}
	return r.logger
}

// ViewOf fetches a typed view of the request's state.
func ViewOf[T any, C any](r *Request[C], v View[T]) (T, error) {
	return FetchView(r.State, v)
}

// Provider is implemented by run contexts that hand out collaborators by type.
type Provider interface {
	Provide(t reflect.Type) (any, bool)
}

// Resolve produces a T from the request: the state handle, the context itself,
// or a collaborator supplied by a context implementing Provider. Anything else
// fails with an UNRESOLVABLE error; no default value is substituted.
func Resolve[T any, C any](r *Request[C]) (T, error) {
	var zero T
	target := reflect.TypeFor[T]()

	if target == reflect.TypeOf(r.State) {
		return any(r.State).(T), nil
	}
	if target == reflect.TypeFor[C]() {
		if v, ok := any(r.Context).(T); ok {
			return v, nil
		}
	}
	if p, ok := any(r.Context).(Provider); ok {
		if v, ok := p.Provide(target); ok {
			if tv, ok := v.(T); ok {
				return tv, nil
			}
		}
	}
	return zero, &GraphError{
		Code:    ErrCodeUnresolvable,
		Step:    r.Step,
		Message: fmt.Sprintf("no %s available to step %s", target, r.Step),
	}
}

// MustResolve is like Resolve but panics when the collaborator is missing.
// Use it only where the graph wiring guarantees presence.
func MustResolve[T any, C any](r *Request[C]) T {
	v, err := Resolve[T](r)
	if err != nil {
		panic(err)
	}
	return v
}

// Resources is a type-keyed Provider usable as a run context.
type Resources struct {
	values map[reflect.Type]any
}

// NewResources registers each value under its dynamic type.
func NewResources(values ...any) *Resources {
	r := &Resources{values: make(map[reflect.Type]any, len(values))}
	for _, v := range values {
		if v == nil {
			continue
		}
		r.values[reflect.TypeOf(v)] = v
	}
	return r
}

// ProvideAs returns a copy of r with v registered under T, which is typically
// an interface type.
func ProvideAs[T any](r *Resources, v T) *Resources {
	next := &Resources{values: make(map[reflect.Type]any)}
	if r != nil {
		next.values = maps.Clone(r.values)
	}
	next.values[reflect.TypeFor[T]()] = v
	return next
}

// Provide implements Provider.
func (r *Resources) Provide(t reflect.Type) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[t]
	return v, ok
}

// Resource looks up a collaborator of type T outside of a request.
func Resource[T any](r *Resources) (T, bool) {
	var zero T
	v, ok := r.Provide(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	tv, ok := v.(T)
	return tv, ok
}

// StepFromContext returns the key of the step whose execution ctx belongs to.
func StepFromContext(ctx context.Context) (StepKey, bool) {
	k, ok := ctxkeys.Step(ctx)
	return StepKey(k), ok
}

// RunIDFromContext returns the id of the run ctx belongs to.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return ctxkeys.RunID(ctx)
}
