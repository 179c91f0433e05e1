package workflow

import "time"

// Observer receives lifecycle callbacks from running graphs. Callbacks arrive
// from task goroutines concurrently and must not block.
type Observer interface {
	RunStarted(graph, runID string)
	StepStarted(graph string, step StepKey)
	// StepFinished reports the step together with its edge resolution.
	StepFinished(graph string, step StepKey, elapsed time.Duration, err error)
	RouteResolved(graph string, from StepKey, next KeySet)
	RunFinished(graph, runID string, elapsed time.Duration, err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(string, string) {}
func (NopObserver) StepStarted(string, StepKey) {}
func (NopObserver) StepFinished(string, StepKey, time.Duration, error) {}
func (NopObserver) RouteResolved(string, StepKey, KeySet) {}
func (NopObserver) RunFinished(string, string, time.Duration, error) {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) RunStarted(graph, runID string) {
	for _, o := range m {
		o.RunStarted(graph, runID)
	}
}

func (m MultiObserver) StepStarted(graph string, step StepKey) {
	for _, o := range m {
		o.StepStarted(graph, step)
	}
}

func (m MultiObserver) StepFinished(graph string, step StepKey, elapsed time.Duration, err error) {
	for _, o := range m {
		o.StepFinished(graph, step, elapsed, err)
	}
}

func (m MultiObserver) RouteResolved(graph string, from StepKey, next KeySet) {
	for _, o := range m {
		o.RouteResolved(graph, from, next)
	}
}

func (m MultiObserver) RunFinished(graph, runID string, elapsed time.Duration, err error) {
	for _, o := range m {
		o.RunFinished(graph, runID, elapsed, err)
	}
}
