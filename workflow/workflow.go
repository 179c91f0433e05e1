package workflow

import (
	"context"
	"fmt"
)

// Step is a unit of work registered under a StepKey. It reads and mutates the
// shared state through the request; its successors are decided by the edges
// registered for its key.
type Step[C any] interface {
	Execute(ctx context.Context, req *Request[C]) error
}

// StepFunc adapts a function to Step.
type StepFunc[C any] func(ctx context.Context, req *Request[C]) error

func (f StepFunc[C]) Execute(ctx context.Context, req *Request[C]) error {
	return f(ctx, req)
}

// SequenceStep runs several steps one after another against the same request.
type SequenceStep[C any] struct {
	steps []Step[C]
}

// Sequential creates a step that runs steps in order and stops at the first error.
func Sequential[C any](steps ...Step[C]) *SequenceStep[C] {
	return &SequenceStep[C]{steps: steps}
}

// Then appends a step.
func (s *SequenceStep[C]) Then(step Step[C]) *SequenceStep[C] {
	s.steps = append(s.steps, step)
	return s
}

// ThenSequence appends all steps of another sequence.
func (s *SequenceStep[C]) ThenSequence(other *SequenceStep[C]) *SequenceStep[C] {
	s.steps = append(s.steps, other.steps...)
	return s
}

// Len returns the number of steps.
func (s *SequenceStep[C]) Len() int {
	return len(s.steps)
}

func (s *SequenceStep[C]) Execute(ctx context.Context, req *Request[C]) error {
	for i, step := range s.steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := step.Execute(ctx, req); err != nil {
			return fmt.Errorf("sequence element %d: %w", i+1, err)
		}
	}
	return nil
}

// =============================================================================
// Workflow Streaming
// =============================================================================

// WorkflowStreamEventType defines the type of workflow stream event.
type WorkflowStreamEventType string

const (
	// WorkflowEventStepStart is emitted before a step begins execution.
	WorkflowEventStepStart WorkflowStreamEventType = "step_start"
	// WorkflowEventStepComplete is emitted after a step and its edges finished successfully.
	WorkflowEventStepComplete WorkflowStreamEventType = "step_complete"
	// WorkflowEventStepError is emitted when a step or one of its edges fails.
	WorkflowEventStepError WorkflowStreamEventType = "step_error"
	// WorkflowEventRouteResolved is emitted with the successor set of a completed step.
	WorkflowEventRouteResolved WorkflowStreamEventType = "route_resolved"
	// WorkflowEventRunComplete is emitted once the run quiesced or aborted.
	WorkflowEventRunComplete WorkflowStreamEventType = "run_complete"
)

// WorkflowStreamEvent carries information about a workflow execution event.
type WorkflowStreamEvent struct {
	Type  WorkflowStreamEventType `json:"type"`
	RunID string                  `json:"run_id"`
	Step  StepKey                 `json:"step,omitempty"`
	Next  []StepKey               `json:"next,omitempty"`
	Data  any                     `json:"data,omitempty"`
	Error error                   `json:"-"`
}

// WorkflowStreamEmitter is a callback that receives workflow stream events.
// It is called from task goroutines and must be safe for concurrent use.
type WorkflowStreamEmitter func(WorkflowStreamEvent)

// workflowStreamEmitterKey is the context key for WorkflowStreamEmitter.
type workflowStreamEmitterKey struct{}

// WithWorkflowStreamEmitter stores a WorkflowStreamEmitter in the context.
func WithWorkflowStreamEmitter(ctx context.Context, emitter WorkflowStreamEmitter) context.Context {
	if emitter == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, workflowStreamEmitterKey{}, emitter)
}

// workflowStreamEmitterFromContext retrieves the WorkflowStreamEmitter from context.
func workflowStreamEmitterFromContext(ctx context.Context) (WorkflowStreamEmitter, bool) {
	if ctx == nil {
		return nil, false
	}
	v := ctx.Value(workflowStreamEmitterKey{})
	if v == nil {
		return nil, false
	}
	emit, ok := v.(WorkflowStreamEmitter)
	return emit, ok && emit != nil
}
