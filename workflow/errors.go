package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of graph error.
type ErrorCode string

// Validation error codes. Most of them surface from Compile; UndefinedNode and
// UndefinedRoute may also surface at run time for dynamically chosen routes.
const (
	ErrCodeMissingOutEdge ErrorCode = "MISSING_OUT_EDGE"
	ErrCodeEmptyEdge      ErrorCode = "EMPTY_EDGE"
	ErrCodePointToStart   ErrorCode = "POINT_TO_START"
	ErrCodeUnreachableEnd ErrorCode = "UNREACHABLE_END"
	ErrCodeUndefinedNode  ErrorCode = "UNDEFINED_NODE"
	ErrCodeUndefinedRoute ErrorCode = "UNDEFINED_ROUTE"
	ErrCodeReservedKey    ErrorCode = "RESERVED_KEY"
	ErrCodeDuplicateKey   ErrorCode = "DUPLICATE_KEY"
	ErrCodeEdgeFromEnd    ErrorCode = "EDGE_FROM_END"
	ErrCodeUnresolvable   ErrorCode = "UNRESOLVABLE"
)

// State error codes.
const (
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"
	ErrCodeDecode       ErrorCode = "DECODE"
	ErrCodeEncode       ErrorCode = "ENCODE"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
)

// GraphError is a structured validation or routing error.
type GraphError struct {
	Code    ErrorCode `json:"code"`
	Step    StepKey   `json:"step,omitempty"`
	Route   string    `json:"route,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *GraphError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *GraphError) Unwrap() error {
	return e.Cause
}

// Is matches any *GraphError carrying the same code, so the Err* sentinels
// below work with errors.Is.
func (e *GraphError) Is(target error) bool {
	t, ok := target.(*GraphError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrMissingOutEdge = &GraphError{Code: ErrCodeMissingOutEdge, Message: "step has no out edge"}
	ErrEmptyEdge      = &GraphError{Code: ErrCodeEmptyEdge, Message: "edge has no destination"}
	ErrPointToStart   = &GraphError{Code: ErrCodePointToStart, Message: "edge points to start"}
	ErrUnreachableEnd = &GraphError{Code: ErrCodeUnreachableEnd, Message: "end is unreachable from start"}
	ErrUndefinedNode  = &GraphError{Code: ErrCodeUndefinedNode, Message: "undefined step"}
	ErrUndefinedRoute = &GraphError{Code: ErrCodeUndefinedRoute, Message: "undefined route"}
	ErrReservedKey    = &GraphError{Code: ErrCodeReservedKey, Message: "reserved step key"}
	ErrDuplicateKey   = &GraphError{Code: ErrCodeDuplicateKey, Message: "duplicate step key"}
	ErrEdgeFromEnd    = &GraphError{Code: ErrCodeEdgeFromEnd, Message: "end cannot have out edges"}
	ErrUnresolvable   = &GraphError{Code: ErrCodeUnresolvable, Message: "dependency cannot be resolved"}
)

func newGraphError(code ErrorCode, step StepKey, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Step: step, Message: fmt.Sprintf(format, args...)}
}

// Phase tells where in a task a run error happened.
type Phase string

const (
	PhaseExecute  Phase = "execute"
	PhaseRoute    Phase = "route"
	PhaseSchedule Phase = "schedule"
)

// RunError annotates a failure with the step that produced it.
type RunError struct {
	Step  StepKey
	Phase Phase
	Cause error
}

func (e *RunError) Error() string {
	switch e.Phase {
	case PhaseRoute:
		return fmt.Sprintf("resolve next steps for %s: %v", e.Step, e.Cause)
	case PhaseSchedule:
		return fmt.Sprintf("schedule successors of %s: %v", e.Step, e.Cause)
	default:
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Cause)
	}
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// StateError reports a failure reading or mutating the shared state.
type StateError struct {
	Op    string
	Field string
	Code  ErrorCode
	Cause error
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("state %s", e.Op)
	if e.Field != "" {
		msg += fmt.Sprintf(" %q", e.Field)
	}
	msg += fmt.Sprintf(" [%s]", e.Code)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return e.Cause
}

// GetErrorCode extracts the code from a GraphError or StateError anywhere in
// the chain. It returns "" when there is none.
func GetErrorCode(err error) ErrorCode {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var se *StateError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// FailedStep returns the step a run error originated from.
func FailedStep(err error) (StepKey, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Step, true
	}
	return "", false
}
