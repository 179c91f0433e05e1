package workflow

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// ExecutionStatus is the status of a run or of a single step execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// StepExecution records one execution of a step. A step inside a loop gets
// one record per iteration.
type StepExecution struct {
	Step      StepKey         `json:"step"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Next      []StepKey       `json:"next,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ExecutionHistory records the execution path of one run.
type ExecutionHistory struct {
	RunID     string           `json:"run_id"`
	Graph     string           `json:"graph"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Status    ExecutionStatus  `json:"status"`
	Steps     []*StepExecution `json:"steps"`
	Error     string           `json:"error,omitempty"`
	mu        sync.RWMutex
}

// NewExecutionHistory creates a running history.
func NewExecutionHistory(runID, graph string) *ExecutionHistory {
	return &ExecutionHistory{
		RunID:     runID,
		Graph:     graph,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
		Steps:     make([]*StepExecution, 0),
	}
}

// RecordStepStart appends a running record for step.
func (h *ExecutionHistory) RecordStepStart(step StepKey) *StepExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &StepExecution{
		Step:      step,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.Steps = append(h.Steps, rec)
	return rec
}

// RecordStepEnd closes rec with the resolved successors or the failure.
func (h *ExecutionHistory) RecordStepEnd(rec *StepExecution, next KeySet, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	if err != nil {
		rec.Status = ExecutionStatusFailed
		rec.Error = err.Error()
		return
	}
	rec.Status = ExecutionStatusCompleted
	rec.Next = next.Sorted()
}

// Complete marks the run as finished.
func (h *ExecutionHistory) Complete(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)

	if err != nil {
		h.Status = ExecutionStatusFailed
		h.Error = err.Error()
	} else {
		h.Status = ExecutionStatusCompleted
	}
}

// GetStatus returns the current run status.
func (h *ExecutionHistory) GetStatus() ExecutionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Status
}

// GetSteps returns a copy of the step records in start order.
func (h *ExecutionHistory) GetSteps() []StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	steps := make([]StepExecution, len(h.Steps))
	for i, rec := range h.Steps {
		steps[i] = *rec
	}
	return steps
}

// ExecutionsOf returns every record of step in start order.
func (h *ExecutionHistory) ExecutionsOf(step StepKey) []StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []StepExecution
	for _, rec := range h.Steps {
		if rec.Step == step {
			result = append(result, *rec)
		}
	}
	return result
}

// MarshalJSON encodes a consistent view of h, which may still be running.
func (h *ExecutionHistory) MarshalJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	steps := make([]StepExecution, len(h.Steps))
	for i, rec := range h.Steps {
		steps[i] = *rec
	}
	return json.Marshal(struct {
		RunID     string          `json:"run_id"`
		Graph     string          `json:"graph"`
		StartTime time.Time       `json:"start_time"`
		EndTime   time.Time       `json:"end_time"`
		Duration  time.Duration   `json:"duration"`
		Status    ExecutionStatus `json:"status"`
		Steps     []StepExecution `json:"steps"`
		Error     string          `json:"error,omitempty"`
	}{h.RunID, h.Graph, h.StartTime, h.EndTime, h.Duration, h.Status, steps, h.Error})
}

// ExecutionHistoryStore stores and queries run histories. A positive limit
// evicts the oldest runs once exceeded.
type ExecutionHistoryStore struct {
	histories map[string]*ExecutionHistory
	order     []string
	limit     int
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a store keeping at most limit runs; zero
// means unbounded.
func NewExecutionHistoryStore(limit int) *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		histories: make(map[string]*ExecutionHistory),
		limit:     limit,
	}
}

// Save stores a history.
func (s *ExecutionHistoryStore) Save(history *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.histories[history.RunID]; !exists {
		s.order = append(s.order, history.RunID)
	}
	s.histories[history.RunID] = history

	for s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.histories, oldest)
	}
}

// Get retrieves a history by run id.
func (s *ExecutionHistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// Len returns the number of stored runs.
func (s *ExecutionHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// ListByGraph returns the runs of a graph, oldest first.
func (s *ExecutionHistoryStore) ListByGraph(graph string) []*ExecutionHistory {
	return s.filter(func(h *ExecutionHistory) bool { return h.Graph == graph })
}

// ListByTimeRange returns runs started within [start, end].
func (s *ExecutionHistoryStore) ListByTimeRange(start, end time.Time) []*ExecutionHistory {
	return s.filter(func(h *ExecutionHistory) bool {
		return !h.StartTime.Before(start) && !h.StartTime.After(end)
	})
}

// ListByStatus returns runs with a specific status.
func (s *ExecutionHistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	return s.filter(func(h *ExecutionHistory) bool { return h.GetStatus() == status })
}

func (s *ExecutionHistoryStore) filter(keep func(*ExecutionHistory) bool) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, id := range s.order {
		if h := s.histories[id]; keep(h) {
			result = append(result, h)
		}
	}
	return slices.Clip(result)
}
