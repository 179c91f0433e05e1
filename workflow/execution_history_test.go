package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionHistory_Records(t *testing.T) {
	h := NewExecutionHistory("run-1", "g")
	assert.Equal(t, ExecutionStatusRunning, h.GetStatus())

	first := h.RecordStepStart("a")
	h.RecordStepEnd(first, NewKeySet("b", "c"), nil)
	second := h.RecordStepStart("a")
	h.RecordStepEnd(second, nil, errors.New("broken"))
	h.Complete(errors.New("broken"))

	steps := h.GetSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, []StepKey{"b", "c"}, steps[0].Next)
	assert.Equal(t, ExecutionStatusCompleted, steps[0].Status)
	assert.Equal(t, ExecutionStatusFailed, steps[1].Status)
	assert.Equal(t, "broken", steps[1].Error)

	assert.Len(t, h.ExecutionsOf("a"), 2)
	assert.Empty(t, h.ExecutionsOf("z"))
	assert.Equal(t, ExecutionStatusFailed, h.GetStatus())
	assert.Equal(t, "broken", h.Error)
}

func TestExecutionHistoryStore(t *testing.T) {
	store := NewExecutionHistoryStore(3)
	for i := 0; i < 5; i++ {
		graph := "even"
		if i%2 == 1 {
			graph = "odd"
		}
		h := NewExecutionHistory(fmt.Sprintf("run-%d", i), graph)
		if i == 4 {
			h.Complete(nil)
		}
		store.Save(h)
	}

	assert.Equal(t, 3, store.Len())
	_, ok := store.Get("run-0")
	assert.False(t, ok, "oldest runs are evicted")
	_, ok = store.Get("run-4")
	assert.True(t, ok)

	odd := store.ListByGraph("odd")
	require.Len(t, odd, 1)
	assert.Equal(t, "run-3", odd[0].RunID)

	even := store.ListByGraph("even")
	require.Len(t, even, 2)
	assert.Equal(t, "run-2", even[0].RunID)
	assert.Equal(t, "run-4", even[1].RunID)

	assert.Len(t, store.ListByStatus(ExecutionStatusCompleted), 1)
	assert.Len(t, store.ListByStatus(ExecutionStatusRunning), 2)
	assert.Len(t, store.ListByTimeRange(time.Now().Add(-time.Minute), time.Now().Add(time.Minute)), 3)
	assert.Empty(t, store.ListByTimeRange(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)))
}

func TestExecutionHistory_MarshalJSON(t *testing.T) {
	h := NewExecutionHistory("run-1", "g")
	rec := h.RecordStepStart("a")
	h.RecordStepEnd(rec, NewKeySet(End), nil)
	h.Complete(nil)

	data, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded struct {
		RunID  string          `json:"run_id"`
		Status ExecutionStatus `json:"status"`
		Steps  []StepExecution `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, ExecutionStatusCompleted, decoded.Status)
	require.Len(t, decoded.Steps, 1)
	assert.Equal(t, []StepKey{End}, decoded.Steps[0].Next)
}
