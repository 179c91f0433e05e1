package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	tests := []struct {
		name string
		with func(context.Context, string) context.Context
		get  func(context.Context) (string, bool)
	}{
		{"run id", WithRunID, RunID},
		{"graph name", WithGraphName, GraphName},
		{"step", WithStep, Step},
		{"request id", WithRequestID, RequestID},
		{"subject", WithSubject, Subject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			_, ok := tt.get(ctx)
			assert.False(t, ok)

			_, ok = tt.get(tt.with(ctx, ""))
			assert.False(t, ok)

			v, ok := tt.get(tt.with(ctx, "value"))
			assert.True(t, ok)
			assert.Equal(t, "value", v)
		})
	}
}

func TestContextKeys_Distinct(t *testing.T) {
	ctx := WithRunID(context.Background(), "run")
	ctx = WithStep(ctx, "step")
	_, ok := RequestID(ctx)
	assert.False(t, ok)
	v, _ := RunID(ctx)
	assert.Equal(t, "run", v)
}
