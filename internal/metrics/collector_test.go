package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector.runsTotal)
	assert.NotNil(t, collector.runDuration)
	assert.NotNil(t, collector.stepExecutionsTotal)
	assert.NotNil(t, collector.stepDuration)
	assert.NotNil(t, collector.stepsInFlight)
	assert.NotNil(t, collector.routesTotal)
}

func TestCollector_SameNamespaceSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("dup", prometheus.NewRegistry(), nil)
		NewCollector("dup", prometheus.NewRegistry(), nil)
	})
}

func TestCollector_RecordRun(t *testing.T) {
	collector := newTestCollector(t)

	collector.RunStarted("g", "run-1")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsInFlight.WithLabelValues("g")))

	collector.RunFinished("g", "run-1", 150*time.Millisecond, nil)
	collector.RunStarted("g", "run-2")
	collector.RunFinished("g", "run-2", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(0), testutil.ToFloat64(collector.runsInFlight.WithLabelValues("g")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("g", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("g", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.runDuration))
}

func TestCollector_RecordSteps(t *testing.T) {
	collector := newTestCollector(t)

	collector.StepStarted("g", "a")
	collector.StepFinished("g", "a", 5*time.Millisecond, nil)
	collector.StepStarted("g", "b")
	collector.StepFinished("g", "b", 5*time.Millisecond, errors.New("nope"))
	collector.RouteResolved("g", "a", workflow.NewKeySet("b", workflow.End))

	assert.Equal(t, float64(0), testutil.ToFloat64(collector.stepsInFlight.WithLabelValues("g")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("g", "a", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("g", "b", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.stepDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.routesTotal))
}

func TestCollector_AsObserver(t *testing.T) {
	collector := newTestCollector(t)

	cg, err := workflow.NewGraph[struct{}]("observed").
		AddStepFunc("inc", func(ctx context.Context, req *workflow.Request[struct{}]) error {
			return req.Apply(workflow.Increment("n"))
		}).
		AddEdge("inc", workflow.When(func(ctx context.Context, req *workflow.Request[struct{}]) (bool, error) {
			n, err := workflow.ViewOf(req, workflow.FieldView[int]("n"))
			return n < 2, err
		}, "inc", workflow.End)).
		AddEdgeTo(workflow.Start, "inc").
		Compile(workflow.WithObserver(collector))
	require.NoError(t, err)

	_, err = cg.Run(context.Background(), struct{}{}, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("observed", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.stepExecutionsTotal.WithLabelValues("observed", "inc", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.routesTotal.WithLabelValues("observed", "inc", "inc")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.routesTotal.WithLabelValues("observed", "inc", workflow.End.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.routesTotal.WithLabelValues("observed", workflow.Start.String(), "inc")))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHTTPRequest("POST", "/api/v1/research", 200, 20*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/api/v1/research", 200, 30*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/api/v1/runs/{id}", 404, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/research", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{id}", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestDuration))
}
