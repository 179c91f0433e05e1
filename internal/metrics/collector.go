// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 workflow.Observer
type Collector struct {
	// 运行指标
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsInFlight *prometheus.GaugeVec

	// 步骤指标
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	stepsInFlight       *prometheus.GaugeVec

	// 路由指标
	routesTotal *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

var _ workflow.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 运行指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of graph runs",
		},
		[]string{"graph", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Graph run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"graph"},
	)

	c.runsInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Number of graph runs currently executing",
		},
		[]string{"graph"},
	)

	// 步骤指标
	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions",
		},
		[]string{"graph", "step", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds, edge resolution included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"graph", "step"},
	)

	c.stepsInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Number of steps currently executing",
		},
		[]string{"graph"},
	)

	// 路由指标
	c.routesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of scheduled transitions between steps",
		},
		[]string{"graph", "from", "to"},
	)

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 运行指标记录
// =============================================================================

// RunStarted 记录运行开始
func (c *Collector) RunStarted(graph, _ string) {
	c.runsInFlight.WithLabelValues(graph).Inc()
}

// RunFinished 记录运行结束
func (c *Collector) RunFinished(graph, runID string, elapsed time.Duration, err error) {
	c.runsInFlight.WithLabelValues(graph).Dec()
	c.runsTotal.WithLabelValues(graph, status(err)).Inc()
	c.runDuration.WithLabelValues(graph).Observe(elapsed.Seconds())
	if err != nil {
		c.logger.Debug("run failed", zap.String("graph", graph), zap.String("run_id", runID), zap.Error(err))
	}
}

// =============================================================================
// 🧩 步骤指标记录
// =============================================================================

// StepStarted 记录步骤开始
func (c *Collector) StepStarted(graph string, _ workflow.StepKey) {
	c.stepsInFlight.WithLabelValues(graph).Inc()
}

// StepFinished 记录步骤结束
func (c *Collector) StepFinished(graph string, step workflow.StepKey, elapsed time.Duration, err error) {
	c.stepsInFlight.WithLabelValues(graph).Dec()
	c.stepExecutionsTotal.WithLabelValues(graph, string(step), status(err)).Inc()
	c.stepDuration.WithLabelValues(graph, string(step)).Observe(elapsed.Seconds())
}

// RouteResolved 记录步骤之间的转移
func (c *Collector) RouteResolved(graph string, from workflow.StepKey, next workflow.KeySet) {
	for _, to := range next.Sorted() {
		c.routesTotal.WithLabelValues(graph, string(from), string(to)).Inc()
	}
}

// =============================================================================
// 🌐 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录一次 HTTP 请求，path 应为归一化后的路由
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
