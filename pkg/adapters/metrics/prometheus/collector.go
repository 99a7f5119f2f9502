package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted   *prometheus.CounterVec
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	objectsFinished *prometheus.CounterVec

	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmCost    *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector creates a Prometheus metrics collector registered on reg. A
// nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_runs_submitted_total",
				Help: "Total number of runs submitted",
			},
			[]string{"status"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_runs_completed_total",
				Help: "Total number of runs that stopped, by stop reason",
			},
			[]string{"reason"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cannoli_run_duration_seconds",
				Help:    "Run execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"reason"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cannoli_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		objectsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_objects_finished_total",
				Help: "Graph objects that reached a final status",
			},
			[]string{"kind", "type", "status"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cannoli_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD",
			},
			[]string{"model"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cannoli_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"model"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cannoli_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cannoli_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cannoli_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordRunSubmitted records a run submission
func (c *Collector) RecordRunSubmitted(status string) {
	c.runsSubmitted.WithLabelValues(status).Inc()
}

// RecordRunCompleted records a finished run and its duration
func (c *Collector) RecordRunCompleted(reason string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(reason).Inc()
	c.runDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordObjectFinished counts an object reaching a final status
func (c *Collector) RecordObjectFinished(kind, objectType, status string) {
	c.objectsFinished.WithLabelValues(kind, objectType, status).Inc()
}

// RecordLLMCall records one completed LLM call
func (c *Collector) RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int, cost float64) {
	c.llmCalls.WithLabelValues(model).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	if cost > 0 {
		c.llmCost.WithLabelValues(model).Add(cost)
	}
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetActiveRuns sets the number of currently executing runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}
