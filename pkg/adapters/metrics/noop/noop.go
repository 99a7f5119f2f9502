// Package noop provides a MetricsCollector that records nothing.
package noop

import "time"

// Collector discards every measurement.
type Collector struct{}

func (Collector) RecordRunSubmitted(status string) {}

func (Collector) RecordRunCompleted(reason string, duration time.Duration) {}

func (Collector) RecordObjectFinished(kind, objectType, status string) {}

func (Collector) RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int, cost float64) {
}

func (Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {}

func (Collector) SetActiveRuns(count int) {}
