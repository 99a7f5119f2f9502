package ports

import "time"

// MetricsCollector records service and engine metrics.
type MetricsCollector interface {
	RecordRunSubmitted(status string)
	RecordRunCompleted(reason string, duration time.Duration)
	RecordObjectFinished(kind, objectType, status string)
	RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int, cost float64)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetActiveRuns(count int)
}
