// Package workers implements the worker pool that executes submitted runs.
//
// The worker pool manages a fixed number of goroutines that:
//   - Take run ids from the run queue on the event bus
//   - Hydrate and execute each graph with the engine
//   - Stream object progress and store the final run state
//   - Publish completion, failure and cancellation events
//
// The health monitor tracks worker status and records metrics.
package workers
