// Package orchestrator implements the service-side lifecycle of graph runs.
//
// The orchestrator manager coordinates runs by:
//   - Validating graph documents before they are queued
//   - Managing the run lifecycle (submit, status, cancel, timeout watchdog)
//   - Publishing run events to the event bus
//   - Tracking run state via state storage
//
// Execution itself happens in the worker pool.
package orchestrator
