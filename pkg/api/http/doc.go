// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Run submission and cancellation
//   - Status and result queries
//   - Worker pool health
//   - Prometheus metrics
package http
