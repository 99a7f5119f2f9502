// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws and receive every lifecycle and
// object event of that run as JSON text frames. The connection closes once
// the run finishes.
package websocket
