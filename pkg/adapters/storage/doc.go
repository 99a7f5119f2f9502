// Package storage provides run-state storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: in-process, for tests and the one-shot CLI
package storage
