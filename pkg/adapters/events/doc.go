// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams; the run queue is shared through a consumer group,
//     control and progress topics fan out to every subscriber
//   - memory: in-process, for tests and the one-shot CLI
package events
