// Package progress delivers engine display updates to observers.
//
// A Queue serializes updates onto one goroutine so a slow sink never runs on
// the engine's loop. BusSink turns updates into events on the event bus.
package progress

import (
	"sync"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
)

// Queue forwards updates to a sink in order on a single goroutine.
type Queue struct {
	sink    ports.ProgressSink
	updates chan func()
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts a queue in front of sink with room for size pending updates.
func NewQueue(sink ports.ProgressSink, size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	q := &Queue{
		sink:    sink,
		updates: make(chan func(), size),
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *Queue) drain() {
	defer close(q.done)
	for fn := range q.updates {
		fn()
	}
}

func (q *Queue) enqueue(fn func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.updates <- fn
}

func (q *Queue) SetStatus(id string, status domain.Status) {
	q.enqueue(func() { q.sink.SetStatus(id, status) })
}

func (q *Queue) SetText(id, text string) {
	q.enqueue(func() { q.sink.SetText(id, text) })
}

func (q *Queue) Annotate(id string, severity domain.Status, message string) {
	q.enqueue(func() { q.sink.Annotate(id, severity, message) })
}

// Close delivers every pending update and stops the queue. Updates sent after
// Close are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.updates)
	}
	q.mu.Unlock()
	<-q.done
}
