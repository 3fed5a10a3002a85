// Package queue carries cycle messages from the ingestor to one twin worker.
//
// Each twin owns one queue. Messages are consumed strictly in enqueue order,
// so a frame is always processed before the events derived from it.
package queue

import (
	"context"
	"sync"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

const defaultCapacity = 1024

// Message is the payload flowing through the queue.
type Message = model.Message

// Queue provides ordered, bounded delivery of cycle messages.
type Queue interface {
	// Enqueue blocks until m is queued, the queue is closed or ctx is done.
	Enqueue(ctx context.Context, m Message) error

	// TryEnqueue queues m only if there is room.
	TryEnqueue(m Message) error

	// Dequeue returns the receive side. It is closed once the queue is
	// closed and drained.
	Dequeue() <-chan Message

	// Len returns the number of queued messages.
	Len() int

	// Close stops accepting messages. Queued messages stay readable.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue over a buffered channel.
type InMemoryQueue struct {
	name     string
	messages chan Message
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		name:     "queue",
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.messages = make(chan Message, q.capacity)
	metrics.UpdateQueueDepth(q.name, 0)
	return q
}

// Name returns the queue name used in metrics.
func (q *InMemoryQueue) Name() string { return q.name }

// Enqueue adds m, waiting for room.
func (q *InMemoryQueue) Enqueue(ctx context.Context, m Message) error { //nolint:gocritic // hugeParam: Message is passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueDropped(q.name, "closed")
		return ErrClosed
	}

	select {
	case q.messages <- m:
		metrics.UpdateQueueDepth(q.name, len(q.messages))
		return nil
	case <-ctx.Done():
		metrics.RecordQueueDropped(q.name, "context_canceled")
		return ctx.Err()
	}
}

// TryEnqueue adds m without waiting.
func (q *InMemoryQueue) TryEnqueue(m Message) error { //nolint:gocritic // hugeParam: Message is passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueDropped(q.name, "closed")
		return ErrClosed
	}

	select {
	case q.messages <- m:
		metrics.UpdateQueueDepth(q.name, len(q.messages))
		return nil
	default:
		metrics.RecordQueueDropped(q.name, "full")
		return ErrFull
	}
}

// Dequeue returns the receive side of the queue.
func (q *InMemoryQueue) Dequeue() <-chan Message {
	return q.messages
}

// Len returns the current number of queued messages.
func (q *InMemoryQueue) Len() int {
	n := len(q.messages)
	metrics.UpdateQueueDepth(q.name, n)
	return n
}

// Close stops accepting messages. It waits for in-flight Enqueue calls, so a
// blocked producer must be released through its context first.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.messages)
	q.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
