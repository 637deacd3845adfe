package buffer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// ChunkQueue is a bounded FIFO of byte chunks that never blocks the producer.
// When the queue is full, Push evicts the oldest chunk to admit the newest,
// favouring freshness over completeness as live video requires. A single
// consumer drains it with Next.
type ChunkQueue struct {
	mu      sync.Mutex
	items   [][]byte      // ring storage
	head    int           // index of the oldest chunk
	count   int           // chunks currently queued
	closed  bool          // no further pushes accepted
	notify  chan struct{} // wakes a waiting consumer
	dropped atomic.Int64  // chunks evicted by the drop-oldest policy
	pushed  atomic.Int64  // chunks accepted
}

// NewChunkQueue creates a queue holding at most capacity chunks.
func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkQueue{
		items:  make([][]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a chunk, evicting the oldest one if the queue is full. It
// reports whether an eviction happened. Pushes after Close are ignored.
func (q *ChunkQueue) Push(chunk []byte) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	capacity := len(q.items)
	if q.count == capacity {
		q.items[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.count--
		evicted = true
		q.dropped.Add(1)
	}
	q.items[(q.head+q.count)%capacity] = chunk
	q.count++
	q.pushed.Add(1)
	q.wakeLocked()
	q.mu.Unlock()
	return evicted
}

// wakeLocked signals a waiting consumer. notify is never closed, so a wake
// racing Close cannot panic.
func (q *ChunkQueue) wakeLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest chunk without waiting.
func (q *ChunkQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *ChunkQueue) popLocked() ([]byte, bool) {
	if q.count == 0 {
		return nil, false
	}
	chunk := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return chunk, true
}

// Next blocks until a chunk is available. It returns io.EOF once the queue is
// closed and drained, or the context error if ctx ends first.
func (q *ChunkQueue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if chunk, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return chunk, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting chunks. Queued chunks remain readable.
func (q *ChunkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Len returns the number of queued chunks.
func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *ChunkQueue) Cap() int { return len(q.items) }

// Dropped returns how many chunks were evicted.
func (q *ChunkQueue) Dropped() int64 { return q.dropped.Load() }

// Pushed returns how many chunks were accepted.
func (q *ChunkQueue) Pushed() int64 { return q.pushed.Load() }
