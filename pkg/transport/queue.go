package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/milla/pkg/codec"
)

// DefaultQueueSize is the outbound queue capacity used when [Config.QueueSize]
// is zero. At one audio frame per 256 ms it holds about 16 seconds of audio.
const DefaultQueueSize = 64

// OutboundQueue is a bounded FIFO of outbound chunks with drop-oldest
// overflow. Push never blocks; a single writer goroutine drains it with Pop.
type OutboundQueue struct {
	mu     sync.Mutex
	items  []codec.EncodedChunk
	size   int
	closed bool
	notify chan struct{}
	onDrop func(codec.EncodedChunk)

	dropped atomic.Uint64
}

// NewOutboundQueue returns a queue holding at most size chunks. onDrop may be
// nil.
func NewOutboundQueue(size int, onDrop func(codec.EncodedChunk)) *OutboundQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &OutboundQueue{
		items:  make([]codec.EncodedChunk, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends chunk. If the queue is full the oldest chunk is evicted and
// counted. Pushes after Close are discarded and report false.
func (q *OutboundQueue) Push(chunk codec.EncodedChunk) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var evicted *codec.EncodedChunk
	if len(q.items) == q.size {
		old := q.items[0]
		evicted = &old
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, chunk)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	if evicted != nil {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(*evicted)
		}
	}
	return true
}

// Pop blocks until a chunk is available, the queue is closed, or ctx is done.
// The boolean is false when no chunk was returned.
func (q *OutboundQueue) Pop(ctx context.Context) (codec.EncodedChunk, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return codec.EncodedChunk{}, false
		}
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = codec.EncodedChunk{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return codec.EncodedChunk{}, false
		}
	}
}

// Close discards every queued chunk and makes further Push and Pop calls
// return immediately. Idempotent.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.notify)
}

// Len returns the number of queued chunks.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of chunks evicted because the queue was full.
func (q *OutboundQueue) Dropped() uint64 { return q.dropped.Load() }
