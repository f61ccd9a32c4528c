package transport

import "sync"

// DefaultEventBuffer is the event channel capacity used by [NewEmitter] when
// size is zero.
const DefaultEventBuffer = 64

// Emitter owns a session's event channel and guarantees the closing
// protocol: any number of producers may Emit concurrently, and the first
// Finish delivers exactly one [Closed] event and closes the channel.
//
// Emit calls still blocked when Finish starts are abandoned; events already
// buffered are delivered ahead of Closed.
type Emitter struct {
	ch   chan Event
	quit chan struct{}

	// mu is held shared by in-flight Emit calls and exclusively by Finish
	// while it marks the emitter finished.
	mu       sync.RWMutex
	finished bool
	once     sync.Once
}

// NewEmitter returns an Emitter with the given channel buffer.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &Emitter{
		ch:   make(chan Event, size),
		quit: make(chan struct{}),
	}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev, blocking while the buffer is full. It reports false if
// the emitter finished before ev could be delivered.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.finished {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.quit:
		return false
	}
}

// Finish delivers Closed{Err: err} and closes the channel. Only the first
// call has any effect. It blocks until the consumer has room for the Closed
// event.
func (e *Emitter) Finish(err error) {
	e.once.Do(func() {
		close(e.quit)
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()

		e.ch <- Closed{Err: err}
		close(e.ch)
	})
}

// Done returns a channel closed once Finish has started.
func (e *Emitter) Done() <-chan struct{} { return e.quit }
