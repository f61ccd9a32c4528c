// Package mock provides a test double for playback.Output with a manually
// driven clock.
//
// Example:
//
//	out := &mock.Output{}
//	sched := playback.NewScheduler(out)
//	sched.Enqueue(buf)
//	out.Advance(2 * time.Second)
//	sched.Enqueue(buf)
//	slots := out.Slots()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/milla/pkg/playback"
)

// Ensure Output implements playback.Output at compile time.
var _ playback.Output = (*Output)(nil)

// Output records every Schedule and Cancel call. Its clock only moves when
// the test calls Set or Advance.
type Output struct {
	mu       sync.Mutex
	now      time.Duration
	slots    []playback.Slot
	cancels  int
	notify   chan playback.Slot
	notifyMu sync.Mutex
}

// Now returns the current mock time.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Set moves the clock to t.
func (o *Output) Set(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule records slot.
func (o *Output) Schedule(slot playback.Slot) {
	o.mu.Lock()
	o.slots = append(o.slots, slot)
	o.mu.Unlock()

	o.notifyMu.Lock()
	ch := o.notify
	o.notifyMu.Unlock()
	if ch != nil {
		ch <- slot
	}
}

// Cancel records the call.
func (o *Output) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
}

// Scheduled returns a channel that receives every slot scheduled after the
// call. The channel is buffered with capacity n; Schedule blocks once it is
// full.
func (o *Output) Scheduled(n int) <-chan playback.Slot {
	ch := make(chan playback.Slot, n)
	o.notifyMu.Lock()
	o.notify = ch
	o.notifyMu.Unlock()
	return ch
}

// Slots returns a copy of every scheduled slot in call order.
func (o *Output) Slots() []playback.Slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]playback.Slot(nil), o.slots...)
}

// CancelCount returns how many times Cancel was called.
func (o *Output) CancelCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancels
}
