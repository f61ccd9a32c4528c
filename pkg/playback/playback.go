// Package playback turns decoded model audio, which arrives in bursts, into a
// gapless sequence of non-overlapping slots on the output device's clock.
//
// The [Scheduler] keeps a single cursor: the time at which the previously
// enqueued buffer ends. Each new buffer starts at the later of that cursor and
// the output clock's current time, so bursts queue back to back and a cursor
// left behind by a long pause re-anchors to "now" instead of compressing the
// resumed playback. Ordering is arrival order and nothing else.
//
// An [Output] executes the schedule. [Timeline] is the sample-accurate
// implementation used with a pull-based audio device; playback/speaker wires
// it to the system's default output through miniaudio.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
)

// Clock is the monotonic time reference of the audio output device. It is
// distinct from wall-clock and network time.
type Clock interface {
	Now() time.Duration
}

// Output plays scheduled slots.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Clock

	// Schedule arranges for slot.Buffer to begin playing at slot.Start.
	Schedule(slot Slot)

	// Cancel discards every slot that has not finished playing and silences
	// the output.
	Cancel()
}

// Slot is a playback buffer paired with its computed start time.
type Slot struct {
	// Seq is the 1-based arrival index of the buffer within its scheduler.
	Seq uint64

	Buffer audio.PlaybackBuffer

	// Start is the slot's position on the output clock.
	Start time.Duration
}

// Duration returns the playback length of the slot's buffer.
func (s Slot) Duration() time.Duration { return s.Buffer.Duration() }

// End returns the output clock time at which the slot finishes.
func (s Slot) End() time.Duration { return s.Start + s.Duration() }

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduling diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler assigns start times to buffers in arrival order. It is safe for
// concurrent use, although a session feeds it from a single goroutine.
type Scheduler struct {
	out Output
	log *slog.Logger

	mu      sync.Mutex
	next    time.Duration
	started bool
	seq     uint64
	closed  bool
}

// NewScheduler returns a Scheduler that places buffers on out.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out: out,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf directly after the previously enqueued buffer, or at
// the output clock's current time if that is later. It reports false, and
// schedules nothing, after Close or for an empty buffer.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || buf.Frames() == 0 {
		return Slot{}, false
	}

	now := s.out.Now()
	startAt := now
	if s.started && s.next > now {
		startAt = s.next
	}
	if s.started && s.next < now {
		s.log.Debug("playback: cursor re-anchored", "gap", now-s.next)
	}

	s.seq++
	slot := Slot{Seq: s.seq, Buffer: buf, Start: startAt}
	s.out.Schedule(slot)

	s.next = slot.End()
	s.started = true
	return slot, true
}

// Next returns the end of the most recently scheduled slot. It is zero until
// the first buffer has been enqueued.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Lag returns how far the cursor is ahead of the output clock, i.e. how much
// scheduled audio is still waiting to be heard.
func (s *Scheduler) Lag() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return 0
	}
	if lag := s.next - s.out.Now(); lag > 0 {
		return lag
	}
	return 0
}

// Close cancels every scheduled-but-unplayed slot on the output. Later
// Enqueue calls are dropped. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.out.Cancel()
}
