package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
)

var _ Output = (*Timeline)(nil)

// Timeline is a sample-accurate [Output] driven by a pull-based device. Its
// clock is the number of frames rendered so far, so Now advances only as the
// device consumes audio through [Timeline.Render].
//
// Slots are stored as mono PCM at the timeline's rate and copied to every
// output channel. Buffers at a different rate are resampled on Schedule.
type Timeline struct {
	rate     int
	channels int

	mu    sync.Mutex
	pos   int64 // frames rendered
	slots []queued
}

type queued struct {
	start   int64
	samples []float32
}

func (q queued) end() int64 { return q.start + int64(len(q.samples)) }

// NewTimeline creates a Timeline producing interleaved float32 PCM at
// sampleRate with the given channel count.
func NewTimeline(sampleRate, channels int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return &Timeline{rate: sampleRate, channels: channels}
}

// SampleRate returns the output sample rate.
func (t *Timeline) SampleRate() int { return t.rate }

// Channels returns the number of interleaved output channels.
func (t *Timeline) Channels() int { return t.channels }

// Now returns the playback position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.DurationOf(t.pos, t.rate)
}

// frameAt converts a clock time to the nearest frame index.
func (t *Timeline) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Schedule queues slot for playback. Samples that would fall before the
// current position are skipped.
func (t *Timeline) Schedule(slot Slot) {
	samples := slot.Buffer.Channel(0)
	if slot.Buffer.SampleRate > 0 && slot.Buffer.SampleRate != t.rate {
		samples = audio.ResampleFloat32(samples, slot.Buffer.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q := queued{start: t.frameAt(slot.Start), samples: samples}
	if q.start < t.pos {
		skip := t.pos - q.start
		if skip >= int64(len(q.samples)) {
			return
		}
		q.samples = q.samples[skip:]
		q.start = t.pos
	}

	// Keep slots ordered by start; schedulers append in order, so the
	// insertion point is almost always the tail.
	i := len(t.slots)
	for i > 0 && t.slots[i-1].start > q.start {
		i--
	}
	t.slots = append(t.slots, queued{})
	copy(t.slots[i+1:], t.slots[i:])
	t.slots[i] = q
}

// Render fills dst with the next len(dst)/Channels frames of interleaved
// output and advances the clock by that many frames. Gaps between slots are
// rendered as silence. Slots whose end has been passed are released. It
// returns the number of frames rendered.
func (t *Timeline) Render(dst []float32) int {
	frames := len(dst) / t.channels
	clear(dst)
	if frames == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from, to := t.pos, t.pos+int64(frames)
	for _, q := range t.slots {
		if q.start >= to {
			break
		}
		lo := max(q.start, from)
		hi := min(q.end(), to)
		for f := lo; f < hi; f++ {
			s := q.samples[f-q.start]
			base := int(f-from) * t.channels
			for c := range t.channels {
				dst[base+c] += s
			}
		}
	}
	t.pos = to

	n := 0
	for _, q := range t.slots {
		if q.end() > t.pos {
			t.slots[n] = q
			n++
		}
	}
	clear(t.slots[n:])
	t.slots = t.slots[:n]
	return frames
}

// Pending returns the number of slots that have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Cancel drops every pending slot. Subsequent renders are silent until new
// slots are scheduled.
func (t *Timeline) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.slots)
	t.slots = t.slots[:0]
}
