// Package audio defines the sample containers that flow through the realtime
// session engine and the PCM helpers shared by the codec and playback layers.
//
// Two containers exist, one per direction:
//
//   - [AudioFrame]: a block of captured microphone samples on its way out.
//   - [PlaybackBuffer]: a block of decoded model speech on its way in.
//
// Both carry float32 samples in [-1, 1]. Conversion to and from the 16-bit
// wire representation lives in this package ([Float32ToPCM16],
// [PCM16ToFloat32]) so that the codec stays a thin, stateless layer.
package audio

import "time"

const (
	// CaptureSampleRate is the rate of microphone audio sent upstream.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of model speech received from upstream.
	PlaybackSampleRate = 24000
)

// AudioFrame represents a single block of captured mono audio.
// Frames are produced by the capture adapter at a regular cadence and only
// live until they have been encoded and handed to the transport.
type AudioFrame struct {
	// Samples holds mono float32 PCM in the range [-1, 1]. Values outside the
	// range are clamped on encode.
	Samples []float32

	// SampleRate in Hz (16000 for upstream capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the wall time covered by the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// PlaybackBuffer is a decoded block of audio ready for the output device.
// Samples are interleaved when Channels > 1.
type PlaybackBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b PlaybackBuffer) Frames() int {
	if b.Channels <= 1 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	return samplesDuration(b.Frames(), b.SampleRate)
}

// Channel returns a copy of the samples of channel ch. For mono buffers the
// backing slice is returned directly.
func (b PlaybackBuffer) Channel(ch int) []float32 {
	if b.Channels <= 1 {
		return b.Samples
	}
	out := make([]float32, b.Frames())
	for i := range out {
		out[i] = b.Samples[i*b.Channels+ch]
	}
	return out
}

func samplesDuration(n, rate int) time.Duration {
	return DurationOf(int64(n), rate)
}

// FramesFor returns the number of sample frames that fit in d at rate.
func FramesFor(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// DurationOf returns the time covered by n sample frames at rate.
func DurationOf(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}
