// Package mock provides an in-memory [capture.Device] for unit tests.
//
// The mock device hands out [AudioTrack] and [VideoTrack] values that tests
// drive directly: push samples into an audio track with [AudioTrack.Push],
// set the frame a video track returns, and count how often each track was
// stopped. A permission prompt is simulated with [Device.Permission].
//
// Typical usage:
//
//	dev := &mock.Device{Permission: make(chan error)}
//	adapter := capture.NewAdapter(dev)
//	go func() { dev.Permission <- nil }() // grant
//	h, err := adapter.Start(ctx, capture.Config{Audio: true}, sink)
//	dev.Mic().Push(samples)
package mock

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/MrWong99/milla/pkg/capture"
)

// ErrTrackStopped is returned by Read and Snapshot after Stop.
var ErrTrackStopped = errors.New("mock: track stopped")

// ─── AudioTrack ───────────────────────────────────────────────────────────────

// AudioTrack is a mock [capture.AudioTrack]. Samples pushed with
// [AudioTrack.Push] are returned by Read in order.
type AudioTrack struct {
	// SampleRate is the rate the track was opened with.
	SampleRate int

	samples chan []float32
	done    chan struct{}

	mu    sync.Mutex
	stops int
}

func newAudioTrack(rate int) *AudioTrack {
	return &AudioTrack{
		SampleRate: rate,
		samples:    make(chan []float32),
		done:       make(chan struct{}),
	}
}

// Push hands samples to the next Read call. It blocks until they are read and
// returns false if the track is stopped first.
func (t *AudioTrack) Push(samples []float32) bool {
	select {
	case t.samples <- samples:
		return true
	case <-t.done:
		return false
	}
}

// Read implements [capture.AudioTrack].
func (t *AudioTrack) Read() ([]float32, error) {
	select {
	case s := <-t.samples:
		return s, nil
	case <-t.done:
		return nil, ErrTrackStopped
	}
}

// Stop implements [capture.AudioTrack]. Every call is counted.
func (t *AudioTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if t.stops == 1 {
		close(t.done)
	}
}

// StopCount returns how many times Stop was called.
func (t *AudioTrack) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// ─── VideoTrack ───────────────────────────────────────────────────────────────

// VideoTrack is a mock [capture.VideoTrack].
type VideoTrack struct {
	// Source is the source the track was opened for.
	Source capture.VideoSource

	mu        sync.Mutex
	frame     image.Image
	stops     int
	snapshots int
}

// SetFrame sets the image returned by Snapshot.
func (t *VideoTrack) SetFrame(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frame = img
}

// Snapshot implements [capture.VideoTrack].
func (t *VideoTrack) Snapshot() (image.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stops > 0 {
		return nil, ErrTrackStopped
	}
	t.snapshots++
	return t.frame, nil
}

// Stop implements [capture.VideoTrack]. Every call is counted.
func (t *VideoTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

// StopCount returns how many times Stop was called.
func (t *VideoTrack) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// SnapshotCount returns how many snapshots were taken while the track was live.
func (t *VideoTrack) SnapshotCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshots
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device]. Set the exported fields before handing it
// to [capture.NewAdapter]; inspect opened tracks afterwards.
type Device struct {
	// UnsupportedReason, when non-empty, makes Capability report unsupported.
	UnsupportedReason string

	// Permission, when non-nil, makes OpenMicrophone block until a value is
	// received. nil grants access; any error is returned as the open error.
	Permission chan error

	// MicError is returned by OpenMicrophone (after the permission gate).
	MicError error

	// VideoErrors maps a source to the error OpenVideo returns for it.
	VideoErrors map[capture.VideoSource]error

	// Frame is the initial frame of every opened video track.
	Frame image.Image

	mu              sync.Mutex
	capabilityCalls int
	mics            []*AudioTrack
	videos          []*VideoTrack
}

var _ capture.Device = (*Device)(nil)

// Capability implements [capture.Device].
func (d *Device) Capability() capture.Capability {
	d.mu.Lock()
	d.capabilityCalls++
	d.mu.Unlock()
	if d.UnsupportedReason != "" {
		return capture.Unsupported(d.UnsupportedReason)
	}
	return capture.Supported()
}

// OpenMicrophone implements [capture.Device].
func (d *Device) OpenMicrophone(ctx context.Context, sampleRate int) (capture.AudioTrack, error) {
	if d.Permission != nil {
		select {
		case err := <-d.Permission:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.MicError != nil {
		return nil, d.MicError
	}
	t := newAudioTrack(sampleRate)
	d.mu.Lock()
	d.mics = append(d.mics, t)
	d.mu.Unlock()
	return t, nil
}

// OpenVideo implements [capture.Device].
func (d *Device) OpenVideo(_ context.Context, src capture.VideoSource) (capture.VideoTrack, error) {
	if err := d.VideoErrors[src]; err != nil {
		return nil, err
	}
	t := &VideoTrack{Source: src, frame: d.Frame}
	d.mu.Lock()
	d.videos = append(d.videos, t)
	d.mu.Unlock()
	return t, nil
}

// CapabilityCalls returns how many times Capability was queried.
func (d *Device) CapabilityCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capabilityCalls
}

// Mic returns the most recently opened audio track, or nil.
func (d *Device) Mic() *AudioTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.mics) == 0 {
		return nil
	}
	return d.mics[len(d.mics)-1]
}

// AudioTracks returns every audio track opened so far.
func (d *Device) AudioTracks() []*AudioTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*AudioTrack(nil), d.mics...)
}

// VideoTracks returns every video track opened so far, in open order.
func (d *Device) VideoTracks() []*VideoTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*VideoTrack(nil), d.videos...)
}

// ActiveTracks returns the number of opened tracks that were never stopped.
func (d *Device) ActiveTracks() int {
	d.mu.Lock()
	mics := append([]*AudioTrack(nil), d.mics...)
	videos := append([]*VideoTrack(nil), d.videos...)
	d.mu.Unlock()

	n := 0
	for _, t := range mics {
		if t.StopCount() == 0 {
			n++
		}
	}
	for _, t := range videos {
		if t.StopCount() == 0 {
			n++
		}
	}
	return n
}
