package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
)

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for [NewAdapter].
type Option func(*Adapter)

// WithLogger sets the logger used for track lifecycle messages. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// ── Adapter ──────────────────────────────────────────────────────────────────

// Adapter turns a [Device] into a stream of fixed-size audio frames and
// periodic video snapshots.
//
// The device capability is queried exactly once, at construction. An
// unsupported device makes every [Adapter.Start] fail with [ErrUnsupported].
//
// Adapter is safe for concurrent use; each call to Start returns an
// independent [Handle].
type Adapter struct {
	dev        Device
	capability Capability
	log        *slog.Logger
}

// NewAdapter wraps dev and records its capability.
func NewAdapter(dev Device, opts ...Option) *Adapter {
	a := &Adapter{
		dev:        dev,
		capability: dev.Capability(),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Capability returns the capability recorded at construction.
func (a *Adapter) Capability() Capability { return a.capability }

// Start opens the microphone and, when cfg.Video is set, the configured video
// source, then begins delivering media to sink.
//
// Start is all-or-nothing: if any track fails to open, every track opened so
// far is stopped before the error is returned. Open calls may block while the
// platform asks for permission; ctx bounds that wait only if the driver
// honours it.
func (a *Adapter) Start(ctx context.Context, cfg Config, sink Sink) (*Handle, error) {
	if !a.capability.IsSupported() {
		return nil, &Error{Op: "start", Source: "device", Err: fmt.Errorf("%w: %s", ErrUnsupported, a.capability.Reason())}
	}
	if sink == nil {
		return nil, errors.New("capture: start: sink must not be nil")
	}
	cfg = cfg.withDefaults()
	cfg.Audio = true

	mic, err := a.dev.OpenMicrophone(ctx, cfg.SampleRate)
	if err != nil {
		return nil, &Error{Op: "start", Source: "microphone", Err: err}
	}

	h := &Handle{
		cfg:  cfg,
		dev:  a.dev,
		sink: sink,
		log:  a.log,
		mic:  mic,
		done: make(chan struct{}),
	}

	if cfg.Video {
		vt, err := a.dev.OpenVideo(ctx, cfg.VideoSource)
		if err != nil {
			mic.Stop()
			return nil, &Error{Op: "start", Source: cfg.VideoSource.String(), Err: err}
		}
		h.video = vt
		h.videoSrc = cfg.VideoSource
	}

	h.wg.Add(1)
	go h.audioLoop()
	if cfg.Video {
		h.wg.Add(1)
		go h.videoLoop()
	}

	a.log.Debug("capture: started",
		"video", cfg.Video,
		"video_source", cfg.VideoSource.String(),
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
	)
	return h, nil
}

// ── Handle ───────────────────────────────────────────────────────────────────

// Handle is a running capture. It owns the open tracks until [Handle.Stop].
type Handle struct {
	cfg  Config
	dev  Device
	sink Sink
	log  *slog.Logger

	mic AudioTrack

	// switchMu serialises SwitchVideoSource calls.
	switchMu sync.Mutex

	mu       sync.Mutex
	video    VideoTrack
	videoSrc VideoSource
	stopped  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Config returns the effective configuration, defaults applied.
func (h *Handle) Config() Config { return h.cfg }

// VideoSource returns the currently selected video source.
func (h *Handle) VideoSource() VideoSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.videoSrc
}

// Stop stops every open track and waits for the delivery goroutines to exit.
// No frames are delivered after Stop returns. Stop is idempotent and must not
// be called from a [Sink] callback.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.done)
	video := h.video
	h.video = nil
	h.mu.Unlock()

	h.mic.Stop()
	if video != nil {
		video.Stop()
	}
	h.wg.Wait()
	h.log.Debug("capture: stopped")
}

// SwitchVideoSource replaces the active video track with one from src. The
// previous track is stopped before the new one is opened, so two camera
// handles are never held at once. If opening the new source fails, the
// handle continues with audio only.
func (h *Handle) SwitchVideoSource(ctx context.Context, src VideoSource) error {
	h.switchMu.Lock()
	defer h.switchMu.Unlock()

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHandleStopped
	}
	if !h.cfg.Video {
		h.mu.Unlock()
		return &Error{Op: "switch", Source: src.String(), Err: errors.New("video capture not enabled")}
	}
	old := h.video
	h.video = nil
	h.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	vt, err := h.dev.OpenVideo(ctx, src)
	if err != nil {
		return &Error{Op: "switch", Source: src.String(), Err: err}
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		vt.Stop()
		return ErrHandleStopped
	}
	h.video = vt
	h.videoSrc = src
	h.mu.Unlock()

	h.log.Debug("capture: switched video source", "video_source", src.String())
	return nil
}

func (h *Handle) isStopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// audioLoop re-blocks device reads into frames of exactly cfg.BlockSize
// samples. A partial block left over when the track ends is discarded.
func (h *Handle) audioLoop() {
	defer h.wg.Done()

	size := h.cfg.BlockSize
	block := make([]float32, 0, size)
	var emitted int64

	for {
		samples, err := h.mic.Read()
		if err != nil {
			if !h.isStopped() {
				h.log.Warn("capture: microphone track ended", "err", err)
			}
			return
		}
		for len(samples) > 0 {
			n := min(size-len(block), len(samples))
			block = append(block, samples[:n]...)
			samples = samples[n:]
			if len(block) < size {
				continue
			}
			if h.isStopped() {
				return
			}
			h.sink.OnAudioFrame(audio.AudioFrame{
				Samples:    block,
				SampleRate: h.cfg.SampleRate,
				Timestamp:  audio.DurationOf(emitted, h.cfg.SampleRate),
			})
			emitted += int64(size)
			block = make([]float32, 0, size)
		}
	}
}

// videoLoop takes a snapshot of the current video track every FrameInterval.
func (h *Handle) videoLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		vt := h.video
		h.mu.Unlock()
		if vt == nil {
			continue
		}

		img, err := vt.Snapshot()
		if err != nil {
			if !h.isStopped() {
				h.log.Debug("capture: snapshot failed", "err", err)
			}
			continue
		}
		if img == nil || h.isStopped() {
			continue
		}
		h.sink.OnVideoFrame(img)
	}
}
