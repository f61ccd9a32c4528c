//go:build cgo

// Package speaker plays a [playback.Timeline] on the system's default output
// device through miniaudio. The device pulls PCM on its own thread; every
// callback renders the next period from the timeline, which also advances the
// timeline's clock.
package speaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/playback"
)

// periodMillis is the device period. Shorter periods lower latency at the
// cost of more callbacks.
const periodMillis = 20

// Option is a functional option for configuring a Speaker.
type Option func(*Speaker)

// WithLogger sets the logger for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// Speaker owns a miniaudio playback device rendering from a Timeline.
type Speaker struct {
	tl  *playback.Timeline
	log *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	scratch []float32 // owned by the device callback

	closeOnce sync.Once
}

// Open starts playback of tl on the default output device at the timeline's
// sample rate and channel count.
func Open(tl *playback.Timeline, opts ...Option) (*Speaker, error) {
	if tl == nil {
		return nil, errors.New("speaker: open: nil timeline")
	}
	s := &Speaker{tl: tl, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, func(msg string) {
		s.log.Debug("speaker: miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: init context: %w", err)
	}
	s.ctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(tl.Channels())
	cfg.SampleRate = uint32(tl.SampleRate())
	cfg.PeriodSizeInMilliseconds = periodMillis

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.render,
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("speaker: init device: %w", err)
	}
	s.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("speaker: start device: %w", err)
	}
	s.log.Info("speaker: playback started", "sample_rate", tl.SampleRate(), "channels", tl.Channels())
	return s, nil
}

// render is the device data callback.
func (s *Speaker) render(out, _ []byte, frames uint32) {
	n := int(frames) * s.tl.Channels()
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	s.tl.Render(buf)
	copy(out, audio.Float32ToPCM16(buf))
}

// Close stops the device and releases the audio context. Idempotent.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.device != nil {
			if stopErr := s.device.Stop(); stopErr != nil {
				err = fmt.Errorf("speaker: stop device: %w", stopErr)
			}
			s.device.Uninit()
		}
		s.freeContext()
	})
	return err
}

func (s *Speaker) freeContext() {
	if s.ctx == nil {
		return
	}
	if err := s.ctx.Uninit(); err != nil {
		s.log.Warn("speaker: uninit context", "err", err)
	}
	s.ctx.Free()
	s.ctx = nil
}
