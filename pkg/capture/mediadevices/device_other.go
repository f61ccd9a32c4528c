//go:build !linux || !cgo

package mediadevices

import (
	"context"
	"log/slog"

	"github.com/MrWong99/milla/pkg/capture"
)

// Option configures a [Device].
type Option func(*Device)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Device is the hardware capture driver. This build has no media stack, so
// it always reports [capture.Unsupported].
type Device struct {
	log *slog.Logger
}

var _ capture.Device = (*Device)(nil)

// New returns a Device.
func New(opts ...Option) *Device {
	d := &Device{log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Capability implements [capture.Device].
func (d *Device) Capability() capture.Capability {
	return capture.Unsupported("hardware capture requires linux with cgo")
}

// OpenMicrophone implements [capture.Device].
func (d *Device) OpenMicrophone(context.Context, int) (capture.AudioTrack, error) {
	return nil, capture.ErrUnsupported
}

// OpenVideo implements [capture.Device].
func (d *Device) OpenVideo(context.Context, capture.VideoSource) (capture.VideoTrack, error) {
	return nil, capture.ErrUnsupported
}
