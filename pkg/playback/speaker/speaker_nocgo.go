//go:build !cgo

package speaker

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/milla/pkg/playback"
)

// ErrUnavailable is returned by [Open] in builds without cgo.
var ErrUnavailable = errors.New("speaker: audio output requires cgo")

// Option is a functional option for configuring a Speaker.
type Option func(*Speaker)

// WithLogger sets the logger for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// Speaker is unavailable without cgo.
type Speaker struct {
	log *slog.Logger
}

// Open always fails with [ErrUnavailable].
func Open(_ *playback.Timeline, _ ...Option) (*Speaker, error) {
	return nil, ErrUnavailable
}

// Close is a no-op.
func (s *Speaker) Close() error { return nil }
