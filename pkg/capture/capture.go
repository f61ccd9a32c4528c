// Package capture acquires microphone audio and, optionally, a camera or
// screen video source, and emits fixed-size audio frames and periodic video
// snapshots to a [Sink].
//
// The platform boundary is the [Device] interface. Concrete drivers live in
// sub-packages (capture/mediadevices for real hardware, capture/mock for
// tests). The [Adapter] layered on top of a Device owns re-blocking, the
// video snapshot timer and the track lifecycle, so drivers only need to open
// and stop raw tracks.
package capture

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
)

// Sentinel errors returned (wrapped in *[Error]) by [Adapter.Start] and
// [Handle.SwitchVideoSource].
var (
	// ErrHandleStopped is returned when operating on a stopped [Handle].
	ErrHandleStopped = errors.New("capture: handle stopped")

	// ErrPermissionDenied means the platform or the user refused media access.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceNotFound means no device matches the requested source.
	ErrDeviceNotFound = errors.New("capture: device not found")

	// ErrDeviceBusy means the device exists but is held by another process.
	ErrDeviceBusy = errors.New("capture: device busy")

	// ErrUnsupported means the platform has no capture support at all.
	ErrUnsupported = errors.New("capture: unsupported platform")
)

// Error describes a failed capture operation. It always wraps the driver
// error, which in turn usually wraps one of the sentinel errors above.
type Error struct {
	// Op is the operation that failed ("start", "switch").
	Op string

	// Source names the track involved ("microphone", "camera-front", ...).
	Source string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "capture: " + e.Op + " " + e.Source + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// VideoSource selects which video device a session captures from.
type VideoSource int

const (
	// CameraFront is the user-facing camera.
	CameraFront VideoSource = iota

	// CameraRear is the environment-facing camera.
	CameraRear

	// Screen is a screen share.
	Screen
)

// String returns the human-readable name of the source.
func (s VideoSource) String() string {
	switch s {
	case CameraFront:
		return "camera-front"
	case CameraRear:
		return "camera-rear"
	case Screen:
		return "screen"
	default:
		return "unknown"
	}
}

// ParseVideoSource maps a configuration string onto a [VideoSource].
func ParseVideoSource(s string) (VideoSource, bool) {
	switch s {
	case "camera-front", "camera", "front", "user":
		return CameraFront, true
	case "camera-rear", "rear", "environment":
		return CameraRear, true
	case "screen":
		return Screen, true
	default:
		return 0, false
	}
}

// Defaults applied by [Config.withDefaults].
const (
	DefaultFrameInterval = 500 * time.Millisecond
	DefaultBlockSize     = 4096
)

// Config is the capture configuration of one session. It is immutable for the
// session's lifetime; changing it means tearing the session down and starting
// a new one.
type Config struct {
	// Audio is always captured. The field exists so the configuration reads
	// the same as a media constraint object; false is treated as true.
	Audio bool

	// Video enables periodic snapshots from VideoSource.
	Video bool

	// VideoSource selects the camera or screen.
	VideoSource VideoSource

	// FrameInterval is the snapshot cadence. Defaults to 500 ms (2 fps).
	FrameInterval time.Duration

	// SampleRate is the capture rate in Hz. Defaults to 16000.
	SampleRate int

	// BlockSize is the number of samples per emitted frame. Defaults to 4096
	// (256 ms at 16 kHz).
	BlockSize int
}

func (c Config) withDefaults() Config {
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	return c
}

// Capability reports whether a [Device] can capture on this platform. It is a
// tagged variant: either supported, or unsupported with a reason.
type Capability struct {
	reason string
	ok     bool
}

// Supported returns a Capability for a usable device.
func Supported() Capability { return Capability{ok: true} }

// Unsupported returns a Capability that explains why capture is unavailable.
func Unsupported(reason string) Capability { return Capability{reason: reason} }

// IsSupported reports whether capture is available.
func (c Capability) IsSupported() bool { return c.ok }

// Reason returns the explanation for an unsupported capability, or "".
func (c Capability) Reason() string { return c.reason }

// AudioTrack is an open microphone.
//
// Read blocks until samples are available and returns mono float32 samples at
// the rate requested from [Device.OpenMicrophone]. After Stop, Read returns an
// error. Stop is idempotent.
type AudioTrack interface {
	Read() ([]float32, error)
	Stop()
}

// VideoTrack is an open camera or screen source.
//
// Snapshot returns the current frame. After Stop, Snapshot returns an error.
// Stop is idempotent.
type VideoTrack interface {
	Snapshot() (image.Image, error)
	Stop()
}

// Device is the platform driver boundary.
//
// Open methods may block while the platform asks the user for permission.
// Errors should wrap [ErrPermissionDenied], [ErrDeviceNotFound] or
// [ErrDeviceBusy] where the cause is known.
type Device interface {
	// Capability is queried once by [NewAdapter].
	Capability() Capability

	OpenMicrophone(ctx context.Context, sampleRate int) (AudioTrack, error)
	OpenVideo(ctx context.Context, src VideoSource) (VideoTrack, error)
}

// Sink receives captured media. Audio frames arrive in capture order from a
// single goroutine; video frames arrive from a separate goroutine.
// Implementations must not block for long and must not call [Handle.Stop].
type Sink interface {
	OnAudioFrame(frame audio.AudioFrame)
	OnVideoFrame(img image.Image)
}

// SinkFuncs adapts a pair of functions to [Sink]. Nil fields are ignored.
type SinkFuncs struct {
	Audio func(audio.AudioFrame)
	Video func(image.Image)
}

// OnAudioFrame implements [Sink].
func (s SinkFuncs) OnAudioFrame(frame audio.AudioFrame) {
	if s.Audio != nil {
		s.Audio(frame)
	}
}

// OnVideoFrame implements [Sink].
func (s SinkFuncs) OnVideoFrame(img image.Image) {
	if s.Video != nil {
		s.Video(img)
	}
}
