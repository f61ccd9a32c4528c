// Package session orchestrates one realtime conversation: it starts capture,
// dials the transport, feeds decoded model audio into the playback scheduler,
// and tears all of it down in a fixed order.
//
// A [Controller] owns exactly one capture handle and one transport session.
// It is never reused: after it reaches [StateClosed] or [StateFailed] a new
// Controller is needed. Nothing here retries or reconnects; that decision
// belongs to the caller.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/playback"
	"github.com/MrWong99/milla/pkg/transport"
)

var (
	// ErrClosed is returned by Start when Close was called before the
	// session reached the Open state.
	ErrClosed = errors.New("session: closed")

	// ErrNotOpen is returned by the send methods outside the Open state.
	ErrNotOpen = errors.New("session: not open")
)

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateConnecting is the initial state: capture and transport are being
	// acquired.
	StateConnecting State = iota

	// StateOpen means media flows in both directions.
	StateOpen

	// StateClosing is entered when Close is called or the transport ends.
	StateClosing

	// StateClosed is terminal: every resource has been released.
	StateClosed

	// StateFailed is terminal: acquisition failed and nothing is held.
	StateFailed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Status messages shown to the user.
const (
	StatusConnecting       = "Connecting to Milla..."
	StatusListening        = "Milla is listening..."
	StatusEnded            = "Session Ended"
	StatusPermissionDenied = "Permission Denied"
	StatusNoDevice         = "No Device Found"
	StatusDeviceBusy       = "Device In Use"
	StatusUnsupported      = "Capture Unsupported"
	StatusConnectionFailed = "Connection Failed"
	StatusStreamError      = "Stream Error"
)

// StatusMessage maps an error returned by Start, or reported through
// OnError, to the message shown to the user. Every error class gets a
// distinct message so the UI can tell a declined permission prompt from a
// network problem.
func StatusMessage(err error) string {
	switch {
	case err == nil:
		return StatusListening
	case errors.Is(err, ErrClosed):
		return StatusEnded
	case errors.Is(err, capture.ErrPermissionDenied):
		return StatusPermissionDenied
	case errors.Is(err, capture.ErrDeviceNotFound):
		return StatusNoDevice
	case errors.Is(err, capture.ErrDeviceBusy):
		return StatusDeviceBusy
	case errors.Is(err, capture.ErrUnsupported):
		return StatusUnsupported
	case errors.Is(err, transport.ErrHandshakeFailed):
		return StatusConnectionFailed
	default:
		return StatusStreamError
	}
}

// StateMessage returns the status line for a state without an error.
func StateMessage(s State) string {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateOpen:
		return StatusListening
	case StateFailed:
		return StatusStreamError
	default:
		return StatusEnded
	}
}

// Deps are the collaborators a Controller drives. None of them is owned by
// the Controller: the adapter, dialer and output may outlive it.
type Deps struct {
	Capture *capture.Adapter
	Dialer  transport.Dialer
	Output  playback.Output
}

// Options configure one session.
type Options struct {
	// Capture selects the media to capture. Audio is always captured.
	Capture capture.Config

	// Transport is forwarded to the dialer. Voice and Instructions carry the
	// persona.
	Transport transport.Config

	// OnVisualization is called once per decoded inbound buffer, after it has
	// been scheduled. It is a side channel for UI feedback and must not block.
	OnVisualization func(audio.PlaybackBuffer)

	// OnTranscript receives transcription fragments when the transport was
	// asked to transcribe.
	OnTranscript func(transport.Transcript)

	// OnError is called for a runtime transport failure, before OnClose.
	OnError func(error)

	// OnClose is called exactly once, after the session reached StateClosed.
	OnClose func()

	// OnStateChange observes every state transition.
	OnStateChange func(State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to a no-op recorder.
	Metrics Metrics
}

// Metrics receives session telemetry. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	RecordStateChange(ctx context.Context, from, to string)
	RecordHandshake(ctx context.Context, d time.Duration, err error)
	RecordChunk(ctx context.Context, direction, kind string)
	RecordDrop(ctx context.Context, kind string)
	RecordDecodeError(ctx context.Context)
	RecordPlaybackLag(ctx context.Context, lag time.Duration)
}

// Chunk directions passed to [Metrics.RecordChunk].
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type nopMetrics struct{}

func (nopMetrics) RecordStateChange(context.Context, string, string)     {}
func (nopMetrics) RecordHandshake(context.Context, time.Duration, error) {}
func (nopMetrics) RecordChunk(context.Context, string, string)           {}
func (nopMetrics) RecordDrop(context.Context, string)                    {}
func (nopMetrics) RecordDecodeError(context.Context)                     {}
func (nopMetrics) RecordPlaybackLag(context.Context, time.Duration)      {}
