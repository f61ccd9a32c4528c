// Package transport defines the duplex channel between a session and the
// remote conversational endpoint.
//
// A [Dialer] performs the handshake and returns a [Session]. Outbound media
// goes through [Session.Send], which never blocks: each session buffers chunks
// in an [OutboundQueue] drained by its own writer goroutine. Inbound traffic
// and lifecycle signals arrive as typed [Event] values on [Session.Events] in
// the order the connection delivered them.
//
// Every session emits exactly one [Closed] event, whether it was closed
// locally, closed by the remote end, or failed, and then closes the event
// channel. A runtime failure is reported as an [Error] event immediately
// before the Closed event. Sessions never reconnect.
//
// Implementations live in sub-packages: transport/gemini (raw WebSocket),
// transport/genai (the official Go SDK) and transport/mock (tests).
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/milla/pkg/codec"
)

var (
	// ErrHandshakeFailed wraps every error returned by [Dialer.Dial]: the
	// endpoint was unreachable or rejected the session setup.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrTransportRuntime wraps errors reported after a successful handshake.
	ErrTransportRuntime = errors.New("transport: runtime error")
)

// Config is the per-session configuration forwarded to the handshake.
type Config struct {
	// Voice is the prebuilt voice identifier, forwarded opaquely.
	Voice string

	// Instructions is the persona/system instruction text.
	Instructions string

	// Model overrides the dialer's default model when non-empty.
	Model string

	// Transcribe requests input and output transcriptions from the endpoint.
	Transcribe bool

	// QueueSize bounds the outbound queue. Defaults to [DefaultQueueSize].
	QueueSize int

	// OnDrop, when set, is called for every outbound chunk evicted from a
	// full queue. It runs on the caller of Send and must not block.
	OnDrop func(codec.EncodedChunk)
}

// Dialer opens sessions.
type Dialer interface {
	// Dial performs the handshake. It blocks until the endpoint confirms the
	// session setup or ctx is done. Errors wrap [ErrHandshakeFailed].
	Dial(ctx context.Context, cfg Config) (Session, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, cfg Config) (Session, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Session, error) { return f(ctx, cfg) }

// Session is an open duplex channel.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Send queues chunk for delivery and returns immediately. Chunks are
	// written in Send order. When the queue is full the oldest queued chunk
	// is dropped. Sends after Close are ignored.
	Send(chunk codec.EncodedChunk)

	// Events returns the inbound event stream. The consumer must drain it
	// until it is closed, which happens right after the single [Closed]
	// event.
	Events() <-chan Event

	// Close terminates the session. It is idempotent and does not wait for
	// the Closed event to be consumed.
	Close() error
}

// ── Events ───────────────────────────────────────────────────────────────────

// Event is the inbound event union. The concrete types are [AudioChunk],
// [VideoAck], [TurnComplete], [Interrupted], [Transcript], [Error] and
// [Closed].
type Event interface {
	isEvent()
}

// AudioChunk carries one encoded audio chunk from the model.
type AudioChunk struct {
	Chunk codec.EncodedChunk
}

// VideoAck reports that the Seq-th video frame (1-based) was written to the
// connection.
type VideoAck struct {
	Seq uint64
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

// Interrupted reports that the model stopped its current turn because the
// user started speaking.
type Interrupted struct{}

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript carries a transcription fragment.
type Transcript struct {
	Role Role
	Text string
}

// Error reports a fatal runtime failure. Err wraps [ErrTransportRuntime]. A
// [Closed] event always follows.
type Error struct {
	Err error
}

// Closed is the final event of every session. Err is nil for a graceful
// close (local or remote) and the cause otherwise.
type Closed struct {
	Err error
}

func (AudioChunk) isEvent()   {}
func (VideoAck) isEvent()     {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (Transcript) isEvent()   {}
func (Error) isEvent()        {}
func (Closed) isEvent()       {}
