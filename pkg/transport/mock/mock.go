// Package mock provides test doubles for the transport package interfaces.
//
// Use Dialer to control the outcome of the handshake and to capture the
// sessions it hands out. Use Session to inject inbound events and inspect the
// chunks a caller sent.
//
// Example:
//
//	d := &mock.Dialer{}
//	sess, _ := d.Dial(ctx, transport.Config{Voice: "Puck"})
//	d.Last().Push(transport.TurnComplete{})
//	d.Last().RemoteClose()
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/milla/pkg/codec"
	"github.com/MrWong99/milla/pkg/transport"
)

// Ensure the mocks implement the transport interfaces at compile time.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Session = (*Session)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the Config passed to Dial.
	Cfg transport.Config
}

// Dialer is a mock implementation of transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	// DialErr, if non-nil, is returned (wrapped in transport.ErrHandshakeFailed)
	// from every Dial call.
	DialErr error

	// Gate, if non-nil, makes Dial block until a value is received or the
	// channel is closed. The context is honoured while waiting.
	Gate chan struct{}

	// Started, if non-nil, receives a value as soon as Dial is entered.
	Started chan struct{}

	calls    []DialCall
	sessions []*Session
}

// Dial records the call and returns a fresh Session, DialErr or ctx.Err().
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DialCall{Cfg: cfg})
	gate, started, dialErr := d.Gate, d.Started, d.DialErr
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", transport.ErrHandshakeFailed, ctx.Err())
		}
	}
	if dialErr != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrHandshakeFailed, dialErr)
	}

	s := NewSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Calls returns a copy of every recorded Dial call.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

// Sessions returns every session handed out so far, in Dial order.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recently dialled session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of transport.Session. Inbound events are
// injected with Push; the Closed protocol is handled by a transport.Emitter
// so the mock behaves like a real session towards its consumer.
type Session struct {
	events *transport.Emitter

	mu         sync.Mutex
	sent       []codec.EncodedChunk
	closed     bool
	closeCalls int
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{events: transport.NewEmitter(0)}
}

// Send records chunk unless the session is closed.
func (s *Session) Send(chunk codec.EncodedChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sent = append(s.sent, chunk)
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan transport.Event { return s.events.Events() }

// Close marks the session closed and finishes the event stream gracefully
// without waiting for the consumer. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		go s.events.Finish(nil)
	}
	return nil
}

// Push delivers ev to the consumer. It reports false once the session has
// finished.
func (s *Session) Push(ev transport.Event) bool { return s.events.Emit(ev) }

// RemoteClose simulates a graceful close by the remote end.
func (s *Session) RemoteClose() {
	s.markClosed()
	s.events.Finish(nil)
}

// Fail simulates a runtime failure: an Error event followed by Closed, both
// carrying err wrapped in transport.ErrTransportRuntime.
func (s *Session) Fail(err error) {
	err = fmt.Errorf("%w: %v", transport.ErrTransportRuntime, err)
	s.markClosed()
	s.events.Emit(transport.Error{Err: err})
	s.events.Finish(err)
}

// Done is closed once the event stream has started finishing.
func (s *Session) Done() <-chan struct{} { return s.events.Done() }

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Sent returns a copy of every chunk accepted by Send.
func (s *Session) Sent() []codec.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.EncodedChunk(nil), s.sent...)
}

// CloseCalls returns how many times Close was invoked.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the session was closed locally or remotely.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
