package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/codec"
	"github.com/MrWong99/milla/pkg/playback"
	"github.com/MrWong99/milla/pkg/transport"
)

// Controller runs one session. All exported methods are safe for concurrent
// use.
type Controller struct {
	id      string
	deps    Deps
	opts    Options
	log     *slog.Logger
	metrics Metrics

	// ctx carries no deadline; it only tags metric recordings.
	ctx context.Context

	mu      sync.Mutex
	state   State
	started bool
	closing bool
	handle  *capture.Handle
	sess    transport.Session
	sched   *playback.Scheduler

	// done is closed when the controller reaches a terminal state.
	done chan struct{}
}

// New returns a Controller in [StateConnecting]. Nothing is acquired until
// Start.
func New(deps Deps, opts Options) *Controller {
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Controller{
		id:      id,
		deps:    deps,
		opts:    opts,
		log:     log.With("session_id", id),
		metrics: m,
		ctx:     context.Background(),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// Open creates a Controller and starts it. On error the returned Controller
// is nil and nothing is left acquired.
func Open(ctx context.Context, deps Deps, opts Options) (*Controller, error) {
	c := New(deps, opts)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the session identifier used in logs and metrics.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel that is closed once the controller reaches
// [StateClosed] or [StateFailed].
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start acquires capture, dials the transport, and moves the session to
// [StateOpen]. It blocks until both are ready or ctx is done; no timeout is
// applied internally.
//
// Start is all-or-nothing. If the transport cannot be opened, capture is
// stopped before Start returns and the state becomes [StateFailed]. If Close
// is called while Start is pending, whatever Start acquires afterwards is
// released immediately and Start returns [ErrClosed].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closing:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return errors.New("session: start: already started")
	}
	c.started = true
	c.mu.Unlock()

	c.log.Info("session: starting",
		"video", c.opts.Capture.Video,
		"video_source", c.opts.Capture.VideoSource.String(),
		"voice", c.opts.Transport.Voice,
	)

	sink := capture.SinkFuncs{
		Audio: func(f audio.AudioFrame) { c.send(codec.EncodeAudio(f)) },
		Video: c.sendSnapshot,
	}
	handle, err := c.deps.Capture.Start(ctx, c.opts.Capture, sink)
	if err != nil {
		return c.fail("capture", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		handle.Stop()
		c.log.Info("session: capture resolved after close, released")
		return ErrClosed
	}
	c.handle = handle
	c.mu.Unlock()

	tcfg := c.opts.Transport
	userDrop := tcfg.OnDrop
	tcfg.OnDrop = func(ch codec.EncodedChunk) {
		c.metrics.RecordDrop(c.ctx, ch.Kind.String())
		if userDrop != nil {
			userDrop(ch)
		}
	}

	dialStart := time.Now()
	sess, err := c.deps.Dialer.Dial(ctx, tcfg)
	c.metrics.RecordHandshake(c.ctx, time.Since(dialStart), err)
	if err != nil {
		handle.Stop()
		c.mu.Lock()
		c.handle = nil
		c.mu.Unlock()
		return c.fail("transport", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		// Close already stopped capture. The session is discarded unused,
		// but its event stream still has to be drained.
		_ = sess.Close()
		go audio.Drain(sess.Events())
		handle.Stop()
		return ErrClosed
	}
	sched := playback.NewScheduler(c.deps.Output, playback.WithLogger(c.log))
	c.sess = sess
	c.sched = sched
	from := c.state
	c.state = StateOpen
	c.mu.Unlock()

	c.notify(from, StateOpen)
	go c.dispatch(sess, sched)

	c.log.Info("session: open", "handshake", time.Since(dialStart))
	return nil
}

// fail moves a pending Start to StateFailed, unless Close got there first.
func (c *Controller) fail(stage string, err error) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.log.Debug("session: acquisition failed after close", "stage", stage, "err", err)
		return ErrClosed
	}
	from := c.state
	c.state = StateFailed
	c.closing = true
	close(c.done)
	c.mu.Unlock()

	c.notify(from, StateFailed)
	c.log.Warn("session: start failed", "stage", stage, "err", err, "status", StatusMessage(err))
	return fmt.Errorf("session: start: %w", err)
}

// Close tears the session down: stop capture, close the transport, discard
// scheduled playback, enter StateClosed, call OnClose. It is safe to call
// from any state, any number of times and concurrently; only the first call
// does the work and the others wait for it. Close on a failed session is a
// no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	from := c.state
	c.state = StateClosing
	handle, sess, sched := c.handle, c.sess, c.sched
	c.mu.Unlock()

	c.notify(from, StateClosing)

	if handle != nil {
		handle.Stop()
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.log.Warn("session: transport close", "err", err)
		}
	}
	if sched != nil {
		sched.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	close(c.done)
	c.mu.Unlock()

	c.notify(StateClosing, StateClosed)
	c.log.Info("session: closed")

	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
	return nil
}

func (c *Controller) notify(from, to State) {
	c.metrics.RecordStateChange(c.ctx, from.String(), to.String())
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(to)
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// openSession returns the transport if the controller is open.
func (c *Controller) openSession() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.sess
}

// send forwards a chunk from capture. Frames captured before the transport
// is open are dropped.
func (c *Controller) send(chunk codec.EncodedChunk) {
	sess := c.openSession()
	if sess == nil {
		return
	}
	sess.Send(chunk)
	c.metrics.RecordChunk(c.ctx, DirectionOutbound, chunk.Kind.String())
}

func (c *Controller) sendSnapshot(img image.Image) {
	chunk, err := codec.EncodeVideoFrame(img)
	if err != nil {
		c.log.Warn("session: encode video frame", "err", err)
		return
	}
	c.send(chunk)
}

// SendVideoFrame encodes img and sends it outside the capture cadence, for
// example for a one-off "look at my screen" request.
func (c *Controller) SendVideoFrame(img image.Image) error {
	sess := c.openSession()
	if sess == nil {
		return ErrNotOpen
	}
	chunk, err := codec.EncodeVideoFrame(img)
	if err != nil {
		return fmt.Errorf("session: send video frame: %w", err)
	}
	sess.Send(chunk)
	c.metrics.RecordChunk(c.ctx, DirectionOutbound, chunk.Kind.String())
	return nil
}

// SendVideoJPEG sends an already encoded base64 JPEG frame.
func (c *Controller) SendVideoJPEG(b64 string) error {
	sess := c.openSession()
	if sess == nil {
		return ErrNotOpen
	}
	chunk, err := codec.VideoChunkFromBase64(b64)
	if err != nil {
		return fmt.Errorf("session: send video jpeg: %w", err)
	}
	sess.Send(chunk)
	c.metrics.RecordChunk(c.ctx, DirectionOutbound, chunk.Kind.String())
	return nil
}

// SwitchVideoSource changes the live video source without restarting the
// session.
func (c *Controller) SwitchVideoSource(ctx context.Context, src capture.VideoSource) error {
	c.mu.Lock()
	handle := c.handle
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || handle == nil {
		return ErrNotOpen
	}
	if err := handle.SwitchVideoSource(ctx, src); err != nil {
		return fmt.Errorf("session: switch video source: %w", err)
	}
	return nil
}

// ── Inbound ────────────────────────────────────────────────────────────────────

// dispatch is the single consumer of the transport's events. It runs until
// the event channel is closed and then closes the controller.
func (c *Controller) dispatch(sess transport.Session, sched *playback.Scheduler) {
	for ev := range sess.Events() {
		switch ev := ev.(type) {
		case transport.AudioChunk:
			c.play(sched, ev.Chunk)
		case transport.VideoAck:
			c.log.Debug("session: video frame delivered", "seq", ev.Seq)
		case transport.Transcript:
			if c.opts.OnTranscript != nil {
				c.opts.OnTranscript(ev)
			}
		case transport.TurnComplete:
			c.log.Debug("session: turn complete")
		case transport.Interrupted:
			c.log.Debug("session: model interrupted")
		case transport.Error:
			c.log.Warn("session: transport error", "err", ev.Err)
			if c.opts.OnError != nil && !c.isClosing() {
				c.opts.OnError(ev.Err)
			}
		case transport.Closed:
			c.log.Info("session: transport closed", "err", ev.Err)
		}
	}
	_ = c.Close()
}

func (c *Controller) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// play decodes one inbound chunk and schedules it. A malformed chunk is
// dropped without ending the session.
func (c *Controller) play(sched *playback.Scheduler, chunk codec.EncodedChunk) {
	c.metrics.RecordChunk(c.ctx, DirectionInbound, chunk.Kind.String())

	// Decode at the endpoint's own rate; the output converts once to its
	// device rate.
	rate, ok := codec.ParseRate(chunk.MIMEType)
	if !ok {
		rate = audio.PlaybackSampleRate
	}
	buf, err := codec.DecodeAudio(chunk, rate, 1)
	if err != nil {
		c.metrics.RecordDecodeError(c.ctx)
		c.log.Warn("session: dropping inbound chunk", "err", err)
		return
	}
	if _, ok := sched.Enqueue(buf); !ok {
		return
	}
	c.metrics.RecordPlaybackLag(c.ctx, sched.Lag())
	if c.opts.OnVisualization != nil {
		c.opts.OnVisualization(buf)
	}
}
