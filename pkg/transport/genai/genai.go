// Package genai implements [transport.Dialer] on top of the official Google
// Gen AI Go SDK's Live client. It speaks the same BidiGenerateContent protocol
// as transport/gemini but leaves the wire format to the SDK.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	sdk "google.golang.org/genai"

	"github.com/MrWong99/milla/pkg/codec"
	"github.com/MrWong99/milla/pkg/transport"
)

var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Session = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithLogger sets the logger for session lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Live sessions through the SDK client.
type Dialer struct {
	client  *sdk.Client
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a Dialer backed by a Gemini API client authenticated with
// apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Dialer, error) {
	d := &Dialer{
		model: defaultModel,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	cc := &sdk.ClientConfig{
		APIKey:  apiKey,
		Backend: sdk.BackendGeminiAPI,
	}
	if d.baseURL != "" {
		cc.HTTPOptions = sdk.HTTPOptions{BaseURL: d.baseURL}
	}
	client, err := sdk.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	d.client = client
	return d, nil
}

// connectConfig builds the SDK Live config for cfg.
func connectConfig(cfg transport.Config) *sdk.LiveConnectConfig {
	lc := &sdk.LiveConnectConfig{
		ResponseModalities: []sdk.Modality{sdk.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &sdk.SpeechConfig{
			VoiceConfig: &sdk.VoiceConfig{
				PrebuiltVoiceConfig: &sdk.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = sdk.NewContentFromText(cfg.Instructions, sdk.RoleUser)
	}
	if cfg.Transcribe {
		lc.InputAudioTranscription = &sdk.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &sdk.AudioTranscriptionConfig{}
	}
	return lc
}

// Dial connects and waits for the setupComplete acknowledgement.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	model := cfg.Model
	if model == "" {
		model = d.model
	}

	live, err := d.client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: genai: connect: %v", transport.ErrHandshakeFailed, err)
	}

	if err := awaitSetup(ctx, live); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("%w: genai: %v", transport.ErrHandshakeFailed, err)
	}

	s := &session{
		live:   live,
		log:    d.log.With("transport", "genai", "model", model),
		queue:  transport.NewOutboundQueue(cfg.QueueSize, cfg.OnDrop),
		events: transport.NewEmitter(0),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	go s.writeLoop()

	s.log.Debug("genai: session open")
	return s, nil
}

// awaitSetup reads server messages until setupComplete. Receive has no
// context, so the read runs in its own goroutine and a cancelled ctx closes
// the session to unblock it.
func awaitSetup(ctx context.Context, live *sdk.Session) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil {
				errCh <- fmt.Errorf("await setupComplete: %w", err)
				return
			}
			if msg.SetupComplete != nil {
				errCh <- nil
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = live.Close()
		<-errCh
		return ctx.Err()
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   *sdk.Session
	log    *slog.Logger
	queue  *transport.OutboundQueue
	events *transport.Emitter

	mu       sync.Mutex
	closed   bool
	errVal   error
	failOnce sync.Once
	done     chan struct{}

	videoSeq uint64 // owned by writeLoop
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) receiveLoop() {
	defer func() {
		s.shutdown()
		s.events.Finish(s.Err())
		s.log.Debug("genai: session closed", "err", s.Err())
	}()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() || isNormalClose(err) {
				return
			}
			s.fail(fmt.Errorf("receive: %w", err))
			return
		}
		if msg.GoAway != nil {
			s.log.Info("genai: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}
		for _, ev := range contentEvents(msg.ServerContent) {
			if !s.events.Emit(ev) {
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// contentEvents converts one server content message into events, preserving
// the order of parts. Inline audio is re-encoded to base64 so that every
// transport hands the codec the same representation.
func contentEvents(sc *sdk.LiveServerContent) []transport.Event {
	var out []transport.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = codec.PCMMIMEType(24000)
				}
				if strings.HasPrefix(mime, "audio/") {
					out = append(out, transport.AudioChunk{Chunk: codec.EncodedChunk{
						Kind:     codec.KindAudio,
						MIMEType: mime,
						Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
					}})
				}
			}
			if p.Text != "" {
				out = append(out, transport.Transcript{Role: transport.RoleModel, Text: p.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, transport.Transcript{Role: transport.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, transport.Transcript{Role: transport.RoleModel, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, transport.Interrupted{})
	}
	if sc.TurnComplete {
		out = append(out, transport.TurnComplete{})
	}
	return out
}

// realtimeInput maps an outbound chunk onto the SDK input type.
func realtimeInput(chunk codec.EncodedChunk) (sdk.LiveRealtimeInput, error) {
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return sdk.LiveRealtimeInput{}, fmt.Errorf("genai: chunk is not base64: %w", err)
	}
	blob := &sdk.Blob{MIMEType: chunk.MIMEType, Data: raw}
	if chunk.Kind == codec.KindVideo {
		return sdk.LiveRealtimeInput{Video: blob}, nil
	}
	return sdk.LiveRealtimeInput{Audio: blob}, nil
}

func (s *session) writeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		chunk, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		in, err := realtimeInput(chunk)
		if err != nil {
			s.log.Warn("genai: dropping outbound chunk", "err", err)
			continue
		}
		if err := s.live.SendRealtimeInput(in); err != nil {
			if !s.isClosed() {
				s.fail(fmt.Errorf("send: %w", err))
			}
			return
		}
		if chunk.Kind == codec.KindVideo {
			s.videoSeq++
			s.events.Emit(transport.VideoAck{Seq: s.videoSeq})
		}
	}
}

// fail records err, reports it as an Error event and tears the session down.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		err = fmt.Errorf("%w: %v", transport.ErrTransportRuntime, err)
		s.mu.Lock()
		if s.errVal == nil {
			s.errVal = err
		}
		s.mu.Unlock()
		s.log.Warn("genai: session failed", "err", err)
		s.events.Emit(transport.Error{Err: err})
		s.shutdown()
	})
}

// shutdown releases the connection and the queue. Safe to call repeatedly.
func (s *session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.queue.Close()
	_ = s.live.Close()
}

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Send queues a chunk for the writer goroutine. It never blocks.
func (s *session) Send(chunk codec.EncodedChunk) { s.queue.Push(chunk) }

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.shutdown()
	return nil
}
