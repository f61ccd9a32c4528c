// Package gemini implements [transport.Dialer] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Media chunks travel as base64-encoded realtimeInput mediaChunks in both
// directions; the payload is passed through untouched so that decoding stays in
// the codec layer.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/milla/pkg/codec"
	"github.com/MrWong99/milla/pkg/transport"
)

// Compile-time assertions that Dialer and session satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the default Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithLogger sets the logger for session lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Gemini Live sessions.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects, sends the setup message and waits for setupComplete. There is
// no internal timeout; ctx bounds the whole handshake.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %v", transport.ErrHandshakeFailed, err)
	}
	conn.SetReadLimit(readLimit)

	model := cfg.Model
	if model == "" {
		model = d.model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		log:    d.log.With("transport", "gemini", "model", model),
		queue:  transport.NewOutboundQueue(cfg.QueueSize, cfg.OnDrop),
		events: transport.NewEmitter(0),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.handshake(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: %v", transport.ErrHandshakeFailed, err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	sess.log.Debug("gemini: session open")
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) err() error {
	msg := "unknown error"
	if e.Message != "" {
		msg = e.Message
	}
	if e.Code != 0 {
		return fmt.Errorf("gemini: %d %s", e.Code, msg)
	}
	return fmt.Errorf("gemini: %s", msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	log    *slog.Logger
	queue  *transport.OutboundQueue
	events *transport.Emitter

	mu       sync.Mutex
	closed   bool
	errVal   error
	failOnce sync.Once

	videoSeq uint64 // owned by writeLoop

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends the setup message and reads until setupComplete.
func (s *session) handshake(ctx context.Context, model string, cfg transport.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", strings.TrimPrefix(model, "models/")),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var resp serverMessage
		if err := json.Unmarshal(data, &resp); err != nil {
			continue // skip malformed frames
		}
		if resp.Error != nil {
			return resp.Error.err()
		}
		if resp.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the event stream: it emits the final Closed event when it exits.
func (s *session) receiveLoop() {
	defer func() {
		s.cancel()
		s.queue.Close()
		s.events.Finish(s.Err())
		s.log.Debug("gemini: session closed", "err", s.Err())
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local close or a clean close frame from the server ends the
			// session without an error.
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.fail(fmt.Errorf("read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			s.fail(msg.Error.err())
			return
		}
		if msg.GoAway != nil {
			s.log.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil {
			for _, ev := range contentEvents(msg.ServerContent) {
				if !s.events.Emit(ev) {
					return
				}
			}
		}
	}
}

// contentEvents converts one serverContent message into events, preserving
// the order of parts.
func contentEvents(sc *serverContent) []transport.Event {
	var out []transport.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = codec.PCMMIMEType(24000)
				}
				if strings.HasPrefix(mime, "audio/") {
					out = append(out, transport.AudioChunk{Chunk: codec.EncodedChunk{
						Kind:     codec.KindAudio,
						MIMEType: mime,
						Data:     p.InlineData.Data,
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

// writeLoop drains the outbound queue onto the connection in Send order.
func (s *session) writeLoop() {
	for {
		chunk, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}
		msg := realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []mediaChunk{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
			},
		}
		if err := s.writeJSON(s.ctx, msg); err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("write: %w", err))
			}
			return
		}
		if chunk.Kind == codec.KindVideo {
			s.videoSeq++
			s.events.Emit(transport.VideoAck{Seq: s.videoSeq})
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// fail records err, reports it as an Error event and tears the session down.
// Only the first failure is reported.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		err = fmt.Errorf("%w: %v", transport.ErrTransportRuntime, err)
		s.mu.Lock()
		if s.errVal == nil {
			s.errVal = err
		}
		s.mu.Unlock()
		s.log.Warn("gemini: session failed", "err", err)
		s.events.Emit(transport.Error{Err: err})
		s.cancel()
	})
}

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// ── transport.Session methods ──────────────────────────────────────────────────

// Send queues a chunk for the writer goroutine. It never blocks.
func (s *session) Send(chunk codec.EncodedChunk) {
	s.queue.Push(chunk)
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.queue.Close()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
