package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/milla/internal/config"
	"github.com/MrWong99/milla/internal/observe"
	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/playback"
	"github.com/MrWong99/milla/pkg/session"
	"github.com/MrWong99/milla/pkg/transport"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session is
// running or being opened.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the running session.
type SessionInfo struct {
	// SessionID is the controller's identifier.
	SessionID string

	// StartedAt is when the session reached the open state.
	StartedAt time.Time

	// Voice is the persona voice the session was opened with.
	Voice string

	// VideoSource is empty for audio-only sessions.
	VideoSource string
}

// DialerFactory builds a dialer for a transport section. [config.Registry]'s
// CreateDialer method satisfies it.
type DialerFactory func(config.TransportConfig) (transport.Dialer, error)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Capture *capture.Adapter
	Output  playback.Output
	Dialers DialerFactory

	// Metrics defaults to no-op recording.
	Metrics session.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTranscript and OnVisualization are forwarded to every session.
	OnTranscript    func(transport.Transcript)
	OnVisualization func(audio.PlaybackBuffer)
}

// SessionManager runs at most one session at a time and reports when that
// session ends on its own. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	ctrl     *session.Controller
	starting bool
	gen      uint64
	state    session.State
	hasState bool
	info     SessionInfo
	lastErr  error

	// ended receives the runtime error (or nil) of a session that closed
	// without Stop being called.
	ended chan error
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		cfg:   cfg,
		log:   log,
		ended: make(chan error, 1),
	}
}

// Start opens a new session from cfg. It blocks until the session is open or
// has failed; on failure nothing stays acquired.
func (sm *SessionManager) Start(ctx context.Context, cfg *config.Config) error {
	sm.mu.Lock()
	if sm.ctrl != nil || sm.starting {
		sm.mu.Unlock()
		return ErrSessionActive
	}
	sm.starting = true
	sm.gen++
	gen := sm.gen
	sm.lastErr = nil
	sm.mu.Unlock()

	ctrl, err := sm.open(ctx, cfg, gen)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.starting = false
	if err != nil {
		return err
	}
	sm.ctrl = ctrl
	sm.info = SessionInfo{
		SessionID: ctrl.ID(),
		StartedAt: time.Now().UTC(),
		Voice:     cfg.Persona.Voice,
	}
	if cfg.Capture.Video {
		sm.info.VideoSource = cfg.Capture.VideoSource
		if sm.info.VideoSource == "" {
			sm.info.VideoSource = capture.CameraFront.String()
		}
	}
	go sm.watch(ctrl)
	return nil
}

func (sm *SessionManager) open(ctx context.Context, cfg *config.Config, gen uint64) (*session.Controller, error) {
	ctx, span := observe.StartSpan(ctx, "session.open")
	defer span.End()

	capCfg, err := cfg.Capture.Session()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	dialer, err := sm.cfg.Dialers(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	opts := session.Options{
		Capture:         capCfg,
		Transport:       cfg.Session(),
		OnTranscript:    sm.cfg.OnTranscript,
		OnVisualization: sm.cfg.OnVisualization,
		OnError:         func(err error) { sm.recordError(gen, err) },
		OnStateChange:   func(st session.State) { sm.setState(gen, st) },
		Logger:          observe.Logger(ctx, sm.log),
		Metrics:         sm.cfg.Metrics,
	}
	deps := session.Deps{
		Capture: sm.cfg.Capture,
		Dialer:  dialer,
		Output:  sm.cfg.Output,
	}

	ctrl, err := session.Open(ctx, deps, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, session.StatusMessage(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", ctrl.ID()))
	return ctrl, nil
}

// watch reports a session that ends while it is still the current one.
func (sm *SessionManager) watch(ctrl *session.Controller) {
	<-ctrl.Done()
	sm.mu.Lock()
	if sm.ctrl != ctrl {
		sm.mu.Unlock()
		return
	}
	sm.ctrl = nil
	err := sm.lastErr
	sm.mu.Unlock()

	select {
	case sm.ended <- err:
	default:
	}
}

func (sm *SessionManager) recordError(gen uint64, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if gen == sm.gen {
		sm.lastErr = err
	}
}

func (sm *SessionManager) setState(gen uint64, st session.State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if gen == sm.gen {
		sm.state = st
		sm.hasState = true
	}
}

// Stop closes the current session, if any. The session is not reported on
// [SessionManager.Ended].
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.ctrl = nil
	sm.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	sm.log.Info("stopping session", "session_id", ctrl.ID())
	return ctrl.Close()
}

// Ended delivers the outcome of a session that closed by itself: nil for a
// graceful remote close, otherwise the last runtime error.
func (sm *SessionManager) Ended() <-chan error { return sm.ended }

// State reports the lifecycle state of the most recent session, and false
// when none was started yet.
func (sm *SessionManager) State() (session.State, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state, sm.hasState
}

// Info returns metadata about the running session and whether one is running.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return SessionInfo{}, false
	}
	return sm.info, true
}

// Controller returns the running session, or nil.
func (sm *SessionManager) Controller() *session.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}
