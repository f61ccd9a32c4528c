// Package app wires the milla subsystems into a running daemon.
//
// An App owns one live session at a time through a [SessionManager], applies
// configuration reloads (hot log level, session restart on transport,
// persona or capture changes), and serves /metrics, /healthz and /readyz.
// A session that fails or ends is not reopened: Run returns and the process
// exits with the user-facing status logged.
//
// For testing, inject doubles through [Deps] (mock capture device, mock
// transport registered in the registry, mock playback output) and the
// functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/milla/internal/config"
	"github.com/MrWong99/milla/internal/health"
	"github.com/MrWong99/milla/internal/observe"
	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/playback"
	"github.com/MrWong99/milla/pkg/session"
	"github.com/MrWong99/milla/pkg/transport"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// errSessionEnded stops the run loop after a graceful remote close.
var errSessionEnded = errors.New("app: session ended")

// Deps are the long-lived collaborators shared by every session.
type Deps struct {
	Capture  *capture.Adapter
	Output   playback.Output
	Registry *config.Registry
}

// App owns the session lifecycle and the daemon's HTTP surface.
type App struct {
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics
	sm      *SessionManager

	onTranscript func(transport.Transcript)
	onLevel      func(level, orbRadius float64)

	mu  sync.Mutex
	cfg *config.Config

	// reloads holds at most one pending config that needs a session restart.
	reloads chan *config.Config
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets reloads change the log level of handlers built on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTranscriptHandler receives transcription fragments. By default they are
// logged at info level.
func WithTranscriptHandler(fn func(transport.Transcript)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// WithVisualizationHandler receives the playback level and orb radius of
// every scheduled buffer. By default they are logged at debug level.
func WithVisualizationHandler(fn func(level, orbRadius float64)) Option {
	return func(a *App) { a.onLevel = fn }
}

// New creates an App for cfg. Nothing is opened until Run.
func New(cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("app: config is required")
	case deps.Capture == nil:
		return nil, errors.New("app: capture adapter is required")
	case deps.Output == nil:
		return nil, errors.New("app: playback output is required")
	case deps.Registry == nil:
		return nil, errors.New("app: transport registry is required")
	}

	a := &App{
		cfg:     cfg,
		reloads: make(chan *config.Config, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Slog())
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.onTranscript == nil {
		a.onTranscript = a.logTranscript
	}
	if a.onLevel == nil {
		a.onLevel = a.logLevel
	}

	a.sm = NewSessionManager(SessionManagerConfig{
		Capture:         deps.Capture,
		Output:          deps.Output,
		Dialers:         deps.Registry.CreateDialer,
		Metrics:         a.metrics,
		Logger:          a.log,
		OnTranscript:    a.onTranscript,
		OnVisualization: a.visualize,
	})
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sm }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Handler returns the HTTP handler serving /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.SessionReady(a.sm.State)).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the session and blocks until ctx is cancelled, the session ends,
// or a restart fails. A graceful end or cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	if err := a.sm.Start(ctx, cfg); err != nil {
		a.log.Error("session failed to start", "status", session.StatusMessage(err), "err", err)
		return fmt.Errorf("app: %w", err)
	}
	a.logSession()

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics and health", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error { return a.loop(gctx) })

	err := g.Wait()
	if stopErr := a.sm.Stop(); stopErr != nil {
		a.log.Warn("session close", "err", stopErr)
	}
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

func (a *App) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-a.reloads:
			if err := a.restart(ctx, cfg); err != nil {
				return err
			}
		case err := <-a.sm.Ended():
			if err != nil {
				a.log.Error("session ended", "status", session.StatusMessage(err), "err", err)
				return fmt.Errorf("app: session ended: %w", err)
			}
			a.log.Info("session ended", "status", session.StatusEnded)
			return errSessionEnded
		}
	}
}

// restart replaces the running session with one opened from cfg.
func (a *App) restart(ctx context.Context, cfg *config.Config) error {
	a.log.Info("restarting session for new configuration")
	if err := a.sm.Stop(); err != nil {
		a.log.Warn("session close", "err", err)
	}
	if err := a.sm.Start(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.log.Error("session failed to restart", "status", session.StatusMessage(err), "err", err)
		return fmt.Errorf("app: restart: %w", err)
	}
	a.logSession()
	return nil
}

func (a *App) logSession() {
	if info, ok := a.sm.Info(); ok {
		a.log.Info(session.StatusListening,
			"session_id", info.SessionID,
			"voice", info.Voice,
			"video_source", info.VideoSource,
		)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// OnConfigChange applies a reloaded config. Pass it to [config.NewWatcher].
// The log level changes immediately; a session restart is queued for the
// run loop.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PlaybackChanged {
		a.log.Warn("playback settings changed; restart the process to apply them")
	}
	if d.MetricsChanged {
		a.log.Warn("server.metrics_addr changed; restart the process to apply it")
	}
	if !d.RestartSession() {
		return
	}

	// Keep only the newest pending config.
	for {
		select {
		case a.reloads <- new:
			return
		default:
		}
		select {
		case <-a.reloads:
		default:
		}
	}
}

// visualize sizes the orb for the config in effect, so a reload that toggles
// video applies to the next buffer.
func (a *App) visualize(buf audio.PlaybackBuffer) {
	level := audio.Level(buf)
	a.onLevel(level, audio.OrbRadius(level, a.Config().Capture.Video))
}

func (a *App) logLevel(level, orbRadius float64) {
	a.log.Debug("playback level", "level", level, "orb_radius", orbRadius)
}

func (a *App) logTranscript(t transport.Transcript) {
	a.log.Info("transcript", "role", string(t.Role), "text", t.Text)
}
