// Command milla runs a live voice (and optionally video) session against a
// realtime model endpoint, playing the replies on the default speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/milla/internal/app"
	"github.com/MrWong99/milla/internal/config"
	"github.com/MrWong99/milla/internal/observe"
	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/capture/mediadevices"
	"github.com/MrWong99/milla/pkg/playback"
	"github.com/MrWong99/milla/pkg/playback/speaker"
	"github.com/MrWong99/milla/pkg/transport"
	"github.com/MrWong99/milla/pkg/transport/gemini"
	"github.com/MrWong99/milla/pkg/transport/genai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "milla.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "milla: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "milla: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("milla starting",
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"voice", cfg.Persona.Voice,
		"video", cfg.Capture.Video,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "milla"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(ctx, reg, logger)

	// ── Capture ───────────────────────────────────────────────────────────────
	adapter := capture.NewAdapter(mediadevices.New(mediadevices.WithLogger(logger)),
		capture.WithLogger(logger))
	if capb := adapter.Capability(); !capb.IsSupported() {
		slog.Error("capture unavailable", "reason", capb.Reason())
		return 1
	}

	// ── Playback ──────────────────────────────────────────────────────────────
	rate, channels := cfg.Playback.SampleRate, cfg.Playback.Channels
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	timeline := playback.NewTimeline(rate, channels)
	spk, err := speaker.Open(timeline, speaker.WithLogger(logger))
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}
	defer func() {
		if err := spk.Close(); err != nil {
			slog.Warn("speaker close", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, app.Deps{
		Capture:  adapter,
		Output:   timeline,
		Registry: reg,
	},
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.OnConfigChange)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("connecting, press Ctrl+C to end the session")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "err", err)
		return 1
	}
	slog.Info("milla stopped")
	return 0
}

// registerBuiltinTransports registers the realtime endpoint clients.
func registerBuiltinTransports(ctx context.Context, reg *config.Registry, logger *slog.Logger) {
	reg.RegisterTransport("gemini", func(tc config.TransportConfig) (transport.Dialer, error) {
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if tc.Model != "" {
			opts = append(opts, gemini.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(tc.BaseURL))
		}
		return gemini.New(tc.ResolvedAPIKey(), opts...), nil
	})
	reg.RegisterTransport("genai", func(tc config.TransportConfig) (transport.Dialer, error) {
		opts := []genai.Option{genai.WithLogger(logger)}
		if tc.Model != "" {
			opts = append(opts, genai.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(tc.BaseURL))
		}
		d, err := genai.New(ctx, tc.ResolvedAPIKey(), opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}
