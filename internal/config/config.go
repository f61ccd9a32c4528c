// Package config provides the configuration schema, loader, watcher, and
// transport registry for the milla live session daemon.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// APIKeyEnv is consulted when transport.api_key is empty.
const APIKeyEnv = "GEMINI_API_KEY"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Persona   PersonaConfig   `yaml:"persona"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds logging and HTTP settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address of the /metrics, /healthz and /readyz
	// endpoints (e.g. ":9090"). Empty disables the HTTP server.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TransportConfig selects and configures the realtime endpoint client.
// Name is looked up in the [Registry].
type TransportConfig struct {
	// Name selects the registered transport ("gemini" or "genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. Falls back to the
	// GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// QueueSize bounds the outbound chunk queue.
	QueueSize int `yaml:"queue_size"`

	// Transcribe requests input and output transcriptions.
	Transcribe bool `yaml:"transcribe"`
}

// ResolvedAPIKey returns APIKey, or the value of GEMINI_API_KEY when unset.
func (t TransportConfig) ResolvedAPIKey() string {
	if t.APIKey != "" {
		return t.APIKey
	}
	return os.Getenv(APIKeyEnv)
}

// PersonaConfig is forwarded opaquely to the transport handshake.
type PersonaConfig struct {
	// Voice is the prebuilt voice name (e.g. "Kore").
	Voice string `yaml:"voice"`

	// Instructions is the system instruction text.
	Instructions string `yaml:"instructions"`
}

// CaptureConfig selects the captured media.
type CaptureConfig struct {
	// Video enables periodic snapshots.
	Video bool `yaml:"video"`

	// VideoSource is "camera-front", "camera-rear" or "screen".
	VideoSource string `yaml:"video_source"`

	// FrameInterval is the snapshot cadence (e.g. "500ms").
	FrameInterval time.Duration `yaml:"frame_interval"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per outbound audio chunk.
	BlockSize int `yaml:"block_size"`
}

// PlaybackConfig configures the output device.
type PlaybackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Session converts the capture section into a [capture.Config].
func (c CaptureConfig) Session() (capture.Config, error) {
	src := capture.CameraFront
	if c.VideoSource != "" {
		var ok bool
		if src, ok = capture.ParseVideoSource(c.VideoSource); !ok {
			return capture.Config{}, fmt.Errorf("config: unknown video source %q", c.VideoSource)
		}
	}
	return capture.Config{
		Audio:         true,
		Video:         c.Video,
		VideoSource:   src,
		FrameInterval: c.FrameInterval,
		SampleRate:    c.SampleRate,
		BlockSize:     c.BlockSize,
	}, nil
}

// Session builds the per-session [transport.Config] from the transport and
// persona sections.
func (c *Config) Session() transport.Config {
	return transport.Config{
		Voice:        c.Persona.Voice,
		Instructions: c.Persona.Instructions,
		Model:        c.Transport.Model,
		Transcribe:   c.Transport.Transcribe,
		QueueSize:    c.Transport.QueueSize,
	}
}

// Slog maps l onto a [slog.Level]. Empty or unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
