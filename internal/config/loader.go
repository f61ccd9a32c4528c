package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/milla/pkg/capture"
)

// ValidTransportNames lists the transports registered by the milla binary.
// Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini", "genai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(ValidTransportNames, cfg.Transport.Name) {
		slog.Warn("unknown transport name, it must be registered by the caller",
			"name", cfg.Transport.Name,
			"known", ValidTransportNames,
		)
	}
	if cfg.Transport.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transport.queue_size %d must not be negative", cfg.Transport.QueueSize))
	}
	if cfg.Transport.Name != "" && cfg.Transport.ResolvedAPIKey() == "" {
		slog.Warn("transport.api_key is empty and " + APIKeyEnv + " is not set; the handshake will be rejected")
	}

	// Capture
	if cfg.Capture.VideoSource != "" {
		if _, ok := capture.ParseVideoSource(cfg.Capture.VideoSource); !ok {
			errs = append(errs, fmt.Errorf("capture.video_source %q is invalid; valid values: camera-front, camera-rear, screen", cfg.Capture.VideoSource))
		}
	}
	if cfg.Capture.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_interval %v must not be negative", cfg.Capture.FrameInterval))
	}
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d must not be negative", cfg.Capture.BlockSize))
	}
	if cfg.Capture.VideoSource != "" && !cfg.Capture.Video {
		slog.Warn("capture.video_source is set but capture.video is false; no frames will be sent")
	}

	// Playback
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels < 0 || cfg.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is out of range [0, 2]", cfg.Playback.Channels))
	}

	return errors.Join(errs...)
}
