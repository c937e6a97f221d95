package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livescribe/internal/gateway"
	"github.com/MrWong99/livescribe/pkg/provider/vad"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and environment overrides only.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Takeover == "" {
		cfg.Server.Takeover = gateway.TakeoverOrphan
	}
	if cfg.Server.MaxFrameBytes == 0 {
		cfg.Server.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}

	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = DefaultBackend
	}
	if cfg.Engine.Language == "" {
		cfg.Engine.Language = DefaultLanguage
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = DefaultSampleRate
	}

	if cfg.VAD.Sensitivity == nil {
		s := DefaultSensitivity
		cfg.VAD.Sensitivity = &s
	}
	if cfg.VAD.NoiseGate == nil {
		g := DefaultNoiseGate
		cfg.VAD.NoiseGate = &g
	}
	if cfg.VAD.PostSpeechSilence == 0 {
		cfg.VAD.PostSpeechSilence = DefaultPostSpeechSilence
	}
}

// LookupFunc matches [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with LIVESCRIBE_* variables read through lookup.
// Environment values take precedence over the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}

	str("LIVESCRIBE_BACKEND", &cfg.Engine.Backend)
	str("LIVESCRIBE_MODEL", &cfg.Engine.Model)
	str("LIVESCRIBE_REALTIME_MODEL", &cfg.Engine.RealtimeModel)
	str("LIVESCRIBE_LANGUAGE", &cfg.Engine.Language)
	str("LIVESCRIBE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("LIVESCRIBE_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	var level string
	str("LIVESCRIBE_LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(level)
	}

	if v, ok := lookup("LIVESCRIBE_VAD_SENSITIVITY"); ok && v != "" {
		var s float64
		float("LIVESCRIBE_VAD_SENSITIVITY", &s)
		cfg.VAD.Sensitivity = &s
	}
	if v, ok := lookup("LIVESCRIBE_NOISE_GATE"); ok && v != "" {
		g, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIVESCRIBE_NOISE_GATE: %w", err))
		} else {
			cfg.VAD.NoiseGate = &g
		}
	}
	float("LIVESCRIBE_POST_SPEECH_SILENCE", &cfg.VAD.PostSpeechSilence)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, err := gateway.ParseTakeover(string(cfg.Server.Takeover)); err != nil {
		errs = append(errs, fmt.Errorf("server.takeover: %w", err))
	}
	if cfg.Server.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes must not be negative, got %d", cfg.Server.MaxFrameBytes))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must not be negative, got %v", cfg.Server.WriteTimeout))
	}

	// Engine
	if cfg.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required"))
	}
	if cfg.Engine.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate must be positive, got %d", cfg.Engine.SampleRate))
	}
	if cfg.Engine.Threads < 0 {
		errs = append(errs, fmt.Errorf("engine.threads must not be negative, got %d", cfg.Engine.Threads))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"engine.realtime_interval", cfg.Engine.RealtimeInterval},
		{"engine.max_utterance", cfg.Engine.MaxUtterance},
		{"engine.preroll", cfg.Engine.Preroll},
		{"vad.post_speech_silence", cfg.VAD.PostSpeechSilence},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", f.name, f.v))
		}
	}

	// VAD
	if s := cfg.VAD.Sensitivity; s != nil && (*s < 0 || *s > 1) {
		errs = append(errs, fmt.Errorf("vad.sensitivity %.2f is out of range [0, 1]", *s))
	}
	if g := cfg.VAD.NoiseGate; g != nil && (*g < 0 || *g > vad.MaxNoiseGate) {
		errs = append(errs, fmt.Errorf("vad.noise_gate %d is out of range [0, %d]", *g, vad.MaxNoiseGate))
	}
	if cfg.VAD.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("vad.frame_ms must not be negative, got %d", cfg.VAD.FrameMs))
	}

	return errors.Join(errs...)
}
