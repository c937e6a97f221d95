// Package config provides the configuration schema, loader, and recognition
// backend registry for the livescribe gateway.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/internal/gateway"
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

// Level maps l to the slog level. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
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

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8011"
	DefaultBackend           = "whisper"
	DefaultLanguage          = "en"
	DefaultSampleRate        = 16000
	DefaultSensitivity       = 0.6
	DefaultNoiseGate         = 3
	DefaultPostSpeechSilence = 0.6
	DefaultWriteTimeout      = 5.0
	DefaultMaxFrameBytes     = 1 << 20
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	VAD       VADConfig       `yaml:"vad"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8011").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// Takeover selects what happens to an open connection when a new client
	// connects: orphan, close or reject.
	Takeover gateway.Takeover `yaml:"takeover"`

	// MaxFrameBytes limits the size of one inbound message.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// WriteTimeout bounds a single outbound event write, in seconds.
	WriteTimeout float64 `yaml:"write_timeout"`

	// WaitForEngine delays opening the listener until the models are loaded.
	// Defaults to true.
	WaitForEngine *bool `yaml:"wait_for_engine"`

	// OriginPatterns lists hosts allowed to connect cross-origin.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// EngineConfig selects and tunes the recognition backend.
type EngineConfig struct {
	// Backend names a loader registered in the [Registry]: whisper or vosk.
	Backend string `yaml:"backend"`

	// Model is the primary model path, used for full sentences.
	Model string `yaml:"model"`

	// RealtimeModel is the lightweight model used for partials. Empty means
	// the primary model is used for both.
	RealtimeModel string `yaml:"realtime_model"`

	Language string `yaml:"language"`

	// SampleRate is the rate all audio is resampled to before recognition.
	SampleRate int `yaml:"sample_rate"`

	// Threads for whisper inference. Zero lets the backend decide.
	Threads int `yaml:"threads"`

	// RealtimeInterval is the audio span between partial passes, in seconds.
	RealtimeInterval float64 `yaml:"realtime_interval"`

	// MaxUtterance forces an utterance end after this many seconds.
	MaxUtterance float64 `yaml:"max_utterance"`

	// Preroll is the audio kept from before speech onset, in seconds.
	Preroll float64 `yaml:"preroll"`

	// EmitFullSentences enables fullSentence events at utterance end.
	EmitFullSentences bool `yaml:"emit_full_sentences"`
}

// VADConfig tunes speech endpointing.
type VADConfig struct {
	// Sensitivity in [0, 1]; higher detects quieter speech.
	Sensitivity *float64 `yaml:"sensitivity"`

	// NoiseGate in [0, 3]; 0 disables the adaptive noise gate.
	NoiseGate *int `yaml:"noise_gate"`

	// PostSpeechSilence is the trailing silence that ends an utterance, in
	// seconds.
	PostSpeechSilence float64 `yaml:"post_speech_silence"`

	// FrameMs is the VAD analysis frame length in milliseconds.
	FrameMs int `yaml:"frame_ms"`
}

// TelemetryConfig selects the trace exporter. Metrics are always served on
// /metrics.
type TelemetryConfig struct {
	// OTLPEndpoint is the host:port of an OTLP/gRPC trace collector.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// StdoutTraces pretty-prints spans to stdout when no collector is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

// Seconds converts a configured number of seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// WaitsForEngine reports the effective wait_for_engine value.
func (s ServerConfig) WaitsForEngine() bool {
	return s.WaitForEngine == nil || *s.WaitForEngine
}
