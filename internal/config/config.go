// Package config provides the configuration schema, loader, and provider registry
// for the babelrelay speech translation relay.
package config

import (
	"time"

	"github.com/MrWong99/babelrelay/internal/resilience"
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

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Providers  ProvidersConfig   `yaml:"providers"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Directions []DirectionConfig `yaml:"directions"`
}

// ServerConfig holds the observability endpoint, logging and shutdown
// settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`

	// ShutdownTimeout bounds the cooperative drain after a stop signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	// Translate lists translators in fallback order.
	Translate []ProviderEntry `yaml:"translate"`

	// Audio lists the device providers directions can refer to by name.
	Audio []ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "deepl").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the relay stages shared by all directions. Zero
// values select the pipeline defaults, except for the optional fields where
// only an absent value does.
type PipelineConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	BlockMs        int `yaml:"block_ms"`
	AudioQueueSize int `yaml:"audio_queue_size"`
	TextQueueSize  int `yaml:"text_queue_size"`

	// Hangover is the number of silent blocks still forwarded after speech.
	// Optional; 0 ends an utterance on its first silent block.
	Hangover *int `yaml:"hangover"`

	// EchoWindow is how long after a direction's synthesis the peer
	// direction ignores recognized speech. It can be changed without restart.
	EchoWindow time.Duration `yaml:"echo_window"`

	// DedupMaxGrowth is the smallest growth in characters for which a
	// recognized final extending the previous one is emitted. Optional; 0
	// emits every extension.
	DedupMaxGrowth *int `yaml:"dedup_max_growth"`

	KeepAlive        time.Duration `yaml:"keepalive"`
	STTDrainTimeout  time.Duration `yaml:"stt_drain_timeout"`
	TTSDrainTimeout  time.Duration `yaml:"tts_drain_timeout"`
	TranslateTimeout time.Duration `yaml:"translate_timeout"`

	// TranslateRate caps translation requests per second and direction.
	// Zero means unlimited.
	TranslateRate  float64 `yaml:"translate_rate"`
	TranslateBurst int     `yaml:"translate_burst"`

	Voice VoiceConfig `yaml:"voice"`

	STTReconnect ReconnectConfig `yaml:"stt_reconnect"`
	TTSReconnect ReconnectConfig `yaml:"tts_reconnect"`
}

// VoiceConfig holds the synthesizer voice settings.
type VoiceConfig struct {
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	SpeakerBoost    bool    `yaml:"speaker_boost"`
}

// ReconnectConfig is the YAML form of [resilience.ReconnectPolicy].
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base"`
	Step        time.Duration `yaml:"step"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// IsZero reports whether nothing was configured.
func (r ReconnectConfig) IsZero() bool { return r == ReconnectConfig{} }

// Policy converts r to a reconnect policy, filling unset delays from
// [resilience.DefaultReconnectPolicy].
func (r ReconnectConfig) Policy() resilience.ReconnectPolicy {
	p := resilience.DefaultReconnectPolicy()
	if r.Base > 0 {
		p.Base = r.Base
	}
	if r.Step > 0 {
		p.Step = r.Step
	}
	if r.Cap > 0 {
		p.Cap = r.Cap
	}
	p.MaxAttempts = r.MaxAttempts
	return p
}

// DirectionConfig describes one relay direction.
type DirectionConfig struct {
	// Name identifies the direction (e.g., "es_to_en").
	Name string `yaml:"name"`

	// Source is the spoken language captured, Target the language played.
	Source string `yaml:"source"`
	Target string `yaml:"target"`

	Capture  DeviceRef `yaml:"capture"`
	Playback DeviceRef `yaml:"playback"`

	// VoiceID selects the synthesizer voice for Target.
	VoiceID string `yaml:"voice_id"`

	// EchoPeer names the direction whose playback this capture can hear.
	// With two directions it defaults to the other one.
	EchoPeer string `yaml:"echo_peer"`
}

// DeviceRef selects a device of a configured audio provider.
type DeviceRef struct {
	// Provider is the name of an entry in providers.audio.
	Provider string `yaml:"provider"`

	// ID is passed to the provider unchanged: a path for pipe, a voice
	// channel ID for discord.
	ID string `yaml:"id"`
}
