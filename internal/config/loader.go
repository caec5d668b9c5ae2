package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram"},
	"tts":       {"elevenlabs"},
	"translate": {"deepl", "openai"},
	"vad":       {"energy"},
	"audio":     {"pipe", "discord"},
}

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
// ${VAR} and $VAR references are expanded from the environment before
// decoding, so secrets need not be written to the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
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

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if len(cfg.Providers.Translate) == 0 {
		errs = append(errs, errors.New("providers.translate needs at least one translator"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for i, tr := range cfg.Providers.Translate {
		if tr.Name == "" {
			errs = append(errs, fmt.Errorf("providers.translate[%d].name is required", i))
		}
		validateProviderName("translate", tr.Name)
	}
	audioSeen := make(map[string]int, len(cfg.Providers.Audio))
	for i, a := range cfg.Providers.Audio {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("providers.audio[%d].name is required", i))
			continue
		}
		if prev, ok := audioSeen[a.Name]; ok {
			errs = append(errs, fmt.Errorf("providers.audio[%d].name %q is a duplicate of providers.audio[%d]", i, a.Name, prev))
		}
		audioSeen[a.Name] = i
		validateProviderName("audio", a.Name)
	}

	errs = append(errs, validatePipeline(cfg.Pipeline)...)

	// Directions
	if len(cfg.Directions) == 0 {
		errs = append(errs, errors.New("directions: at least one direction is required"))
	}
	dirSeen := make(map[string]int, len(cfg.Directions))
	for i, d := range cfg.Directions {
		prefix := fmt.Sprintf("directions[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := dirSeen[d.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of directions[%d]", prefix, d.Name, prev))
			}
			dirSeen[d.Name] = i
		}
		if d.Source == "" {
			errs = append(errs, fmt.Errorf("%s.source is required", prefix))
		}
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("%s.target is required", prefix))
		}
		if d.Source != "" && d.Source == d.Target {
			slog.Warn("direction translates into its own language", "direction", d.Name, "language", d.Source)
		}
		if d.VoiceID == "" {
			errs = append(errs, fmt.Errorf("%s.voice_id is required", prefix))
		}
		for kind, ref := range map[string]DeviceRef{"capture": d.Capture, "playback": d.Playback} {
			if ref.ID == "" {
				errs = append(errs, fmt.Errorf("%s.%s.id is required", prefix, kind))
			}
			if _, ok := audioSeen[ref.Provider]; !ok {
				errs = append(errs, fmt.Errorf("%s.%s.provider %q is not configured in providers.audio", prefix, kind, ref.Provider))
			}
		}
	}
	for i, d := range cfg.Directions {
		if d.EchoPeer == "" {
			continue
		}
		if d.EchoPeer == d.Name {
			errs = append(errs, fmt.Errorf("directions[%d].echo_peer must name another direction", i))
		} else if _, ok := dirSeen[d.EchoPeer]; !ok {
			errs = append(errs, fmt.Errorf("directions[%d].echo_peer %q is not a configured direction", i, d.EchoPeer))
		}
	}
	if len(cfg.Directions) > 2 {
		for _, d := range cfg.Directions {
			if d.EchoPeer == "" {
				slog.Warn("direction has no echo peer; echo suppression is off for it", "direction", d.Name)
			}
		}
	}

	return errors.Join(errs...)
}

func validatePipeline(p PipelineConfig) []error {
	var errs []error
	for name, v := range map[string]int{
		"sample_rate":      p.SampleRate,
		"block_ms":         p.BlockMs,
		"audio_queue_size": p.AudioQueueSize,
		"text_queue_size":  p.TextQueueSize,
		"translate_burst":  p.TranslateBurst,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	for name, v := range map[string]*int{
		"hangover":         p.Hangover,
		"dedup_max_growth": p.DedupMaxGrowth,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	for name, v := range map[string]time.Duration{
		"echo_window":       p.EchoWindow,
		"keepalive":         p.KeepAlive,
		"stt_drain_timeout": p.STTDrainTimeout,
		"tts_drain_timeout": p.TTSDrainTimeout,
		"translate_timeout": p.TranslateTimeout,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	if p.TranslateRate < 0 {
		errs = append(errs, errors.New("pipeline.translate_rate must not be negative"))
	}
	if p.Voice.Stability < 0 || p.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.stability %.2f is out of range [0, 1]", p.Voice.Stability))
	}
	if p.Voice.SimilarityBoost < 0 || p.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.similarity_boost %.2f is out of range [0, 1]", p.Voice.SimilarityBoost))
	}
	for name, rc := range map[string]ReconnectConfig{"stt_reconnect": p.STTReconnect, "tts_reconnect": p.TTSReconnect} {
		if rc.IsZero() {
			continue
		}
		if err := rc.Policy().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.%s: %w", name, err))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
