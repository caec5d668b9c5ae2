package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/babelrelay/internal/config"
	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/pipeline"
	"github.com/MrWong99/babelrelay/internal/resilience"
	"github.com/MrWong99/babelrelay/internal/translate"
	"github.com/MrWong99/babelrelay/pkg/audio"
	discordaudio "github.com/MrWong99/babelrelay/pkg/audio/discord"
	"github.com/MrWong99/babelrelay/pkg/audio/pipe"
	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/MrWong99/babelrelay/pkg/provider/stt/deepgram"
	provider "github.com/MrWong99/babelrelay/pkg/provider/translate"
	"github.com/MrWong99/babelrelay/pkg/provider/translate/deepl"
	oatranslate "github.com/MrWong99/babelrelay/pkg/provider/translate/openai"
	"github.com/MrWong99/babelrelay/pkg/provider/tts"
	"github.com/MrWong99/babelrelay/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/babelrelay/pkg/provider/vad"
	"github.com/MrWong99/babelrelay/pkg/provider/vad/energy"
)

// closerList collects resources opened by provider factories that outlive
// the factory call, e.g. Discord gateway sessions.
type closerList []func() error

func (c *closerList) add(fn func() error) { *c = append(*c, fn) }

func (c *closerList) closeAll() {
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
	*c = nil
}

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, closers *closerList) {
	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Dialer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Dialer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithAPIBase(entry.BaseURL))
		}
		if ws := optString(entry.Options, "ws_endpoint"); ws != "" {
			opts = append(opts, elevenlabs.WithEndpoint(ws))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Translation ───────────────────────────────────────────────────────────
	reg.RegisterTranslator("deepl", func(entry config.ProviderEntry) (provider.Translator, error) {
		var opts []deepl.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepl.WithEndpoint(entry.BaseURL))
		}
		if f := optString(entry.Options, "formality"); f != "" {
			opts = append(opts, deepl.WithFormality(f))
		}
		return deepl.New(entry.APIKey, opts...)
	})

	reg.RegisterTranslator("openai", func(entry config.ProviderEntry) (provider.Translator, error) {
		var opts []oatranslate.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatranslate.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oatranslate.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oatranslate.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, oatranslate.WithMaxRetries(n))
		}
		return oatranslate.New(entry.APIKey, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg.RegisterAudio("pipe", func(entry config.ProviderEntry) (audio.DeviceProvider, error) {
		var opts []pipe.Option
		if optBool(entry.Options, "realtime") {
			opts = append(opts, pipe.WithRealtime())
		}
		return pipe.New(opts...), nil
	})

	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.DeviceProvider, error) {
		guildID := optString(entry.Options, "guild_id")
		if entry.APIKey == "" || guildID == "" {
			return nil, errors.New("discord: api_key (bot token) and options.guild_id are required")
		}
		session, err := discordgo.New("Bot " + entry.APIKey)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			return nil, fmt.Errorf("discord: open session: %w", err)
		}
		closers.add(session.Close)
		slog.Info("discord session connected", "guild_id", guildID)
		return discordaudio.New(session, guildID), nil
	})
}

// buildDeps instantiates the providers named in cfg. The returned map holds
// the device providers by their configured name.
func buildDeps(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (pipeline.Deps, map[string]audio.DeviceProvider, error) {
	var deps pipeline.Deps
	var err error

	if deps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return deps, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if deps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return deps, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	if deps.VAD, err = reg.CreateVAD(vadEntry); err != nil {
		return deps, nil, fmt.Errorf("create vad provider %q: %w", vadEntry.Name, err)
	}

	fallback := translate.NewFallback(metrics)
	for _, entry := range cfg.Providers.Translate {
		tr, err := reg.CreateTranslator(entry)
		if err != nil {
			return deps, nil, fmt.Errorf("create translator %q: %w", entry.Name, err)
		}
		fallback.Add(entry.Name, tr, resilience.BreakerConfig{
			Name:        "translate/" + entry.Name,
			MaxFailures: optInt(entry.Options, "max_failures"),
			Cooldown:    optDuration(entry.Options, "cooldown"),
		})
		slog.Info("provider created", "kind", "translate", "name", entry.Name)
	}
	deps.Translator = fallback

	devices := make(map[string]audio.DeviceProvider, len(cfg.Providers.Audio))
	for _, entry := range cfg.Providers.Audio {
		d, err := reg.CreateAudio(entry)
		if err != nil {
			return deps, nil, fmt.Errorf("create audio provider %q: %w", entry.Name, err)
		}
		devices[entry.Name] = d
		slog.Info("provider created", "kind", "audio", "name", entry.Name)
	}
	return deps, devices, nil
}

// pipelineConfig maps the file config onto the pipeline's.
func pipelineConfig(cfg *config.Config, devices map[string]audio.DeviceProvider) pipeline.Config {
	pc := cfg.Pipeline
	out := pipeline.Config{
		SampleRate:     pc.SampleRate,
		BlockMs:        pc.BlockMs,
		Hangover:       pc.Hangover,
		AudioQueueSize: pc.AudioQueueSize,
		TextQueueSize:  pc.TextQueueSize,
		EchoWindow:     pc.EchoWindow,
		MaxGrowth:      pc.DedupMaxGrowth,
		VAD: vad.Config{
			SpeechThreshold:  optFloat(cfg.Providers.VAD.Options, "speech_threshold"),
			SilenceThreshold: optFloat(cfg.Providers.VAD.Options, "silence_threshold"),
		},
		STTDrainTimeout:  pc.STTDrainTimeout,
		TTSDrainTimeout:  pc.TTSDrainTimeout,
		KeepAlive:        pc.KeepAlive,
		TranslateTimeout: pc.TranslateTimeout,
		TranslateRate:    pc.TranslateRate,
		TranslateBurst:   pc.TranslateBurst,
		VoiceSettings: tts.VoiceSettings{
			Stability:       pc.Voice.Stability,
			SimilarityBoost: pc.Voice.SimilarityBoost,
			SpeakerBoost:    pc.Voice.SpeakerBoost,
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if !pc.STTReconnect.IsZero() {
		out.STTPolicy = pc.STTReconnect.Policy()
	}
	if !pc.TTSReconnect.IsZero() {
		out.TTSPolicy = pc.TTSReconnect.Policy()
	}
	for _, d := range cfg.Directions {
		out.Directions = append(out.Directions, pipeline.DirectionConfig{
			Name:     d.Name,
			Source:   d.Source,
			Target:   d.Target,
			Capture:  pipeline.Endpoint{Devices: devices[d.Capture.Provider], DeviceID: d.Capture.ID},
			Playback: pipeline.Endpoint{Devices: devices[d.Playback.Provider], DeviceID: d.Playback.ID},
			VoiceID:  d.VoiceID,
			EchoPeer: d.EchoPeer,
		})
	}
	return out
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, tr provider.Translator) {
	translators := "(none)"
	if fb, ok := tr.(*translate.Fallback); ok {
		translators = fmt.Sprint(fb.Names())
	}
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║          babelrelay: startup summary          ║")
	fmt.Println("╠═══════════════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("Translate", translators)
	printRow("VAD", providerLabel(cfg.Providers.VAD))
	for _, d := range cfg.Directions {
		printRow(d.Name, fmt.Sprintf("%s→%s %s→%s", d.Source, d.Target, d.Capture.Provider, d.Playback.Provider))
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(default)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(key, value string) {
	if r := []rune(value); len(r) > 27 {
		value = string(r[:26]) + "…"
	}
	if r := []rune(key); len(r) > 14 {
		key = string(r[:14])
	}
	fmt.Printf("║  %-14s : %-27s ║\n", key, value)
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt accepts YAML integers and numeric strings.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// optDuration parses values like "30s". Bare numbers are seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
