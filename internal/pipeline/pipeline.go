// Package pipeline wires the relay directions together and supervises them.
//
// A [Pipeline] owns, per direction, the capture and playback device handles,
// the segmenter, the three relay queues and the transcription, translation
// and synthesis stages between them. All directions share one echo guard.
//
// Shutdown is cooperative: cancelling the context passed to [Pipeline.Run]
// stops the capture sources, after which the queue sentinels flow from the
// audio queue through the text queues to the synthesis session of every
// direction. If that drain stalls longer than the shutdown timeout the
// remaining I/O is cancelled.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelrelay/internal/echo"
	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/relay"
	"github.com/MrWong99/babelrelay/internal/resilience"
	"github.com/MrWong99/babelrelay/internal/segment"
	"github.com/MrWong99/babelrelay/internal/synthesize"
	"github.com/MrWong99/babelrelay/internal/transcribe"
	"github.com/MrWong99/babelrelay/internal/translate"
	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	provider "github.com/MrWong99/babelrelay/pkg/provider/translate"
	"github.com/MrWong99/babelrelay/pkg/provider/tts"
	"github.com/MrWong99/babelrelay/pkg/provider/vad"
	"github.com/MrWong99/babelrelay/pkg/types"
)

// Defaults applied by [New] to zero [Config] fields.
const (
	DefaultSampleRate      = 16000
	DefaultAudioQueueSize  = 500
	DefaultTextQueueSize   = 50
	DefaultEchoWindow      = 8 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultStatusInterval  = time.Minute
)

// Endpoint is one audio device of a direction.
type Endpoint struct {
	// Devices opens the device.
	Devices audio.DeviceProvider

	// DeviceID is passed to Devices unchanged.
	DeviceID string
}

// DirectionConfig describes one relay direction.
type DirectionConfig struct {
	// Name identifies the direction in logs, metrics and the echo guard,
	// e.g. "es_to_en".
	Name string

	// Source is the spoken language of the capture device, Target the
	// language played back.
	Source string
	Target string

	Capture  Endpoint
	Playback Endpoint

	// VoiceID selects the synthesizer voice.
	VoiceID string

	// EchoPeer is the direction whose playback this direction's capture can
	// hear. With exactly two directions it defaults to the other one.
	EchoPeer string
}

// Config parameterises a [Pipeline]. Zero values select the package
// defaults.
type Config struct {
	Directions []DirectionConfig

	// SampleRate of the relay path. Captured audio is converted to it.
	SampleRate int

	// BlockMs and Hangover configure the segmenters. A nil Hangover selects
	// segment.DefaultHangover.
	BlockMs  int
	Hangover *int

	// VAD carries the detector thresholds; sample rate and frame size are
	// taken from SampleRate and BlockMs.
	VAD vad.Config

	AudioQueueSize int
	TextQueueSize  int

	// EchoWindow is the initial echo guard window.
	EchoWindow time.Duration

	// MaxGrowth is the transcription dedup growth threshold. Nil selects
	// transcribe.DefaultMaxGrowth.
	MaxGrowth *int

	// STTPolicy and TTSPolicy control reconnect backoff of the sessions.
	STTPolicy resilience.ReconnectPolicy
	TTSPolicy resilience.ReconnectPolicy

	STTDrainTimeout time.Duration
	TTSDrainTimeout time.Duration
	KeepAlive       time.Duration

	// TranslateTimeout, TranslateRate and TranslateBurst configure the
	// translation stages.
	TranslateTimeout time.Duration
	TranslateRate    float64
	TranslateBurst   int

	VoiceSettings tts.VoiceSettings

	// ShutdownTimeout bounds the cooperative drain after cancellation.
	ShutdownTimeout time.Duration

	// StatusInterval is the period of the status log. Negative disables it.
	StatusInterval time.Duration
}

// Deps are the providers shared by all directions.
type Deps struct {
	VAD        vad.Engine
	STT        stt.Dialer
	TTS        tts.Dialer
	Translator provider.Translator
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder passed to every stage.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEchoGuard replaces the echo guard built from the configuration.
func WithEchoGuard(g *echo.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithSleep overrides the reconnect backoff wait of all sessions. Intended
// for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// Pipeline runs every configured direction.
type Pipeline struct {
	cfg     Config
	deps    Deps
	guard   *echo.Guard
	metrics *observe.Metrics
	stats   *Stats
	sleep   func(ctx context.Context, d time.Duration) error

	started atomic.Bool
	dirs    []*direction
	mu      sync.Mutex
}

// New validates cfg and returns a Pipeline. No device is opened before
// [Pipeline.Run].
func New(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.VAD == nil || deps.STT == nil || deps.TTS == nil || deps.Translator == nil {
		return nil, errors.New("pipeline: VAD, STT, TTS and translator are required")
	}
	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		cfg:   cfg,
		deps:  deps,
		stats: NewStats(0),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.guard == nil {
		names := make([]string, len(cfg.Directions))
		for i, d := range cfg.Directions {
			names[i] = d.Name
		}
		p.guard = echo.NewGuard(cfg.EchoWindow, names)
	}
	return p, nil
}

func withDefaults(cfg Config) Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = segment.DefaultBlockMs
	}
	if cfg.Hangover == nil {
		cfg.Hangover = new(segment.DefaultHangover)
	}
	if cfg.MaxGrowth == nil {
		cfg.MaxGrowth = new(transcribe.DefaultMaxGrowth)
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = DefaultAudioQueueSize
	}
	if cfg.TextQueueSize <= 0 {
		cfg.TextQueueSize = DefaultTextQueueSize
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}
	if cfg.STTPolicy == (resilience.ReconnectPolicy{}) {
		cfg.STTPolicy = resilience.DefaultReconnectPolicy()
	}
	if cfg.TTSPolicy == (resilience.ReconnectPolicy{}) {
		cfg.TTSPolicy = resilience.DefaultReconnectPolicy().WithMaxAttempts(synthesize.DefaultMaxReconnects)
	}
	if cfg.VoiceSettings == (tts.VoiceSettings{}) {
		cfg.VoiceSettings = tts.DefaultVoiceSettings()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	dirs := make([]DirectionConfig, len(cfg.Directions))
	copy(dirs, cfg.Directions)
	if len(dirs) == 2 {
		for i := range dirs {
			if dirs[i].EchoPeer == "" {
				dirs[i].EchoPeer = dirs[1-i].Name
			}
		}
	}
	cfg.Directions = dirs
	return cfg
}

func validate(cfg Config) error {
	if len(cfg.Directions) == 0 {
		return errors.New("at least one direction is required")
	}
	var errs []error
	seen := make(map[string]bool, len(cfg.Directions))
	for i, d := range cfg.Directions {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("direction %d: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("direction %q: duplicate name", d.Name))
		}
		seen[d.Name] = true
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("direction %q: target language is required", d.Name))
		}
		if d.VoiceID == "" {
			errs = append(errs, fmt.Errorf("direction %q: voice is required", d.Name))
		}
		if d.Capture.Devices == nil || d.Playback.Devices == nil {
			errs = append(errs, fmt.Errorf("direction %q: capture and playback devices are required", d.Name))
		}
	}
	for _, d := range cfg.Directions {
		if d.EchoPeer == "" {
			continue
		}
		if d.EchoPeer == d.Name {
			errs = append(errs, fmt.Errorf("direction %q: echo peer must be another direction", d.Name))
		} else if !seen[d.EchoPeer] {
			errs = append(errs, fmt.Errorf("direction %q: unknown echo peer %q", d.Name, d.EchoPeer))
		}
	}
	return errors.Join(errs...)
}

// EchoGuard returns the shared echo guard, e.g. to adjust its window on
// configuration reload.
func (p *Pipeline) EchoGuard() *echo.Guard { return p.guard }

// Run opens all devices, starts every direction and blocks until all of them
// finished. Cancelling ctx starts the cooperative shutdown.
//
// A device that cannot be opened aborts Run before any session starts. A
// fatal session error stops only its direction; Run returns an error only
// when every direction failed.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: already started")
	}

	dirs, err := p.open(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.dirs = dirs
	p.mu.Unlock()

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	var wg sync.WaitGroup
	for _, d := range dirs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.finish(p.runDirection(runCtx, ctx.Done(), d))
		}()
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	slog.Info("pipeline: running", "directions", len(dirs))
	if p.cfg.StatusInterval > 0 {
		go p.logStatus(runCtx, allDone)
	}

	select {
	case <-allDone:
	case <-ctx.Done():
		slog.Info("pipeline: shutting down, draining queues", "timeout", p.cfg.ShutdownTimeout)
		t := time.NewTimer(p.cfg.ShutdownTimeout)
		select {
		case <-allDone:
		case <-t.C:
			slog.Warn("pipeline: shutdown timeout exceeded, cancelling remaining work")
			cancelRun()
			// A playback write blocked in the device does not observe
			// cancellation.
			for _, d := range dirs {
				d.closePlayback()
			}
			<-allDone
		}
		t.Stop()
	}

	for _, d := range dirs {
		d.release()
	}
	return p.result(dirs)
}

func (p *Pipeline) result(dirs []*direction) error {
	var errs []error
	for _, d := range dirs {
		if err := d.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.cfg.Name, err))
		}
	}
	switch {
	case len(errs) == 0:
		slog.Info("pipeline: stopped")
		return nil
	case len(errs) == len(dirs):
		return fmt.Errorf("pipeline: all directions failed: %w", errors.Join(errs...))
	default:
		slog.Warn("pipeline: stopped with failed directions", "err", errors.Join(errs...))
		return nil
	}
}

// open acquires every device and builds the stages of all directions. On
// failure everything acquired so far is released.
func (p *Pipeline) open(ctx context.Context) ([]*direction, error) {
	dirs := make([]*direction, 0, len(p.cfg.Directions))
	for _, dc := range p.cfg.Directions {
		d, err := p.openDirection(ctx, dc)
		if err != nil {
			for _, d := range dirs {
				d.release()
			}
			return nil, fmt.Errorf("pipeline: %s: %w", dc.Name, err)
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

func (p *Pipeline) openDirection(ctx context.Context, dc DirectionConfig) (d *direction, err error) {
	d = &direction{cfg: dc}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	vcfg := p.cfg.VAD
	vcfg.SampleRate = p.cfg.SampleRate
	vcfg.FrameSizeMs = p.cfg.BlockMs
	if d.vad, err = p.deps.VAD.NewSession(vcfg); err != nil {
		return nil, fmt.Errorf("vad session: %w", err)
	}
	if d.capture, err = dc.Capture.Devices.OpenCapture(ctx, audio.CaptureConfig{
		DeviceID:   dc.Capture.DeviceID,
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
		BlockSize:  audio.SamplesPerBlock(p.cfg.SampleRate, p.cfg.BlockMs),
	}); err != nil {
		return nil, fmt.Errorf("open capture %q: %w", dc.Capture.DeviceID, err)
	}
	if d.playback, err = dc.Playback.Devices.OpenPlayback(ctx, audio.PlaybackConfig{
		DeviceID:   dc.Playback.DeviceID,
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
	}); err != nil {
		return nil, fmt.Errorf("open playback %q: %w", dc.Playback.DeviceID, err)
	}

	d.audioQ = relay.New[audio.AudioFrame](dc.Name+".audio", p.cfg.AudioQueueSize,
		relay.WithEvictHook(p.evictHook(dc.Name+".audio")))
	d.textQ = relay.New[types.Utterance](dc.Name+".text", p.cfg.TextQueueSize,
		relay.WithLogEvery(1), relay.WithEvictHook(p.evictHook(dc.Name+".text")))
	d.synthQ = relay.New[types.Utterance](dc.Name+".synth", p.cfg.TextQueueSize,
		relay.WithLogEvery(1), relay.WithEvictHook(p.evictHook(dc.Name+".synth")))

	if d.seg, err = segment.New(d.vad, d.audioQ,
		segment.WithSampleRate(p.cfg.SampleRate),
		segment.WithBlockMs(p.cfg.BlockMs),
		segment.WithHangover(*p.cfg.Hangover),
		segment.WithName(dc.Name),
	); err != nil {
		return nil, err
	}

	sttOpts := []transcribe.Option{transcribe.WithMetrics(p.metrics)}
	ttsOpts := []synthesize.Option{
		synthesize.WithMetrics(p.metrics),
		synthesize.WithEchoMarker(p.guard),
		synthesize.WithLatencyHook(func(first, e2e time.Duration) {
			p.stats.Record(dc.Name, first, e2e)
		}),
	}
	if p.sleep != nil {
		sttOpts = append(sttOpts, transcribe.WithSleep(p.sleep))
		ttsOpts = append(ttsOpts, synthesize.WithSleep(p.sleep))
	}

	if d.stt, err = transcribe.New(p.deps.STT, d.audioQ, d.textQ, transcribe.Config{
		Direction:    dc.Name,
		Language:     dc.Source,
		SampleRate:   p.cfg.SampleRate,
		Channels:     1,
		Policy:       p.cfg.STTPolicy,
		MaxGrowth:    p.cfg.MaxGrowth,
		DrainTimeout: p.cfg.STTDrainTimeout,
	}, sttOpts...); err != nil {
		return nil, err
	}
	if d.translate, err = translate.New(p.deps.Translator, d.textQ, d.synthQ, translate.Config{
		Direction: dc.Name,
		Source:    dc.Source,
		Target:    dc.Target,
		EchoPeer:  dc.EchoPeer,
		Timeout:   p.cfg.TranslateTimeout,
		RateLimit: p.cfg.TranslateRate,
		Burst:     p.cfg.TranslateBurst,
	}, translate.WithEchoGuard(p.guard), translate.WithMetrics(p.metrics)); err != nil {
		return nil, err
	}
	if d.tts, err = synthesize.New(p.deps.TTS, d.synthQ, d.playback, synthesize.Config{
		Direction:    dc.Name,
		VoiceID:      dc.VoiceID,
		Settings:     p.cfg.VoiceSettings,
		SampleRate:   p.cfg.SampleRate,
		Channels:     1,
		Policy:       p.cfg.TTSPolicy,
		KeepAlive:    p.cfg.KeepAlive,
		DrainTimeout: p.cfg.TTSDrainTimeout,
	}, ttsOpts...); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *Pipeline) evictHook(queue string) func() {
	return func() { p.metrics.RecordQueueEviction(context.Background(), queue) }
}

// runDirection runs the tasks of one direction. A fatal error of one task
// cancels the others of the same direction only.
func (p *Pipeline) runDirection(ctx context.Context, stop <-chan struct{}, d *direction) error {
	log := slog.With("direction", d.cfg.Name)
	d.running.Store(true)
	defer d.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	d.captureOwned.Store(true)
	g.Go(func() error { return p.capture(gctx, stop, d) })
	g.Go(func() error { return d.stt.Run(gctx) })
	g.Go(func() error { return d.translate.Run(gctx) })
	g.Go(func() error { return d.tts.Run(gctx) })

	log.Info("pipeline: direction started",
		"source", d.cfg.Source, "target", d.cfg.Target,
		"capture", d.cfg.Capture.DeviceID, "playback", d.cfg.Playback.DeviceID)
	err := g.Wait()
	if err != nil {
		log.Error("pipeline: direction stopped", "err", err)
	} else {
		log.Info("pipeline: direction finished")
	}
	return err
}

// capture feeds the segmenter from the capture device until stop is closed,
// the source ends or ctx is cancelled. It owns the capture stream and closes
// the audio queue on return.
func (p *Pipeline) capture(ctx context.Context, stop <-chan struct{}, d *direction) error {
	defer d.audioQ.Close()
	defer func() {
		if err := d.capture.Close(); err != nil {
			slog.Warn("pipeline: close capture", "direction", d.cfg.Name, "err", err)
		}
	}()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}}
	frames := d.capture.Frames()
	for {
		select {
		case <-stop:
			slog.Debug("pipeline: capture stopped", "direction", d.cfg.Name)
			return nil
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				slog.Info("pipeline: capture source ended", "direction", d.cfg.Name)
				return nil
			}
			d.seg.Feed(conv.Convert(f).Data)
		}
	}
}

func (p *Pipeline) logStatus(ctx context.Context, done <-chan struct{}) {
	t := time.NewTicker(p.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-t.C:
		}
		for _, st := range p.Status() {
			slog.Info("pipeline: status",
				"direction", st.Name,
				"running", st.Running,
				"stt", st.Transcription,
				"tts", st.Synthesis,
				"audio_queued", st.AudioQueued,
				"text_queued", st.TextQueued,
				"evicted", st.Evicted,
				"synthesized", st.Latency.Synthesized,
				"end_to_end_p50", st.Latency.EndToEnd.P50,
				"end_to_end_p95", st.Latency.EndToEnd.P95,
			)
		}
	}
}

// DirectionStatus is a point-in-time view of one direction.
type DirectionStatus struct {
	Name          string
	Running       bool
	Err           error
	Transcription types.SessionState
	Synthesis     types.SessionState
	AudioQueued   int
	TextQueued    int
	Evicted       uint64
	Latency       LatencySnapshot
}

// MarshalJSON renders the status for the /statusz endpoint with states as
// names and latencies in milliseconds.
func (s DirectionStatus) MarshalJSON() ([]byte, error) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	v := struct {
		Name          string  `json:"name"`
		Running       bool    `json:"running"`
		Error         string  `json:"error,omitempty"`
		Transcription string  `json:"transcription"`
		Synthesis     string  `json:"synthesis"`
		AudioQueued   int     `json:"audio_queued"`
		TextQueued    int     `json:"text_queued"`
		Evicted       uint64  `json:"evicted"`
		Synthesized   int64   `json:"synthesized"`
		FirstAudioP50 float64 `json:"first_audio_p50_ms"`
		FirstAudioP95 float64 `json:"first_audio_p95_ms"`
		EndToEndP50   float64 `json:"end_to_end_p50_ms"`
		EndToEndP95   float64 `json:"end_to_end_p95_ms"`
	}{
		Name:          s.Name,
		Running:       s.Running,
		Transcription: s.Transcription.String(),
		Synthesis:     s.Synthesis.String(),
		AudioQueued:   s.AudioQueued,
		TextQueued:    s.TextQueued,
		Evicted:       s.Evicted,
		Synthesized:   s.Latency.Synthesized,
		FirstAudioP50: ms(s.Latency.FirstAudio.P50),
		FirstAudioP95: ms(s.Latency.FirstAudio.P95),
		EndToEndP50:   ms(s.Latency.EndToEnd.P50),
		EndToEndP95:   ms(s.Latency.EndToEnd.P95),
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return json.Marshal(v)
}

// Status reports every started direction. It returns nil before Run opened
// the devices.
func (p *Pipeline) Status() []DirectionStatus {
	p.mu.Lock()
	dirs := p.dirs
	p.mu.Unlock()

	out := make([]DirectionStatus, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, DirectionStatus{
			Name:          d.cfg.Name,
			Running:       d.running.Load(),
			Err:           d.Err(),
			Transcription: d.stt.State(),
			Synthesis:     d.tts.State(),
			AudioQueued:   d.audioQ.Len(),
			TextQueued:    d.textQ.Len() + d.synthQ.Len(),
			Evicted:       d.audioQ.Evicted() + d.textQ.Evicted() + d.synthQ.Evicted(),
			Latency:       p.stats.Snapshot(d.cfg.Name),
		})
	}
	return out
}

// Ready reports an error unless every direction is running. It suits a
// readiness probe.
func (p *Pipeline) Ready(context.Context) error {
	st := p.Status()
	if len(st) == 0 {
		return errors.New("pipeline not started")
	}
	var errs []error
	for _, s := range st {
		if !s.Running {
			errs = append(errs, fmt.Errorf("direction %s not running", s.Name))
		}
	}
	return errors.Join(errs...)
}

// direction holds the resources of one running direction.
type direction struct {
	cfg DirectionConfig

	vad      vad.Session
	capture  audio.CaptureStream
	playback audio.PlaybackStream

	seg       *segment.Segmenter
	audioQ    *relay.Queue[audio.AudioFrame]
	textQ     *relay.Queue[types.Utterance]
	synthQ    *relay.Queue[types.Utterance]
	stt       *transcribe.Session
	translate *translate.Stage
	tts       *synthesize.Session

	running      atomic.Bool
	captureOwned atomic.Bool
	playbackOnce sync.Once

	mu  sync.Mutex
	err error
}

func (d *direction) finish(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Err returns the fatal error that stopped the direction, if any.
func (d *direction) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// release closes the device handles. The capture stream is closed by the
// capture task once it started.
func (d *direction) release() {
	if d.capture != nil && !d.captureOwned.Load() {
		if err := d.capture.Close(); err != nil {
			slog.Warn("pipeline: close capture", "direction", d.cfg.Name, "err", err)
		}
	}
	d.closePlayback()
	if d.vad != nil {
		if err := d.vad.Close(); err != nil {
			slog.Warn("pipeline: close VAD session", "direction", d.cfg.Name, "err", err)
		}
	}
}

func (d *direction) closePlayback() {
	if d.playback == nil {
		return
	}
	d.playbackOnce.Do(func() {
		if err := d.playback.Close(); err != nil {
			slog.Warn("pipeline: close playback", "direction", d.cfg.Name, "err", err)
		}
	})
}
