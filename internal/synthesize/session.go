// Package synthesize runs the streaming text-to-speech session of one relay
// direction.
//
// A [Session] holds one synthesizer connection with three loops: the sender
// pops translated text and dispatches it, the keepalive loop pings an idle
// connection, and the receiver writes audio chunks to the direction's
// playback stream as they arrive. Dropped connections are re-established
// with a bounded reconnect budget; once it is spent the session terminates
// with [ErrReconnectBudgetExhausted].
package synthesize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/relay"
	"github.com/MrWong99/babelrelay/internal/resilience"
	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/tts"
	"github.com/MrWong99/babelrelay/pkg/types"
)

// ErrReconnectBudgetExhausted is returned by [Session.Run] when the session
// used all its reconnect attempts.
var ErrReconnectBudgetExhausted = resilience.ErrReconnectBudgetExhausted

const (
	// DefaultMaxReconnects bounds consecutive reconnect attempts.
	DefaultMaxReconnects = 10

	// DefaultKeepAlive is the sender idle time after which a keepalive is
	// sent.
	DefaultKeepAlive = 15 * time.Second

	// DefaultDrainTimeout bounds the wait for remaining audio after the input
	// sentinel.
	DefaultDrainTimeout = 10 * time.Second

	progressEvery = 5
	component     = "tts"
)

// errInputDone ends a connection after the sentinel was handled.
var errInputDone = errors.New("synthesize: input closed")

// Marker records that a direction is about to play synthesized audio.
// *echo.Guard satisfies it.
type Marker interface {
	MarkSynthesis(direction string)
}

// Config parameterises a [Session].
type Config struct {
	// Direction names the relay direction in logs, metrics and echo marks.
	Direction string

	// VoiceID and Settings select the synthesizer voice.
	VoiceID  string
	Settings tts.VoiceSettings

	// SampleRate and Channels describe the PCM16 audio the synthesizer
	// returns and the playback stream expects.
	SampleRate int
	Channels   int

	// Policy controls reconnect backoff. A zero MaxAttempts selects
	// DefaultMaxReconnects.
	Policy resilience.ReconnectPolicy

	// KeepAlive is the sender idle time before a keepalive message.
	KeepAlive time.Duration

	// DrainTimeout bounds the wait for remaining audio after the sentinel.
	DrainTimeout time.Duration
}

// Option is a functional option for [New].
type Option func(*Session)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithEchoMarker sets where the session records its synthesis times.
func WithEchoMarker(m Marker) Option {
	return func(s *Session) { s.echo = m }
}

// WithSleep overrides the backoff wait. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.backoff.SetSleep(fn) }
}

// WithClock overrides the time source used for idle tracking and latency.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLatencyHook registers fn to receive the time to first audio and the
// end-to-end latency of every synthesized text. endToEnd is zero when the
// text carried no emission time.
func WithLatencyHook(fn func(firstAudio, endToEnd time.Duration)) Option {
	return func(s *Session) { s.onLatency = fn }
}

// pendingText is a text whose send failed and that is retried once on the
// next connection.
type pendingText struct {
	u       types.Utterance
	retried bool
}

// Session is the synthesis session of one direction.
type Session struct {
	dialer   tts.Dialer
	in       *relay.Queue[types.Utterance]
	playback audio.PlaybackStream
	cfg      Config

	echo      Marker
	metrics   *observe.Metrics
	onLatency func(firstAudio, endToEnd time.Duration)
	backoff   *resilience.Backoff
	now       func() time.Time
	log       *slog.Logger

	state atomic.Int32

	// Sender state; the sender of one connection finishes before the next
	// connection's sender starts.
	lastSent string
	pending  *pendingText

	// lastActivity is the unix-nano time of the last message the sender or
	// keepalive loop wrote.
	lastActivity atomic.Int64

	// awaitingSince and awaitingEmitted are set by the sender when text is
	// dispatched and consumed by the receiver on the next audio chunk.
	awaitingSince   atomic.Int64
	awaitingEmitted atomic.Int64

	// played is the playback offset; receiver only.
	played time.Duration
}

// New creates a Session that synthesizes the text of in and writes the audio
// to playback. The session does not close playback.
func New(dialer tts.Dialer, in *relay.Queue[types.Utterance], playback audio.PlaybackStream, cfg Config, opts ...Option) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("synthesize: dialer must not be nil")
	}
	if in == nil {
		return nil, errors.New("synthesize: input queue must not be nil")
	}
	if playback == nil {
		return nil, errors.New("synthesize: playback stream must not be nil")
	}
	if cfg.VoiceID == "" {
		return nil, errors.New("synthesize: voice ID must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("synthesize: sample rate %d must be positive", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy.MaxAttempts = DefaultMaxReconnects
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("synthesize: reconnect policy: %w", err)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	s := &Session{
		dialer:   dialer,
		in:       in,
		playback: playback,
		cfg:      cfg,
		backoff:  resilience.NewBackoff(cfg.Policy),
		now:      time.Now,
		log:      slog.With("direction", cfg.Direction, "component", component),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.state.Store(int32(types.StateConnecting))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

func (s *Session) setState(st types.SessionState) {
	if prev := types.SessionState(s.state.Swap(int32(st))); prev != st {
		s.log.Debug("synthesize: state change", "from", prev, "to", st)
	}
}

// Run connects, synthesizes and reconnects until the input sentinel has been
// drained, ctx is cancelled or a fatal error occurs. It returns nil on
// graceful completion and cancellation.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(types.StateTerminated)

	streamCfg := tts.StreamConfig{VoiceID: s.cfg.VoiceID, Settings: s.cfg.Settings}
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(types.StateConnecting)
		stream, err := s.dialer.Dial(ctx, streamCfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.RecordProviderError(ctx, component, "dial")
			if errors.Is(err, tts.ErrRejected) {
				s.log.Error("synthesize: synthesizer rejected connection", "err", err)
				return fmt.Errorf("synthesize: %s: %w", s.cfg.Direction, err)
			}
			s.log.Warn("synthesize: connect failed", "err", err, "attempt", s.backoff.Attempt()+1)
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}

		s.backoff.Reset()
		s.setState(types.StateActive)
		s.log.Info("synthesize: connected", "voice", s.cfg.VoiceID)
		s.metrics.SessionActive(ctx, s.cfg.Direction, component, 1)

		done, err := s.serve(ctx, stream)

		s.metrics.SessionActive(context.WithoutCancel(ctx), s.cfg.Direction, component, -1)
		if done {
			s.log.Info("synthesize: input drained, session complete")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, tts.ErrRejected) || errors.Is(err, audio.ErrStreamClosed) {
			s.log.Error("synthesize: fatal error", "err", err)
			return fmt.Errorf("synthesize: %s: %w", s.cfg.Direction, err)
		}
		s.log.Warn("synthesize: connection lost, reconnecting", "err", err)
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// wait backs off before the next connection attempt. It returns nil to retry
// and a non-nil error once the budget is spent; cancellation stops quietly.
func (s *Session) wait(ctx context.Context) error {
	s.setState(types.StateReconnecting)
	s.metrics.RecordReconnect(ctx, s.cfg.Direction, component)
	d, err := s.backoff.Wait(ctx)
	if err == nil {
		s.log.Debug("synthesize: backoff elapsed", "delay", d)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	s.log.Error("synthesize: too many reconnect failures, giving up", "err", err)
	return fmt.Errorf("synthesize: %s: %w", s.cfg.Direction, err)
}

// serve runs the sender, keepalive and receiver loops on one connection.
// done reports that the input sentinel was handled.
func (s *Session) serve(ctx context.Context, stream tts.Stream) (done bool, err error) {
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.log.Debug("synthesize: close stream", "err", cerr)
		}
	}()

	var inputDone atomic.Bool
	s.touch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sendLoop(gctx, stream, &inputDone) })
	g.Go(func() error { return s.keepAliveLoop(gctx, stream, &inputDone) })
	g.Go(func() error { return s.recvLoop(gctx, stream, &inputDone) })
	err = g.Wait()

	if inputDone.Load() {
		return true, nil
	}
	return false, err
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) sendLoop(ctx context.Context, stream tts.Stream, inputDone *atomic.Bool) error {
	for {
		var p pendingText
		if s.pending != nil {
			p = *s.pending
			s.pending = nil
			p.retried = true
		} else {
			u, ok := s.in.Pop(ctx)
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				inputDone.Store(true)
				s.drain(ctx, stream)
				return errInputDone
			}
			p.u = u
		}

		text := strings.TrimSpace(p.u.Text)
		if text == "" {
			continue
		}
		if !p.retried && strings.EqualFold(text, s.lastSent) {
			s.log.Info("synthesize: duplicate skipped", "id", p.u.ID, "text", text)
			s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeDuplicate)
			continue
		}

		if s.echo != nil {
			s.echo.MarkSynthesis(s.cfg.Direction)
		}
		sentAt := s.now()
		s.awaitingSince.CompareAndSwap(0, sentAt.UnixNano())
		if !p.u.EmittedAt.IsZero() {
			s.awaitingEmitted.CompareAndSwap(0, p.u.EmittedAt.UnixNano())
		}

		if err := stream.Send(ctx, text); err != nil {
			if p.retried {
				s.log.Warn("synthesize: dropping text after failed retry", "id", p.u.ID, "text", text, "err", err)
				s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeFailed)
			} else {
				s.pending = &p
			}
			return fmt.Errorf("synthesize: send: %w", err)
		}
		s.lastSent = text
		s.touch()
		s.log.Info("synthesize: sent", "id", p.u.ID, "text", text)
		s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeSynthesized)
	}
}

// drain signals end of input and waits for the receiver to see the end of
// the audio or for the drain timeout.
func (s *Session) drain(ctx context.Context, stream tts.Stream) {
	s.setState(types.StateDraining)
	if err := stream.CloseInput(ctx); err != nil {
		s.log.Warn("synthesize: end of input failed", "err", err)
		return
	}
	t := time.NewTimer(s.cfg.DrainTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		s.log.Warn("synthesize: drain timeout, dropping remaining audio", "timeout", s.cfg.DrainTimeout)
	}
}

func (s *Session) keepAliveLoop(ctx context.Context, stream tts.Stream, inputDone *atomic.Bool) error {
	t := time.NewTimer(s.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if inputDone.Load() {
			return nil
		}
		idle := s.now().Sub(time.Unix(0, s.lastActivity.Load()))
		if idle < s.cfg.KeepAlive {
			t.Reset(s.cfg.KeepAlive - idle)
			continue
		}
		if err := stream.KeepAlive(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("synthesize: keepalive: %w", err)
		}
		s.touch()
		s.log.Debug("synthesize: keepalive sent")
		t.Reset(s.cfg.KeepAlive)
	}
}

func (s *Session) recvLoop(ctx context.Context, stream tts.Stream, inputDone *atomic.Bool) error {
	chunks := 0
	for {
		c, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) && inputDone.Load() {
				s.log.Debug("synthesize: synthesizer finished")
				return errInputDone
			}
			return fmt.Errorf("synthesize: recv: %w", err)
		}

		if len(c.Audio) > 0 {
			if chunks == 0 {
				s.recordFirstAudio(ctx)
			}
			chunks++
			frame := audio.AudioFrame{
				Data:       c.Audio,
				SampleRate: s.cfg.SampleRate,
				Channels:   s.cfg.Channels,
				Timestamp:  s.played,
			}
			s.played += frame.Duration()
			if err := s.playback.Write(frame); err != nil {
				if errors.Is(err, audio.ErrStreamClosed) {
					return fmt.Errorf("synthesize: playback: %w", err)
				}
				s.log.Warn("synthesize: playback write failed", "err", err)
			}
			if chunks%progressEvery == 0 {
				s.log.Debug("synthesize: playing", "chunks", chunks)
			}
		}
		if c.IsFinal {
			s.log.Info("synthesize: utterance complete", "chunks", chunks)
			chunks = 0
		}
	}
}

func (s *Session) recordFirstAudio(ctx context.Context) {
	now := s.now()
	since := s.awaitingSince.Swap(0)
	emitted := s.awaitingEmitted.Swap(0)
	if since == 0 {
		return
	}
	first := now.Sub(time.Unix(0, since))
	observe.ObserveLatency(ctx, s.metrics.TTSFirstAudio, s.cfg.Direction, first)
	var e2e time.Duration
	if emitted != 0 {
		e2e = now.Sub(time.Unix(0, emitted))
		observe.ObserveLatency(ctx, s.metrics.EndToEnd, s.cfg.Direction, e2e)
	}
	s.log.Info("synthesize: first audio", "latency", first, "end_to_end", e2e)
	if s.onLatency != nil {
		s.onLatency(first, e2e)
	}
}
