// Package transcribe runs the streaming speech-to-text session of one relay
// direction.
//
// A [Session] pops speech blocks from its input queue, streams them to an
// [stt.Dialer] connection and pushes deduplicated final transcripts to its
// output queue as [types.Utterance] values. Transport failures reconnect with
// a linear capped backoff; [stt.ErrRejected] is fatal. When the input queue
// reports its sentinel the session asks the recognizer to finalize, drains the
// remaining results for a bounded time and closes its output queue.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/relay"
	"github.com/MrWong99/babelrelay/internal/resilience"
	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/MrWong99/babelrelay/pkg/types"
)

// DefaultDrainTimeout bounds the wait for final results after the input
// sentinel.
const DefaultDrainTimeout = 3 * time.Second

const component = "stt"

// Config parameterises a [Session].
type Config struct {
	// Direction names the relay direction in logs and metrics.
	Direction string

	// Language is the recognition language passed to the recognizer and
	// stamped on every utterance.
	Language string

	// SampleRate and Channels describe the PCM16 blocks on the input queue.
	SampleRate int
	Channels   int

	// Policy controls reconnect backoff. MaxAttempts zero retries forever.
	Policy resilience.ReconnectPolicy

	// MaxGrowth is the dedup growth threshold (see [Dedup]). Nil selects
	// [DefaultMaxGrowth].
	MaxGrowth *int

	// DrainTimeout bounds the wait for final results after the sentinel.
	DrainTimeout time.Duration
}

// Option is a functional option for [New].
type Option func(*Session)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithIDFunc overrides the utterance ID generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// WithClock overrides the time source used for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSleep overrides the backoff wait. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.backoff.SetSleep(fn) }
}

// errInputDone ends a connection after the sentinel was handled.
var errInputDone = errors.New("transcribe: input closed")

// Session is the transcription session of one direction.
type Session struct {
	dialer stt.Dialer
	in     *relay.Queue[audio.AudioFrame]
	out    *relay.Queue[types.Utterance]
	cfg    Config

	metrics *observe.Metrics
	newID   func() string
	now     func() time.Time
	backoff *resilience.Backoff
	log     *slog.Logger

	dedup *Dedup
	state atomic.Int32

	// partial is the latest unfinalized transcript of the current
	// connection. Only the receive loop and the post-connection flush touch
	// it, never concurrently.
	partial      string
	partialSince time.Time
}

// New creates a Session reading speech blocks from in and writing utterances
// to out. The session closes out when [Session.Run] returns.
func New(dialer stt.Dialer, in *relay.Queue[audio.AudioFrame], out *relay.Queue[types.Utterance], cfg Config, opts ...Option) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("transcribe: dialer must not be nil")
	}
	if in == nil || out == nil {
		return nil, errors.New("transcribe: queues must not be nil")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("transcribe: reconnect policy: %w", err)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	s := &Session{
		dialer:  dialer,
		in:      in,
		out:     out,
		cfg:     cfg,
		newID:   uuid.NewString,
		now:     time.Now,
		backoff: resilience.NewBackoff(cfg.Policy),
		log:     slog.With("direction", cfg.Direction, "component", component),
		dedup:   NewDedup(DefaultMaxGrowth),
	}
	if cfg.MaxGrowth != nil {
		s.dedup = NewDedup(*cfg.MaxGrowth)
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
		s.log.Debug("transcribe: state change", "from", prev, "to", st)
	}
}

// Run connects, streams and reconnects until the input sentinel has been
// drained, ctx is cancelled, or a fatal error occurs. It returns nil on
// graceful completion and cancellation. The output queue is closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.out.Close()
	defer s.setState(types.StateTerminated)

	streamCfg := stt.StreamConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   s.cfg.Language,
	}

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
			s.metrics.RecordProviderError(ctx, "stt", "dial")
			if errors.Is(err, stt.ErrRejected) {
				s.log.Error("transcribe: recognizer rejected connection", "err", err)
				return fmt.Errorf("transcribe: %s: %w", s.cfg.Direction, err)
			}
			s.log.Warn("transcribe: connect failed", "err", err, "attempt", s.backoff.Attempt()+1)
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}

		s.backoff.Reset()
		s.setState(types.StateActive)
		s.log.Info("transcribe: connected", "language", s.cfg.Language)
		s.metrics.SessionActive(ctx, s.cfg.Direction, component, 1)

		done, err := s.serve(ctx, stream)

		s.metrics.SessionActive(context.WithoutCancel(ctx), s.cfg.Direction, component, -1)
		s.flushPartial(ctx)

		if done {
			s.log.Info("transcribe: input drained, session complete")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, stt.ErrRejected) {
			return fmt.Errorf("transcribe: %s: %w", s.cfg.Direction, err)
		}
		s.log.Warn("transcribe: connection lost, reconnecting", "err", err)
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// wait backs off before the next connection attempt. It returns nil to retry
// and a non-nil error when the session must stop; cancellation stops quietly.
func (s *Session) wait(ctx context.Context) error {
	s.setState(types.StateReconnecting)
	s.metrics.RecordReconnect(ctx, s.cfg.Direction, component)
	d, err := s.backoff.Wait(ctx)
	if err == nil {
		s.log.Debug("transcribe: backoff elapsed", "delay", d)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	s.log.Error("transcribe: giving up", "err", err)
	return fmt.Errorf("transcribe: %s: %w", s.cfg.Direction, err)
}

// serve runs the send and receive loops on one connection. done reports that
// the input sentinel was handled and the session should end.
func (s *Session) serve(ctx context.Context, stream stt.Stream) (done bool, err error) {
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.log.Debug("transcribe: close stream", "err", cerr)
		}
	}()

	var inputDone atomic.Bool
	fin := &finals{seen: make(chan struct{}, 1)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sendLoop(gctx, stream, fin, &inputDone) })
	g.Go(func() error { return s.recvLoop(gctx, stream, fin) })
	err = g.Wait()

	if inputDone.Load() {
		return true, nil
	}
	return false, err
}

// finals counts final results on one connection and wakes a drain waiting
// for the next one.
// finals counts received finals, and separately those completing a Finalize
// call.
type finals struct {
	n         atomic.Int64
	finalized atomic.Int64
	seen      chan struct{}
}

func (f *finals) signal(fromFinalize bool) {
	f.n.Add(1)
	if fromFinalize {
		f.finalized.Add(1)
	}
	select {
	case f.seen <- struct{}{}:
	default:
	}
}

func (s *Session) sendLoop(ctx context.Context, stream stt.Stream, fin *finals, inputDone *atomic.Bool) error {
	for {
		frame, ok := s.in.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			inputDone.Store(true)
			s.drain(ctx, stream, fin)
			return errInputDone
		}
		if err := stream.SendAudio(ctx, frame.Data); err != nil {
			return fmt.Errorf("transcribe: send audio: %w", err)
		}
	}
}

// drain asks the recognizer to finalize pending audio and waits for the
// result completing it or the drain timeout. Streams that do not mark that
// result are considered done after their first final.
func (s *Session) drain(ctx context.Context, stream stt.Stream, fin *finals) {
	s.setState(types.StateDraining)
	counter := &fin.n
	if m, ok := stream.(stt.FinalizeMarker); ok && m.MarksFinalize() {
		counter = &fin.finalized
	}
	base := counter.Load()
	if err := stream.Finalize(ctx); err != nil {
		s.log.Warn("transcribe: finalize failed", "err", err)
		return
	}
	t := time.NewTimer(s.cfg.DrainTimeout)
	defer t.Stop()
	for counter.Load() == base {
		select {
		case <-fin.seen:
		case <-t.C:
			s.log.Debug("transcribe: drain timeout", "timeout", s.cfg.DrainTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) recvLoop(ctx context.Context, stream stt.Stream, fin *finals) error {
	for {
		tr, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("transcribe: recognizer closed stream: %w", err)
			}
			return fmt.Errorf("transcribe: recv: %w", err)
		}

		text := strings.TrimSpace(tr.Text)
		if !tr.IsFinal {
			if text != "" {
				if s.partial == "" {
					s.partialSince = s.now()
				}
				s.partial = text
				s.log.Debug("transcribe: partial", "text", text)
			}
			continue
		}

		if !s.partialSince.IsZero() {
			observe.ObserveLatency(ctx, s.metrics.STTFinalization, s.cfg.Direction, s.now().Sub(s.partialSince))
		}
		s.partial = ""
		s.partialSince = time.Time{}

		fin.signal(tr.FromFinalize)
		if text == "" {
			s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeEmpty)
			continue
		}
		s.emit(ctx, text, true)
	}
}

// flushPartial emits the last unfinalized transcript of a connection that
// ended before the recognizer committed it.
func (s *Session) flushPartial(ctx context.Context) {
	if s.partial == "" {
		return
	}
	text := s.partial
	s.partial = ""
	s.partialSince = time.Time{}
	s.log.Info("transcribe: flushing unfinalized transcript", "text", text)
	s.emit(context.WithoutCancel(ctx), text, false)
}

func (s *Session) emit(ctx context.Context, text string, final bool) {
	if !s.dedup.Admit(text) {
		s.log.Info("transcribe: duplicate suppressed", "text", text, "last", s.dedup.Last())
		s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeDuplicate)
		return
	}
	u := types.Utterance{
		ID:        s.newID(),
		Text:      text,
		IsFinal:   final,
		Language:  s.cfg.Language,
		EmittedAt: s.now(),
	}
	s.out.Push(u)
	s.log.Info("transcribe: final", "id", u.ID, "text", text, "is_final", final)
	s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeEmitted)
}
