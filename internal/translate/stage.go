// Package translate runs the translation stage of one relay direction.
//
// A [Stage] pops utterances from the transcription queue, drops likely echoes
// of the peer direction's synthesis, translates the rest and pushes them to
// the synthesis queue. A failed translation is logged and skipped; the stage
// never stops because of a provider error. When the input queue reports its
// sentinel the stage closes its output queue.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/relay"
	provider "github.com/MrWong99/babelrelay/pkg/provider/translate"
	"github.com/MrWong99/babelrelay/pkg/types"
)

// DefaultTimeout bounds a single translation request.
const DefaultTimeout = 5 * time.Second

const component = "translate"

// EchoChecker reports whether a direction synthesized audio recently.
// *echo.Guard satisfies it.
type EchoChecker interface {
	IsLikelyEcho(direction string) bool
	Since(direction string) (time.Duration, bool)
}

// Config parameterises a [Stage].
type Config struct {
	// Direction names the relay direction in logs and metrics.
	Direction string

	// Source and Target are the language codes passed to the translator.
	Source string
	Target string

	// EchoPeer is the direction whose synthesis can leak into this
	// direction's capture. Empty disables echo suppression.
	EchoPeer string

	// Timeout bounds each translation request. Zero selects DefaultTimeout.
	Timeout time.Duration

	// RateLimit caps translation requests per second. Zero means unlimited.
	RateLimit float64

	// Burst is the limiter bucket size. Values below 1 are treated as 1.
	Burst int
}

// Option is a functional option for [New].
type Option func(*Stage)

// WithEchoGuard enables echo suppression against the configured peer.
func WithEchoGuard(g EchoChecker) Option {
	return func(s *Stage) { s.echo = g }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// Stage is the translation stage of one direction.
type Stage struct {
	tr      provider.Translator
	in      *relay.Queue[types.Utterance]
	out     *relay.Queue[types.Utterance]
	cfg     Config
	echo    EchoChecker
	limiter *rate.Limiter
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a Stage that translates from in to out. The stage closes out
// when [Stage.Run] returns.
func New(tr provider.Translator, in, out *relay.Queue[types.Utterance], cfg Config, opts ...Option) (*Stage, error) {
	if tr == nil {
		return nil, errors.New("translate: translator must not be nil")
	}
	if in == nil || out == nil {
		return nil, errors.New("translate: queues must not be nil")
	}
	if cfg.Target == "" {
		return nil, errors.New("translate: target language must not be empty")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("translate: rate limit %v must not be negative", cfg.RateLimit)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	s := &Stage{
		tr:      tr,
		in:      in,
		out:     out,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     slog.With("direction", cfg.Direction, "component", component),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Run processes utterances until the input sentinel or ctx cancellation and
// always returns nil: translation failures are never fatal.
func (s *Stage) Run(ctx context.Context) error {
	defer s.out.Close()
	for {
		u, ok := s.in.Pop(ctx)
		if !ok {
			if ctx.Err() == nil {
				s.log.Info("translate: input drained")
			}
			return nil
		}
		s.handle(ctx, u)
	}
}

func (s *Stage) handle(ctx context.Context, u types.Utterance) {
	if s.isEcho(ctx, u) {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	ctx, span := observe.StartUtteranceSpan(ctx, component, s.cfg.Direction, u)
	defer span.End()
	log := observe.Logger(ctx).With("direction", s.cfg.Direction, "component", component, "id", u.ID)

	tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	start := time.Now()
	text, err := s.tr.Translate(tctx, u.Text, s.cfg.Source, s.cfg.Target)
	cancel()
	observe.ObserveLatency(ctx, s.metrics.TranslationDuration, s.cfg.Direction, time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "translation failed")
		log.Warn("translate: translation failed, skipping utterance", "err", err, "text", u.Text)
		s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeFailed)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("translate: empty translation skipped", "text", u.Text)
		s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeEmpty)
		return
	}

	s.out.Push(types.Utterance{
		ID:        u.ID,
		Text:      text,
		IsFinal:   u.IsFinal,
		Language:  s.cfg.Target,
		EmittedAt: u.EmittedAt,
	})
	log.Info("translate: translated", "source_text", u.Text, "text", text)
	s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeTranslated)
}

func (s *Stage) isEcho(ctx context.Context, u types.Utterance) bool {
	if s.echo == nil || s.cfg.EchoPeer == "" || !s.echo.IsLikelyEcho(s.cfg.EchoPeer) {
		return false
	}
	since, _ := s.echo.Since(s.cfg.EchoPeer)
	s.log.Info("translate: dropped likely echo",
		"id", u.ID,
		"text", u.Text,
		"peer", s.cfg.EchoPeer,
		"since_synthesis", since,
	)
	s.metrics.RecordUtterance(ctx, s.cfg.Direction, component, observe.OutcomeEcho)
	return true
}
