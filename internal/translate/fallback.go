package translate

import (
	"context"
	"errors"

	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/resilience"
	provider "github.com/MrWong99/babelrelay/pkg/provider/translate"
)

// Fallback is a [provider.Translator] that tries several translators in
// preference order, each behind its own circuit breaker.
type Fallback struct {
	group   *resilience.FallbackGroup[provider.Translator]
	metrics *observe.Metrics
}

var _ provider.Translator = (*Fallback)(nil)

// NewFallback returns an empty Fallback. A nil metrics selects
// [observe.DefaultMetrics].
func NewFallback(metrics *observe.Metrics) *Fallback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Fallback{group: resilience.NewFallbackGroup[provider.Translator](), metrics: metrics}
}

// Add appends a translator. Add must not be called once translation has
// started.
func (f *Fallback) Add(name string, tr provider.Translator, cfg resilience.BreakerConfig) {
	f.group.Add(name, &recorded{name: name, tr: tr, metrics: f.metrics}, cfg)
}

// Names returns the translator names in preference order.
func (f *Fallback) Names() []string { return f.group.Names() }

// Translate returns the first successful translation.
func (f *Fallback) Translate(ctx context.Context, text, source, target string) (string, error) {
	out, _, err := resilience.Do(ctx, f.group, func(ctx context.Context, tr provider.Translator) (string, error) {
		return tr.Translate(ctx, text, source, target)
	})
	return out, err
}

// recorded counts requests and errors of one translator.
type recorded struct {
	name    string
	tr      provider.Translator
	metrics *observe.Metrics
}

func (r *recorded) Translate(ctx context.Context, text, source, target string) (string, error) {
	out, err := r.tr.Translate(ctx, text, source, target)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "error"
		r.metrics.RecordProviderError(ctx, r.name, component)
	}
	r.metrics.RecordProviderRequest(ctx, r.name, component, status)
	return out, err
}
