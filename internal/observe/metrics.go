// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing, trace-correlated logging and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is used by
// components that were not given one; tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/babelrelay"

// Utterance outcomes recorded by [Metrics.RecordUtterance].
const (
	OutcomeEmitted     = "emitted"
	OutcomeDuplicate   = "duplicate"
	OutcomeEcho        = "echo"
	OutcomeEmpty       = "empty"
	OutcomeTranslated  = "translated"
	OutcomeFailed      = "failed"
	OutcomeSynthesized = "synthesized"
)

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalization tracks the time from the first interim result of an
	// utterance to its final result.
	STTFinalization metric.Float64Histogram

	// TranslationDuration tracks translator request latency.
	TranslationDuration metric.Float64Histogram

	// TTSFirstAudio tracks the time from sending text to the synthesizer to
	// receiving its first audio chunk.
	TTSFirstAudio metric.Float64Histogram

	// EndToEnd tracks the time from utterance emission to first synthesized
	// audio for it.
	EndToEnd metric.Float64Histogram

	// --- Counters ---

	// Utterances counts utterances per direction, stage and outcome.
	Utterances metric.Int64Counter

	// QueueEvictions counts relay queue overflow discards per queue.
	QueueEvictions metric.Int64Counter

	// Reconnects counts streaming session reconnect attempts.
	Reconnects metric.Int64Counter

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks connected streaming sessions per component.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// streaming speech latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.STTFinalization, err = histogram("babelrelay.stt.finalization",
		"Time from first interim to final transcript."); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = histogram("babelrelay.translate.duration",
		"Latency of translation requests."); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = histogram("babelrelay.tts.first_audio",
		"Time from text dispatch to first synthesized audio."); err != nil {
		return nil, err
	}
	if met.EndToEnd, err = histogram("babelrelay.end_to_end",
		"Time from utterance emission to first synthesized audio."); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("babelrelay.utterances",
		metric.WithDescription("Utterances by direction, stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.QueueEvictions, err = m.Int64Counter("babelrelay.queue.evictions",
		metric.WithDescription("Relay queue elements discarded on overflow."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("babelrelay.reconnects",
		metric.WithDescription("Streaming session reconnect attempts by direction and component."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("babelrelay.provider.requests",
		metric.WithDescription("Provider requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("babelrelay.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("babelrelay.active_sessions",
		metric.WithDescription("Connected streaming sessions by direction and component."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("babelrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUtterance counts one utterance outcome at stage for direction.
func (m *Metrics) RecordUtterance(ctx context.Context, direction, stage, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(
		Attr("direction", direction),
		Attr("stage", stage),
		Attr("outcome", outcome),
	))
}

// RecordQueueEviction counts one discarded element of queue.
func (m *Metrics) RecordQueueEviction(ctx context.Context, queue string) {
	m.QueueEvictions.Add(ctx, 1, metric.WithAttributes(Attr("queue", queue)))
}

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, direction, component string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(
		Attr("direction", direction),
		Attr("component", component),
	))
}

// RecordProviderRequest counts a provider request with its status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}

// RecordProviderError counts a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
	))
}

// SessionActive adjusts the active session gauge by delta (+1 on connect,
// -1 on disconnect).
func (m *Metrics) SessionActive(ctx context.Context, direction, component string, delta int64) {
	m.ActiveSessions.Add(ctx, delta, metric.WithAttributes(
		Attr("direction", direction),
		Attr("component", component),
	))
}

// ObserveLatency records d on h tagged with direction.
func ObserveLatency(ctx context.Context, h metric.Float64Histogram, direction string, d time.Duration) {
	h.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("direction", direction)))
}
