package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wraps h in Middleware backed by in-memory metric and span
// sinks. It swaps the global tracer provider, so callers must not run in
// parallel.
func instrumented(t *testing.T, h http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := useTracer(t)
	return Middleware(m)(h), reader, exp
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationIDMatchesTrace(t *testing.T) {
	var seen string
	h, _, exp := instrumented(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := serve(h, "/statusz", nil)

	if len(seen) != 32 {
		t.Fatalf("correlation ID %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /statusz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /statusz")
	}
	if got := spans[0].SpanContext.TraceID().String(); got != seen {
		t.Errorf("span trace ID = %q, want %q", got, seen)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h, _, _ := instrumented(t, func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := serve(h, "/readyz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if seen != traceID {
		t.Errorf("correlation ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_RecordsStatusAndDuration(t *testing.T) {
	h, reader, exp := instrumented(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "not ready\n")
	})

	rec := serve(h, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "babelrelay.http.request.duration")
	if met == nil {
		t.Fatal("babelrelay.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("want one histogram data point, got %#v", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	want := map[attribute.Key]attribute.Value{
		"method": attribute.StringValue("GET"),
		"path":   attribute.StringValue("/readyz"),
		"status": attribute.IntValue(503),
	}
	for k, v := range want {
		got, ok := dp.Attributes.Value(k)
		if !ok || got != v {
			t.Errorf("attribute %s = %v, want %v", k, got.Emit(), v.Emit())
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != 503 {
		t.Errorf("span http.response.status_code = %d, want 503", code)
	}
}
