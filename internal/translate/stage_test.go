package translate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/babelrelay/internal/echo"
	"github.com/MrWong99/babelrelay/internal/observe"
	"github.com/MrWong99/babelrelay/internal/relay"
	provider "github.com/MrWong99/babelrelay/pkg/provider/translate"
	"github.com/MrWong99/babelrelay/pkg/provider/translate/mock"
	"github.com/MrWong99/babelrelay/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newQueues() (in, out *relay.Queue[types.Utterance]) {
	return relay.New[types.Utterance]("transcripts", 50), relay.New[types.Utterance]("translations", 50)
}

// drain pops every remaining element of q until its sentinel.
func drain(t *testing.T, q *relay.Queue[types.Utterance]) []types.Utterance {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var got []types.Utterance
	for {
		u, ok := q.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				t.Fatal("timed out waiting for sentinel")
			}
			return got
		}
		got = append(got, u)
	}
}

func TestStage_TranslatesInOrderAndClosesOutput(t *testing.T) {
	t.Parallel()

	tr := &mock.Translator{Results: map[string]string{
		"Hola":         "Hello",
		"¿Cómo estás?": "How are you?",
	}}
	in, out := newQueues()
	s, err := New(tr, in, out, Config{Direction: "es_to_en", Source: "es", Target: "en"}, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	emitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in.Push(types.Utterance{ID: "u1", Text: "Hola", IsFinal: true, Language: "es", EmittedAt: emitted})
	in.Push(types.Utterance{ID: "u2", Text: "¿Cómo estás?", Language: "es"})
	in.Close()

	if err := s.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, out)
	if len(got) != 2 {
		t.Fatalf("got %d translations, want 2", len(got))
	}
	want := types.Utterance{ID: "u1", Text: "Hello", IsFinal: true, Language: "en", EmittedAt: emitted}
	if got[0] != want {
		t.Errorf("first = %+v, want %+v", got[0], want)
	}
	if got[1].Text != "How are you?" || got[1].IsFinal {
		t.Errorf("second = %+v", got[1])
	}
	if tr.Calls[0].Source != "es" || tr.Calls[0].Target != "en" {
		t.Errorf("translator call = %+v", tr.Calls[0])
	}
}

func TestStage_SkipsFailuresAndEmptyResults(t *testing.T) {
	t.Parallel()

	tr := provider.Func(func(_ context.Context, text, _, _ string) (string, error) {
		switch text {
		case "fail":
			return "", errors.New("upstream 500")
		case "blank":
			return "   ", nil
		}
		return "ok:" + text, nil
	})
	in, out := newQueues()
	s, err := New(tr, in, out, Config{Direction: "d", Target: "en"}, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, text := range []string{"one", "fail", "blank", "two"} {
		in.Push(types.Utterance{ID: text, Text: text})
	}
	in.Close()

	if err := s.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := drain(t, out)
	if len(got) != 2 || got[0].Text != "ok:one" || got[1].Text != "ok:two" {
		t.Errorf("translations = %+v, want ok:one and ok:two", got)
	}
}

func TestStage_DropsEchoOfPeerDirection(t *testing.T) {
	t.Parallel()

	var now atomic.Int64
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now.Store(start.UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	guard := echo.NewGuard(8*time.Second, []string{"es_to_en", "en_to_es"}, echo.WithClock(clock))
	tr := &mock.Translator{}
	in, out := newQueues()
	s, err := New(tr, in, out, Config{
		Direction: "en_to_es",
		Source:    "en",
		Target:    "es",
		EchoPeer:  "es_to_en",
	}, WithEchoGuard(guard), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// es_to_en synthesizes at t=0.
	guard.MarkSynthesis("es_to_en")

	now.Store(start.Add(3 * time.Second).UnixNano())
	s.handle(t.Context(), types.Utterance{ID: "echo", Text: "Good morning", IsFinal: true})
	if out.Len() != 0 || tr.CallCount() != 0 {
		t.Fatalf("t=3s: echo was translated (out=%d, calls=%d)", out.Len(), tr.CallCount())
	}

	now.Store(start.Add(9 * time.Second).UnixNano())
	s.handle(t.Context(), types.Utterance{ID: "real", Text: "Good morning", IsFinal: true})
	if out.Len() != 1 || tr.CallCount() != 1 {
		t.Fatalf("t=9s: utterance not translated (out=%d, calls=%d)", out.Len(), tr.CallCount())
	}
}

func TestStage_OwnSynthesisIsNotEcho(t *testing.T) {
	t.Parallel()

	guard := echo.NewGuard(time.Minute, []string{"a", "b"})
	guard.MarkSynthesis("a")

	tr := &mock.Translator{}
	in, out := newQueues()
	s, _ := New(tr, in, out, Config{Direction: "a", Target: "es", EchoPeer: "b"},
		WithEchoGuard(guard), WithMetrics(testMetrics(t)))
	s.handle(t.Context(), types.Utterance{ID: "1", Text: "hi"})
	if out.Len() != 1 {
		t.Error("utterance dropped although only the own direction synthesized")
	}
}

func TestStage_CancelStopsRun(t *testing.T) {
	t.Parallel()

	tr := &mock.Translator{Block: make(chan struct{})}
	in, out := newQueues()
	s, _ := New(tr, in, out, Config{Direction: "d", Target: "en"}, WithMetrics(testMetrics(t)))
	in.Push(types.Utterance{ID: "1", Text: "stuck"})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := out.Pop(t.Context()); ok {
		t.Error("output not closed after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	in, out := newQueues()
	tr := &mock.Translator{}
	tests := []struct {
		name string
		tr   provider.Translator
		cfg  Config
	}{
		{"nil translator", nil, Config{Target: "en"}},
		{"missing target", tr, Config{}},
		{"negative rate", tr, Config{Target: "en", RateLimit: -1}},
	}
	for _, tt := range tests {
		if _, err := New(tt.tr, in, out, tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
