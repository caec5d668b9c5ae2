package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body result
	if rec.Code != http.StatusNotFound {
		if err := json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body); err != nil {
			t.Fatalf("decode %s body: %v", path, err)
		}
	}
	return rec, body
}

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func fail(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec, body := serve(t, New([]Checker{fail("pipeline", "down")}), "/healthz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", rec.Code, body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("pipeline"), pass("config")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"pipeline": "ok", "config": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{pass("config"), fail("pipeline", "direction es_to_en stopped")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"config": "ok", "pipeline": "fail: direction es_to_en stopped"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := serve(t, New(tt.checkers), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrentlyWithDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocking := func(name string) Checker {
		return Checker{Name: name, Check: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-time.After(time.Second):
				return errors.New("peer check never started")
			}
		}}
	}
	h := New([]Checker{blocking("a"), blocking("b")})

	go func() {
		for range 2 {
			select {
			case <-started:
			case <-time.After(2 * time.Second):
			}
		}
		close(release)
	}()

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, checks = %v", rec.Code, body.Checks)
	}
}

func TestStatusz(t *testing.T) {
	t.Parallel()

	rec, _ := serve(t, New(nil), "/statusz")
	if rec.Code != http.StatusNotFound {
		t.Errorf("without status source: code = %d, want 404", rec.Code)
	}

	h := New(nil, WithStatus(func() any {
		return []map[string]any{{"name": "es_to_en", "running": true}}
	}))
	mux := http.NewServeMux()
	h.Register(mux)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"es_to_en"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
