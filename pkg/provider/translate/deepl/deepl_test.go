package deepl

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/babelrelay/pkg/provider/translate"
)

func TestTargetCode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"en":    "EN-US",
		"en-GB": "EN-GB",
		"en_us": "EN-US",
		"es":    "ES",
		"es-MX": "ES",
		"pt":    "PT-BR",
		"pt-PT": "PT-PT",
		"de":    "DE",
		"":      "",
	}
	for in, want := range tests {
		if got := TargetCode(in); got != want {
			t.Errorf("TargetCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSourceCode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{"en-US": "EN", "es": "ES", "pt_BR": "PT", "": ""}
	for in, want := range tests {
		if got := SourceCode(in); got != want {
			t.Errorf("SourceCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	pro, _ := New("abc")
	if pro.endpoint != proEndpoint {
		t.Errorf("endpoint = %q, want %q", pro.endpoint, proEndpoint)
	}
	free, _ := New("abc:fx")
	if free.endpoint != freeEndpoint {
		t.Errorf("free key endpoint = %q, want %q", free.endpoint, freeEndpoint)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	var got translateRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/translate" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"translations":[{"detected_source_language":"ES","text":"Good morning"}]}`)
	}))
	defer srv.Close()

	tr, _ := New("key", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()), WithFormality("less"))
	out, err := tr.Translate(t.Context(), "Buenos días", "es", "en")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out != "Good morning" {
		t.Errorf("Translate = %q, want %q", out, "Good morning")
	}
	if auth != "DeepL-Auth-Key key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.SourceLang != "ES" || got.TargetLang != "EN-US" || got.Formality != "less" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Text) != 1 || got.Text[0] != "Buenos días" {
		t.Errorf("request text = %v", got.Text)
	}
}

func TestTranslate_EmptyInputSkipsRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tr, _ := New("key", WithEndpoint(srv.URL))
	out, err := tr.Translate(t.Context(), "   ", "es", "en")
	if err != nil || out != "" {
		t.Errorf("Translate(blank) = %q, %v; want empty, nil", out, err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"forbidden", http.StatusForbidden, "", true},
		{"quota exceeded", statusQuotaExceeded, "", true},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"too many requests", http.StatusTooManyRequests, "", false},
		{"empty translations", http.StatusOK, `{"translations":[]}`, false},
		{"bad json", http.StatusOK, `{`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			tr, _ := New("key", WithEndpoint(srv.URL))
			out, err := tr.Translate(t.Context(), "hola", "es", "en")
			if err == nil {
				t.Fatalf("expected error, got %q", out)
			}
			if out != "" {
				t.Errorf("partial result %q returned with error", out)
			}
			if errors.Is(err, translate.ErrRejected) != tc.rejected {
				t.Errorf("errors.Is(err, ErrRejected) = %v, want %v (err: %v)", !tc.rejected, tc.rejected, err)
			}
		})
	}
}
