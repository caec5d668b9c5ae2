package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	d, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := d.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["model"]; ok {
		t.Error("model set without WithModel")
	}
}

func TestBuildURL_Options(t *testing.T) {
	t.Parallel()

	d, err := New("key", WithModel("nova-2"), WithLanguage("es"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := d.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q, _ := url.ParseQuery(rawURL[strings.Index(rawURL, "?")+1:])

	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "es", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	t.Parallel()

	d, err := New("key", WithLanguage("en-US"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := d.buildURL(stt.StreamConfig{Language: "es", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "es", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		wantOK       bool
		wantErr      bool
		wantText     string
		wantFinal    bool
		wantFinalize bool
	}{
		{
			name:      "is_final",
			raw:       `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			wantOK:    true,
			wantText:  "Hello world",
			wantFinal: true,
		},
		{
			name:      "speech_final only",
			raw:       `{"type":"Results","is_final":false,"speech_final":true,"channel":{"alternatives":[{"transcript":"Hola"}]}}`,
			wantOK:    true,
			wantText:  "Hola",
			wantFinal: true,
		},
		{
			name:         "finalize result",
			raw:          `{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"adiós"}]}}`,
			wantOK:       true,
			wantText:     "adiós",
			wantFinal:    true,
			wantFinalize: true,
		},
		{
			name:     "interim",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hel"}]}}`,
			wantOK:   true,
			wantText: "Hel",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "utterance end", raw: `{"type":"UtteranceEnd","last_word_end":2.1}`},
		{name: "empty alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, ok, err := parseDeepgramResponse([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tc.wantText, tr.Text)
			if tr.IsFinal != tc.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tc.wantFinal)
			}
			if tr.FromFinalize != tc.wantFinalize {
				t.Errorf("FromFinalize = %v, want %v", tr.FromFinalize, tc.wantFinalize)
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- WebSocket round-trip tests ----

// fakeDeepgram is an httptest server speaking a subset of the Deepgram
// streaming protocol.
type fakeDeepgram struct {
	mu       sync.Mutex
	auth     string
	query    url.Values
	binary   int
	controls []string
}

func (f *fakeDeepgram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.query = r.URL.Query()
		f.mu.Unlock()

		if r.Header.Get("Authorization") == "Token bad-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		// An interim and a malformed message arrive before any audio.
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hel"}]}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))

		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			f.mu.Lock()
			if typ == websocket.MessageBinary {
				f.binary++
			} else {
				f.controls = append(f.controls, string(msg))
			}
			f.mu.Unlock()

			switch string(msg) {
			case `{"type":"Finalize"}`:
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"Hello there."}]}}`))
			case `{"type":"CloseStream"}`:
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func TestDial_RoundTrip(t *testing.T) {
	t.Parallel()

	fake := &fakeDeepgram{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d, err := New("good-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "es"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	for range 3 {
		if err := s.SendAudio(ctx, make([]byte, 640)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	tr, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv interim: %v", err)
	}
	if tr.IsFinal || tr.Text != "Hel" {
		t.Errorf("interim = %+v", tr)
	}

	if err := s.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// The malformed message is skipped.
	tr, err = s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv final: %v", err)
	}
	if !tr.IsFinal || tr.Text != "Hello there." {
		t.Errorf("final = %+v", tr)
	}

	_ = s.Close()
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.SendAudio(ctx, []byte{0, 0}); !errors.Is(err, stt.ErrStreamClosed) {
		t.Errorf("SendAudio after Close err = %v, want ErrStreamClosed", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assertEqual(t, "auth header", "Token good-key", fake.auth)
	assertEqual(t, "language", "es", fake.query.Get("language"))
	if fake.binary != 3 {
		t.Errorf("binary messages = %d, want 3", fake.binary)
	}
	if len(fake.controls) < 2 || fake.controls[0] != `{"type":"Finalize"}` || fake.controls[1] != `{"type":"CloseStream"}` {
		t.Errorf("controls = %v", fake.controls)
	}
}

func TestDial_Unauthorized(t *testing.T) {
	t.Parallel()

	fake := &fakeDeepgram{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d, _ := New("bad-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := d.Dial(t.Context(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrRejected) {
		t.Errorf("Dial err = %v, want ErrRejected", err)
	}
}

func TestRecv_ServerCloseIsEOF(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	d, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	s, err := d.Dial(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if _, err := s.Recv(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("Recv err = %v, want io.EOF", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
