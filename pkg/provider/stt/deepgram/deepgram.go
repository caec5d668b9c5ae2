// Package deepgram provides an [stt.Dialer] backed by the Deepgram streaming
// WebSocket API.
//
// Audio is sent as binary linear16 frames. Deepgram answers with JSON
// "Results" events; an event counts as final when either is_final or
// speech_final is set. Finalize sends {"type":"Finalize"} and Close sends
// {"type":"CloseStream"} before closing the socket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/MrWong99/babelrelay/pkg/types"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	closeWriteTimeout = 2 * time.Second
)

var (
	_ stt.Dialer = (*Dialer)(nil)
	_ stt.Stream = (*stream)(nil)
)

// Option is a functional option for configuring the Deepgram Dialer.
type Option func(*Dialer)

// WithModel sets the Deepgram model (e.g. "nova-2"). When unset the account
// default is used.
func WithModel(model string) Option {
	return func(d *Dialer) {
		d.model = model
	}
}

// WithLanguage sets the default recognition language (e.g. "en-US", "es").
func WithLanguage(language string) Option {
	return func(d *Dialer) {
		d.language = language
	}
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(d *Dialer) {
		d.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Intended for tests and
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(d *Dialer) {
		d.endpoint = endpoint
	}
}

// Dialer implements stt.Dialer. Every Dial uses the same endpoint and
// credentials.
type Dialer struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a Deepgram Dialer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Dial opens a streaming recognition connection. HTTP 401 and 403 responses
// to the upgrade request are reported as [stt.ErrRejected].
func (d *Dialer) Dial(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: %w (HTTP %d)", stt.ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return newStream(conn), nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (d *Dialer) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = d.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = d.sampleRate
	}

	q := u.Query()
	if d.model != "" {
		q.Set("model", d.model)
	}
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramResponse is the JSON structure of a Deepgram streaming event.
type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(conn *websocket.Conn) *stream {
	return &stream{conn: conn, closed: make(chan struct{})}
}

func (s *stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// SendAudio writes chunk as one binary message.
func (s *stream) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return stt.ErrStreamClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Finalize sends the Finalize control message.
func (s *stream) Finalize(ctx context.Context) error {
	if s.isClosed() {
		return stt.ErrStreamClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return fmt.Errorf("deepgram: finalize: %w", err)
	}
	return nil
}

// MarksFinalize implements [stt.FinalizeMarker]. Deepgram sets from_finalize
// on the result produced by a Finalize message.
func (s *stream) MarksFinalize() bool { return true }

// Recv returns the next Results event. Other event types and malformed
// messages are skipped.
func (s *stream) Recv(ctx context.Context) (types.Transcript, error) {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return types.Transcript{}, io.EOF
			}
			if s.isClosed() {
				return types.Transcript{}, stt.ErrStreamClosed
			}
			return types.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}

		t, ok, perr := parseDeepgramResponse(msg)
		if perr != nil {
			slog.Warn("deepgram: skipping malformed message", "err", perr, "bytes", len(msg))
			continue
		}
		if !ok {
			continue
		}
		return t, nil
	}
}

// Close sends CloseStream and closes the socket.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		err = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

// parseDeepgramResponse parses a raw Deepgram message. ok is false for events
// that carry no transcript (Metadata, SpeechStarted, UtteranceEnd); err is
// set for payloads that are not valid JSON.
func parseDeepgramResponse(data []byte) (t types.Transcript, ok bool, err error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false, err
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false, nil
	}

	alt := resp.Channel.Alternatives[0]
	return types.Transcript{
		Text:         alt.Transcript,
		IsFinal:      resp.IsFinal || resp.SpeechFinal,
		Confidence:   alt.Confidence,
		FromFinalize: resp.FromFinalize,
	}, true, nil
}
