// Package elevenlabs provides a [tts.Dialer] backed by the ElevenLabs
// stream-input WebSocket API.
//
// Each connection starts with an initialisation message carrying the voice
// settings, the generation chunk schedule and the API key. Text is sent as
// {"text": ..., "flush": true} so synthesis starts immediately; a single
// space keeps an idle connection open and an empty text ends the input.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/babelrelay/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_turbo_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// chunkLengthSchedule favours a short first chunk for low latency.
var chunkLengthSchedule = []int{50, 120, 160, 250}

var (
	_ tts.Dialer = (*Dialer)(nil)
	_ tts.Stream = (*stream)(nil)
)

// Option is a functional option for configuring the ElevenLabs Dialer.
type Option func(*Dialer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(d *Dialer) {
		d.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(d *Dialer) {
		d.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host). Intended
// for tests.
func WithEndpoint(base string) Option {
	return func(d *Dialer) {
		d.wsBase = base
	}
}

// WithAPIBase overrides the REST base URL used by ListVoices.
func WithAPIBase(base string) Option {
	return func(d *Dialer) {
		d.apiBase = base
	}
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) {
		d.httpClient = c
	}
}

// Dialer implements tts.Dialer backed by the ElevenLabs streaming API.
type Dialer struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Dialer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload for text, keepalive and end-of-input.
type textMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type generationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// initMessage opens the input stream and authenticates it.
type initMessage struct {
	Text             string           `json:"text"`
	VoiceSettings    voiceSettings    `json:"voice_settings"`
	GenerationConfig generationConfig `json:"generation_config"`
	XiAPIKey         string           `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Dial opens a stream-input connection for cfg.VoiceID and sends the
// initialisation message. HTTP 401 and 403 responses are reported as
// [tts.ErrRejected].
func (d *Dialer) Dial(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	wsURL, err := d.buildURL(cfg.VoiceID)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", d.apiKey)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("elevenlabs: dial: %w (HTTP %d)", tts.ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	initMsg, err := buildInitMessage(d.apiKey, cfg.Settings)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "init encode failed")
		return nil, fmt.Errorf("elevenlabs: encode init: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, initMsg); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send init")
		return nil, fmt.Errorf("elevenlabs: send init: %w", err)
	}
	return newStream(conn), nil
}

// buildURL constructs the stream-input URL for voiceID.
func (d *Dialer) buildURL(voiceID string) (string, error) {
	u, err := url.Parse(d.wsBase)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("v1", "text-to-speech", voiceID, "stream-input")
	q := u.Query()
	q.Set("model_id", d.model)
	q.Set("output_format", d.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildInitMessage encodes the first message of a connection. ElevenLabs
// requires a non-empty text value here.
func buildInitMessage(apiKey string, s tts.VoiceSettings) ([]byte, error) {
	if s == (tts.VoiceSettings{}) {
		s = tts.DefaultVoiceSettings()
	}
	return json.Marshal(initMessage{
		Text: " ",
		VoiceSettings: voiceSettings{
			Stability:       s.Stability,
			SimilarityBoost: s.SimilarityBoost,
			UseSpeakerBoost: s.SpeakerBoost,
		},
		GenerationConfig: generationConfig{ChunkLengthSchedule: chunkLengthSchedule},
		XiAPIKey:         apiKey,
	})
}

// ---- stream ----

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

func (s *stream) write(ctx context.Context, msg textMessage) error {
	if s.isClosed() {
		return tts.ErrStreamClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Send submits text with flush so generation starts immediately.
func (s *stream) Send(ctx context.Context, text string) error {
	if err := s.write(ctx, textMessage{Text: text, Flush: true}); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// KeepAlive sends a single space, which ElevenLabs accepts without
// producing audio.
func (s *stream) KeepAlive(ctx context.Context) error {
	if err := s.write(ctx, textMessage{Text: " "}); err != nil {
		return fmt.Errorf("elevenlabs: keepalive: %w", err)
	}
	return nil
}

// CloseInput sends the empty end-of-input message.
func (s *stream) CloseInput(ctx context.Context) error {
	if err := s.write(ctx, textMessage{Text: ""}); err != nil {
		return fmt.Errorf("elevenlabs: close input: %w", err)
	}
	return nil
}

// Recv returns the next audio chunk. Messages that cannot be decoded and
// provider error reports are logged and skipped.
func (s *stream) Recv(ctx context.Context) (tts.Chunk, error) {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return tts.Chunk{}, io.EOF
			case websocket.StatusPolicyViolation:
				if refused(err) {
					return tts.Chunk{}, fmt.Errorf("elevenlabs: %w: %v", tts.ErrRejected, err)
				}
				return tts.Chunk{}, fmt.Errorf("elevenlabs: closed by provider: %w", err)
			}
			if s.isClosed() {
				return tts.Chunk{}, tts.ErrStreamClosed
			}
			return tts.Chunk{}, fmt.Errorf("elevenlabs: read: %w", err)
		}

		c, ok, perr := parseAudioResponse(msg)
		if perr != nil {
			slog.Warn("elevenlabs: skipping malformed message", "err", perr, "bytes", len(msg))
			continue
		}
		if !ok {
			continue
		}
		return c, nil
	}
}

// refusalReasons identify policy-violation closes that will repeat on every
// reconnect. Others, like the input timeout, do not.
var refusalReasons = []string{"api key", "api_key", "unauthorized", "authenticat", "quota", "credit", "permission", "subscription"}

// refused reports whether a policy-violation close is a permanent refusal.
func refused(err error) bool {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	reason := strings.ToLower(ce.Reason)
	for _, r := range refusalReasons {
		if strings.Contains(reason, r) {
			return true
		}
	}
	return false
}

// Close closes the socket.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

// parseAudioResponse decodes a raw ElevenLabs message. ok is false for
// messages that carry neither audio nor the final marker.
func parseAudioResponse(data []byte) (c tts.Chunk, ok bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return tts.Chunk{}, false, err
	}
	if resp.Error != "" {
		slog.Warn("elevenlabs: provider error", "error", resp.Error, "message", resp.Message)
		return tts.Chunk{}, false, nil
	}
	if resp.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return tts.Chunk{}, false, fmt.Errorf("decode audio: %w", err)
		}
		c.Audio = pcm
	}
	c.IsFinal = resp.IsFinal
	return c, len(c.Audio) > 0 || c.IsFinal, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (d *Dialer) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	endpoint, err := url.JoinPath(d.apiBase, "v1", "voices")
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", d.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("elevenlabs: list voices: %w (HTTP %d)", tts.ErrRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	profiles, err := parseVoicesResponse(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// parseVoicesResponse parses a raw /v1/voices response body.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}
