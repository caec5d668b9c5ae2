// Package deepl provides a [translate.Translator] backed by the DeepL REST
// API (v2).
//
// Keys ending in ":fx" belong to the free plan and are routed to the free
// endpoint automatically.
package deepl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/babelrelay/pkg/provider/translate"
)

const (
	proEndpoint    = "https://api.deepl.com"
	freeEndpoint   = "https://api-free.deepl.com"
	defaultTimeout = 10 * time.Second

	// statusQuotaExceeded is DeepL's "quota exceeded" response code.
	statusQuotaExceeded = 456
)

var _ translate.Translator = (*Translator)(nil)

// Option is a functional option for configuring the DeepL Translator.
type Option func(*Translator)

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(t *Translator) {
		t.endpoint = endpoint
	}
}

// WithHTTPClient sets the HTTP client. The default client has a 10 s timeout
// and an OpenTelemetry-instrumented transport.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Translator) {
		t.httpClient = c
	}
}

// WithFormality sets the formality preference ("default", "more", "less",
// "prefer_more", "prefer_less").
func WithFormality(f string) Option {
	return func(t *Translator) {
		t.formality = f
	}
}

// Translator implements translate.Translator using DeepL.
type Translator struct {
	apiKey     string
	endpoint   string
	formality  string
	httpClient *http.Client
}

// New creates a DeepL Translator. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, errors.New("deepl: apiKey must not be empty")
	}
	t := &Translator{
		apiKey:   apiKey,
		endpoint: proEndpoint,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if strings.HasSuffix(apiKey, ":fx") {
		t.endpoint = freeEndpoint
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type translateRequest struct {
	Text       []string `json:"text"`
	SourceLang string   `json:"source_lang,omitempty"`
	TargetLang string   `json:"target_lang"`
	Formality  string   `json:"formality,omitempty"`
}

type translateResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// Translate implements translate.Translator.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	tgt := TargetCode(target)
	if tgt == "" {
		return "", errors.New("deepl: target language must not be empty")
	}

	body, err := json.Marshal(translateRequest{
		Text:       []string{text},
		SourceLang: SourceCode(source),
		TargetLang: tgt,
		Formality:  t.formality,
	})
	if err != nil {
		return "", fmt.Errorf("deepl: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.endpoint, "/")+"/v2/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("deepl: build request: %w", err)
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepl: request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, statusQuotaExceeded:
		return "", fmt.Errorf("deepl: %w (HTTP %d)", translate.ErrRejected, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("deepl: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("deepl: decode response: %w", err)
	}
	if len(tr.Translations) == 0 {
		return "", errors.New("deepl: empty translations in response")
	}
	return tr.Translations[0].Text, nil
}

// TargetCode maps a BCP-47 tag to a DeepL target_lang value. English and
// Portuguese require a regional variant; bare "en" and "pt" select US English
// and Brazilian Portuguese.
func TargetCode(lang string) string {
	lang = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(lang), "_", "-"))
	switch lang {
	case "":
		return ""
	case "EN":
		return "EN-US"
	case "PT":
		return "PT-BR"
	}
	primary, region, ok := strings.Cut(lang, "-")
	if !ok {
		return primary
	}
	switch primary {
	case "EN", "PT":
		return primary + "-" + region
	}
	return primary
}

// SourceCode maps a BCP-47 tag to a DeepL source_lang value, which never
// carries a region. An empty result lets DeepL detect the language.
func SourceCode(lang string) string {
	primary, _, _ := strings.Cut(strings.ReplaceAll(strings.TrimSpace(lang), "_", "-"), "-")
	return strings.ToUpper(primary)
}
