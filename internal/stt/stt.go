// Package stt provides the speech-to-text stage of the voice pipeline,
// backed by the OpenAI audio transcription API.
//
// The HTTP endpoint is called directly rather than through the typed SDK
// surface because the verbose_json response format is the only one that
// carries the detected language, which the pipeline needs for language
// resolution.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default configuration for the transcription client.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"

	// maxErrorBodyBytes caps how much of an API error body is kept for
	// diagnostics.
	maxErrorBodyBytes = 2048
)

// Opts holds configuration for the transcription client.
type Opts struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the transcription client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the transcription model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client transcribes audio files to text.
type Client struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewClient initializes a transcription client. The API key is taken from
// the options or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:      DefaultModel,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    cfg.BaseURL,
	}, nil
}

// verboseTranscription mirrors the fields of the verbose_json response
// the pipeline cares about.
type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// languageCodes maps the full lowercase English names the verbose_json
// response uses ("hindi", "tamil") to the ISO codes the rest of the
// pipeline is keyed on.
var languageCodes = map[string]string{
	"hindi":     "hi",
	"tamil":     "ta",
	"telugu":    "te",
	"bengali":   "bn",
	"marathi":   "mr",
	"gujarati":  "gu",
	"punjabi":   "pa",
	"kannada":   "kn",
	"malayalam": "ml",
	"english":   "en",
}

// normalizeLanguage converts a detected-language value to an ISO code.
// Values already shaped like a code pass through; unknown names are
// returned lowercased so callers fall back to their defaults.
func normalizeLanguage(detected string) string {
	lang := strings.ToLower(strings.TrimSpace(detected))
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	return lang
}

// Transcribe converts the audio file at audioPath to text. A non-empty
// languageHint forces the recognition language; otherwise the engine
// auto-detects and the detected code is returned alongside the text.
func (c *Client) Transcribe(ctx context.Context, audioPath, languageHint string) (string, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", "", fmt.Errorf("build transcription request: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", "", fmt.Errorf("read audio file: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", "", fmt.Errorf("build transcription request: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return "", "", fmt.Errorf("build transcription request: %w", err)
	}
	if languageHint != "" {
		if err := mw.WriteField("language", languageHint); err != nil {
			return "", "", fmt.Errorf("build transcription request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", "", fmt.Errorf("build transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	slog.Debug("stt.Client.Transcribe: sending transcription request", "model", c.model, "language_hint", languageHint, "file", filepath.Base(audioPath))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", "", fmt.Errorf("transcription API status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out verboseTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode transcription response: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	lang := normalizeLanguage(out.Language)
	slog.Debug("stt.Client.Transcribe: transcription completed", "detected_language", lang, "chars", len(text))
	return text, lang, nil
}
