// Package tts provides the text-to-speech stage of the voice pipeline,
// backed by the ElevenLabs synthesis API.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default configuration for the synthesis client.
const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	// DefaultVoiceID is a multilingual voice suited to Indian languages.
	DefaultVoiceID = "JBFqnCBsd6RMkjVDRZzb"
	DefaultModelID = "eleven_multilingual_v2"

	maxErrorBodyBytes = 2048
)

// Opts holds configuration for the synthesis client.
type Opts struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	BaseURL    string
	TempDir    string
	HTTPClient *http.Client
}

// Option configures the synthesis client.
type Option func(*Opts)

// WithAPIKey sets the ElevenLabs API key, overriding $ELEVEN_LABS_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithVoiceID sets the synthesis voice.
func WithVoiceID(id string) Option {
	return func(o *Opts) { o.VoiceID = id }
}

// WithModelID sets the synthesis model.
func WithModelID(id string) Option {
	return func(o *Opts) { o.ModelID = id }
}

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithTempDir sets the directory synthesized audio files are written to.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.TempDir = dir }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client synthesizes reply text into mp3 audio files.
type Client struct {
	httpClient *http.Client
	apiKey     string
	voiceID    string
	modelID    string
	baseURL    string
	tempDir    string
}

// NewClient initializes a synthesis client. The API key is taken from the
// options or the ELEVEN_LABS_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		VoiceID:    DefaultVoiceID,
		ModelID:    DefaultModelID,
		BaseURL:    DefaultBaseURL,
		TempDir:    os.TempDir(),
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ELEVEN_LABS_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ELEVEN_LABS_API_KEY not set")
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		voiceID:    cfg.VoiceID,
		modelID:    cfg.ModelID,
		baseURL:    cfg.BaseURL,
		tempDir:    cfg.TempDir,
	}, nil
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize converts text to speech and returns the path of the
// generated mp3 file. The file is owned by the calling turn, which is
// responsible for deleting it; on any synthesis failure no file is left
// behind.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(synthesisRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return "", fmt.Errorf("build synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	slog.Debug("tts.Client.Synthesize: sending synthesis request", "voice_id", c.voiceID, "model_id", c.modelID, "chars", len(text))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("synthesis API status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	outPath := filepath.Join(c.tempDir, "reply_"+uuid.NewString()+".mp3")
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		if rmErr := os.Remove(outPath); rmErr != nil {
			slog.Warn("tts.Client.Synthesize: failed to remove partial output", "error", rmErr, "path", outPath)
		}
		return "", fmt.Errorf("write output file: %w", err)
	}
	if err := out.Close(); err != nil {
		if rmErr := os.Remove(outPath); rmErr != nil {
			slog.Warn("tts.Client.Synthesize: failed to remove partial output", "error", rmErr, "path", outPath)
		}
		return "", fmt.Errorf("close output file: %w", err)
	}

	slog.Debug("tts.Client.Synthesize: synthesis completed", "path", outPath)
	return outPath, nil
}
