// Package telegram implements the Bot API client used to fetch inbound
// voice files and deliver replies.
//
// The client covers the four remote procedures the pipeline needs:
// resolving a file_id to a download URL, downloading the file, sending a
// text message, and sending a voice attachment. All of them are treated
// as opaque request/response calls with their own failure modes.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// DefaultAPIBase is the production Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

const maxErrorBodyBytes = 2048

// Opts holds configuration for the Bot API client.
type Opts struct {
	Token      string
	APIBase    string
	HTTPClient *http.Client
}

// Option configures the Bot API client.
type Option func(*Opts)

// WithToken sets the bot token, overriding $TELEGRAM_BOT_TOKEN.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithAPIBase overrides the Bot API base URL (used in tests).
func WithAPIBase(base string) Option {
	return func(o *Opts) { o.APIBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a minimal Telegram Bot API client.
type Client struct {
	httpClient *http.Client
	token      string
	apiBase    string
}

// NewClient initializes a Bot API client. The token is taken from the
// options or the TELEGRAM_BOT_TOKEN environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIBase:    DefaultAPIBase,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		token:      cfg.Token,
		apiBase:    cfg.APIBase,
	}, nil
}

// apiResponse is the standard Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type fileResult struct {
	FilePath string `json:"file_path"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
}

// GetFileURL resolves a file_id to a direct download URL.
func (c *Client) GetFileURL(ctx context.Context, fileID string) (string, error) {
	u := c.methodURL("getFile") + "?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build getFile request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("getFile request failed: %w", err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decode getFile response: %w", err)
	}
	if !env.OK {
		return "", fmt.Errorf("getFile rejected: %s", env.Description)
	}
	var fr fileResult
	if err := json.Unmarshal(env.Result, &fr); err != nil {
		return "", fmt.Errorf("decode getFile result: %w", err)
	}
	if fr.FilePath == "" {
		return "", fmt.Errorf("getFile returned empty file_path")
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, fr.FilePath), nil
}

// DownloadFile fetches fileURL into dst. On failure no partial file is
// left behind.
func (c *Client) DownloadFile(ctx context.Context, fileURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status %d", resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		if rmErr := os.Remove(dst); rmErr != nil {
			slog.Warn("telegram.Client.DownloadFile: failed to remove partial download", "error", rmErr, "path", dst)
		}
		return fmt.Errorf("write download file: %w", err)
	}
	if err := out.Close(); err != nil {
		if rmErr := os.Remove(dst); rmErr != nil {
			slog.Warn("telegram.Client.DownloadFile: failed to remove partial download", "error", rmErr, "path", dst)
		}
		return fmt.Errorf("close download file: %w", err)
	}
	return nil
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage sends a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doEnvelope(req, "sendMessage")
}

// SendVoice sends the audio file at audioPath as a voice attachment. The
// playback duration is probed from the mp3 when possible; a failed probe
// only drops the duration field.
func (c *Client) SendVoice(ctx context.Context, chatID int64, audioPath string) error {
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open voice file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("build sendVoice request: %w", err)
	}
	if seconds, err := probeMP3Duration(audioPath); err == nil && seconds > 0 {
		if err := mw.WriteField("duration", strconv.Itoa(seconds)); err != nil {
			return fmt.Errorf("build sendVoice request: %w", err)
		}
	} else if err != nil {
		slog.Debug("telegram.Client.SendVoice: duration probe failed, omitting field", "error", err, "path", audioPath)
	}
	part, err := mw.CreateFormFile("voice", filepath.Base(audioPath))
	if err != nil {
		return fmt.Errorf("build sendVoice request: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read voice file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build sendVoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendVoice"), &body)
	if err != nil {
		return fmt.Errorf("build sendVoice request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.doEnvelope(req, "sendVoice")
}

// doEnvelope executes req and checks the Bot API envelope.
func (c *Client) doEnvelope(req *http.Request, method string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%s status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s rejected: %s", method, env.Description)
	}
	return nil
}

// probeMP3Duration estimates the playback length of an mp3 file in whole
// seconds, rounding up.
func probeMP3Duration(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, err
	}
	// Length is the decoded PCM size: 2 channels x 2 bytes per sample.
	bytesPerSecond := int64(dec.SampleRate()) * 4
	if bytesPerSecond == 0 {
		return 0, fmt.Errorf("invalid sample rate")
	}
	seconds := (dec.Length() + bytesPerSecond - 1) / bytesPerSecond
	return int(seconds), nil
}
