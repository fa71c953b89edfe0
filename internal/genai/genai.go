// Package genai provides the response-generation stage of the voice
// pipeline, backed by the OpenAI chat completion API.
//
// The responder is persona-constrained (an agricultural advisor for
// Indian farmers) and replies in the caller's language. Several model
// candidates are attempted in a fixed priority order; a candidate
// failure moves on to the next, and the call only fails once every
// candidate has been exhausted.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned indicates the model returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModelCandidates is the fixed priority order of chat models to
// try. The order trades quality against latency and cost; later entries
// are fallbacks for outages of the earlier ones.
var DefaultModelCandidates = []string{
	"gpt-4o-mini",
	"gpt-4.1-mini",
	"gpt-4o",
}

// chatService defines the minimal interface for chat completions,
// allowing tests to substitute a mock.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the responder client.
type Opts struct {
	APIKey     string
	Candidates []string
}

// Option configures the responder client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModelCandidates overrides the model priority list.
func WithModelCandidates(models ...string) Option {
	return func(o *Opts) { o.Candidates = models }
}

// Client generates pipeline replies via the OpenAI chat API.
type Client struct {
	chat       chatService
	candidates []string
}

// NewClient initializes a responder client. The API key is taken from the
// options or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Candidates: DefaultModelCandidates}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if len(cfg.Candidates) == 0 {
		return nil, fmt.Errorf("no model candidates configured")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, candidates: cfg.Candidates}, nil
}

// Respond generates a short advisory reply to query in the given
// language. Model candidates are tried in priority order; the returned
// error names the last attempted candidate when all of them fail.
func (c *Client) Respond(ctx context.Context, query, languageCode string) (string, error) {
	system := systemPrompt(languageCode)

	var lastErr error
	lastModel := ""
	for _, model := range c.candidates {
		lastModel = model
		resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(query),
			},
			Model: openai.ChatModel(model),
		})
		if err != nil {
			slog.Debug("genai.Client.Respond: model candidate failed, trying next", "model", model, "error", err)
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			slog.Debug("genai.Client.Respond: model candidate returned no choices, trying next", "model", model)
			lastErr = ErrNoChoicesReturned
			continue
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}

	slog.Error("genai.Client.Respond: all model candidates failed", "candidates", len(c.candidates), "last_model", lastModel, "error", lastErr)
	return "", fmt.Errorf("all model candidates failed, last attempted %q: %w", lastModel, lastErr)
}

func systemPrompt(languageCode string) string {
	return fmt.Sprintf(`You are an expert agricultural advisor for Indian farmers.
Your role:
- Answer queries about farming, crops, diseases, fertilizers, weather and government schemes.
- Be helpful, concise, and practical.
- %s
- Keep the answer short (under 3-4 sentences) for voice output.`, ResponseInstruction(languageCode))
}
