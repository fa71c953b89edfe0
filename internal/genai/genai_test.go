package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing. Each call consumes
// the next scripted outcome.
type mockChatService struct {
	outcomes []outcome
	calls    int
	models   []string
	prompts  []string
}

type outcome struct {
	content string
	err     error
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	i := m.calls
	m.calls++
	m.models = append(m.models, string(params.Model))
	if len(params.Messages) > 0 {
		m.prompts = append(m.prompts, params.Messages[0].OfSystem.Content.OfString.Value)
	}
	if i >= len(m.outcomes) {
		return nil, errors.New("unscripted call")
	}
	o := m.outcomes[i]
	if o.err != nil {
		return nil, o.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: o.content}},
		},
	}, nil
}

func newTestClient(mock *mockChatService, candidates ...string) *Client {
	if len(candidates) == 0 {
		candidates = []string{"model-a", "model-b", "model-c"}
	}
	return &Client{chat: mock, candidates: candidates}
}

func TestRespondFirstCandidateSucceeds(t *testing.T) {
	mock := &mockChatService{outcomes: []outcome{{content: "gehu ko fungicide chhidko"}}}
	c := newTestClient(mock)

	out, err := c.Respond(context.Background(), "mera gehu kharab ho gaya", "hi")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "gehu ko fungicide chhidko" {
		t.Errorf("unexpected reply: %q", out)
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls)
	}
}

func TestRespondFallsThroughToLaterCandidate(t *testing.T) {
	mock := &mockChatService{outcomes: []outcome{
		{err: errors.New("model-a down")},
		{err: errors.New("model-b down")},
		{content: "use neem oil spray"},
	}}
	c := newTestClient(mock)

	out, err := c.Respond(context.Background(), "aphids on cotton", "en")
	if err != nil {
		t.Fatalf("expected success from third candidate, got %v", err)
	}
	if out != "use neem oil spray" {
		t.Errorf("unexpected reply: %q", out)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 calls, got %d", mock.calls)
	}
	if mock.models[2] != "model-c" {
		t.Errorf("expected third attempt on model-c, got %q", mock.models[2])
	}
}

func TestRespondAllCandidatesFail(t *testing.T) {
	lastErr := errors.New("quota exceeded")
	mock := &mockChatService{outcomes: []outcome{
		{err: errors.New("unavailable")},
		{err: errors.New("unavailable")},
		{err: lastErr},
	}}
	c := newTestClient(mock)

	_, err := c.Respond(context.Background(), "q", "hi")
	if err == nil {
		t.Fatal("expected error when all candidates fail")
	}
	if !errors.Is(err, lastErr) {
		t.Errorf("expected error to wrap the last candidate's failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "model-c") {
		t.Errorf("expected error to name the last attempted candidate, got %v", err)
	}
}

func TestRespondEmptyChoicesTreatedAsFailure(t *testing.T) {
	c := &Client{chat: &emptyChoicesChat{}, candidates: []string{"only-model"}}
	_, err := c.Respond(context.Background(), "q", "ta")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

type emptyChoicesChat struct{}

func (e *emptyChoicesChat) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return &openai.ChatCompletion{}, nil
}

func TestSystemPromptLanguageStyles(t *testing.T) {
	mock := &mockChatService{outcomes: []outcome{{content: "ok"}, {content: "ok"}, {content: "ok"}}}
	c := newTestClient(mock)

	ctx := context.Background()
	if _, err := c.Respond(ctx, "q", "hi"); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if _, err := c.Respond(ctx, "q", "ta"); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if _, err := c.Respond(ctx, "q", "xx"); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	if !strings.Contains(mock.prompts[0], "Hinglish") {
		t.Errorf("expected Hinglish instruction for hi, got %q", mock.prompts[0])
	}
	if !strings.Contains(mock.prompts[1], "Respond in Tamil language.") {
		t.Errorf("expected Tamil instruction, got %q", mock.prompts[1])
	}
	if !strings.Contains(mock.prompts[2], "the user's language") {
		t.Errorf("expected neutral fallback for unknown code, got %q", mock.prompts[2])
	}
}

func TestResponseInstructionTable(t *testing.T) {
	if got := ResponseInstruction("gu"); got != "Respond in Gujarati language." {
		t.Errorf("unexpected instruction for gu: %q", got)
	}
	if name, ok := LanguageName("ml"); !ok || name != "Malayalam" {
		t.Errorf("unexpected language name for ml: %q %v", name, ok)
	}
	if _, ok := LanguageName("zz"); ok {
		t.Error("expected zz to be unknown")
	}
}

func TestNewClientNoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClientWithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModelCandidates("m1", "m2"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if len(cli.candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(cli.candidates))
	}
}
