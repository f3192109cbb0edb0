package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func textResponse(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func userTurn(s string) []Turn { return []Turn{{Role: RoleUser, Content: s}} }

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: textResponse("Hello World")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.7, maxTokens: 100}
	out, err := client.Complete(context.Background(), CompletionRequest{System: "system prompt", Turns: userTurn("user prompt")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected one request, got %d", len(mock.params))
	}
	p := mock.params[0]
	if string(p.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", p.Model)
	}
	if p.Temperature.Value != 0.7 || p.MaxCompletionTokens.Value != 100 {
		t.Errorf("expected client defaults, got temperature=%v max=%v", p.Temperature.Value, p.MaxCompletionTokens.Value)
	}
}

func TestComplete_RequestOverridesAndRoles(t *testing.T) {
	mock := &mockChatService{resp: textResponse("ok")}
	client := &Client{chat: mock, model: "m", temperature: 0.2, maxTokens: 50}
	turns := []Turn{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bonus?"},
	}
	if _, err := client.Complete(context.Background(), CompletionRequest{System: "sys", Turns: turns, Temperature: 0.8, MaxTokens: 150}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := mock.params[0]
	if p.Temperature.Value != 0.8 || p.MaxCompletionTokens.Value != 150 {
		t.Errorf("expected request overrides, got temperature=%v max=%v", p.Temperature.Value, p.MaxCompletionTokens.Value)
	}
	if len(p.Messages) != 4 {
		t.Fatalf("expected system plus 3 turns, got %d", len(p.Messages))
	}
	if p.Messages[0].OfSystem == nil || p.Messages[1].OfUser == nil || p.Messages[2].OfAssistant == nil || p.Messages[3].OfUser == nil {
		t.Errorf("unexpected message roles: %+v", p.Messages)
	}
}

func TestComplete_ValidatesRequest(t *testing.T) {
	mock := &mockChatService{resp: textResponse("x")}
	client := &Client{chat: mock, model: "m"}

	if _, err := client.Complete(context.Background(), CompletionRequest{System: "  ", Turns: userTurn("u")}); !errors.Is(err, ErrEmptySystemPrompt) {
		t.Errorf("expected ErrEmptySystemPrompt, got %v", err)
	}
	if _, err := client.Complete(context.Background(), CompletionRequest{System: "sys"}); !errors.Is(err, ErrNoTurns) {
		t.Errorf("expected ErrNoTurns, got %v", err)
	}
	if len(mock.params) != 0 {
		t.Errorf("invalid requests must not reach the provider")
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "m"}
	_, err := client.Complete(context.Background(), CompletionRequest{System: "sys", Turns: userTurn("usr")})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProviderError, got %T", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	// Empty choices slice
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}, model: "m"}
	_, err := client.Complete(context.Background(), CompletionRequest{System: "sys", Turns: userTurn("usr")})
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestProviderError_Message(t *testing.T) {
	err := &ProviderError{StatusCode: 429, Err: errors.New("rate limited")}
	if !strings.Contains(err.Error(), "429") || !errors.Is(err, err.Err) {
		t.Errorf("unexpected provider error: %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithBaseURL("http://localhost:1"), WithDefaults(0.5, 80))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != "gpt-test" || cli.temperature != 0.5 || cli.maxTokens != 80 {
		t.Errorf("options not applied: %+v", cli)
	}
}
