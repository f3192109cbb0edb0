// Package genai provides text generation over the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultRequestTimeout bounds a single completion request.
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the provider answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptySystemPrompt is returned when a request has no system prompt.
	ErrEmptySystemPrompt = errors.New("system prompt is empty")
	// ErrNoTurns is returned when a request carries no conversation turns.
	ErrNoTurns = errors.New("completion request has no turns")
	// ErrMissingAPIKey is returned by NewClient without an API key.
	ErrMissingAPIKey = errors.New("OpenAI API key not set")
)

// ProviderError wraps a failure reported by the completion provider.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single prior message handed to the model.
type Turn struct {
	Role    Role
	Content string
}

// CompletionRequest is a single generation request. Zero Temperature or MaxTokens
// fall back to the client defaults.
type CompletionRequest struct {
	System      string
	Turns       []Turn
	Temperature float64
	MaxTokens   int64
}

// Completer is the interface the outreach and auto-reply pipelines depend on.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Compile-time check that Client implements Completer.
var _ Completer = (*Client)(nil)

// Opts holds configuration options for the client.
type Opts struct {
	APIKey         string
	Model          string
	BaseURL        string
	RequestTimeout time.Duration
	Temperature    float64
	MaxTokens      int64
	DebugMode      bool
	StateDir       string
}

// Option defines a configuration option for the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithRequestTimeout bounds each completion request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithDefaults sets the temperature and token cap used when a request leaves them zero.
func WithDefaults(temperature float64, maxTokens int64) Option {
	return func(o *Opts) {
		o.Temperature = temperature
		o.MaxTokens = maxTokens
	}
}

// WithDebug writes every request and response as JSON under stateDir/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// NewClient initializes a new client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, RequestTimeout: DefaultRequestTimeout, Temperature: 0.7, MaxTokens: 300}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "", "debug", cfg.DebugMode)

	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Complete runs one chat completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if strings.TrimSpace(req.System) == "" {
		return "", ErrEmptySystemPrompt
	}
	if len(req.Turns) == 0 {
		return "", ErrNoTurns
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	messages = append(messages, openai.SystemMessage(req.System))
	for _, t := range req.Turns {
		switch t.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Content))
		default:
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.Complete: completion request failed", "model", c.model, "error", err)
		pe := &ProviderError{Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return "", pe
	}
	c.writeDebug("Complete", params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := resp.Choices[0].Message.Content
	slog.Debug("Client.Complete: completion received", "model", c.model, "turns", len(req.Turns),
		"chars", len(text), "duration", time.Since(start))
	return text, nil
}

type debugRecord struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  openai.ChatCompletion          `json:"response"`
}

// writeDebug persists a request/response pair. Failures are logged and swallowed.
func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebug: create debug dir failed", "dir", dir, "error", err)
		return
	}
	now := time.Now().UTC()
	data, err := json.MarshalIndent(debugRecord{Timestamp: now, Method: method, Model: c.model, Params: params, Response: resp}, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebug: marshal failed", "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("completion_%s.json", now.Format("20060102T150405.000000000")))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		slog.Warn("Client.writeDebug: write failed", "file", name, "error", err)
	}
}
