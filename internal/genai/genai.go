// Package genai wraps the OpenAI API for OrderPipe: stateless chat completions
// (conversation summaries, keyword judgment), audio transcription, and the
// stateful Conversations/Responses endpoints that hold each customer's thread.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used for dialogue, summaries and keyword judgment.
const DefaultModel = "gpt-4o-mini"

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrMissingAPIKey     = errors.New("OPENAI_API_KEY not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines minimal interface for speech-to-text.
type transcriptionService interface {
	Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error)
}

// rawService issues JSON requests against endpoints the SDK has no typed surface for.
type rawService interface {
	Post(ctx context.Context, path string, body, res any) error
	Get(ctx context.Context, path string, res any) error
	Delete(ctx context.Context, path string, res any) error
}

type sdkChatService struct{ client *openai.Client }

func (s sdkChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type sdkTranscriptionService struct{ client *openai.Client }

func (s sdkTranscriptionService) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

type sdkRawService struct{ client *openai.Client }

func (s sdkRawService) Post(ctx context.Context, path string, body, res any) error {
	return s.client.Post(ctx, path, body, res)
}

func (s sdkRawService) Get(ctx context.Context, path string, res any) error {
	return s.client.Get(ctx, path, nil, res)
}

func (s sdkRawService) Delete(ctx context.Context, path string, res any) error {
	return s.client.Delete(ctx, path, nil, res)
}

// Client wraps the OpenAI services used by the ordering flows.
type Client struct {
	chat        chatService
	audio       transcriptionService
	raw         rawService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model used for responses and completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default completion temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token budget.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every completion request and response under <state-dir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the state directory used for debug dumps.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes a new GenAI client. SDK-level retries are disabled;
// callers wrap the calls that need retrying in a RetryPolicy.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.3, MaxTokens: 2000}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        sdkChatService{client: &cli},
		audio:       sdkTranscriptionService{client: &cli},
		raw:         sdkRawService{client: &cli},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Usage reports token consumption of a completion.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Completion is the text and token usage of a chat completion.
type Completion struct {
	Text  string
	Usage Usage
}

// CompletionOptions overrides the client's defaults for one call.
// A nil Temperature keeps the default; a zero MaxTokens keeps the default.
type CompletionOptions struct {
	System      string // optional system message sent before the prompt
	Temperature *float64
	MaxTokens   int
}

// Temperature is a helper for CompletionOptions.Temperature.
func Temperature(t float64) *float64 {
	return &t
}

// Complete sends a single user message and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt string, opts CompletionOptions) (Completion, error) {
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	messages = append(messages, openai.UserMessage(prompt))
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.Complete: request failed", "model", c.model, "error", err)
		return Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog("Complete", params, resp)
	if len(resp.Choices) == 0 {
		return Completion{}, ErrNoChoicesReturned
	}
	out := Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
	}
	slog.Debug("genai.Complete: completion received", "model", c.model, "tokens", out.Usage.Total)
	return out, nil
}

// writeDebugLog dumps one request/response pair as JSON when debug mode is on.
func (c *Client) writeDebugLog(method string, params, response any) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.writeDebugLog: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	now := time.Now()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102_150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("genai.writeDebugLog: write failed", "error", err)
	}
}
