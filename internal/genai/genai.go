// Package genai adapts the OpenAI API to the classification and reasoning
// boundaries used by the Brenda core.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/pagination"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"
)

// Error definitions
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrMissingAPIKey     = errors.New("OpenAI API key not provided")
	ErrNoAssistant       = errors.New("OpenAI assistant ID not configured")
	ErrEmptyMessage      = errors.New("no text content in last message")
)

// DefaultModel is used for JSON completions when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type threadService interface {
	New(ctx context.Context, body openai.BetaThreadNewParams, opts ...option.RequestOption) (*openai.Thread, error)
}

type messageService interface {
	New(ctx context.Context, threadID string, body openai.BetaThreadMessageNewParams, opts ...option.RequestOption) (*openai.Message, error)
	List(ctx context.Context, threadID string, query openai.BetaThreadMessageListParams, opts ...option.RequestOption) (*pagination.CursorPage[openai.Message], error)
}

type runService interface {
	New(ctx context.Context, threadID string, params openai.BetaThreadRunNewParams, opts ...option.RequestOption) (*openai.Run, error)
	Get(ctx context.Context, threadID string, runID string, opts ...option.RequestOption) (*openai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID string, runID string, params openai.BetaThreadRunSubmitToolOutputsParams, opts ...option.RequestOption) (*openai.Run, error)
	Cancel(ctx context.Context, threadID string, runID string, opts ...option.RequestOption) (*openai.Run, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	AssistantID string
	BaseURL     string
	Temperature float64
	// RequestsPerSecond limits outgoing calls; <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Option is a functional option for configuring the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model used for JSON completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithAssistantID sets the assistant that runs execute against.
func WithAssistantID(id string) Option {
	return func(o *Opts) { o.AssistantID = id }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature sets the sampling temperature for completions.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithRateLimit caps outgoing requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RequestsPerSecond = rps
		o.Burst = burst
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI services used by the classifier and the thread
// orchestrator.
type Client struct {
	chat     chatService
	threads  threadService
	messages messageService
	runs     runService

	model       string
	assistantID string
	temperature float64
	limiter     *rate.Limiter
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0, Burst: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	cli := openai.NewClient(reqOpts...)

	c := &Client{
		chat:        &cli.Chat.Completions,
		threads:     &cli.Beta.Threads,
		messages:    &cli.Beta.Threads.Messages,
		runs:        &cli.Beta.Threads.Runs,
		model:       cfg.Model,
		assistantID: cfg.AssistantID,
		temperature: cfg.Temperature,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "assistant", cfg.AssistantID != "", "rps", cfg.RequestsPerSecond)
	return c, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// GeneratePrompt returns the plain completion for a system and user prompt.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, false)
}

// CompleteJSON returns a completion constrained to a single JSON object.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, true)
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI.complete: chat completion failed", "error", err, "jsonMode", jsonMode)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
