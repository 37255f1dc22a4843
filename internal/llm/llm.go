package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Completer sends one system/user prompt pair to a chat model and returns the
// raw completion text. Stages depend on this interface, not on Client.
type Completer interface {
	Complete(ctx context.Context, system, user string, p Params) (string, error)
}

// Params are per-call model parameters.
type Params struct {
	Purpose     string
	Temperature float32
	MaxTokens   int
	TopP        float32
	Timeout     time.Duration
	JSONObject  bool
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	timeout  time.Duration
	debugDir string
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-call timeout used when Params.Timeout is zero.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDebugDir makes the client write every raw completion into dir.
func WithDebugDir(dir string) Option {
	return func(c *Client) { c.debugDir = dir }
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:    openai.NewClientWithConfig(config),
		model:  modelName,
		tracer: otel.Tracer("github.com/pavelanni/examforge/internal/llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the endpoint answers by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", classify(err))
	}
	return nil
}

var thinkRegex = regexp.MustCompile(`(?s)^\s*<think>.*?</think>`)

// Complete sends the prompts and returns the first choice's content with any
// leading reasoning block removed. Timeouts and connection failures come back
// as *TransientError.
func (c *Client) Complete(ctx context.Context, system, user string, p Params) (string, error) {
	purpose := p.Purpose
	if purpose == "" {
		purpose = "unspecified"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.purpose", purpose),
		attribute.String("llm.model", c.model),
	))
	defer span.End()

	temperature := p.Temperature
	if temperature == 0 {
		// A zero value is dropped from the request body; keep the intent of greedy decoding.
		temperature = math.SmallestNonzeroFloat32
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   p.MaxTokens,
		TopP:        p.TopP,
	}
	if p.JSONObject {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	requestDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classify(err)
		requestsTotal.WithLabelValues(purpose, ErrorClass(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := &MalformedResponseError{Expected: "completion", Reason: "no choices"}
		requestsTotal.WithLabelValues(purpose, ErrorClass(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	requestsTotal.WithLabelValues(purpose, "ok").Inc()

	raw := resp.Choices[0].Message.Content
	raw = strings.TrimSpace(thinkRegex.ReplaceAllString(raw, ""))
	slog.Debug("LLM response", "purpose", purpose, "bytes", len(raw))
	c.dump(purpose, raw)
	return raw, nil
}

func (c *Client) dump(purpose, raw string) {
	if c.debugDir == "" {
		return
	}
	if err := os.MkdirAll(c.debugDir, 0o755); err != nil {
		slog.Warn("create debug dir", "dir", c.debugDir, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.txt", purpose, time.Now().Format("20060102T150405.000000000"))
	if err := os.WriteFile(filepath.Join(c.debugDir, name), []byte(raw), 0o644); err != nil {
		slog.Warn("write debug dump", "file", name, "error", err)
	}
}
