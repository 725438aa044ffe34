package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
)

const defaultModel = "gpt-4o-mini"

// Config for the OpenAI-compatible client. OpenRouter is reached by pointing
// BaseURL at https://openrouter.ai/api/v1.
type Config struct {
	APIKey      string
	ModelName   string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// Client is a single-attempt chat-completions client; the SDK's own retries
// are switched off so the caller's retry policy is the only one.
type Client struct {
	client *oai.Client
	cfg    Config
	logger *zap.Logger
}

// StatusError is an HTTP error answer from the endpoint.
type StatusError struct {
	Code int
	err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("openai API status %d: %v", e.Code, e.err) }
func (e *StatusError) Unwrap() error { return e.err }

// RateLimited reports whether the request was throttled.
func (e *StatusError) RateLimited() bool { return e.Code == http.StatusTooManyRequests }

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := oai.NewClient(opts...)

	logger = logger.Named("openai")
	logger.Info("OpenAI-compatible client initialized",
		zap.String("model", cfg.ModelName),
		zap.String("base_url", cfg.BaseURL))
	return &Client{client: &client, cfg: cfg, logger: logger}, nil
}

func (c *Client) Name() string { return "openai/" + c.cfg.ModelName }

func (c *Client) Close() error { return nil }

// Generate runs one chat completion with a system and a user message.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(systemPrompt))
	}
	messages = append(messages, oai.UserMessage(userPrompt))

	params := oai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       shared.ChatModel(c.cfg.ModelName),
		Temperature: oai.Float(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = oai.Int(c.cfg.MaxTokens)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Code: apiErr.StatusCode, err: err}
		}
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", c.Name())
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
