// Package gemini adapts the Gemini SDK to the generation interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.0-flash"

// ErrEmptyResponse is returned when the model produced no text, which
// includes answers withheld by safety filters.
var ErrEmptyResponse = errors.New("empty response from gemini")

// Config for the Gemini client. Zero values take defaults.
type Config struct {
	APIKey      string
	ModelName   string
	Temperature float32
	MaxTokens   int32
	Timeout     time.Duration
	// Endpoint overrides the API host, for tests.
	Endpoint string
}

// Client is a single-attempt Gemini client; retries belong to the caller.
type Client struct {
	client *genai.Client
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger = logger.Named("gemini")
	logger.Info("Gemini client initialized", zap.String("model", cfg.ModelName))
	return &Client{client: client, cfg: cfg, logger: logger}, nil
}

func (c *Client) Name() string { return "gemini/" + c.cfg.ModelName }

func (c *Client) Close() error { return c.client.Close() }

// model builds a handle per call because every caller brings its own
// system instruction.
func (c *Client) model(systemPrompt string) *genai.GenerativeModel {
	model := c.client.GenerativeModel(c.cfg.ModelName)
	model.SetTemperature(c.cfg.Temperature)
	model.SetMaxOutputTokens(c.cfg.MaxTokens)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	return model
}

// Generate runs one completion and joins the text parts of the first candidate.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.model(systemPrompt).GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}
	text := candidateText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return strings.TrimSpace(sb.String())
}
