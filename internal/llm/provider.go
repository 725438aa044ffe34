package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"replydesk/internal/gemini"
	"replydesk/internal/groq"
	"replydesk/internal/openai"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderType names a generation backend.
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderGroq   ProviderType = "groq"
	// ProviderOpenAI covers OpenAI and any compatible endpoint (OpenRouter) via base_url.
	ProviderOpenAI ProviderType = "openai"
)

const (
	defaultTemperature       = 0.4
	defaultRequestsPerMinute = 8
	defaultRetryDelay        = 2 * time.Second
)

// ProviderConfig holds configuration for a single provider instance.
type ProviderConfig struct {
	Type        ProviderType  `yaml:"type"`
	APIKey      string        `yaml:"api_key"`
	ModelName   string        `yaml:"model_name"`
	BaseURL     string        `yaml:"base_url"`
	Temperature *float32      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxRetries is how many times a failed call is repeated on the same
	// provider before failover counts it as one failure.
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

func (c ProviderConfig) temperature() float32 {
	if c.Temperature == nil {
		return defaultTemperature
	}
	return *c.Temperature
}

// Generator produces text for a system/user prompt pair.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider is a text-completion backend.
type Provider interface {
	Generator
	Name() string
	Close() error
}

// rateLimited is implemented by backend errors that know they were throttled.
type rateLimited interface {
	RateLimited() bool
}

// IsRateLimited reports whether err means the provider is throttling us.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl rateLimited
	if errors.As(err, &rl) {
		return rl.RateLimited()
	}
	// The Gemini SDK surfaces quota errors only as text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// newProvider builds the backend for cfg wrapped in retry and rate limiting.
func newProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	var (
		backend Provider
		err     error
	)
	switch cfg.Type {
	case ProviderGemini:
		backend, err = gemini.NewClient(gemini.Config{
			APIKey:      cfg.APIKey,
			ModelName:   cfg.ModelName,
			Temperature: cfg.temperature(),
			MaxTokens:   int32(cfg.MaxTokens),
			Timeout:     cfg.Timeout,
			Endpoint:    cfg.BaseURL,
		}, logger)
	case ProviderGroq:
		backend, err = groq.NewClient(groq.Config{
			APIKey:      cfg.APIKey,
			ModelName:   cfg.ModelName,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.temperature(),
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}, logger)
	case ProviderOpenAI:
		backend, err = openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			ModelName:   cfg.ModelName,
			BaseURL:     cfg.BaseURL,
			Temperature: float64(cfg.temperature()),
			MaxTokens:   int64(cfg.MaxTokens),
			Timeout:     cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	retrying := NewRetryingProvider(backend, cfg.MaxRetries, cfg.RetryDelay, logger)
	return NewRateLimitedProvider(retrying, cfg.RequestsPerMinute), nil
}

// RateLimitedProvider wraps a provider with a token bucket.
type RateLimitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows requestsPerMinute calls per minute with a
// burst of the same size.
func NewRateLimitedProvider(provider Provider, requestsPerMinute int) *RateLimitedProvider {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	return &RateLimitedProvider{
		Provider: provider,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
	}
}

func (p *RateLimitedProvider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return p.Provider.Generate(ctx, systemPrompt, userPrompt)
}

// RetryingProvider repeats failed calls with a doubling delay. Throttling
// errors are returned at once so failover can move to another provider.
type RetryingProvider struct {
	Provider
	attempts int
	delay    time.Duration
	logger   *zap.Logger
}

// NewRetryingProvider makes up to maxRetries attempts in total; zero means 3.
func NewRetryingProvider(provider Provider, maxRetries int, delay time.Duration, logger *zap.Logger) *RetryingProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &RetryingProvider{Provider: provider, attempts: maxRetries, delay: delay, logger: logger}
}

func (p *RetryingProvider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			wait := p.delay << (attempt - 1)
			p.logger.Warn("Retrying provider",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}

		text, err := p.Provider.Generate(ctx, systemPrompt, userPrompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if IsRateLimited(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", p.Name(), p.attempts, lastErr)
}
