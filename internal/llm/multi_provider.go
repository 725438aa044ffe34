// Package llm fronts the generation backends with retry, rate limiting and
// failover.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrAllProvidersFailed is returned when every configured provider failed a request.
var ErrAllProvidersFailed = errors.New("all providers failed")

// MultiProviderConfig holds configuration for multiple providers.
type MultiProviderConfig struct {
	Providers []ProviderConfig
	// MaxFailures is how many consecutive failures move traffic off a provider.
	MaxFailures int
}

// MultiProviderClient sends each request to the active provider and fails
// over to the next one on throttling or after MaxFailures failures in a row.
type MultiProviderClient struct {
	providers   []Provider
	maxFailures int
	logger      *zap.Logger

	mu       sync.Mutex
	active   int
	failures []int
}

// NewMultiProviderClient builds every configured provider, skipping the ones
// that fail to initialize.
func NewMultiProviderClient(cfg MultiProviderConfig, logger *zap.Logger) (*MultiProviderClient, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	logger = logger.Named("llm")

	providers := make([]Provider, 0, len(cfg.Providers))
	for i, providerCfg := range cfg.Providers {
		provider, err := newProvider(providerCfg, logger)
		if err != nil {
			logger.Error("Failed to create provider",
				zap.String("type", string(providerCfg.Type)),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		providers = append(providers, provider)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers could be initialized")
	}

	return NewMultiProvider(providers, cfg.MaxFailures, logger), nil
}

// NewMultiProvider fails over between already-built providers.
func NewMultiProvider(providers []Provider, maxFailures int, logger *zap.Logger) *MultiProviderClient {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &MultiProviderClient{
		providers:   providers,
		maxFailures: maxFailures,
		logger:      logger,
		failures:    make([]int, len(providers)),
	}
}

func (c *MultiProviderClient) current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// fail records a failure of provider i and reports whether traffic moved on.
func (c *MultiProviderClient) fail(i int, throttled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[i]++
	if !throttled && c.failures[i] < c.maxFailures {
		return false
	}
	c.failures[i] = 0
	// Another request may already have moved on.
	if c.active == i {
		c.active = (i + 1) % len(c.providers)
		c.logger.Warn("Switching provider",
			zap.String("from", c.providers[i].Name()),
			zap.String("to", c.providers[c.active].Name()),
			zap.Bool("throttled", throttled))
	}
	return true
}

func (c *MultiProviderClient) succeed(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[i] = 0
}

// Generate tries providers starting at the active one, each at most once.
func (c *MultiProviderClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := c.current()
	var lastErr error

	for offset := range c.providers {
		i := (start + offset) % len(c.providers)
		provider := c.providers[i]

		text, err := provider.Generate(ctx, systemPrompt, userPrompt)
		if err == nil {
			c.succeed(i)
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		throttled := IsRateLimited(err)
		c.logger.Error("Provider failed",
			zap.String("provider", provider.Name()),
			zap.Bool("throttled", throttled),
			zap.Error(err))
		c.fail(i, throttled)
	}

	return "", fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

// Name returns the active provider's name.
func (c *MultiProviderClient) Name() string {
	return c.providers[c.current()].Name()
}

// Close closes all providers.
func (c *MultiProviderClient) Close() error {
	var errs []error
	for _, provider := range c.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}
