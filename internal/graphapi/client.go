package graphapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second
	defaultMaxWait     = time.Minute
)

// Config configures the platform client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxRetries  int
	BackoffBase time.Duration
	// MaxWait caps a single wait between attempts, including server-sent
	// Retry-After values.
	MaxWait time.Duration
	// RequestDelay is slept after every request to self-throttle batch callers.
	RequestDelay time.Duration
	HTTPClient   *http.Client
}

// Client is a typed wrapper around the graph-style platform API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	maxRetries   int
	backoffBase  time.Duration
	maxWait      time.Duration
	requestDelay time.Duration
	logger       *zap.Logger
}

// NewClient creates a platform client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   cfg.HTTPClient,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		maxWait:      cfg.MaxWait,
		requestDelay: cfg.RequestDelay,
		logger:       logger.Named("graphapi"),
	}
}

// Response is a completed 2xx exchange.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

type requestOptions struct {
	maxRetries int
	timeout    time.Duration
}

// RequestOption overrides per-request defaults.
type RequestOption func(*requestOptions)

// WithMaxRetries overrides the retry budget for one request.
func WithMaxRetries(n int) RequestOption {
	return func(o *requestOptions) { o.maxRetries = n }
}

// WithTimeout overrides the per-attempt timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Request performs one API call with retries. Statuses 429 and >=500 are
// retried after Retry-After or an exponential backoff; other non-2xx statuses
// fail immediately. The returned error is always an *APIError.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body any, opts ...RequestOption) (*Response, error) {
	o := requestOptions{maxRetries: c.maxRetries, timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindParseError, Message: "failed to marshal request body", Err: err}
		}
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	defer c.throttle(ctx)

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, method, endpoint, payload, o.timeout)
		if err != nil {
			if ctx.Err() != nil || attempt >= o.maxRetries {
				return nil, &APIError{Kind: KindNetworkError, Err: err}
			}
			wait := c.backoff(attempt)
			c.logger.Warn("Transport failure, retrying",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(err))
			if err := sleep(ctx, wait); err != nil {
				return nil, &APIError{Kind: KindNetworkError, Err: err}
			}
			continue
		}

		if resp.Status >= 200 && resp.Status < 300 {
			return resp, nil
		}

		if retryable(resp.Status) && attempt < o.maxRetries {
			wait, ok := retryAfter(resp)
			if !ok {
				wait = c.backoff(attempt)
			}
			wait = min(wait, c.maxWait)
			c.logger.Warn("Retryable status from platform",
				zap.String("path", path),
				zap.Int("status", resp.Status),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				// Report what the platform said, not the cancelled wait.
				apiErr := errorFromResponse(resp)
				apiErr.Err = err
				return nil, apiErr
			}
			continue
		}

		return nil, errorFromResponse(resp)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{Status: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	return min(c.backoffBase*time.Duration(1<<attempt), c.maxWait)
}

func (c *Client) throttle(ctx context.Context) {
	if c.requestDelay > 0 {
		_ = sleep(ctx, c.requestDelay)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

type errorEnvelope struct {
	RetryAfter *float64 `json:"retry_after"`
	Error      *struct {
		Message    string   `json:"message"`
		Type       string   `json:"type"`
		Code       int      `json:"code"`
		Subcode    int      `json:"error_subcode"`
		RetryAfter *float64 `json:"retry_after"`
	} `json:"error"`
}

// retryAfter reads the Retry-After header, then a retry_after body field.
func retryAfter(resp *Response) (time.Duration, bool) {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d, true
			}
			return 0, true
		}
	}

	var env errorEnvelope
	if json.Unmarshal(resp.Body, &env) == nil {
		secs := env.RetryAfter
		if secs == nil && env.Error != nil {
			secs = env.Error.RetryAfter
		}
		if secs != nil && *secs >= 0 {
			return time.Duration(*secs * float64(time.Second)), true
		}
	}
	return 0, false
}

func errorFromResponse(resp *Response) *APIError {
	apiErr := &APIError{Status: resp.Status}

	var env errorEnvelope
	if json.Unmarshal(resp.Body, &env) == nil && env.Error != nil {
		apiErr.Message = env.Error.Message
		apiErr.Code = env.Error.Code
	} else if len(resp.Body) > 0 {
		apiErr.Message = truncate(string(resp.Body), 200)
	}

	apiErr.Kind = kindForStatus(resp.Status, apiErr.Code)
	return apiErr
}

// decode unmarshals a 2xx body, reporting malformed JSON as a parse error.
func decode(resp *Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &APIError{Kind: KindParseError, Status: resp.Status, Message: "malformed response body", Err: err}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tokenParams(token string) url.Values {
	params := url.Values{}
	params.Set("access_token", token)
	return params
}
