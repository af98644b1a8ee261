package schwab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	MarketDataPath    = "/marketdata/v1"
	AccountTraderPath = "/trader/v1"

	maxLoggedBody = 512
)

// Response is a successful provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON parses the body lazily.
func (r *Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProtocolFailure, err)
	}
	return nil
}

// SchwabClient issues authenticated REST calls against the provider.
type SchwabClient struct {
	authClient AuthClient
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures a SchwabClient.
type ClientOption func(*SchwabClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *SchwabClient) { c.httpClient = client }
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *SchwabClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewSchwabClient(authClient AuthClient, baseURL string, logger *slog.Logger, opts ...ClientOption) *SchwabClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = discardLogger()
	}
	c := &SchwabClient{
		authClient: authClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSchwabClient builds a client from cfg.
func CreateSchwabClient(cfg *Config, authClient AuthClient, logger *slog.Logger) *SchwabClient {
	return NewSchwabClient(authClient, cfg.BaseURL, logger,
		WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
		WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst))
}

// Get issues a GET with query parameters.
func (c *SchwabClient) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST with a JSON body.
func (c *SchwabClient) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT with a JSON body.
func (c *SchwabClient) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, nil, body)
}

// Delete issues a DELETE.
func (c *SchwabClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// WithRetry runs call and, if the token was rejected, runs it once more after
// the credential was re-validated.
func WithRetry(call func() (*Response, error)) (*Response, error) {
	resp, err := call()
	if errors.Is(err, ErrTokenRejected) {
		return call()
	}
	return resp, err
}

// do performs one request. A 401 re-validates the credential and returns
// ErrTokenRejected; other non-2xx statuses are logged and returned as *HTTPError.
func (c *SchwabClient) do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	token, err := c.authClient.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Request failed",
			"function", "do",
			"method", method,
			"path", path,
			"error", err)
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", method, path, ErrTransportFailure, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.Warn("Access token rejected, re-validating credential",
			"function", "do",
			"method", method,
			"path", path)
		c.authClient.InvalidateAccessToken(token)
		if _, err := c.authClient.EnsureAuthenticated(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: re-authentication after 401 failed: %w", method, path, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrTokenRejected)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Error("Provider returned error status",
			"function", "do",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(string(data), maxLoggedBody))
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *SchwabClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
