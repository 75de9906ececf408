// Package transport is the JSON-over-HTTP client shared by the SentinelOne and
// ConnectWise API clients.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AuthFunc decorates an outgoing request with credentials.
type AuthFunc func(req *http.Request)

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends JSON requests relative to a base URL.
type Client struct {
	baseURL string
	auth    AuthFunc
	retries int
	backoff time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Client. retries bounds extra attempts for GET requests only.
func New(baseURL string, timeout time.Duration, auth AuthFunc, retries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		auth:    auth,
		retries: retries,
		backoff: 500 * time.Millisecond,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// WithHTTPClient replaces the underlying http.Client (used in tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// BaseURL returns the URL all paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends method path?query with in encoded as the JSON body (nil for none)
// and decodes a 2xx response into out (nil to discard).
//
// Only GET is retried. Anything that may create or mutate remote state gets
// exactly one attempt.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.once(ctx, method, path, query, payload, out)
		if err == nil || attempt == attempts || !retryable(ctx, err) {
			return err
		}
		c.logger.Debug("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	u := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncateAPIError(respBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// retryable reports whether err is worth another attempt. Only the caller's
// context ending stops retries; a per-request client timeout does not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// truncateAPIError limits API error response bodies to prevent sensitive information leakage.
// Returns at most 512 bytes of the response for diagnostic purposes.
func truncateAPIError(body []byte) string {
	const maxLen = 512
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "... (truncated)"
}
