// Package httpclient wraps net/http with the retry policy shared by the LLM
// and embedding clients: a bounded number of attempts with exponential
// backoff, retrying only transport failures and HTTP 429.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client retries idempotent provider calls. 4xx responses other than 429 are
// returned immediately; the caller decides how to surface them.
type Client struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxAttempts sets the total number of attempts, first call included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// WithSleepFunc replaces the backoff sleep; tests use this to run instantly.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		baseDelay:   time.Second,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable reports whether a response status warrants another attempt.
// Transport errors (err != nil, resp == nil) are always retryable.
func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying per policy. The request must have GetBody
// set when it carries a body, so the body can be replayed on retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("recreate request body for retry: %w", err)
				}
				req.Body = body
			}
			delay := c.baseDelay << (attempt - 1)
			slog.Debug("retrying HTTP request", "attempt", attempt+1, "delay", delay, "url", req.URL.Path)
			c.sleep(delay)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastResp, lastErr = nil, err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp, lastErr = resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, &RetryExhaustedError{
		Attempts: c.maxAttempts,
		Err:      lastErr,
	}
}
