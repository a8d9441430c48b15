package brightdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/finsight/quotecrawler/internal/observ"
)

// Config holds Bright Data Web Unlocker settings. Zero values take the
// defaults applied in New.
type Config struct {
	APIToken           string
	Zone               string
	Endpoint           string
	RateLimitPerMinute int
	TimeoutSeconds     int
	MaxRetries         int
	BackoffBaseMs      int
}

// AuthError means the credentials were rejected. It is never worth retrying.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bright data auth rejected (HTTP %d): check API token and zone", e.StatusCode)
}

// RequestError is a retryable upstream failure.
type RequestError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("bright data request failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("bright data request failed: %s", e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client fetches rendered documents through the Bright Data Web Unlocker
// proxy. Requests are rate limited client-side and retried with exponential
// backoff on transient failures.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// New validates the config and constructs a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("bright data API token is required")
	}
	if cfg.Zone == "" {
		return nil, fmt.Errorf("bright data zone is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.brightdata.com/request"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 1000
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

type unlockerRequest struct {
	Zone   string `json:"zone"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Fetch retrieves the document at url and returns its raw body. Auth
// rejections abort immediately; 429s and 5xx responses are retried with
// exponential backoff until MaxRetries is exhausted.
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", &RequestError{Message: "rate limit wait cancelled", Err: err}
	}

	body, err := json.Marshal(unlockerRequest{Zone: c.cfg.Zone, URL: url, Format: "raw"})
	if err != nil {
		return "", &RequestError{Message: "encode request", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(c.cfg.BackoffBaseMs*(1<<attempt)) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", &RequestError{Message: "backoff cancelled", Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return "", &RequestError{Message: "build request", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &RequestError{Message: "request failed", Err: err}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		observ.RecordDuration("brightdata_request_seconds", time.Since(start), map[string]string{"status": fmt.Sprintf("%d", resp.StatusCode)})

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", &AuthError{StatusCode: resp.StatusCode}
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &RequestError{StatusCode: resp.StatusCode, Message: "upstream rate limit"}
			continue
		case resp.StatusCode >= 500:
			lastErr = &RequestError{StatusCode: resp.StatusCode, Message: truncate(string(respBody), 200)}
			continue
		case resp.StatusCode != http.StatusOK:
			return "", &RequestError{StatusCode: resp.StatusCode, Message: truncate(string(respBody), 200)}
		}
		if readErr != nil {
			lastErr = &RequestError{Message: "read response body", Err: readErr}
			continue
		}
		return string(respBody), nil
	}
	return "", lastErr
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
