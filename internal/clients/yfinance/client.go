package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/finsight/quotecrawler/internal/observ"
)

// Config holds Yahoo Finance client settings.
type Config struct {
	BaseURL        string
	TimeoutSeconds int
	UserAgent      string
}

// Client fetches quotes from the public Yahoo Finance quote API. It is the
// free fallback source: no credentials, no per-request cost.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a client, applying defaults for unset config fields.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []map[string]any `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

// FetchQuote returns the raw quote record for symbol, or (nil, nil) when the
// API answers successfully but knows no such symbol.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (map[string]any, error) {
	reqURL := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", c.cfg.BaseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("yfinance: build request for %s: %w", symbol, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yfinance: request for %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	observ.RecordDuration("yfinance_request_seconds", time.Since(start), map[string]string{"status": fmt.Sprintf("%d", resp.StatusCode)})

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("yfinance: HTTP %d for %s: %s", resp.StatusCode, symbol, string(body))
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("yfinance: decode response for %s: %w", symbol, err)
	}
	if apiErr := decoded.QuoteResponse.Error; apiErr != nil {
		return nil, fmt.Errorf("yfinance: API error for %s: %s (%s)", symbol, apiErr.Description, apiErr.Code)
	}
	if len(decoded.QuoteResponse.Result) == 0 {
		return nil, nil
	}
	return decoded.QuoteResponse.Result[0], nil
}
