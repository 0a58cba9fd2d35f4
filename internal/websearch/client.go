// Package websearch talks to the Brave Search API and fetches pages for
// content extraction.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"valet/internal/retry"
)

const defaultAPIBase = "https://api.search.brave.com/res/v1"

// ErrNoAPIKey means search was attempted without a Brave subscription token.
var ErrNoAPIKey = errors.New("websearch: brave api key not configured")

// Result is one search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Config holds search credentials and locale hints.
type Config struct {
	APIKey     string
	APIBase    string // overridden in tests
	Country    string // e.g. "FR"
	SearchLang string // e.g. "fr"
	Timeout    time.Duration
}

// Client is a Brave Search API client. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a search client.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Available reports whether a subscription token is configured.
func (c *Client) Available() bool { return c.cfg.APIKey != "" }

// Search runs a web search and returns up to count results.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	body, err := c.get(ctx, "/web/search", query, count)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("websearch: parse response: %w", err)
	}
	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// SearchNews runs a news search and returns up to count results.
func (c *Client) SearchNews(ctx context.Context, query string, count int) ([]Result, error) {
	body, err := c.get(ctx, "/news/search", query, count)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("websearch: parse response: %w", err)
	}
	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description, PublishedAt: r.Age})
	}
	return results, nil
}

func (c *Client) get(ctx context.Context, endpoint, query string, count int) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if count <= 0 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	u, err := url.Parse(c.cfg.APIBase + endpoint)
	if err != nil {
		return nil, fmt.Errorf("websearch: bad api base: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	if c.cfg.Country != "" {
		q.Set("country", c.cfg.Country)
	}
	if c.cfg.SearchLang != "" {
		q.Set("search_lang", c.cfg.SearchLang)
	}
	u.RawQuery = q.Encode()

	// Transport errors and 429/5xx answers are retried; any other bad
	// status fails outright.
	return retry.DoWithValue(ctx, retry.Exponential(3, 200*time.Millisecond, 2*time.Second), func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("websearch: request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("websearch: read response: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		statusErr := fmt.Errorf("websearch: brave api status %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, retry.Permanent(statusErr)
	})
}
