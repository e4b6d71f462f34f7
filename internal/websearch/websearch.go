// Package websearch implements the scholar-style web-search client used by
// the google_scholar discovery strategy. It returns result titles only; title
// resolution to PMIDs happens in the discovery layer.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultAPIURL = "https://api.bochaai.com/v1/web-search"
	maxResults    = 10
	maxRetries    = 3
)

// Result is one web-search hit.
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url,omitempty"`
	DatePublished string `json:"date_published,omitempty"`
}

// Client queries the web-search API. Requires WEBSEARCH_API_KEY in the
// environment (falls back to BOCHA_API_KEY).
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client reading credentials from the environment. apiURL ""
// selects the production endpoint.
func New(apiURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	apiKey := os.Getenv("WEBSEARCH_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("BOCHA_API_KEY")
	}
	return &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Scholar searches the web for query and returns the result titles.
//
// Expectations:
//   - Returns an error when no API key is configured
//   - Returns at most maxResults results
//   - Returns an empty slice when the API answers with no pages
//   - Retries transient HTTP failures up to 3 times
func (c *Client) Scholar(ctx context.Context, query string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("websearch: WEBSEARCH_API_KEY not set")
	}

	reqBody, err := json.Marshal(map[string]any{
		"query":     query,
		"freshness": "noLimit",
		"summary":   false,
		"count":     maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal request: %w", err)
	}

	var results []Result
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("websearch: create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("websearch: http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("websearch: read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("websearch: HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("websearch: HTTP %d: %s", resp.StatusCode, body))
		}

		var parsed apiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("websearch: parse response: %w", err))
		}
		results = results[:0]
		for i, p := range parsed.WebPages.Value {
			if i >= maxResults {
				break
			}
			results = append(results, Result{
				Title:         p.Name,
				URL:           p.URL,
				DatePublished: p.DatePublished,
			})
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return results, nil
}

type apiResponse struct {
	WebPages struct {
		Value []struct {
			Name          string `json:"name"`
			URL           string `json:"url"`
			DatePublished string `json:"datePublished"`
		} `json:"value"`
	} `json:"webPages"`
}
