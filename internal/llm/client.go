// Package llm implements the OpenAI-compatible LLM client used by the
// classifier and the query-generation strategies. It exposes two surfaces: a
// synchronous schema-constrained completion call, and the asynchronous batch
// API (file upload, batch creation, polling, output download) driving the
// staged batch runner.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is an OpenAI-compatible LLM client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	spend      *SpendCounter
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw base URL so the path is never doubled when the client appends
// endpoint paths itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables
// (OPENAI_API_KEY, OPENAI_BASE_URL). spend receives every call's token usage;
// pass the process-wide counter.
func New(spend *SpendCounter) *Client {
	return &Client{
		baseURL:    normalizeBaseURL(os.Getenv("OPENAI_BASE_URL")),
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		spend:      spend,
	}
}

// NewWithBaseURL creates a Client against an explicit endpoint. Used by tests
// and non-default deployments.
func NewWithBaseURL(baseURL, apiKey string, spend *SpendCounter) *Client {
	return &Client{
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		spend:      spend,
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Schema is a JSON-schema response constraint.
type Schema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// responseFormat is the OpenAI structured-output wire shape.
type responseFormat struct {
	Type       string `json:"type"`
	JSONSchema struct {
		Name   string          `json:"name"`
		Strict bool            `json:"strict"`
		Schema json.RawMessage `json:"schema"`
	} `json:"json_schema"`
}

func formatFor(schema *Schema) *responseFormat {
	if schema == nil {
		return nil
	}
	rf := &responseFormat{Type: "json_schema"}
	rf.JSONSchema.Name = schema.Name
	rf.JSONSchema.Strict = true
	rf.JSONSchema.Schema = schema.Schema
	return rf
}

// CompletionBody is the chat-completions request body, shared between the
// synchronous call and batch JSONL request lines.
type CompletionBody struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
}

// NewCompletionBody assembles a request body for model with the given
// reasoning effort, output token cap, optional schema constraint, and messages.
func NewCompletionBody(model, reasoning string, maxTokens int, schema *Schema, messages []Message) CompletionBody {
	return CompletionBody{
		Model:               model,
		Messages:            messages,
		ResponseFormat:      formatFor(schema),
		ReasoningEffort:     reasoning,
		MaxCompletionTokens: maxTokens,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one synchronous chat completion and returns the first
// choice's content and token usage.
//
// Expectations:
//   - Returns the first choice's message content
//   - Records token usage on the spend counter
//   - Retries 429 and 5xx responses with backoff
//   - Surfaces an API error body as an error
func (c *Client) Complete(ctx context.Context, body CompletionBody) (string, Usage, error) {
	raw, err := c.postJSON(ctx, "/chat/completions", body)
	if err != nil {
		return "", Usage{}, err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}
	if c.spend != nil {
		c.spend.Record(resp.Usage.TotalTokens)
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}

// postJSON posts body to path under the retry policy and returns the raw
// response bytes.
func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", payload)
}

// do issues one HTTP request with retries on transient statuses.
func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	var out []byte
	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("llm: create request: %w", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("llm: http request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("llm: read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, firstN(string(respBody), 200))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, firstN(string(respBody), 200)))
		}
		out = respBody
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// StripFences removes markdown code fences (```json ... ```) from LLM output.
// Schema-constrained responses should never carry fences, but fallback models
// occasionally do.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
