package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/types"
)

// QueryV1Bundle is the single-query output of the v1 query prompt.
type QueryV1Bundle struct {
	Query string `json:"query"`
}

// QueryV2Bundle is the structured output of the v2 query prompt. Limits are
// enforced at the parser boundary: oversize lists are truncated.
type QueryV2Bundle struct {
	Keywords      []string `json:"keywords"`       // ≤ 4
	Investigators []string `json:"investigators"`  // ≤ 3
	SearchStrings []string `json:"search_strings"` // ≤ 6
	ExtraQueries  []string `json:"extra_queries"`  // ≤ 3
}

// Queries returns every PubMed query the bundle asks for: the search strings
// and extra queries, with a keyword/investigator query synthesized when the
// model supplied neither.
func (b QueryV2Bundle) Queries() []string {
	queries := append([]string{}, b.SearchStrings...)
	queries = append(queries, b.ExtraQueries...)
	if len(queries) > 0 {
		return queries
	}
	var q string
	for i, kw := range b.Keywords {
		if i > 0 {
			q += " AND "
		}
		q += fmt.Sprintf("%q", kw)
	}
	for _, inv := range b.Investigators {
		if q != "" {
			q += " AND "
		}
		q += fmt.Sprintf("%q[Author]", inv)
	}
	if q == "" {
		return nil
	}
	return []string{q}
}

// Response schemas for the two query-generation variants.
var (
	queryV1Schema = &llm.Schema{Name: "pubmed_query", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"],
		"additionalProperties": false
	}`)}

	queryV2Schema = &llm.Schema{Name: "pubmed_query_bundle", Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"keywords": {"type": "array", "items": {"type": "string"}, "maxItems": 4},
			"investigators": {"type": "array", "items": {"type": "string"}, "maxItems": 3},
			"search_strings": {"type": "array", "items": {"type": "string"}, "maxItems": 6},
			"extra_queries": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
		},
		"required": ["keywords", "investigators", "search_strings", "extra_queries"],
		"additionalProperties": false
	}`)}
)

// QueryVariant is the configuration of one LLM query-generation prompt (v1 or
// v2): which model runs it, with what effort and prompt, and which schema
// constrains the answer.
type QueryVariant struct {
	Name         string // "v1" or "v2"
	Model        string
	Reasoning    string
	MaxTokens    int
	SystemPrompt string
}

func (v QueryVariant) schema() *llm.Schema {
	if v.Name == "v2" {
		return queryV2Schema
	}
	return queryV1Schema
}

// Body builds the chat-completion request for reg. The same body serves the
// live path (sent via Complete) and the batch path (serialized as a JSONL
// request line).
func (v QueryVariant) Body(reg types.Registration) (llm.CompletionBody, error) {
	user, err := SanitizedRegistrationJSON(reg)
	if err != nil {
		return llm.CompletionBody{}, err
	}
	return llm.NewCompletionBody(v.Model, v.Reasoning, v.MaxTokens, v.schema(), []llm.Message{
		{Role: "system", Content: v.SystemPrompt},
		{Role: "user", Content: string(user)},
	}), nil
}

// SanitizedRegistrationJSON serializes reg for an LLM prompt with the fields
// that would leak the answer removed: the registry's own results claim and
// every known publication link.
func SanitizedRegistrationJSON(reg types.Registration) ([]byte, error) {
	reg.HasResults = nil
	reg.References = nil
	reg.LinkedPubmedIDs = nil
	raw, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("discovery: marshal registration %s: %w", reg.TrialID, err)
	}
	return raw, nil
}

// ParseV1Bundle validates a v1 model answer.
//
// Expectations:
//   - Accepts fenced and unfenced JSON
//   - Rejects an empty query
func ParseV1Bundle(content string) (QueryV1Bundle, error) {
	var b QueryV1Bundle
	if err := json.Unmarshal([]byte(llm.StripFences(content)), &b); err != nil {
		return QueryV1Bundle{}, fmt.Errorf("discovery: parse v1 query bundle: %w", err)
	}
	if b.Query == "" {
		return QueryV1Bundle{}, fmt.Errorf("discovery: v1 query bundle has empty query")
	}
	return b, nil
}

// ParseV2Bundle validates a v2 model answer, truncating oversize lists.
//
// Expectations:
//   - Truncates keywords to 4, investigators to 3, search strings to 6,
//     extra queries to 3
//   - Rejects a bundle that yields no queries at all
func ParseV2Bundle(content string) (QueryV2Bundle, error) {
	var b QueryV2Bundle
	if err := json.Unmarshal([]byte(llm.StripFences(content)), &b); err != nil {
		return QueryV2Bundle{}, fmt.Errorf("discovery: parse v2 query bundle: %w", err)
	}
	b.Keywords = capList(b.Keywords, 4)
	b.Investigators = capList(b.Investigators, 3)
	b.SearchStrings = capList(b.SearchStrings, 6)
	b.ExtraQueries = capList(b.ExtraQueries, 3)
	if len(b.Queries()) == 0 {
		return QueryV2Bundle{}, fmt.Errorf("discovery: v2 query bundle yields no queries")
	}
	return b, nil
}

func capList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// GenerateV1 runs the v1 prompt synchronously. Used by the live driver; the
// batch runner materializes the same body through the batch API instead.
func GenerateV1(ctx context.Context, client *llm.Client, v QueryVariant, reg types.Registration) (QueryV1Bundle, error) {
	body, err := v.Body(reg)
	if err != nil {
		return QueryV1Bundle{}, err
	}
	content, _, err := client.Complete(ctx, body)
	if err != nil {
		return QueryV1Bundle{}, err
	}
	return ParseV1Bundle(content)
}

// GenerateV2 runs the v2 prompt synchronously.
func GenerateV2(ctx context.Context, client *llm.Client, v QueryVariant, reg types.Registration) (QueryV2Bundle, error) {
	body, err := v.Body(reg)
	if err != nil {
		return QueryV2Bundle{}, err
	}
	content, _, err := client.Complete(ctx, body)
	if err != nil {
		return QueryV2Bundle{}, err
	}
	return ParseV2Bundle(content)
}
