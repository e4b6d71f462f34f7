// Package classify decides whether one publication reports the results of one
// registered trial. The prompt pairs the registration's identity and design
// fields with the publication's title, authors, and abstract; the model
// answers a schema-constrained {hasResults, reason}. The synchronous and
// batch paths share the same prompt builder and response validator.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/types"
)

// customIDSep joins trial id and PMID in a batch custom_id. PMIDs are digits
// and trial ids never contain "__", so the split is unambiguous.
const customIDSep = "__"

// CustomID builds the batch request identifier for one (trial, PMID) pair.
func CustomID(trialID, pmid string) string {
	return trialID + customIDSep + pmid
}

// SplitCustomID recovers the pair from a batch response's custom_id.
func SplitCustomID(customID string) (trialID, pmid string, err error) {
	idx := strings.LastIndex(customID, customIDSep)
	if idx <= 0 || idx+len(customIDSep) >= len(customID) {
		return "", "", fmt.Errorf("classify: malformed custom_id %q", customID)
	}
	return customID[:idx], customID[idx+len(customIDSep):], nil
}

var resultSchema = &llm.Schema{Name: "result_detection", Schema: json.RawMessage(`{
	"type": "object",
	"properties": {
		"hasResults": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["hasResults", "reason"],
	"additionalProperties": false
}`)}

// Classifier builds classification requests and validates answers.
type Classifier struct {
	Model        string
	Reasoning    string
	MaxTokens    int
	SystemPrompt string
}

// field appends "Label: value" to the prompt when value is non-empty.
func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

// UserPrompt renders the (registration, publication) pair for the model.
func (c *Classifier) UserPrompt(reg types.Registration, pub types.Publication) string {
	var b strings.Builder
	b.WriteString("## Trial registration\n")
	field(&b, "Trial ID", reg.TrialID)
	field(&b, "Brief title", reg.BriefTitle)
	field(&b, "Official title", reg.OfficialTitle)
	field(&b, "Organization", reg.Organization)
	field(&b, "Study type", reg.StudyType)
	field(&b, "Brief summary", reg.BriefSummary)
	field(&b, "Detailed description", reg.DetailedDescription)
	b.WriteString("\n## Publication\n")
	field(&b, "Title", pub.Title)
	field(&b, "Authors", pub.Authors)
	field(&b, "Abstract", pub.Abstract)
	return b.String()
}

// Body builds the chat-completion request for one pair. Shared between the
// synchronous call and batch serialization.
func (c *Classifier) Body(reg types.Registration, pub types.Publication) llm.CompletionBody {
	return llm.NewCompletionBody(c.Model, c.Reasoning, c.MaxTokens, resultSchema, []llm.Message{
		{Role: "system", Content: c.SystemPrompt},
		{Role: "user", Content: c.UserPrompt(reg, pub)},
	})
}

// BatchRequest serializes the pair as one batch JSONL line with
// custom_id = "{trialId}__{pmid}".
func (c *Classifier) BatchRequest(reg types.Registration, pub types.Publication) llm.BatchRequest {
	return llm.NewBatchRequest(CustomID(reg.TrialID, pub.PMID), c.Body(reg, pub))
}

// parsedAnswer is the model's schema-constrained output.
type parsedAnswer struct {
	HasResults *bool  `json:"hasResults"`
	Reason     string `json:"reason"`
}

// Parse validates one model answer into a Classification.
//
// Expectations:
//   - A well-formed answer yields success=true with the model's verdict
//   - A missing or non-boolean hasResults yields success=false, hasResults=false
//   - Malformed JSON yields success=false with the parse error recorded
//   - Fenced output is accepted
func Parse(content string, usage llm.Usage) types.Classification {
	cls := types.Classification{Tokens: types.Usage(usage)}
	var ans parsedAnswer
	if err := json.Unmarshal([]byte(llm.StripFences(content)), &ans); err != nil {
		cls.Error = fmt.Sprintf("parse classification: %v", err)
		return cls
	}
	if ans.HasResults == nil {
		cls.Error = "classification missing hasResults"
		return cls
	}
	cls.Success = true
	cls.HasResults = *ans.HasResults
	cls.Reason = ans.Reason
	return cls
}

// Failure records an upstream error (batch request failure, empty output) as
// a non-successful classification.
func Failure(err error) types.Classification {
	return types.Classification{Error: err.Error()}
}

// Sync classifies one pair with a synchronous completion call. Used by the
// live driver.
//
// Expectations:
//   - A transport error yields success=false with the error recorded
//   - The answer passes through the shared validator
func (c *Classifier) Sync(ctx context.Context, client *llm.Client, reg types.Registration, pub types.Publication) types.Classification {
	content, usage, err := client.Complete(ctx, c.Body(reg, pub))
	if err != nil {
		return Failure(err)
	}
	return Parse(content, usage)
}
