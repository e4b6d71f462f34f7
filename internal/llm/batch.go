package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
)

// ChatCompletionsEndpoint is the batch request target URL.
const ChatCompletionsEndpoint = "/v1/chat/completions"

// Batch job statuses reported by the API.
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchFinalizing = "finalizing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
	BatchCancelled  = "cancelled"
)

// TerminalFailure reports whether status means the batch will never complete.
func TerminalFailure(status string) bool {
	switch status {
	case BatchFailed, BatchExpired, BatchCancelled:
		return true
	}
	return false
}

// BatchRequest is one JSONL line of a batch input file.
type BatchRequest struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     CompletionBody `json:"body"`
}

// NewBatchRequest builds a batch line targeting the chat completions endpoint.
func NewBatchRequest(customID string, body CompletionBody) BatchRequest {
	return BatchRequest{
		CustomID: customID,
		Method:   "POST",
		URL:      ChatCompletionsEndpoint,
		Body:     body,
	}
}

// BatchJob is the API's view of one batch.
type BatchJob struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// UploadFile uploads jsonl as a batch input file and returns the file id.
//
// Expectations:
//   - Posts multipart form data with purpose=batch
//   - Returns the server-assigned file id
func (c *Client) UploadFile(ctx context.Context, name string, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("llm: write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("llm: create form file: %w", err)
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", fmt.Errorf("llm: write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("llm: close multipart writer: %w", err)
	}

	raw, err := c.do(ctx, "POST", "/files", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("llm: parse upload response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("llm: upload response has no file id")
	}
	return resp.ID, nil
}

// CreateBatch creates a batch job over inputFileID.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (BatchJob, error) {
	raw, err := c.postJSON(ctx, "/batches", map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return BatchJob{}, err
	}
	var job BatchJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return BatchJob{}, fmt.Errorf("llm: parse create batch response: %w", err)
	}
	return job, nil
}

// RetrieveBatch fetches the current state of a batch job.
func (c *Client) RetrieveBatch(ctx context.Context, batchID string) (BatchJob, error) {
	raw, err := c.do(ctx, "GET", "/batches/"+batchID, "", nil)
	if err != nil {
		return BatchJob{}, err
	}
	var job BatchJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return BatchJob{}, fmt.Errorf("llm: parse retrieve batch response: %w", err)
	}
	return job, nil
}

// DownloadFile returns the content of fileID (a completed batch's output).
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return c.do(ctx, "GET", "/files/"+fileID+"/content", "", nil)
}

// batchOutputLine is one JSONL line of a batch output file.
type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// BatchResult is one parsed batch response: the message content of the first
// choice plus usage, or the per-request error.
type BatchResult struct {
	CustomID string
	Content  string
	Usage    Usage
	Err      error
}

// ParseBatchOutputLine decodes one output JSONL line and extracts the first
// message text. A missing or empty message yields Err instead of content.
//
// Expectations:
//   - Returns the custom_id even when the request failed
//   - Sets Err for request-level errors, non-200 status codes, and empty output
//   - Returns content and usage for successful lines
func ParseBatchOutputLine(line []byte) (BatchResult, error) {
	var out batchOutputLine
	if err := json.Unmarshal(line, &out); err != nil {
		return BatchResult{}, fmt.Errorf("llm: parse batch output line: %w", err)
	}
	res := BatchResult{CustomID: out.CustomID}
	if out.Error != nil {
		res.Err = fmt.Errorf("llm: batch request failed: %s", out.Error.Message)
		return res, nil
	}
	if out.Response == nil {
		res.Err = fmt.Errorf("llm: batch output line has no response")
		return res, nil
	}
	if out.Response.StatusCode != 0 && out.Response.StatusCode != 200 {
		res.Err = fmt.Errorf("llm: batch request returned HTTP %d", out.Response.StatusCode)
		return res, nil
	}
	var body chatResponse
	if err := json.Unmarshal(out.Response.Body, &body); err != nil {
		res.Err = fmt.Errorf("llm: parse batch response body: %w", err)
		return res, nil
	}
	if body.Error != nil {
		res.Err = fmt.Errorf("llm: API error: %s", body.Error.Message)
		return res, nil
	}
	if len(body.Choices) == 0 || body.Choices[0].Message.Content == "" {
		res.Err = fmt.Errorf("llm: batch response has no message text")
		return res, nil
	}
	res.Content = body.Choices[0].Message.Content
	res.Usage = body.Usage
	return res, nil
}

// EncodeJSONL serializes reqs to JSONL, one request per line.
func EncodeJSONL(reqs []BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range reqs {
		if err := enc.Encode(&reqs[i]); err != nil {
			return nil, fmt.Errorf("llm: encode batch request %s: %w", reqs[i].CustomID, err)
		}
	}
	return buf.Bytes(), nil
}
