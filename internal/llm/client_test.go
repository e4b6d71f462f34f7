package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestNormalizeBaseURL_StripsChatCompletionsSuffix(t *testing.T) {
	// Strips a trailing "/chat/completions" suffix
	got := normalizeBaseURL("https://api.openai.com/v1/chat/completions")
	if got != "https://api.openai.com/v1" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL_StripTrailingSlash(t *testing.T) {
	// Strips a trailing slash without "/chat/completions"
	if got := normalizeBaseURL("https://api.openai.com/v1/"); got != "https://api.openai.com/v1" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL_EmptyInput(t *testing.T) {
	// Returns "" for empty input
	if got := normalizeBaseURL(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestComplete_ReturnsContentAndRecordsSpend(t *testing.T) {
	// Returns the first choice's message content; records token usage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body CompletionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "gpt-4o" {
			t.Errorf("model: got %q", body.Model)
		}
		if body.ReasoningEffort != "medium" {
			t.Errorf("reasoning: got %q", body.ReasoningEffort)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"has_results\":true}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	spend := &SpendCounter{}
	c := NewWithBaseURL(srv.URL, "k", spend)
	body := NewCompletionBody("gpt-4o", "medium", 500, nil, []Message{
		{Role: "system", Content: "judge"},
		{Role: "user", Content: "pair"},
	})
	content, usage, err := c.Complete(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if content != `{"has_results":true}` {
		t.Errorf("content: got %q", content)
	}
	if usage.TotalTokens != 15 {
		t.Errorf("usage: got %d", usage.TotalTokens)
	}
	if spend.Total() != 15 {
		t.Errorf("spend: got %d, want 15", spend.Total())
	}
}

func TestComplete_RetriesTransient(t *testing.T) {
	// Retries 429 and 5xx responses with backoff
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "k", nil)
	content, _, err := c.Complete(context.Background(), NewCompletionBody("m", "", 0, nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if content != "ok" || calls.Load() != 2 {
		t.Errorf("content=%q calls=%d", content, calls.Load())
	}
}

func TestComplete_APIErrorSurfaced(t *testing.T) {
	// Surfaces an API error body as an error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	}))
	defer srv.Close()

	_, _, err := NewWithBaseURL(srv.URL, "k", nil).Complete(context.Background(), NewCompletionBody("m", "", 0, nil, nil))
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("got %v", err)
	}
}

func TestUploadFile_MultipartAndID(t *testing.T) {
	// Posts multipart form data with purpose=batch; returns the file id
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("purpose"); got != "batch" {
			t.Errorf("purpose: got %q", got)
		}
		w.Write([]byte(`{"id":"file-abc"}`))
	}))
	defer srv.Close()

	id, err := NewWithBaseURL(srv.URL, "k", nil).UploadFile(context.Background(), "chunk_000.jsonl", []byte("{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "file-abc" {
		t.Errorf("got %q", id)
	}
}

func TestCreateAndRetrieveBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/batches":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["input_file_id"] != "file-abc" || body["completion_window"] != "24h" {
				t.Errorf("body: %v", body)
			}
			w.Write([]byte(`{"id":"batch-1","status":"validating","input_file_id":"file-abc"}`))
		case r.Method == "GET" && r.URL.Path == "/batches/batch-1":
			w.Write([]byte(`{"id":"batch-1","status":"completed","output_file_id":"file-out","request_counts":{"total":2,"completed":2}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "k", nil)
	job, err := c.CreateBatch(context.Background(), "file-abc", ChatCompletionsEndpoint, "24h")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "batch-1" || job.Status != BatchValidating {
		t.Errorf("job: %+v", job)
	}
	job, err = c.RetrieveBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != BatchCompleted || job.OutputFileID != "file-out" {
		t.Errorf("job: %+v", job)
	}
}

func TestEncodeJSONL_RoundTrip(t *testing.T) {
	// Serializing then parsing a chunk's JSONL yields the same logical request list
	reqs := []BatchRequest{
		NewBatchRequest("NCT1__111", NewCompletionBody("m", "low", 100, nil, []Message{{Role: "user", Content: "a"}})),
		NewBatchRequest("NCT1__222", NewCompletionBody("m", "low", 100, nil, []Message{{Role: "user", Content: "b"}})),
	}
	data, err := EncodeJSONL(reqs)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var got BatchRequest
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatal(err)
		}
		if got.CustomID != reqs[i].CustomID || got.URL != ChatCompletionsEndpoint || got.Method != "POST" {
			t.Errorf("line %d: %+v", i, got)
		}
	}
}

func TestParseBatchOutputLine_Success(t *testing.T) {
	// Returns content and usage for successful lines
	line := []byte(`{"custom_id":"NCT1__111","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"has_results\":false}"}}],"usage":{"total_tokens":9}}}}`)
	res, err := ParseBatchOutputLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if res.CustomID != "NCT1__111" || res.Content != `{"has_results":false}` || res.Usage.TotalTokens != 9 || res.Err != nil {
		t.Errorf("got %+v", res)
	}
}

func TestParseBatchOutputLine_RequestError(t *testing.T) {
	// Sets Err for request-level errors but still returns the custom_id
	line := []byte(`{"custom_id":"NCT1__222","error":{"message":"rate limited"}}`)
	res, err := ParseBatchOutputLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if res.CustomID != "NCT1__222" || res.Err == nil {
		t.Errorf("got %+v", res)
	}
}

func TestParseBatchOutputLine_EmptyOutput(t *testing.T) {
	// Sets Err for empty message output
	line := []byte(`{"custom_id":"NCT1__333","response":{"status_code":200,"body":{"choices":[]}}}`)
	res, err := ParseBatchOutputLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err == nil {
		t.Error("expected Err for empty choices")
	}
}

func TestTerminalFailure(t *testing.T) {
	for _, s := range []string{BatchFailed, BatchExpired, BatchCancelled} {
		if !TerminalFailure(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{BatchValidating, BatchInProgress, BatchFinalizing, BatchCompleted} {
		if TerminalFailure(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStripFences(t *testing.T) {
	got := StripFences("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
	if got := StripFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
}
