package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/progress"
)

func req(customID, content string) llm.BatchRequest {
	return llm.NewBatchRequest(customID, llm.CompletionBody{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: content}},
	})
}

func TestEstimateTokens(t *testing.T) {
	// 8 chars -> 2 tokens plus the fixed overhead
	if got := estimateTokens(req("a", "abcdefgh")); got != 2+systemTokensPerRequest {
		t.Errorf("got %d", got)
	}
	// 9 chars rounds up to 3
	if got := estimateTokens(req("a", "abcdefghi")); got != 3+systemTokensPerRequest {
		t.Errorf("got %d", got)
	}
}

func TestPackChunks_RequestCountLimit(t *testing.T) {
	reqs := []llm.BatchRequest{
		req("1", "x"), req("2", "x"), req("3", "x"), req("4", "x"), req("5", "x"),
	}
	chunks, err := packChunks(reqs, 2, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks: %d", len(chunks))
	}
	for _, c := range chunks[:2] {
		if c.RequestCount != 2 {
			t.Errorf("count: %d", c.RequestCount)
		}
	}
	if chunks[2].RequestCount != 1 {
		t.Errorf("last count: %d", chunks[2].RequestCount)
	}
}

func TestPackChunks_ByteLimit(t *testing.T) {
	reqs := []llm.BatchRequest{req("1", "aaaa"), req("2", "aaaa"), req("3", "aaaa")}
	line, err := llm.EncodeJSONL(reqs[:1])
	if err != nil {
		t.Fatal(err)
	}
	// Room for one line but not two.
	chunks, err := packChunks(reqs, 100, len(line)+10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks: %d", len(chunks))
	}
	for _, c := range chunks {
		if c.SizeBytes > len(line)+10 {
			t.Errorf("chunk over byte cap: %d", c.SizeBytes)
		}
	}
}

func TestPackChunks_OversizedRequestIsError(t *testing.T) {
	reqs := []llm.BatchRequest{req("big", strings.Repeat("a", 1000))}
	if _, err := packChunks(reqs, 100, 50); err == nil {
		t.Fatal("expected error for request over the byte cap")
	}
}

func TestPackChunks_PreservesOrder(t *testing.T) {
	reqs := []llm.BatchRequest{req("1", "x"), req("2", "x"), req("3", "x"), req("4", "x")}
	chunks, err := packChunks(reqs, 3, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range chunks {
		for _, r := range c.Requests {
			ids = append(ids, r.CustomID)
		}
	}
	if strings.Join(ids, ",") != "1,2,3,4" {
		t.Errorf("order: %v", ids)
	}
}

func TestPackChunks_JSONLRoundTrip(t *testing.T) {
	reqs := []llm.BatchRequest{req("a", "hello"), req("b", "world")}
	chunks, err := packChunks(reqs, 10, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks: %d", len(chunks))
	}
	var got []string
	for _, line := range bytes.Split(bytes.TrimSpace(chunks[0].JSONL), []byte("\n")) {
		var r llm.BatchRequest
		if err := json.Unmarshal(line, &r); err != nil {
			t.Fatal(err)
		}
		got = append(got, r.CustomID)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("round trip: %v", got)
	}
}

func budgetChunks(tokens ...int) []progress.Chunk {
	var out []progress.Chunk
	for i, tk := range tokens {
		out = append(out, progress.Chunk{Index: i, EstimatedTokens: tk, Status: progress.ChunkPending})
	}
	return out
}

func TestSelectWithinBudget_LongestPrefix(t *testing.T) {
	chunks := budgetChunks(60, 60, 60)
	got, err := selectWithinBudget(chunks, []int{0, 1, 2}, 130)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("selected: %v", got)
	}
}

func TestSelectWithinBudget_ExhaustedWhenNothingFits(t *testing.T) {
	chunks := budgetChunks(60, 60)
	_, err := selectWithinBudget(chunks, []int{0, 1}, 40)
	var exhausted *DailyBudgetExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error: %v", err)
	}
	if exhausted.NextChunkIndex != 0 || exhausted.NextChunkTokens != 60 || exhausted.Remaining != 40 {
		t.Errorf("details: %+v", exhausted)
	}
}

func TestSelectWithinBudget_EmptyPending(t *testing.T) {
	got, err := selectWithinBudget(budgetChunks(60), nil, 100)
	if err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestSelectWithinBudget_SkipsAlreadyUploaded(t *testing.T) {
	// Pending holds only chunk 2; earlier chunks spent on a prior day.
	chunks := budgetChunks(60, 60, 60)
	chunks[0].Status = progress.ChunkProcessed
	chunks[1].Status = progress.ChunkProcessed
	got, err := selectWithinBudget(chunks, []int{2}, 70)
	if err != nil || len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, %v", got, err)
	}
}
