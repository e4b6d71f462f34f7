package batch

import (
	"fmt"

	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/progress"
)

// systemTokensPerRequest is the fixed per-request overhead added to the
// character-based token estimate (message framing, schema, role markers).
const systemTokensPerRequest = 50

// estimateTokens approximates the prompt cost of one request:
// ceil(promptChars / 4) plus the fixed overhead.
func estimateTokens(req llm.BatchRequest) int {
	chars := 0
	for _, m := range req.Body.Messages {
		chars += len(m.Content)
	}
	return (chars+3)/4 + systemTokensPerRequest
}

// packedChunk is one sealed chunk before it is persisted.
type packedChunk struct {
	Requests        []llm.BatchRequest
	JSONL           []byte
	RequestCount    int
	SizeBytes       int
	EstimatedTokens int
}

// packChunks splits reqs into chunks obeying both limits simultaneously:
// requestCount ≤ maxRequests and serialized bytes ≤ maxBytes.
//
// Expectations:
//   - Every chunk satisfies both limits
//   - A single request exceeding maxBytes is a configuration error, not a
//     silently oversized chunk
//   - Requests keep their input order across chunk boundaries
//   - Serializing then parsing a chunk's JSONL yields the same request list
func packChunks(reqs []llm.BatchRequest, maxRequests, maxBytes int) ([]packedChunk, error) {
	var chunks []packedChunk
	var cur packedChunk

	seal := func() {
		if cur.RequestCount > 0 {
			chunks = append(chunks, cur)
			cur = packedChunk{}
		}
	}

	for i := range reqs {
		line, err := llm.EncodeJSONL(reqs[i : i+1])
		if err != nil {
			return nil, err
		}
		if len(line) > maxBytes {
			return nil, fmt.Errorf("batch: request %s serializes to %d bytes, over the %d-byte chunk cap; raise maxBytesPerBatch or the safety buffer",
				reqs[i].CustomID, len(line), maxBytes)
		}
		if cur.RequestCount >= maxRequests || cur.SizeBytes+len(line) > maxBytes {
			seal()
		}
		cur.Requests = append(cur.Requests, reqs[i])
		cur.JSONL = append(cur.JSONL, line...)
		cur.RequestCount++
		cur.SizeBytes += len(line)
		cur.EstimatedTokens += estimateTokens(reqs[i])
	}
	seal()
	return chunks, nil
}

// DailyBudgetExhaustedError is the clean-exit signal: pending chunks remain
// but none fits today's remaining token budget. The run resumes on a later
// day from intact Progress.
type DailyBudgetExhaustedError struct {
	NextChunkIndex  int
	NextChunkTokens int
	Remaining       int
}

func (e *DailyBudgetExhaustedError) Error() string {
	return fmt.Sprintf("batch: daily token budget exhausted: chunk %d needs %d tokens, %d remain today; restart tomorrow to continue",
		e.NextChunkIndex, e.NextChunkTokens, e.Remaining)
}

// selectWithinBudget picks the largest prefix of pending (chunk indices into
// chunks, in index order) whose summed estimatedTokens fit remaining.
//
// Expectations:
//   - Returns the longest prefix whose token sum ≤ remaining
//   - Returns DailyBudgetExhaustedError when nothing fits but chunks remain
//   - Returns an empty selection without error when nothing is pending
func selectWithinBudget(chunks []progress.Chunk, pending []int, remaining int) ([]int, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	var selected []int
	sum := 0
	for _, idx := range pending {
		tokens := chunks[idx].EstimatedTokens
		if sum+tokens > remaining {
			break
		}
		sum += tokens
		selected = append(selected, idx)
	}
	if len(selected) == 0 {
		return nil, &DailyBudgetExhaustedError{
			NextChunkIndex:  pending[0],
			NextChunkTokens: chunks[pending[0]].EstimatedTokens,
			Remaining:       remaining,
		}
	}
	return selected, nil
}
