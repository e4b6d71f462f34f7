// Package runlog provides the per-run structured audit log.
//
// Each run gets one JSONL file in the output directory. Events capture every
// key moment: stage transitions, registration fetches, strategy outcomes,
// chunk lifecycle changes, and LLM batch jobs. The log is the raw substrate
// for post-hoc cost and failure analysis.
//
// Design constraints:
//   - All Log methods are nil-safe (no-op on nil receiver) so pipeline stages
//     don't need nil checks before every log call.
//   - Log is the sole owner of its file handle; stages never open files.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the run log.
type EventKind string

const (
	KindRunBegin    EventKind = "run_begin"
	KindRunEnd      EventKind = "run_end"
	KindStage       EventKind = "stage"
	KindTrialFetch  EventKind = "trial_fetch"
	KindStrategy    EventKind = "strategy"
	KindChunk       EventKind = "chunk"
	KindBatchJob    EventKind = "batch_job"
	KindTokenBudget EventKind = "token_budget"
)

// Event is one JSONL line in the run log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// run_begin / run_end
	RunID     string `json:"run_id,omitempty"`
	Input     string `json:"input,omitempty"`
	Status    string `json:"status,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`

	// stage
	Stage string `json:"stage,omitempty"`

	// trial_fetch / strategy
	TrialID  string `json:"trial_id,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Count    int    `json:"count,omitempty"`
	Error    string `json:"error,omitempty"`

	// chunk / batch_job
	ChunkIndex   *int   `json:"chunk_index,omitempty"` // pointer: chunk 0 must serialise
	ChunkStatus  string `json:"chunk_status,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	RequestCount int    `json:"request_count,omitempty"`

	// token_budget
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
	DailyTokensUsed int    `json:"daily_tokens_used,omitempty"`
	BudgetDate      string `json:"budget_date,omitempty"`
}

// Log writes structured events for one run.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *Log)
//   - Concurrent writes are safe (mutex-protected)
//   - The first line is run_begin, the last run_end
type Log struct {
	runID   string
	started time.Time
	mu      sync.Mutex
	f       *os.File
}

// Open creates the run log at {dir}/run-{runID}.jsonl and writes run_begin.
// Returns nil (safe to use) when the file cannot be created.
func Open(dir, runID, input string) *Log {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("[RUNLOG] could not create dir", "dir", dir, "error", err)
		return nil
	}
	path := filepath.Join(dir, "run-"+runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[RUNLOG] could not open log file", "path", path, "error", err)
		return nil
	}
	l := &Log{runID: runID, started: time.Now(), f: f}
	l.write(Event{Kind: KindRunBegin, RunID: runID, Input: input})
	return l
}

// Close writes run_end with the final status and closes the file.
func (l *Log) Close(status string) {
	if l == nil {
		return
	}
	l.write(Event{
		Kind:      KindRunEnd,
		RunID:     l.runID,
		Status:    status,
		ElapsedMs: time.Since(l.started).Milliseconds(),
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

// Stage records entry into a state-machine stage.
func (l *Log) Stage(stage string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindStage, Stage: stage})
}

// TrialFetch records one registration fetch. err is empty on success.
func (l *Log) TrialFetch(trialID, errMsg string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindTrialFetch, TrialID: trialID, Error: errMsg})
}

// Strategy records one strategy outcome for a trial.
func (l *Log) Strategy(trialID, strategy string, count int, errMsg string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindStrategy, TrialID: trialID, Strategy: strategy, Count: count, Error: errMsg})
}

// Chunk records a chunk lifecycle transition.
func (l *Log) Chunk(index int, status, batchID string, requestCount int) {
	if l == nil {
		return
	}
	i := index
	l.write(Event{Kind: KindChunk, ChunkIndex: &i, ChunkStatus: status, BatchID: batchID, RequestCount: requestCount})
}

// BatchJob records a query-generation batch job status change.
func (l *Log) BatchJob(batchID, status string) {
	if l == nil {
		return
	}
	l.write(Event{Kind: KindBatchJob, BatchID: batchID, Status: status})
}

// TokenBudget records a daily-budget decision for one chunk.
func (l *Log) TokenBudget(chunkIndex, estimatedTokens, dailyUsed int, date string) {
	if l == nil {
		return
	}
	i := chunkIndex
	l.write(Event{
		Kind:            KindTokenBudget,
		ChunkIndex:      &i,
		EstimatedTokens: estimatedTokens,
		DailyTokensUsed: dailyUsed,
		BudgetDate:      date,
	})
}

// write appends one JSON line. Adds timestamp, mutex-protected.
func (l *Log) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[RUNLOG] marshal event", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err = fmt.Fprintf(l.f, "%s\n", data); err != nil {
		slog.Error("[RUNLOG] write event", "error", err)
	}
}
