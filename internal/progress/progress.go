// Package progress holds the durable state of one batch run. The Progress
// file is the crash-recovery anchor: it is rewritten atomically after every
// observable state change and before the next external call, so a restart
// resumes exactly where the previous process stopped.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clinetrics/publink/internal/types"
)

// Stage is the batch runner's position in its state machine.
type Stage string

const (
	StagePrep          Stage = "PREP"
	StageQueryUpload   Stage = "QUERY_GEN_UPLOAD"
	StageQueryPoll     Stage = "QUERY_GEN_POLL"
	StageQueryProcess  Stage = "QUERY_GEN_PROCESS"
	StagePubDiscovery  Stage = "PUB_DISCOVERY"
	StageResultPrepare Stage = "RESULT_GEN_PREPARATION"
	StageResultUpload  Stage = "RESULT_GEN_UPLOAD"
	StageResultPoll    Stage = "RESULT_GEN_POLL"
	StageResultProcess Stage = "RESULT_GEN_PROCESS"
	StageFinalize      Stage = "FINALIZE"
	StageCostCalc      Stage = "COST_CALCULATION"
	StageComplete      Stage = "COMPLETE"
)

// ChunkStatus is the lifecycle state of one classification chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkUploaded   ChunkStatus = "uploaded"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkValidating ChunkStatus = "validating"
	ChunkFinalizing ChunkStatus = "finalizing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkProcessed  ChunkStatus = "processed"
	ChunkFailed     ChunkStatus = "failed"
)

// chunkRank orders statuses along the monotone lifecycle. The three running
// states share a rank: the batch API may report them in any order.
var chunkRank = map[ChunkStatus]int{
	ChunkPending:    0,
	ChunkUploaded:   1,
	ChunkInProgress: 2,
	ChunkValidating: 2,
	ChunkFinalizing: 2,
	ChunkCompleted:  3,
	ChunkProcessed:  4,
	ChunkFailed:     5,
}

// Chunk is one bounded group of classification requests submitted as a single
// batch job.
type Chunk struct {
	Index           int         `json:"index"`
	InputFile       string      `json:"input_file"`
	RequestCount    int         `json:"request_count"`
	EstimatedTokens int         `json:"estimated_tokens"`
	SizeBytes       int         `json:"size_bytes"`
	Status          ChunkStatus `json:"status"`

	BatchID      string `json:"batch_id,omitempty"`
	InputFileID  string `json:"input_file_id,omitempty"`
	OutputFileID string `json:"output_file_id,omitempty"`

	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// SetStatus advances the chunk's lifecycle, recording the transition time.
//
// Expectations:
//   - Forward transitions succeed and stamp uploaded/completed/processed times
//   - Backward transitions fail
//   - The three running states may replace one another
func (c *Chunk) SetStatus(to ChunkStatus) error {
	from, ok := chunkRank[c.Status]
	if !ok {
		return fmt.Errorf("progress: chunk %d has unknown status %q", c.Index, c.Status)
	}
	rank, ok := chunkRank[to]
	if !ok {
		return fmt.Errorf("progress: unknown chunk status %q", to)
	}
	if rank < from {
		return fmt.Errorf("progress: chunk %d cannot move %s -> %s", c.Index, c.Status, to)
	}
	c.Status = to
	now := time.Now().UTC()
	switch to {
	case ChunkUploaded:
		c.UploadedAt = &now
	case ChunkCompleted:
		c.CompletedAt = &now
	case ChunkProcessed:
		c.ProcessedAt = &now
	}
	return nil
}

// BatchJobRef tracks one query-generation batch job.
type BatchJobRef struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id,omitempty"`
	Processed    bool   `json:"processed,omitempty"`
}

// DailyTokens is the token budget spent on one calendar day.
type DailyTokens struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Tokens int    `json:"tokens"`
}

// ResultDetection tracks the chunked classification submission.
type ResultDetection struct {
	Chunks               []Chunk     `json:"chunks"`
	DailyTokensUsed      DailyTokens `json:"daily_tokens_used"`
	TotalEstimatedTokens int         `json:"total_estimated_tokens"`
}

// BatchJobs groups every asynchronous job the run owns.
type BatchJobs struct {
	QueryGenV1      *BatchJobRef    `json:"query_gen_v1,omitempty"`
	QueryGenV2      *BatchJobRef    `json:"query_gen_v2,omitempty"`
	ResultDetection ResultDetection `json:"result_detection"`
}

// Row statuses for the driving dataset.
const (
	RowProcessing = "processing"
	RowSuccess    = "success"
	RowError      = "error"
)

// Row is the terminal state of one input row.
type Row struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SkippedCounts tallies input rows the run never processed.
type SkippedCounts struct {
	NoTrialID      int `json:"no_trial_id"`
	NoRegistration int `json:"no_registration"`
}

// Progress is the full durable record of one batch run.
type Progress struct {
	RunID string `json:"run_id"`
	Input string `json:"input"`
	Stage Stage  `json:"stage"`

	Registrations map[string]types.Registration      `json:"registrations"`
	Publications  map[string]types.TrialPublications `json:"publications"`

	BatchJobs BatchJobs `json:"batch_jobs"`

	Rows map[string]Row `json:"rows"`

	StartedAt     time.Time     `json:"started_at"`
	SkippedCounts SkippedCounts `json:"skipped_counts"`

	// Classifications keyed by "{trialId}__{pmid}".
	Classifications map[string]types.Classification `json:"classifications"`
}

// New creates a fresh Progress in PREP for the given input path.
func New(input string) *Progress {
	return &Progress{
		RunID:           uuid.NewString(),
		Input:           input,
		Stage:           StagePrep,
		Registrations:   map[string]types.Registration{},
		Publications:    map[string]types.TrialPublications{},
		Rows:            map[string]Row{},
		Classifications: map[string]types.Classification{},
		StartedAt:       time.Now().UTC(),
	}
}

// Load reads a persisted Progress from path.
//
// Expectations:
//   - Returns os.ErrNotExist (wrapped) when no file exists
//   - Returns a parse error for a corrupt file
//   - Nil maps are re-initialized after load
func Load(path string) (*Progress, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("progress: no progress at %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("progress: read %s: %w", path, err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("progress: parse %s: %w", path, err)
	}
	if p.Registrations == nil {
		p.Registrations = map[string]types.Registration{}
	}
	if p.Publications == nil {
		p.Publications = map[string]types.TrialPublications{}
	}
	if p.Rows == nil {
		p.Rows = map[string]Row{}
	}
	if p.Classifications == nil {
		p.Classifications = map[string]types.Classification{}
	}
	return &p, nil
}

// Save writes the Progress to path atomically (temp file plus rename), so a
// crash mid-write never leaves a truncated file.
func (p *Progress) Save(path string) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("progress: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("progress: rename %s: %w", path, err)
	}
	return nil
}

// PendingChunks returns the indices of chunks still awaiting upload, in index
// order.
func (p *Progress) PendingChunks() []int {
	var idx []int
	for i, c := range p.BatchJobs.ResultDetection.Chunks {
		if c.Status == ChunkPending {
			idx = append(idx, i)
		}
	}
	return idx
}

// Today formats now as the daily-budget date key.
func Today(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
