// Package batch drives tens of thousands of trials through the staged
// pipeline: registration prefetch, LLM batch query generation, publication
// discovery, chunked batch classification under a daily token budget, and
// summary finalization. The runner is a state machine over the durable
// Progress record; every stage is idempotent and a restart resumes exactly
// where the previous process stopped.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clinetrics/publink/internal/cache"
	"github.com/clinetrics/publink/internal/classify"
	"github.com/clinetrics/publink/internal/config"
	"github.com/clinetrics/publink/internal/datefilter"
	"github.com/clinetrics/publink/internal/discovery"
	"github.com/clinetrics/publink/internal/input"
	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/progress"
	"github.com/clinetrics/publink/internal/report"
	"github.com/clinetrics/publink/internal/runlog"
	"github.com/clinetrics/publink/internal/trialid"
	"github.com/clinetrics/publink/internal/types"
	"github.com/clinetrics/publink/internal/ui"
)

// RegistrationFetcher fetches one trial's canonical registration.
type RegistrationFetcher interface {
	Fetch(ctx context.Context, trialID string) (types.Registration, error)
}

// Discoverer runs the discovery strategies for one registration.
type Discoverer interface {
	Discover(ctx context.Context, reg types.Registration) ([]types.Publication, []types.StrategyError)
}

// BatchAPI is the slice of the LLM client the runner consumes.
type BatchAPI interface {
	UploadFile(ctx context.Context, name string, jsonl []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (llm.BatchJob, error)
	RetrieveBatch(ctx context.Context, batchID string) (llm.BatchJob, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Runner executes one batch run. Fields are wired by the command layer.
type Runner struct {
	Config     *config.Config
	Fetcher    RegistrationFetcher
	Discoverer Discoverer
	API        BatchAPI
	Classifier *classify.Classifier

	PoolV1, PoolV2 *cache.QueryPool
	VariantV1      discovery.QueryVariant
	VariantV2      discovery.QueryVariant

	Writer *report.Writer
	Log    *runlog.Log
	UI     *ui.Printer
	Logger *slog.Logger

	Input         string
	Delimiter     string
	ProgressPath  string
	ChunksDir     string
	PollInterval  time.Duration
	ValidationRun bool

	// Confirm gates each stage in step-by-step mode; nil runs straight
	// through. Returning false stops the run cleanly.
	Confirm func(stage string) bool

	// Now is the clock; tests inject a fake to cross day boundaries.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) printer() *ui.Printer {
	if r.UI != nil {
		return r.UI
	}
	return ui.NewPrinter(io.Discard, false)
}

func (r *Runner) save(p *progress.Progress) error {
	return p.Save(r.ProgressPath)
}

func (r *Runner) advance(p *progress.Progress, to progress.Stage) error {
	p.Stage = to
	return r.save(p)
}

// ErrStopped is returned when step-by-step mode declines a stage.
var ErrStopped = errors.New("batch: run stopped by operator")

// Run loads (or creates) Progress and drives the state machine to COMPLETE.
//
// Expectations:
//   - A fresh run starts in PREP; a resumed run re-enters the stored stage
//   - Progress is persisted before every external call
//   - DailyBudgetExhaustedError propagates as a clean exit
func (r *Runner) Run(ctx context.Context) error {
	p, err := progress.Load(r.ProgressPath)
	switch {
	case err == nil:
		r.logger().Info("resuming run", "run", p.RunID, "stage", p.Stage)
	case errors.Is(err, os.ErrNotExist):
		p = progress.New(r.Input)
		if err := r.save(p); err != nil {
			return err
		}
	default:
		return err
	}

	rows, err := input.ReadTable(p.Input, r.Delimiter)
	if err != nil {
		return err
	}

	for p.Stage != progress.StageComplete {
		if r.Confirm != nil && !r.Confirm(string(p.Stage)) {
			return ErrStopped
		}
		r.printer().Stage(string(p.Stage))
		r.Log.Stage(string(p.Stage))

		var err error
		switch p.Stage {
		case progress.StagePrep:
			err = r.runPrep(ctx, p, rows)
		case progress.StageQueryUpload:
			err = r.runQueryUpload(ctx, p)
		case progress.StageQueryPoll:
			err = r.runQueryPoll(ctx, p)
		case progress.StageQueryProcess:
			err = r.runQueryProcess(ctx, p)
		case progress.StagePubDiscovery:
			err = r.runPubDiscovery(ctx, p, rows)
		case progress.StageResultPrepare:
			err = r.runResultPrepare(p)
		case progress.StageResultUpload:
			err = r.runResultUpload(ctx, p)
		case progress.StageResultPoll:
			err = r.runResultPoll(ctx, p)
		case progress.StageResultProcess:
			err = r.runResultProcess(ctx, p)
		case progress.StageFinalize:
			err = r.runFinalize(p, rows)
		case progress.StageCostCalc:
			err = r.runCostCalc(p)
		default:
			err = fmt.Errorf("batch: unknown stage %q", p.Stage)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ------------------------------- PREP -------------------------------------

func (r *Runner) runPrep(ctx context.Context, p *progress.Progress, rows []input.Row) error {
	// Recounted from scratch so a crashed PREP re-entry stays idempotent.
	p.SkippedCounts.NoTrialID = 0
	for _, row := range rows {
		id, _, err := trialid.Parse(row.TrialID)
		if err != nil {
			p.SkippedCounts.NoTrialID++
			if err := r.save(p); err != nil {
				return err
			}
			continue
		}
		if _, ok := p.Registrations[id]; ok {
			continue
		}
		reg, err := r.Fetcher.Fetch(ctx, id)
		if err != nil {
			r.Log.TrialFetch(id, err.Error())
			p.Rows[id] = progress.Row{Status: progress.RowError, Error: err.Error()}
			if err := r.save(p); err != nil {
				return err
			}
			continue
		}
		r.Log.TrialFetch(id, "")
		p.Registrations[id] = reg
		p.Rows[id] = progress.Row{Status: progress.RowProcessing}
		if err := r.save(p); err != nil {
			return err
		}
	}
	return r.advance(p, progress.StageQueryUpload)
}

// --------------------------- QUERY_GEN stages ------------------------------

func (r *Runner) strategyEnabled(id types.StrategyID) bool {
	for _, s := range r.Config.EnabledStrategies() {
		if s == id {
			return true
		}
	}
	return false
}

func (r *Runner) sortedTrials(p *progress.Progress) []string {
	ids := make([]string, 0, len(p.Registrations))
	for id := range p.Registrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// queryVariantState pairs one variant's configuration with its progress slot.
type queryVariantState struct {
	name    string
	variant discovery.QueryVariant
	pool    *cache.QueryPool
	job     **progress.BatchJobRef
	parse   func(content string) (any, error)
}

func (r *Runner) variantStates(p *progress.Progress) []queryVariantState {
	var states []queryVariantState
	if r.strategyEnabled(types.StrategyPubmedGPTV1) {
		states = append(states, queryVariantState{
			name: "query_gen_v1", variant: r.VariantV1, pool: r.PoolV1,
			job: &p.BatchJobs.QueryGenV1,
			parse: func(c string) (any, error) { return discovery.ParseV1Bundle(c) },
		})
	}
	if r.strategyEnabled(types.StrategyPubmedGPTV2) {
		states = append(states, queryVariantState{
			name: "query_gen_v2", variant: r.VariantV2, pool: r.PoolV2,
			job: &p.BatchJobs.QueryGenV2,
			parse: func(c string) (any, error) { return discovery.ParseV2Bundle(c) },
		})
	}
	return states
}

func (r *Runner) runQueryUpload(ctx context.Context, p *progress.Progress) error {
	states := r.variantStates(p)
	if len(states) == 0 {
		return r.advance(p, progress.StagePubDiscovery)
	}

	anyJob := false
	for _, st := range states {
		if *st.job != nil {
			anyJob = true
			continue
		}
		var reqs []llm.BatchRequest
		for _, id := range r.sortedTrials(p) {
			if st.pool.Has(id) {
				continue
			}
			body, err := st.variant.Body(p.Registrations[id])
			if err != nil {
				return err
			}
			reqs = append(reqs, llm.NewBatchRequest(id, body))
		}
		if len(reqs) == 0 {
			continue
		}
		if len(reqs) > r.Config.Batch.MaxRequestsPerBatch {
			return fmt.Errorf("batch: %s needs %d requests, over maxRequestsPerBatch %d",
				st.name, len(reqs), r.Config.Batch.MaxRequestsPerBatch)
		}
		jsonl, err := llm.EncodeJSONL(reqs)
		if err != nil {
			return err
		}
		fileID, err := r.API.UploadFile(ctx, st.name+".jsonl", jsonl)
		if err != nil {
			return fmt.Errorf("batch: upload %s: %w", st.name, err)
		}
		job, err := r.API.CreateBatch(ctx, fileID, llm.ChatCompletionsEndpoint, r.Config.Batch.CompletionWindow)
		if err != nil {
			return fmt.Errorf("batch: create %s batch: %w", st.name, err)
		}
		*st.job = &progress.BatchJobRef{ID: job.ID, Status: job.Status, InputFileID: fileID}
		anyJob = true
		r.Log.BatchJob(job.ID, job.Status)
		if err := r.save(p); err != nil {
			return err
		}
	}

	if !anyJob {
		// Every trial already has pooled queries.
		return r.advance(p, progress.StagePubDiscovery)
	}
	return r.advance(p, progress.StageQueryPoll)
}

func (r *Runner) runQueryPoll(ctx context.Context, p *progress.Progress) error {
	for {
		allDone := true
		for _, job := range []*progress.BatchJobRef{p.BatchJobs.QueryGenV1, p.BatchJobs.QueryGenV2} {
			if job == nil || (job.Status == llm.BatchCompleted && job.OutputFileID != "") {
				continue
			}
			j, err := r.API.RetrieveBatch(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("batch: poll query batch %s: %w", job.ID, err)
			}
			job.Status = j.Status
			job.OutputFileID = j.OutputFileID
			r.Log.BatchJob(job.ID, job.Status)
			if err := r.save(p); err != nil {
				return err
			}
			if llm.TerminalFailure(j.Status) {
				return fmt.Errorf("batch: query batch %s ended %s", job.ID, j.Status)
			}
			if j.Status != llm.BatchCompleted {
				allDone = false
				continue
			}
			if j.OutputFileID == "" {
				return fmt.Errorf("batch: query batch %s completed without output file", job.ID)
			}
		}
		if allDone {
			return r.advance(p, progress.StageQueryProcess)
		}
		if err := sleepCtx(ctx, r.PollInterval); err != nil {
			return err
		}
	}
}

func (r *Runner) runQueryProcess(ctx context.Context, p *progress.Progress) error {
	for _, st := range r.variantStates(p) {
		job := *st.job
		if job == nil || job.Processed {
			continue
		}
		data, err := r.API.DownloadFile(ctx, job.OutputFileID)
		if err != nil {
			return fmt.Errorf("batch: download %s output: %w", st.name, err)
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			res, err := llm.ParseBatchOutputLine(line)
			if err != nil {
				r.logger().Warn("unparseable query batch line", "variant", st.name, "error", err)
				continue
			}
			if res.Err != nil {
				r.logger().Warn("query generation failed", "variant", st.name, "trial", res.CustomID, "error", res.Err)
				continue
			}
			bundle, err := st.parse(res.Content)
			if err != nil {
				r.logger().Warn("invalid query bundle", "variant", st.name, "trial", res.CustomID, "error", err)
				continue
			}
			if err := st.pool.Save(res.CustomID, bundle); err != nil {
				return err
			}
		}
		job.Processed = true
		if err := r.save(p); err != nil {
			return err
		}
	}
	return r.advance(p, progress.StagePubDiscovery)
}

// --------------------------- PUB_DISCOVERY ---------------------------------

func (r *Runner) runPubDiscovery(ctx context.Context, p *progress.Progress, rows []input.Row) error {
	// Recounted from scratch so a crashed re-entry stays idempotent.
	p.SkippedCounts.NoRegistration = 0
	for _, row := range rows {
		id, _, err := trialid.Parse(row.TrialID)
		if err != nil {
			continue
		}
		if _, done := p.Publications[id]; done {
			continue
		}
		reg, ok := p.Registrations[id]
		if !ok {
			// Fetch-failed trials already hold an error row; FINALIZE writes
			// their summary. Only registration-less trials without one count
			// as skipped.
			if p.Rows[id].Status != progress.RowError {
				p.SkippedCounts.NoRegistration++
				if err := r.save(p); err != nil {
					return err
				}
			}
			continue
		}

		pubs, strategyErrs := r.Discoverer.Discover(ctx, reg)
		for _, se := range strategyErrs {
			r.Log.Strategy(id, se.Fn, 0, se.Message)
		}

		tp := types.TrialPublications{Errors: strategyErrs}
		eligible := pubs
		if r.ValidationRun {
			res := datefilter.Max(eligible, datefilter.CutoffFor(row.Dataset))
			eligible = res.Eligible
			tp.Filtered = append(tp.Filtered, res.Filtered...)
		}
		res := datefilter.Min(eligible, reg.StartDate)
		tp.Candidates = res.Eligible
		tp.Filtered = append(tp.Filtered, res.Filtered...)

		p.Publications[id] = tp
		if err := r.save(p); err != nil {
			return err
		}
	}
	return r.advance(p, progress.StageResultPrepare)
}

// ------------------------- RESULT_GEN stages -------------------------------

func (r *Runner) runResultPrepare(p *progress.Progress) error {
	rd := &p.BatchJobs.ResultDetection
	if len(rd.Chunks) > 0 {
		// Re-entered after a crash; the chunks already exist.
		return r.advance(p, progress.StageResultUpload)
	}

	var reqs []llm.BatchRequest
	for _, id := range r.sortedTrials(p) {
		tp, ok := p.Publications[id]
		if !ok {
			continue
		}
		reg := p.Registrations[id]
		for _, pub := range tp.Candidates {
			if pub.PMID == "" {
				continue
			}
			reqs = append(reqs, r.Classifier.BatchRequest(reg, pub))
		}
	}
	if len(reqs) == 0 {
		return r.advance(p, progress.StageFinalize)
	}

	packed, err := packChunks(reqs, r.Config.Batch.MaxRequestsPerBatch, r.Config.Batch.EffectiveMaxBytes())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.ChunksDir, 0o755); err != nil {
		return fmt.Errorf("batch: create chunks dir %s: %w", r.ChunksDir, err)
	}

	total := 0
	chunks := make([]progress.Chunk, 0, len(packed))
	for i, pc := range packed {
		path := filepath.Join(r.ChunksDir, fmt.Sprintf("chunk-%04d.jsonl", i))
		if err := os.WriteFile(path, pc.JSONL, 0o644); err != nil {
			return fmt.Errorf("batch: write chunk %d: %w", i, err)
		}
		chunks = append(chunks, progress.Chunk{
			Index:           i,
			InputFile:       path,
			RequestCount:    pc.RequestCount,
			EstimatedTokens: pc.EstimatedTokens,
			SizeBytes:       pc.SizeBytes,
			Status:          progress.ChunkPending,
		})
		total += pc.EstimatedTokens
	}
	rd.Chunks = chunks
	rd.TotalEstimatedTokens = total
	rd.DailyTokensUsed = progress.DailyTokens{Date: progress.Today(r.now()), Tokens: 0}
	r.printer().Info("prepared %d chunks, %d requests, ~%d tokens", len(chunks), len(reqs), total)
	return r.advance(p, progress.StageResultUpload)
}

func (r *Runner) runResultUpload(ctx context.Context, p *progress.Progress) error {
	rd := &p.BatchJobs.ResultDetection

	today := progress.Today(r.now())
	if rd.DailyTokensUsed.Date != today {
		rd.DailyTokensUsed = progress.DailyTokens{Date: today, Tokens: 0}
		if err := r.save(p); err != nil {
			return err
		}
	}

	pending := p.PendingChunks()
	if len(pending) == 0 {
		return r.advance(p, progress.StageResultPoll)
	}
	selected, err := selectWithinBudget(rd.Chunks, pending, r.Config.Batch.MaxTokensPerDay-rd.DailyTokensUsed.Tokens)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range selected {
		idx := idx
		g.Go(func() error {
			chunk := &rd.Chunks[idx]
			jsonl, err := os.ReadFile(chunk.InputFile)
			if err != nil {
				return fmt.Errorf("batch: read chunk %d: %w", chunk.Index, err)
			}
			fileID, err := r.API.UploadFile(gctx, filepath.Base(chunk.InputFile), jsonl)
			if err != nil {
				return fmt.Errorf("batch: upload chunk %d: %w", chunk.Index, err)
			}
			job, err := r.API.CreateBatch(gctx, fileID, llm.ChatCompletionsEndpoint, r.Config.Batch.CompletionWindow)
			if err != nil {
				return fmt.Errorf("batch: create batch for chunk %d: %w", chunk.Index, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err := chunk.SetStatus(progress.ChunkUploaded); err != nil {
				return err
			}
			chunk.BatchID = job.ID
			chunk.InputFileID = fileID
			rd.DailyTokensUsed.Tokens += chunk.EstimatedTokens
			r.Log.Chunk(chunk.Index, string(chunk.Status), chunk.BatchID, chunk.RequestCount)
			r.Log.TokenBudget(chunk.Index, chunk.EstimatedTokens, rd.DailyTokensUsed.Tokens, rd.DailyTokensUsed.Date)
			return r.save(p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.advance(p, progress.StageResultPoll)
}

// pollable chunk statuses: uploaded plus the three running states.
func pollable(status progress.ChunkStatus) bool {
	switch status {
	case progress.ChunkUploaded, progress.ChunkValidating, progress.ChunkInProgress, progress.ChunkFinalizing:
		return true
	}
	return false
}

func (r *Runner) runResultPoll(ctx context.Context, p *progress.Progress) error {
	rd := &p.BatchJobs.ResultDetection
	for {
		var active []int
		for i, c := range rd.Chunks {
			if pollable(c.Status) {
				active = append(active, i)
			}
		}
		if len(active) == 0 {
			return r.advance(p, progress.StageResultProcess)
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range active {
			idx := idx
			g.Go(func() error {
				chunk := &rd.Chunks[idx]
				job, err := r.API.RetrieveBatch(gctx, chunk.BatchID)
				if err != nil {
					return fmt.Errorf("batch: poll chunk %d: %w", chunk.Index, err)
				}
				if llm.TerminalFailure(job.Status) {
					return fmt.Errorf("batch: chunk %d batch %s ended %s", chunk.Index, chunk.BatchID, job.Status)
				}

				mu.Lock()
				defer mu.Unlock()
				switch job.Status {
				case llm.BatchCompleted:
					if job.OutputFileID == "" {
						return fmt.Errorf("batch: chunk %d completed without output file", chunk.Index)
					}
					if err := chunk.SetStatus(progress.ChunkCompleted); err != nil {
						return err
					}
					chunk.OutputFileID = job.OutputFileID
				case llm.BatchValidating, llm.BatchInProgress, llm.BatchFinalizing:
					if err := chunk.SetStatus(progress.ChunkStatus(job.Status)); err != nil {
						return err
					}
				default:
					return fmt.Errorf("batch: chunk %d reported unknown status %q", chunk.Index, job.Status)
				}
				r.Log.Chunk(chunk.Index, string(chunk.Status), chunk.BatchID, chunk.RequestCount)
				return r.save(p)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		done := true
		for _, c := range rd.Chunks {
			if pollable(c.Status) {
				done = false
				break
			}
		}
		if done {
			return r.advance(p, progress.StageResultProcess)
		}
		if err := sleepCtx(ctx, r.PollInterval); err != nil {
			return err
		}
	}
}

func (r *Runner) runResultProcess(ctx context.Context, p *progress.Progress) error {
	rd := &p.BatchJobs.ResultDetection
	for i := range rd.Chunks {
		chunk := &rd.Chunks[i]
		if chunk.Status != progress.ChunkCompleted {
			continue
		}
		data, err := r.API.DownloadFile(ctx, chunk.OutputFileID)
		if err != nil {
			return fmt.Errorf("batch: download chunk %d output: %w", chunk.Index, err)
		}
		outPath := filepath.Join(r.ChunksDir, fmt.Sprintf("chunk-%04d-output.jsonl", chunk.Index))
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("batch: save chunk %d output: %w", chunk.Index, err)
		}

		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			res, err := llm.ParseBatchOutputLine(line)
			if err != nil {
				r.logger().Warn("unparseable batch output line", "chunk", chunk.Index, "error", err)
				continue
			}
			if _, _, err := classify.SplitCustomID(res.CustomID); err != nil {
				r.logger().Warn("batch output with bad custom_id", "chunk", chunk.Index, "custom_id", res.CustomID)
				continue
			}
			var cls types.Classification
			if res.Err != nil {
				cls = classify.Failure(res.Err)
			} else {
				cls = classify.Parse(res.Content, res.Usage)
			}
			p.Classifications[res.CustomID] = cls
		}
		if err := chunk.SetStatus(progress.ChunkProcessed); err != nil {
			return err
		}
		r.Log.Chunk(chunk.Index, string(chunk.Status), chunk.BatchID, chunk.RequestCount)
		if err := r.save(p); err != nil {
			return err
		}
	}

	if len(p.PendingChunks()) > 0 {
		// Next day's budget picks up the remaining chunks.
		return r.advance(p, progress.StageResultUpload)
	}
	return r.advance(p, progress.StageFinalize)
}

// ------------------------ FINALIZE and accounting --------------------------

func (r *Runner) runFinalize(p *progress.Progress, rows []input.Row) error {
	seen := map[string]bool{}
	for _, row := range rows {
		id, _, err := trialid.Parse(row.TrialID)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true

		tp, ok := p.Publications[id]
		if !ok {
			// A trial whose registration fetch failed still gets its
			// has_error summary row, mirroring the live driver.
			row := p.Rows[id]
			if row.Status != progress.RowError || r.Writer.HasRow(id) {
				continue
			}
			tp = types.TrialPublications{Errors: []types.StrategyError{{Fn: "registration_fetch", Message: row.Error}}}
			summary := report.Summarize(id, tp, nil)
			if err := r.Writer.WriteTrial(report.Sidecar{
				Registration: types.Registration{TrialID: id},
				Publications: tp,
				Summary:      summary,
				WrittenAt:    r.now(),
			}); err != nil {
				return err
			}
			continue
		}
		if r.Writer.HasRow(id) {
			continue
		}

		cls := map[string]types.Classification{}
		for _, pub := range tp.Candidates {
			if c, found := p.Classifications[classify.CustomID(id, pub.PMID)]; found {
				cls[pub.PMID] = c
			}
		}
		summary := report.Summarize(id, tp, cls)
		if err := r.Writer.WriteTrial(report.Sidecar{
			Registration:    p.Registrations[id],
			Publications:    tp,
			Classifications: cls,
			Summary:         summary,
			WrittenAt:       r.now(),
		}); err != nil {
			return err
		}
		status := progress.RowSuccess
		if summary.HasError {
			status = progress.RowError
		}
		p.Rows[id] = progress.Row{Status: status}
		if err := r.save(p); err != nil {
			return err
		}
	}
	return r.advance(p, progress.StageCostCalc)
}

func (r *Runner) runCostCalc(p *progress.Progress) error {
	var usage types.Usage
	for _, cls := range p.Classifications {
		usage.Add(cls.Tokens)
	}

	pr := r.printer()
	pr.Table([][]string{
		{"model", "prompt", "completion", "total"},
		{r.Config.Models.Results, fmt.Sprint(usage.PromptTokens), fmt.Sprint(usage.CompletionTokens), fmt.Sprint(usage.TotalTokens)},
	})

	var success, failed int
	for _, row := range p.Rows {
		switch row.Status {
		case progress.RowSuccess:
			success++
		case progress.RowError:
			failed++
		}
	}
	pr.Summary(ui.RunTotals{
		Success:     success,
		Errors:      failed,
		Skipped:     p.SkippedCounts.NoTrialID + p.SkippedCounts.NoRegistration,
		TotalTokens: usage.TotalTokens,
		Elapsed:     r.now().Sub(p.StartedAt),
	})
	r.logger().Info("run complete",
		"run", p.RunID, "success", success, "errors", failed,
		"skipped_no_trial_id", p.SkippedCounts.NoTrialID,
		"skipped_no_registration", p.SkippedCounts.NoRegistration,
		"total_tokens", usage.TotalTokens)

	return r.advance(p, progress.StageComplete)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
