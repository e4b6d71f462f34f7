// Package live runs the pipeline synchronously, one trial at a time: fetch
// the registration, run the discovery strategies, filter by date, classify
// each candidate with a blocking completion call, and write the summary row.
// It drives either a small input table or an interactive prompt.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/clinetrics/publink/internal/classify"
	"github.com/clinetrics/publink/internal/datefilter"
	"github.com/clinetrics/publink/internal/input"
	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/report"
	"github.com/clinetrics/publink/internal/runlog"
	"github.com/clinetrics/publink/internal/trialid"
	"github.com/clinetrics/publink/internal/types"
	"github.com/clinetrics/publink/internal/ui"
)

// Fetcher fetches one trial's canonical registration.
type Fetcher interface {
	Fetch(ctx context.Context, trialID string) (types.Registration, error)
}

// Discoverer runs the discovery strategies for one registration.
type Discoverer interface {
	Discover(ctx context.Context, reg types.Registration) ([]types.Publication, []types.StrategyError)
}

// ErrSkipped marks a trial that already has a finalized, error-free row.
var ErrSkipped = errors.New("live: trial already finalized")

// Driver executes the live pipeline. Fields are wired by the command layer.
type Driver struct {
	Fetcher    Fetcher
	Discoverer Discoverer
	LLM        *llm.Client
	Classifier *classify.Classifier
	Writer     *report.Writer
	UI         *ui.Printer
	Log        *runlog.Log
	Logger     *slog.Logger

	ValidationRun bool
	RetryErrors   bool

	Now func() time.Time
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Driver) printer() *ui.Printer {
	if d.UI != nil {
		return d.UI
	}
	return ui.NewPrinter(io.Discard, false)
}

// RunTrial runs the full pipeline for one trial id and writes its summary row.
//
// Expectations:
//   - An unrecognized trial id is an error before any network call
//   - An already-finalized trial returns ErrSkipped unless RetryErrors is set
//     and the prior run ended in error
//   - Validation runs apply the max-date cutoff before the min-date filter
//   - Every eligible candidate is classified synchronously
func (d *Driver) RunTrial(ctx context.Context, rawID, dataset string) (types.TrialSummary, error) {
	id, _, err := trialid.Parse(rawID)
	if err != nil {
		return types.TrialSummary{}, err
	}

	if d.Writer.HasRow(id) {
		if !d.RetryErrors {
			return types.TrialSummary{}, ErrSkipped
		}
		prior, err := d.Writer.ReadSidecar(id)
		if err == nil && !prior.Summary.HasError {
			return types.TrialSummary{}, ErrSkipped
		}
	}

	reg, err := d.Fetcher.Fetch(ctx, id)
	if err != nil {
		d.Log.TrialFetch(id, err.Error())
		return types.TrialSummary{}, fmt.Errorf("live: fetch %s: %w", id, err)
	}
	d.Log.TrialFetch(id, "")

	pubs, strategyErrs := d.Discoverer.Discover(ctx, reg)
	for _, se := range strategyErrs {
		d.Log.Strategy(id, se.Fn, 0, se.Message)
	}

	tp := types.TrialPublications{Errors: strategyErrs}
	eligible := pubs
	if d.ValidationRun {
		res := datefilter.Max(eligible, datefilter.CutoffFor(dataset))
		eligible = res.Eligible
		tp.Filtered = append(tp.Filtered, res.Filtered...)
	}
	res := datefilter.Min(eligible, reg.StartDate)
	tp.Candidates = res.Eligible
	tp.Filtered = append(tp.Filtered, res.Filtered...)

	cls := map[string]types.Classification{}
	for _, pub := range tp.Candidates {
		if pub.PMID == "" {
			continue
		}
		cls[pub.PMID] = d.Classifier.Sync(ctx, d.LLM, reg, pub)
	}

	summary := report.Summarize(id, tp, cls)
	if err := d.Writer.WriteTrial(report.Sidecar{
		Registration:    reg,
		Publications:    tp,
		Classifications: cls,
		Summary:         summary,
		WrittenAt:       d.now(),
	}); err != nil {
		return types.TrialSummary{}, err
	}
	return summary, nil
}

// RunTable drives every row of the input table through RunTrial and prints
// the end-of-run totals.
//
// Expectations:
//   - Rows with an empty trial id count as skipped
//   - Already-finalized trials count as skipped
//   - A per-trial failure is recorded and does not stop the table
func (d *Driver) RunTable(ctx context.Context, rows []input.Row) (ui.RunTotals, error) {
	start := d.now()
	var totals ui.RunTotals
	for _, row := range rows {
		if strings.TrimSpace(row.TrialID) == "" {
			totals.Skipped++
			continue
		}
		summary, err := d.RunTrial(ctx, row.TrialID, row.Dataset)
		switch {
		case errors.Is(err, ErrSkipped):
			totals.Skipped++
		case err != nil:
			totals.Errors++
			d.printer().Error("%s: %v", row.TrialID, err)
			d.logger().Warn("trial failed", "trial", row.TrialID, "error", err)
		case summary.HasError:
			totals.Errors++
			d.printer().Warn("%s: finished with errors", summary.TrialID)
		default:
			totals.Success++
			d.printer().Info("%s: results=%v publications=%d", summary.TrialID, summary.ToolResults, len(summary.ToolPromptedPMIDs))
		}
		if ctx.Err() != nil {
			return totals, ctx.Err()
		}
	}
	totals.Elapsed = d.now().Sub(start)
	d.printer().Summary(totals)
	return totals, nil
}

// RunInteractive reads trial ids from a readline prompt until EOF or "exit".
func (d *Driver) RunInteractive(ctx context.Context) error {
	rl, err := readline.New("publink> ")
	if err != nil {
		return fmt.Errorf("live: open prompt: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil { // io.EOF
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		summary, err := d.RunTrial(ctx, line, "")
		switch {
		case errors.Is(err, ErrSkipped):
			d.printer().Info("%s already finalized", line)
		case err != nil:
			d.printer().Error("%s: %v", line, err)
		default:
			d.printTrial(summary)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *Driver) printTrial(s types.TrialSummary) {
	pr := d.printer()
	pr.Table([][]string{
		{"trial", "results", "prompted", "positive", "earliest"},
		{s.TrialID, fmt.Sprint(s.ToolResults),
			strings.Join(s.ToolPromptedPMIDs, ","),
			strings.Join(s.ToolResultPMIDs, ","),
			s.EarliestResultPublicationDate},
	})
	for _, reason := range s.Reasons {
		pr.Info("  %s", reason)
	}
}
