// Package report writes the per-run outputs: the tabular summary (one CSV row
// per trial) and the per-trial JSON sidecar holding the full record. The
// sidecar is always written before the CSV row is appended, so a crash never
// leaves a summary row without its backing JSON.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clinetrics/publink/internal/types"
)

// Columns is the summary CSV header, in output order.
var Columns = []string{
	"nct_id",
	"trial_id",
	"tool_results",
	"has_error",
	"tool_prompted_pmids",
	"tool_result_pmids",
	"tool_ident_steps",
	"earliest_result_publication",
	"earliest_result_publication_date",
	"failed_publication_discoveries",
	"failed_result_discoveries",
	"reasons",
}

// Writer appends summary rows and sidecars under one output directory.
type Writer struct {
	dir     string
	csvPath string
}

// NewWriter prepares the output directory. The summary file is
// {dir}/summary.csv; sidecars live in {dir}/trials/.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, "trials"), 0o755); err != nil {
		return nil, fmt.Errorf("report: create output dir %s: %w", dir, err)
	}
	return &Writer{dir: dir, csvPath: filepath.Join(dir, "summary.csv")}, nil
}

// CSVPath returns the summary file path.
func (w *Writer) CSVPath() string { return w.csvPath }

// Sidecar is the full per-trial record backing one summary row.
type Sidecar struct {
	Registration    types.Registration              `json:"registration"`
	Publications    types.TrialPublications         `json:"publications"`
	Classifications map[string]types.Classification `json:"classifications"` // keyed by PMID
	Summary         types.TrialSummary              `json:"summary"`
	WrittenAt       time.Time                       `json:"written_at"`
}

// WriteTrial persists one trial's outcome: sidecar first, then the CSV row.
//
// Expectations:
//   - The sidecar exists on disk before the CSV row is appended
//   - The CSV header is written exactly once
//   - List fields are comma-joined; reasons are joined by "; "
func (w *Writer) WriteTrial(sc Sidecar) error {
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal sidecar for %s: %w", sc.Summary.TrialID, err)
	}
	sidecarPath := filepath.Join(w.dir, "trials", sc.Summary.TrialID+".json")
	tmp := sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("report: write sidecar for %s: %w", sc.Summary.TrialID, err)
	}
	if err := os.Rename(tmp, sidecarPath); err != nil {
		return fmt.Errorf("report: rename sidecar for %s: %w", sc.Summary.TrialID, err)
	}
	return w.appendRow(sc.Summary)
}

// HasRow reports whether a sidecar for trialID already exists; resumed runs
// use it to skip finalized trials.
func (w *Writer) HasRow(trialID string) bool {
	_, err := os.Stat(filepath.Join(w.dir, "trials", trialID+".json"))
	return err == nil
}

// ReadSidecar loads a previously written sidecar. The live driver uses it to
// decide whether an already-finalized trial ended in error.
func (w *Writer) ReadSidecar(trialID string) (Sidecar, error) {
	raw, err := os.ReadFile(filepath.Join(w.dir, "trials", trialID+".json"))
	if err != nil {
		return Sidecar{}, fmt.Errorf("report: read sidecar for %s: %w", trialID, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("report: parse sidecar for %s: %w", trialID, err)
	}
	return sc, nil
}

func (w *Writer) appendRow(s types.TrialSummary) error {
	_, statErr := os.Stat(w.csvPath)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(w.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("report: open %s: %w", w.csvPath, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if writeHeader {
		if err := cw.Write(Columns); err != nil {
			return fmt.Errorf("report: write header: %w", err)
		}
	}
	if err := cw.Write(Record(s)); err != nil {
		return fmt.Errorf("report: write row for %s: %w", s.TrialID, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush %s: %w", w.csvPath, err)
	}
	return nil
}

// Record renders one summary as CSV fields in column order.
func Record(s types.TrialSummary) []string {
	steps := make([]string, 0, len(s.ToolIdentSteps))
	for _, id := range s.ToolIdentSteps {
		steps = append(steps, string(id))
	}
	return []string{
		s.NCTID,
		s.TrialID,
		fmt.Sprint(s.ToolResults),
		fmt.Sprint(s.HasError),
		strings.Join(s.ToolPromptedPMIDs, ","),
		strings.Join(s.ToolResultPMIDs, ","),
		strings.Join(steps, ","),
		s.EarliestResultPublication,
		s.EarliestResultPublicationDate,
		strings.Join(s.FailedPublicationDiscoveries, ","),
		strings.Join(s.FailedResultDiscoveries, ","),
		strings.Join(s.Reasons, "; "),
	}
}

// Reason formats one classifier reason for the reasons column.
func Reason(pmid, reason string) string {
	return "PMID" + pmid + ": " + reason
}
