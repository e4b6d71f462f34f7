// Package input reads the driving dataset: a delimited table with a trial-id
// column and, for validation runs, a dataset column selecting the max-date
// cutoff.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// trial-id column names accepted case-insensitively.
var trialIDColumns = map[string]bool{
	"nct_id":   true,
	"nctid":    true,
	"trial_id": true,
	"trialid":  true,
}

// Row is one line of the driving dataset.
type Row struct {
	TrialID string
	Dataset string
	Line    int // 1-based data line number, for error reporting
}

// ReadTable parses the table at path. delimiter "" means comma.
//
// Expectations:
//   - The trial-id column matches {nct_id, nctid, trial_id, trialid}
//     case-insensitively
//   - A missing trial-id column is an error
//   - Rows with an empty trial id are returned with TrialID "" (the driver
//     counts them as skipped)
//   - The dataset column is optional
//   - A malformed line is an error, never a silent truncation
func ReadTable(path, delimiter string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if delimiter != "" {
		runes := []rune(delimiter)
		if len(runes) != 1 {
			return nil, fmt.Errorf("input: delimiter must be a single character, got %q", delimiter)
		}
		r.Comma = runes[0]
	}
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("input: read header of %s: %w", path, err)
	}
	trialCol, datasetCol := -1, -1
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if trialIDColumns[key] && trialCol == -1 {
			trialCol = i
		}
		if key == "dataset" && datasetCol == -1 {
			datasetCol = i
		}
	}
	if trialCol == -1 {
		return nil, fmt.Errorf("input: %s has no trial-id column (expected one of nct_id, nctid, trial_id, trialid)", path)
	}

	var rows []Row
	line := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("input: read %s: %w", path, err)
		}
		line++
		row := Row{Line: line}
		if trialCol < len(record) {
			row.TrialID = strings.TrimSpace(record[trialCol])
		}
		if datasetCol != -1 && datasetCol < len(record) {
			row.Dataset = strings.TrimSpace(record[datasetCol])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
