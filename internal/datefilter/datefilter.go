// Package datefilter gates enriched publications on their publication date
// before classification. Dates are partial ISO strings (YYYY, YYYY-MM,
// YYYY-MM-DD); comparison is plain string order, which sorts the three shapes
// intuitively. Publications without a date are never dropped.
package datefilter

import (
	"regexp"

	"github.com/clinetrics/publink/internal/types"
)

// Cutoffs for validation runs, selected by the driving dataset's `dataset`
// column. DefaultCutoff applies when the dataset is unnamed or unlisted.
const DefaultCutoff = "2023-02-15"

var datasetCutoffs = map[string]string{
	"iv": "2020-11-17",
}

// CutoffFor returns the max-date cutoff for a dataset label.
func CutoffFor(dataset string) string {
	if c, ok := datasetCutoffs[dataset]; ok {
		return c
	}
	return DefaultCutoff
}

var partialISO = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// validDate reports whether s is a well-formed partial ISO date.
func validDate(s string) bool {
	return partialISO.MatchString(s)
}

// Result splits a publication list into the entries that passed a filter and
// the ones it removed.
type Result struct {
	Eligible []types.Publication
	Filtered []types.Publication
}

// Max keeps publications dated strictly before cutoff.
//
// Expectations:
//   - Publications with publicationDate < cutoff pass
//   - Publications without a date pass
//   - Malformed date strings are filtered out
func Max(pubs []types.Publication, cutoff string) Result {
	var res Result
	for _, p := range pubs {
		switch {
		case p.PublicationDate == "":
			res.Eligible = append(res.Eligible, p)
		case !validDate(p.PublicationDate):
			res.Filtered = append(res.Filtered, p)
		case p.PublicationDate < cutoff:
			res.Eligible = append(res.Eligible, p)
		default:
			res.Filtered = append(res.Filtered, p)
		}
	}
	return res
}

// Min drops publications that clearly predate the trial's start date.
//
// Expectations:
//   - Publications with publicationDate < startDate are filtered out
//   - Publications without a date pass
//   - Malformed date strings pass (the gate only drops clear predating)
//   - An empty startDate passes everything
func Min(pubs []types.Publication, startDate string) Result {
	var res Result
	for _, p := range pubs {
		switch {
		case startDate == "" || p.PublicationDate == "":
			res.Eligible = append(res.Eligible, p)
		case !validDate(p.PublicationDate):
			res.Eligible = append(res.Eligible, p)
		case p.PublicationDate < startDate:
			res.Filtered = append(res.Filtered, p)
		default:
			res.Eligible = append(res.Eligible, p)
		}
	}
	return res
}
