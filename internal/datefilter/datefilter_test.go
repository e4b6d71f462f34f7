package datefilter

import (
	"testing"

	"github.com/clinetrics/publink/internal/types"
)

func pub(pmid, date string) types.Publication {
	return types.Publication{PMID: pmid, PublicationDate: date}
}

func pmids(pubs []types.Publication) []string {
	var out []string
	for _, p := range pubs {
		out = append(out, p.PMID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMin_DropsPredatingKeepsUndated(t *testing.T) {
	// Publications with publicationDate < startDate are filtered out;
	// publications without a date pass
	res := Min([]types.Publication{
		pub("A", "2009-12"),
		pub("B", "2012"),
		pub("C", ""),
	}, "2010-01-01")
	if !equal(pmids(res.Eligible), []string{"B", "C"}) {
		t.Errorf("eligible: %v", pmids(res.Eligible))
	}
	if !equal(pmids(res.Filtered), []string{"A"}) {
		t.Errorf("filtered: %v", pmids(res.Filtered))
	}
}

func TestMin_EmptyStartDatePassesAll(t *testing.T) {
	res := Min([]types.Publication{pub("A", "1999"), pub("B", "")}, "")
	if len(res.Eligible) != 2 || len(res.Filtered) != 0 {
		t.Errorf("eligible=%v filtered=%v", pmids(res.Eligible), pmids(res.Filtered))
	}
}

func TestMin_MalformedDatePasses(t *testing.T) {
	// Malformed date strings pass the min gate
	res := Min([]types.Publication{pub("A", "not-a-date")}, "2010-01-01")
	if len(res.Eligible) != 1 {
		t.Errorf("eligible: %v", pmids(res.Eligible))
	}
}

func TestMax_CutsAtCutoffKeepsUndated(t *testing.T) {
	// Publications dated strictly before the cutoff pass; undated pass
	res := Max([]types.Publication{
		pub("A", "2020-11-16"),
		pub("B", "2020-11-17"),
		pub("C", "2021"),
		pub("D", ""),
	}, "2020-11-17")
	if !equal(pmids(res.Eligible), []string{"A", "D"}) {
		t.Errorf("eligible: %v", pmids(res.Eligible))
	}
	if !equal(pmids(res.Filtered), []string{"B", "C"}) {
		t.Errorf("filtered: %v", pmids(res.Filtered))
	}
}

func TestMax_MalformedDateFilteredOut(t *testing.T) {
	// Malformed date strings are treated as ineligible by the max gate
	res := Max([]types.Publication{pub("A", "12/31/2019")}, "2023-02-15")
	if len(res.Eligible) != 0 || len(res.Filtered) != 1 {
		t.Errorf("eligible=%v filtered=%v", pmids(res.Eligible), pmids(res.Filtered))
	}
}

func TestPartialISOOrdering(t *testing.T) {
	// "2020" < "2020-01" < "2020-01-01" by string order
	if !("2020" < "2020-01" && "2020-01" < "2020-01-01") {
		t.Fatal("partial ISO prefixes must sort by string order")
	}
	res := Min([]types.Publication{pub("A", "2020")}, "2020-01")
	if len(res.Filtered) != 1 {
		t.Errorf("year-only date sorts before year-month: %v", pmids(res.Filtered))
	}
}

func TestCutoffFor(t *testing.T) {
	if got := CutoffFor("iv"); got != "2020-11-17" {
		t.Errorf("iv cutoff: got %q", got)
	}
	if got := CutoffFor("anything-else"); got != DefaultCutoff {
		t.Errorf("default cutoff: got %q", got)
	}
}
