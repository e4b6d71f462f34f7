package discovery

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/clinetrics/publink/internal/pubmed"
	"github.com/clinetrics/publink/internal/types"
	"github.com/clinetrics/publink/internal/websearch"
)

// fakePubMed serves canned answers keyed by query / title / pmid / doi.
type fakePubMed struct {
	searches  map[string][]pubmed.Paper
	citations map[string][]string
	records   map[string]pubmed.Record
	dois      map[string]string
	searchLog []string
}

func (f *fakePubMed) Search(_ context.Context, query string, limit int) ([]pubmed.Paper, error) {
	f.searchLog = append(f.searchLog, query)
	papers := f.searches[query]
	if len(papers) > limit {
		papers = papers[:limit]
	}
	return papers, nil
}

func (f *fakePubMed) CitationMatch(_ context.Context, title string) ([]string, error) {
	return f.citations[title], nil
}

func (f *fakePubMed) FetchRefs(_ context.Context, pmids []string) ([]pubmed.Record, error) {
	var out []pubmed.Record
	for _, id := range pmids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePubMed) DOIToPMID(_ context.Context, doi string) (string, error) {
	return f.dois[doi], nil
}

type fakeWebSearch struct {
	results map[string][]websearch.Result
}

func (f *fakeWebSearch) Scholar(_ context.Context, query string) ([]websearch.Result, error) {
	return f.results[query], nil
}

type fixedStrategy struct {
	id    types.StrategyID
	cands []types.Candidate
	err   error
}

func (s fixedStrategy) ID() types.StrategyID { return s.id }
func (s fixedStrategy) Run(context.Context, types.Registration) ([]types.Candidate, error) {
	return s.cands, s.err
}

func TestLinkedAtRegistration_PrefersLinkedPMIDs(t *testing.T) {
	// linkedPubmedIds win over references when both are present
	s := NewLinkedAtRegistration()
	cands, err := s.Run(context.Background(), types.Registration{
		LinkedPubmedIDs: []string{"555", "666"},
		References:      []types.Reference{{PMID: "111"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[0].PMID != "555" || cands[1].PMID != "666" {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestLinkedAtRegistration_FallsBackToReferences(t *testing.T) {
	// References without a PMID are skipped; duplicates collapse
	s := NewLinkedAtRegistration()
	cands, err := s.Run(context.Background(), types.Registration{
		References: []types.Reference{{PMID: "111"}, {Citation: "no pmid"}, {PMID: "111"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].PMID != "111" {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestPubmedNaive_QueryShape(t *testing.T) {
	reg := types.Registration{
		TrialID:              "NCT00000001",
		BriefTitle:           "X",
		InvestigatorFullName: "Jane Doe",
		StartDate:            "2005-06-01",
	}
	q := naiveQuery(reg)
	for _, want := range []string{"NCT00000001", `"X"`, `"Jane Doe"[Author]`, `"2005/06/01"[Date - Publication]`} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestPubmedNaive_ReturnsSearchHits(t *testing.T) {
	reg := types.Registration{TrialID: "NCT00000001", BriefTitle: "X"}
	pm := &fakePubMed{searches: map[string][]pubmed.Paper{
		naiveQuery(reg): {{PMID: "10"}, {PMID: "20"}},
	}}
	cands, err := NewPubmedNaive(pm, nil).Run(context.Background(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[0].PMID != "10" {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestGoogleScholar_CitationMatchShortCircuits(t *testing.T) {
	// A citation match short-circuits the fuzzy fallback
	ws := &fakeWebSearch{results: map[string][]websearch.Result{
		"NCT00000001": {{Title: "A trial of X"}},
	}}
	pm := &fakePubMed{citations: map[string][]string{"A trial of X": {"42"}}}
	cands, err := NewGoogleScholar(ws, pm, nil).Run(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].PMID != "42" {
		t.Errorf("candidates: %+v", cands)
	}
	if len(pm.searchLog) != 0 {
		t.Errorf("fuzzy fallback ran: %v", pm.searchLog)
	}
}

func TestGoogleScholar_DOIInURLResolvesDirectly(t *testing.T) {
	// A DOI in the hit URL resolves directly, skipping title matching
	ws := &fakeWebSearch{results: map[string][]websearch.Result{
		"NCT00000001": {{Title: "A trial of X", URL: "https://doi.org/10.1000/xyz"}},
	}}
	pm := &fakePubMed{
		dois:      map[string]string{"10.1000/xyz": "42"},
		citations: map[string][]string{"A trial of X": {"99"}},
	}
	cands, err := NewGoogleScholar(ws, pm, nil).Run(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].PMID != "42" {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestDOIFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://doi.org/10.1000/xyz", "10.1000/xyz"},
		{"https://dx.doi.org/10.1000/xyz", "10.1000/xyz"},
		{"https://journals.example.com/doi/full/10.1161/abc.123", "10.1161/abc.123"},
		{"https://journals.example.com/doi/10.1161/abc.123", "10.1161/abc.123"},
		{"https://example.com/article/12345", ""},
		{"https://doi.org/not-a-doi", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := doiFromURL(c.url); got != c.want {
			t.Errorf("doiFromURL(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestGoogleScholar_FuzzyFallback(t *testing.T) {
	// Fuzzy matching requires similarity above the threshold
	title := "A randomised controlled trial of drug X in heart failure"
	ws := &fakeWebSearch{results: map[string][]websearch.Result{
		"NCT00000001": {{Title: title}},
	}}
	pm := &fakePubMed{
		searches: map[string][]pubmed.Paper{title: {{PMID: "77"}, {PMID: "88"}}},
		records: map[string]pubmed.Record{
			"77": {PMID: "77", Title: "A randomized controlled trial of drug X in heart failure"},
			"88": {PMID: "88", Title: "Something entirely unrelated"},
		},
	}
	cands, err := NewGoogleScholar(ws, pm, nil).Run(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].PMID != "77" {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestGoogleScholar_UnresolvableTitleSkipped(t *testing.T) {
	// Unresolvable titles are skipped, not errors
	ws := &fakeWebSearch{results: map[string][]websearch.Result{
		"NCT00000001": {{Title: "No such paper"}},
	}}
	pm := &fakePubMed{}
	cands, err := NewGoogleScholar(ws, pm, nil).Run(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates: %+v", cands)
	}
}

func TestTitleSimilarity(t *testing.T) {
	if got := titleSimilarity("A Trial of X", "a trial of x"); got != 1.0 {
		t.Errorf("identical modulo case: got %g", got)
	}
	if got := titleSimilarity("alpha beta", "gamma delta"); got != 0 {
		t.Errorf("disjoint: got %g", got)
	}
}

func TestDedup_UnionsSources(t *testing.T) {
	// Two strategies both return one PMID; a third PMID has one source
	pubs := Dedup(map[types.StrategyID][]types.Candidate{
		types.StrategyLinkedAtRegistration: {{PMID: "222"}},
		types.StrategyPubmedNaive:          {{PMID: "222"}, {PMID: "333"}},
	})
	if len(pubs) != 2 {
		t.Fatalf("publications: %+v", pubs)
	}
	if pubs[0].PMID != "222" || len(pubs[0].Sources) != 2 {
		t.Errorf("222: %+v", pubs[0])
	}
	if pubs[1].PMID != "333" || len(pubs[1].Sources) != 1 {
		t.Errorf("333: %+v", pubs[1])
	}
}

func TestDedup_Idempotent(t *testing.T) {
	in := map[types.StrategyID][]types.Candidate{
		types.StrategyPubmedNaive: {{PMID: "1", PublicationDate: "2020"}, {PMID: "1"}},
	}
	first := Dedup(in)
	second := Dedup(in)
	if len(first) != 1 || len(second) != 1 || first[0].PublicationDate != "2020" {
		t.Errorf("first=%+v second=%+v", first, second)
	}
}

func TestEnrich_EnrichedDateWins(t *testing.T) {
	// An enriched date replaces a strategy-provided date
	pm := &fakePubMed{records: map[string]pubmed.Record{
		"1": {PMID: "1", Title: "T", Authors: "A B", Abstract: "abs", PublicationDate: "2021-05-01", DOI: "10.1/x"},
	}}
	e := NewEngine(nil, pm, nil)
	out, err := e.Enrich(context.Background(), []types.Publication{
		{PMID: "1", PublicationDate: "2019", Sources: []types.StrategyID{types.StrategyPubmedNaive}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := out[0]
	if p.PublicationDate != "2021-05-01" || p.Title != "T" || p.DOI != "10.1/x" {
		t.Errorf("enriched: %+v", p)
	}
	if len(p.Sources) != 1 {
		t.Errorf("sources must pass through: %+v", p.Sources)
	}
}

func TestEnrich_StrategyDateSurvivesWhenUnenriched(t *testing.T) {
	// A strategy date survives only when enrichment yields none
	pm := &fakePubMed{records: map[string]pubmed.Record{"1": {PMID: "1", Title: "T"}}}
	e := NewEngine(nil, pm, nil)
	out, err := e.Enrich(context.Background(), []types.Publication{{PMID: "1", PublicationDate: "2019"}})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].PublicationDate != "2019" {
		t.Errorf("date: got %q", out[0].PublicationDate)
	}
}

func TestEngine_StrategyFailureIsolated(t *testing.T) {
	// One failure does not abort the others; each is captured as {fn, message}
	pm := &fakePubMed{records: map[string]pubmed.Record{"111": {PMID: "111", Title: "T"}}}
	e := NewEngine([]Strategy{
		fixedStrategy{id: types.StrategyLinkedAtRegistration, cands: []types.Candidate{{PMID: "111"}}},
		fixedStrategy{id: types.StrategyGoogleScholar, err: fmt.Errorf("quota exceeded")},
	}, pm, nil)

	pubs, errs := e.Discover(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if len(pubs) != 1 || pubs[0].PMID != "111" {
		t.Errorf("publications: %+v", pubs)
	}
	if len(errs) != 1 || errs[0].Fn != string(types.StrategyGoogleScholar) || errs[0].Message != "quota exceeded" {
		t.Errorf("errors: %+v", errs)
	}
}

func TestEngine_ZeroStrategies(t *testing.T) {
	// Zero strategies yield an empty candidate set and no errors
	e := NewEngine(nil, &fakePubMed{}, nil)
	pubs, errs := e.Discover(context.Background(), types.Registration{TrialID: "NCT00000001"})
	if len(pubs) != 0 || len(errs) != 0 {
		t.Errorf("pubs=%+v errs=%+v", pubs, errs)
	}
}

func TestEngine_LinkedPMIDsScenario(t *testing.T) {
	// Registration with linkedPubmedIds and empty references yields exactly
	// those PMIDs through linked_at_registration
	pm := &fakePubMed{records: map[string]pubmed.Record{
		"555": {PMID: "555", Title: "Five"},
		"666": {PMID: "666", Title: "Six"},
	}}
	e := NewEngine([]Strategy{NewLinkedAtRegistration()}, pm, nil)
	pubs, errs := e.Discover(context.Background(), types.Registration{
		TrialID:         "2010-019180-10",
		LinkedPubmedIDs: []string{"555", "666"},
	})
	if len(errs) != 0 {
		t.Fatalf("errors: %+v", errs)
	}
	if len(pubs) != 2 || pubs[0].PMID != "555" || pubs[1].PMID != "666" {
		t.Errorf("publications: %+v", pubs)
	}
}
