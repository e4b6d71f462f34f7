package pubmed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sched := NewScheduler(SchedulerPolicy{RequestsPerSec: 1000, Timeout: 5 * time.Second})
	return New(srv.URL+"/", "", "", sched)
}

const esearchXML = `<?xml version="1.0"?>
<eSearchResult>
  <Count>2</Count>
  <IdList><Id>111</Id><Id>222</Id></IdList>
</eSearchResult>`

func TestSearch_ReturnsPMIDs(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/esearch.fcgi" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("retmax"); got != "5" {
			t.Errorf("retmax: got %q, want 5", got)
		}
		w.Write([]byte(esearchXML))
	}))
	papers, err := c.Search(context.Background(), "NCT00000001", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(papers) != 2 || papers[0].PMID != "111" || papers[1].PMID != "222" {
		t.Errorf("got %+v", papers)
	}
}

func TestSearch_ZeroHitsIsEmptyNotError(t *testing.T) {
	// Returns an empty slice (not an error) for zero hits
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`))
	}))
	papers, err := c.Search(context.Background(), "no such trial", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(papers) != 0 {
		t.Errorf("got %d papers, want 0", len(papers))
	}
}

func TestDOIToPMID_ResolvesAndEmptyOnUnknown(t *testing.T) {
	hits := esearchXML
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(hits))
	}))
	pmid, err := c.DOIToPMID(context.Background(), "10.1000/xyz")
	if err != nil {
		t.Fatal(err)
	}
	if pmid != "111" {
		t.Errorf("got %q, want 111", pmid)
	}
	hits = `<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`
	pmid, err = c.DOIToPMID(context.Background(), "10.1000/none")
	if err != nil {
		t.Fatal(err)
	}
	if pmid != "" {
		t.Errorf("got %q, want empty", pmid)
	}
}

func TestCitationMatch_ParsesPMIDLines(t *testing.T) {
	// Returns the PMIDs of matched lines only; skips NOT_FOUND
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("|||||key1|333\n|||||key2|NOT_FOUND\n|||||key3|AMBIGUOUS (2 citations)\n"))
	}))
	pmids, err := c.CitationMatch(context.Background(), "Some trial result paper")
	if err != nil {
		t.Fatal(err)
	}
	if len(pmids) != 1 || pmids[0] != "333" {
		t.Errorf("got %v, want [333]", pmids)
	}
}

const efetchXML = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>111</PMID>
      <Article>
        <ArticleTitle>Outcomes of X in heart failure</ArticleTitle>
        <Abstract>
          <AbstractText>Background paragraph.</AbstractText>
          <AbstractText>Results for NCT00000001 were positive.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Doe</LastName><ForeName>Jane</ForeName></Author>
          <Author><CollectiveName>HF Study Group</CollectiveName></Author>
        </AuthorList>
        <ArticleDate><Year>2012</Year><Month>3</Month><Day>7</Day></ArticleDate>
        <Journal><JournalIssue><PubDate><Year>2012</Year><Month>Mar</Month></PubDate></JournalIssue></Journal>
        <DataBankList>
          <DataBank>
            <DataBankName>ClinicalTrials.gov</DataBankName>
            <AccessionNumberList><AccessionNumber>NCT00000001</AccessionNumber></AccessionNumberList>
          </DataBank>
        </DataBankList>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">111</ArticleId>
        <ArticleId IdType="doi">10.1000/hf.111</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
</PubmedArticleSet>`

func TestFetchRefs_ParsesFullRecord(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "111" {
			t.Errorf("id param: got %q", got)
		}
		w.Write([]byte(efetchXML))
	}))
	recs, err := c.FetchRefs(context.Background(), []string{"111"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.PMID != "111" {
		t.Errorf("pmid: got %q", rec.PMID)
	}
	if rec.Title != "Outcomes of X in heart failure" {
		t.Errorf("title: got %q", rec.Title)
	}
	if rec.Abstract != "Background paragraph. Results for NCT00000001 were positive." {
		t.Errorf("abstract: got %q", rec.Abstract)
	}
	if rec.Authors != "Jane Doe, HF Study Group" {
		t.Errorf("authors: got %q", rec.Authors)
	}
	if rec.PublicationDate != "2012-03-07" {
		t.Errorf("date: got %q, want 2012-03-07", rec.PublicationDate)
	}
	if rec.DOI != "10.1000/hf.111" {
		t.Errorf("doi: got %q", rec.DOI)
	}
	// NCT id from the data bank appears once even though the abstract repeats it.
	if len(rec.NCTIDs) != 1 || rec.NCTIDs[0] != "NCT00000001" {
		t.Errorf("nct ids: got %v", rec.NCTIDs)
	}
}

func TestFetchRefs_EmptyInputNoCall(t *testing.T) {
	// Returns an empty slice for an empty pmid list without a network call
	called := false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	recs, err := c.FetchRefs(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if recs != nil || called {
		t.Error("expected no records and no network call")
	}
}

func TestPartialISO_Shapes(t *testing.T) {
	// Missing components truncate the result; a missing year yields ""
	cases := []struct {
		y, m, d string
		want    string
	}{
		{"2020", "", "", "2020"},
		{"2020", "1", "", "2020-01"},
		{"2020", "Jan", "5", "2020-01-05"},
		{"2020", "11", "17", "2020-11-17"},
		{"", "01", "01", ""},
	}
	for _, c := range cases {
		if got := partialISO(c.y, c.m, c.d); got != c.want {
			t.Errorf("partialISO(%q,%q,%q) = %q, want %q", c.y, c.m, c.d, got, c.want)
		}
	}
}

func TestScheduler_RetriesTransient(t *testing.T) {
	// Errors wrapped with Transient are retried up to MaxRetries times
	sched := NewScheduler(SchedulerPolicy{RequestsPerSec: 1000, MaxRetries: 3})
	var calls atomic.Int32
	err := sched.Do(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestScheduler_PermanentFailsImmediately(t *testing.T) {
	// Other errors fail immediately
	sched := NewScheduler(SchedulerPolicy{RequestsPerSec: 1000})
	var calls atomic.Int32
	err := sched.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	// At most MaxInFlight invocations of fn run concurrently
	sched := NewScheduler(SchedulerPolicy{MaxInFlight: 2, RequestsPerSec: 1000})
	var inFlight, peak atomic.Int32
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			sched.Do(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", p)
	}
}

func TestScheduler_CancelStopsRetry(t *testing.T) {
	// Context cancellation stops waiting and retrying
	sched := NewScheduler(SchedulerPolicy{RequestsPerSec: 1000, MaxRetries: 10})
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := sched.Do(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return Transient(errors.New("always failing"))
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls.Load() > 8 {
		t.Errorf("too many attempts after cancel: %d", calls.Load())
	}
}
