package registry

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/clinetrics/publink/internal/types"
)

const defaultEUCTRBaseURL = "https://www.clinicaltrialsregister.eu"

var errTitleMissing = errors.New("registration has neither brief nor official title")

// EUCTR fetches registrations from the EU Clinical Trials Register. The
// protocol is a plain-text dump with numbered field headers (A.3, B.1.1,
// E.1.1, ...); the results page is HTML and is scraped for linked PubMed ids
// and result indicators. Both documents are fetched in parallel.
type EUCTR struct {
	BaseURL string
	client  *http.Client
}

// NewEUCTR creates the adapter. baseURL "" selects production.
func NewEUCTR(baseURL string) *EUCTR {
	if baseURL == "" {
		baseURL = defaultEUCTRBaseURL
	}
	return &EUCTR{BaseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch downloads the protocol dump and results page concurrently and merges
// them into one registration.
//
// Expectations:
//   - Protocol and results page are fetched in parallel
//   - A missing results page does not fail the fetch (no-results trials)
//   - A missing protocol fails with the adapter's FetchError
func (e *EUCTR) Fetch(ctx context.Context, trialID string) (types.Registration, error) {
	var protocolText []byte
	var resultsHTML []byte

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := fetchURL(gctx, e.client, trialID, e.BaseURL+"/ctr-search/rest/download/"+trialID)
		if err != nil {
			return err
		}
		protocolText = b
		return nil
	})
	g.Go(func() error {
		b, err := fetchURL(gctx, e.client, trialID, e.BaseURL+"/ctr-search/trial/"+trialID+"/results")
		if err != nil {
			// Trials without posted results have no results page.
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		resultsHTML = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.Registration{}, err
	}

	reg, err := e.parseProtocol(trialID, string(protocolText))
	if err != nil {
		return types.Registration{}, err
	}
	if len(resultsHTML) > 0 {
		linked, hasResults := e.parseResultsPage(resultsHTML)
		reg.LinkedPubmedIDs = linked
		reg.HasResults = &hasResults
	}
	return reg, nil
}

// fieldLine matches "A.3 Full title of the trial: value" style lines. Some
// dumps write top-level codes with a trailing period ("P. End of Trial
// Status"), so the code may end in one.
var fieldLine = regexp.MustCompile(`^([A-Z](?:\.\d+)*)\.?\s+([^:]+):\s*(.*)$`)

// parseProtocol walks the numbered field headers of the protocol dump.
// Repeated fields (per member state sections) keep the first non-empty value.
func (e *EUCTR) parseProtocol(trialID, text string) (types.Registration, error) {
	fields := map[string]string{}
	var conditions, interventions []string

	for _, line := range strings.Split(text, "\n") {
		m := fieldLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		code, value := m[1], strings.TrimSpace(m[3])
		if value == "" {
			continue
		}
		switch code {
		case "E.1.1":
			conditions = append(conditions, value)
		case "D.3.1":
			interventions = append(interventions, value)
		default:
			if _, seen := fields[code]; !seen {
				fields[code] = value
			}
		}
	}

	reg := types.Registration{
		TrialID:       trialID,
		RegistryType:  types.RegistryEUCTR,
		OfficialTitle: fields["A.3"],
		BriefTitle:    fields["A.3.1"],
		Acronym:       fields["A.3.2"],
		Organization:  fields["B.1.1"],
		BriefSummary:  fields["E.2.1"],
		OverallStatus: fields["P"],
		StartDate:     normalizeEUDate(fields["N"]),
		CompletionDate: normalizeEUDate(fields["P.1"]),
		Phase:         fields["E.7.1"],
		Conditions:    dedupeStrings(conditions),
		Interventions: dedupeStrings(interventions),
	}
	if reg.BriefTitle == "" && reg.OfficialTitle == "" {
		return types.Registration{}, &FetchError{Kind: KindParse, TrialID: trialID, Cause: errTitleMissing}
	}
	return reg, nil
}

var pubmedLink = regexp.MustCompile(`ncbi\.nlm\.nih\.gov/pubmed/(\d+)`)

// Result indicator markers on the results page. Any one of them means the
// sponsor posted results.
var resultIndicators = []string{
	"results information",
	"end points",
	"endpoint",
	"subject disposition",
	"adverse events",
}

// parseResultsPage scrapes PubMed links and detects result indicators.
//
// Expectations:
//   - Collects every distinct PMID from ncbi.nlm.nih.gov/pubmed/<digits> links
//   - hasResults is true iff a recognizable result indicator is present
func (e *EUCTR) parseResultsPage(html []byte) (linked []string, hasResults bool) {
	seen := map[string]bool{}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		// Fall back to a raw scan; the link pattern works either way.
		for _, m := range pubmedLink.FindAllStringSubmatch(string(html), -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				linked = append(linked, m[1])
			}
		}
		return linked, false
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if m := pubmedLink.FindStringSubmatch(href); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			linked = append(linked, m[1])
		}
	})

	pageText := strings.ToLower(doc.Text())
	for _, marker := range resultIndicators {
		if strings.Contains(pageText, marker) {
			hasResults = true
			break
		}
	}
	return linked, hasResults
}

// euDate matches the register's DD/MM/YYYY date format.
var euDate = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)

// normalizeEUDate converts DD/MM/YYYY to ISO YYYY-MM-DD; other shapes pass
// through unchanged (the register occasionally holds ISO dates already).
func normalizeEUDate(s string) string {
	if m := euDate.FindStringSubmatch(s); m != nil {
		return m[3] + "-" + m[2] + "-" + m[1]
	}
	return s
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
