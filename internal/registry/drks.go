package registry

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/clinetrics/publink/internal/types"
)

const defaultDRKSBaseURL = "https://drks.de"

// DRKS scrapes registrations from the German Clinical Trials Register. The
// trial page is HTML with <dt>/<dd> label pairs.
type DRKS struct {
	BaseURL string
	client  *http.Client
}

// NewDRKS creates the adapter. baseURL "" selects production.
func NewDRKS(baseURL string) *DRKS {
	if baseURL == "" {
		baseURL = defaultDRKSBaseURL
	}
	return &DRKS{BaseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

// Labels on the trial page mapped to registration fields. Matching is
// case-insensitive on the trimmed <dt> text.
var drksLabels = map[string]func(reg *types.Registration, value string){
	"brief title":            func(r *types.Registration, v string) { r.BriefTitle = v },
	"official title":         func(r *types.Registration, v string) { r.OfficialTitle = v },
	"acronym":                func(r *types.Registration, v string) { r.Acronym = v },
	"brief summary":          func(r *types.Registration, v string) { r.BriefSummary = v },
	"detailed description":   func(r *types.Registration, v string) { r.DetailedDescription = v },
	"recruitment status":     func(r *types.Registration, v string) { r.OverallStatus = v },
	"study start date":       func(r *types.Registration, v string) { r.StartDate = normalizeDRKSDate(v) },
	"study completion date":  func(r *types.Registration, v string) { r.CompletionDate = normalizeDRKSDate(v) },
	"study type":             func(r *types.Registration, v string) { r.StudyType = v },
	"phase":                  func(r *types.Registration, v string) { r.Phase = v },
	"sex":                    func(r *types.Registration, v string) { r.Sex = v },
	"organization":           func(r *types.Registration, v string) { r.Organization = v },
	"principal investigator": func(r *types.Registration, v string) { r.PrincipalInvestigators = append(r.PrincipalInvestigators, v) },
	"condition":              func(r *types.Registration, v string) { r.Conditions = append(r.Conditions, v) },
	"intervention":           func(r *types.Registration, v string) { r.Interventions = append(r.Interventions, v) },
}

var (
	drksPubmedLink = regexp.MustCompile(`(?:ncbi\.nlm\.nih\.gov/pubmed/|pubmed\.ncbi\.nlm\.nih\.gov/)(\d+)`)
	drksDOILink    = regexp.MustCompile(`doi\.org/(10\.\S+)`)
)

// Fetch scrapes the trial page for trialID.
//
// Expectations:
//   - Maps <dt>/<dd> label pairs to registration fields (case-insensitive)
//   - Collects PubMed links as references with PMIDs
//   - Collects DOI links as citation-only references
//   - Fails with a parse FetchError when no title label is present
func (d *DRKS) Fetch(ctx context.Context, trialID string) (types.Registration, error) {
	raw, err := fetchURL(ctx, d.client, trialID, d.BaseURL+"/search/en/trial/"+trialID)
	if err != nil {
		return types.Registration{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		return types.Registration{}, &FetchError{Kind: KindParse, TrialID: trialID, Cause: err}
	}

	reg := types.Registration{TrialID: trialID, RegistryType: types.RegistryDRKS}

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(dt.Text()))
		label = strings.TrimSuffix(label, ":")
		assign, ok := drksLabels[label]
		if !ok {
			return
		}
		dd := dt.NextFiltered("dd")
		value := strings.TrimSpace(dd.Text())
		if value != "" {
			assign(&reg, value)
		}
	})

	seenPMID := map[string]bool{}
	seenDOI := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if m := drksPubmedLink.FindStringSubmatch(href); m != nil && !seenPMID[m[1]] {
			seenPMID[m[1]] = true
			reg.References = append(reg.References, types.Reference{PMID: m[1], Citation: strings.TrimSpace(sel.Text())})
			return
		}
		if m := drksDOILink.FindStringSubmatch(href); m != nil && !seenDOI[m[1]] {
			seenDOI[m[1]] = true
			reg.References = append(reg.References, types.Reference{Citation: "doi:" + m[1]})
		}
	})

	if reg.BriefTitle == "" && reg.OfficialTitle == "" {
		return types.Registration{}, &FetchError{Kind: KindParse, TrialID: trialID, Cause: errTitleMissing}
	}
	return reg, nil
}

var drksDate = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$|^(\d{2})\.(\d{2})\.(\d{4})$`)

// normalizeDRKSDate converts DD.MM.YYYY to ISO; ISO input passes through.
func normalizeDRKSDate(s string) string {
	m := drksDate.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return strings.TrimSpace(s)
	}
	if m[1] != "" {
		return m[1] + "-" + m[2] + "-" + m[3]
	}
	return m[6] + "-" + m[5] + "-" + m[4]
}
