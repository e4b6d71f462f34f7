// Package pubmed implements a client for the NCBI E-utilities API (esearch,
// efetch, ecitmatch) behind a single process-wide request scheduler.
package pubmed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const defaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/"

// Paper is one esearch hit: a PMID with the publication date when the search
// result carried one.
type Paper struct {
	PMID            string
	PublicationDate string // partial ISO, may be empty
}

// Record is one fully fetched PubMed record.
type Record struct {
	PMID            string
	DOI             string
	Title           string
	Authors         string // comma-joined display string
	Abstract        string
	PublicationDate string // partial ISO: YYYY[-MM[-DD]]
	NCTIDs          []string
}

// Client talks to the E-utilities endpoints. Every request passes through the
// shared Scheduler.
type Client struct {
	baseURL    string
	apiKey     string
	email      string
	sched      *Scheduler
	httpClient *http.Client
}

// New creates a Client. baseURL "" selects the production NCBI endpoint.
// apiKey and email are attached to every request when non-empty, per NCBI
// usage policy.
func New(baseURL, apiKey, email string, sched *Scheduler) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		email:      email,
		sched:      sched,
		httpClient: &http.Client{},
	}
}

// get performs one scheduled GET against endpoint with params and returns the
// response body. Non-2xx statuses 429 and 5xx are transient; other statuses
// fail immediately.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	if c.email != "" {
		params.Set("email", c.email)
	}
	fullURL := c.baseURL + endpoint + "?" + params.Encode()

	var body []byte
	err := c.sched.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("pubmed: create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Transient(fmt.Errorf("pubmed: http request: %w", err))
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return Transient(fmt.Errorf("pubmed: read response: %w", err))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Transient(fmt.Errorf("pubmed: HTTP %d: %s", resp.StatusCode, firstN(string(b), 200)))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pubmed: HTTP %d: %s", resp.StatusCode, firstN(string(b), 200))
		}
		body = b
		return nil
	})
	return body, err
}

type esearchResult struct {
	XMLName xml.Name `xml:"eSearchResult"`
	Count   int      `xml:"Count"`
	IDList  struct {
		IDs []string `xml:"Id"`
	} `xml:"IdList"`
}

// Search runs an esearch query and returns up to limit PMIDs, most relevant
// first.
//
// Expectations:
//   - Returns at most limit papers
//   - Returns an empty slice (not an error) for zero hits
//   - Propagates HTTP and parse failures
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	params := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmode": {"xml"},
		"retmax":  {fmt.Sprint(limit)},
	}
	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var result esearchResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("pubmed: parse esearch response: %w", err)
	}
	papers := make([]Paper, 0, len(result.IDList.IDs))
	for _, id := range result.IDList.IDs {
		papers = append(papers, Paper{PMID: id})
	}
	return papers, nil
}

// DOIToPMID resolves a DOI to its PMID via an esearch on the [AID] field.
// Returns "" when the DOI is unknown to PubMed.
func (c *Client) DOIToPMID(ctx context.Context, doi string) (string, error) {
	papers, err := c.Search(ctx, fmt.Sprintf("%s[AID]", doi), 1)
	if err != nil {
		return "", err
	}
	if len(papers) == 0 {
		return "", nil
	}
	return papers[0].PMID, nil
}

var pmidDigits = regexp.MustCompile(`^\d+$`)

// CitationMatch resolves an article title to PMIDs via ecitmatch. The service
// takes pipe-delimited citation strings and answers one line per citation with
// the PMID in the last field (or NOT_FOUND).
//
// Expectations:
//   - Returns the PMIDs of matched lines only
//   - Skips NOT_FOUND and ambiguous answers
//   - Returns an empty slice when nothing matches
func (c *Client) CitationMatch(ctx context.Context, title string) ([]string, error) {
	// journal|year|volume|first page|author|key|
	citation := fmt.Sprintf("|||||%s|", strings.ReplaceAll(title, "|", " "))
	params := url.Values{
		"db":      {"pubmed"},
		"retmode": {"xml"},
		"bdata":   {citation},
	}
	body, err := c.get(ctx, "ecitmatch.cgi", params)
	if err != nil {
		return nil, err
	}
	var pmids []string
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) == 0 {
			continue
		}
		last := strings.TrimSpace(fields[len(fields)-1])
		if pmidDigits.MatchString(last) {
			pmids = append(pmids, last)
		}
	}
	return pmids, nil
}

// efetch XML shapes. Only the fields the pipeline consumes are mapped.
type efetchResult struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	MedlineCitation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			ArticleTitle string `xml:"ArticleTitle"`
			Abstract     struct {
				AbstractText []string `xml:"AbstractText"`
			} `xml:"Abstract"`
			AuthorList struct {
				Authors []struct {
					LastName       string `xml:"LastName"`
					ForeName       string `xml:"ForeName"`
					CollectiveName string `xml:"CollectiveName"`
				} `xml:"Author"`
			} `xml:"AuthorList"`
			ArticleDate struct {
				Year  string `xml:"Year"`
				Month string `xml:"Month"`
				Day   string `xml:"Day"`
			} `xml:"ArticleDate"`
			Journal struct {
				JournalIssue struct {
					PubDate struct {
						Year  string `xml:"Year"`
						Month string `xml:"Month"`
						Day   string `xml:"Day"`
					} `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			DataBankList struct {
				DataBanks []struct {
					DataBankName        string `xml:"DataBankName"`
					AccessionNumberList struct {
						AccessionNumbers []string `xml:"AccessionNumber"`
					} `xml:"AccessionNumberList"`
				} `xml:"DataBank"`
			} `xml:"DataBankList"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	PubmedData struct {
		ArticleIDList struct {
			IDs []struct {
				IDType string `xml:"IdType,attr"`
				Value  string `xml:",chardata"`
			} `xml:"ArticleId"`
		} `xml:"ArticleIdList"`
	} `xml:"PubmedData"`
}

var monthNames = map[string]string{
	"Jan": "01", "Feb": "02", "Mar": "03", "Apr": "04", "May": "05", "Jun": "06",
	"Jul": "07", "Aug": "08", "Sep": "09", "Oct": "10", "Nov": "11", "Dec": "12",
}

// partialISO assembles a partial ISO date from year/month/day components,
// zero-padding and translating month names. Missing components truncate the
// result; a missing year yields "".
func partialISO(year, month, day string) string {
	if year == "" {
		return ""
	}
	s := year
	if m, ok := monthNames[month]; ok {
		month = m
	}
	if len(month) == 1 {
		month = "0" + month
	}
	if month == "" || len(month) != 2 {
		return s
	}
	s += "-" + month
	if len(day) == 1 {
		day = "0" + day
	}
	if day == "" || len(day) != 2 {
		return s
	}
	return s + "-" + day
}

var nctInText = regexp.MustCompile(`NCT\d{8}`)

// FetchRefs retrieves the full records for pmids via efetch.
//
// Expectations:
//   - Returns one Record per article in the response
//   - Joins abstract paragraphs with a space and authors with ", "
//   - Prefers ArticleDate over the journal PubDate
//   - Extracts the DOI from the PubmedData article id list
//   - Collects NCT ids from data banks and from NCT mentions in the abstract
//   - Returns an empty slice for an empty pmid list without a network call
func (c *Client) FetchRefs(ctx context.Context, pmids []string) ([]Record, error) {
	if len(pmids) == 0 {
		return nil, nil
	}
	params := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(pmids, ",")},
		"retmode": {"xml"},
	}
	body, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var result efetchResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("pubmed: parse efetch response: %w", err)
	}

	records := make([]Record, 0, len(result.Articles))
	for _, a := range result.Articles {
		art := a.MedlineCitation.Article
		rec := Record{
			PMID:     a.MedlineCitation.PMID,
			Title:    art.ArticleTitle,
			Abstract: strings.Join(art.Abstract.AbstractText, " "),
		}

		var authors []string
		for _, au := range art.AuthorList.Authors {
			switch {
			case au.CollectiveName != "":
				authors = append(authors, au.CollectiveName)
			case au.ForeName != "":
				authors = append(authors, au.ForeName+" "+au.LastName)
			case au.LastName != "":
				authors = append(authors, au.LastName)
			}
		}
		rec.Authors = strings.Join(authors, ", ")

		rec.PublicationDate = partialISO(art.ArticleDate.Year, art.ArticleDate.Month, art.ArticleDate.Day)
		if rec.PublicationDate == "" {
			pd := art.Journal.JournalIssue.PubDate
			rec.PublicationDate = partialISO(pd.Year, pd.Month, pd.Day)
		}

		for _, id := range a.PubmedData.ArticleIDList.IDs {
			if id.IDType == "doi" {
				rec.DOI = strings.TrimSpace(id.Value)
			}
		}

		seen := map[string]bool{}
		for _, db := range art.DataBankList.DataBanks {
			for _, acc := range db.AccessionNumberList.AccessionNumbers {
				if nctInText.MatchString(acc) && !seen[acc] {
					seen[acc] = true
					rec.NCTIDs = append(rec.NCTIDs, acc)
				}
			}
		}
		for _, m := range nctInText.FindAllString(rec.Abstract, -1) {
			if !seen[m] {
				seen[m] = true
				rec.NCTIDs = append(rec.NCTIDs, m)
			}
		}

		records = append(records, rec)
	}
	return records, nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
