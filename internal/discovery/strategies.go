package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/clinetrics/publink/internal/cache"
	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/pubmed"
	"github.com/clinetrics/publink/internal/types"
	"github.com/clinetrics/publink/internal/websearch"
)

// searchLimit caps the PMIDs taken from one PubMed query.
const searchLimit = 5

// titleSearchLimit is how many title-search hits the scholar strategy
// considers when citation matching fails.
const titleSearchLimit = 100

// scholarMatchThreshold is the minimum token-set similarity for a fuzzy title
// match to count.
const scholarMatchThreshold = 0.85

// PubMed is the slice of the PubMed client the strategies consume.
type PubMed interface {
	Search(ctx context.Context, query string, limit int) ([]pubmed.Paper, error)
	CitationMatch(ctx context.Context, title string) ([]string, error)
	FetchRefs(ctx context.Context, pmids []string) ([]pubmed.Record, error)
	DOIToPMID(ctx context.Context, doi string) (string, error)
}

// WebSearcher is the slice of the web-search client the scholar strategy
// consumes.
type WebSearcher interface {
	Scholar(ctx context.Context, query string) ([]websearch.Result, error)
}

// Strategy produces candidate PMIDs for one registration. Implementations are
// independent and side-effect-free apart from the read-through caches; a
// failing strategy never affects the others.
type Strategy interface {
	ID() types.StrategyID
	Run(ctx context.Context, reg types.Registration) ([]types.Candidate, error)
}

// cachedCandidates wraps produce in the read-through cache when a store is
// configured. The cache key is the trial id; the cache type selects the TTL.
func cachedCandidates(ctx context.Context, store *cache.Store, cacheType, trialID string, produce func(ctx context.Context) ([]types.Candidate, error)) ([]types.Candidate, error) {
	if store == nil {
		return produce(ctx)
	}
	raw, err := store.GetOrProduce(ctx, cacheType, trialID, func(ctx context.Context) (json.RawMessage, error) {
		cands, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if cands == nil {
			cands = []types.Candidate{}
		}
		return json.Marshal(cands)
	})
	if err != nil {
		return nil, err
	}
	var cands []types.Candidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, fmt.Errorf("discovery: decode cached candidates for %s: %w", trialID, err)
	}
	return cands, nil
}

// ------------------------- linked_at_registration -------------------------

type linkedAtRegistration struct{}

// NewLinkedAtRegistration returns the strategy reading publication links the
// registry itself recorded. It is pure: no network, no cache.
func NewLinkedAtRegistration() Strategy { return linkedAtRegistration{} }

func (linkedAtRegistration) ID() types.StrategyID { return types.StrategyLinkedAtRegistration }

// Run prefers the EUCTR results-page PMIDs; when absent it falls back to the
// PMIDs among the registration's references.
//
// Expectations:
//   - linkedPubmedIds win over references when both are present
//   - References without a PMID are skipped
//   - Duplicate PMIDs collapse
func (linkedAtRegistration) Run(_ context.Context, reg types.Registration) ([]types.Candidate, error) {
	var pmids []string
	if len(reg.LinkedPubmedIDs) > 0 {
		pmids = reg.LinkedPubmedIDs
	} else {
		for _, ref := range reg.References {
			if ref.PMID != "" {
				pmids = append(pmids, ref.PMID)
			}
		}
	}
	seen := map[string]bool{}
	var cands []types.Candidate
	for _, pmid := range pmids {
		if !seen[pmid] {
			seen[pmid] = true
			cands = append(cands, types.Candidate{PMID: pmid})
		}
	}
	return cands, nil
}

// ----------------------------- pubmed_naive -------------------------------

type pubmedNaive struct {
	pm    PubMed
	store *cache.Store
}

// NewPubmedNaive returns the structured-query strategy: one PubMed search
// built from the trial id, title, and investigator, constrained to
// publications on or after trial start.
func NewPubmedNaive(pm PubMed, store *cache.Store) Strategy {
	return &pubmedNaive{pm: pm, store: store}
}

func (*pubmedNaive) ID() types.StrategyID { return types.StrategyPubmedNaive }

func (s *pubmedNaive) Run(ctx context.Context, reg types.Registration) ([]types.Candidate, error) {
	return cachedCandidates(ctx, s.store, string(s.ID()), reg.TrialID, func(ctx context.Context) ([]types.Candidate, error) {
		papers, err := s.pm.Search(ctx, naiveQuery(reg), searchLimit)
		if err != nil {
			return nil, err
		}
		return papersToCandidates(papers), nil
	})
}

// naiveQuery combines the trial id, title, and investigator into one PubMed
// term, date-constrained to the trial's start when known.
func naiveQuery(reg types.Registration) string {
	parts := []string{reg.TrialID}
	if t := reg.AnyTitle(); t != "" {
		parts = append(parts, fmt.Sprintf("%q", t))
	}
	if reg.InvestigatorFullName != "" {
		parts = append(parts, fmt.Sprintf("%q[Author]", reg.InvestigatorFullName))
	}
	q := "(" + strings.Join(parts, " OR ") + ")"
	if reg.StartDate != "" {
		q += fmt.Sprintf(` AND (%q[Date - Publication] : "3000"[Date - Publication])`,
			strings.ReplaceAll(reg.StartDate, "-", "/"))
	}
	return q
}

// ---------------------------- google_scholar ------------------------------

type googleScholar struct {
	ws    WebSearcher
	pm    PubMed
	store *cache.Store
}

// NewGoogleScholar returns the web-search strategy: search the web for the
// trial id and resolve each hit's title to a PMID.
func NewGoogleScholar(ws WebSearcher, pm PubMed, store *cache.Store) Strategy {
	return &googleScholar{ws: ws, pm: pm, store: store}
}

func (*googleScholar) ID() types.StrategyID { return types.StrategyGoogleScholar }

// Run resolves each web hit to a PMID: a DOI in the hit URL resolves
// directly; otherwise the title goes through citation match, then a fuzzy
// match against the top title-search records.
//
// Expectations:
//   - A DOI in the hit URL resolves directly, skipping title matching
//   - A citation match short-circuits the fuzzy fallback
//   - Fuzzy matching requires similarity ≥ the threshold
//   - Unresolvable hits are skipped, not errors
//   - Resolved PMIDs are deduplicated
func (s *googleScholar) Run(ctx context.Context, reg types.Registration) ([]types.Candidate, error) {
	return cachedCandidates(ctx, s.store, string(s.ID()), reg.TrialID, func(ctx context.Context) ([]types.Candidate, error) {
		hits, err := s.ws.Scholar(ctx, reg.TrialID)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		var cands []types.Candidate
		for _, hit := range hits {
			pmid, err := s.resolveHit(ctx, hit)
			if err != nil {
				return nil, err
			}
			if pmid != "" && !seen[pmid] {
				seen[pmid] = true
				cands = append(cands, types.Candidate{PMID: pmid})
			}
		}
		return cands, nil
	})
}

func (s *googleScholar) resolveHit(ctx context.Context, hit websearch.Result) (string, error) {
	if doi := doiFromURL(hit.URL); doi != "" {
		pmid, err := s.pm.DOIToPMID(ctx, doi)
		if err != nil {
			return "", err
		}
		if pmid != "" {
			return pmid, nil
		}
	}
	if hit.Title == "" {
		return "", nil
	}
	return s.resolveTitle(ctx, hit.Title)
}

// doiFromURL extracts a DOI from a result URL. Recognizes doi.org links and
// publisher "/doi/…/10.x" path segments.
func doiFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/")
	host := strings.TrimPrefix(u.Host, "www.")
	if host == "doi.org" || host == "dx.doi.org" {
		if strings.HasPrefix(path, "10.") {
			return path
		}
		return ""
	}
	if i := strings.Index(path, "doi/"); i >= 0 {
		rest := path[i+len("doi/"):]
		for _, qualifier := range []string{"full/", "abs/", "pdf/", "epdf/"} {
			rest = strings.TrimPrefix(rest, qualifier)
		}
		if strings.HasPrefix(rest, "10.") {
			return rest
		}
	}
	return ""
}

func (s *googleScholar) resolveTitle(ctx context.Context, title string) (string, error) {
	pmids, err := s.pm.CitationMatch(ctx, title)
	if err != nil {
		return "", err
	}
	if len(pmids) > 0 {
		return pmids[0], nil
	}

	papers, err := s.pm.Search(ctx, title, titleSearchLimit)
	if err != nil {
		return "", err
	}
	if len(papers) == 0 {
		return "", nil
	}
	ids := make([]string, 0, len(papers))
	for _, p := range papers {
		ids = append(ids, p.PMID)
	}
	records, err := s.pm.FetchRefs(ctx, ids)
	if err != nil {
		return "", err
	}

	best, bestScore := "", 0.0
	for _, rec := range records {
		if score := titleSimilarity(title, rec.Title); score > bestScore {
			best, bestScore = rec.PMID, score
		}
	}
	if bestScore < scholarMatchThreshold {
		return "", nil
	}
	return best, nil
}

// titleSimilarity is the Jaccard similarity of the two titles' lowercase
// token sets.
func titleSimilarity(a, b string) float64 {
	ta, tb := titleTokens(a), titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func titleTokens(s string) map[string]bool {
	tokens := map[string]bool{}
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens[cur.String()] = true
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ------------------------- pubmed_gpt_v1 / _v2 ----------------------------

type pubmedGPTV1 struct {
	pool    *cache.QueryPool
	client  *llm.Client // nil: pool-only (batch mode)
	variant QueryVariant
	pm      PubMed
	store   *cache.Store
}

// NewPubmedGPTV1 returns the single-LLM-query strategy. With a nil client the
// strategy only reads bundles a batch query-generation run prepared; with a
// client it generates missing bundles synchronously and saves them to the
// pool.
func NewPubmedGPTV1(pool *cache.QueryPool, client *llm.Client, variant QueryVariant, pm PubMed, store *cache.Store) Strategy {
	return &pubmedGPTV1{pool: pool, client: client, variant: variant, pm: pm, store: store}
}

func (*pubmedGPTV1) ID() types.StrategyID { return types.StrategyPubmedGPTV1 }

func (s *pubmedGPTV1) Run(ctx context.Context, reg types.Registration) ([]types.Candidate, error) {
	return cachedCandidates(ctx, s.store, string(s.ID()), reg.TrialID, func(ctx context.Context) ([]types.Candidate, error) {
		var bundle QueryV1Bundle
		err := s.pool.Load(reg.TrialID, &bundle)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && s.client != nil:
			bundle, err = GenerateV1(ctx, s.client, s.variant, reg)
			if err != nil {
				return nil, err
			}
			if err := s.pool.Save(reg.TrialID, bundle); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		papers, err := s.pm.Search(ctx, bundle.Query, searchLimit)
		if err != nil {
			return nil, err
		}
		return papersToCandidates(papers), nil
	})
}

type pubmedGPTV2 struct {
	pool    *cache.QueryPool
	client  *llm.Client
	variant QueryVariant
	pm      PubMed
	store   *cache.Store
}

// NewPubmedGPTV2 returns the query-bundle strategy: the LLM proposes several
// queries, each runs on PubMed, and the hits are unioned.
func NewPubmedGPTV2(pool *cache.QueryPool, client *llm.Client, variant QueryVariant, pm PubMed, store *cache.Store) Strategy {
	return &pubmedGPTV2{pool: pool, client: client, variant: variant, pm: pm, store: store}
}

func (*pubmedGPTV2) ID() types.StrategyID { return types.StrategyPubmedGPTV2 }

func (s *pubmedGPTV2) Run(ctx context.Context, reg types.Registration) ([]types.Candidate, error) {
	return cachedCandidates(ctx, s.store, string(s.ID()), reg.TrialID, func(ctx context.Context) ([]types.Candidate, error) {
		var bundle QueryV2Bundle
		err := s.pool.Load(reg.TrialID, &bundle)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && s.client != nil:
			bundle, err = GenerateV2(ctx, s.client, s.variant, reg)
			if err != nil {
				return nil, err
			}
			if err := s.pool.Save(reg.TrialID, bundle); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		seen := map[string]bool{}
		var cands []types.Candidate
		for _, query := range bundle.Queries() {
			papers, err := s.pm.Search(ctx, query, searchLimit)
			if err != nil {
				return nil, err
			}
			for _, c := range papersToCandidates(papers) {
				if !seen[c.PMID] {
					seen[c.PMID] = true
					cands = append(cands, c)
				}
			}
		}
		return cands, nil
	})
}

func papersToCandidates(papers []pubmed.Paper) []types.Candidate {
	cands := make([]types.Candidate, 0, len(papers))
	for _, p := range papers {
		cands = append(cands, types.Candidate{PMID: p.PMID, PublicationDate: p.PublicationDate})
	}
	return cands
}
