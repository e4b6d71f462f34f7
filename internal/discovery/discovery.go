// Package discovery finds candidate publications for a trial registration.
// Pluggable strategies run concurrently; their candidates are deduplicated by
// PMID (unioning the source tags), enriched from PubMed, and handed to the
// date filters. A strategy failure is captured per strategy and never aborts
// the others.
package discovery

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/clinetrics/publink/internal/types"
)

// Engine fans a registration out to every configured strategy and fuses the
// results.
type Engine struct {
	strategies []Strategy
	pm         PubMed
	log        *slog.Logger
}

// NewEngine builds an Engine. pm performs the enrichment fetches; logger nil
// means slog.Default.
func NewEngine(strategies []Strategy, pm PubMed, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{strategies: strategies, pm: pm, log: logger}
}

// Discover runs every strategy for reg, deduplicates, and enriches.
//
// Expectations:
//   - Strategies run concurrently; one failure does not abort the others
//   - Each failure is captured as {fn, message}
//   - The returned publications carry unioned source sets
//   - Zero strategies yield an empty candidate set and no errors
func (e *Engine) Discover(ctx context.Context, reg types.Registration) ([]types.Publication, []types.StrategyError) {
	type outcome struct {
		id    types.StrategyID
		cands []types.Candidate
		err   error
	}
	outcomes := make([]outcome, len(e.strategies))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.strategies {
		i, s := i, s
		g.Go(func() error {
			cands, err := s.Run(gctx, reg)
			outcomes[i] = outcome{id: s.ID(), cands: cands, err: err}
			return nil
		})
	}
	// Goroutines always return nil; failures live in their outcome slot.
	_ = g.Wait()

	var errs []types.StrategyError
	bySource := map[types.StrategyID][]types.Candidate{}
	for _, o := range outcomes {
		if o.err != nil {
			e.log.Warn("strategy failed", "strategy", o.id, "trial", reg.TrialID, "error", o.err)
			errs = append(errs, types.StrategyError{Fn: string(o.id), Message: o.err.Error()})
			continue
		}
		bySource[o.id] = o.cands
	}

	pubs := Dedup(bySource)
	enriched, err := e.Enrich(ctx, pubs)
	if err != nil {
		e.log.Warn("enrichment failed", "trial", reg.TrialID, "error", err)
		errs = append(errs, types.StrategyError{Fn: "enrich", Message: err.Error()})
		return pubs, errs
	}
	return enriched, errs
}

// Dedup unions candidates across sources into one publication per PMID.
//
// Expectations:
//   - PMIDs are unique in the output
//   - A merged publication's sources equal the set of contributing strategies
//   - The first non-empty candidate date is kept
//   - Output order is deterministic (by PMID)
func Dedup(bySource map[types.StrategyID][]types.Candidate) []types.Publication {
	byPMID := map[string]*types.Publication{}
	ids := make([]types.StrategyID, 0, len(bySource))
	for id := range bySource {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		for _, c := range bySource[id] {
			if c.PMID == "" {
				continue
			}
			pub, ok := byPMID[c.PMID]
			if !ok {
				pub = &types.Publication{PMID: c.PMID}
				byPMID[c.PMID] = pub
			}
			pub.AddSource(id)
			if pub.PublicationDate == "" {
				pub.PublicationDate = c.PublicationDate
			}
		}
	}

	pmids := make([]string, 0, len(byPMID))
	for pmid := range byPMID {
		pmids = append(pmids, pmid)
	}
	sort.Strings(pmids)
	pubs := make([]types.Publication, 0, len(pmids))
	for _, pmid := range pmids {
		pubs = append(pubs, *byPMID[pmid])
	}
	return pubs
}

// Enrich fills title, authors, abstract, DOI, date, and mentioned NCT ids
// from PubMed. Records match primarily by PMID, by DOI as a fallback.
//
// Expectations:
//   - An enriched date replaces a strategy-provided date
//   - A strategy date survives only when enrichment yields none
//   - Source tags pass through untouched
//   - An empty input makes no network call
func (e *Engine) Enrich(ctx context.Context, pubs []types.Publication) ([]types.Publication, error) {
	if len(pubs) == 0 {
		return pubs, nil
	}
	pmids := make([]string, 0, len(pubs))
	for _, p := range pubs {
		pmids = append(pmids, p.PMID)
	}
	records, err := e.pm.FetchRefs(ctx, pmids)
	if err != nil {
		return nil, err
	}

	byPMID := map[string]int{}
	byDOI := map[string]int{}
	for i, rec := range records {
		if rec.PMID != "" {
			byPMID[rec.PMID] = i
		}
		if rec.DOI != "" {
			byDOI[rec.DOI] = i
		}
	}

	out := make([]types.Publication, len(pubs))
	for i, p := range pubs {
		idx, ok := byPMID[p.PMID]
		if !ok && p.DOI != "" {
			idx, ok = byDOI[p.DOI]
		}
		if ok {
			rec := records[idx]
			p.Title = rec.Title
			p.Authors = rec.Authors
			p.Abstract = rec.Abstract
			p.NCTIDs = rec.NCTIDs
			if rec.DOI != "" {
				p.DOI = rec.DOI
			}
			if rec.PublicationDate != "" {
				p.PublicationDate = rec.PublicationDate
			}
		}
		out[i] = p
	}
	return out, nil
}
