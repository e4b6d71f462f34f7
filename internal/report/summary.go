package report

import (
	"sort"

	"github.com/clinetrics/publink/internal/types"
)

// Summarize joins one trial's discovery output with its per-publication
// classifications into the summary row.
//
// Expectations:
//   - tool_results is true iff any classification has hasResults=true
//   - tool_prompted_pmids lists every eligible candidate PMID
//   - tool_result_pmids lists PMIDs with a positive classification and is a
//     subset of tool_prompted_pmids
//   - tool_ident_steps is the sorted union of sources over positive
//     publications
//   - earliest_result_publication is the positive publication with the
//     lexicographically smallest ISO date; date-less positives never win
//   - failed_result_discoveries lists PMIDs whose classification is missing
//     or unsuccessful
//   - has_error is true iff any discovery error exists or any classification
//     is missing or unsuccessful
func Summarize(trialID string, tp types.TrialPublications, cls map[string]types.Classification) types.TrialSummary {
	s := types.TrialSummary{NCTID: trialID, TrialID: trialID}

	for _, e := range tp.Errors {
		s.FailedPublicationDiscoveries = append(s.FailedPublicationDiscoveries, e.Fn)
		s.HasError = true
	}

	steps := map[types.StrategyID]bool{}
	var earliestDate, earliestPMID string

	for _, pub := range tp.Candidates {
		if pub.PMID == "" {
			continue
		}
		s.ToolPromptedPMIDs = append(s.ToolPromptedPMIDs, pub.PMID)

		c, ok := cls[pub.PMID]
		if !ok || !c.Success {
			s.FailedResultDiscoveries = append(s.FailedResultDiscoveries, pub.PMID)
			s.HasError = true
			continue
		}
		if c.Reason != "" {
			s.Reasons = append(s.Reasons, Reason(pub.PMID, c.Reason))
		}
		if !c.HasResults {
			continue
		}
		s.ToolResults = true
		s.ToolResultPMIDs = append(s.ToolResultPMIDs, pub.PMID)
		for _, src := range pub.Sources {
			steps[src] = true
		}
		if pub.PublicationDate != "" && (earliestDate == "" || pub.PublicationDate < earliestDate) {
			earliestDate, earliestPMID = pub.PublicationDate, pub.PMID
		}
	}

	for id := range steps {
		s.ToolIdentSteps = append(s.ToolIdentSteps, id)
	}
	sort.Slice(s.ToolIdentSteps, func(i, j int) bool { return s.ToolIdentSteps[i] < s.ToolIdentSteps[j] })

	s.EarliestResultPublication = earliestPMID
	s.EarliestResultPublicationDate = earliestDate
	return s
}
