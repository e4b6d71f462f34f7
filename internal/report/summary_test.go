package report

import (
	"testing"

	"github.com/clinetrics/publink/internal/types"
)

func TestSummarize_PositiveAndNegative(t *testing.T) {
	tp := types.TrialPublications{Candidates: []types.Publication{
		{PMID: "111", PublicationDate: "2008-01", Sources: []types.StrategyID{types.StrategyLinkedAtRegistration}},
		{PMID: "222", PublicationDate: "2006", Sources: []types.StrategyID{types.StrategyPubmedNaive}},
	}}
	cls := map[string]types.Classification{
		"111": {HasResults: true, Success: true, Reason: "Reports endpoints."},
		"222": {HasResults: false, Success: true, Reason: "Protocol only."},
	}
	s := Summarize("NCT00000001", tp, cls)
	if !s.ToolResults || s.HasError {
		t.Errorf("summary: %+v", s)
	}
	if len(s.ToolPromptedPMIDs) != 2 || len(s.ToolResultPMIDs) != 1 || s.ToolResultPMIDs[0] != "111" {
		t.Errorf("pmids: %+v", s)
	}
	if len(s.ToolIdentSteps) != 1 || s.ToolIdentSteps[0] != types.StrategyLinkedAtRegistration {
		t.Errorf("steps: %+v", s.ToolIdentSteps)
	}
	if s.EarliestResultPublication != "111" || s.EarliestResultPublicationDate != "2008-01" {
		t.Errorf("earliest: %+v", s)
	}
	if len(s.Reasons) != 2 {
		t.Errorf("reasons: %+v", s.Reasons)
	}
}

func TestSummarize_ResultPMIDsSubsetOfPrompted(t *testing.T) {
	tp := types.TrialPublications{Candidates: []types.Publication{
		{PMID: "1"}, {PMID: "2"}, {PMID: "3"},
	}}
	cls := map[string]types.Classification{
		"1": {HasResults: true, Success: true},
		"2": {Success: true},
		"3": {HasResults: true, Success: true},
	}
	s := Summarize("NCT00000001", tp, cls)
	prompted := map[string]bool{}
	for _, p := range s.ToolPromptedPMIDs {
		prompted[p] = true
	}
	for _, p := range s.ToolResultPMIDs {
		if !prompted[p] {
			t.Errorf("result pmid %s not prompted", p)
		}
	}
	if len(s.ToolResultPMIDs) != 2 {
		t.Errorf("result pmids: %v", s.ToolResultPMIDs)
	}
}

func TestSummarize_MissingClassificationIsError(t *testing.T) {
	// A missing classification marks has_error and failed_result_discoveries
	tp := types.TrialPublications{Candidates: []types.Publication{{PMID: "1"}, {PMID: "2"}}}
	cls := map[string]types.Classification{"1": {HasResults: true, Success: true}}
	s := Summarize("NCT00000001", tp, cls)
	if !s.HasError || len(s.FailedResultDiscoveries) != 1 || s.FailedResultDiscoveries[0] != "2" {
		t.Errorf("summary: %+v", s)
	}
	if !s.ToolResults {
		t.Error("positive classification still counts")
	}
}

func TestSummarize_DiscoveryErrorPropagates(t *testing.T) {
	tp := types.TrialPublications{Errors: []types.StrategyError{{Fn: "google_scholar", Message: "quota"}}}
	s := Summarize("NCT00000001", tp, nil)
	if !s.HasError || len(s.FailedPublicationDiscoveries) != 1 || s.FailedPublicationDiscoveries[0] != "google_scholar" {
		t.Errorf("summary: %+v", s)
	}
	if s.ToolResults {
		t.Error("no candidates means no results")
	}
}

func TestSummarize_EarliestUsesISOPrefixOrder(t *testing.T) {
	// "2006" sorts before "2006-03" by string order
	tp := types.TrialPublications{Candidates: []types.Publication{
		{PMID: "a", PublicationDate: "2006-03"},
		{PMID: "b", PublicationDate: "2006"},
		{PMID: "c"},
	}}
	cls := map[string]types.Classification{
		"a": {HasResults: true, Success: true},
		"b": {HasResults: true, Success: true},
		"c": {HasResults: true, Success: true},
	}
	s := Summarize("NCT00000001", tp, cls)
	if s.EarliestResultPublication != "b" || s.EarliestResultPublicationDate != "2006" {
		t.Errorf("earliest: %+v", s)
	}
}

func TestSummarize_EmptyCandidates(t *testing.T) {
	// Zero candidates: tool_results=false, nothing listed, no error
	s := Summarize("NCT00000001", types.TrialPublications{}, nil)
	if s.ToolResults || s.HasError || len(s.ToolPromptedPMIDs) != 0 {
		t.Errorf("summary: %+v", s)
	}
}
