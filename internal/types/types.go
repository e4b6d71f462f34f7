// Package types holds the registry-agnostic data model shared by every
// pipeline stage: trial registrations, candidate publications, LLM
// classifications, and the per-trial summary row.
package types

import "sort"

// RegistryType identifies which clinical-trial registry a trial id belongs to.
type RegistryType string

const (
	RegistryCTGov   RegistryType = "ctgov"
	RegistryEUCTR   RegistryType = "euctr"
	RegistryDRKS    RegistryType = "drks"
	RegistryUnknown RegistryType = "unknown"
)

// StrategyID is the stable identifier of a publication-discovery strategy.
// Every candidate PMID is tagged with the set of strategies that produced it.
type StrategyID string

const (
	StrategyLinkedAtRegistration StrategyID = "linked_at_registration"
	StrategyPubmedNaive          StrategyID = "pubmed_naive"
	StrategyGoogleScholar        StrategyID = "google_scholar"
	StrategyPubmedGPTV1          StrategyID = "pubmed_gpt_v1"
	StrategyPubmedGPTV2          StrategyID = "pubmed_gpt_v2"
)

// AllStrategies lists every known strategy identifier.
var AllStrategies = []StrategyID{
	StrategyLinkedAtRegistration,
	StrategyPubmedNaive,
	StrategyGoogleScholar,
	StrategyPubmedGPTV1,
	StrategyPubmedGPTV2,
}

// Reference is a CTGov-provided link from a registration to a publication.
type Reference struct {
	PMID     string `json:"pmid,omitempty"`
	Citation string `json:"citation,omitempty"`
}

// Registration is the canonical, registry-agnostic record for one trial.
// Immutable after fetch; adapters normalize their registry's fields into it.
type Registration struct {
	TrialID      string       `json:"trial_id"`
	RegistryType RegistryType `json:"registry_type"`

	BriefTitle    string `json:"brief_title,omitempty"`
	OfficialTitle string `json:"official_title,omitempty"`
	Acronym       string `json:"acronym,omitempty"`

	BriefSummary        string `json:"brief_summary,omitempty"`
	DetailedDescription string `json:"detailed_description,omitempty"`

	OverallStatus  string `json:"overall_status,omitempty"`
	StartDate      string `json:"start_date,omitempty"`      // partial ISO: YYYY[-MM[-DD]]
	CompletionDate string `json:"completion_date,omitempty"` // partial ISO

	Organization           string   `json:"organization,omitempty"`
	InvestigatorFullName   string   `json:"investigator_full_name,omitempty"`
	PrincipalInvestigators []string `json:"principal_investigators,omitempty"`

	StudyType     string   `json:"study_type,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Sex           string   `json:"sex,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`

	// HasResults is the registry's own results claim; provenance only, never
	// fed to the classifier.
	HasResults *bool `json:"has_results,omitempty"`

	References      []Reference `json:"references,omitempty"`
	LinkedPubmedIDs []string    `json:"linked_pubmed_ids,omitempty"`
}

// AnyTitle returns the brief title, falling back to the official title.
func (r *Registration) AnyTitle() string {
	if r.BriefTitle != "" {
		return r.BriefTitle
	}
	return r.OfficialTitle
}

// Candidate is one strategy's raw output: a PMID with an optional
// strategy-known publication date.
type Candidate struct {
	PMID            string `json:"pmid"`
	PublicationDate string `json:"publication_date,omitempty"`
}

// Publication is an enriched candidate, identified by PMID and tagged with
// every strategy that discovered it.
type Publication struct {
	PMID     string `json:"pmid"`
	DOI      string `json:"doi,omitempty"`
	Title    string `json:"title,omitempty"`
	Authors  string `json:"authors,omitempty"` // comma-joined display string
	Abstract string `json:"abstract,omitempty"`

	// PublicationDate is a partial ISO date: YYYY, YYYY-MM, or YYYY-MM-DD.
	PublicationDate string `json:"publication_date,omitempty"`

	// Sources records every strategy that yielded this PMID. Non-empty for
	// any publication that reaches the classifier.
	Sources []StrategyID `json:"sources"`

	// NCTIDs lists trial identifiers mentioned in the PubMed record.
	NCTIDs []string `json:"nct_ids,omitempty"`
}

// HasSource reports whether id is among the publication's source tags.
func (p *Publication) HasSource(id StrategyID) bool {
	for _, s := range p.Sources {
		if s == id {
			return true
		}
	}
	return false
}

// AddSource appends id to Sources unless already present, keeping the slice
// sorted so serialized records are deterministic.
func (p *Publication) AddSource(id StrategyID) {
	if p.HasSource(id) {
		return
	}
	p.Sources = append(p.Sources, id)
	sort.Slice(p.Sources, func(i, j int) bool { return p.Sources[i] < p.Sources[j] })
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Classification is the LLM's judgement on one (trial, publication) pair.
type Classification struct {
	HasResults bool   `json:"has_results"`
	Reason     string `json:"reason,omitempty"`
	Tokens     Usage  `json:"tokens"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// StrategyError records one strategy invocation that failed for a trial.
type StrategyError struct {
	Fn      string `json:"fn"`
	Message string `json:"message"`
}

// TrialPublications is the per-trial discovery result: the candidates that
// survived filtering, the ones a date filter removed, and per-strategy errors.
type TrialPublications struct {
	Candidates []Publication   `json:"candidates"`
	Filtered   []Publication   `json:"filtered,omitempty"`
	Errors     []StrategyError `json:"errors,omitempty"`
}

// TrialSummary is one output row of a run.
type TrialSummary struct {
	NCTID   string `json:"nct_id"`
	TrialID string `json:"trial_id"`

	ToolResults bool `json:"tool_results"`
	HasError    bool `json:"has_error"`

	ToolPromptedPMIDs []string     `json:"tool_prompted_pmids"`
	ToolResultPMIDs   []string     `json:"tool_result_pmids"`
	ToolIdentSteps    []StrategyID `json:"tool_ident_steps"`

	EarliestResultPublication     string `json:"earliest_result_publication,omitempty"`
	EarliestResultPublicationDate string `json:"earliest_result_publication_date,omitempty"`

	FailedPublicationDiscoveries []string `json:"failed_publication_discoveries,omitempty"`
	FailedResultDiscoveries      []string `json:"failed_result_discoveries,omitempty"`

	// Reasons holds per-publication classifier reasons, each prefixed
	// "PMID<pmid>: ".
	Reasons []string `json:"reasons,omitempty"`
}
