package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/clinetrics/publink/internal/types"
)

const defaultCTGovBaseURL = "https://clinicaltrials.gov/api/v2"

// CTGov fetches registrations from the ClinicalTrials.gov v2 JSON API. When
// LocalDir is set, {trialId}.json files there short-circuit the network.
type CTGov struct {
	BaseURL  string
	LocalDir string
	client   *http.Client
}

// NewCTGov creates the adapter. baseURL "" selects production; localDir ""
// disables the filesystem short-circuit.
func NewCTGov(baseURL, localDir string) *CTGov {
	if baseURL == "" {
		baseURL = defaultCTGovBaseURL
	}
	return &CTGov{
		BaseURL:  baseURL,
		LocalDir: localDir,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// ctgovStudy maps the slice of the v2 API response the pipeline consumes.
type ctgovStudy struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID         string `json:"nctId"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
			Acronym       string `json:"acronym"`
			Organization  struct {
				FullName string `json:"fullName"`
			} `json:"organization"`
		} `json:"identificationModule"`
		DescriptionModule struct {
			BriefSummary        string `json:"briefSummary"`
			DetailedDescription string `json:"detailedDescription"`
		} `json:"descriptionModule"`
		StatusModule struct {
			OverallStatus   string `json:"overallStatus"`
			StartDateStruct struct {
				Date string `json:"date"`
			} `json:"startDateStruct"`
			CompletionDateStruct struct {
				Date string `json:"date"`
			} `json:"completionDateStruct"`
		} `json:"statusModule"`
		SponsorCollaboratorsModule struct {
			ResponsibleParty struct {
				InvestigatorFullName string `json:"investigatorFullName"`
			} `json:"responsibleParty"`
		} `json:"sponsorCollaboratorsModule"`
		ContactsLocationsModule struct {
			OverallOfficials []struct {
				Name string `json:"name"`
				Role string `json:"role"`
			} `json:"overallOfficials"`
		} `json:"contactsLocationsModule"`
		DesignModule struct {
			StudyType string   `json:"studyType"`
			Phases    []string `json:"phases"`
		} `json:"designModule"`
		EligibilityModule struct {
			Sex string `json:"sex"`
		} `json:"eligibilityModule"`
		ConditionsModule struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		ArmsInterventionsModule struct {
			Interventions []struct {
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		ReferencesModule struct {
			References []struct {
				PMID     string `json:"pmid"`
				Citation string `json:"citation"`
			} `json:"references"`
		} `json:"referencesModule"`
	} `json:"protocolSection"`
	HasResults bool `json:"hasResults"`
}

// Fetch returns the registration for trialID.
//
// Expectations:
//   - Reads {LocalDir}/{trialId}.json first when LocalDir is set
//   - Falls back to the network when the local file is absent
//   - Maps a 404 to a notFound FetchError
//   - Maps malformed JSON to a parse FetchError
func (c *CTGov) Fetch(ctx context.Context, trialID string) (types.Registration, error) {
	if c.LocalDir != "" {
		if raw, err := os.ReadFile(filepath.Join(c.LocalDir, trialID+".json")); err == nil {
			return c.parse(trialID, raw)
		}
	}
	raw, err := fetchURL(ctx, c.client, trialID, c.BaseURL+"/studies/"+trialID)
	if err != nil {
		return types.Registration{}, err
	}
	return c.parse(trialID, raw)
}

func (c *CTGov) parse(trialID string, raw []byte) (types.Registration, error) {
	var study ctgovStudy
	if err := json.Unmarshal(raw, &study); err != nil {
		return types.Registration{}, &FetchError{Kind: KindParse, TrialID: trialID, Cause: err}
	}
	ps := study.ProtocolSection

	reg := types.Registration{
		TrialID:             trialID,
		RegistryType:        types.RegistryCTGov,
		BriefTitle:          ps.IdentificationModule.BriefTitle,
		OfficialTitle:       ps.IdentificationModule.OfficialTitle,
		Acronym:             ps.IdentificationModule.Acronym,
		Organization:        ps.IdentificationModule.Organization.FullName,
		BriefSummary:        ps.DescriptionModule.BriefSummary,
		DetailedDescription: ps.DescriptionModule.DetailedDescription,
		OverallStatus:       ps.StatusModule.OverallStatus,
		StartDate:           ps.StatusModule.StartDateStruct.Date,
		CompletionDate:      ps.StatusModule.CompletionDateStruct.Date,
		StudyType:           ps.DesignModule.StudyType,
		Sex:                 ps.EligibilityModule.Sex,
		Conditions:          ps.ConditionsModule.Conditions,
	}

	if len(ps.DesignModule.Phases) > 0 {
		reg.Phase = ps.DesignModule.Phases[0]
	}
	reg.InvestigatorFullName = ps.SponsorCollaboratorsModule.ResponsibleParty.InvestigatorFullName
	for _, off := range ps.ContactsLocationsModule.OverallOfficials {
		if off.Name != "" {
			reg.PrincipalInvestigators = append(reg.PrincipalInvestigators, off.Name)
		}
	}
	for _, iv := range ps.ArmsInterventionsModule.Interventions {
		if iv.Name != "" {
			reg.Interventions = append(reg.Interventions, iv.Name)
		}
	}
	for _, ref := range ps.ReferencesModule.References {
		reg.References = append(reg.References, types.Reference{PMID: ref.PMID, Citation: ref.Citation})
	}
	hasResults := study.HasResults
	reg.HasResults = &hasResults

	if reg.BriefTitle == "" && reg.OfficialTitle == "" {
		return types.Registration{}, &FetchError{Kind: KindParse, TrialID: trialID,
			Cause: errTitleMissing}
	}
	return reg, nil
}
