// Package trialid validates and normalizes clinical-trial identifiers and
// maps them to their registry.
package trialid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clinetrics/publink/internal/types"
)

var (
	nctPattern   = regexp.MustCompile(`^NCT\d{8}$`)
	euctrPattern = regexp.MustCompile(`^\d{4}-\d{6}-\d{2}$`)
	drksPattern  = regexp.MustCompile(`^DRKS\d{8}$`)
)

// Normalize trims surrounding whitespace and uppercases prefixed identifier
// forms (nct..., drks...) so downstream lookups are case-stable. EudraCT
// numbers are purely numeric and are only trimmed.
//
// Expectations:
//   - Trims leading and trailing whitespace
//   - Uppercases "nct" and "drks" prefixes
//   - Leaves EudraCT numbers unchanged apart from trimming
//   - Returns "" for whitespace-only input
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "NCT") || strings.HasPrefix(upper, "DRKS") {
		return upper
	}
	return s
}

// DetectRegistry classifies a normalized trial id. It is total: every input
// maps to exactly one of ctgov, euctr, drks, or unknown.
//
// Expectations:
//   - "NCT" + 8 digits → ctgov
//   - 4-6-2 digit groups joined by "-" → euctr
//   - "DRKS" + 8 digits → drks
//   - Anything else (including "") → unknown
func DetectRegistry(id string) types.RegistryType {
	switch {
	case nctPattern.MatchString(id):
		return types.RegistryCTGov
	case euctrPattern.MatchString(id):
		return types.RegistryEUCTR
	case drksPattern.MatchString(id):
		return types.RegistryDRKS
	default:
		return types.RegistryUnknown
	}
}

// Parse normalizes raw and returns the id with its registry, or an error when
// the id matches no known registry shape.
func Parse(raw string) (string, types.RegistryType, error) {
	id := Normalize(raw)
	registry := DetectRegistry(id)
	if registry == types.RegistryUnknown {
		return "", types.RegistryUnknown, fmt.Errorf("trialid: unrecognized trial id %q", raw)
	}
	return id, registry, nil
}
