package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// QueryPool is a shared directory of {trialId}.json files holding LLM-prepared
// PubMed query bundles from prior batch query-generation runs. Pools are plain
// files (not LevelDB) so they can be shared between runs and inspected by hand.
type QueryPool struct {
	dir string
}

// NewQueryPool creates the pool directory if needed.
func NewQueryPool(dir string) (*QueryPool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create query pool %s: %w", dir, err)
	}
	return &QueryPool{dir: dir}, nil
}

// Dir returns the pool directory path.
func (p *QueryPool) Dir() string { return p.dir }

func (p *QueryPool) path(trialID string) string {
	return filepath.Join(p.dir, trialID+".json")
}

// Has reports whether a prepared bundle exists for trialID.
func (p *QueryPool) Has(trialID string) bool {
	_, err := os.Stat(p.path(trialID))
	return err == nil
}

// Load reads the prepared bundle for trialID into out.
//
// Expectations:
//   - Returns os.ErrNotExist (wrapped) when no bundle exists
//   - Returns a parse error for malformed files
func (p *QueryPool) Load(trialID string, out any) error {
	raw, err := os.ReadFile(p.path(trialID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cache: no prepared queries for %s: %w", trialID, os.ErrNotExist)
		}
		return fmt.Errorf("cache: read queries for %s: %w", trialID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cache: parse queries for %s: %w", trialID, err)
	}
	return nil
}

// Save writes the prepared bundle for trialID. Writes are atomic (temp file
// plus rename) so a crash mid-write never leaves a truncated bundle.
func (p *QueryPool) Save(trialID string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal queries for %s: %w", trialID, err)
	}
	tmp := p.path(trialID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("cache: write queries for %s: %w", trialID, err)
	}
	if err := os.Rename(tmp, p.path(trialID)); err != nil {
		return fmt.Errorf("cache: rename queries for %s: %w", trialID, err)
	}
	return nil
}
