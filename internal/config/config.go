// Package config loads and validates the pipeline configuration from a YAML
// file with environment-variable overrides. Validation runs before any
// external call so a bad config never reaches the network.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/clinetrics/publink/internal/types"
)

// Reasoning efforts accepted by the LLM API.
var validReasoning = map[string]bool{
	"minimal": true,
	"low":     true,
	"medium":  true,
	"high":    true,
}

// Models names the LLM model per request family.
type Models struct {
	QueryV1 string `mapstructure:"queryV1"`
	QueryV2 string `mapstructure:"queryV2"`
	Results string `mapstructure:"results"`
}

// Reasoning names the reasoning effort per request family.
type Reasoning struct {
	QueryV1 string `mapstructure:"queryV1"`
	QueryV2 string `mapstructure:"queryV2"`
	Results string `mapstructure:"results"`
}

// Batch holds chunking and budget limits for the asynchronous batch runner.
type Batch struct {
	Strategies          []string `mapstructure:"strategies"`
	MaxTokensQueryV1    int      `mapstructure:"maxTokensQueryV1"`
	MaxTokensQueryV2    int      `mapstructure:"maxTokensQueryV2"`
	MaxTokensResults    int      `mapstructure:"maxTokensResults"`
	MaxRequestsPerBatch int      `mapstructure:"maxRequestsPerBatch"`
	MaxBytesPerBatch    int      `mapstructure:"maxBytesPerBatch"`
	SafetyBuffer        float64  `mapstructure:"safetyBuffer"`
	MaxTokensPerDay     int      `mapstructure:"maxTokensPerDay"`
	CompletionWindow    string   `mapstructure:"completionWindow"`
}

// EffectiveMaxBytes is the byte cap actually enforced per chunk:
// floor(maxBytesPerBatch × safetyBuffer).
func (b Batch) EffectiveMaxBytes() int {
	return int(float64(b.MaxBytesPerBatch) * b.SafetyBuffer)
}

// Cache holds per-cacheType TTLs in seconds.
type Cache struct {
	TTL map[string]int `mapstructure:"ttl"`
}

// TTLSeconds returns the TTL for cacheType, falling back to "default".
func (c Cache) TTLSeconds(cacheType string) int {
	if v, ok := c.TTL[cacheType]; ok {
		return v
	}
	return c.TTL["default"]
}

// SystemPrompts holds paths to the prompt files.
type SystemPrompts struct {
	QueryV1 string `mapstructure:"queryV1"`
	QueryV2 string `mapstructure:"queryV2"`
	Results string `mapstructure:"results"`
}

// Config is the full validated pipeline configuration.
type Config struct {
	Models        Models        `mapstructure:"models"`
	Reasoning     Reasoning     `mapstructure:"reasoning"`
	Batch         Batch         `mapstructure:"batch"`
	Cache         Cache         `mapstructure:"cache"`
	SystemPrompts SystemPrompts `mapstructure:"systemPrompts"`
}

// defaults applied before reading the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("models.queryV1", "gpt-4o-mini")
	v.SetDefault("models.queryV2", "gpt-4o-mini")
	v.SetDefault("models.results", "gpt-4o")
	v.SetDefault("reasoning.queryV1", "low")
	v.SetDefault("reasoning.queryV2", "low")
	v.SetDefault("reasoning.results", "medium")
	v.SetDefault("batch.strategies", []string{string(types.StrategyLinkedAtRegistration), string(types.StrategyPubmedNaive)})
	v.SetDefault("batch.maxTokensQueryV1", 2000)
	v.SetDefault("batch.maxTokensQueryV2", 3000)
	v.SetDefault("batch.maxTokensResults", 1000)
	v.SetDefault("batch.maxRequestsPerBatch", 50000)
	v.SetDefault("batch.maxBytesPerBatch", 200*1024*1024)
	v.SetDefault("batch.safetyBuffer", 0.9)
	v.SetDefault("batch.maxTokensPerDay", 10_000_000)
	v.SetDefault("batch.completionWindow", "24h")
	v.SetDefault("cache.ttl.default", 7*24*3600)
	v.SetDefault("cache.ttl.pubmed_naive", 7*24*3600)
	v.SetDefault("cache.ttl.linked_at_registration", 30*24*3600)
	v.SetDefault("cache.ttl.gpt_queries", 90*24*3600)
}

// Load reads path (optional; "" uses defaults and env only), applies
// PUBLINK_* env overrides, and validates the result.
//
// Expectations:
//   - Returns defaults when path is ""
//   - Environment variables PUBLINK_<SECTION>_<KEY> override file values
//   - Returns an error for an unreadable or malformed file
//   - Always validates before returning
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PUBLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every constraint the rest of the pipeline assumes.
//
// Expectations:
//   - Rejects safetyBuffer outside (0, 1]
//   - Rejects non-positive maxRequestsPerBatch / maxBytesPerBatch / maxTokensPerDay
//   - Rejects unknown strategy identifiers
//   - Rejects unknown reasoning efforts
func (c *Config) Validate() error {
	if c.Batch.SafetyBuffer <= 0 || c.Batch.SafetyBuffer > 1 {
		return fmt.Errorf("config: batch.safetyBuffer must be in (0, 1], got %g", c.Batch.SafetyBuffer)
	}
	if c.Batch.MaxRequestsPerBatch <= 0 {
		return fmt.Errorf("config: batch.maxRequestsPerBatch must be positive, got %d", c.Batch.MaxRequestsPerBatch)
	}
	if c.Batch.MaxBytesPerBatch <= 0 {
		return fmt.Errorf("config: batch.maxBytesPerBatch must be positive, got %d", c.Batch.MaxBytesPerBatch)
	}
	if c.Batch.MaxTokensPerDay <= 0 {
		return fmt.Errorf("config: batch.maxTokensPerDay must be positive, got %d", c.Batch.MaxTokensPerDay)
	}
	known := make(map[string]bool, len(types.AllStrategies))
	for _, s := range types.AllStrategies {
		known[string(s)] = true
	}
	for _, s := range c.Batch.Strategies {
		if !known[s] {
			return fmt.Errorf("config: unknown strategy %q in batch.strategies", s)
		}
	}
	for name, effort := range map[string]string{
		"reasoning.queryV1": c.Reasoning.QueryV1,
		"reasoning.queryV2": c.Reasoning.QueryV2,
		"reasoning.results": c.Reasoning.Results,
	} {
		if effort != "" && !validReasoning[effort] {
			return fmt.Errorf("config: %s must be one of minimal|low|medium|high, got %q", name, effort)
		}
	}
	return nil
}

// EnabledStrategies converts the configured strategy names to StrategyIDs.
func (c *Config) EnabledStrategies() []types.StrategyID {
	out := make([]types.StrategyID, 0, len(c.Batch.Strategies))
	for _, s := range c.Batch.Strategies {
		out = append(out, types.StrategyID(s))
	}
	return out
}
