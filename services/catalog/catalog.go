package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
)

// Catalog holds the model descriptors the router and accountant consult.
// The request path only reads; Reload swaps the whole table under the lock,
// so a reload never tears a request between two catalog versions.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]models.ModelDescriptor
	path    string
	version int64
	logger  *zap.Logger
}

// catalogFile is the TOML shape. Enabled is a pointer so an omitted field
// means enabled rather than disabled.
type catalogFile struct {
	Models []modelRow `toml:"models"`
}

type modelRow struct {
	ID               string             `toml:"id"`
	Provider         string             `toml:"provider"`
	InputCostPer1K   float64            `toml:"input_cost_per_1k"`
	OutputCostPer1K  float64            `toml:"output_cost_per_1k"`
	MaxContextTokens int                `toml:"max_context_tokens"`
	Capabilities     []string           `toml:"capabilities"`
	QualityTier      models.QualityTier `toml:"quality_tier"`
	Enabled          *bool              `toml:"enabled"`
}

// New creates a catalog. With an empty path the compiled-in defaults are
// used; otherwise the file must parse or startup fails.
func New(path string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{
		path:   path,
		logger: logger,
	}

	if path == "" {
		c.models = defaultModels()
		c.version = 1
		logger.Info("model catalog loaded from defaults",
			zap.Int("models", len(c.models)))
		return c, nil
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file and swaps the table. Callers keep seeing
// the previous version until the new one has fully parsed and validated.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no file path to reload from")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(file.Models) == 0 {
		return fmt.Errorf("catalog file %s defines no models", c.path)
	}

	table := make(map[string]models.ModelDescriptor, len(file.Models))
	for _, row := range file.Models {
		if row.ID == "" || row.Provider == "" {
			return fmt.Errorf("catalog entry missing id or provider")
		}
		if row.InputCostPer1K < 0 || row.OutputCostPer1K < 0 {
			return fmt.Errorf("catalog model %s has negative costs", row.ID)
		}
		if _, dup := table[row.ID]; dup {
			return fmt.Errorf("catalog model %s defined twice", row.ID)
		}

		enabled := true
		if row.Enabled != nil {
			enabled = *row.Enabled
		}
		tier := row.QualityTier
		if tier == "" {
			tier = models.TierStandard
		}
		table[row.ID] = models.ModelDescriptor{
			ID:               row.ID,
			Provider:         row.Provider,
			InputCostPer1K:   row.InputCostPer1K,
			OutputCostPer1K:  row.OutputCostPer1K,
			MaxContextTokens: row.MaxContextTokens,
			Capabilities:     row.Capabilities,
			QualityTier:      tier,
			Enabled:          enabled,
		}
	}

	c.mu.Lock()
	c.models = table
	c.version++
	version := c.version
	c.mu.Unlock()

	c.logger.Info("model catalog reloaded",
		zap.String("path", c.path),
		zap.Int("models", len(table)),
		zap.Int64("version", version))
	return nil
}

// Get returns the descriptor for a model ID.
func (c *Catalog) Get(id string) (models.ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// All returns every enabled descriptor, sorted by ID for determinism.
func (c *Catalog) All() []models.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForProvider returns the enabled descriptors served by one provider.
func (c *Catalog) ForProvider(provider string) []models.ModelDescriptor {
	var out []models.ModelDescriptor
	for _, m := range c.All() {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Version returns the reload counter, for the health surface.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// defaultModels is the compiled-in rate card used when no catalog file is
// configured. Prices are USD per 1K tokens.
func defaultModels() map[string]models.ModelDescriptor {
	defaults := []models.ModelDescriptor{
		{
			ID:               "gpt-4o",
			Provider:         "openai",
			InputCostPer1K:   0.005,
			OutputCostPer1K:  0.015,
			MaxContextTokens: 128000,
			Capabilities:     []string{"general", "summarize", "creative", "extract"},
			QualityTier:      models.TierPremium,
			Enabled:          true,
		},
		{
			ID:               "gpt-4o-mini",
			Provider:         "openai",
			InputCostPer1K:   0.00015,
			OutputCostPer1K:  0.0006,
			MaxContextTokens: 128000,
			Capabilities:     []string{"general", "summarize", "classify", "extract"},
			QualityTier:      models.TierEconomy,
			Enabled:          true,
		},
		{
			ID:               "claude-3-5-sonnet",
			Provider:         "anthropic",
			InputCostPer1K:   0.003,
			OutputCostPer1K:  0.015,
			MaxContextTokens: 200000,
			Capabilities:     []string{"general", "summarize", "creative", "extract"},
			QualityTier:      models.TierPremium,
			Enabled:          true,
		},
		{
			ID:               "claude-3-5-haiku",
			Provider:         "anthropic",
			InputCostPer1K:   0.0008,
			OutputCostPer1K:  0.004,
			MaxContextTokens: 200000,
			Capabilities:     []string{"general", "summarize", "classify", "extract"},
			QualityTier:      models.TierEconomy,
			Enabled:          true,
		},
	}

	table := make(map[string]models.ModelDescriptor, len(defaults))
	for _, m := range defaults {
		table[m.ID] = m
	}
	return table
}
