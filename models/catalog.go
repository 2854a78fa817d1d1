package models

// QualityTier groups models by capability class for routing decisions.
type QualityTier string

const (
	TierPremium  QualityTier = "premium"
	TierStandard QualityTier = "standard"
	TierEconomy  QualityTier = "economy"
)

// Rank orders tiers for comparison; higher is better.
func (q QualityTier) Rank() int {
	switch q {
	case TierPremium:
		return 3
	case TierStandard:
		return 2
	case TierEconomy:
		return 1
	}
	return 0
}

// ModelDescriptor describes one model in the catalog: who serves it, what
// it costs, and what it is good at. Loaded at startup and hot-reloadable;
// never mutated by the request path.
type ModelDescriptor struct {
	ID       string `json:"id" toml:"id"`
	Provider string `json:"provider" toml:"provider"`

	// Rate card, USD per 1K tokens.
	InputCostPer1K  float64 `json:"input_cost_per_1k" toml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" toml:"output_cost_per_1k"`

	MaxContextTokens int         `json:"max_context_tokens" toml:"max_context_tokens"`
	Capabilities     []string    `json:"capabilities" toml:"capabilities"`
	QualityTier      QualityTier `json:"quality_tier" toml:"quality_tier"`
	Enabled          bool        `json:"enabled" toml:"enabled"`
}

// CostFor computes the exact USD cost of the given usage under this
// model's rate card.
func (m *ModelDescriptor) CostFor(usage TokenUsage) float64 {
	in := float64(usage.InputTokens) / 1000.0 * m.InputCostPer1K
	out := float64(usage.OutputTokens) / 1000.0 * m.OutputCostPer1K
	return in + out
}

// EstimateCost approximates the cost of a call from an input token estimate
// and a worst-case output allowance.
func (m *ModelDescriptor) EstimateCost(inputTokens, maxOutputTokens int) float64 {
	return m.CostFor(TokenUsage{InputTokens: inputTokens, OutputTokens: maxOutputTokens})
}

// SupportsTask reports whether the model advertises a capability matching
// the task type. An empty capability list is treated as general-purpose.
func (m *ModelDescriptor) SupportsTask(task TaskType) bool {
	if len(m.Capabilities) == 0 {
		return true
	}
	for _, c := range m.Capabilities {
		if c == string(task) {
			return true
		}
	}
	return false
}
