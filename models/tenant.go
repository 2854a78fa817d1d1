package models

// TenantConfig is the per-tenant policy the host application provisions:
// which providers and models the tenant may use, how much it may spend, and
// how fast it may call. The gateway treats it as read-only configuration.
type TenantConfig struct {
	TenantID string `json:"tenant_id" toml:"tenant_id"`
	Name     string `json:"name" toml:"name"`

	// Allow-lists. An empty AllowedModels list means every enabled catalog
	// model whose provider is allowed.
	AllowedProviders []string `json:"allowed_providers" toml:"allowed_providers"`
	AllowedModels    []string `json:"allowed_models" toml:"allowed_models"`

	// Budget limits in USD. Zero disables the corresponding check.
	DailyBudgetUSD   float64 `json:"daily_budget_usd" toml:"daily_budget_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd" toml:"monthly_budget_usd"`

	// Request throughput cap. Zero disables rate limiting.
	RateLimitPerMinute int `json:"rate_limit_per_minute" toml:"rate_limit_per_minute"`

	PriorityTier string `json:"priority_tier" toml:"priority_tier"`
	CacheEnabled bool   `json:"cache_enabled" toml:"cache_enabled"`
}

// AllowsProvider reports whether the tenant may call the given provider.
// An empty allow-list permits every provider.
func (t *TenantConfig) AllowsProvider(provider string) bool {
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, p := range t.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the tenant may use the given model.
// An empty allow-list permits every model (provider checks still apply).
func (t *TenantConfig) AllowsModel(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
