package tenants

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewFileStore_Defaults(t *testing.T) {
	s, err := NewFileStore("", zap.NewNop())
	require.NoError(t, err)

	tc, err := s.Get(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", tc.TenantID)
	assert.True(t, tc.CacheEnabled)
	assert.Greater(t, tc.DailyBudgetUSD, 0.0)
}

func TestNewFileStore_FromFile(t *testing.T) {
	path := writeTenantsFile(t, `
[[tenants]]
tenant_id = "acme"
name = "Acme Travel"
allowed_providers = ["openai"]
allowed_models = ["gpt-4o", "gpt-4o-mini"]
daily_budget_usd = 10.0
monthly_budget_usd = 100.0
rate_limit_per_minute = 60
priority_tier = "premium"
cache_enabled = true

[[tenants]]
tenant_id = "globex"
name = "Globex"
daily_budget_usd = 5.0
`)

	s, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)

	acme, err := s.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, acme.AllowedProviders)
	assert.Equal(t, 10.0, acme.DailyBudgetUSD)
	assert.True(t, acme.AllowsModel("gpt-4o"))
	assert.False(t, acme.AllowsModel("claude-3-5-haiku"))

	globex, err := s.Get(context.Background(), "globex")
	require.NoError(t, err)
	assert.True(t, globex.AllowsModel("anything"), "empty allow-list permits all models")
	assert.False(t, globex.CacheEnabled)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "acme", list[0].TenantID)
	assert.Equal(t, "globex", list[1].TenantID)
}

func TestFileStore_GetUnknownTenant(t *testing.T) {
	s, err := NewFileStore("", zap.NewNop())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestFileStore_GetReturnsCopy(t *testing.T) {
	s, err := NewFileStore("", zap.NewNop())
	require.NoError(t, err)

	first, err := s.Get(context.Background(), "dev")
	require.NoError(t, err)
	first.DailyBudgetUSD = 0

	second, err := s.Get(context.Background(), "dev")
	require.NoError(t, err)
	assert.Greater(t, second.DailyBudgetUSD, 0.0, "mutating a returned config must not affect the store")
}

func TestFileStore_FileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no tenants", `# empty`},
		{"missing id", "[[tenants]]\nname = \"Acme\""},
		{"negative budget", "[[tenants]]\ntenant_id = \"a\"\ndaily_budget_usd = -1.0"},
		{"duplicate id", "[[tenants]]\ntenant_id = \"a\"\n\n[[tenants]]\ntenant_id = \"a\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTenantsFile(t, tt.content)
			_, err := NewFileStore(path, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestFileStore_Reload(t *testing.T) {
	path := writeTenantsFile(t, `
[[tenants]]
tenant_id = "acme"
daily_budget_usd = 10.0
`)

	s, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
[[tenants]]
tenant_id = "acme"
daily_budget_usd = 20.0
`), 0o644))

	require.NoError(t, s.Reload())

	tc, err := s.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 20.0, tc.DailyBudgetUSD)
}
