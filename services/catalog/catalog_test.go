package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
)

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNew_Defaults(t *testing.T) {
	c, err := New("", zap.NewNop())
	require.NoError(t, err)

	all := c.All()
	assert.NotEmpty(t, all)
	assert.Equal(t, int64(1), c.Version())

	m, ok := c.Get("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "openai", m.Provider)
	assert.Equal(t, models.TierEconomy, m.QualityTier)
	assert.True(t, m.Enabled)
}

func TestNew_FromFile(t *testing.T) {
	path := writeCatalogFile(t, `
[[models]]
id = "gpt-4o"
provider = "openai"
input_cost_per_1k = 0.005
output_cost_per_1k = 0.015
max_context_tokens = 128000
capabilities = ["general", "summarize"]
quality_tier = "premium"

[[models]]
id = "claude-3-5-haiku"
provider = "anthropic"
input_cost_per_1k = 0.0008
output_cost_per_1k = 0.004
max_context_tokens = 200000
quality_tier = "economy"
enabled = false
`)

	c, err := New(path, zap.NewNop())
	require.NoError(t, err)

	// Omitted enabled flag means enabled.
	m, ok := c.Get("gpt-4o")
	require.True(t, ok)
	assert.True(t, m.Enabled)
	assert.Equal(t, 0.005, m.InputCostPer1K)

	// Disabled entries stay addressable but are filtered from All.
	disabled, ok := c.Get("claude-3-5-haiku")
	require.True(t, ok)
	assert.False(t, disabled.Enabled)

	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "gpt-4o", all[0].ID)
}

func TestNew_FileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty catalog", `# no models`},
		{"missing id", "[[models]]\nprovider = \"openai\""},
		{"negative cost", "[[models]]\nid = \"m\"\nprovider = \"openai\"\ninput_cost_per_1k = -1.0"},
		{"duplicate id", "[[models]]\nid = \"m\"\nprovider = \"openai\"\n\n[[models]]\nid = \"m\"\nprovider = \"anthropic\""},
		{"invalid toml", `[[models`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeCatalogFile(t, tt.content)
			_, err := New(path, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestNew_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.toml"), zap.NewNop())
	assert.Error(t, err)
}

func TestCatalog_Reload(t *testing.T) {
	path := writeCatalogFile(t, `
[[models]]
id = "gpt-4o"
provider = "openai"
input_cost_per_1k = 0.005
output_cost_per_1k = 0.015
`)

	c, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Version())

	// Swap in a new rate card.
	require.NoError(t, os.WriteFile(path, []byte(`
[[models]]
id = "gpt-4o"
provider = "openai"
input_cost_per_1k = 0.0025
output_cost_per_1k = 0.010

[[models]]
id = "gpt-4o-mini"
provider = "openai"
input_cost_per_1k = 0.00015
output_cost_per_1k = 0.0006
`), 0o644))

	require.NoError(t, c.Reload())

	assert.Equal(t, int64(2), c.Version())
	m, ok := c.Get("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 0.0025, m.InputCostPer1K)
	assert.Len(t, c.All(), 2)
}

func TestCatalog_ReloadKeepsOldTableOnError(t *testing.T) {
	path := writeCatalogFile(t, `
[[models]]
id = "gpt-4o"
provider = "openai"
input_cost_per_1k = 0.005
output_cost_per_1k = 0.015
`)

	c, err := New(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`broken [[`), 0o644))

	assert.Error(t, c.Reload())

	// The previous table survives a failed reload.
	_, ok := c.Get("gpt-4o")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Version())
}

func TestCatalog_ForProvider(t *testing.T) {
	c, err := New("", zap.NewNop())
	require.NoError(t, err)

	openai := c.ForProvider("openai")
	require.NotEmpty(t, openai)
	for _, m := range openai {
		assert.Equal(t, "openai", m.Provider)
	}
}

func TestDefaultReloadWithoutPath(t *testing.T) {
	c, err := New("", zap.NewNop())
	require.NoError(t, err)

	assert.Error(t, c.Reload())
}
