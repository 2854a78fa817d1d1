package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
)

// ErrTenantNotFound is returned when no configuration exists for a tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// Store resolves tenant configuration. The host application owns tenant
// provisioning; the gateway only ever reads.
type Store interface {
	Get(ctx context.Context, tenantID string) (*models.TenantConfig, error)
	List(ctx context.Context) ([]*models.TenantConfig, error)
}

// FileStore serves tenant configs from a TOML file, or from a single
// permissive development tenant when no file is configured.
type FileStore struct {
	mu      sync.RWMutex
	tenants map[string]models.TenantConfig
	path    string
	logger  *zap.Logger
}

type tenantsFile struct {
	Tenants []models.TenantConfig `toml:"tenants"`
}

// NewFileStore creates the store. An empty path yields the built-in
// development tenant set.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger,
	}

	if path == "" {
		s.tenants = defaultTenants()
		logger.Info("tenant store loaded from defaults",
			zap.Int("tenants", len(s.tenants)))
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the tenant file, keeping the old table on failure.
func (s *FileStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("tenant store has no file path to reload from")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read tenants file: %w", err)
	}

	var file tenantsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse tenants file: %w", err)
	}
	if len(file.Tenants) == 0 {
		return fmt.Errorf("tenants file %s defines no tenants", s.path)
	}

	table := make(map[string]models.TenantConfig, len(file.Tenants))
	for _, tc := range file.Tenants {
		if tc.TenantID == "" {
			return fmt.Errorf("tenant entry missing tenant_id")
		}
		if tc.DailyBudgetUSD < 0 || tc.MonthlyBudgetUSD < 0 {
			return fmt.Errorf("tenant %s has negative budget limits", tc.TenantID)
		}
		if _, dup := table[tc.TenantID]; dup {
			return fmt.Errorf("tenant %s defined twice", tc.TenantID)
		}
		table[tc.TenantID] = tc
	}

	s.mu.Lock()
	s.tenants = table
	s.mu.Unlock()

	s.logger.Info("tenant store reloaded",
		zap.String("path", s.path),
		zap.Int("tenants", len(table)))
	return nil
}

// Get returns a copy of the tenant's configuration.
func (s *FileStore) Get(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return &tc, nil
}

// List returns all tenant configurations sorted by ID.
func (s *FileStore) List(_ context.Context) ([]*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TenantConfig, 0, len(s.tenants))
	for id := range s.tenants {
		tc := s.tenants[id]
		out = append(out, &tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// defaultTenants is the development fallback: one permissive tenant so the
// gateway is usable before any provisioning exists.
func defaultTenants() map[string]models.TenantConfig {
	dev := models.TenantConfig{
		TenantID:           "dev",
		Name:               "Development",
		DailyBudgetUSD:     25.0,
		MonthlyBudgetUSD:   250.0,
		RateLimitPerMinute: 120,
		PriorityTier:       "standard",
		CacheEnabled:       true,
	}
	return map[string]models.TenantConfig{dev.TenantID: dev}
}
