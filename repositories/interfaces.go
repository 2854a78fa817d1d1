package repositories

import (
	"context"
	"time"

	"github.com/wanderplan/llm-gateway/models"
)

// UsageLogRepository persists usage entries and serves the analytics
// rollups. The gateway only ever appends; entries are immutable.
type UsageLogRepository interface {
	// Insert appends one usage entry.
	Insert(ctx context.Context, entry *models.UsageLogEntry) error

	// Summaries returns per-tenant, per-day rollups at or after since,
	// newest day first. Empty tenantID means all tenants.
	Summaries(ctx context.Context, tenantID string, since time.Time) ([]models.UsageSummary, error)

	// Recent returns the newest entries for a tenant, newest first.
	Recent(ctx context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error)
}
