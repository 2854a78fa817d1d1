package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/repositories"
)

// UsageLogRepository implements repositories.UsageLogRepository
type UsageLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageLogRepository creates a new usage log repository
func NewUsageLogRepository(db *DB, logger *zap.Logger) repositories.UsageLogRepository {
	return &UsageLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends one usage entry.
func (r *UsageLogRepository) Insert(ctx context.Context, entry *models.UsageLogEntry) error {
	query := `
		INSERT INTO usage_log (
			id, request_id, tenant_id, user_id, provider, model, task_type,
			status, error_code, input_tokens, output_tokens, cost_usd,
			latency_ms, fallback_used, attempt_number, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.TenantID,
		entry.UserID,
		entry.Provider,
		entry.Model,
		entry.TaskType,
		entry.Status,
		entry.ErrorCode,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.LatencyMS,
		entry.FallbackUsed,
		entry.AttemptNumber,
		entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}

	r.logger.Debug("usage entry inserted",
		zap.String("id", entry.ID.String()),
		zap.String("status", string(entry.Status)))
	return nil
}

// Summaries returns per-tenant, per-day rollups at or after since, newest
// day first. Empty tenantID means all tenants.
func (r *UsageLogRepository) Summaries(ctx context.Context, tenantID string, since time.Time) ([]models.UsageSummary, error) {
	query := `
		SELECT tenant_id,
		       to_char(created_at, 'YYYY-MM-DD') AS day,
		       COUNT(*) AS entries,
		       COUNT(*) FILTER (WHERE status = 'success') AS successes,
		       COUNT(*) FILTER (WHERE status = 'failure') AS failures,
		       COUNT(*) FILTER (WHERE status = 'cache_hit') AS cache_hits,
		       COUNT(*) FILTER (WHERE status = 'coalesced') AS coalesced,
		       COUNT(*) FILTER (WHERE status = 'rejected') AS rejected,
		       COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cost_usd), 0) AS cost_usd,
		       COALESCE(AVG(latency_ms) FILTER (WHERE status = 'success'), 0) AS avg_latency_ms
		FROM usage_log
		WHERE created_at >= $1
		  AND ($2 = '' OR tenant_id = $2)
		GROUP BY tenant_id, day
		ORDER BY day DESC, tenant_id
	`

	rows, err := r.db.QueryContext(ctx, query, since, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(
			&s.TenantID,
			&s.Day,
			&s.Entries,
			&s.Successes,
			&s.Failures,
			&s.CacheHits,
			&s.Coalesced,
			&s.Rejected,
			&s.InputTokens,
			&s.OutputTokens,
			&s.CostUSD,
			&s.AvgLatencyMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage summaries: %w", err)
	}

	return summaries, nil
}

// Recent returns the newest entries for a tenant, newest first.
func (r *UsageLogRepository) Recent(ctx context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error) {
	query := `
		SELECT id, request_id, tenant_id, user_id, provider, model, task_type,
		       status, error_code, input_tokens, output_tokens, cost_usd,
		       latency_ms, fallback_used, attempt_number, created_at
		FROM usage_log
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.UsageLogEntry
	for rows.Next() {
		entry := &models.UsageLogEntry{}
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.TenantID,
			&entry.UserID,
			&entry.Provider,
			&entry.Model,
			&entry.TaskType,
			&entry.Status,
			&entry.ErrorCode,
			&entry.InputTokens,
			&entry.OutputTokens,
			&entry.CostUSD,
			&entry.LatencyMS,
			&entry.FallbackUsed,
			&entry.AttemptNumber,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage entries: %w", err)
	}

	return entries, nil
}
