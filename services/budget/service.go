package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
)

// Period identifies a budget accounting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

const (
	dailyKeyFormat   = "2006-01-02"
	monthlyKeyFormat = "2006-01"
)

// AdmissionResult is the outcome of a pre-call budget check.
type AdmissionResult struct {
	Allowed        bool
	Warning        bool
	ViolatedPeriod Period
	Reason         string
	DailySpend     float64
	DailyLimit     float64
	MonthlySpend   float64
	MonthlyLimit   float64
}

// ledger holds one tenant's running totals. Periods roll in place: when a
// key no longer matches the clock the counters reset. All field access
// happens under mu, so increments for one tenant are totally ordered.
type ledger struct {
	mu              sync.Mutex
	dailyKey        string
	dailySpend      float64
	dailyRequests   int
	monthlyKey      string
	monthlySpend    float64
	monthlyRequests int
	touchedAt       time.Time
}

// roll resets any period whose key no longer matches now. Caller holds mu.
func (l *ledger) roll(now time.Time) {
	if dk := now.Format(dailyKeyFormat); dk != l.dailyKey {
		l.dailyKey = dk
		l.dailySpend = 0
		l.dailyRequests = 0
	}
	if mk := now.Format(monthlyKeyFormat); mk != l.monthlyKey {
		l.monthlyKey = mk
		l.monthlySpend = 0
		l.monthlyRequests = 0
	}
	l.touchedAt = now
}

// Service is the budget guard and cost accountant: it answers admission
// checks against per-tenant daily and monthly limits and reconciles actual
// spend after each paid attempt. State is in-memory and process-scoped;
// restarts start the current periods from zero.
type Service struct {
	mu        sync.RWMutex
	ledgers   map[string]*ledger
	warnRatio float64
	logger    *zap.Logger
	clock     func() time.Time
}

func NewService(cfg config.BudgetConfig, logger *zap.Logger) *Service {
	return &Service{
		ledgers:   make(map[string]*ledger),
		warnRatio: cfg.WarnRatio,
		logger:    logger,
		clock:     time.Now,
	}
}

func (s *Service) forTenant(tenantID string) *ledger {
	s.mu.RLock()
	l, ok := s.ledgers[tenantID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[tenantID]; ok {
		return l
	}
	l = &ledger{}
	s.ledgers[tenantID] = l
	return l
}

// CheckAdmission compares current spend plus the conservative estimate
// against the tenant's limits. A limit of zero means unlimited. The check
// never mutates the ledger: denied requests leave spend exactly as it was.
func (s *Service) CheckAdmission(tenant *models.TenantConfig, estimatedCost float64) *AdmissionResult {
	l := s.forTenant(tenant.TenantID)
	now := s.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(now)

	res := &AdmissionResult{
		Allowed:      true,
		DailySpend:   l.dailySpend,
		DailyLimit:   tenant.DailyBudgetUSD,
		MonthlySpend: l.monthlySpend,
		MonthlyLimit: tenant.MonthlyBudgetUSD,
	}

	if tenant.DailyBudgetUSD > 0 && l.dailySpend+estimatedCost > tenant.DailyBudgetUSD {
		res.Allowed = false
		res.ViolatedPeriod = PeriodDaily
		res.Reason = fmt.Sprintf("would exceed daily budget of $%.2f (current: $%.4f, estimated: $%.4f)",
			tenant.DailyBudgetUSD, l.dailySpend, estimatedCost)
		return res
	}

	if tenant.MonthlyBudgetUSD > 0 && l.monthlySpend+estimatedCost > tenant.MonthlyBudgetUSD {
		res.Allowed = false
		res.ViolatedPeriod = PeriodMonthly
		res.Reason = fmt.Sprintf("would exceed monthly budget of $%.2f (current: $%.4f, estimated: $%.4f)",
			tenant.MonthlyBudgetUSD, l.monthlySpend, estimatedCost)
		return res
	}

	if s.warnRatio > 0 {
		switch {
		case tenant.DailyBudgetUSD > 0 && l.dailySpend+estimatedCost >= s.warnRatio*tenant.DailyBudgetUSD:
			res.Warning = true
		case tenant.MonthlyBudgetUSD > 0 && l.monthlySpend+estimatedCost >= s.warnRatio*tenant.MonthlyBudgetUSD:
			res.Warning = true
		}
	}
	if res.Warning {
		s.logger.Warn("tenant approaching budget limit",
			zap.String("tenant_id", tenant.TenantID),
			zap.Float64("daily_spend_usd", l.dailySpend),
			zap.Float64("daily_limit_usd", tenant.DailyBudgetUSD),
			zap.Float64("monthly_spend_usd", l.monthlySpend),
			zap.Float64("monthly_limit_usd", tenant.MonthlyBudgetUSD))
	}
	return res
}

// Reconcile computes the exact cost of real usage at the model's rate card
// and adds it to both period ledgers. Returns the cost charged.
func (s *Service) Reconcile(tenantID string, usage models.TokenUsage, model *models.ModelDescriptor) float64 {
	cost := model.CostFor(usage)
	l := s.forTenant(tenantID)
	now := s.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(now)

	l.dailySpend += cost
	l.dailyRequests++
	l.monthlySpend += cost
	l.monthlyRequests++
	return cost
}

// Status is the per-tenant budget view for the admin surface. Remaining is
// -1 when the corresponding limit is unlimited.
type Status struct {
	TenantID         string  `json:"tenant_id"`
	Day              string  `json:"day"`
	DailySpend       float64 `json:"daily_spend_usd"`
	DailyLimit       float64 `json:"daily_limit_usd"`
	DailyRemaining   float64 `json:"daily_remaining_usd"`
	DailyRequests    int     `json:"daily_requests"`
	Month            string  `json:"month"`
	MonthlySpend     float64 `json:"monthly_spend_usd"`
	MonthlyLimit     float64 `json:"monthly_limit_usd"`
	MonthlyRemaining float64 `json:"monthly_remaining_usd"`
	MonthlyRequests  int     `json:"monthly_requests"`
}

func (s *Service) Status(tenant *models.TenantConfig) *Status {
	l := s.forTenant(tenant.TenantID)
	now := s.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(now)

	return &Status{
		TenantID:         tenant.TenantID,
		Day:              l.dailyKey,
		DailySpend:       l.dailySpend,
		DailyLimit:       tenant.DailyBudgetUSD,
		DailyRemaining:   remaining(tenant.DailyBudgetUSD, l.dailySpend),
		DailyRequests:    l.dailyRequests,
		Month:            l.monthlyKey,
		MonthlySpend:     l.monthlySpend,
		MonthlyLimit:     tenant.MonthlyBudgetUSD,
		MonthlyRemaining: remaining(tenant.MonthlyBudgetUSD, l.monthlySpend),
		MonthlyRequests:  l.monthlyRequests,
	}
}

func remaining(limit, spend float64) float64 {
	if limit <= 0 {
		return -1
	}
	if r := limit - spend; r > 0 {
		return r
	}
	return 0
}

// CleanupStale drops ledgers that have not been touched within the
// retention window so tenants that stopped sending traffic do not pin
// memory forever.
func (s *Service) CleanupStale(retention time.Duration) int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, l := range s.ledgers {
		l.mu.Lock()
		stale := now.Sub(l.touchedAt) > retention
		l.mu.Unlock()
		if stale {
			delete(s.ledgers, id)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes stale ledgers until ctx is done.
func (s *Service) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started budget cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupStale(retention); n > 0 {
				s.logger.Info("dropped stale budget ledgers", zap.Int("count", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping budget cleanup worker")
			return
		}
	}
}
