package routing

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services"
	"github.com/wanderplan/llm-gateway/services/breaker"
)

// Candidate is one (provider, model) pair the fallback loop may attempt.
// The descriptor rides along so the pipeline can price the attempt without
// a second catalog lookup.
type Candidate struct {
	Provider   string
	Model      string
	Descriptor models.ModelDescriptor
}

// Config tunes candidate ordering.
type Config struct {
	// DefaultMaxTokens is assumed for cost ordering when the request does
	// not cap its output.
	DefaultMaxTokens int
}

// Router turns a request plus tenant policy plus live provider health into
// an ordered candidate list. It holds no per-request state; the success
// tracker is the only thing it accumulates across requests.
type Router struct {
	catalog CatalogSource
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	record map[string]*outcomeStats
}

// CatalogSource is the slice of the model catalog the router needs.
type CatalogSource interface {
	Get(id string) (models.ModelDescriptor, bool)
	All() []models.ModelDescriptor
}

// outcomeStats tracks historical success per model for tie-breaking.
type outcomeStats struct {
	attempts  int64
	successes int64
}

func (s *outcomeStats) rate() float64 {
	if s == nil || s.attempts == 0 {
		// Unseen models rank as perfectly healthy so new catalog entries
		// are not starved by models with history.
		return 1.0
	}
	return float64(s.successes) / float64(s.attempts)
}

func NewRouter(catalog CatalogSource, cfg Config, logger *zap.Logger) *Router {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 512
	}
	return &Router{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		record:  make(map[string]*outcomeStats),
	}
}

// SelectCandidates produces the ordered candidate list for one request.
// The list is computed once up front and the fallback loop walks it in
// order. It is never empty: an empty result means the tenant or catalog is
// misconfigured and surfaces as a ConfigurationError.
//
// Ordering: the preferred model first when the tenant may use it and the
// request does not avoid it, then every other allowed model by breaker
// health (closed and half-open before open), task capability match,
// quality tier, ascending estimated cost, descending historical success
// rate, and finally model ID so equal candidates order deterministically.
// Open-breaker providers sort last rather than being dropped, keeping a
// half-open probe reachable when everything else is exhausted.
func (r *Router) SelectCandidates(req *models.LLMRequest, tenant *models.TenantConfig, health map[string]breaker.State) ([]Candidate, error) {
	allowed := r.allowedModels(req, tenant)
	if len(allowed) == 0 {
		return nil, services.NewConfigurationError(
			fmt.Sprintf("no viable model for tenant %s: check allowed_providers, allowed_models and the catalog", tenant.TenantID)).
			WithDetail("tenant_id", tenant.TenantID).
			WithDetail("task_type", string(req.TaskType))
	}

	var preferred *models.ModelDescriptor
	rest := make([]models.ModelDescriptor, 0, len(allowed))
	for i := range allowed {
		if allowed[i].ID == req.PreferredModel && preferred == nil {
			preferred = &allowed[i]
			continue
		}
		rest = append(rest, allowed[i])
	}

	inputTokens := req.EstimatePromptTokens()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.DefaultMaxTokens
	}

	r.mu.Lock()
	rates := make(map[string]float64, len(rest))
	for _, m := range rest {
		rates[m.ID] = r.record[m.ID].rate()
	}
	r.mu.Unlock()

	sort.SliceStable(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]

		ha, hb := healthRank(health[a.Provider]), healthRank(health[b.Provider])
		if ha != hb {
			return ha < hb
		}

		ta, tb := taskRank(&a, req.TaskType), taskRank(&b, req.TaskType)
		if ta != tb {
			return ta < tb
		}

		if a.QualityTier.Rank() != b.QualityTier.Rank() {
			return a.QualityTier.Rank() > b.QualityTier.Rank()
		}

		ca := a.EstimateCost(inputTokens, maxTokens)
		cb := b.EstimateCost(inputTokens, maxTokens)
		if ca != cb {
			return ca < cb
		}

		if rates[a.ID] != rates[b.ID] {
			return rates[a.ID] > rates[b.ID]
		}

		return a.ID < b.ID
	})

	candidates := make([]Candidate, 0, len(rest)+1)
	if preferred != nil {
		candidates = append(candidates, Candidate{
			Provider:   preferred.Provider,
			Model:      preferred.ID,
			Descriptor: *preferred,
		})
	}
	for _, m := range rest {
		candidates = append(candidates, Candidate{
			Provider:   m.Provider,
			Model:      m.ID,
			Descriptor: m,
		})
	}

	r.logger.Debug("candidates selected",
		zap.String("request_id", req.RequestID),
		zap.String("tenant_id", tenant.TenantID),
		zap.Int("count", len(candidates)),
		zap.String("first", candidates[0].Model))

	return candidates, nil
}

// CheapestAllowed returns the cheapest model the tenant may use, the basis
// for the conservative pre-call cost estimate in budget admission.
func (r *Router) CheapestAllowed(req *models.LLMRequest, tenant *models.TenantConfig) (*models.ModelDescriptor, error) {
	allowed := r.allowedModels(req, tenant)
	if len(allowed) == 0 {
		return nil, services.NewConfigurationError(
			fmt.Sprintf("no viable model for tenant %s", tenant.TenantID))
	}

	inputTokens := req.EstimatePromptTokens()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.DefaultMaxTokens
	}

	best := allowed[0]
	bestCost := best.EstimateCost(inputTokens, maxTokens)
	for _, m := range allowed[1:] {
		if c := m.EstimateCost(inputTokens, maxTokens); c < bestCost || (c == bestCost && m.ID < best.ID) {
			best = m
			bestCost = c
		}
	}
	return &best, nil
}

// RecordOutcome feeds the success-rate ordering with one attempt result.
func (r *Router) RecordOutcome(model string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.record[model]
	if !ok {
		s = &outcomeStats{}
		r.record[model] = s
	}
	s.attempts++
	if success {
		s.successes++
	}
}

// allowedModels filters the catalog down to what this request may use:
// enabled, provider and model on the tenant's allow-lists, and not on the
// request's avoid-list. The preferred model is exempt from the avoid-list
// check only in the sense that avoiding your own preference drops it like
// any other model.
func (r *Router) allowedModels(req *models.LLMRequest, tenant *models.TenantConfig) []models.ModelDescriptor {
	all := r.catalog.All()
	out := make([]models.ModelDescriptor, 0, len(all))
	for _, m := range all {
		if !m.Enabled {
			continue
		}
		if !tenant.AllowsProvider(m.Provider) {
			continue
		}
		if !tenant.AllowsModel(m.ID) {
			continue
		}
		if req.Avoids(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func healthRank(s breaker.State) int {
	switch s {
	case breaker.StateOpen:
		return 1
	default:
		// Closed, half-open and never-seen providers are all attemptable.
		return 0
	}
}

func taskRank(m *models.ModelDescriptor, task models.TaskType) int {
	if m.SupportsTask(task) {
		return 0
	}
	return 1
}
