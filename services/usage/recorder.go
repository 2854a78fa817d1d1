package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/repositories"
)

// Recorder writes usage entries off the request path. Record never blocks:
// entries queue on a buffered channel and a small worker pool drains it
// into the sink; when the queue is full the entry is dropped and counted
// rather than stalling a completion.
type Recorder struct {
	sink    repositories.UsageLogRepository
	logger  *zap.Logger
	entries chan *models.UsageLogEntry
	workers int
	dropped atomic.Int64

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

func NewRecorder(sink repositories.UsageLogRepository, cfg config.UsageConfig, logger *zap.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		sink:    sink,
		logger:  logger,
		entries: make(chan *models.UsageLogEntry, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("usage recorder already started")
	}

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.started = true
	r.logger.Info("started usage recorder",
		zap.Int("workers", r.workers),
		zap.Int("queue_size", cap(r.entries)))
	return nil
}

// Stop closes the queue and waits for the workers to drain it, up to
// timeout. Entries still queued after the timeout are lost.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("usage recorder not started")
	}
	r.started = false
	// Closing under the mutex keeps Record from sending on a closed channel.
	close(r.entries)
	r.mu.Unlock()

	r.logger.Info("stopping usage recorder", zap.Int("pending", len(r.entries)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("usage recorder stopped")
		return nil
	case <-time.After(timeout):
		r.cancel()
		return fmt.Errorf("usage recorder stop timed out after %v", timeout)
	}
}

// Record queues one entry. Returns false when the entry was dropped, which
// callers may ignore: usage logging must never fail a request.
func (r *Recorder) Record(entry *models.UsageLogEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return false
	}

	// The send stays under the mutex so Stop cannot close the channel
	// between the started check and the send. It never blocks: the default
	// arm fires when the queue is full.
	select {
	case r.entries <- entry:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("usage queue full, dropping entry",
			zap.String("request_id", entry.RequestID),
			zap.String("tenant_id", entry.TenantID),
			zap.String("status", string(entry.Status)))
		return false
	}
}

// Summaries reads the per-tenant daily rollups straight from the sink.
func (r *Recorder) Summaries(ctx context.Context, tenantID string, since time.Time) ([]models.UsageSummary, error) {
	return r.sink.Summaries(ctx, tenantID, since)
}

// Recent reads the newest entries for a tenant straight from the sink.
func (r *Recorder) Recent(ctx context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error) {
	return r.sink.Recent(ctx, tenantID, limit)
}

// Stats describes the recorder's queue for the admin surface.
type Stats struct {
	QueueSize int   `json:"queue_size"`
	Pending   int   `json:"pending"`
	Workers   int   `json:"workers"`
	Dropped   int64 `json:"dropped"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		QueueSize: cap(r.entries),
		Pending:   len(r.entries),
		Workers:   r.workers,
		Dropped:   r.dropped.Load(),
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("usage worker started", zap.Int("worker_id", id))

	for entry := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.sink.Insert(ctx, entry)
		cancel()
		if err != nil {
			r.logger.Error("failed to persist usage entry",
				zap.Int("worker_id", id),
				zap.String("request_id", entry.RequestID),
				zap.Error(err))
		}
	}

	r.logger.Debug("usage worker stopped", zap.Int("worker_id", id))
}
