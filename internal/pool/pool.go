// Package pool owns the set of remote workers: selection, quota, health and
// block bookkeeping.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/metrics"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

// Store persists worker documents.
type Store interface {
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	SaveWorker(ctx context.Context, w domain.Worker) error
	SaveWorkers(ctx context.Context, workers []domain.Worker) error
	DeleteWorker(ctx context.Context, id string) error
}

// HealthChecker probes a worker endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context, endpoint string) bool
}

// Options tune a Pool.
type Options struct {
	DefaultQuota int64
	Now          func() time.Time
}

// Pool is safe for concurrent use. Callers only ever receive copies of workers.
type Pool struct {
	mu      sync.Mutex
	workers []*domain.Worker // creation order
	cursor  int

	store      Store
	checker    HealthChecker
	classifier workerclient.Classifier
	logger     logger.Logger

	defaultQuota int64
	now          func() time.Time
	persistTO    time.Duration
}

// New creates an empty pool. Call Reload to load the stored workers.
func New(store Store, checker HealthChecker, classifier workerclient.Classifier, log logger.Logger, opts Options) *Pool {
	if opts.DefaultQuota <= 0 {
		opts.DefaultQuota = domain.DefaultDailyQuota
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if classifier == nil {
		classifier = workerclient.MustDefaultClassifier()
	}
	return &Pool{
		store:        store,
		checker:      checker,
		classifier:   classifier,
		logger:       log,
		defaultQuota: opts.DefaultQuota,
		now:          opts.Now,
		persistTO:    5 * time.Second,
	}
}

// Select rolls expired quotas, then returns the next eligible worker in
// round-robin order. ok is false when no worker is eligible.
func (p *Pool) Select(ctx context.Context) (w domain.Worker, ok bool) {
	p.mu.Lock()
	now := p.now()
	var rolled []domain.Worker
	eligible := make([]*domain.Worker, 0, len(p.workers))
	for _, cur := range p.workers {
		if cur.QuotaExpired(now) {
			cur.ResetQuota(now)
			rolled = append(rolled, *cur)
		}
		if cur.Eligible() {
			eligible = append(eligible, cur)
		}
	}
	if len(eligible) > 0 {
		w = *eligible[p.cursor%len(eligible)]
		p.cursor = (p.cursor + 1) % len(eligible)
		ok = true
	}
	p.mu.Unlock()

	p.persist(ctx, rolled...)
	return w, ok
}

// Available reports whether Select would currently return a worker.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, w := range p.workers {
		c := *w
		if c.QuotaExpired(now) {
			c.ResetQuota(now)
		}
		if c.Eligible() {
			return true
		}
	}
	return false
}

// RecordSuccess charges n URLs to the worker's daily usage.
func (p *Pool) RecordSuccess(ctx context.Context, id string, n int) {
	snap, ok := p.mutate(id, func(w *domain.Worker) {
		w.DailyUsage += int64(n)
		w.SuccessCount++
		w.LastError = ""
	})
	if ok {
		p.persist(ctx, snap)
	}
}

// RecordFailure counts a failed call and permanently disables the worker
// when the failure carries a block signature.
func (p *Pool) RecordFailure(ctx context.Context, id string, err error) workerclient.Verdict {
	verdict := p.classifier.Classify(err)
	snap, ok := p.mutate(id, func(w *domain.Worker) {
		w.ErrorCount++
		if err != nil {
			w.LastError = err.Error()
		}
		if verdict.Blocked {
			w.PermanentlyDisabled = true
			w.DisabledReason = verdict.Reason
			w.Healthy = false
		}
	})
	if !ok {
		return verdict
	}

	if verdict.Blocked {
		metrics.WorkerBlocksTotal.Inc()
		p.logger.Warn("worker blocked, permanently disabled",
			logger.String("worker_id", id),
			logger.String("url", snap.URL),
			logger.String("reason", verdict.Reason))
	}
	p.persist(ctx, snap)
	return verdict
}

// AddWorker registers a new worker. A zero quota means the default quota.
func (p *Pool) AddWorker(ctx context.Context, endpoint string, quota int64) (domain.Worker, error) {
	endpoint, err := workerclient.ValidateEndpoint(endpoint)
	if err != nil {
		return domain.Worker{}, err
	}
	if quota < 0 {
		return domain.Worker{}, domain.ErrInvalidQuota
	}
	if quota == 0 {
		quota = p.defaultQuota
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findByURL(endpoint) != nil {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerExists, endpoint)
	}

	now := p.now()
	w := &domain.Worker{
		ID:           uuid.NewString(),
		URL:          endpoint,
		Healthy:      true,
		DailyQuota:   quota,
		QuotaResetAt: now.Add(domain.QuotaWindow),
		CreatedAt:    now,
	}
	if err := p.store.SaveWorker(ctx, *w); err != nil {
		return domain.Worker{}, fmt.Errorf("failed to save worker: %w", err)
	}
	p.workers = append(p.workers, w)

	p.logger.Info("worker added", logger.String("worker_id", w.ID), logger.String("url", w.URL), logger.Int64("quota", quota))
	return *w, nil
}

// RemoveWorker deletes a worker from the pool and the store.
func (p *Pool) RemoveWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	if err := p.store.DeleteWorker(ctx, id); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	p.workers = append(p.workers[:idx], p.workers[idx+1:]...)
	if p.cursor > 0 && p.cursor >= len(p.workers) {
		p.cursor = 0
	}
	p.logger.Info("worker removed", logger.String("worker_id", id))
	return nil
}

// EnableWorker clears both disable switches and the error state.
func (p *Pool) EnableWorker(ctx context.Context, id string) (domain.Worker, error) {
	return p.update(ctx, id, func(w *domain.Worker) {
		w.PermanentlyDisabled = false
		w.Disabled = false
		w.DisabledReason = ""
		w.ErrorCount = 0
		w.LastError = ""
		w.Healthy = true
	})
}

// DisableWorker pauses a worker. Counters are kept.
func (p *Pool) DisableWorker(ctx context.Context, id string) (domain.Worker, error) {
	return p.update(ctx, id, func(w *domain.Worker) {
		w.Disabled = true
	})
}

// ResetWorkerQuota zeroes usage and restarts the quota window.
func (p *Pool) ResetWorkerQuota(ctx context.Context, id string) (domain.Worker, error) {
	now := p.now()
	return p.update(ctx, id, func(w *domain.Worker) {
		w.ResetQuota(now)
	})
}

// UpdateWorkerQuota sets a new daily quota. Zero parks the worker until raised.
func (p *Pool) UpdateWorkerQuota(ctx context.Context, id string, quota int64) (domain.Worker, error) {
	if quota < 0 {
		return domain.Worker{}, domain.ErrInvalidQuota
	}
	return p.update(ctx, id, func(w *domain.Worker) {
		w.DailyQuota = quota
	})
}

// Reload replaces the pool with the stored worker list. Workers still
// present by id or url keep their in-memory runtime counters.
func (p *Pool) Reload(ctx context.Context) error {
	stored, err := p.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]*domain.Worker, 0, len(stored))
	preserved := 0
	for i := range stored {
		w := stored[i]
		if w.DailyQuota < 0 {
			w.DailyQuota = p.defaultQuota
		}
		if w.QuotaResetAt.IsZero() {
			w.QuotaResetAt = p.now().Add(domain.QuotaWindow)
		}
		if prev := p.matchExisting(w); prev != nil {
			w.DailyUsage = prev.DailyUsage
			w.QuotaResetAt = prev.QuotaResetAt
			w.ErrorCount = prev.ErrorCount
			w.SuccessCount = prev.SuccessCount
			w.Healthy = prev.Healthy
			w.LastError = prev.LastError
			w.LastCheckedAt = prev.LastCheckedAt
			// a block or disable not yet persisted survives the reload
			if prev.PermanentlyDisabled && !w.PermanentlyDisabled {
				w.PermanentlyDisabled = true
				w.DisabledReason = prev.DisabledReason
				w.Healthy = false
			}
			w.Disabled = w.Disabled || prev.Disabled
			preserved++
		}
		next = append(next, &w)
	}

	p.workers = next
	if len(next) == 0 || p.cursor >= len(next) {
		p.cursor = 0
	}

	p.logger.Info("worker pool reloaded",
		logger.Int("workers", len(next)),
		logger.Int("preserved", preserved))
	return nil
}

// CheckHealth probes every worker that is not disabled and records the
// outcome. It returns how many were checked and how many answered.
func (p *Pool) CheckHealth(ctx context.Context) (checked, healthy int) {
	if p.checker == nil {
		return 0, 0
	}

	type target struct{ id, url string }
	p.mu.Lock()
	targets := make([]target, 0, len(p.workers))
	for _, w := range p.workers {
		if w.PermanentlyDisabled || w.Disabled {
			continue
		}
		targets = append(targets, target{id: w.ID, url: w.URL})
	}
	p.mu.Unlock()

	results := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = p.checker.HealthCheck(ctx, url)
		}(i, t.url)
	}
	wg.Wait()

	now := p.now()
	var changed []domain.Worker
	for i, t := range targets {
		ok := results[i]
		if ok {
			healthy++
		}
		snap, found := p.mutate(t.id, func(w *domain.Worker) {
			// a block detected while the check was in flight wins
			if !w.PermanentlyDisabled {
				w.Healthy = ok
			}
			w.LastCheckedAt = now
		})
		if found {
			changed = append(changed, snap)
			if !ok {
				p.logger.Warn("worker health check failed", logger.String("worker_id", t.id), logger.String("url", t.url))
			}
		}
	}
	p.persist(ctx, changed...)
	return len(targets), healthy
}

// Stats aggregates the pool.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s domain.PoolStats
	for _, w := range p.workers {
		s.TotalWorkers++
		switch {
		case w.PermanentlyDisabled || w.Disabled:
			s.DisabledWorkers++
		case w.Healthy:
			s.HealthyWorkers++
		default:
			s.UnhealthyWorkers++
		}
		if w.Eligible() {
			s.EligibleWorkers++
		}
		s.TotalUsage += w.DailyUsage
		s.TotalQuota += w.DailyQuota
		s.TotalSuccesses += w.SuccessCount
		s.TotalErrors += w.ErrorCount
	}
	return s
}

// Workers returns copies of every worker in rotation order.
func (p *Pool) Workers() []domain.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Worker, len(p.workers))
	for i, w := range p.workers {
		out[i] = *w
	}
	return out
}

// Get returns a copy of one worker.
func (p *Pool) Get(id string) (domain.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx := p.indexOf(id); idx >= 0 {
		return *p.workers[idx], nil
	}
	return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
}

// update applies an admin mutation and persists it. Persist errors are returned.
func (p *Pool) update(ctx context.Context, id string, fn func(*domain.Worker)) (domain.Worker, error) {
	snap, ok := p.mutate(id, fn)
	if !ok {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	if err := p.store.SaveWorker(ctx, snap); err != nil {
		return snap, fmt.Errorf("failed to save worker: %w", err)
	}
	return snap, nil
}

func (p *Pool) mutate(id string, fn func(*domain.Worker)) (domain.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexOf(id)
	if idx < 0 {
		return domain.Worker{}, false
	}
	fn(p.workers[idx])
	return *p.workers[idx], true
}

// persist writes snapshots, logging failures. It never affects selection.
func (p *Pool) persist(ctx context.Context, snaps ...domain.Worker) {
	if len(snaps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTO)
	defer cancel()
	if len(snaps) > 1 {
		if err := p.store.SaveWorkers(ctx, snaps); err != nil {
			p.logger.Error("failed to persist workers", logger.Int("workers", len(snaps)), logger.Error(err))
		}
		return
	}
	for _, w := range snaps {
		if err := p.store.SaveWorker(ctx, w); err != nil {
			p.logger.Error("failed to persist worker", logger.String("worker_id", w.ID), logger.Error(err))
		}
	}
}

func (p *Pool) indexOf(id string) int {
	for i, w := range p.workers {
		if w.ID == id {
			return i
		}
	}
	return -1
}

func (p *Pool) findByURL(url string) *domain.Worker {
	for _, w := range p.workers {
		if strings.EqualFold(w.URL, url) {
			return w
		}
	}
	return nil
}

func (p *Pool) matchExisting(w domain.Worker) *domain.Worker {
	if idx := p.indexOf(w.ID); idx >= 0 {
		return p.workers[idx]
	}
	return p.findByURL(w.URL)
}
