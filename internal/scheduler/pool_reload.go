package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/sources/poolfile"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

const DefaultPoolReloadInterval = time.Hour

// WorkerRegistry is the part of the pool the reloader drives.
type WorkerRegistry interface {
	Workers() []domain.Worker
	AddWorker(ctx context.Context, endpoint string, quota int64) (domain.Worker, error)
	UpdateWorkerQuota(ctx context.Context, id string, quota int64) (domain.Worker, error)
	DisableWorker(ctx context.Context, id string) (domain.Worker, error)
	Reload(ctx context.Context) error
}

// RuleSetter replaces the block classification rules.
type RuleSetter interface {
	SetRules(rules []workerclient.Rule) error
}

// ReloadSummary describes what one reload changed.
type ReloadSummary struct {
	Added    int  `json:"added"`
	Updated  int  `json:"updated"`
	Disabled int  `json:"disabled"`
	Rules    int  `json:"rules"`
	FileUsed bool `json:"file_used"`
	Workers  int  `json:"workers"`
}

// PoolReloader applies the optional pool file and then resyncs the pool
// from the store. Workers missing from the file are left alone.
type PoolReloader struct {
	loader   *poolfile.Loader
	pool     WorkerRegistry
	rules    RuleSetter
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewPoolReloader creates a reloader. An empty poolFile disables the file
// step, leaving only the store resync.
func NewPoolReloader(
	poolFile string,
	p WorkerRegistry,
	rules RuleSetter,
	log logger.Logger,
	interval time.Duration,
) *PoolReloader {
	if interval <= 0 {
		interval = DefaultPoolReloadInterval
	}
	var loader *poolfile.Loader
	if poolFile != "" {
		loader = poolfile.NewLoader(poolFile)
	}
	return &PoolReloader{
		loader:   loader,
		pool:     p,
		rules:    rules,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start reloads immediately and then periodically.
func (pr *PoolReloader) Start(ctx context.Context) error {
	if _, err := pr.Reload(ctx); err != nil {
		return fmt.Errorf("initial pool reload failed: %w", err)
	}

	ticker := time.NewTicker(pr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := pr.Reload(ctx); err != nil {
					pr.logger.Error("failed to reload worker pool",
						logger.Error(err))
				}
			case <-pr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (pr *PoolReloader) Stop() {
	pr.stopOnce.Do(func() { close(pr.stopCh) })
}

// Reload applies the pool file, if any, then syncs the pool from the store.
func (pr *PoolReloader) Reload(ctx context.Context) (ReloadSummary, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var sum ReloadSummary
	if pr.loader != nil {
		f, err := pr.loader.Load()
		if err != nil {
			return sum, err
		}
		sum.FileUsed = true
		if err := pr.apply(ctx, f, &sum); err != nil {
			return sum, err
		}
	}

	if err := pr.pool.Reload(ctx); err != nil {
		return sum, fmt.Errorf("failed to reload workers from store: %w", err)
	}
	sum.Workers = len(pr.pool.Workers())

	pr.logger.Info("worker pool reloaded",
		logger.Int("workers", sum.Workers),
		logger.Int("added", sum.Added),
		logger.Int("updated", sum.Updated),
		logger.Int("disabled", sum.Disabled),
		logger.Bool("file", sum.FileUsed))
	return sum, nil
}

func (pr *PoolReloader) apply(ctx context.Context, f *poolfile.File, sum *ReloadSummary) error {
	if len(f.BlockRules) > 0 && pr.rules != nil {
		rules := append(workerclient.DefaultRules(), f.BlockRules...)
		if err := pr.rules.SetRules(rules); err != nil {
			return fmt.Errorf("invalid block rules: %w", err)
		}
		sum.Rules = len(rules)
	}

	existing := make(map[string]domain.Worker)
	for _, w := range pr.pool.Workers() {
		existing[strings.ToLower(w.URL)] = w
	}

	for _, entry := range f.Workers {
		cur, ok := existing[strings.ToLower(entry.URL)]
		if !ok {
			added, err := pr.pool.AddWorker(ctx, entry.URL, entry.Quota)
			if err != nil {
				return fmt.Errorf("failed to add worker %s: %w", entry.URL, err)
			}
			sum.Added++
			cur = added
		} else if entry.Quota > 0 && entry.Quota != cur.DailyQuota {
			if _, err := pr.pool.UpdateWorkerQuota(ctx, cur.ID, entry.Quota); err != nil {
				return fmt.Errorf("failed to update worker %s: %w", entry.URL, err)
			}
			sum.Updated++
		}

		if entry.Disabled && !cur.Disabled {
			if _, err := pr.pool.DisableWorker(ctx, cur.ID); err != nil {
				return fmt.Errorf("failed to disable worker %s: %w", entry.URL, err)
			}
			sum.Disabled++
		}
	}
	return nil
}
