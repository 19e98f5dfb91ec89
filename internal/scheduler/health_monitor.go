package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/logger"
)

const DefaultHealthInterval = 5 * time.Minute

// PoolHealth runs one health sweep over the pool.
type PoolHealth interface {
	CheckHealth(ctx context.Context) (checked, healthy int)
}

// HealthMonitor periodically health-checks every worker that is not disabled
type HealthMonitor struct {
	pool     PoolHealth
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHealthMonitor(p PoolHealth, log logger.Logger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{
		pool:     p,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs a sweep immediately, then one per interval.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.Check(ctx)

	ticker := time.NewTicker(hm.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hm.Check(ctx)
			case <-hm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopCh) })
}

// Check runs one sweep and logs the outcome.
func (hm *HealthMonitor) Check(ctx context.Context) (checked, healthy int) {
	checked, healthy = hm.pool.CheckHealth(ctx)
	if checked == 0 {
		hm.logger.Debug("no workers to health-check")
		return
	}
	if healthy < checked {
		hm.logger.Warn("worker health check completed",
			logger.Int("checked", checked),
			logger.Int("healthy", healthy))
		return
	}
	hm.logger.Info("worker health check completed",
		logger.Int("checked", checked),
		logger.Int("healthy", healthy))
	return
}
