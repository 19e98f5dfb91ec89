package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
)

const (
	// DefaultGCThreshold is how long a finished task and its results are kept
	DefaultGCThreshold = 30 * 24 * time.Hour // 30 days

	DefaultGCInterval = 6 * time.Hour
)

// TaskPruner lists tasks and deletes the ones that are not running.
type TaskPruner interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// GarbageCollector deletes completed and failed tasks once they are older
// than the retention threshold.
type GarbageCollector struct {
	tasks     TaskPruner
	logger    logger.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewGarbageCollector(
	tasks TaskPruner,
	log logger.Logger,
	interval time.Duration,
	threshold time.Duration,
) *GarbageCollector {
	if threshold <= 0 {
		threshold = DefaultGCThreshold
	}
	if interval <= 0 {
		interval = DefaultGCInterval
	}

	return &GarbageCollector{
		tasks:     tasks,
		logger:    log,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start collects once, then once per interval.
func (gc *GarbageCollector) Start(ctx context.Context) {
	if _, err := gc.Collect(ctx); err != nil {
		gc.logger.Warn("initial garbage collection failed",
			logger.Error(err))
	}

	ticker := time.NewTicker(gc.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := gc.Collect(ctx); err != nil {
					gc.logger.Error("garbage collection failed",
						logger.Error(err))
				}
			case <-gc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (gc *GarbageCollector) Stop() {
	gc.stopOnce.Do(func() { close(gc.stopCh) })
}

// Collect deletes expired terminal tasks and returns how many went.
// Pending and running tasks are never touched.
func (gc *GarbageCollector) Collect(ctx context.Context) (int, error) {
	tasks, err := gc.tasks.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := gc.now()
	deleted := 0
	for _, t := range tasks {
		if !domain.IsTerminalStatus(t.Status) || t.CompletedAt == nil {
			continue
		}
		age := now.Sub(*t.CompletedAt)
		if age < gc.threshold {
			continue
		}

		if err := gc.tasks.DeleteTask(ctx, t.ID); err != nil {
			// restarted or removed since the listing
			if errors.Is(err, domain.ErrTaskAlreadyRunning) || errors.Is(err, domain.ErrTaskNotFound) {
				continue
			}
			gc.logger.Warn("failed to delete expired task",
				logger.String("task_id", t.ID),
				logger.Error(err))
			continue
		}

		gc.logger.Info("garbage collected finished task",
			logger.String("task_id", t.ID),
			logger.String("name", t.Name),
			logger.String("finished_for", age.String()))
		deleted++
	}

	if deleted > 0 {
		gc.logger.Info("garbage collection completed", logger.Int("tasks_deleted", deleted))
	} else {
		gc.logger.Debug("no tasks to garbage collect")
	}
	return deleted, nil
}
