package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/metrics"
	"github.com/MrSnakeDoc/probeswarm/internal/probe"
	"github.com/MrSnakeDoc/probeswarm/internal/template"
)

// finalizeTimeout bounds the store writes that close a task after its
// execution context is gone.
const finalizeTimeout = 10 * time.Second

// target is one expanded URL and the domain it came from.
type target struct {
	url    string
	domain string
}

func (s *Service) execute(task domain.Task) {
	defer s.release(task.ID)
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	ctx := s.baseCtx
	started := time.Now()

	status, errMsg := s.run(ctx, task)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := s.store.FinishTask(fctx, task.ID, status, errMsg, s.opts.Now()); err != nil {
		s.logger.Error("failed to finish task", logger.String("task_id", task.ID), logger.Error(err))
		return
	}
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()

	if status == domain.TaskFailed {
		s.logger.Warn("task failed",
			logger.String("task_id", task.ID),
			logger.String("error", errMsg),
			logger.Duration("elapsed", time.Since(started)))
		return
	}
	s.logger.Info("task completed",
		logger.String("task_id", task.ID),
		logger.Duration("elapsed", time.Since(started)))
}

// run drives the task to a terminal status. Only expansion and persistence
// failures fail a task.
func (s *Service) run(ctx context.Context, task domain.Task) (domain.TaskStatus, string) {
	targets, domains, err := s.expand(ctx, task)
	if err != nil {
		return domain.TaskFailed, "expansion failed: " + err.Error()
	}
	if err := s.store.SetTotalURLs(ctx, task.ID, int64(len(targets))); err != nil {
		return domain.TaskFailed, "persistence failed: " + err.Error()
	}

	size := task.Concurrency
	if size <= 0 {
		size = s.opts.DefaultConcurrency
	}

	for start := 0; start < len(targets); start += size {
		if ctx.Err() != nil {
			return domain.TaskFailed, "interrupted by shutdown"
		}
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}

		results := s.runBatch(ctx, task, targets[start:end])
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		err := s.store.AppendResults(wctx, task.ID, results)
		cancel()
		if err != nil {
			return domain.TaskFailed, "persistence failed: " + err.Error()
		}
	}
	if ctx.Err() != nil {
		return domain.TaskFailed, "interrupted by shutdown"
	}

	if err := s.store.MarkScanned(ctx, domains); err != nil {
		s.logger.Warn("failed to mark domains scanned", logger.String("task_id", task.ID), logger.Error(err))
	}
	return domain.TaskCompleted, ""
}

// runBatch probes one batch and returns one result per target, in order.
func (s *Service) runBatch(ctx context.Context, task domain.Task, batch []target) []domain.Result {
	urls := make([]string, len(batch))
	for i, t := range batch {
		urls[i] = t.url
	}

	probed := make([]domain.ProbeResult, len(batch))
	sources := make([]string, len(batch))

	if !s.pool.Available() {
		start := time.Now()
		copy(probed, s.scanLocal(ctx, urls, task.Concurrency))
		metrics.BatchDurationSeconds.WithLabelValues(metrics.PathLocal).Observe(time.Since(start).Seconds())
		for i := range sources {
			sources[i] = SourceLocal
		}
	} else {
		start := time.Now()
		var wg sync.WaitGroup
		for lo := 0; lo < len(urls); lo += domain.MaxURLsPerWorkerCall {
			hi := lo + domain.MaxURLsPerWorkerCall
			if hi > len(urls) {
				hi = len(urls)
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				res, source := s.runChunk(ctx, task.ID, urls[lo:hi])
				copy(probed[lo:hi], res)
				for i := lo; i < hi; i++ {
					sources[i] = source
				}
			}(lo, hi)
		}
		wg.Wait()
		metrics.BatchDurationSeconds.WithLabelValues(metrics.PathRemote).Observe(time.Since(start).Seconds())
	}

	now := s.opts.Now()
	out := make([]domain.Result, len(batch))
	for i, r := range probed {
		out[i] = domain.Result{
			TaskID:         task.ID,
			Domain:         batch[i].domain,
			URL:            batch[i].url,
			Status:         r.Status,
			Size:           r.Size,
			ContentType:    r.ContentType,
			ResponseTimeMs: r.ResponseTimeMs,
			Error:          r.Error,
			Source:         sources[i],
			ScannedAt:      now,
		}
	}
	return out
}

// runChunk tries up to MaxAttempts workers, then falls back to local probing.
// It returns the results and the source that produced them.
func (s *Service) runChunk(ctx context.Context, taskID string, urls []string) ([]domain.ProbeResult, string) {
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		w, ok := s.pool.Select(ctx)
		if !ok {
			break
		}

		res, err := s.remote.ProbeBatch(ctx, w.URL, urls, s.opts.Probe)
		if err == nil && len(res) == len(urls) {
			s.pool.RecordSuccess(ctx, w.ID, len(urls))
			metrics.WorkerCallsTotal.WithLabelValues("success").Inc()
			for _, r := range res {
				metrics.ObserveProbe(metrics.PathRemote, r)
			}
			return res, w.ID
		}
		if err == nil {
			err = fmt.Errorf("worker returned %d results for %d urls", len(res), len(urls))
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			break
		}

		verdict := s.pool.RecordFailure(ctx, w.ID, err)
		outcome := "failure"
		if verdict.Blocked {
			outcome = "blocked"
		}
		metrics.WorkerCallsTotal.WithLabelValues(outcome).Inc()
		s.logger.Debug("worker chunk failed",
			logger.String("task_id", taskID),
			logger.String("worker_id", w.ID),
			logger.Int("attempt", attempt),
			logger.Bool("blocked", verdict.Blocked),
			logger.Error(err))
	}

	s.logger.Debug("chunk falling back to local probing",
		logger.String("task_id", taskID),
		logger.Int("urls", len(urls)))
	return s.scanLocal(ctx, urls, len(urls)), SourceLocal
}

func (s *Service) scanLocal(ctx context.Context, urls []string, concurrency int) []domain.ProbeResult {
	res := s.local.ScanBatch(ctx, urls, probe.BatchOptions{Concurrency: concurrency, Timeout: s.opts.Probe.Timeout})
	for _, r := range res {
		metrics.ObserveProbe(metrics.PathLocal, r)
	}
	return res
}

// expand resolves the task target into domains and then URLs.
func (s *Service) expand(ctx context.Context, task domain.Task) ([]target, []string, error) {
	domains, err := s.resolveDomains(ctx, task)
	if err != nil {
		return nil, nil, err
	}

	// a URL reachable from several domains is scanned once, for the first one
	targets := make([]target, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		urls, err := template.Expand(d, task.URLTemplate)
		if err != nil {
			return nil, nil, fmt.Errorf("domain %s: %w", d, err)
		}
		for _, u := range urls {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			targets = append(targets, target{url: u, domain: d})
		}
	}
	return targets, domains, nil
}

// resolveDomains applies the target filters. Exact filters are scanned even
// when not stored; "*.example.com" selects stored subdomains of example.com.
func (s *Service) resolveDomains(ctx context.Context, task domain.Task) ([]string, error) {
	filters := task.TargetFilters()

	if len(filters) == 0 {
		if task.Incremental {
			return s.store.UnscannedDomains(ctx)
		}
		return s.store.AllDomains(ctx)
	}

	var stored []string
	var needStored bool
	for _, f := range filters {
		if strings.HasPrefix(f, "*") {
			needStored = true
			break
		}
	}
	if needStored {
		var err error
		if stored, err = s.store.AllDomains(ctx); err != nil {
			return nil, err
		}
	}

	var scanned map[string]bool
	if task.Incremental {
		var err error
		if scanned, err = s.store.ScannedDomains(ctx); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	out := make([]string, 0, len(filters))
	add := func(d string) {
		if d == "" || seen[d] || scanned[d] {
			return
		}
		seen[d] = true
		out = append(out, d)
	}

	for _, f := range filters {
		if suffix, ok := strings.CutPrefix(f, "*"); ok {
			for _, d := range stored {
				if strings.HasSuffix(d, suffix) {
					add(d)
				}
			}
			continue
		}
		add(template.NormalizeDomain(f))
	}
	return out, nil
}
