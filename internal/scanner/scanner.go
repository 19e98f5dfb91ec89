// Package scanner executes scan tasks: expansion, remote or local probing,
// incremental persistence and the task state machine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/probe"
	"github.com/MrSnakeDoc/probeswarm/internal/template"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

// Store is the persistence the scanner needs.
type Store interface {
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	StartTask(ctx context.Context, id string, now time.Time) (domain.Task, error)
	SetTotalURLs(ctx context.Context, id string, total int64) error
	FinishTask(ctx context.Context, id string, status domain.TaskStatus, errMsg string, now time.Time) error
	AppendResults(ctx context.Context, taskID string, results []domain.Result) error
	Results(ctx context.Context, taskID string, offset, limit int64) ([]domain.Result, int64, error)
	ResetAllTasks(ctx context.Context) (int, error)
	DeleteTask(ctx context.Context, id string) error

	AllDomains(ctx context.Context) ([]string, error)
	UnscannedDomains(ctx context.Context) ([]string, error)
	ScannedDomains(ctx context.Context) (map[string]bool, error)
	MarkScanned(ctx context.Context, domains []string) error
}

// WorkerPool hands out remote workers and takes their outcomes.
type WorkerPool interface {
	Select(ctx context.Context) (domain.Worker, bool)
	Available() bool
	RecordSuccess(ctx context.Context, id string, n int)
	RecordFailure(ctx context.Context, id string, err error) workerclient.Verdict
}

// RemoteProber sends a batch to one worker.
type RemoteProber interface {
	ProbeBatch(ctx context.Context, endpoint string, urls []string, opts workerclient.ProbeOptions) ([]domain.ProbeResult, error)
}

// LocalProber probes from this process.
type LocalProber interface {
	ScanBatch(ctx context.Context, urls []string, opts probe.BatchOptions) []domain.ProbeResult
}

// AutomationGate is consulted before automation-originated starts.
type AutomationGate interface {
	IsEnabled() bool
}

// SourceLocal marks results probed by this process.
const SourceLocal = "local"

// Options tune a Service.
type Options struct {
	DefaultConcurrency int
	MaxAttempts        int // remote attempts per chunk before local fallback
	Probe              workerclient.ProbeOptions
	Now                func() time.Time
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	URLTemplate string `json:"url_template"`
	Concurrency int    `json:"concurrency"`
	Incremental bool   `json:"incremental"`
}

// Service runs at most one execution per task. Executions outlive the
// request that started them.
type Service struct {
	store  Store
	pool   WorkerPool
	remote RemoteProber
	local  LocalProber
	gate   AutomationGate
	logger logger.Logger
	opts   Options

	mu       sync.Mutex
	running  map[string]struct{}
	closing  bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// New wires a Service. gate may be nil, in which case automated starts are refused.
func New(store Store, pool WorkerPool, remote RemoteProber, local LocalProber, gate AutomationGate, log logger.Logger, opts Options) *Service {
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = domain.DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		pool:     pool,
		remote:   remote,
		local:    local,
		gate:     gate,
		logger:   log,
		opts:     opts,
		running:  make(map[string]struct{}),
		baseCtx:  ctx,
		cancelFn: cancel,
	}
}

// SetGate installs the automation gate after construction.
func (s *Service) SetGate(gate AutomationGate) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
}

// CreateTask validates and stores a pending task.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (domain.Task, error) {
	now := s.opts.Now()

	tmpl := strings.TrimSpace(req.URLTemplate)
	if err := template.Validate(tmpl); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}

	concurrency := req.Concurrency
	switch {
	case concurrency == 0:
		concurrency = s.opts.DefaultConcurrency
	case concurrency < 0 || concurrency > domain.MaxConcurrency:
		return domain.Task{}, fmt.Errorf("%w: concurrency must be between 1 and %d", domain.ErrInvalidTask, domain.MaxConcurrency)
	}

	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = domain.TargetAll
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "scan " + now.UTC().Format(time.RFC3339)
	}

	t := domain.Task{
		ID:          uuid.NewString(),
		Name:        name,
		Target:      target,
		URLTemplate: tmpl,
		Concurrency: concurrency,
		Incremental: req.Incremental,
		Status:      domain.TaskPending,
		CreatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.logger.Info("task created",
		logger.String("task_id", t.ID),
		logger.String("target", t.Target),
		logger.Bool("incremental", t.Incremental))
	return t, nil
}

// Start launches a manual execution. It returns once the task is running.
func (s *Service) Start(ctx context.Context, id string) (domain.Task, error) {
	return s.start(ctx, id, "manual")
}

// StartAutomated is Start for scheduler-originated tasks; it is refused
// while automation is disabled.
func (s *Service) StartAutomated(ctx context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate == nil || !gate.IsEnabled() {
		return domain.Task{}, domain.ErrAutomationDisabled
	}
	return s.start(ctx, id, "automation")
}

func (s *Service) start(ctx context.Context, id, origin string) (domain.Task, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.Task{}, domain.ErrShuttingDown
	}
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskAlreadyRunning, id)
	}
	s.running[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	task, err := s.store.StartTask(ctx, id, s.opts.Now())
	if err != nil {
		s.release(id)
		return domain.Task{}, err
	}

	s.logger.Info("task started",
		logger.String("task_id", id),
		logger.String("origin", origin),
		logger.Int("concurrency", task.Concurrency))

	go s.execute(task)
	return task, nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	s.wg.Done()
}

// IsRunning reports whether this process is executing the task.
func (s *Service) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// RunningCount returns the executions in flight.
func (s *Service) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns every task, newest first.
func (s *Service) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.store.ListTasks(ctx)
}

// Results returns a page of a task's results and the total count.
func (s *Service) Results(ctx context.Context, id string, offset, limit int64) ([]domain.Result, int64, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.Results(ctx, id, offset, limit)
}

// ResetAll puts every task back to pending and clears all results.
func (s *Service) ResetAll(ctx context.Context) (int, error) {
	if n := s.RunningCount(); n > 0 {
		return 0, fmt.Errorf("%w: %d in flight", domain.ErrTasksRunning, n)
	}
	n, err := s.store.ResetAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("all tasks reset", logger.Int("tasks", n))
	return n, nil
}

// DeleteTask removes a finished or pending task and its results.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if s.IsRunning(id) {
		return fmt.Errorf("%w: %s", domain.ErrTaskAlreadyRunning, id)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", logger.String("task_id", id))
	return nil
}

// Recover fails tasks left running by a previous process.
func (s *Service) Recover(ctx context.Context) (int, error) {
	stale, err := s.store.ListTasksByStatus(ctx, domain.TaskRunning)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range stale {
		if s.IsRunning(t.ID) {
			continue
		}
		if err := s.store.FinishTask(ctx, t.ID, domain.TaskFailed, "interrupted by restart", s.opts.Now()); err != nil {
			if errors.Is(err, domain.ErrTaskNotRunning) {
				continue
			}
			return recovered, err
		}
		recovered++
		s.logger.Warn("stale running task marked failed", logger.String("task_id", t.ID))
	}
	return recovered, nil
}

// Shutdown refuses new starts and waits for running executions. When ctx
// expires first, executions are cancelled and their tasks fail.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelFn()
		return nil
	case <-ctx.Done():
		s.cancelFn()
		<-done
		return fmt.Errorf("scanner shutdown: %w", ctx.Err())
	}
}
