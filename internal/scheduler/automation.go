package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/automation"
	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/scanner"
)

// Kind is the type of scheduled scan.
type Kind string

const (
	KindIncremental Kind = "incremental"
	KindRescan      Kind = "rescan"
)

// Settings keys owned by the scheduler.
const (
	keyLastIncremental     = "last_incremental_run"
	keyLastRescan          = "last_rescan_run"
	keyIncrementalEnabled  = "incremental_enabled"
	keyRescanEnabled       = "rescan_enabled"
	keyIncrementalInterval = "incremental_interval"
	keyRescanInterval      = "rescan_interval"
)

const (
	DefaultTick = 60 * time.Second

	// MinInterval bounds how often a kind can become due.
	MinInterval = time.Minute
)

var (
	ErrUnknownKind     = errors.New("unknown scan type")
	ErrInvalidInterval = fmt.Errorf("interval must be at least %s", MinInterval)
)

// ParseKind accepts "incremental" or "rescan".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindIncremental, KindRescan:
		return Kind(s), nil
	}
	return "", ErrUnknownKind
}

// Config is the persisted scheduling policy.
type Config struct {
	IncrementalEnabled  bool
	RescanEnabled       bool
	IncrementalInterval time.Duration
	RescanInterval      time.Duration
}

// ConfigUpdate changes only the fields that are set.
type ConfigUpdate struct {
	IncrementalEnabled  *bool
	RescanEnabled       *bool
	IncrementalInterval *time.Duration
	RescanInterval      *time.Duration
}

// TaskStarter creates and starts automated tasks.
type TaskStarter interface {
	CreateTask(ctx context.Context, req scanner.CreateRequest) (domain.Task, error)
	StartAutomated(ctx context.Context, id string) (domain.Task, error)
}

// Gate reports whether automation is enabled.
type Gate interface {
	IsEnabled() bool
}

type AutomationOptions struct {
	Tick        time.Duration
	Template    string
	Concurrency int
	Defaults    Config
	Now         func() time.Time
}

// Status is the scheduler view exposed to operators.
type Status struct {
	Started               bool       `json:"started"`
	AutomationEnabled     bool       `json:"automation_enabled"`
	TickMs                int64      `json:"tick_ms"`
	IncrementalEnabled    bool       `json:"incremental_enabled"`
	RescanEnabled         bool       `json:"rescan_enabled"`
	IncrementalIntervalMs int64      `json:"incremental_interval_ms"`
	RescanIntervalMs      int64      `json:"rescan_interval_ms"`
	LastIncrementalRun    *time.Time `json:"last_incremental_run,omitempty"`
	LastRescanRun         *time.Time `json:"last_rescan_run,omitempty"`
	NextIncrementalRun    *time.Time `json:"next_incremental_run,omitempty"`
	NextRescanRun         *time.Time `json:"next_rescan_run,omitempty"`
}

// Automation is the single scheduler loop. It creates incremental and rescan
// tasks when they are due and automation is enabled. Stopping never touches
// tasks already started.
type Automation struct {
	store  automation.SettingsStore
	tasks  TaskStarter
	gate   Gate
	logger logger.Logger
	opts   AutomationOptions

	tickMu sync.Mutex // serialises ticks
	ctlMu  sync.Mutex // serialises Start, Stop and the Trigger restart

	mu      sync.Mutex
	cfg     Config
	last    map[Kind]*time.Time
	started bool
	stopCh  chan struct{}
	done    chan struct{}
	loopCtx context.Context
}

func NewAutomation(store automation.SettingsStore, tasks TaskStarter, gate Gate, log logger.Logger, opts AutomationOptions) *Automation {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Template == "" {
		opts.Template = "https://{domain}/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Defaults.IncrementalInterval < MinInterval {
		opts.Defaults.IncrementalInterval = time.Hour
	}
	if opts.Defaults.RescanInterval < MinInterval {
		opts.Defaults.RescanInterval = 24 * time.Hour
	}
	return &Automation{
		store:  store,
		tasks:  tasks,
		gate:   gate,
		logger: log,
		opts:   opts,
		cfg:    opts.Defaults,
		last:   map[Kind]*time.Time{},
	}
}

// Init loads watermarks and policy from settings. Missing or malformed
// values keep the defaults.
func (a *Automation) Init(ctx context.Context) error {
	values, err := a.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduler settings: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.last[KindIncremental] = a.parseTime(values, keyLastIncremental)
	a.last[KindRescan] = a.parseTime(values, keyLastRescan)
	a.cfg.IncrementalEnabled = a.parseBool(values, keyIncrementalEnabled, a.cfg.IncrementalEnabled)
	a.cfg.RescanEnabled = a.parseBool(values, keyRescanEnabled, a.cfg.RescanEnabled)
	a.cfg.IncrementalInterval = a.parseInterval(values, keyIncrementalInterval, a.cfg.IncrementalInterval)
	a.cfg.RescanInterval = a.parseInterval(values, keyRescanInterval, a.cfg.RescanInterval)

	a.logger.Info("scheduler settings loaded",
		logger.Bool("incremental_enabled", a.cfg.IncrementalEnabled),
		logger.Duration("incremental_interval", a.cfg.IncrementalInterval),
		logger.Bool("rescan_enabled", a.cfg.RescanEnabled),
		logger.Duration("rescan_interval", a.cfg.RescanInterval))
	return nil
}

// Start registers the tick loop and runs one tick immediately. Starting a
// started scheduler is a no-op. The loop outlives ctx cancellation and ends
// with Stop.
func (a *Automation) Start(ctx context.Context) {
	a.ctlMu.Lock()
	defer a.ctlMu.Unlock()
	a.start(ctx)
}

func (a *Automation) start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	a.loopCtx = ctx
	stopCh, done := a.stopCh, a.done
	a.mu.Unlock()

	a.logger.Info("scheduler started", logger.Duration("tick", a.opts.Tick))
	go a.loop(ctx, stopCh, done)
}

// Stop unregisters the loop and waits for an in-progress tick to return.
func (a *Automation) Stop() {
	a.ctlMu.Lock()
	defer a.ctlMu.Unlock()
	a.stop()
}

func (a *Automation) stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	stopCh, done := a.stopCh, a.done
	a.mu.Unlock()

	close(stopCh)
	<-done
	a.logger.Info("scheduler stopped")
}

func (a *Automation) IsStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Automation) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	a.Tick(ctx)

	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-stopCh:
			return
		}
	}
}

// Tick starts every due kind and returns the tasks it created. Watermarks
// advance whether or not the task could be started.
func (a *Automation) Tick(ctx context.Context) []domain.Task {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	if !a.gate.IsEnabled() {
		return nil
	}

	now := a.opts.Now()
	var created []domain.Task
	for _, kind := range []Kind{KindIncremental, KindRescan} {
		if !a.due(kind, now) {
			continue
		}
		if task, ok := a.launch(ctx, kind, now); ok {
			created = append(created, task)
		}
		a.advance(ctx, kind, now)
	}
	return created
}

// Trigger makes kind due immediately. A running loop is restarted so the
// scan starts now; a stopped scheduler runs a single tick.
func (a *Automation) Trigger(ctx context.Context, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}

	key := watermarkKey(kind)
	if err := a.store.SetSettings(ctx, map[string]string{key: ""}); err != nil {
		return fmt.Errorf("failed to clear %s watermark: %w", kind, err)
	}
	a.mu.Lock()
	a.last[kind] = nil
	a.mu.Unlock()

	a.logger.Info("scheduled scan triggered", logger.String("type", string(kind)))

	if !a.gate.IsEnabled() {
		return domain.ErrAutomationDisabled
	}
	if a.restart() {
		return nil
	}
	a.Tick(ctx)
	return nil
}

// restart cycles a running loop and reports whether one was running. A Stop
// that lands first leaves the scheduler stopped.
func (a *Automation) restart() bool {
	a.ctlMu.Lock()
	defer a.ctlMu.Unlock()

	a.mu.Lock()
	started, loopCtx := a.started, a.loopCtx
	a.mu.Unlock()
	if !started {
		return false
	}
	a.stop()
	a.start(loopCtx)
	return true
}

// UpdateConfig persists and applies a policy change.
func (a *Automation) UpdateConfig(ctx context.Context, upd ConfigUpdate) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.cfg
	if upd.IncrementalEnabled != nil {
		next.IncrementalEnabled = *upd.IncrementalEnabled
	}
	if upd.RescanEnabled != nil {
		next.RescanEnabled = *upd.RescanEnabled
	}
	if upd.IncrementalInterval != nil {
		if *upd.IncrementalInterval < MinInterval {
			return a.cfg, ErrInvalidInterval
		}
		next.IncrementalInterval = *upd.IncrementalInterval
	}
	if upd.RescanInterval != nil {
		if *upd.RescanInterval < MinInterval {
			return a.cfg, ErrInvalidInterval
		}
		next.RescanInterval = *upd.RescanInterval
	}

	err := a.store.SetSettings(ctx, map[string]string{
		keyIncrementalEnabled:  strconv.FormatBool(next.IncrementalEnabled),
		keyRescanEnabled:       strconv.FormatBool(next.RescanEnabled),
		keyIncrementalInterval: next.IncrementalInterval.String(),
		keyRescanInterval:      next.RescanInterval.String(),
	})
	if err != nil {
		return a.cfg, fmt.Errorf("failed to persist scheduler config: %w", err)
	}
	a.cfg = next
	return next, nil
}

func (a *Automation) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Automation) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.Now()
	st := Status{
		Started:               a.started,
		AutomationEnabled:     a.gate.IsEnabled(),
		TickMs:                a.opts.Tick.Milliseconds(),
		IncrementalEnabled:    a.cfg.IncrementalEnabled,
		RescanEnabled:         a.cfg.RescanEnabled,
		IncrementalIntervalMs: a.cfg.IncrementalInterval.Milliseconds(),
		RescanIntervalMs:      a.cfg.RescanInterval.Milliseconds(),
		LastIncrementalRun:    copyTime(a.last[KindIncremental]),
		LastRescanRun:         copyTime(a.last[KindRescan]),
	}
	if a.cfg.IncrementalEnabled {
		st.NextIncrementalRun = nextRun(a.last[KindIncremental], a.cfg.IncrementalInterval, now)
	}
	if a.cfg.RescanEnabled {
		st.NextRescanRun = nextRun(a.last[KindRescan], a.cfg.RescanInterval, now)
	}
	return st
}

func (a *Automation) due(kind Kind, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var enabled bool
	var interval time.Duration
	switch kind {
	case KindIncremental:
		enabled, interval = a.cfg.IncrementalEnabled, a.cfg.IncrementalInterval
	case KindRescan:
		enabled, interval = a.cfg.RescanEnabled, a.cfg.RescanInterval
	}
	if !enabled {
		return false
	}
	last := a.last[kind]
	return last == nil || now.Sub(*last) >= interval
}

func (a *Automation) launch(ctx context.Context, kind Kind, now time.Time) (domain.Task, bool) {
	task, err := a.tasks.CreateTask(ctx, scanner.CreateRequest{
		Name:        fmt.Sprintf("%s scan %s", kind, now.UTC().Format(time.RFC3339)),
		Target:      domain.TargetAll,
		URLTemplate: a.opts.Template,
		Concurrency: a.opts.Concurrency,
		Incremental: kind == KindIncremental,
	})
	if err != nil {
		a.logger.Error("failed to create scheduled task",
			logger.String("type", string(kind)), logger.Error(err))
		return domain.Task{}, false
	}

	started, err := a.tasks.StartAutomated(ctx, task.ID)
	if err != nil {
		a.logger.Warn("scheduled task not started",
			logger.String("type", string(kind)),
			logger.String("task_id", task.ID),
			logger.Error(err))
		return task, true
	}
	a.logger.Info("scheduled task started",
		logger.String("type", string(kind)),
		logger.String("task_id", started.ID))
	return started, true
}

func (a *Automation) advance(ctx context.Context, kind Kind, now time.Time) {
	ts := now.UTC()
	a.mu.Lock()
	a.last[kind] = &ts
	a.mu.Unlock()

	if err := a.store.SetSettings(ctx, map[string]string{watermarkKey(kind): ts.Format(time.RFC3339Nano)}); err != nil {
		a.logger.Warn("failed to persist watermark",
			logger.String("type", string(kind)), logger.Error(err))
	}
}

func (a *Automation) parseTime(values map[string]string, key string) *time.Time {
	raw := values[key]
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		a.logger.Warn("ignoring malformed scheduler setting", logger.String("key", key), logger.String("value", raw))
		return nil
	}
	return &ts
}

func (a *Automation) parseBool(values map[string]string, key string, def bool) bool {
	raw, ok := values[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		a.logger.Warn("ignoring malformed scheduler setting", logger.String("key", key), logger.String("value", raw))
		return def
	}
	return v
}

func (a *Automation) parseInterval(values map[string]string, key string, def time.Duration) time.Duration {
	raw, ok := values[key]
	if !ok {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < MinInterval {
		a.logger.Warn("ignoring malformed scheduler setting", logger.String("key", key), logger.String("value", raw))
		return def
	}
	return v
}

func watermarkKey(kind Kind) string {
	if kind == KindRescan {
		return keyLastRescan
	}
	return keyLastIncremental
}

func nextRun(last *time.Time, interval time.Duration, now time.Time) *time.Time {
	next := now
	if last != nil {
		if n := last.Add(interval); n.After(now) {
			next = n
		}
	}
	return &next
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
