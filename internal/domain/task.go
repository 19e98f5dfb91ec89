package domain

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a scan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

const (
	// TargetAll selects every stored domain.
	TargetAll = "all"

	// DefaultConcurrency is used when a task does not set one.
	DefaultConcurrency = 50

	// MaxConcurrency bounds the per-task concurrency accepted at creation.
	MaxConcurrency = 1000
)

// Task is one domain-expansion scan run.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Target      string     `json:"target"`
	URLTemplate string     `json:"url_template"`
	Concurrency int        `json:"concurrency"`
	Incremental bool       `json:"incremental"`
	Status      TaskStatus `json:"status"`
	TotalURLs   int64      `json:"total_urls"`
	ScannedURLs int64      `json:"scanned_urls"`
	Hits        int64      `json:"hits"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns the scanned fraction in percent.
func (t *Task) Progress() float64 {
	if t.TotalURLs == 0 {
		if IsTerminalStatus(t.Status) {
			return 100
		}
		return 0
	}
	return float64(t.ScannedURLs) / float64(t.TotalURLs) * 100
}

// TargetFilters splits the target into individual domain filters.
// An empty result means every stored domain.
func (t *Task) TargetFilters() []string {
	target := strings.TrimSpace(t.Target)
	if target == "" || strings.EqualFold(target, TargetAll) {
		return nil
	}
	raw := strings.Split(target, ",")
	filters := make([]string, 0, len(raw))
	for _, f := range raw {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			filters = append(filters, f)
		}
	}
	return filters
}

// AutomationState is the persisted process-wide automation switch plus the
// scheduler watermarks.
type AutomationState struct {
	Enabled            bool       `json:"enabled"`
	LastPaused         *time.Time `json:"last_paused,omitempty"`
	LastIncrementalRun *time.Time `json:"last_incremental_run,omitempty"`
	LastRescanRun      *time.Time `json:"last_rescan_run,omitempty"`
}
