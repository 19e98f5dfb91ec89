package domain

import "time"

const (
	// DefaultDailyQuota is the quota assigned to a worker added without one.
	DefaultDailyQuota int64 = 100000

	// QuotaWindow is the rolling period after which a worker's usage resets.
	QuotaWindow = 24 * time.Hour

	// MaxURLsPerWorkerCall is the largest batch a remote worker accepts in one call.
	MaxURLsPerWorkerCall = 10
)

// Worker represents one remote stateless probe executor.
//
// Workers are owned by the pool. Nothing outside the pool mutates these
// fields; callers only ever see copies.
type Worker struct {
	// ID is a stable identifier assigned on creation.
	ID string `json:"id"`

	// URL is the https endpoint of the worker.
	URL string `json:"url"`

	// Healthy reflects the last health check.
	Healthy bool `json:"healthy"`

	// DailyUsage counts URLs probed since QuotaResetAt was last rolled.
	DailyUsage int64 `json:"daily_usage"`

	// DailyQuota is a soft ceiling on DailyUsage.
	DailyQuota int64 `json:"daily_quota"`

	// QuotaResetAt is when DailyUsage goes back to zero.
	QuotaResetAt time.Time `json:"quota_reset_at"`

	ErrorCount   int64 `json:"error_count"`
	SuccessCount int64 `json:"success_count"`

	// PermanentlyDisabled is set when a block is detected. Only an explicit
	// enable clears it.
	PermanentlyDisabled bool   `json:"permanently_disabled"`
	DisabledReason      string `json:"disabled_reason,omitempty"`

	// Disabled is the manual, temporary switch. It keeps error counters.
	Disabled bool `json:"disabled"`

	LastError     string    `json:"last_error,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Eligible reports whether the worker may receive work right now.
func (w *Worker) Eligible() bool {
	return !w.PermanentlyDisabled && !w.Disabled && w.Healthy && w.DailyUsage < w.DailyQuota
}

// QuotaExpired reports whether the quota window has elapsed at now.
func (w *Worker) QuotaExpired(now time.Time) bool {
	return !now.Before(w.QuotaResetAt)
}

// ResetQuota zeroes usage and starts a new quota window at now.
func (w *Worker) ResetQuota(now time.Time) {
	w.DailyUsage = 0
	w.QuotaResetAt = now.Add(QuotaWindow)
}

// RemainingQuota returns how many URLs the worker may still take today.
func (w *Worker) RemainingQuota() int64 {
	if rem := w.DailyQuota - w.DailyUsage; rem > 0 {
		return rem
	}
	return 0
}

// PoolStats aggregates the state of every worker in the pool.
type PoolStats struct {
	TotalWorkers     int   `json:"total_workers"`
	HealthyWorkers   int   `json:"healthy_workers"`
	UnhealthyWorkers int   `json:"unhealthy_workers"`
	DisabledWorkers  int   `json:"disabled_workers"`
	EligibleWorkers  int   `json:"eligible_workers"`
	TotalUsage       int64 `json:"total_usage"`
	TotalQuota       int64 `json:"total_quota"`
	TotalSuccesses   int64 `json:"total_successes"`
	TotalErrors      int64 `json:"total_errors"`
}
