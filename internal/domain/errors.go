package domain

import "errors"

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotPending     = errors.New("task is not pending")
	ErrTaskAlreadyRunning = errors.New("task is already running")
	ErrTaskNotRunning     = errors.New("task is not running")
	ErrTasksRunning       = errors.New("tasks are still running")
	ErrInvalidTransition  = errors.New("invalid task status transition")
	ErrInvalidTask        = errors.New("invalid task")
	ErrAutomationDisabled = errors.New("automation is disabled")
	ErrShuttingDown       = errors.New("scanner is shutting down")

	ErrWorkerNotFound   = errors.New("worker not found")
	ErrWorkerExists     = errors.New("worker already exists")
	ErrInvalidWorkerURL = errors.New("worker url must be an absolute https url")
	ErrInvalidQuota     = errors.New("quota must not be negative")
)
