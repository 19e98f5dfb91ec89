package domain

import "fmt"

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskRunning},
	TaskRunning:   {TaskCompleted, TaskFailed},
	TaskCompleted: {TaskPending}, // bulk reset only
	TaskFailed:    {TaskPending}, // bulk reset only
}

// ValidateTaskTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTaskTransition(from, to TaskStatus) error {
	allowed, ok := taskTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminalStatus reports whether no execution will touch the task again.
func IsTerminalStatus(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus validates a persisted status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}
