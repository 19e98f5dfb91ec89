package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

// Task hash fields
const (
	fieldID          = "id"
	fieldName        = "name"
	fieldTarget      = "target"
	fieldTemplate    = "url_template"
	fieldConcurrency = "concurrency"
	fieldIncremental = "incremental"
	fieldStatus      = "status"
	fieldTotal       = "total_urls"
	fieldScanned     = "scanned_urls"
	fieldHits        = "hits"
	fieldError       = "error"
	fieldCreatedAt   = "created_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
)

// CreateTask persists a new task.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, TaskKey(t.ID), encodeTask(t))
	pipe.ZAdd(ctx, AllTasksKey(), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	fields, err := s.client.HGetAll(ctx, TaskKey(id)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return decodeTask(fields)
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	ids, err := s.client.ZRevRange(ctx, AllTasksKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, TaskKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load tasks: %w", err)
		}
	}

	tasks := make([]domain.Task, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decodeTask(fields)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListTasksByStatus returns the tasks currently in status.
func (s *Store) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	all, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(all))
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// StartTask moves a pending task to running, stamping started_at and clearing counters.
func (s *Store) StartTask(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	var started domain.Task
	key := TaskKey(id)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		t, err := decodeTask(fields)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskPending {
			return fmt.Errorf("%w: task %s is %s", domain.ErrTaskNotPending, id, t.Status)
		}

		t.Status = domain.TaskRunning
		t.StartedAt = &now
		t.CompletedAt = nil
		t.TotalURLs, t.ScannedURLs, t.Hits, t.Error = 0, 0, 0, ""

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeTask(t))
			return nil
		})
		started = t
		return err
	}, key)
	if err != nil {
		return domain.Task{}, err
	}
	return started, nil
}

// SetTotalURLs records the expanded URL count of a running task.
func (s *Store) SetTotalURLs(ctx context.Context, id string, total int64) error {
	key := TaskKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		if err := requireStatus(ctx, tx, key, id, domain.TaskRunning); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldTotal, total)
			return nil
		})
		return err
	}, key)
}

// FinishTask moves a running task to a terminal status.
func (s *Store) FinishTask(ctx context.Context, id string, status domain.TaskStatus, errMsg string, now time.Time) error {
	if err := domain.ValidateTaskTransition(domain.TaskRunning, status); err != nil {
		return err
	}
	key := TaskKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		if err := requireStatus(ctx, tx, key, id, domain.TaskRunning); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldStatus, string(status),
				fieldError, errMsg,
				fieldCompletedAt, formatTime(&now))
			return nil
		})
		return err
	}, key)
}

// AppendResults stores results of a running task and bumps its counters in
// the same transaction. Appends to a task that is no longer running are rejected.
func (s *Store) AppendResults(ctx context.Context, taskID string, results []domain.Result) error {
	if len(results) == 0 {
		return nil
	}

	payload := make([]interface{}, len(results))
	var hits int64
	for i, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		payload[i] = data
		if r.Status >= 200 && r.Status < 300 {
			hits++
		}
	}

	key := TaskKey(taskID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		if err := requireStatus(ctx, tx, key, taskID, domain.TaskRunning); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, ResultsKey(taskID), payload...)
			pipe.HIncrBy(ctx, key, fieldScanned, int64(len(results)))
			if hits > 0 {
				pipe.HIncrBy(ctx, key, fieldHits, hits)
			}
			return nil
		})
		return err
	}, key)
}

// Results returns a page of task results and the total stored for the task.
func (s *Store) Results(ctx context.Context, taskID string, offset, limit int64) ([]domain.Result, int64, error) {
	if offset < 0 {
		offset = 0
	}
	pipe := s.client.Pipeline()
	total := pipe.LLen(ctx, ResultsKey(taskID))
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	page := pipe.LRange(ctx, ResultsKey(taskID), offset, stop)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("failed to read results of %s: %w", taskID, err)
	}

	out := make([]domain.Result, 0, len(page.Val()))
	for _, raw := range page.Val() {
		var r domain.Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		out = append(out, r)
	}
	return out, total.Val(), nil
}

// ResetAllTasks clears every result list and puts every task back to pending
// in one transaction. It refuses while any task is running.
func (s *Store) ResetAllTasks(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, AllTasksKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list task ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = TaskKey(id)
	}

	err = s.watch(ctx, func(tx *redis.Tx) error {
		for i, key := range keys {
			status, err := tx.HGet(ctx, key, fieldStatus).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if domain.TaskStatus(status) == domain.TaskRunning {
				return fmt.Errorf("%w: %s", domain.ErrTasksRunning, ids[i])
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				pipe.Del(ctx, ResultsKey(ids[i]))
				pipe.HSet(ctx, key,
					fieldStatus, string(domain.TaskPending),
					fieldTotal, 0,
					fieldScanned, 0,
					fieldHits, 0,
					fieldError, "",
					fieldStartedAt, "",
					fieldCompletedAt, "")
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteTask removes a task and its results. A running task is refused.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	key := TaskKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		if err != nil {
			return err
		}
		if domain.TaskStatus(status) == domain.TaskRunning {
			return fmt.Errorf("%w: %s", domain.ErrTaskAlreadyRunning, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, ResultsKey(id))
			pipe.ZRem(ctx, AllTasksKey(), id)
			return nil
		})
		return err
	}, key)
}

func requireStatus(ctx context.Context, tx *redis.Tx, key, id string, want domain.TaskStatus) error {
	status, err := tx.HGet(ctx, key, fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return err
	}
	if domain.TaskStatus(status) != want {
		if want == domain.TaskRunning {
			return fmt.Errorf("%w: task %s is %s", domain.ErrTaskNotRunning, id, status)
		}
		return fmt.Errorf("%w: task %s is %s, want %s", domain.ErrInvalidTransition, id, status, want)
	}
	return nil
}

func encodeTask(t domain.Task) map[string]interface{} {
	return map[string]interface{}{
		fieldID:          t.ID,
		fieldName:        t.Name,
		fieldTarget:      t.Target,
		fieldTemplate:    t.URLTemplate,
		fieldConcurrency: t.Concurrency,
		fieldIncremental: strconv.FormatBool(t.Incremental),
		fieldStatus:      string(t.Status),
		fieldTotal:       t.TotalURLs,
		fieldScanned:     t.ScannedURLs,
		fieldHits:        t.Hits,
		fieldError:       t.Error,
		fieldCreatedAt:   formatTime(&t.CreatedAt),
		fieldStartedAt:   formatTime(t.StartedAt),
		fieldCompletedAt: formatTime(t.CompletedAt),
	}
}

func decodeTask(f map[string]string) (domain.Task, error) {
	t := domain.Task{
		ID:          f[fieldID],
		Name:        f[fieldName],
		Target:      f[fieldTarget],
		URLTemplate: f[fieldTemplate],
		Status:      domain.TaskStatus(f[fieldStatus]),
		Error:       f[fieldError],
	}

	var err error
	if t.Concurrency, err = atoi(f[fieldConcurrency]); err != nil {
		return t, fmt.Errorf("task %s: bad concurrency: %w", t.ID, err)
	}
	t.Incremental, _ = strconv.ParseBool(f[fieldIncremental])
	if t.TotalURLs, err = atoi64(f[fieldTotal]); err != nil {
		return t, fmt.Errorf("task %s: bad total_urls: %w", t.ID, err)
	}
	if t.ScannedURLs, err = atoi64(f[fieldScanned]); err != nil {
		return t, fmt.Errorf("task %s: bad scanned_urls: %w", t.ID, err)
	}
	if t.Hits, err = atoi64(f[fieldHits]); err != nil {
		return t, fmt.Errorf("task %s: bad hits: %w", t.ID, err)
	}

	created, err := parseTime(f[fieldCreatedAt])
	if err != nil {
		return t, fmt.Errorf("task %s: bad created_at: %w", t.ID, err)
	}
	if created != nil {
		t.CreatedAt = *created
	}
	if t.StartedAt, err = parseTime(f[fieldStartedAt]); err != nil {
		return t, fmt.Errorf("task %s: bad started_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseTime(f[fieldCompletedAt]); err != nil {
		return t, fmt.Errorf("task %s: bad completed_at: %w", t.ID, err)
	}
	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func atoi64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
