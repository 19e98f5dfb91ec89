package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

// SaveWorker upserts a worker. The rotation order is fixed by the first save.
func (s *Store) SaveWorker(ctx context.Context, w domain.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal worker: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, WorkerKey(w.ID), data, 0)
	pipe.ZAddNX(ctx, AllWorkersKey(), redis.Z{
		Score:  float64(w.CreatedAt.UnixNano()),
		Member: w.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save worker %s: %w", w.ID, err)
	}
	return nil
}

// SaveWorkers upserts several workers in one transaction.
func (s *Store) SaveWorkers(ctx context.Context, workers []domain.Worker) error {
	if len(workers) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, w := range workers {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to marshal worker %s: %w", w.ID, err)
		}
		pipe.Set(ctx, WorkerKey(w.ID), data, 0)
		pipe.ZAddNX(ctx, AllWorkersKey(), redis.Z{Score: float64(w.CreatedAt.UnixNano()), Member: w.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save workers: %w", err)
	}
	return nil
}

// ListWorkers returns every worker in creation order.
// Ids whose document vanished are pruned from the index.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	ids, err := s.client.ZRange(ctx, AllWorkersKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Worker{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = WorkerKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workers: %w", err)
	}

	workers := make([]domain.Worker, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var w domain.Worker
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker %s: %w", ids[i], err)
		}
		workers = append(workers, w)
	}

	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, AllWorkersKey(), stale...).Err()
	}
	return workers, nil
}

// DeleteWorker removes a worker and its index entry.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, WorkerKey(id))
	pipe.ZRem(ctx, AllWorkersKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	return nil
}
