package redis

import (
	"context"
	"fmt"
)

// Settings returns the whole settings hash. Missing hash means no settings.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, SettingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return values, nil
}

// SetSettings writes several settings at once.
func (s *Store) SetSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, SettingsKey(), values).Err(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, SettingsKey(), key).Err(); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
