// Package automation holds the process-wide switch that gates scheduled scans.
package automation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
)

// Settings keys owned by the controller.
const (
	KeyEnabled    = "automation_enabled"
	KeyLastPaused = "automation_last_paused"
)

// SettingsStore is the key-value persistence the controller writes through.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
	SetSettings(ctx context.Context, values map[string]string) error
}

// Controller is a guarded boolean with the time it was last paused.
// Every mutation is persisted before memory changes.
type Controller struct {
	store  SettingsStore
	logger logger.Logger
	now    func() time.Time

	mu         sync.RWMutex
	enabled    bool
	lastPaused *time.Time
}

// New returns a controller that is enabled until Init reads persisted state.
func New(store SettingsStore, log logger.Logger) *Controller {
	return &Controller{
		store:   store,
		logger:  log,
		now:     time.Now,
		enabled: true,
	}
}

// Init loads the persisted state. Missing settings keep the defaults.
func (c *Controller) Init(ctx context.Context) error {
	values, err := c.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load automation state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if raw, ok := values[KeyEnabled]; ok {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			c.logger.Warn("ignoring malformed automation setting",
				logger.String("key", KeyEnabled), logger.String("value", raw))
		} else {
			c.enabled = enabled
		}
	}
	if raw := values[KeyLastPaused]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.logger.Warn("ignoring malformed automation setting",
				logger.String("key", KeyLastPaused), logger.String("value", raw))
		} else {
			c.lastPaused = &ts
		}
	}

	c.logger.Info("automation state loaded", logger.Bool("enabled", c.enabled))
	return nil
}

// Enable turns automation on.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(ctx, true)
}

// Disable turns automation off and stamps lastPaused.
func (c *Controller) Disable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(ctx, false)
}

// Toggle flips the state and returns the new value.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := !c.enabled
	if err := c.set(ctx, next); err != nil {
		return c.enabled, err
	}
	return next, nil
}

func (c *Controller) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Controller) Status() domain.AutomationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := domain.AutomationState{Enabled: c.enabled}
	if c.lastPaused != nil {
		ts := *c.lastPaused
		st.LastPaused = &ts
	}
	return st
}

// set must be called with mu held.
func (c *Controller) set(ctx context.Context, enabled bool) error {
	values := map[string]string{KeyEnabled: strconv.FormatBool(enabled)}
	var paused time.Time
	if !enabled {
		paused = c.now().UTC()
		values[KeyLastPaused] = paused.Format(time.RFC3339Nano)
	}

	if err := c.store.SetSettings(ctx, values); err != nil {
		return fmt.Errorf("failed to persist automation state: %w", err)
	}

	c.enabled = enabled
	if !enabled {
		c.lastPaused = &paused
	}
	c.logger.Info("automation state changed", logger.Bool("enabled", enabled))
	return nil
}
