package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Impact string `json:"impact,omitempty"`
	Error  string `json:"error,omitempty"`
	Count  *int   `json:"count,omitempty"`
}

type infraResponse struct {
	ProbeMode  string                     `json:"probe_mode"`
	Components map[string]componentStatus `json:"components"`
}

// Infra summarises the health of every component the scanner depends on.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		stats := d.Pool.Stats()
		eligible := stats.EligibleWorkers
		workers := componentStatus{OK: eligible > 0, Count: &eligible, Mode: "remote"}
		if eligible == 0 {
			workers.Mode = "local-only"
			workers.Impact = "all probes run from this host"
		}

		running := d.Scanner.RunningCount()
		schedStatus := d.Scheduler.Status()
		components := map[string]componentStatus{
			"redis":   checkRedis(r.Context(), d),
			"workers": workers,
			"tasks":   {OK: true, Count: &running},
			"automation": {
				OK:   d.Automation.IsEnabled(),
				Mode: schedulerMode(schedStatus.Started),
			},
		}

		response := infraResponse{
			ProbeMode:  determineProbeMode(components),
			Components: components,
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

func schedulerMode(started bool) string {
	if started {
		return "scheduled"
	}
	return "manual"
}

func determineProbeMode(components map[string]componentStatus) string {
	if redis, exists := components["redis"]; exists && !redis.OK {
		return "critical" // no persistence, tasks cannot progress
	}
	if workers, exists := components["workers"]; exists && !workers.OK {
		return "degraded"
	}
	return "distributed"
}

func checkRedis(parent context.Context, d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{OK: false, Error: "client not initialized"}
	}

	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()

	if err := d.RedisClient.Ping(ctx).Err(); err != nil {
		return componentStatus{OK: false, Impact: "tasks cannot persist results", Error: "timeout"}
	}
	return componentStatus{OK: true}
}
