package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
)

type healthzResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	SchedulerStarted bool    `json:"scheduler_started"`
	TotalWorkers     int     `json:"total_workers"`
	EligibleWorkers  int     `json:"eligible_workers"`
	Version          string  `json:"version,omitempty"`
	Commit           string  `json:"commit,omitempty"`
	BuildDate        string  `json:"build_date,omitempty"`
	GoVersion        string  `json:"go_version,omitempty"`
}

// Healthz is liveness only. An empty pool or a stopped scheduler still
// answers 200.
func Healthz(d deps.Deps) http.HandlerFunc {
	start := d.StartTime
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:        "ok",
			UptimeSeconds: time.Since(start).Seconds(),
			Version:       d.Version,
			Commit:        d.Commit,
			BuildDate:     d.BuildDate,
			GoVersion:     d.GoVersion,
		}
		if d.Scheduler != nil {
			resp.SchedulerStarted = d.Scheduler.IsStarted()
		}
		if d.Pool != nil {
			stats := d.Pool.Stats()
			resp.TotalWorkers = stats.TotalWorkers
			resp.EligibleWorkers = stats.EligibleWorkers
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
