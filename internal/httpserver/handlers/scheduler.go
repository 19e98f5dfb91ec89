package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/scheduler"
)

func SchedulerStatus(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok(w, "", d.Scheduler.Status())
	}
}

// Intervals are in milliseconds.
type schedulerRequest struct {
	Action              string `json:"action"`
	IncrementalEnabled  *bool  `json:"incrementalEnabled"`
	RescanEnabled       *bool  `json:"rescanEnabled"`
	IncrementalInterval *int64 `json:"incrementalInterval"`
	RescanInterval      *int64 `json:"rescanInterval"`
}

func SchedulerAction(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req schedulerRequest
		if !decodeBody(w, r, &req) {
			return
		}

		switch req.Action {
		case "start":
			// the loop must outlive this request
			d.Scheduler.Start(r.Context())
			ok(w, "Scheduler started", d.Scheduler.Status())
		case "stop":
			d.Scheduler.Stop()
			ok(w, "Scheduler stopped", d.Scheduler.Status())
		case "update-config":
			upd := scheduler.ConfigUpdate{
				IncrementalEnabled:  req.IncrementalEnabled,
				RescanEnabled:       req.RescanEnabled,
				IncrementalInterval: millis(req.IncrementalInterval),
				RescanInterval:      millis(req.RescanInterval),
			}
			if _, err := d.Scheduler.UpdateConfig(r.Context(), upd); err != nil {
				writeError(w, d.Logger, err)
				return
			}
			ok(w, "Scheduler config updated", d.Scheduler.Status())
		default:
			invalidEnum(w, "action", "start", "stop", "update-config")
		}
	}
}

type triggerRequest struct {
	Type string `json:"type"`
}

func SchedulerTrigger(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		kind, err := scheduler.ParseKind(req.Type)
		if err != nil {
			invalidEnum(w, "type", string(scheduler.KindIncremental), string(scheduler.KindRescan))
			return
		}
		if err := d.Scheduler.Trigger(r.Context(), kind); err != nil {
			if errors.Is(err, domain.ErrAutomationDisabled) {
				fail(w, http.StatusConflict, "Automation is disabled; scan will run once it is enabled")
				return
			}
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Triggered "+string(kind)+" scan", d.Scheduler.Status())
	}
}

func millis(v *int64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Millisecond
	return &d
}
