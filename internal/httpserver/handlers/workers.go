package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

// workerView is a worker as returned by the API.
type workerView struct {
	domain.Worker
	RemainingQuota int64 `json:"remaining_quota"`
}

func newWorkerView(w domain.Worker) workerView {
	return workerView{Worker: w, RemainingQuota: w.RemainingQuota()}
}

type workersResponse struct {
	Workers []workerView     `json:"workers"`
	Stats   domain.PoolStats `json:"stats"`
}

func ListWorkers(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := d.Pool.Workers()
		views := make([]workerView, len(workers))
		for i, wk := range workers {
			views[i] = newWorkerView(wk)
		}
		ok(w, "", workersResponse{Workers: views, Stats: d.Pool.Stats()})
	}
}

type addWorkerRequest struct {
	URL   string `json:"url"`
	Quota int64  `json:"quota"`
}

func AddWorker(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addWorkerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			fail(w, http.StatusBadRequest, "Field url is required")
			return
		}
		worker, err := d.Pool.AddWorker(r.Context(), req.URL, req.Quota)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Worker added", newWorkerView(worker))
	}
}

func RemoveWorker(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Pool.RemoveWorker(r.Context(), id); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Worker removed", nil)
	}
}

type workerActionRequest struct {
	Action string `json:"action"`
	Quota  *int64 `json:"quota"`
}

var workerActions = []string{"enable", "disable", "reset-quota", "update-quota"}

func WorkerAction(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req workerActionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var (
			worker domain.Worker
			err    error
			msg    string
		)
		ctx := r.Context()
		switch req.Action {
		case "enable":
			worker, err = d.Pool.EnableWorker(ctx, id)
			msg = "Worker enabled"
		case "disable":
			worker, err = d.Pool.DisableWorker(ctx, id)
			msg = "Worker disabled"
		case "reset-quota":
			worker, err = d.Pool.ResetWorkerQuota(ctx, id)
			msg = "Worker quota reset"
		case "update-quota":
			if req.Quota == nil {
				fail(w, http.StatusBadRequest, "Field quota is required")
				return
			}
			worker, err = d.Pool.UpdateWorkerQuota(ctx, id, *req.Quota)
			msg = "Worker quota updated"
		default:
			invalidEnum(w, "action", workerActions...)
			return
		}
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, msg, newWorkerView(worker))
	}
}

// ReloadWorkers re-applies the pool file and resyncs the pool from Redis.
func ReloadWorkers(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := d.PoolReloader.Reload(r.Context())
		if err != nil {
			d.Logger.Warn("manual pool reload failed",
				logger.String("remote_ip", r.RemoteAddr),
				logger.Error(err))
			fail(w, http.StatusInternalServerError, "Reload failed: "+err.Error())
			return
		}
		d.Logger.Info("manual pool reload via endpoint",
			logger.String("remote_ip", r.RemoteAddr))
		ok(w, "Worker pool reloaded", sum)
	}
}

type testWorkerRequest struct {
	URL string `json:"url"`
}

type testWorkerResponse struct {
	Healthy      bool  `json:"healthy"`
	ResponseTime int64 `json:"responseTime"` // milliseconds
}

// TestWorker health-checks an endpoint without adding it to the pool.
func TestWorker(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testWorkerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		endpoint, err := workerclient.ValidateEndpoint(req.URL)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
		defer cancel()
		healthy, elapsed := d.WorkerClient.Ping(ctx, endpoint)
		ok(w, "", testWorkerResponse{Healthy: healthy, ResponseTime: elapsed.Milliseconds()})
	}
}
