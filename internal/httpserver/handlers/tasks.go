package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/scanner"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

type taskView struct {
	domain.Task
	Progress float64 `json:"progress"`
	Running  bool    `json:"running"`
}

func viewOf(d deps.Deps, t domain.Task) taskView {
	return taskView{Task: t, Progress: t.Progress(), Running: d.Scanner.IsRunning(t.ID)}
}

func ListTasks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := d.Scanner.ListTasks(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, viewOf(d, t))
		}
		ok(w, "", views)
	}
}

func GetTask(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := d.Scanner.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "", viewOf(d, t))
	}
}

type resultsResponse struct {
	Results []domain.Result `json:"results"`
	Total   int64           `json:"total"`
	Offset  int64           `json:"offset"`
	Limit   int64           `json:"limit"`
}

func TaskResults(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, okOffset := queryInt(r, "offset", 0)
		limit, okLimit := queryInt(r, "limit", defaultResultsLimit)
		if !okOffset || offset < 0 {
			fail(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		if !okLimit || limit < 1 {
			fail(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if limit > maxResultsLimit {
			limit = maxResultsLimit
		}

		results, total, err := d.Scanner.Results(r.Context(), chi.URLParam(r, "id"), offset, limit)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if results == nil {
			results = []domain.Result{}
		}
		ok(w, "", resultsResponse{Results: results, Total: total, Offset: offset, Limit: limit})
	}
}

func CreateTask(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scanner.CreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		t, err := d.Scanner.CreateTask(r.Context(), req)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Task created", viewOf(d, t))
	}
}

// StartTask dispatches the execution and returns immediately.
func StartTask(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := d.Scanner.Start(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Task started", viewOf(d, t))
	}
}

func DeleteTask(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Scanner.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Task deleted", nil)
	}
}

type resetResponse struct {
	Reset int `json:"reset"`
}

func ResetTasks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := d.Scanner.ResetAll(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "All tasks reset", resetResponse{Reset: n})
	}
}

func queryInt(r *http.Request, key string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, err == nil
}
