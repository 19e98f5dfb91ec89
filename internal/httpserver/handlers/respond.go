package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/scheduler"
	"github.com/MrSnakeDoc/probeswarm/internal/template"
)

const maxBodyBytes = 1 << 20

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: message, Data: data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

// decodeBody reads a JSON body into dst. It writes the 400 itself and
// returns false when the body is empty or malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		fail(w, http.StatusBadRequest, "Failed to read request body")
		return false
	}
	if len(raw) > maxBodyBytes {
		fail(w, http.StatusRequestEntityTooLarge, "Request body is too large")
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		fail(w, http.StatusBadRequest, "Request body is empty")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

func invalidEnum(w http.ResponseWriter, field string, allowed ...string) {
	fail(w, http.StatusBadRequest, "Invalid "+field+". Must be: "+strings.Join(allowed, ", "))
}

// writeError maps a core error to its status code. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrWorkerNotFound):
		fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTaskNotPending),
		errors.Is(err, domain.ErrTaskAlreadyRunning),
		errors.Is(err, domain.ErrTaskNotRunning),
		errors.Is(err, domain.ErrTasksRunning),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrWorkerExists),
		errors.Is(err, domain.ErrAutomationDisabled),
		errors.Is(err, domain.ErrShuttingDown):
		fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidWorkerURL),
		errors.Is(err, domain.ErrInvalidQuota),
		errors.Is(err, scheduler.ErrInvalidInterval),
		errors.Is(err, scheduler.ErrUnknownKind),
		errors.Is(err, template.ErrEmptyTemplate),
		errors.Is(err, template.ErrNoPlaceholder),
		errors.Is(err, template.ErrEmptyDomain):
		fail(w, http.StatusBadRequest, err.Error())
	default:
		log.Error("request failed", logger.Error(err))
		fail(w, http.StatusInternalServerError, "Internal server error")
	}
}
