package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
)

func AutomationStatus(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok(w, "", d.Automation.Status())
	}
}

type actionRequest struct {
	Action string `json:"action"`
}

func AutomationAction(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var err error
		msg := ""
		switch req.Action {
		case "enable":
			err = d.Automation.Enable(r.Context())
			msg = "Automation enabled"
		case "disable":
			err = d.Automation.Disable(r.Context())
			msg = "Automation disabled"
		case "toggle":
			var on bool
			on, err = d.Automation.Toggle(r.Context())
			msg = "Automation disabled"
			if on {
				msg = "Automation enabled"
			}
		default:
			invalidEnum(w, "action", "enable", "disable", "toggle")
			return
		}
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, msg, d.Automation.Status())
	}
}
