package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/handlers"
)

func init() { Register(registerAutomation) }

func registerAutomation(r chi.Router, d deps.Deps) {
	g := guarded(r, d)
	g.Get("/api/automation", handlers.AutomationStatus(d))
	g.Get("/api/scheduler", handlers.SchedulerStatus(d))

	m := mutating(r, d)
	m.Post("/api/automation", handlers.AutomationAction(d))
	m.Post("/api/scheduler", handlers.SchedulerAction(d))
	m.Post("/api/scheduler/trigger", handlers.SchedulerTrigger(d))
}
