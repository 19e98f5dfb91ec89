package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/handlers"
)

func init() { Register(registerTasks) }

func registerTasks(r chi.Router, d deps.Deps) {
	g := guarded(r, d)
	g.Get("/api/tasks", handlers.ListTasks(d))
	g.Get("/api/tasks/{id}", handlers.GetTask(d))
	g.Get("/api/tasks/{id}/results", handlers.TaskResults(d))

	m := mutating(r, d)
	m.Post("/api/tasks", handlers.CreateTask(d))
	m.Post("/api/tasks/reset", handlers.ResetTasks(d))
	m.Post("/api/tasks/{id}/start", handlers.StartTask(d))
	m.Delete("/api/tasks/{id}", handlers.DeleteTask(d))
}
