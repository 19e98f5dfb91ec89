package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/handlers"
)

func init() { Register(registerWorkers) }

func registerWorkers(r chi.Router, d deps.Deps) {
	guarded(r, d).Get("/api/workers", handlers.ListWorkers(d))

	m := mutating(r, d)
	m.Post("/api/workers", handlers.AddWorker(d))
	m.Post("/api/workers/reload", handlers.ReloadWorkers(d))
	m.Post("/api/workers/test", handlers.TestWorker(d))
	m.Post("/api/workers/{id}", handlers.WorkerAction(d))
	m.Delete("/api/workers/{id}", handlers.RemoveWorker(d))
}
