package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/handlers"
)

func init() { Register(registerDomains) }

func registerDomains(r chi.Router, d deps.Deps) {
	guarded(r, d).Get("/api/domains", handlers.DomainCounts(d))

	m := mutating(r, d)
	m.Post("/api/domains", handlers.AddDomains(d))
	m.Post("/api/template/preview", handlers.PreviewTemplate(d))
}
