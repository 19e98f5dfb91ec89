package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/mw"
)

func init() { Register(registerInfra) }

func registerInfra(r chi.Router, d deps.Deps) {
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cidrs := r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))

	r.Get("/healthz", handlers.Healthz(d))
	cidrs.Get("/readyz", handlers.Readyz(d))
	cidrs.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	guarded(r, d).Get("/api/infra", handlers.Infra(d))
}
