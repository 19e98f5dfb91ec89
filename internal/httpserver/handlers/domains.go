package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/template"
)

type domainCounts struct {
	Total     int64 `json:"total"`
	Scanned   int64 `json:"scanned"`
	Unscanned int64 `json:"unscanned"`
}

func DomainCounts(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, scanned, err := d.Store.DomainCounts(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		unscanned := total - scanned
		if unscanned < 0 {
			unscanned = 0
		}
		ok(w, "", domainCounts{Total: total, Scanned: scanned, Unscanned: unscanned})
	}
}

type addDomainsRequest struct {
	Domains []string `json:"domains"`
}

type addDomainsResponse struct {
	Added   int64 `json:"added"`
	Ignored int64 `json:"ignored"`
}

func AddDomains(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addDomainsRequest
		if !decodeBody(w, r, &req) {
			return
		}

		clean := make([]string, 0, len(req.Domains))
		for _, raw := range req.Domains {
			if dom := template.NormalizeDomain(raw); dom != "" {
				clean = append(clean, dom)
			}
		}
		if len(clean) == 0 {
			fail(w, http.StatusBadRequest, "Field domains must contain at least one domain")
			return
		}

		added, err := d.Store.AddDomains(r.Context(), clean)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		ok(w, "Domains added", addDomainsResponse{Added: added, Ignored: int64(len(req.Domains)) - added})
	}
}
