package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/template"
)

const previewDomain = "example.com"

type previewRequest struct {
	Template string `json:"template"`
	Domain   string `json:"domain"`
}

type previewResponse struct {
	Domain string   `json:"domain"`
	URLs   []string `json:"urls"`
}

// PreviewTemplate expands a template against one domain, example.com when
// none is given.
func PreviewTemplate(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req previewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		dom := req.Domain
		if dom == "" {
			dom = previewDomain
		}
		urls, err := template.Expand(dom, req.Template)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		ok(w, "", previewResponse{Domain: template.NormalizeDomain(dom), URLs: urls})
	}
}
