package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions configures NewRouter. Nil fields are skipped.
type RouterOptions struct {
	RateLimit   func(http.Handler) http.Handler
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter mounts the assistant endpoints behind the standard middleware
// stack. Only the assist endpoints are rate limited.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", h.ListModels)
		r.Group(func(r chi.Router) {
			if opts.RateLimit != nil {
				r.Use(opts.RateLimit)
			}
			r.Post("/assist/policy", h.Policy)
			r.Post("/assist/sql", h.Query)
			r.Post("/assist/docs", h.Docs)
		})
	})
	return r
}
