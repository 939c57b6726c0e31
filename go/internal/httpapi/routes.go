package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// RouteRegistrar adds its own routes to the router, like the gateway's /ws.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// RouterConfig holds the settings of the API router
type RouterConfig struct {
	AdminSecret string
	// AuthFailureRate and AuthFailureBurst bound failed bearer attempts per address.
	AuthFailureRate  rate.Limit
	AuthFailureBurst int
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the HTTP routes of the server
func NewRouter(h *Handler, cfg RouterConfig, registrars ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	failures := NewIPRateLimiter(cfg.AuthFailureRate, cfg.AuthFailureBurst)

	// Public routes
	r.Get("/ping", h.Ping)
	r.Get("/health", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/data", h.GetData)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AdminSecret, failures))

			r.Post("/data", h.PostData)

			r.Post("/instance/create", h.CreateInstance)
			r.Post("/instance/switch", h.SwitchInstance)
			r.Delete("/instance/delete", h.DeleteInstance)
			r.Post("/instance/clone", h.CloneInstance)
			r.Post("/instance/import", h.ImportInstance)
			r.Get("/instance/export", h.ExportInstance)

			r.Post("/config/update", h.UpdateConfig)

			r.Post("/token/create", h.CreateToken)
			r.Post("/token/modify", h.ModifyToken)
			r.Delete("/token/delete", h.DeleteToken)
			r.Get("/token", h.ListTokens)
		})
	})

	for _, registrar := range registrars {
		registrar.RegisterRoutes(r)
	}
	return r
}
