/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     zap request log + request counter
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from till frontends
  5. Tenant:     X-API-Key -> tenant, /api routes only

ROUTE GROUPS:
  /health               Store pings for opened tenants
  /metrics              Prometheus exposition (when enabled)
  /api/customers/*      Ledger records
  /api/sales etc.       POS flows
  /api/transactions/*   Amend, delete, restore
  /api/admin/*          Maintenance

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request log and tenant resolution
  - cmd/ledgerd: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	Metrics        bool
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", APIKeyHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	r.Get("/health", h.Health)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(withTenant(h.Tenants))

		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/lookup", h.LookupCustomer)
			r.Get("/{key}", h.GetCustomer)
			r.Put("/{key}/base", h.UpdateBase)
			r.Get("/{key}/transactions", h.GetTransactions)
			r.Post("/{key}/recompute", h.RecomputeCustomer)
			r.Get("/{key}/verify", h.VerifyCustomer)
		})

		r.Post("/sales", h.RecordSale)
		r.Post("/collections", h.RecordCollection)
		r.Post("/adjustments", h.RecordAdjustment)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/amend", h.AmendTransaction)
			r.Patch("/{id}", h.PatchTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
			r.Post("/{id}/restore", h.RestoreTransaction)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.RecomputeAll)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
