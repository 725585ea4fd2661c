/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests
  5. Metrics:    Per-route request counters (when a collector is set)

ROUTE GROUPS:
  /api/coupons/*           Coupon registration, checks and redemptions
  /add_repeat_counts etc.  Legacy routes
  /metrics                 Prometheus exposition
  /healthz                 Liveness

SECURITY NOTE:
  No authentication middleware. Put the service behind a gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/couponctl/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/coupon-quota/metrics"
)

// RouterConfig holds optional router wiring.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        *metrics.Collector
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	if cfg.Metrics != nil {
		r.Use(countRequests(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api/coupons", func(r chi.Router) {
		r.Post("/", h.CreateCoupon)
		r.Get("/{code}", h.GetCoupon)
		r.Post("/{code}/check", h.CheckCoupon)
		r.Post("/{code}/redeem", h.RedeemCoupon)
		r.Get("/{code}/users/{userID}/usage", h.GetUserUsage)
	})

	// Legacy routes
	r.Post("/add_repeat_counts", h.LegacyAddRepeatCounts)
	r.Post("/verify_coupon_validity", h.LegacyVerifyCoupon)
	r.Post("/apply_coupon_code", h.LegacyApplyCoupon)

	return r
}

// countRequests labels by route pattern so coupon codes never become label values.
func countRequests(c *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.ObserveRequest(route, status)
		})
	}
}
