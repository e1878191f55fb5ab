package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/pos-checkout/internal/auth"
	"github.com/noah-isme/pos-checkout/internal/checkout"
	"github.com/noah-isme/pos-checkout/internal/common"
	"github.com/noah-isme/pos-checkout/internal/health"
	"github.com/noah-isme/pos-checkout/internal/obs"
	"github.com/noah-isme/pos-checkout/internal/ratelimit"
	"github.com/noah-isme/pos-checkout/internal/security"
)

// RouterOptions selects the observability middleware mounted on the router.
type RouterOptions struct {
	Metrics       *obs.HTTPMetrics
	Tracing       bool
	ServeMetrics  bool
	SecureHeaders bool
	// Health overrides the readiness probe timeouts; its Checker defaults to
	// Redis plus the order API.
	Health health.Handler
	// Pprof is mounted under /debug/pprof when set.
	Pprof http.Handler
}

// Router builds the HTTP API.
func Router(d *Dependencies, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.Headers{Enable: opts.SecureHeaders}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(d.Config.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", common.IdempotencyHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	r.Use(security.BodyLimit{Max: d.Config.MaxBodyBytes}.Middleware)

	if opts.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if opts.Pprof != nil {
		r.Mount("/debug/pprof", opts.Pprof)
	}

	hh := opts.Health
	if hh.Checker == nil {
		hh.Checker = health.Deps{Redis: d.Redis, OrderAPI: d.Orders}
	}
	r.Get("/health/live", hh.Live)
	r.Get("/health/ready", hh.Ready)

	authMW := auth.Middleware{Verifier: d.Verifier}
	idem := common.Idem{R: d.Redis, TTL: d.Config.IdempotencyTTL}
	limit := ratelimit.Handler{
		Limiter: d.Limiter,
		Key:     ratelimit.ByCashier,
		OnError: func(r *http.Request, err error) {
			d.Logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rate limiter unavailable")
		},
	}
	h := &checkout.Handler{Svc: d.Checkout, Policy: d.Policy}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMW.RequireCashier)
		h.Routes(v, limit.Middleware, idem.Middleware)
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
