package api

import (
	"net/http"

	"originguard/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health"
			}),
		))
	}
}

// WithRateLimiter adds a limiting middleware in front of the guard. Limiters
// run in the order they are passed.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		if middleware != nil {
			r.Use(middleware)
		}
	}
}

// SetupRoutes configures the HTTP routes of the guard. Every route, including
// the catch-all, passes through the decision pipeline.
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware(handlers.resolver))
	if config.Server.SecurityHeaders {
		router.Use(securityHeadersMiddleware)
	}

	for _, opt := range opts {
		opt(router)
	}

	router.Use(guardMiddleware(handlers))

	// Preflights answer only after the guard admits them.
	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/admin/status", handlers.AdminStatus).Methods("GET")
	if !handlers.HasDownstream() {
		router.HandleFunc("/", handlers.Root).Methods("GET")
	}
	router.PathPrefix("/").HandlerFunc(handlers.Downstream)

	return router
}
