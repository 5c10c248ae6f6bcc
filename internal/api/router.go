/**
 * @description
 * This file sets up the HTTP router for the payment-service using the go-chi/chi router.
 * It defines the API routes, applies middleware for logging, CORS and authentication,
 * and maps the routes to their corresponding handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the secrets the middleware validates against.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
}

// NewRouter creates a new Chi router and registers the payment-service routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	// Provider callbacks are unauthenticated apart from the optional signature.
	r.Post("/payments/webhook", h.handleWebhook)
	r.Get("/payments/webhook", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))

		r.Post("/payments/create", h.handleCreatePayment)
		r.Get("/payments/status/{merchantReference}", h.handlePaymentStatus)
		r.Get("/subscriptions/me", h.handleMySubscription)
		r.Post("/subscriptions/trial", h.handleActivateTrial)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalKeyMiddleware(cfg.InternalAPIKey))

		r.Post("/listings/slots", h.handleConsumeListingSlot)
		r.Put("/subscriptions/{subjectID}/override", h.handleSetOverride)
	})

	return r
}
