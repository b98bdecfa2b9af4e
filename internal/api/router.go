package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		r.Get("/system", s.handleSystem)

		r.Get("/environment", s.handleGetEnvironment)
		r.Put("/environment", s.handleSwitchEnvironment)

		r.Route("/refresh", func(r chi.Router) {
			r.Get("/", s.handleListRefresh)
			r.Get("/{group}", s.handleGetRefresh)
		})

		r.Get("/audit", s.handleListAudit)

		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.handleListDomains)

			r.Route("/{domain}", func(r chi.Router) {
				r.Get("/status", s.handleDomainStatus)
				r.Get("/connection", s.handleConnection)
				r.Get("/topics", s.handleTopics)
				r.Get("/schemas", s.handleTopicSchemas)

				r.Get("/buffers", s.handleBuffers)
				r.Delete("/buffers", s.handleClearBuffers)

				r.Route("/messages", func(r chi.Router) {
					r.Post("/generate", s.handleGenerate)
					r.Post("/validate", s.handleValidate)
					r.Post("/publish", s.handlePublish)
				})

				r.Route("/orders", func(r chi.Router) {
					r.Get("/", s.handleListOrders)
					r.Get("/{id}", s.handleGetOrder)
					r.Get("/{id}/plan", s.handleOrderPlan)
				})

				r.Get("/stock", s.handleStock)
				r.Get("/sensors", s.handleSensors)
				r.Get("/sensors/camera", s.handleCameraFrame)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"environment": s.core.Environment(),
	})
}
