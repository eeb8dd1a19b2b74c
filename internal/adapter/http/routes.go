package http

import "github.com/go-chi/chi/v5"

// MountRoutes registers the probes and the operator API on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/api/v1/orgs/{org}", func(r chi.Router) {
		r.Get("/queue", h.QueueStats)

		r.Post("/sessions", h.OpenSession)
		r.Delete("/sessions/{id}", h.CloseSession)
		r.Post("/sessions/{id}/objectives", h.Submit)

		r.Post("/commands/{id}/resume", h.ResumeCommand)
	})
}
