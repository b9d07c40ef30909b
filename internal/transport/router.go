package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(LogMiddleware)
	r.Use(WithRecover)

	r.Get("/health", h.health)

	r.Post("/parse/{kind}", h.parse)
	r.Post("/parse/{kind}/batch", h.batch)

	r.Get("/jobs/{id}", h.status)
	r.Delete("/jobs/{id}", h.cancel)
	r.Get("/jobs/{id}/events", h.events)

	return r
}
