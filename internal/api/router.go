package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// Reads are public; sync, upload and delete sit behind the admin gate.
// events, if non-nil, is mounted at GET /events (SSE) outside compression.
func NewRouter(h *Handler, auth AuthOptions, events http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(Compress)

		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Get("/images", h.ListImages)
		r.Get("/images/{id}", h.GetImage)
		r.Get("/metadata", h.Metadata)
		r.Get("/history", h.History)
		r.Get("/clients", h.Clients)

		r.Post("/webhook/github", h.GitHubWebhook)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(auth))
			r.Post("/sync", h.Sync)
			r.Post("/upload", h.Upload)
			r.Delete("/images/{id}", h.DeleteImage)
			r.Delete("/images", h.DeleteImages)
		})
	})

	if events != nil {
		r.Get("/events", events.ServeHTTP)
	}

	return r
}
