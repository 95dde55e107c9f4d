package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/status", h.Status)

	// Indexer lifecycle.
	r.Route("/index", func(r chi.Router) {
		r.Post("/start", h.StartIndex)
		r.Post("/stop", h.StopIndex)
		r.Post("/reindex", h.Reindex)
		r.Post("/embed-missing", h.EmbedMissing)
	})

	r.Get("/vault", h.GetVault)
	r.Put("/vault", h.SetVault)

	r.Get("/search", h.Search)
	r.Get("/backlinks/*", h.Backlinks)

	r.Post("/tools/{name}", h.RunTool)
	r.Post("/ask", h.Ask)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
