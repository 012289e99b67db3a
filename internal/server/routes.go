package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/relaychat/internal/apperr"
	"github.com/Tyrowin/relaychat/internal/metrics"
)

// routes configures every HTTP route of the relay.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/test", s.handleTestPage)
	r.HandleFunc("/ws", s.handleWebSocket)

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", apperr.Handle(s.log, s.handleListMessages))
		r.Post("/", apperr.Handle(s.log, s.handleAddMessage))
		r.Delete("/{id}", apperr.Handle(s.log, s.handleDeleteMessage))
	})
	r.Post("/broadcast", apperr.Handle(s.log, s.handleBroadcast))
	r.Get("/connections", apperr.Handle(s.log, s.handleConnections))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.metrics))

	return r
}
