package app

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	myMiddleware "realtimeService/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/chat", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(myMiddleware.Authenticator(s.gateway))
			r.Get("/conversations", s.GetConversations())
			r.Post("/conversations", s.StartConversation())
			r.Get("/conversations/{conversationId}", s.GetConversation())
			r.Get("/conversations/{conversationId}/messages", s.GetConversationMessages())
			r.Get("/messages/direct/{partyId}", s.GetDirectMessages())
			r.Get("/messages/unread", s.GetUnreadCount())
			r.Get("/messages/search", s.SearchMessages())
			r.Get("/connections", s.GetConnections())
			r.Get("/presence/{partyId}", s.GetPresence())
			r.Get("/calls/active", s.GetActiveCall())
			r.Patch("/calls/{callId}/media", s.UpdateCallMedia())
		})

		// Authenticates the handshake itself, before the upgrade.
		r.Get("/ws", s.ServeWs())
	})

	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.options.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.options.AllowedOrigins
}
