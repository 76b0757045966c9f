package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/conversation", func(r chi.Router) {
		r.Get("/", s.listConversations)

		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Post("/clear", s.clearConversation)
			r.Post("/rewind", s.rewindConversation)
			r.Get("/compact", s.compactConversation)
			r.Post("/stop", s.stopConversation)

			// Web gateway
			r.Get("/message", s.listMessages)
			r.Post("/message", s.postMessage)
			r.Post("/message/{messageID}/reaction", s.postReaction)
		})
	})

	r.Route("/approval", func(r chi.Router) {
		r.Get("/", s.listApprovals)
		r.Post("/{requestID}", s.respondApproval)
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)

	if s.approval != nil {
		r.Handle("/mcp/{conversationID}", s.approval)
		r.Handle("/mcp/{conversationID}/*", s.approval)
	}
}
