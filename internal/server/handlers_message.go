package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// PostMessageRequest is the body of POST /conversation/{id}/message.
type PostMessageRequest struct {
	Content string `json:"content"`
	UserID  string `json:"userID,omitempty"`
}

// ReactionRequest is the body of POST /conversation/{id}/message/{messageID}/reaction.
type ReactionRequest struct {
	Approved bool   `json:"approved"`
	UserID   string `json:"userID,omitempty"`
}

// listMessages handles GET /conversation/{conversationID}/message
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if s.web == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "web gateway is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.web.Messages(chi.URLParam(r, "conversationID")))
}

// postMessage handles POST /conversation/{conversationID}/message. The
// reply streams over /event; the response carries the stored message.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	if s.web == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "web gateway is not enabled")
		return
	}

	var req PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}

	msg, err := s.web.Deliver(r.Context(), chi.URLParam(r, "conversationID"), req.UserID, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// postReaction handles POST /conversation/{conversationID}/message/{messageID}/reaction
func (s *Server) postReaction(w http.ResponseWriter, r *http.Request) {
	if s.web == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "web gateway is not enabled")
		return
	}

	var req ReactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	err := s.web.React(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"), req.UserID, req.Approved)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
