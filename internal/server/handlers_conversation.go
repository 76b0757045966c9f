package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/session"
)

// RewindRequest is the body of POST /conversation/{id}/rewind.
type RewindRequest struct {
	Count int `json:"count"`
}

// CompactResponse is returned by GET /conversation/{id}/compact.
type CompactResponse struct {
	ConversationID string `json:"conversationID"`
	Depth          int    `json:"depth"`
}

// StopResponse is returned by POST /conversation/{id}/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// listConversations handles GET /conversation
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.List(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("failed to list conversations")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// getConversation handles GET /conversation/{conversationID}
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	writeJSON(w, http.StatusOK, s.manager.Status(r.Context(), id))
}

// clearConversation handles POST /conversation/{conversationID}/clear
func (s *Server) clearConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	writeJSON(w, http.StatusOK, s.manager.Clear(r.Context(), id))
}

// rewindConversation handles POST /conversation/{conversationID}/rewind
func (s *Server) rewindConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	req := RewindRequest{Count: 1}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	res, err := s.manager.Rewind(r.Context(), id, req.Count)
	if errors.Is(err, session.ErrInvalidCount) {
		writeErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), map[string]any{"count": req.Count})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// compactConversation handles GET /conversation/{conversationID}/compact
func (s *Server) compactConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	writeJSON(w, http.StatusOK, CompactResponse{
		ConversationID: id,
		Depth:          s.manager.Compact(r.Context(), id),
	})
}

// stopConversation handles POST /conversation/{conversationID}/stop
func (s *Server) stopConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	writeJSON(w, http.StatusOK, StopResponse{Stopped: s.manager.Stop(id)})
}
