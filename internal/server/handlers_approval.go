package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/agentrelay/internal/gateway"
)

// ApprovalResponseRequest is the body of POST /approval/{requestID}.
type ApprovalResponseRequest struct {
	Approved bool   `json:"approved"`
	Always   bool   `json:"always,omitempty"`
	UserID   string `json:"userID,omitempty"`
}

// ApprovalResult acknowledges a decision.
type ApprovalResult struct {
	RequestID string              `json:"requestID"`
	Approved  bool                `json:"approved"`
	Always    bool                `json:"always,omitempty"`
	Via       gateway.DecisionVia `json:"via"`
}

// listApprovals handles GET /approval. ?conversationID= narrows the list.
func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Pending(r.URL.Query().Get("conversationID")))
}

// respondApproval handles POST /approval/{requestID}
func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req ApprovalResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	if !s.gate.Policy().CanDecide(req.UserID) {
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, "user may not decide approvals")
		return
	}
	if !s.gate.Respond(requestID, req.Approved, req.Always, req.UserID) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no pending approval "+requestID)
		return
	}
	writeJSON(w, http.StatusOK, ApprovalResult{
		RequestID: requestID,
		Approved:  req.Approved,
		Always:    req.Always,
		Via:       gateway.ViaControl,
	})
}
