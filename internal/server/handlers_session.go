package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if metas == nil {
		metas = []*types.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status, err := s.orch.Status(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.orch.Abort(r.Context(), sessionID)
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	msgs, err := s.orch.SessionHistory(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// sendToSession is the cross-session handoff endpoint: the message is
// delivered immediately when the target is idle, durably queued otherwise.
func (s *Server) sendToSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	if err := s.orch.SendMessageToSession(r.Context(), sessionID, body.Text); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) getGlobalAllowedTools(w http.ResponseWriter, r *http.Request) {
	patterns := s.orch.GlobalAllowedTools()
	if patterns == nil {
		patterns = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"patterns": patterns})
}

func (s *Server) setGlobalAllowedTools(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	s.orch.SetGlobalAllowedTools(body.Patterns)
	writeSuccess(w)
}
