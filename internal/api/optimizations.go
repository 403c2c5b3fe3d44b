package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"missionlab/internal/domain"
	"missionlab/internal/optimization"
)

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Optimizations.ListPromptParameters(r.Context(), strings.TrimSpace(r.URL.Query().Get("module_id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModuleID string                `json:"module_id"`
		Name     string                `json:"name"`
		Value    string                `json:"value"`
		State    domain.ParameterState `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	param, err := s.deps.Optimizations.CreatePromptParameter(r.Context(), domain.PromptParameter{
		ModuleID: req.ModuleID,
		Name:     req.Name,
		Value:    req.Value,
		State:    req.State,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, param)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	param, err := s.deps.Optimizations.GetPromptParameter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, param)
}

func (s *Server) handleSetPromptState(w http.ResponseWriter, r *http.Request) {
	parameterID := chi.URLParam(r, "id")
	var req struct {
		State domain.ParameterState `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Optimizations.SetParameterState(r.Context(), parameterID, req.State); err != nil {
		s.fail(w, r, err)
		return
	}
	param, err := s.deps.Optimizations.GetPromptParameter(r.Context(), parameterID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, param)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	items, err := s.deps.Optimizations.ListSessions(r.Context(), userID, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		optimization.CreateSessionInput
		AutoStart bool `json:"auto_start"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in := req.CreateSessionInput
	in.UserID = firstNonEmpty(in.UserID, s.defaultUserID)
	session, err := s.deps.Optimizations.CreateSession(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.AutoStart {
		if err := s.deps.Optimizations.Launch(s.base, session.ID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Optimizations.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleExecuteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.deps.Optimizations.Launch(s.base, sessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "session_id": sessionID})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.deps.Optimizations.CancelSession(r.Context(), sessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling", "session_id": sessionID})
}
