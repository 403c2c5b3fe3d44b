package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"missionlab/internal/domain"
	"missionlab/internal/orchestrator"
	"missionlab/internal/report"
)

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	items, err := s.deps.Missions.ListMissions(r.Context(), userID, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string   `json:"user_id"`
		Query       string   `json:"query"`
		DocumentIDs []string `json:"document_ids"`
		AutoStart   bool     `json:"auto_start"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mission, err := s.deps.Missions.CreateMission(r.Context(), orchestrator.CreateMissionInput{
		UserID:      firstNonEmpty(req.UserID, s.defaultUserID),
		Query:       req.Query,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.AutoStart {
		if err := s.deps.Missions.Launch(s.base, mission.ID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, mission)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	mission, err := s.deps.Missions.GetMission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mission)
}

func (s *Server) handleExecuteMission(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "id")
	if err := s.deps.Missions.Launch(s.base, missionID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "mission_id": missionID})
}

func (s *Server) handleMissionExecutions(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Missions.ListExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleMissionFindings(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Missions.ListFindings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleMissionDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.deps.Missions.GetDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleMissionDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Missions.ListDecisions(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 300))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleMissionReport renders the latest draft plus its sources.
func (s *Server) handleMissionReport(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "id")
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	draft, err := s.deps.Missions.GetDraft(r.Context(), missionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("mission %s has no draft yet: %w", missionID, err)
		}
		s.fail(w, r, err)
		return
	}
	findings, err := s.deps.Missions.ListFindings(r.Context(), missionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := report.Render(report.Compose(draft, findings), format, report.Options{Width: queryInt(r, "width", 0)})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleOptimizeAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Missions.OptimizeAllAgents(r.Context()))
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Missions.AgentMetrics())
}
