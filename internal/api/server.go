package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/config"
	"missionlab/internal/domain"
	"missionlab/internal/fs"
	"missionlab/internal/optimization"
	"missionlab/internal/orchestrator"
	"missionlab/internal/rag"
)

type Missions interface {
	CreateMission(ctx context.Context, in orchestrator.CreateMissionInput) (domain.Mission, error)
	GetMission(ctx context.Context, missionID string) (domain.Mission, error)
	ListMissions(ctx context.Context, userID string, limit int) ([]domain.Mission, error)
	ListExecutions(ctx context.Context, missionID string) ([]domain.AgentExecution, error)
	ListFindings(ctx context.Context, missionID string) ([]domain.Finding, error)
	GetDraft(ctx context.Context, missionID string) (domain.Draft, error)
	ListDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error)
	Launch(ctx context.Context, missionID string) error
	OptimizeAllAgents(ctx context.Context) orchestrator.OptimizationReport
	AgentMetrics() []agent.Metrics
}

type Optimizations interface {
	CreatePromptParameter(ctx context.Context, p domain.PromptParameter) (domain.PromptParameter, error)
	ListPromptParameters(ctx context.Context, moduleID string) ([]domain.PromptParameter, error)
	GetPromptParameter(ctx context.Context, parameterID string) (domain.PromptParameter, error)
	SetParameterState(ctx context.Context, parameterID string, state domain.ParameterState) error
	CreateSession(ctx context.Context, in optimization.CreateSessionInput) (domain.OptimizationSession, error)
	GetSession(ctx context.Context, sessionID string) (domain.OptimizationSession, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]domain.OptimizationSession, error)
	Launch(ctx context.Context, sessionID string) error
	CancelSession(ctx context.Context, sessionID string) error
}

type Documents interface {
	IngestDocument(ctx context.Context, doc domain.Document) (domain.Document, []domain.DocumentChunk, error)
	ProcessDocument(ctx context.Context, documentID string) ([]domain.DocumentChunk, error)
	SemanticSearch(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.SearchResult, error)
	KeywordSearch(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.SearchResult, error)
	HybridSearch(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.SearchResult, error)
}

type DocumentLister interface {
	ListDocuments(ctx context.Context, group string) ([]domain.Document, error)
}

// FileReader loads documents from the configured documents root.
type FileReader interface {
	ReadDocument(ctx context.Context, relPath, group string) (domain.Document, error)
}

type Progress interface {
	Subscribe(missionID string) (<-chan domain.ProgressEvent, func())
}

// Deps are the services the API fronts. Files may be nil, in which case
// documents can only be posted inline.
type Deps struct {
	Missions      Missions
	Optimizations Optimizations
	Documents     Documents
	Library       DocumentLister
	Files         FileReader
	Progress      Progress
	Config        config.Config
}

type Server struct {
	// base outlives requests; background missions and sessions run under it.
	base          context.Context
	deps          Deps
	defaultUserID string
	logger        *zap.Logger
	router        chi.Router
}

func New(base context.Context, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{
		base:          base,
		deps:          deps,
		defaultUserID: firstNonEmpty(deps.Config.Server.DefaultUserID, "local"),
		logger:        logger,
		router:        chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/config", s.handleConfig)

	r.Route("/missions", func(r chi.Router) {
		r.Get("/", s.handleListMissions)
		r.Post("/", s.handleCreateMission)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMission)
			r.Post("/execute", s.handleExecuteMission)
			r.Get("/executions", s.handleMissionExecutions)
			r.Get("/findings", s.handleMissionFindings)
			r.Get("/draft", s.handleMissionDraft)
			r.Get("/decisions", s.handleMissionDecisions)
			r.Get("/report", s.handleMissionReport)
			r.Get("/ws", s.handleMissionWebSocket)
		})
	})

	r.Route("/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleCreateDocument)
		r.Post("/{id}/process", s.handleProcessDocument)
	})
	r.Get("/search", s.handleSearch)

	r.Route("/prompts", func(r chi.Router) {
		r.Get("/", s.handleListPrompts)
		r.Post("/", s.handleCreatePrompt)
		r.Get("/{id}", s.handleGetPrompt)
		r.Post("/{id}/state", s.handleSetPromptState)
	})

	r.Route("/optimizations", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/execute", s.handleExecuteSession)
		r.Post("/{id}/cancel", s.handleCancelSession)
	})

	r.Post("/agents/optimize", s.handleOptimizeAgents)
	r.Get("/agents/metrics", s.handleAgentMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": s.deps.Config.Path,
		"raw":  s.deps.Config.Raw,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientInput),
		errors.Is(err, fs.ErrOutsideRoot),
		errors.Is(err, fs.ErrUnsupportedFileType):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMissionInProgress),
		errors.Is(err, domain.ErrSessionFinal),
		errors.Is(err, domain.ErrParameterNotOptimizable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, code, err)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryFloat(r *http.Request, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get(key)), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
