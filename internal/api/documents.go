package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"missionlab/internal/domain"
	"missionlab/internal/rag"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Library.ListDocuments(r.Context(), strings.TrimSpace(r.URL.Query().Get("group")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateDocument ingests either inline content or, when path is set, a
// file under the documents root.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		Title    string `json:"title"`
		Group    string `json:"group"`
		FileType string `json:"file_type"`
		Content  string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	doc := domain.Document{
		Title:    req.Title,
		Group:    req.Group,
		FileType: req.FileType,
		Content:  req.Content,
	}
	if strings.TrimSpace(req.Path) != "" {
		if s.deps.Files == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("documents root is not configured"))
			return
		}
		loaded, err := s.deps.Files.ReadDocument(r.Context(), req.Path, req.Group)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if req.Title != "" {
			loaded.Title = req.Title
		}
		doc = loaded
	}

	stored, chunks, err := s.deps.Documents.IngestDocument(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stored.Content = ""
	writeJSON(w, http.StatusCreated, map[string]any{
		"document": stored,
		"chunks":   len(chunks),
	})
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	chunks, err := s.deps.Documents.ProcessDocument(r.Context(), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"chunks":      len(chunks),
	})
}

// handleSearch serves /search?q=...&mode=hybrid|semantic|keyword.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	opts := rag.SearchOptions{
		DocumentIDs: q["document_id"],
		Group:       q.Get("group"),
		FileTypes:   q["file_type"],
		Threshold:   queryFloat(r, "threshold"),
		Limit:       queryInt(r, "limit", 0),
	}

	search := s.deps.Documents.HybridSearch
	switch strings.ToLower(q.Get("mode")) {
	case "", "hybrid":
	case "semantic":
		search = s.deps.Documents.SemanticSearch
	case "keyword":
		search = s.deps.Documents.KeywordSearch
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown search mode %q", q.Get("mode")))
		return
	}
	results, err := search(r.Context(), query, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
