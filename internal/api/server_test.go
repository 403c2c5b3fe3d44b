package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/config"
	"missionlab/internal/domain"
	"missionlab/internal/fs"
	"missionlab/internal/messaging/inproc"
	"missionlab/internal/optimization"
	"missionlab/internal/orchestrator"
	"missionlab/internal/rag"
	sqlitestore "missionlab/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	srv   *httptest.Server
	coord *orchestrator.Coordinator
	opt   *optimization.Service
	root  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlitestore.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	logger := zap.NewNop()
	bus := inproc.New(256, logger)
	ragSvc := rag.New(store, rag.NewHashEmbedding(64), rag.Config{}, logger)
	opt := optimization.New(store, nil, optimization.Config{
		Defaults: domain.OptimizationConfig{PopulationSize: 4, Generations: 2},
	}, logger)
	opts := agent.Options{Optimizer: opt, Prompts: opt, Logger: logger}
	coord := orchestrator.New(store, orchestrator.Agents{
		Planner:    agent.NewPlanningAgent(opts),
		Research:   agent.NewResearchAgent(ragSvc, agent.ResearchConfig{}, opts),
		Writing:    agent.NewWritingAgent(opts),
		Reflection: agent.NewReflectionAgent(agent.ReflectionConfig{}, opts),
	}, bus, orchestrator.Config{RetryDelay: time.Millisecond}, logger)

	root := filepath.Join(dir, "docs")
	gw, err := fs.NewGateway(root, 0, logger)
	require.NoError(t, err)

	base, cancel := context.WithCancel(context.Background())
	s := New(base, Deps{
		Missions:      coord,
		Optimizations: opt,
		Documents:     ragSvc,
		Library:       store,
		Files:         gw,
		Progress:      bus,
		Config:        config.Config{Path: "test.toml", Raw: map[string]any{"server": map[string]any{"addr": ":0"}}},
	}, logger)
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		http.DefaultClient.CloseIdleConnections()
		srv.Close()
		cancel()
		coord.Wait()
		opt.Wait()
		_ = store.Close()
	})
	return &testEnv{srv: srv, coord: coord, opt: opt, root: root}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (e *testEnv) waitMission(t *testing.T, missionID string) domain.Mission {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		code, body := e.do(t, http.MethodGet, "/missions/"+missionID, nil)
		require.Equal(t, http.StatusOK, code)
		m := decode[domain.Mission](t, body)
		if m.Status == domain.MissionStatusCompleted || m.Status == domain.MissionStatusFailed {
			return m
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("mission %s did not finish", missionID)
	return domain.Mission{}
}

func TestHealthAndConfig(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decode[map[string]any](t, body)["status"])

	code, body = env.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, code)
	cfg := decode[map[string]any](t, body)
	assert.Equal(t, "test.toml", cfg["path"])
	assert.NotNil(t, cfg["raw"])
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/missions", map[string]any{"query": "   "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodPost, "/missions", map[string]any{
		"query":      "grid scale battery storage",
		"auto_start": true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	created := decode[domain.Mission](t, body)
	assert.Equal(t, "local", created.UserID)

	done := env.waitMission(t, created.ID)
	require.Equal(t, domain.MissionStatusCompleted, done.Status, done.LastError)

	code, _ = env.do(t, http.MethodPost, "/missions/"+created.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = env.do(t, http.MethodGet, "/missions/"+created.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, decode[[]domain.AgentExecution](t, body))

	code, body = env.do(t, http.MethodGet, "/missions/"+created.ID+"/findings", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, decode[[]domain.Finding](t, body))

	code, body = env.do(t, http.MethodGet, "/missions/"+created.ID+"/decisions?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	assert.LessOrEqual(t, len(decode[[]domain.DecisionLog](t, body)), 5)

	code, body = env.do(t, http.MethodGet, "/missions/"+created.ID+"/report?format=html", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "<!DOCTYPE html>")
	assert.Contains(t, string(body), "Sources")

	code, body = env.do(t, http.MethodGet, "/missions/"+created.ID+"/report", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(string(body), "# "), string(body))

	code, _ = env.do(t, http.MethodGet, "/missions/"+created.ID+"/report?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/missions?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.Mission](t, body), 1)

	code, body = env.do(t, http.MethodGet, "/agents/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]agent.Metrics](t, body), 4)
}

func TestUnknownMissionIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/missions/nope", "/missions/nope/draft", "/missions/nope/report"} {
		code, _ := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
	code, _ := env.do(t, http.MethodPost, "/missions/nope/execute", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDocumentsIngestAndSearch(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/documents", map[string]any{"title": "empty", "content": "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodPost, "/documents", map[string]any{
		"title":   "Storage",
		"group":   "energy",
		"content": "Lithium iron phosphate batteries dominate grid storage deployments. Costs fell sharply over the decade.",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	created := decode[struct {
		Document domain.Document `json:"document"`
		Chunks   int             `json:"chunks"`
	}](t, body)
	assert.Positive(t, created.Chunks)
	assert.Empty(t, created.Document.Content)

	code, body = env.do(t, http.MethodGet, "/search?mode=keyword&q=phosphate+batteries", nil)
	require.Equal(t, http.StatusOK, code)
	results := decode[[]rag.SearchResult](t, body)
	require.NotEmpty(t, results)
	assert.Equal(t, created.Document.ID, results[0].Chunk.DocumentID)

	code, _ = env.do(t, http.MethodGet, "/search?q=x&mode=fuzzy", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/documents/"+created.Document.ID+"/process", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, created.Chunks, decode[map[string]any](t, body)["chunks"])

	code, _ = env.do(t, http.MethodPost, "/documents/missing/process", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = env.do(t, http.MethodGet, "/documents?group=energy", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.Document](t, body), 1)

	code, _ = env.do(t, http.MethodPost, "/documents", map[string]any{"path": "../outside.txt"})
	assert.Equal(t, http.StatusBadRequest, code)

	require.NoError(t, os.WriteFile(filepath.Join(env.root, "wind.md"), []byte("Offshore wind capacity factors exceed forty percent in the North Sea."), 0o644))
	code, body = env.do(t, http.MethodPost, "/documents", map[string]any{"path": "wind.md", "group": "energy"})
	require.Equal(t, http.StatusCreated, code, string(body))
	fromFile := decode[struct {
		Document domain.Document `json:"document"`
	}](t, body)
	assert.Equal(t, fs.DocumentID("wind.md"), fromFile.Document.ID)
	assert.Equal(t, "wind", fromFile.Document.Title)
}

func TestPromptsAndOptimizationSessions(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/prompts", map[string]any{
		"module_id": "research",
		"name":      "research_prompt",
		"value":     "Summarise the evidence.",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	param := decode[domain.PromptParameter](t, body)
	assert.Equal(t, domain.ParameterStateActive, param.State)

	code, _ = env.do(t, http.MethodPost, "/prompts/"+param.ID+"/state", map[string]any{"state": "melted"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/prompts/"+param.ID+"/state", map[string]any{"state": "inactive"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.ParameterStateInactive, decode[domain.PromptParameter](t, body).State)

	code, _ = env.do(t, http.MethodPost, "/optimizations", map[string]any{
		"module_id":            "research",
		"prompt_parameter_ids": []string{param.ID},
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.do(t, http.MethodPost, "/prompts/"+param.ID+"/state", map[string]any{"state": "active"})
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodPost, "/optimizations", map[string]any{
		"module_id":            "research",
		"prompt_parameter_ids": []string{param.ID},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	session := decode[domain.OptimizationSession](t, body)
	assert.Equal(t, domain.SessionStatusCreated, session.Status)

	code, _ = env.do(t, http.MethodPost, "/optimizations/"+session.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/optimizations/"+session.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.SessionStatusCancelled, decode[domain.OptimizationSession](t, body).Status)

	code, _ = env.do(t, http.MethodPost, "/optimizations/"+session.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = env.do(t, http.MethodGet, "/prompts?module_id=research", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.PromptParameter](t, body), 1)
}

func TestMissionWebSocketStreamsProgress(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/missions", map[string]any{"query": "offshore wind costs"})
	require.Equal(t, http.StatusCreated, code)
	mission := decode[domain.Mission](t, body)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/missions/" + mission.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first domain.ProgressEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "mission.snapshot", first.Kind)
	assert.Equal(t, mission.ID, first.MissionID)

	code, _ = env.do(t, http.MethodPost, "/missions/"+mission.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, code)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	kinds := map[string]bool{}
	for !kinds["mission.completed"] {
		var evt domain.ProgressEvent
		require.NoError(t, conn.ReadJSON(&evt), "saw %v", kinds)
		kinds[evt.Kind] = true
	}
	assert.True(t, kinds["mission.status"])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound},
		{&domain.InsufficientInputError{Subject: "query"}, http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrMissionInProgress), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrSessionFinal), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrParameterNotOptimizable), http.StatusConflict},
		{fmt.Errorf("read: %w", fs.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
