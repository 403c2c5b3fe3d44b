package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionlab/internal/config"
)

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()

	g, err := New(ctx, config.GenerationConfig{})
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = New(ctx, config.GenerationConfig{Provider: "Template"})
	require.NoError(t, err)
	assert.Equal(t, "template", g.Name())

	g, err = New(ctx, config.GenerationConfig{Provider: "ollama", Host: "http://127.0.0.1:1", Model: "qwen3"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:qwen3", g.Name())

	t.Setenv("MISSIONLAB_TEST_NO_KEY", "")
	_, err = New(ctx, config.GenerationConfig{Provider: "genai", APIKeyEnv: "MISSIONLAB_TEST_NO_KEY"})
	assert.Error(t, err)

	_, err = New(ctx, config.GenerationConfig{Provider: "bogus"})
	assert.Error(t, err)
}

func TestTemplateGeneratorFollowsTask(t *testing.T) {
	g := NewTemplateGenerator(0)
	ctx := context.Background()

	plan, err := g.Generate(ctx, Request{Task: TaskPlanning, Prompt: "Research question: tidal power"})
	require.NoError(t, err)
	assert.Contains(t, plan.Content, "- Key Questions")

	research, err := g.Generate(ctx, Request{Task: TaskResearch, Prompt: "Research question: tidal power\n\nList the findings."})
	require.NoError(t, err)
	assert.Contains(t, research.Content, "Primary finding on tidal power:")
	assert.Equal(t, 3, strings.Count(research.Content, "\n- "))
	assert.Positive(t, research.TokensUsed)

	report, err := g.Generate(ctx, Request{Task: TaskWriting, Prompt: "Topic: tidal power"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.Content, "# Report: tidal power"))
	assert.Equal(t, "template", report.Provider)
}

func TestTemplateRefinementKeepsDraft(t *testing.T) {
	g := NewTemplateGenerator(0)
	prompt := "Reviewer feedback:\n- Add quantitative data\n\n" + DraftMarker + "\n# Report: x\n\n## Introduction\n\nBody text.\n"
	out, err := g.Generate(context.Background(), Request{Task: TaskRefinement, Prompt: prompt})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Content, "# Report: x"))
	assert.Contains(t, out.Content, "## Revision Notes\n\n- Add quantitative data")
}

func TestTemplateGeneratorHonoursContext(t *testing.T) {
	g := NewTemplateGenerator(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, Request{Prompt: "anything"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectTask(t *testing.T) {
	assert.Equal(t, TaskPlanning, DetectTask("Draft an outline"))
	assert.Equal(t, TaskResearch, DetectTask("Investigate battery recycling"))
	assert.Equal(t, TaskWriting, DetectTask("Compose a summary"))
	assert.Equal(t, TaskRefinement, DetectTask("Revise this text"))
	assert.Equal(t, TaskGeneral, DetectTask("hello"))
}

func TestOllamaGeneratorSendsSystemPrompt(t *testing.T) {
	var got struct {
		Model   string         `json:"model"`
		System  string         `json:"system"`
		Prompt  string         `json:"prompt"`
		Stream  *bool          `json:"stream"`
		Options map[string]any `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"model":"qwen3","response":"- a finding [s1]","done":true,"prompt_eval_count":7,"eval_count":5}` + "\n"))
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(srv.URL, "qwen3", 0.2, 256)
	require.NoError(t, err)
	resp, err := g.Generate(context.Background(), Request{System: "Be precise.", Prompt: "Research question: x"})
	require.NoError(t, err)

	assert.Equal(t, "- a finding [s1]", resp.Content)
	assert.Equal(t, 12, resp.TokensUsed)
	assert.Equal(t, "Be precise.", got.System)
	assert.Equal(t, "qwen3", got.Model)
	require.NotNil(t, got.Stream)
	assert.False(t, *got.Stream)
	assert.InDelta(t, 0.2, got.Options["temperature"], 1e-9)
	assert.InDelta(t, 256, got.Options["num_predict"], 1e-9)
}

func TestOllamaGeneratorReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(srv.URL, "missing", 0, 0)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}
