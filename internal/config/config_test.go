package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDecodesSectionsAndRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9000"
db_path = "data/test.db"

[coordinator]
max_research_reflections = 4
quality_threshold = 0.75

[optimization]
population_size = 6
generations = 3
mutation_rate = 0.2
seed = 42

[rag.embedding]
provider = "hash"
dimensions = 1536

[generation]
provider = "template"
max_tokens = 800
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "data/test.db", cfg.Server.DBPath)
	assert.Equal(t, 4, cfg.Coordinator.MaxResearchReflections)
	assert.InDelta(t, 0.75, cfg.Coordinator.QualityThreshold, 1e-9)
	assert.Equal(t, 6, cfg.Optimization.PopulationSize)
	assert.Equal(t, 3, cfg.Optimization.Generations)
	assert.Equal(t, int64(42), cfg.Optimization.Seed)
	assert.Equal(t, "hash", cfg.RAG.Embedding.Provider)
	assert.Equal(t, "template", cfg.Generation.Provider)
	assert.Equal(t, 800, cfg.Generation.MaxTokens)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "server")
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \":9000\"\n"), 0o644))
	t.Setenv("MISSIONLAB_ADDR", ":9100")
	t.Setenv("MISSIONLAB_LOG_LEVEL", "debug")
	t.Setenv("MISSIONLAB_QUALITY_THRESHOLD", "0.6")
	t.Setenv("MISSIONLAB_LLM_PROVIDER", "ollama")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.InDelta(t, 0.6, cfg.Coordinator.QualityThreshold, 1e-9)
	assert.Equal(t, "ollama", cfg.Generation.Provider)
}

func TestLoadPromptSeedsDefault(t *testing.T) {
	seeds, err := LoadPromptSeeds("")
	require.NoError(t, err)
	require.NotEmpty(t, seeds)

	modules := map[string]bool{}
	for _, s := range seeds {
		modules[s.Module] = true
		assert.NotEmpty(t, s.Value)
	}
	assert.True(t, modules["research_agent"])
	assert.True(t, modules["writing_agent"])
	assert.True(t, modules["planning_agent"])
}

func TestLoadPromptSeedsRejectsIncompleteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompts:\n  - module: a\n    name: b\n"), 0o644))

	_, err := LoadPromptSeeds(path)
	require.Error(t, err)
}
