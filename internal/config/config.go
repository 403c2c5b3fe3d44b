package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"missionlab/internal/domain"
)

const envPrefix = "MISSIONLAB_"

type Config struct {
	Server       ServerConfig              `toml:"server"`
	Logging      LoggingConfig             `toml:"logging"`
	Coordinator  CoordinatorConfig         `toml:"coordinator"`
	Optimization OptimizationRuntimeConfig `toml:"optimization"`
	RAG          RAGConfig                 `toml:"rag"`
	Generation   GenerationConfig          `toml:"generation"`
	Prompts      PromptsConfig             `toml:"prompts"`
	Raw          map[string]any            `toml:"-"`
	Path         string                    `toml:"-"`
}

type ServerConfig struct {
	Addr           string `toml:"addr"`
	DBPath         string `toml:"db_path"`
	DocumentsRoot  string `toml:"documents_root"`
	WatchDocuments bool   `toml:"watch_documents"`
	DefaultUserID  string `toml:"default_user_id"`
}

type LoggingConfig struct {
	Level    string `toml:"level"`
	Encoding string `toml:"encoding"`
}

type CoordinatorConfig struct {
	MaxResearchReflections int     `toml:"max_research_reflections"`
	MaxWritingReflections  int     `toml:"max_writing_reflections"`
	QualityThreshold       float64 `toml:"quality_threshold"`
	AgentAttempts          int     `toml:"agent_attempts"`
	RetryDelayMS           int     `toml:"retry_delay_ms"`
	HeartbeatIntervalMS    int     `toml:"heartbeat_interval_ms"`
	IdleTimeoutSec         int     `toml:"idle_timeout_sec"`
}

type OptimizationRuntimeConfig struct {
	domain.OptimizationConfig
	GenerationDelayMS     int     `toml:"generation_delay_ms"`
	EvaluationConcurrency int     `toml:"evaluation_concurrency"`
	Seed                  int64   `toml:"seed"`
	Noise                 float64 `toml:"noise"`
}

type RAGConfig struct {
	ChunkSize           int             `toml:"chunk_size"`
	ChunkOverlap        int             `toml:"chunk_overlap"`
	MinChunkLength      int             `toml:"min_chunk_length"`
	SimilarityThreshold float64         `toml:"similarity_threshold"`
	SearchLimit         int             `toml:"search_limit"`
	MaxDocumentBytes    int64           `toml:"max_document_bytes"`
	Embedding           EmbeddingConfig `toml:"embedding"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	Host       string `toml:"host"`
	APIKeyEnv  string `toml:"api_key_env"`
}

// GenerationConfig selects the text generator behind the agents. An empty
// provider keeps the built-in composition and calls no model.
type GenerationConfig struct {
	Provider        string  `toml:"provider"`
	Model           string  `toml:"model"`
	Host            string  `toml:"host"`
	APIKeyEnv       string  `toml:"api_key_env"`
	Temperature     float64 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	TemplateDelayMS int     `toml:"template_delay_ms"`
}

type PromptsConfig struct {
	SeedFile string `toml:"seed_file"`
}

// Load reads the TOML file at path, then applies a .env overlay and
// MISSIONLAB_* environment overrides. A missing file is only tolerated when
// path is empty and the default location does not exist.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg.Raw = map[string]any{}
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(envPrefix + "DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv(envPrefix + "DOCUMENTS_ROOT"); v != "" {
		cfg.Server.DocumentsRoot = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "EMBEDDING_PROVIDER"); v != "" {
		cfg.RAG.Embedding.Provider = v
	}
	if v := os.Getenv(envPrefix + "EMBEDDING_MODEL"); v != "" {
		cfg.RAG.Embedding.Model = v
	}
	if v := os.Getenv(envPrefix + "LLM_PROVIDER"); v != "" {
		cfg.Generation.Provider = v
	}
	if v := os.Getenv(envPrefix + "LLM_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv(envPrefix + "QUALITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Coordinator.QualityThreshold = f
		}
	}
	if cfg.RAG.Embedding.Host == "" {
		cfg.RAG.Embedding.Host = os.Getenv("OLLAMA_HOST")
	}
	if cfg.Generation.Host == "" {
		cfg.Generation.Host = os.Getenv("OLLAMA_HOST")
	}
}

// APIKey resolves the embedding provider key from the configured variable.
func (e EmbeddingConfig) APIKey() string {
	return resolveKey(e.APIKeyEnv)
}

// APIKey resolves the generation provider key from the configured variable.
func (g GenerationConfig) APIKey() string {
	return resolveKey(g.APIKeyEnv)
}

func resolveKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "GEMINI_API_KEY"
	}
	return os.Getenv(name)
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".missionlab/config.toml"
	}
	return filepath.Join(home, ".missionlab", "config.toml")
}
