package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missionlab/internal/config"
)

// Task names the kind of text an agent asks for. Model backends ignore it;
// the template generator picks its response from it.
type Task string

const (
	TaskPlanning   Task = "planning"
	TaskResearch   Task = "research"
	TaskWriting    Task = "writing"
	TaskRefinement Task = "refinement"
	TaskGeneral    Task = "general"
)

// DraftMarker introduces the draft in a refinement prompt.
const DraftMarker = "Draft:"

type Request struct {
	Task        Task
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content    string        `json:"content"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	TokensUsed int           `json:"tokens_used"`
	Elapsed    time.Duration `json:"elapsed"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// New builds the configured generator. It returns nil, nil when no provider
// is configured.
func New(ctx context.Context, cfg config.GenerationConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "template", "mock":
		return NewTemplateGenerator(time.Duration(cfg.TemplateDelayMS) * time.Millisecond), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Host, cfg.Model, cfg.Temperature, cfg.MaxTokens)
	case "genai", "gemini":
		return NewGenAIGenerator(ctx, cfg.APIKey(), cfg.Model, cfg.Temperature, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
