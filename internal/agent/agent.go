package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"missionlab/internal/domain"
	"missionlab/internal/llm"
)

const (
	ModulePlanning   = "planning_agent"
	ModuleResearch   = "research_agent"
	ModuleWriting    = "writing_agent"
	ModuleReflection = "reflection_agent"

	systemUserID = "system"
)

// PromptOptimizer runs a full optimization session over the active prompt
// parameters of one module.
type PromptOptimizer interface {
	OptimizeModule(ctx context.Context, userID, moduleID string) (domain.OptimizationSession, error)
}

type PromptSource interface {
	ListPromptParameters(ctx context.Context, moduleID string) ([]domain.PromptParameter, error)
}

// Generator produces text from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Options carries the collaborators shared by every agent. All fields are
// optional. Without a Generator agents compose their output from built-in
// templates.
type Options struct {
	Optimizer PromptOptimizer
	Prompts   PromptSource
	Generator Generator
	Logger    *zap.Logger
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type OptimizationOutcome struct {
	ModuleID        string  `json:"module_id"`
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	Generations     int     `json:"generations"`
	BaselineFitness float64 `json:"baseline_fitness"`
	BestFitness     float64 `json:"best_fitness"`
	Improved        bool    `json:"improved"`
}

type Metrics struct {
	Role            domain.AgentRole `json:"role"`
	ModuleID        string           `json:"module_id"`
	Executions      int              `json:"executions"`
	Failures        int              `json:"failures"`
	AvgDuration     time.Duration    `json:"avg_duration"`
	AvgQuality      float64          `json:"avg_quality"`
	LastUsed        *time.Time       `json:"last_used,omitempty"`
	Optimizations   int              `json:"optimizations"`
	LastBestFitness float64          `json:"last_best_fitness"`
	PromptVersion   int              `json:"prompt_version"`
	Completions     int              `json:"completions"`
	TokensUsed      int              `json:"tokens_used"`
}

// base holds the bookkeeping every agent shares.
type base struct {
	role     domain.AgentRole
	moduleID string
	opts     Options

	mu            sync.Mutex
	metrics       Metrics
	totalDuration time.Duration
	qualitySum    float64
	qualityCount  int
}

func newBase(role domain.AgentRole, moduleID string, opts Options) *base {
	opts = opts.withDefaults()
	return &base{
		role:     role,
		moduleID: moduleID,
		opts:     opts,
		metrics:  Metrics{Role: role, ModuleID: moduleID},
	}
}

func (b *base) Role() domain.AgentRole { return b.role }

func (b *base) ModuleID() string { return b.moduleID }

// record folds one call into the running metrics. quality < 0 means the call
// produced no quality score.
func (b *base) record(started time.Time, quality float64, err error) {
	now := b.opts.Clock()
	elapsed := now.Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Executions++
	if err != nil {
		b.metrics.Failures++
	}
	b.totalDuration += elapsed
	b.metrics.AvgDuration = b.totalDuration / time.Duration(b.metrics.Executions)
	if quality >= 0 && err == nil {
		b.qualitySum += quality
		b.qualityCount++
		b.metrics.AvgQuality = b.qualitySum / float64(b.qualityCount)
	}
	b.metrics.LastUsed = &now
}

func (b *base) PerformanceMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.metrics
	if out.LastUsed != nil {
		t := *out.LastUsed
		out.LastUsed = &t
	}
	return out
}

// OptimizePrompts runs one optimization session for the agent's module.
func (b *base) OptimizePrompts(ctx context.Context) (OptimizationOutcome, error) {
	if b.opts.Optimizer == nil {
		return OptimizationOutcome{}, fmt.Errorf("optimize %s: no prompt optimizer configured", b.moduleID)
	}
	session, err := b.opts.Optimizer.OptimizeModule(ctx, systemUserID, b.moduleID)
	if err != nil {
		return OptimizationOutcome{}, fmt.Errorf("optimize %s: %w", b.moduleID, err)
	}

	outcome := OptimizationOutcome{
		ModuleID:        b.moduleID,
		SessionID:       session.ID,
		Status:          string(session.Status),
		Generations:     len(session.History),
		BaselineFitness: session.BaselineFitness,
		BestFitness:     session.BestFitness,
		Improved:        session.BestFitness > session.BaselineFitness,
	}

	b.mu.Lock()
	b.metrics.Optimizations++
	b.metrics.LastBestFitness = session.BestFitness
	b.mu.Unlock()

	b.opts.Logger.Info("agent prompts optimized",
		zap.String("module_id", b.moduleID),
		zap.String("session_id", session.ID),
		zap.Float64("baseline_fitness", session.BaselineFitness),
		zap.Float64("best_fitness", session.BestFitness),
	)
	return outcome, nil
}

// prompt returns the current value of a named prompt parameter, or fallback
// when none is stored.
func (b *base) prompt(ctx context.Context, name, fallback string) string {
	if b.opts.Prompts == nil {
		return fallback
	}
	params, err := b.opts.Prompts.ListPromptParameters(ctx, b.moduleID)
	if err != nil {
		b.opts.Logger.Warn("load prompt parameters failed",
			zap.String("module_id", b.moduleID),
			zap.Error(err),
		)
		return fallback
	}
	for _, p := range params {
		if p.Name != name {
			continue
		}
		b.mu.Lock()
		b.metrics.PromptVersion = p.Version
		b.mu.Unlock()
		if p.Value == "" {
			return fallback
		}
		return p.Value
	}
	return fallback
}

// generate calls the configured generator with the module prompt as the
// system prompt. Backend failures and empty completions are retryable.
func (b *base) generate(ctx context.Context, task llm.Task, system, prompt string) (llm.Response, error) {
	resp, err := b.opts.Generator.Generate(ctx, llm.Request{Task: task, System: system, Prompt: prompt})
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, err
		}
		return llm.Response{}, domain.Retryable(fmt.Errorf("generate %s: %w", task, err))
	}
	resp.Content = strings.TrimSpace(resp.Content)

	b.mu.Lock()
	b.metrics.Completions++
	b.metrics.TokensUsed += resp.TokensUsed
	b.mu.Unlock()

	if resp.Content == "" {
		return llm.Response{}, domain.Retryable(fmt.Errorf("generate %s: empty completion", task))
	}
	b.opts.Logger.Debug("completion generated",
		zap.String("module_id", b.moduleID),
		zap.String("task", string(task)),
		zap.String("provider", resp.Provider),
		zap.Int("tokens", resp.TokensUsed),
		zap.Duration("elapsed", resp.Elapsed),
	)
	return resp, nil
}

// bulletLines returns the text of markdown list items ("- ", "* ", "1. ")
// with emphasis markers removed.
func bulletLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		item, ok := listItem(strings.TrimSpace(line))
		if !ok {
			continue
		}
		item = strings.TrimSpace(strings.ReplaceAll(item, "**", ""))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func listItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* "} {
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):], true
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' ' {
		return line[i+2:], true
	}
	return "", false
}

func trim(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
