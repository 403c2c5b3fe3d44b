package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missionlab/internal/agent"
	"missionlab/internal/domain"
)

type AgentOptimizationResult struct {
	Role     domain.AgentRole           `json:"role"`
	ModuleID string                     `json:"module_id"`
	Outcome  *agent.OptimizationOutcome `json:"outcome,omitempty"`
	Error    string                     `json:"error,omitempty"`
	// Skipped is set when the module has no active prompt to optimize.
	Skipped bool `json:"skipped,omitempty"`
}

type OptimizationReport struct {
	Results   []AgentOptimizationResult `json:"results"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	Skipped   int                       `json:"skipped"`
	Elapsed   time.Duration             `json:"elapsed"`
}

// OptimizeAllAgents optimizes every registered agent concurrently. A failing
// agent is reported in its result and does not stop the others. Agents with
// no active prompt parameters are skipped rather than failed.
func (c *Coordinator) OptimizeAllAgents(ctx context.Context) OptimizationReport {
	started := time.Now()
	agents := c.optimizableAgents()
	results := make([]AgentOptimizationResult, len(agents))

	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			res := AgentOptimizationResult{Role: a.Role(), ModuleID: a.ModuleID()}
			outcome, err := a.OptimizePrompts(ctx)
			switch {
			case errors.Is(err, domain.ErrParameterNotOptimizable):
				res.Skipped = true
				res.Error = err.Error()
				c.logger.Info("agent has no optimizable prompts",
					zap.String("module_id", res.ModuleID),
				)
			case err != nil:
				res.Error = err.Error()
				c.logger.Warn("agent optimization failed",
					zap.String("module_id", res.ModuleID),
					zap.Error(err),
				)
			default:
				res.Outcome = &outcome
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := OptimizationReport{Results: results, Elapsed: time.Since(started)}
	for _, r := range results {
		switch {
		case r.Skipped:
			report.Skipped++
		case r.Error != "":
			report.Failed++
		default:
			report.Succeeded++
		}
	}
	c.logger.Info("agent optimization finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report
}

func (c *Coordinator) AgentMetrics() []agent.Metrics {
	agents := c.optimizableAgents()
	out := make([]agent.Metrics, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.PerformanceMetrics())
	}
	return out
}

func (c *Coordinator) optimizableAgents() []Optimizable {
	var out []Optimizable
	for _, candidate := range []any{c.agents.Planner, c.agents.Research, c.agents.Writing, c.agents.Reflection} {
		if a, ok := candidate.(Optimizable); ok && a != nil {
			out = append(out, a)
		}
	}
	return out
}
