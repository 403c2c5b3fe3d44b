package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionlab/internal/domain"
	"missionlab/internal/llm"
	"missionlab/internal/rag"
)

type scriptedGenerator struct {
	content  string
	err      error
	requests []llm.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return llm.Response{}, g.err
	}
	return llm.Response{Content: g.content, Provider: "scripted", TokensUsed: 40}, nil
}

func TestPlanningUsesGeneratedOutline(t *testing.T) {
	gen := &scriptedGenerator{content: "# Plan\n\n1. Introduction\n2. **Cost Trends**\n- Key Findings\n- Cost Trends\n- Conclusion\n"}
	prompts := staticPrompts{ModulePlanning: {{Name: "planning_prompt", Value: "Plan like an analyst."}}}
	agent := NewPlanningAgent(Options{Generator: gen, Prompts: prompts, Clock: fixedClock()})

	plan, err := agent.Plan(context.Background(), "Heat pump market evidence")
	require.NoError(t, err)

	assert.Equal(t, []string{"Introduction", "Cost Trends", "Conclusion"}, plan.Outline)
	assert.Equal(t, "academic", plan.Style)
	require.Len(t, gen.requests, 1)
	assert.Equal(t, "Plan like an analyst.", gen.requests[0].System)
	assert.Equal(t, llm.TaskPlanning, gen.requests[0].Task)
	assert.Contains(t, gen.requests[0].Prompt, "Heat pump market evidence")

	m := agent.PerformanceMetrics()
	assert.Equal(t, 1, m.Completions)
	assert.Equal(t, 40, m.TokensUsed)
}

func TestPlanningKeepsRuleOutlineWhenCompletionHasNoList(t *testing.T) {
	gen := &scriptedGenerator{content: "I cannot help with that."}
	agent := NewPlanningAgent(Options{Generator: gen, Clock: fixedClock()})

	plan, err := agent.Plan(context.Background(), "Future impact of heat pumps")
	require.NoError(t, err)
	assert.Contains(t, plan.Outline, "Future Outlook")
	assert.Equal(t, defaultPlanningPrompt, gen.requests[0].System)
}

func TestResearchParsesGeneratedFindings(t *testing.T) {
	retriever := &fakeRetriever{results: []rag.SearchResult{
		{Chunk: domain.DocumentChunk{DocumentID: "d1", Index: 2, Content: "Lithium prices fell 20% in 2025."}, Score: 0.8},
		{Chunk: domain.DocumentChunk{DocumentID: "d2", Index: 0, Content: "Sodium cells are emerging."}, Score: 0.6},
	}}
	gen := &scriptedGenerator{content: "- Lithium got cheaper in 2025. [d1#2]\n- Sodium chemistries are gaining ground. [d2#0, d1#2]\nSome closing remark."}
	prompts := staticPrompts{ModuleResearch: {{Name: "research_prompt", Value: "Cite every claim."}}}
	agent := NewResearchAgent(retriever, ResearchConfig{}, Options{Generator: gen, Prompts: prompts, Clock: fixedClock()})

	result, err := agent.ExecuteResearch(context.Background(), "battery costs", []string{"d1", "d2"})
	require.NoError(t, err)

	assert.True(t, result.Retrieved)
	require.Len(t, result.Findings, 2)
	assert.Equal(t, "Lithium got cheaper in 2025.", result.Findings[0].Content)
	assert.Equal(t, []string{"d2#0", "d1#2"}, result.Findings[1].Sources)
	assert.InDelta(t, 0.7, result.Findings[0].Confidence, 1e-9)
	assert.Contains(t, result.Methodology, "scripted")

	require.Len(t, gen.requests, 1)
	assert.Equal(t, "Cite every claim.", gen.requests[0].System)
	assert.Contains(t, gen.requests[0].Prompt, "[d1#2] Lithium prices fell 20% in 2025.")
}

func TestResearchFallsBackWhenCompletionHasNoFindings(t *testing.T) {
	gen := &scriptedGenerator{content: "No bullet points here."}
	agent := NewResearchAgent(nil, ResearchConfig{}, Options{Generator: gen, Clock: fixedClock()})

	result, err := agent.ExecuteResearch(context.Background(), "grid batteries", nil)
	require.NoError(t, err)
	assert.False(t, result.Retrieved)
	assert.Len(t, result.Findings, 3)
	assert.NotContains(t, gen.requests[0].Prompt, "Passages:")
}

func TestGeneratorFailureIsRetryable(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("connection refused")}
	agent := NewResearchAgent(nil, ResearchConfig{}, Options{Generator: gen, Clock: fixedClock()})

	_, err := agent.ExecuteResearch(context.Background(), "q", nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 1, agent.PerformanceMetrics().Failures)

	empty := NewWritingAgent(Options{Generator: &scriptedGenerator{content: "  \n"}, Clock: fixedClock()})
	_, err = empty.WriteReport(context.Background(), WriteRequest{Topic: "t", Findings: templateFindings("t")})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestWriteReportWithGenerator(t *testing.T) {
	gen := &scriptedGenerator{content: "## Introduction\n\nHeat pumps matter.\n\n## Conclusion\n\nAdopt them."}
	prompts := staticPrompts{ModuleWriting: {{Name: "writing_prompt", Value: "Write tersely."}}}
	agent := NewWritingAgent(Options{Generator: gen, Prompts: prompts, Clock: fixedClock()})

	report, err := agent.WriteReport(context.Background(), WriteRequest{
		Topic:    "heat pumps",
		Findings: templateFindings("heat pumps"),
		Outline:  []string{"Introduction", "Conclusion"},
		Style:    "formal",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(report.Content, "# Report: heat pumps\n\n## Introduction"))
	assert.Equal(t, []string{"Introduction", "Conclusion"}, report.Structure)
	assert.Equal(t, "Write tersely.", report.Instructions)
	assert.Equal(t, len(strings.Fields(report.Content)), report.WordCount)

	require.Len(t, gen.requests, 1)
	assert.Equal(t, "Write tersely.", gen.requests[0].System)
	assert.Contains(t, gen.requests[0].Prompt, "Outline: Introduction; Conclusion")
	assert.Contains(t, gen.requests[0].Prompt, "[source_1, source_2, source_3]")
}

func TestRefineReportWithGenerator(t *testing.T) {
	gen := &scriptedGenerator{content: "# Report: wind\n\n## Introduction\n\nShorter sentences.\n\n## Recommendations\n\n- Build more."}
	prompts := staticPrompts{ModuleWriting: {{Name: "refinement_prompt", Value: "Edit carefully."}}}
	agent := NewWritingAgent(Options{Generator: gen, Prompts: prompts, Clock: fixedClock()})
	verdict := domain.ReflectionVerdict{
		Quality:     0.5,
		Tags:        []domain.ImprovementTag{domain.TagStructure},
		Suggestions: []string{"Add recommendations"},
	}

	out, err := agent.RefineReport(context.Background(), "# Report: wind\n\n## Introduction\n\nLong text.\n", verdict)
	require.NoError(t, err)

	assert.Equal(t, []string{"addressed: Add recommendations"}, out.Improvements)
	assert.Equal(t, []string{"Introduction", "Recommendations"}, out.Structure)
	assert.Equal(t, "Edit carefully.", out.Instructions)
	assert.InDelta(t, 0.55, out.Quality, 1e-9)

	require.Len(t, gen.requests, 1)
	assert.Equal(t, llm.TaskRefinement, gen.requests[0].Task)
	assert.Equal(t, "Edit carefully.", gen.requests[0].System)
	assert.Contains(t, gen.requests[0].Prompt, "- Add recommendations\n\n"+llm.DraftMarker+"\n# Report: wind")
}

func TestAgentsWithTemplateGenerator(t *testing.T) {
	opts := Options{Generator: llm.NewTemplateGenerator(0), Clock: fixedClock()}

	plan, err := NewPlanningAgent(opts).Plan(context.Background(), "tidal power")
	require.NoError(t, err)
	assert.Len(t, plan.Outline, 6)

	research, err := NewResearchAgent(nil, ResearchConfig{}, opts).ExecuteResearch(context.Background(), "tidal power", nil)
	require.NoError(t, err)
	require.Len(t, research.Findings, 3)
	assert.Equal(t, []string{"template_source_1", "template_source_2"}, research.Findings[0].Sources)

	report, err := NewWritingAgent(opts).WriteReport(context.Background(), WriteRequest{
		Topic:    "tidal power",
		Findings: research.Findings,
		Outline:  plan.Outline,
	})
	require.NoError(t, err)
	assert.Contains(t, report.Structure, "Conclusion")
}
