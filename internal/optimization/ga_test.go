package optimization

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreeder(cfg runConfig, names ...string) *breeder {
	return &breeder{cfg: cfg, names: names, rng: rand.New(rand.NewPCG(1, 2))}
}

func TestInitialPopulationKeepsBaselineFirst(t *testing.T) {
	b := testBreeder(runConfig{PopulationSize: 6, MutationRate: 0.3, MaxPromptLength: 4000}, "a", "b")
	base := Candidate{ModuleID: "m", Prompts: map[string]string{"a": "first prompt", "b": "second prompt"}}

	pop := b.initialPopulation(base)
	require.Len(t, pop, 6)
	assert.Equal(t, base.Prompts, pop[0].candidate.Prompts)
	for _, ind := range pop[1:] {
		assert.NotEqual(t, base.Prompts, ind.candidate.Prompts)
	}

	pop[1].candidate.Prompts["a"] = "changed"
	assert.Equal(t, "first prompt", base.Prompts["a"])
}

func TestNextKeepsElites(t *testing.T) {
	b := testBreeder(runConfig{PopulationSize: 5, MutationRate: 0.5, CrossoverRate: 0.7, TournamentSize: 3, ElitismCount: 2, MaxPromptLength: 4000}, "p")
	pop := []individual{
		{candidate: Candidate{Prompts: map[string]string{"p": "low"}}, fitness: 0.1},
		{candidate: Candidate{Prompts: map[string]string{"p": "best"}}, fitness: 0.9},
		{candidate: Candidate{Prompts: map[string]string{"p": "mid"}}, fitness: 0.5},
		{candidate: Candidate{Prompts: map[string]string{"p": "second"}}, fitness: 0.8},
		{candidate: Candidate{Prompts: map[string]string{"p": "lower"}}, fitness: 0.2},
	}
	next := b.next(pop)
	require.Len(t, next, 5)
	assert.Equal(t, "best", next[0].candidate.Prompts["p"])
	assert.Equal(t, "second", next[1].candidate.Prompts["p"])
}

func TestMutatePromptTruncates(t *testing.T) {
	b := testBreeder(runConfig{MaxPromptLength: 40}, "p")
	for i := 0; i < 50; i++ {
		out := b.mutatePrompt(strings.Repeat("Überprüfe die Quellen. ", 5))
		assert.LessOrEqual(t, utf8.RuneCountInString(out), 40)
		assert.True(t, utf8.ValidString(out))
	}
}

func TestMutatePromptLowercasesExpertClause(t *testing.T) {
	b := testBreeder(runConfig{MaxPromptLength: 4000}, "p")
	for i := 0; i < 200; i++ {
		out := b.mutatePrompt("Explain The Findings")
		if strings.HasPrefix(out, "As an expert") {
			assert.Equal(t, "As an expert in this field, explain the findings", out)
			return
		}
	}
	t.Fatalf("expert clause never selected")
}

func TestHeuristicEvaluatorPrefersSpecificPrompts(t *testing.T) {
	ctx := context.Background()
	h := HeuristicEvaluator{}
	vague, err := h.Evaluate(ctx, Candidate{Prompts: map[string]string{"p": "Write something."}})
	require.NoError(t, err)
	specific, err := h.Evaluate(ctx, Candidate{Prompts: map[string]string{"p": "Be specific and detailed. Provide concrete examples, cite each source and include data and statistics. Think step by step."}})
	require.NoError(t, err)
	assert.Greater(t, specific, vague)
	assert.LessOrEqual(t, specific, 1.0)
}

func TestNoisyEvaluatorIsSeededAndBounded(t *testing.T) {
	ctx := context.Background()
	c := Candidate{Prompts: map[string]string{"p": "Be specific."}}
	a := NewNoisyEvaluator(HeuristicEvaluator{}, 0.5, 3)
	b := NewNoisyEvaluator(HeuristicEvaluator{}, 0.5, 3)
	for i := 0; i < 20; i++ {
		x, err := a.Evaluate(ctx, c)
		require.NoError(t, err)
		y, err := b.Evaluate(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, x, y)
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 1.0)
	}
}

func TestNoisyEvaluatorIgnoresEvaluationOrder(t *testing.T) {
	ctx := context.Background()
	candidates := []Candidate{
		{ModuleID: "m", Prompts: map[string]string{"p": "Be specific.", "q": "Cite sources."}},
		{ModuleID: "m", Prompts: map[string]string{"p": "Be brief."}},
		{ModuleID: "m", Prompts: map[string]string{"p": "Explain the method step by step."}},
		{ModuleID: "other", Prompts: map[string]string{"p": "Be brief."}},
	}

	sequential := NewNoisyEvaluator(HeuristicEvaluator{}, 0.3, 11)
	want := make([]float64, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		score, err := sequential.Evaluate(ctx, candidates[i])
		require.NoError(t, err)
		want[i] = score
	}

	shared := NewNoisyEvaluator(HeuristicEvaluator{}, 0.3, 11)
	got := make([][]float64, 8)
	var wg sync.WaitGroup
	for w := range got {
		got[w] = make([]float64, len(candidates))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, c := range candidates {
				score, err := shared.Evaluate(ctx, c)
				if err == nil {
					got[w][i] = score
				}
			}
		}()
	}
	wg.Wait()
	for w := range got {
		assert.Equal(t, want, got[w])
	}

	reseeded := NewNoisyEvaluator(HeuristicEvaluator{}, 0.3, 12)
	assert.NotEqual(t, shared.noiseKey(candidates[2]), reseeded.noiseKey(candidates[2]))
	assert.NotEqual(t, shared.noiseKey(candidates[1]), shared.noiseKey(candidates[3]))
}
