package optimization

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Prompt rewrites applied by mutation. %s is the current prompt.
var mutationClauses = []string{
	"Be specific and detailed in your response. %s",
	"Provide concrete examples in your answer. %s",
	"Focus on accuracy and precision. %s",
	"Keep your response concise and to the point. %s",
	"Structure your response clearly with headings. %s",
	"Include relevant data and statistics. %s",
	"As an expert in this field, %s",
	"Consider both theoretical and practical aspects. %s",
	"Address potential counterarguments. %s",
	"Think step by step before answering. %s",
	"Explain your reasoning clearly. %s",
	"Provide evidence for your claims. %s",
}

const maxTournamentAttempts = 10

type individual struct {
	candidate Candidate
	fitness   float64
}

// breeder holds the genetic operators for one session. It is not safe for
// concurrent use.
type breeder struct {
	cfg   runConfig
	names []string
	rng   *rand.Rand
}

type runConfig struct {
	PopulationSize  int
	MutationRate    float64
	CrossoverRate   float64
	TournamentSize  int
	ElitismCount    int
	MaxPromptLength int
}

func (b *breeder) initialPopulation(baseline Candidate) []individual {
	pop := make([]individual, 0, b.cfg.PopulationSize)
	pop = append(pop, individual{candidate: baseline.clone()})
	for len(pop) < b.cfg.PopulationSize {
		child := baseline.clone()
		if !b.mutate(&child) {
			b.forceMutation(&child)
		}
		pop = append(pop, individual{candidate: child})
	}
	return pop
}

// next builds the following generation from an evaluated population.
func (b *breeder) next(pop []individual) []individual {
	ranked := append([]individual(nil), pop...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].fitness > ranked[j].fitness })

	out := make([]individual, 0, b.cfg.PopulationSize)
	for i := 0; i < b.cfg.ElitismCount && i < len(ranked); i++ {
		out = append(out, individual{candidate: ranked[i].candidate.clone()})
	}
	for len(out) < b.cfg.PopulationSize {
		p1, p2 := b.selectParents(ranked)
		var child Candidate
		if b.rng.Float64() < b.cfg.CrossoverRate {
			child = b.crossover(p1.candidate, p2.candidate)
		} else {
			child = p1.candidate.clone()
		}
		b.mutate(&child)
		out = append(out, individual{candidate: child})
	}
	return out
}

func (b *breeder) tournament(pop []individual) int {
	best := -1
	for i := 0; i < b.cfg.TournamentSize; i++ {
		idx := b.rng.IntN(len(pop))
		if best < 0 || pop[idx].fitness > pop[best].fitness {
			best = idx
		}
	}
	return best
}

// selectParents runs two tournaments and retries the second a bounded number
// of times to get a distinct partner.
func (b *breeder) selectParents(pop []individual) (individual, individual) {
	first := b.tournament(pop)
	second := b.tournament(pop)
	for attempt := 0; second == first && len(pop) > 1 && attempt < maxTournamentAttempts; attempt++ {
		second = b.tournament(pop)
	}
	return pop[first], pop[second]
}

// crossover picks each parameter from either parent with equal odds.
func (b *breeder) crossover(a, c Candidate) Candidate {
	child := Candidate{ModuleID: a.ModuleID, Prompts: make(map[string]string, len(b.names))}
	for _, name := range b.names {
		if b.rng.IntN(2) == 0 {
			child.Prompts[name] = a.Prompts[name]
		} else {
			child.Prompts[name] = c.Prompts[name]
		}
	}
	return child
}

// mutate rewrites each parameter with probability MutationRate and reports
// whether anything changed.
func (b *breeder) mutate(c *Candidate) bool {
	changed := false
	for _, name := range b.names {
		if b.rng.Float64() >= b.cfg.MutationRate {
			continue
		}
		if next := b.mutatePrompt(c.Prompts[name]); next != c.Prompts[name] {
			c.Prompts[name] = next
			changed = true
		}
	}
	return changed
}

func (b *breeder) forceMutation(c *Candidate) {
	if len(b.names) == 0 {
		return
	}
	name := b.names[b.rng.IntN(len(b.names))]
	c.Prompts[name] = b.mutatePrompt(c.Prompts[name])
}

func (b *breeder) mutatePrompt(prompt string) string {
	clause := mutationClauses[b.rng.IntN(len(mutationClauses))]
	body := prompt
	if strings.HasPrefix(clause, "As an expert") {
		body = strings.ToLower(prompt)
	}
	out := fmt.Sprintf(clause, body)
	if r := []rune(out); b.cfg.MaxPromptLength > 0 && len(r) > b.cfg.MaxPromptLength {
		out = string(r[:b.cfg.MaxPromptLength])
	}
	return out
}

// evaluate scores every individual in place with at most limit evaluations in
// flight. The first evaluator error cancels the rest.
func evaluate(ctx context.Context, evaluator FitnessEvaluator, pop []individual, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range pop {
		g.Go(func() error {
			f, err := evaluator.Evaluate(gctx, pop[i].candidate)
			if err != nil {
				return fmt.Errorf("evaluate candidate %d: %w", i, err)
			}
			pop[i].fitness = f
			return nil
		})
	}
	return g.Wait()
}
