package optimization

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Candidate is one genome: a value for every tracked prompt parameter, keyed
// by parameter name.
type Candidate struct {
	ModuleID string
	Prompts  map[string]string
}

func (c Candidate) clone() Candidate {
	out := Candidate{ModuleID: c.ModuleID, Prompts: make(map[string]string, len(c.Prompts))}
	for k, v := range c.Prompts {
		out.Prompts[k] = v
	}
	return out
}

type FitnessEvaluator interface {
	Evaluate(ctx context.Context, c Candidate) (float64, error)
}

type EvaluatorFunc func(ctx context.Context, c Candidate) (float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, c Candidate) (float64, error) {
	return f(ctx, c)
}

var specificityKeywords = []string{
	"specific", "detailed", "example", "evidence", "data", "statistic",
	"structure", "heading", "step by step", "reasoning", "accuracy",
	"precision", "counterargument", "source", "cite", "concise",
}

// HeuristicEvaluator rewards prompts that ask for specific, evidence-backed
// output and stay within a useful length. It is deterministic.
type HeuristicEvaluator struct {
	MinLength int
	MaxLength int
}

func (h HeuristicEvaluator) Evaluate(ctx context.Context, c Candidate) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(c.Prompts) == 0 {
		return 0, nil
	}
	minLen, maxLen := h.MinLength, h.MaxLength
	if minLen <= 0 {
		minLen = 80
	}
	if maxLen <= minLen {
		maxLen = 1500
	}

	var total float64
	for _, prompt := range c.Prompts {
		lower := strings.ToLower(prompt)
		var hits int
		for _, kw := range specificityKeywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		keyword := math.Min(float64(hits)/6, 1)

		n := utf8.RuneCountInString(prompt)
		var length float64
		switch {
		case n < minLen:
			length = float64(n) / float64(minLen)
		case n <= maxLen:
			length = 1
		default:
			length = math.Max(0, 1-float64(n-maxLen)/float64(2*maxLen))
		}
		total += 0.6*keyword + 0.4*length
	}
	return total / float64(len(c.Prompts)), nil
}

// NoisyEvaluator adds bounded noise to another evaluator's score. The noise
// is a hash of the seed and the candidate, so a candidate scores the same
// regardless of evaluation order.
type NoisyEvaluator struct {
	inner     FitnessEvaluator
	amplitude float64
	seed      uint64
}

func NewNoisyEvaluator(inner FitnessEvaluator, amplitude float64, seed uint64) *NoisyEvaluator {
	return &NoisyEvaluator{inner: inner, amplitude: math.Abs(amplitude), seed: seed}
}

func (n *NoisyEvaluator) Evaluate(ctx context.Context, c Candidate) (float64, error) {
	base, err := n.inner.Evaluate(ctx, c)
	if err != nil {
		return 0, err
	}
	jitter := (unitInterval(n.noiseKey(c))*2 - 1) * n.amplitude
	return math.Max(0, math.Min(1, base+jitter)), nil
}

func (n *NoisyEvaluator) noiseKey(c Candidate) uint64 {
	d := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], n.seed)
	_, _ = d.Write(seed[:])
	_, _ = d.WriteString(c.ModuleID)
	names := make([]string, 0, len(c.Prompts))
	for name := range c.Prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = d.WriteString("\x00" + name + "\x00" + c.Prompts[name])
	}
	return d.Sum64()
}

// unitInterval maps h onto [0, 1) using its top 53 bits.
func unitInterval(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}
