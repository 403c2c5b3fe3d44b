package agent

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"missionlab/internal/domain"
)

const (
	DefaultQualityThreshold = 0.8
	maxQuality              = 0.95
	tagCutoff               = 0.75
)

var (
	yearPattern     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	sentenceEnd     = regexp.MustCompile(`[.!?]+`)
	recencyKeywords = []string{"recent", "latest", "emerging", "new developments"}
)

var suggestionText = map[domain.ImprovementTag]string{
	domain.TagRecency:                "Look for recent developments and publications",
	domain.TagQuantitative:           "Add quantitative data and statistics",
	domain.TagAlternativePerspective: "Consult additional independent sources and alternative perspectives",
	domain.TagCoverage:               "Broaden coverage with more findings",
	domain.TagDepth:                  "Expand findings with more supporting detail",
	domain.TagStructure:              "Organise the report into clearly headed sections",
	domain.TagLength:                 "Develop the report with more discussion",
	domain.TagSentenceComplexity:     "Balance sentence length for readability",
	domain.TagClarity:                "Prefer shorter, plainer words",
}

type ReflectionConfig struct {
	QualityThreshold float64
}

func (c ReflectionConfig) withDefaults() ReflectionConfig {
	if c.QualityThreshold <= 0 || c.QualityThreshold > 1 {
		c.QualityThreshold = DefaultQualityThreshold
	}
	return c
}

// ReflectionAgent scores research findings and report drafts. Scoring is a
// pure function of the input and the injected clock.
type ReflectionAgent struct {
	*base
	cfg ReflectionConfig
}

func NewReflectionAgent(cfg ReflectionConfig, opts Options) *ReflectionAgent {
	return &ReflectionAgent{
		base: newBase(domain.AgentRoleReflection, ModuleReflection, opts),
		cfg:  cfg.withDefaults(),
	}
}

func (a *ReflectionAgent) Threshold() float64 { return a.cfg.QualityThreshold }

func (a *ReflectionAgent) ReflectOnResearch(findings []domain.Finding, query string) (domain.ReflectionVerdict, error) {
	started := a.opts.Clock()
	verdict, err := a.scoreResearch(findings)
	quality := -1.0
	if err == nil {
		quality = verdict.Quality
	}
	a.record(started, quality, err)
	return verdict, err
}

func (a *ReflectionAgent) scoreResearch(findings []domain.Finding) (domain.ReflectionVerdict, error) {
	n := len(findings)
	if n == 0 {
		return domain.ReflectionVerdict{}, &domain.InsufficientInputError{Subject: "research findings"}
	}

	var totalRunes, withDigits int
	var recent bool
	sources := make(map[string]struct{})
	years := recentYears(a.opts.Clock().Year())
	for _, f := range findings {
		totalRunes += utf8.RuneCountInString(f.Content)
		if strings.ContainsAny(f.Content, "0123456789") {
			withDigits++
		}
		if !recent && mentionsRecency(f.Content, years) {
			recent = true
		}
		for _, s := range f.Sources {
			if s = strings.TrimSpace(s); s != "" {
				sources[s] = struct{}{}
			}
		}
	}

	coverage := math.Min(float64(n)/5, 1)
	depth := math.Min(float64(totalRunes)/float64(n)/200, 1)
	confidence := math.Min(0.7+0.05*float64(n), maxQuality)
	quality := math.Min(maxQuality, 0.5*coverage+0.2*depth+0.3*confidence)

	var tags []domain.ImprovementTag
	var gaps []string
	if withDigits*2 < n {
		tags = append(tags, domain.TagQuantitative)
		gaps = append(gaps, "few findings carry figures or measurements")
	}
	if !recent {
		tags = append(tags, domain.TagRecency)
		gaps = append(gaps, "no finding covers recent developments")
	}
	if len(sources) < 3 {
		tags = append(tags, domain.TagAlternativePerspective)
		gaps = append(gaps, "findings rest on fewer than three distinct sources")
	}
	if coverage < 1 {
		tags = append(tags, domain.TagCoverage)
		gaps = append(gaps, "fewer than five findings collected")
	}
	if depth < 1 {
		tags = append(tags, domain.TagDepth)
		gaps = append(gaps, "findings are short on detail")
	}

	return domain.ReflectionVerdict{
		Quality:     quality,
		Confidence:  confidence,
		Tags:        tags,
		Gaps:        gaps,
		Suggestions: suggestionsFor(tags),
		Scores: map[string]float64{
			"coverage":   coverage,
			"depth":      depth,
			"confidence": confidence,
		},
		NeedsImprovement: quality < a.cfg.QualityThreshold,
	}, nil
}

func (a *ReflectionAgent) ReflectOnWriting(content string) (domain.ReflectionVerdict, error) {
	started := a.opts.Clock()
	verdict, err := a.scoreWriting(content)
	quality := -1.0
	if err == nil {
		quality = verdict.Quality
	}
	a.record(started, quality, err)
	return verdict, err
}

func (a *ReflectionAgent) scoreWriting(content string) (domain.ReflectionVerdict, error) {
	if strings.TrimSpace(content) == "" {
		return domain.ReflectionVerdict{}, &domain.InsufficientInputError{Subject: "report content"}
	}

	stats := measureText(content)
	structure := math.Min(float64(stats.headings)/4, 1)
	length := math.Min(float64(stats.words)/800, 1)
	complexity := clamp01(1 - math.Abs(stats.avgSentenceWords-20)/20)
	clarity := math.Min(1, 6/stats.avgWordRunes)

	quality := math.Min(maxQuality, 0.30*structure+0.25*length+0.25*complexity+0.20*clarity)

	var tags []domain.ImprovementTag
	if structure < tagCutoff {
		tags = append(tags, domain.TagStructure)
	}
	if length < tagCutoff {
		tags = append(tags, domain.TagLength)
	}
	if complexity < tagCutoff {
		tags = append(tags, domain.TagSentenceComplexity)
	}
	if clarity < tagCutoff {
		tags = append(tags, domain.TagClarity)
	}

	return domain.ReflectionVerdict{
		Quality:     quality,
		Confidence:  quality,
		Tags:        tags,
		Suggestions: suggestionsFor(tags),
		Scores: map[string]float64{
			"structure":           structure,
			"length":              length,
			"sentence_complexity": complexity,
			"clarity":             clarity,
		},
		NeedsRevision: quality < a.cfg.QualityThreshold,
	}, nil
}

type textStats struct {
	headings         int
	words            int
	sentences        int
	avgSentenceWords float64
	avgWordRunes     float64
}

func measureText(content string) textStats {
	var st textStats
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			st.headings++
			continue
		}
		body.WriteString(trimmed)
		body.WriteString(" ")
	}

	words := strings.Fields(content)
	st.words = len(words)
	var runes int
	for _, w := range words {
		runes += utf8.RuneCountInString(strings.Trim(w, "#*-_.,;:!?()[]\"'`"))
	}
	if st.words > 0 {
		st.avgWordRunes = float64(runes) / float64(st.words)
	}
	if st.avgWordRunes <= 0 {
		st.avgWordRunes = 1
	}

	bodyWords := 0
	for _, s := range sentenceEnd.Split(body.String(), -1) {
		if w := len(strings.Fields(s)); w > 0 {
			st.sentences++
			bodyWords += w
		}
	}
	if st.sentences > 0 {
		st.avgSentenceWords = float64(bodyWords) / float64(st.sentences)
	}
	return st
}

func recentYears(now int) []string {
	return []string{strconv.Itoa(now), strconv.Itoa(now - 1)}
}

func mentionsRecency(content string, years []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range recencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, y := range yearPattern.FindAllString(content, -1) {
		for _, want := range years {
			if y == want {
				return true
			}
		}
	}
	return false
}

func suggestionsFor(tags []domain.ImprovementTag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, suggestionText[t])
	}
	return out
}
