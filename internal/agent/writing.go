package agent

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"missionlab/internal/domain"
	"missionlab/internal/llm"
)

const (
	defaultWritingPrompt    = "Synthesize the findings into a structured report that follows the outline."
	defaultRefinementPrompt = "Revise the draft using the reviewer feedback."
	longSentenceWords       = 30
)

var defaultOutline = []string{"Introduction", "Background and Context", "Analysis and Discussion", "Conclusion"}

var sectionBodies = map[string]string{
	"Introduction":            "This report examines %s. It draws on the collected findings and weighs the evidence behind each of them.",
	"Background and Context":  "The topic of %s sits within a broader context that shapes its significance. Understanding these foundations is needed before the findings can be judged.",
	"Analysis and Discussion": "The findings on %s reveal both strengths and limitations in current approaches. They point to areas where further work would add the most value.",
	"Conclusion":              "The evidence on %s gives stakeholders practical guidance. The recommendations offer a path forward that rests on the cited sources.",
	"Historical Development":  "Work on %s has moved through several stages. Each stage left assumptions that still influence current practice.",
	"Comparative Analysis":    "Comparing the main approaches to %s shows where they agree and where they diverge. The differences matter most for cost and reliability.",
	"Impacts":                 "The impacts of %s reach beyond the immediate field. Both direct and indirect effects appear in the findings.",
	"Risks and Challenges":    "Several risks and open challenges remain for %s. Some are technical while others concern adoption and governance.",
	"Future Outlook":          "The outlook for %s depends on how current trends develop. Emerging work suggests the pace of change will continue.",
}

// Plain replacements applied when a draft is tagged for clarity.
var plainWords = []struct{ from, to string }{
	{"due to the fact that", "because"},
	{"in order to", "to"},
	{"with regard to", "about"},
	{"a significant number of", "many"},
	{"furthermore", "also"},
	{"nevertheless", "still"},
	{"consequently", "so"},
	{"approximately", "about"},
	{"demonstrates", "shows"},
	{"utilize", "use"},
	{"comprehensive", "broad"},
	{"significance", "weight"},
}

var sentenceSplit = regexp.MustCompile(`([^.!?]+[.!?]+)`)

type WriteRequest struct {
	Topic    string           `json:"topic"`
	Findings []domain.Finding `json:"findings"`
	Outline  []string         `json:"outline"`
	Style    string           `json:"style"`
}

type Report struct {
	Content      string   `json:"content"`
	Structure    []string `json:"structure"`
	Quality      float64  `json:"quality"`
	WordCount    int      `json:"word_count"`
	Instructions string   `json:"instructions"`
}

type Refinement struct {
	RefinedContent string   `json:"refined_content"`
	Structure      []string `json:"structure"`
	Improvements   []string `json:"improvements"`
	Quality        float64  `json:"quality"`
	WordCount      int      `json:"word_count"`
	Instructions   string   `json:"instructions"`
}

type WritingAgent struct {
	*base
}

func NewWritingAgent(opts Options) *WritingAgent {
	return &WritingAgent{base: newBase(domain.AgentRoleWriting, ModuleWriting, opts)}
}

// WriteReport renders a markdown report with one section per outline entry
// and a Key Findings section citing sources inline.
func (a *WritingAgent) WriteReport(ctx context.Context, req WriteRequest) (Report, error) {
	started := a.opts.Clock()
	report, err := a.write(ctx, req)
	quality := -1.0
	if err == nil {
		quality = report.Quality
	}
	a.record(started, quality, err)
	return report, err
}

func (a *WritingAgent) write(ctx context.Context, req WriteRequest) (Report, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return Report{}, &domain.InsufficientInputError{Subject: "report topic"}
	}
	if len(req.Findings) == 0 {
		return Report{}, &domain.InsufficientInputError{Subject: "report findings"}
	}
	outline := req.Outline
	if len(outline) == 0 {
		outline = defaultOutline
	}
	instructions := a.prompt(ctx, "writing_prompt", defaultWritingPrompt)
	if a.opts.Generator != nil {
		return a.writeGenerated(ctx, topic, outline, req, instructions)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n", topic)
	if req.Style != "" {
		fmt.Fprintf(&b, "_Style: %s_\n\n", req.Style)
	}
	structure := make([]string, 0, len(outline)+1)
	for _, section := range outline {
		if section == "Analysis and Discussion" || section == "Conclusion" {
			continue
		}
		writeSection(&b, section, topic)
		structure = append(structure, section)
	}

	b.WriteString("## Key Findings\n\n")
	var confidence float64
	for _, f := range req.Findings {
		fmt.Fprintf(&b, "- %s", strings.TrimSpace(f.Content))
		if len(f.Sources) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(f.Sources, ", "))
		}
		b.WriteString("\n")
		confidence += f.Confidence
	}
	b.WriteString("\n")
	structure = append(structure, "Key Findings")

	// Analysis and the conclusion read better after the findings they discuss.
	for _, section := range outline {
		if section == "Analysis and Discussion" || section == "Conclusion" {
			writeSection(&b, section, topic)
			structure = append(structure, section)
		}
	}

	content := strings.TrimRight(b.String(), "\n") + "\n"
	return Report{
		Content:      content,
		Structure:    structure,
		Quality:      math.Min(maxQuality, confidence/float64(len(req.Findings))),
		WordCount:    len(strings.Fields(content)),
		Instructions: instructions,
	}, nil
}

func (a *WritingAgent) writeGenerated(ctx context.Context, topic string, outline []string, req WriteRequest, instructions string) (Report, error) {
	var p strings.Builder
	fmt.Fprintf(&p, "Topic: %s\n", topic)
	if req.Style != "" {
		fmt.Fprintf(&p, "Style: %s\n", req.Style)
	}
	fmt.Fprintf(&p, "Outline: %s\n\nFindings:\n", strings.Join(outline, "; "))
	for _, f := range req.Findings {
		fmt.Fprintf(&p, "- %s", strings.TrimSpace(f.Content))
		if len(f.Sources) > 0 {
			fmt.Fprintf(&p, " [%s]", strings.Join(f.Sources, ", "))
		}
		p.WriteString("\n")
	}
	p.WriteString("\nWrite the report in markdown with one \"## \" section per outline entry and cite sources in square brackets.")

	resp, err := a.generate(ctx, llm.TaskWriting, instructions, p.String())
	if err != nil {
		return Report{}, err
	}
	content := resp.Content
	if !strings.HasPrefix(content, "# ") {
		content = fmt.Sprintf("# Report: %s\n\n%s", topic, content)
	}
	content += "\n"
	return Report{
		Content:      content,
		Structure:    headings(content),
		Quality:      math.Min(maxQuality, meanConfidence(req.Findings)),
		WordCount:    len(strings.Fields(content)),
		Instructions: instructions,
	}, nil
}

func meanConfidence(findings []domain.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}

func writeSection(b *strings.Builder, section, topic string) {
	body, ok := sectionBodies[section]
	if !ok {
		body = "This section covers " + strings.ToLower(section) + " as it relates to %s."
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", section, fmt.Sprintf(body, topic))
}

// RefineReport applies one edit per writing tag on the verdict.
func (a *WritingAgent) RefineReport(ctx context.Context, content string, verdict domain.ReflectionVerdict) (Refinement, error) {
	started := a.opts.Clock()
	out, err := a.refine(ctx, content, verdict)
	quality := -1.0
	if err == nil {
		quality = out.Quality
	}
	a.record(started, quality, err)
	return out, err
}

func (a *WritingAgent) refine(ctx context.Context, content string, verdict domain.ReflectionVerdict) (Refinement, error) {
	if strings.TrimSpace(content) == "" {
		return Refinement{}, &domain.InsufficientInputError{Subject: "draft content"}
	}
	instructions := a.prompt(ctx, "refinement_prompt", defaultRefinementPrompt)
	if a.opts.Generator != nil && len(verdict.Suggestions) > 0 {
		return a.refineGenerated(ctx, content, verdict, instructions)
	}

	refined := content
	var improvements []string
	for _, tag := range verdict.Tags {
		switch tag {
		case domain.TagStructure:
			var added []string
			refined, added = addMissingSections(refined)
			if len(added) > 0 {
				improvements = append(improvements, "added sections: "+strings.Join(added, ", "))
			}
		case domain.TagLength:
			refined = expandDiscussion(refined)
			improvements = append(improvements, "expanded the discussion")
		case domain.TagSentenceComplexity:
			var n int
			refined, n = splitLongSentences(refined)
			if n > 0 {
				improvements = append(improvements, fmt.Sprintf("split %d long sentences", n))
			}
		case domain.TagClarity:
			var n int
			refined, n = simplifyWording(refined)
			if n > 0 {
				improvements = append(improvements, fmt.Sprintf("simplified %d phrases", n))
			}
		}
	}

	return Refinement{
		RefinedContent: refined,
		Structure:      headings(refined),
		Improvements:   improvements,
		Quality:        math.Min(maxQuality, verdict.Quality+0.05*float64(len(improvements))),
		WordCount:      len(strings.Fields(refined)),
		Instructions:   instructions,
	}, nil
}

func (a *WritingAgent) refineGenerated(ctx context.Context, content string, verdict domain.ReflectionVerdict, instructions string) (Refinement, error) {
	var p strings.Builder
	p.WriteString("Reviewer feedback:\n")
	for _, s := range verdict.Suggestions {
		fmt.Fprintf(&p, "- %s\n", s)
	}
	fmt.Fprintf(&p, "\n%s\n%s", llm.DraftMarker, strings.TrimSpace(content))

	resp, err := a.generate(ctx, llm.TaskRefinement, instructions, p.String())
	if err != nil {
		return Refinement{}, err
	}
	refined := resp.Content + "\n"
	improvements := make([]string, 0, len(verdict.Suggestions))
	for _, s := range verdict.Suggestions {
		improvements = append(improvements, "addressed: "+s)
	}
	return Refinement{
		RefinedContent: refined,
		Structure:      headings(refined),
		Improvements:   improvements,
		Quality:        math.Min(maxQuality, verdict.Quality+0.05*float64(len(improvements))),
		WordCount:      len(strings.Fields(refined)),
		Instructions:   instructions,
	}, nil
}

func headings(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
		}
	}
	return out
}

func reportTopic(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			return strings.TrimSpace(strings.TrimPrefix(title, "Report:"))
		}
	}
	return "the topic"
}

func addMissingSections(content string) (string, []string) {
	have := make(map[string]bool)
	for _, h := range headings(content) {
		have[h] = true
	}
	topic := reportTopic(content)
	var b strings.Builder
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n\n")
	var added []string
	for _, section := range []string{"Background and Context", "Analysis and Discussion", "Recommendations", "Conclusion"} {
		if have[section] {
			continue
		}
		if section == "Recommendations" {
			b.WriteString("## Recommendations\n\n")
			b.WriteString("- Pursue further research in the gaps identified above.\n")
			b.WriteString("- Validate the findings against primary sources.\n")
			b.WriteString("- Monitor ongoing developments in the field.\n\n")
		} else {
			writeSection(&b, section, topic)
		}
		added = append(added, section)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", added
}

func expandDiscussion(content string) string {
	topic := reportTopic(content)
	var b strings.Builder
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n\n## Discussion\n\n")
	paragraphs := []string{
		"The findings on %s agree on the main direction of change. They differ in how fast that change is expected to happen and in which settings it matters first.",
		"Several sources stress that results depend on local conditions. A measure that works well in one setting may need adjustment before it works in another.",
		"The strength of the evidence varies across the findings. Claims backed by several independent sources deserve more weight than claims resting on a single report.",
		"Taken together, the evidence on %s supports cautious optimism. Decision makers should act on the well supported findings and keep watching the open questions.",
	}
	for _, p := range paragraphs {
		if strings.Contains(p, "%s") {
			p = fmt.Sprintf(p, topic)
		}
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// splitLongSentences breaks sentences over longSentenceWords words at the
// comma closest to their middle.
func splitLongSentences(content string) (string, int) {
	lines := strings.Split(content, "\n")
	var count int
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "- ") {
			continue
		}
		sentences := sentenceSplit.FindAllString(line, -1)
		if len(sentences) == 0 || strings.Join(sentences, "") != line {
			continue
		}
		changed := false
		for j, s := range sentences {
			if len(strings.Fields(s)) <= longSentenceWords {
				continue
			}
			if split, ok := splitAtComma(s); ok {
				sentences[j] = split
				changed = true
				count++
			}
		}
		if changed {
			lines[i] = strings.Join(sentences, "")
		}
	}
	return strings.Join(lines, "\n"), count
}

func splitAtComma(sentence string) (string, bool) {
	mid := len(sentence) / 2
	best := -1
	for i := 0; i < len(sentence); i++ {
		if sentence[i] != ',' {
			continue
		}
		if best < 0 || abs(i-mid) < abs(best-mid) {
			best = i
		}
	}
	if best < 0 {
		return sentence, false
	}
	head := strings.TrimSpace(sentence[:best])
	tail := strings.TrimSpace(sentence[best+1:])
	tail = strings.TrimPrefix(tail, "and ")
	tail = strings.TrimPrefix(tail, "but ")
	if tail == "" {
		return sentence, false
	}
	r, size := utf8.DecodeRuneInString(tail)
	tail = string(unicode.ToUpper(r)) + tail[size:]
	lead := sentence[:len(sentence)-len(strings.TrimLeft(sentence, " "))]
	return lead + head + ". " + tail, true
}

func simplifyWording(content string) (string, int) {
	var count int
	for _, w := range plainWords {
		for _, variant := range []struct{ from, to string }{
			{w.from, w.to},
			{strings.ToUpper(w.from[:1]) + w.from[1:], strings.ToUpper(w.to[:1]) + w.to[1:]},
		} {
			n := strings.Count(content, variant.from)
			if n == 0 {
				continue
			}
			content = strings.ReplaceAll(content, variant.from, variant.to)
			count += n
		}
	}
	return content, count
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
