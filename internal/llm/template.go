package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var taskKeywords = []struct {
	task     Task
	keywords []string
}{
	{TaskRefinement, []string{"revise", "refine", "feedback"}},
	{TaskPlanning, []string{"plan", "outline", "strategy"}},
	{TaskResearch, []string{"research", "analyze", "investigate", "find"}},
	{TaskWriting, []string{"write", "draft", "compose"}},
}

// TemplateGenerator answers every request with canned, topic-interpolated
// text in the format the agents ask for. It calls no model.
type TemplateGenerator struct {
	delay time.Duration
}

func NewTemplateGenerator(delay time.Duration) *TemplateGenerator {
	return &TemplateGenerator{delay: delay}
}

func (g *TemplateGenerator) Name() string { return "template" }

func (g *TemplateGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	task := req.Task
	if task == "" {
		task = DetectTask(req.Prompt)
	}
	topic := subject(req.Prompt)

	var content string
	switch task {
	case TaskPlanning:
		content = "# Research Plan\n\n" +
			"- Introduction\n" +
			"- Background and Context\n" +
			"- Key Questions\n" +
			"- Methods and Evidence\n" +
			"- Analysis and Discussion\n" +
			"- Conclusion\n"
	case TaskResearch:
		content = fmt.Sprintf("# Research Findings\n\n"+
			"- Primary finding on %[1]s: the reviewed material shows consistent patterns across independent studies. [template_source_1, template_source_2]\n"+
			"- Secondary finding on %[1]s: two comparative reports support the main hypothesis with measured results. [template_source_3]\n"+
			"- Emerging trend in %[1]s: recent work points to new directions worth monitoring. [template_source_4]\n", topic)
	case TaskWriting:
		content = fmt.Sprintf("# Report: %[1]s\n\n"+
			"## Introduction\n\nThis report addresses %[1]s and summarises what the evidence shows.\n\n"+
			"## Background and Context\n\nThe topic sits in a wider field whose assumptions shape how the findings should be read.\n\n"+
			"## Analysis and Discussion\n\nThe findings agree on the main direction of change. They differ on pace and on where the effects appear first.\n\n"+
			"## Conclusion\n\nThe evidence on %[1]s supports acting on the well sourced findings while the open questions are studied further.\n", topic)
	case TaskRefinement:
		content = revise(req.Prompt)
	default:
		content = fmt.Sprintf("Notes on %s: the question needs context, evidence and a clear recommendation.\n", topic)
	}

	return Response{
		Content:    content,
		Provider:   "template",
		Model:      "template",
		TokensUsed: len(strings.Fields(req.System)) + len(strings.Fields(req.Prompt)) + len(strings.Fields(content)),
		Elapsed:    time.Since(started),
	}, nil
}

// DetectTask guesses the task from prompt keywords.
func DetectTask(prompt string) Task {
	lower := strings.ToLower(prompt)
	for _, rule := range taskKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.task
			}
		}
	}
	return TaskGeneral
}

// subject is the first non-empty prompt line without a short "Label:" prefix,
// cut to 100 runes.
func subject(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if label, rest, ok := strings.Cut(line, ":"); ok && len(label) < 30 && strings.TrimSpace(rest) != "" {
			line = strings.TrimSpace(rest)
		}
		r := []rune(line)
		if len(r) > 100 {
			line = string(r[:100])
		}
		return line
	}
	return "the topic"
}

// revise returns the draft that follows DraftMarker with the feedback lines
// recorded in a closing section.
func revise(prompt string) string {
	head, draft, ok := strings.Cut(prompt, DraftMarker)
	if !ok {
		return strings.TrimSpace(prompt) + "\n"
	}
	var notes []string
	for _, line := range strings.Split(head, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			notes = append(notes, line)
		}
	}
	out := strings.TrimSpace(draft)
	if len(notes) > 0 {
		out += "\n\n## Revision Notes\n\n" + strings.Join(notes, "\n")
	}
	return out + "\n"
}
