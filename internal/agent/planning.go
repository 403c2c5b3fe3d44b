package agent

import (
	"context"
	"strings"

	"missionlab/internal/domain"
	"missionlab/internal/llm"
)

const (
	defaultPlanningPrompt = "Break the research question into an outline of report sections."
	maxOutlineSections    = 10
)

type Plan struct {
	Query        string   `json:"query"`
	Outline      []string `json:"outline"`
	Style        string   `json:"style"`
	Instructions string   `json:"instructions"`
}

var outlineRules = []struct {
	keywords []string
	section  string
}{
	{[]string{"history", "evolution", "origin"}, "Historical Development"},
	{[]string{"compare", "comparison", " vs ", "versus"}, "Comparative Analysis"},
	{[]string{"impact", "effect", "consequence"}, "Impacts"},
	{[]string{"risk", "challenge", "limitation"}, "Risks and Challenges"},
	{[]string{"future", "trend", "outlook", "emerging"}, "Future Outlook"},
}

var styleRules = []struct {
	keywords []string
	style    string
}{
	{[]string{"study", "research", "paper", "evidence", "literature"}, "academic"},
	{[]string{"market", "business", "strategy", "revenue", "customer"}, "business"},
	{[]string{"how to", "guide", "tutorial", "explain"}, "casual"},
}

type PlanningAgent struct {
	*base
}

func NewPlanningAgent(opts Options) *PlanningAgent {
	return &PlanningAgent{base: newBase(domain.AgentRolePlanning, ModulePlanning, opts)}
}

// Plan derives the report outline and writing style from the query.
func (a *PlanningAgent) Plan(ctx context.Context, query string) (Plan, error) {
	started := a.opts.Clock()
	plan, err := a.plan(ctx, query)
	a.record(started, -1, err)
	return plan, err
}

func (a *PlanningAgent) plan(ctx context.Context, query string) (Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Plan{}, &domain.InsufficientInputError{Subject: "mission query"}
	}
	lower := " " + strings.ToLower(query) + " "

	outline := []string{"Introduction", "Background and Context"}
	for _, rule := range outlineRules {
		if containsAny(lower, rule.keywords) {
			outline = append(outline, rule.section)
		}
	}
	outline = append(outline, "Analysis and Discussion", "Conclusion")

	style := "formal"
	for _, rule := range styleRules {
		if containsAny(lower, rule.keywords) {
			style = rule.style
			break
		}
	}

	instructions := a.prompt(ctx, "planning_prompt", defaultPlanningPrompt)
	if a.opts.Generator != nil {
		resp, err := a.generate(ctx, llm.TaskPlanning, instructions,
			"Research question: "+query+"\n\nList the report sections in order, one per line starting with \"- \".")
		if err != nil {
			return Plan{}, err
		}
		if generated := parseOutline(resp.Content); len(generated) >= 2 {
			outline = generated
		}
	}

	return Plan{
		Query:        query,
		Outline:      outline,
		Style:        style,
		Instructions: instructions,
	}, nil
}

// parseOutline reads section names from list items or "## " headings.
// Key Findings is left out since the writing agent always adds it.
func parseOutline(text string) []string {
	var candidates []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "## ") {
			candidates = append(candidates, strings.TrimPrefix(line, "## "))
			continue
		}
		if item, ok := listItem(line); ok {
			candidates = append(candidates, item)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(strings.Trim(strings.ReplaceAll(c, "**", ""), ":"))
		key := strings.ToLower(c)
		if c == "" || key == "key findings" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == maxOutlineSections {
			break
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
