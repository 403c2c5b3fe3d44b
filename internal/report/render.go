package report

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"missionlab/internal/domain"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatTerminal Format = "terminal"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "term", "terminal", "ansi":
		return FormatTerminal, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

type Options struct {
	// Width wraps terminal output. Zero means 80 columns.
	Width int
	// Style is a glamour style name. Empty selects "notty", which emits no
	// escape codes.
	Style string
}

// Compose returns the draft followed by a Sources section listing every
// source cited by the findings, in first-seen order.
func Compose(draft domain.Draft, findings []domain.Finding) string {
	content := strings.TrimRight(draft.Content, "\n")
	seen := map[string]bool{}
	var sources []string
	for _, f := range findings {
		for _, s := range f.Sources {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return content + "\n"
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n## Sources\n\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}

// Render converts report markdown into the requested format.
func Render(md string, format Format, opts Options) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		return []byte(md), nil
	case FormatHTML:
		return HTML(md)
	case FormatTerminal:
		out, err := Terminal(md, opts)
		return []byte(out), err
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{max-width:46rem;margin:2rem auto;font-family:system-ui,sans-serif;line-height:1.55;padding:0 1rem}h1,h2{line-height:1.2}</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders md as a standalone page titled after its first heading.
func HTML(md string) ([]byte, error) {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	body := markdown.Render(p.Parse([]byte(md)), renderer)

	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{
		Title: title(md),
		Body:  template.HTML(body),
	})
	if err != nil {
		return nil, fmt.Errorf("render html page: %w", err)
	}
	return buf.Bytes(), nil
}

// Terminal renders md for display in a terminal.
func Terminal(md string, opts Options) (string, error) {
	width := opts.Width
	if width <= 0 {
		width = 80
	}
	style := opts.Style
	if style == "" {
		style = "notty"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create terminal renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("render terminal report: %w", err)
	}
	return out, nil
}

func title(md string) string {
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return "Report"
}

// Outline lists the second-level headings of md in order.
func Outline(md string) []string {
	var out []string
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "## ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	return out
}

// SourceCounts maps each cited source to the number of findings citing it.
func SourceCounts(findings []domain.Finding) []SourceCount {
	counts := map[string]int{}
	for _, f := range findings {
		for _, s := range f.Sources {
			counts[s]++
		}
	}
	out := make([]SourceCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, SourceCount{Source: s, Findings: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Findings != out[j].Findings {
			return out[i].Findings > out[j].Findings
		}
		return out[i].Source < out[j].Source
	})
	return out
}

type SourceCount struct {
	Source   string `json:"source"`
	Findings int    `json:"findings"`
}
