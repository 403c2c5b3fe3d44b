package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionlab/internal/domain"
)

const sample = "# Report: grid storage\n\n## Introduction\n\nStorage grew **fast**.\n\n## Key Findings\n\n- Costs fell [s1]\n"

func TestComposeAppendsUniqueSources(t *testing.T) {
	md := Compose(domain.Draft{Content: sample}, []domain.Finding{
		{Sources: []string{"s1", "s2"}},
		{Sources: []string{"s2", "s3", ""}},
	})
	assert.True(t, strings.HasSuffix(md, "## Sources\n\n1. s1\n2. s2\n3. s3\n"))
	assert.Equal(t, []string{"Introduction", "Key Findings", "Sources"}, Outline(md))

	plain := Compose(domain.Draft{Content: sample}, nil)
	assert.NotContains(t, plain, "## Sources")
}

func TestHTMLRendersPage(t *testing.T) {
	out, err := HTML(sample)
	require.NoError(t, err)
	page := string(out)
	assert.Contains(t, page, "<title>Report: grid storage</title>")
	assert.Contains(t, page, "<strong>fast</strong>")
	assert.Contains(t, page, `<h2 id="introduction">Introduction</h2>`)
	assert.Contains(t, page, "<li>Costs fell [s1]</li>")
}

func TestTerminalRendersPlainText(t *testing.T) {
	out, err := Terminal(sample, Options{Width: 60})
	require.NoError(t, err)
	assert.Contains(t, out, "Introduction")
	assert.Contains(t, out, "Costs fell [s1]")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatMarkdown, "HTML": FormatHTML, "term": FormatTerminal, "md": FormatMarkdown} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
	assert.Equal(t, "text/html; charset=utf-8", FormatHTML.ContentType())
}

func TestSourceCounts(t *testing.T) {
	counts := SourceCounts([]domain.Finding{
		{Sources: []string{"b", "a"}},
		{Sources: []string{"a"}},
	})
	assert.Equal(t, []SourceCount{{Source: "a", Findings: 2}, {Source: "b", Findings: 1}}, counts)
}
