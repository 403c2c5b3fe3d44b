package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"missionlab/internal/domain"
	"missionlab/internal/report"
)

func renderMissionsTable(table *tview.Table, missions []domain.Mission, selectedID string) {
	table.Clear()
	headers := []string{"Mission", "Status", "Updated", "Query"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, m := range missions {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(m.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(m.Status)).SetTextColor(statusColor(m.Status)))
		table.SetCell(row, 2, tview.NewTableCell(m.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 3, tview.NewTableCell(trimLine(m.Query, 64)))
		if m.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.MissionStatus) tcell.Color {
	switch s {
	case domain.MissionStatusCompleted:
		return tcell.ColorGreen
	case domain.MissionStatusFailed:
		return tcell.ColorRed
	case domain.MissionStatusCreated:
		return tcell.ColorGray
	default:
		return tcell.ColorYellow
	}
}

func renderExecutions(items []domain.AgentExecution) string {
	if len(items) == 0 {
		return "No executions"
	}
	var b strings.Builder
	for _, e := range items {
		fmt.Fprintf(&b, "[%s] %-10s %-9s #%d %-9s %s\n",
			e.CreatedAt.Local().Format("15:04:05"),
			e.Role,
			e.Phase,
			e.Iteration,
			e.Status,
			e.Duration.Round(time.Millisecond),
		)
		if e.Error != "" {
			b.WriteString("  error: " + trimLine(e.Error, 120) + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		)
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

type agentStateLine struct {
	Role      domain.AgentRole
	State     string
	Runs      int
	Failures  int
	Iteration int
	LastAt    time.Time
}

// renderAgentState summarises each agent's most recent execution for the
// selected mission.
func renderAgentState(mission domain.Mission, execs []domain.AgentExecution) string {
	if mission.ID == "" {
		return "No mission selected"
	}
	order := []domain.AgentRole{
		domain.AgentRolePlanning,
		domain.AgentRoleResearch,
		domain.AgentRoleReflection,
		domain.AgentRoleWriting,
	}
	lines := make(map[domain.AgentRole]*agentStateLine, len(order))
	for _, r := range order {
		lines[r] = &agentStateLine{Role: r, State: "idle"}
	}
	for _, e := range execs {
		line, ok := lines[e.Role]
		if !ok {
			continue
		}
		line.Runs++
		if e.Status == domain.ExecutionStatusFailed {
			line.Failures++
		}
		if !e.CreatedAt.Before(line.LastAt) {
			line.LastAt = e.CreatedAt
			line.Iteration = e.Iteration
			line.State = strings.ToLower(string(e.Status))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mission: %s  status=%s\n", shortID(mission.ID), mission.Status)
	if mission.LastError != "" {
		b.WriteString("  error: " + trimLine(mission.LastError, 120) + "\n")
	}
	for _, r := range order {
		line := lines[r]
		lastAt := "-"
		if !line.LastAt.IsZero() {
			lastAt = line.LastAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(&b, "%-10s state=%-9s runs=%d failed=%d iter=%d last=%s\n",
			strings.ToLower(string(line.Role)), line.State, line.Runs, line.Failures, line.Iteration, lastAt)
	}
	return b.String()
}

// renderDraft formats the draft as plain wrapped text for the preview pane.
func renderDraft(d domain.Draft, width int) string {
	if strings.TrimSpace(d.Content) == "" {
		return "No draft yet"
	}
	header := fmt.Sprintf("revision %d  words=%d  quality=%.2f\n\n", d.Revision, d.WordCount, d.Quality)
	out, err := report.Terminal(d.Content, report.Options{Width: width})
	if err != nil {
		return header + d.Content
	}
	return header + strings.TrimLeft(out, "\n")
}

func describeEvent(evt domain.ProgressEvent) string {
	stamp := evt.CreatedAt.Local().Format("15:04:05")
	switch {
	case strings.HasPrefix(evt.Kind, "agent."):
		var u domain.AgentUpdate
		if err := json.Unmarshal(evt.Payload, &u); err == nil {
			return fmt.Sprintf("%s %s %s %s #%d", stamp, shortID(evt.MissionID), strings.ToLower(string(u.Role)), strings.ToLower(string(u.Status)), u.Iteration)
		}
	case strings.HasPrefix(evt.Kind, "mission."):
		var u domain.MissionUpdate
		if err := json.Unmarshal(evt.Payload, &u); err == nil {
			detail := firstNonEmpty(u.Message, string(u.Status), string(u.Phase))
			return strings.TrimSpace(fmt.Sprintf("%s %s %s %s", stamp, shortID(evt.MissionID), u.Type, detail))
		}
	}
	return fmt.Sprintf("%s %s %s", stamp, shortID(evt.MissionID), evt.Kind)
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
