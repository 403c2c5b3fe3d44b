package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionlab/internal/domain"
)

func TestRenderAgentStateCountsRunsPerRole(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mission := domain.Mission{ID: "abcdef1234567890", Status: domain.MissionStatusResearching}
	execs := []domain.AgentExecution{
		{Role: domain.AgentRoleResearch, Status: domain.ExecutionStatusFailed, Iteration: 1, CreatedAt: base},
		{Role: domain.AgentRoleResearch, Status: domain.ExecutionStatusCompleted, Iteration: 2, CreatedAt: base.Add(time.Second)},
		{Role: domain.AgentRolePlanning, Status: domain.ExecutionStatusCompleted, Iteration: 1, CreatedAt: base.Add(-time.Second)},
	}

	out := renderAgentState(mission, execs)
	assert.Contains(t, out, "Mission: abcdef12")
	assert.Contains(t, out, "state=completed runs=2 failed=1 iter=2")
	assert.Contains(t, out, "writing    state=idle")
}

func TestRenderAgentStateWithoutMission(t *testing.T) {
	assert.Equal(t, "No mission selected", renderAgentState(domain.Mission{}, nil))
}

func TestDescribeEvent(t *testing.T) {
	payload, err := json.Marshal(domain.MissionUpdate{Type: "status", Status: domain.MissionStatusPlanning})
	require.NoError(t, err)
	out := describeEvent(domain.ProgressEvent{Kind: "mission.status", MissionID: "m-1", Payload: payload})
	assert.Contains(t, out, "m-1 status PLANNING")

	payload, err = json.Marshal(domain.AgentUpdate{Role: domain.AgentRoleReflection, Status: domain.ExecutionStatusRunning, Iteration: 2})
	require.NoError(t, err)
	out = describeEvent(domain.ProgressEvent{Kind: "agent.execution_started", MissionID: "m-1", Payload: payload})
	assert.Contains(t, out, "reflection running #2")

	out = describeEvent(domain.ProgressEvent{Kind: "mission.snapshot", MissionID: "m-1", Payload: []byte("not json")})
	assert.Contains(t, out, "mission.snapshot")
}

func TestDecisionPayloadSummarySortsKeys(t *testing.T) {
	assert.Equal(t, "a=x, b=1", decisionPayloadSummary([]byte(`{"b":1,"a":"x"}`)))
	assert.Equal(t, "", decisionPayloadSummary([]byte(`{}`)))
	assert.Equal(t, "", decisionPayloadSummary(nil))
	assert.Equal(t, "[1,2]", decisionPayloadSummary([]byte(`[1,2]`)))
}

func TestRenderExecutionsAndDecisionsEmpty(t *testing.T) {
	assert.Equal(t, "No executions", renderExecutions(nil))
	assert.Equal(t, "No decisions", renderDecisions(nil))
	assert.Equal(t, "No draft yet", renderDraft(domain.Draft{}, 80))
}

func TestTrimLineAndShortID(t *testing.T) {
	assert.Equal(t, "abc...", trimLine("abcdefghij", 6))
	assert.Equal(t, "short", trimLine("short", 6))
	assert.Equal(t, "12345678", shortID("1234567890"))
	assert.Equal(t, "abc", shortID("abc"))
}
