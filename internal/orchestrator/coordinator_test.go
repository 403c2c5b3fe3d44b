package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/config"
	"missionlab/internal/domain"
	"missionlab/internal/optimization"
	sqlitestore "missionlab/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedReflector returns queued verdicts and remembers what it was shown.
type scriptedReflector struct {
	mu              sync.Mutex
	research        []domain.ReflectionVerdict
	writing         []domain.ReflectionVerdict
	seenFindings    []int
	seenQueries     []string
	writingReviewed int
	researchErr     error
}

func (r *scriptedReflector) ReflectOnResearch(findings []domain.Finding, query string) (domain.ReflectionVerdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.researchErr != nil {
		return domain.ReflectionVerdict{}, r.researchErr
	}
	r.seenFindings = append(r.seenFindings, len(findings))
	r.seenQueries = append(r.seenQueries, query)
	return next(&r.research), nil
}

func (r *scriptedReflector) ReflectOnWriting(string) (domain.ReflectionVerdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writingReviewed++
	return next(&r.writing), nil
}

// next pops the head of the queue, repeating the last verdict once drained.
func next(queue *[]domain.ReflectionVerdict) domain.ReflectionVerdict {
	q := *queue
	if len(q) == 0 {
		return domain.ReflectionVerdict{Quality: 0.9, Confidence: 0.9}
	}
	v := q[0]
	if len(q) > 1 {
		*queue = q[1:]
	}
	return v
}

type recordingResearcher struct {
	inner   Researcher
	mu      sync.Mutex
	queries []string
	fail    []error
	started chan struct{}
	release chan struct{}
}

func (r *recordingResearcher) ExecuteResearch(ctx context.Context, query string, documentIDs []string) (agent.ResearchResult, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	var err error
	if len(r.fail) > 0 {
		err, r.fail = r.fail[0], r.fail[1:]
	}
	started, release := r.started, r.release
	r.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}
	if err != nil {
		return agent.ResearchResult{}, err
	}
	return r.inner.ExecuteResearch(ctx, query, documentIDs)
}

type recordingNotifier struct {
	mu      sync.Mutex
	mission []domain.MissionUpdate
	agents  []domain.AgentUpdate
}

func (n *recordingNotifier) SendMissionUpdate(_, _ string, u domain.MissionUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mission = append(n.mission, u)
}

func (n *recordingNotifier) SendAgentUpdate(_, _, _ string, u domain.AgentUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents = append(n.agents, u)
}

func (n *recordingNotifier) missionTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, u := range n.mission {
		if u.Type != "heartbeat" {
			out = append(out, u.Type)
		}
	}
	return out
}

type fakeOptimizer struct {
	failModule string
}

func (f fakeOptimizer) OptimizeModule(_ context.Context, _ string, moduleID string) (domain.OptimizationSession, error) {
	if moduleID == f.failModule {
		return domain.OptimizationSession{}, errors.New("evaluator offline")
	}
	return domain.OptimizationSession{
		ID:              "session-" + moduleID,
		ModuleID:        moduleID,
		Status:          domain.SessionStatusCompleted,
		BaselineFitness: 0.4,
		BestFitness:     0.6,
		History:         make([]domain.GenerationStats, 5),
	}, nil
}

type harness struct {
	store      *sqlitestore.Store
	coord      *Coordinator
	reflector  *scriptedReflector
	researcher *recordingResearcher
	notifier   *recordingNotifier
}

func newHarness(t *testing.T, cfg Config, opts agent.Options) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "missions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	opts.Logger = zap.NewNop()
	h := &harness{
		store:      store,
		reflector:  &scriptedReflector{},
		researcher: &recordingResearcher{inner: agent.NewResearchAgent(nil, agent.ResearchConfig{}, opts)},
		notifier:   &recordingNotifier{},
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	h.coord = New(store, Agents{
		Planner:    agent.NewPlanningAgent(opts),
		Research:   h.researcher,
		Writing:    agent.NewWritingAgent(opts),
		Reflection: h.reflector,
	}, h.notifier, cfg, zap.NewNop())
	return h
}

func (h *harness) createMission(t *testing.T, query string) domain.Mission {
	t.Helper()
	m, err := h.coord.CreateMission(context.Background(), CreateMissionInput{UserID: "user-1", Query: query})
	require.NoError(t, err)
	return m
}

func countRole(execs []domain.AgentExecution, role domain.AgentRole, phase domain.Phase) int {
	var n int
	for _, e := range execs {
		if e.Role == role && e.Phase == phase {
			n++
		}
	}
	return n
}

func TestWorkflowStopsAfterSatisfiedReflection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.reflector.research = []domain.ReflectionVerdict{{Quality: 0.9}}
	mission := h.createMission(t, "grid-scale battery storage")

	result, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusCompleted, result.Status)
	assert.Equal(t, 1, result.Research.Iterations)
	assert.Len(t, result.Research.Findings, 3)
	assert.Equal(t, 1, result.Writing.Iterations)
	assert.NotEmpty(t, result.Plan.Outline)

	stored, err := h.coord.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	execs, err := h.coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	require.Len(t, execs, 5)
	for _, e := range execs {
		assert.Equal(t, domain.ExecutionStatusCompleted, e.Status, "execution %s/%s", e.Role, e.Phase)
		assert.NotEmpty(t, e.Output)
	}
	assert.Equal(t, domain.AgentRolePlanning, execs[0].Role)

	draft, err := h.coord.GetDraft(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Revision)
	assert.Contains(t, draft.Content, "grid-scale battery storage")

	types := h.notifier.missionTypes()
	assert.Equal(t, "completed", types[len(types)-1])
	assert.Contains(t, types, "phase_started")
	assert.Contains(t, types, "phase_completed")

	decisions, err := h.coord.ListDecisions(ctx, mission.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "mission_completed", decisions[0].Action)
}

func TestResearchPhaseCapsIterations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.reflector.research = []domain.ReflectionVerdict{{
		Quality:          0.4,
		NeedsImprovement: true,
		Tags:             []domain.ImprovementTag{domain.TagRecency, domain.TagQuantitative, domain.TagDepth},
	}}
	mission := h.createMission(t, "offshore wind costs")

	result, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Research.Iterations)
	assert.True(t, result.Research.Verdict.NeedsImprovement)

	assert.Equal(t, []int{3, 6, 9}, h.reflector.seenFindings)
	require.Len(t, h.researcher.queries, 3)
	assert.Equal(t, "offshore wind costs", h.researcher.queries[0])
	want := "offshore wind costs focusing on recent developments including quantitative data and statistics"
	assert.Equal(t, want, h.researcher.queries[1])
	assert.Equal(t, want, h.researcher.queries[2])

	findings, err := h.coord.ListFindings(ctx, mission.ID)
	require.NoError(t, err)
	require.Len(t, findings, 9)
	for i := 1; i < len(findings); i++ {
		assert.GreaterOrEqual(t, findings[i].Iteration, findings[i-1].Iteration)
	}

	execs, err := h.coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, countRole(execs, domain.AgentRoleResearch, domain.PhaseResearch))
	assert.Equal(t, 3, countRole(execs, domain.AgentRoleReflection, domain.PhaseResearch))
}

func TestWritingPhaseRefinesDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.reflector.writing = []domain.ReflectionVerdict{{
		Quality:       0.5,
		NeedsRevision: true,
		Tags:          []domain.ImprovementTag{domain.TagLength},
	}}
	mission := h.createMission(t, "heat pump adoption")

	result, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Writing.Iterations)
	assert.Equal(t, 2, h.reflector.writingReviewed)

	draft, err := h.coord.GetDraft(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, draft.Revision)
	assert.Equal(t, result.Writing.Draft.Content, draft.Content)
	assert.Contains(t, draft.Content, "## Discussion")

	execs, err := h.coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, countRole(execs, domain.AgentRoleWriting, domain.PhaseWriting))
}

func TestWorkflowFailureMarksMissionFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.researcher.fail = []error{errors.New("index unavailable")}
	mission := h.createMission(t, "hydrogen storage")

	result, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
	assert.Equal(t, domain.MissionStatusFailed, result.Status)

	stored, err := h.coord.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "index unavailable")

	execs, err := h.coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	last := execs[len(execs)-1]
	assert.Equal(t, domain.AgentRoleResearch, last.Role)
	assert.Equal(t, domain.ExecutionStatusFailed, last.Status)
	assert.Contains(t, last.Error, "index unavailable")

	types := h.notifier.missionTypes()
	assert.Equal(t, "failed", types[len(types)-1])

	_, err = h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

// completeFailingStore refuses to complete executions.
type completeFailingStore struct {
	*sqlitestore.Store
}

func (completeFailingStore) CompleteExecution(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

func TestCompleteExecutionFailureMarksExecutionFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	coord := New(completeFailingStore{Store: h.store}, h.coord.agents, h.notifier, Config{RetryDelay: time.Millisecond}, zap.NewNop())
	mission, err := coord.CreateMission(ctx, CreateMissionInput{UserID: "user-1", Query: "grid batteries"})
	require.NoError(t, err)

	_, err = coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	execs, err := coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.AgentRolePlanning, execs[0].Role)
	assert.Equal(t, domain.ExecutionStatusFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, "disk full")

	stored, err := coord.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusFailed, stored.Status)

	decisions, err := coord.ListDecisions(ctx, mission.ID, 50)
	require.NoError(t, err)
	var failedPayload string
	for _, d := range decisions {
		if d.Action == "mission_failed" {
			failedPayload = string(d.Payload)
		}
	}
	assert.Contains(t, failedPayload, execs[0].ID)
}

func TestEmptyReflectionInputFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.reflector.researchErr = &domain.InsufficientInputError{Subject: "findings"}
	mission := h.createMission(t, "tidal energy")

	_, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientInput)

	stored, err := h.coord.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusFailed, stored.Status)
}

func TestRetryableAgentErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AgentAttempts: 2}, agent.Options{})
	h.researcher.fail = []error{domain.Retryable(errors.New("timeout"))}
	mission := h.createMission(t, "solar curtailment")

	result, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusCompleted, result.Status)
	assert.Len(t, h.researcher.queries, 2)

	execs, err := h.coord.ListExecutions(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countRole(execs, domain.AgentRoleResearch, domain.PhaseResearch))
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AgentAttempts: 3}, agent.Options{})
	h.researcher.fail = []error{errors.New("bad query")}
	mission := h.createMission(t, "geothermal")

	_, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	require.Error(t, err)
	assert.Len(t, h.researcher.queries, 1)
}

func TestOverlappingWorkflowIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})
	h.researcher.started = make(chan struct{})
	h.researcher.release = make(chan struct{})
	mission := h.createMission(t, "nuclear small modular reactors")

	require.NoError(t, h.coord.Launch(ctx, mission.ID))
	<-h.researcher.started
	h.researcher.mu.Lock()
	h.researcher.started = nil
	h.researcher.mu.Unlock()

	_, err := h.coord.ExecuteResearchWorkflow(ctx, mission.ID)
	assert.ErrorIs(t, err, domain.ErrMissionInProgress)
	assert.ErrorIs(t, h.coord.Launch(ctx, mission.ID), domain.ErrMissionInProgress)
	assert.True(t, h.coord.IsRunning(mission.ID))

	close(h.researcher.release)
	h.coord.Wait()

	stored, err := h.coord.GetMission(ctx, mission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusCompleted, stored.Status)
	assert.False(t, h.coord.IsRunning(mission.ID))
}

func TestCreateMissionRequiresQuery(t *testing.T) {
	h := newHarness(t, Config{}, agent.Options{})
	_, err := h.coord.CreateMission(context.Background(), CreateMissionInput{Query: "   "})
	assert.ErrorIs(t, err, domain.ErrInsufficientInput)
}

func TestOptimizeAllAgentsReportsPartialFailure(t *testing.T) {
	h := newHarness(t, Config{}, agent.Options{Optimizer: fakeOptimizer{failModule: agent.ModuleWriting}})
	reflection := agent.NewReflectionAgent(agent.ReflectionConfig{}, agent.Options{
		Optimizer: fakeOptimizer{failModule: agent.ModuleWriting},
		Logger:    zap.NewNop(),
	})
	research := h.researcher.inner.(*agent.ResearchAgent)
	coord := New(h.store, Agents{
		Planner:    h.coord.agents.Planner,
		Research:   research,
		Writing:    h.coord.agents.Writing,
		Reflection: reflection,
	}, nil, Config{}, zap.NewNop())

	report := coord.OptimizeAllAgents(context.Background())
	require.Len(t, report.Results, 4)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	for _, r := range report.Results {
		if r.ModuleID == agent.ModuleWriting {
			assert.Contains(t, r.Error, "evaluator offline")
			assert.Nil(t, r.Outcome)
			continue
		}
		require.NotNil(t, r.Outcome, r.ModuleID)
		assert.True(t, r.Outcome.Improved)
	}

	metrics := coord.AgentMetrics()
	require.Len(t, metrics, 4)
	for _, m := range metrics {
		if m.ModuleID == agent.ModuleWriting {
			assert.Equal(t, 0, m.Optimizations)
		} else {
			assert.Equal(t, 1, m.Optimizations, m.ModuleID)
		}
	}
}

func TestOptimizeAllAgentsSkipsModulesWithoutPrompts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, agent.Options{})

	optimizer := optimization.New(h.store, optimization.HeuristicEvaluator{}, optimization.Config{
		Defaults: domain.OptimizationConfig{PopulationSize: 4, Generations: 2, ElitismCount: 1, TournamentSize: 2},
		Seed:     1,
	}, zap.NewNop())
	seeds, err := config.LoadPromptSeeds("")
	require.NoError(t, err)
	params := make([]domain.PromptParameter, 0, len(seeds))
	for _, s := range seeds {
		params = append(params, domain.PromptParameter{ModuleID: s.Module, Name: s.Name, Value: s.Value, State: domain.ParameterStateActive})
	}
	_, err = optimizer.SeedPromptParameters(ctx, params)
	require.NoError(t, err)

	opts := agent.Options{Optimizer: optimizer, Prompts: optimizer, Logger: zap.NewNop()}
	coord := New(h.store, Agents{
		Planner:    agent.NewPlanningAgent(opts),
		Research:   agent.NewResearchAgent(nil, agent.ResearchConfig{}, opts),
		Writing:    agent.NewWritingAgent(opts),
		Reflection: agent.NewReflectionAgent(agent.ReflectionConfig{}, opts),
	}, nil, Config{}, zap.NewNop())

	report := coord.OptimizeAllAgents(ctx)
	require.Len(t, report.Results, 4)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	for _, r := range report.Results {
		if r.ModuleID == agent.ModuleReflection {
			assert.True(t, r.Skipped)
			assert.Nil(t, r.Outcome)
			continue
		}
		assert.False(t, r.Skipped, r.ModuleID)
		require.NotNil(t, r.Outcome, r.ModuleID)
		assert.Equal(t, string(domain.SessionStatusCompleted), r.Outcome.Status)
	}
}

func TestWatchdogFailsAbandonedMissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{IdleTimeout: time.Minute}, agent.Options{})
	stale := h.createMission(t, "carbon capture")
	_, err := h.store.UpdateMissionStatus(ctx, stale.ID, domain.MissionStatusCreated, domain.MissionStatusResearching, "")
	require.NoError(t, err)
	fresh := h.createMission(t, "direct air capture")

	assert.Equal(t, 0, h.coord.watchdogOnce(ctx, time.Now().UTC()))
	assert.Equal(t, 1, h.coord.watchdogOnce(ctx, time.Now().UTC().Add(time.Hour)))

	m, err := h.coord.GetMission(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusFailed, m.Status)
	assert.Equal(t, "idle timeout exceeded", m.LastError)

	untouched, err := h.coord.GetMission(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionStatusCreated, untouched.Status)
}

func TestRefineQueryAppendsEachQualifierOnce(t *testing.T) {
	tags := []domain.ImprovementTag{domain.TagAlternativePerspective, domain.TagRecency}
	once := refineQuery("ev charging", tags)
	assert.Equal(t, "ev charging focusing on recent developments considering alternative perspectives", once)
	assert.Equal(t, once, refineQuery(once, tags))
	assert.Equal(t, "ev charging", refineQuery("ev charging", []domain.ImprovementTag{domain.TagCoverage}))
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := withRetry(ctx, 5, time.Hour, zap.NewNop(), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, domain.Retryable(fmt.Errorf("attempt %d", calls))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestHeartbeatTicksUntilStopped(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	stop := startProgressHeartbeat(context.Background(), 5*time.Millisecond, func(time.Duration) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 2
	}, time.Second, 5*time.Millisecond)
	stop()
	mu.Lock()
	after := ticks
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, ticks)
}
