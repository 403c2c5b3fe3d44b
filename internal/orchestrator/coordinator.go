package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/domain"
	"missionlab/internal/policy"
)

const coordinatorActor = "coordinator"

type Store interface {
	CreateMission(ctx context.Context, m domain.Mission) error
	GetMission(ctx context.Context, missionID string) (domain.Mission, error)
	ListMissions(ctx context.Context, userID string, limit int) ([]domain.Mission, error)
	ListUnfinishedMissions(ctx context.Context) ([]domain.Mission, error)
	UpdateMissionStatus(ctx context.Context, missionID string, from, to domain.MissionStatus, lastError string) (bool, error)
	TouchMission(ctx context.Context, missionID string) error

	CreateExecution(ctx context.Context, e domain.AgentExecution) error
	MarkExecutionRunning(ctx context.Context, executionID string) error
	CompleteExecution(ctx context.Context, executionID string, output []byte, duration time.Duration) error
	FailExecution(ctx context.Context, executionID string, errMsg string, duration time.Duration) error
	ListMissionExecutions(ctx context.Context, missionID string) ([]domain.AgentExecution, error)

	AppendFindings(ctx context.Context, missionID string, findings []domain.Finding) error
	ListFindings(ctx context.Context, missionID string) ([]domain.Finding, error)
	SaveDraft(ctx context.Context, d domain.Draft) error
	GetDraft(ctx context.Context, missionID string) (domain.Draft, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListMissionDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error)
}

type Notifier interface {
	SendMissionUpdate(userID, missionID string, update domain.MissionUpdate)
	SendAgentUpdate(userID, missionID, executionID string, update domain.AgentUpdate)
}

type Planner interface {
	Plan(ctx context.Context, query string) (agent.Plan, error)
}

type Researcher interface {
	ExecuteResearch(ctx context.Context, query string, documentIDs []string) (agent.ResearchResult, error)
}

type Writer interface {
	WriteReport(ctx context.Context, req agent.WriteRequest) (agent.Report, error)
	RefineReport(ctx context.Context, content string, verdict domain.ReflectionVerdict) (agent.Refinement, error)
}

type Reflector interface {
	ReflectOnResearch(findings []domain.Finding, query string) (domain.ReflectionVerdict, error)
	ReflectOnWriting(content string) (domain.ReflectionVerdict, error)
}

// Optimizable is implemented by agents whose prompts can be tuned and whose
// usage is tracked.
type Optimizable interface {
	Role() domain.AgentRole
	ModuleID() string
	OptimizePrompts(ctx context.Context) (agent.OptimizationOutcome, error)
	PerformanceMetrics() agent.Metrics
}

type Agents struct {
	Planner    Planner
	Research   Researcher
	Writing    Writer
	Reflection Reflector
}

type Config struct {
	MaxResearchReflections int
	MaxWritingReflections  int
	// AgentAttempts bounds calls per execution. Only retryable errors are
	// tried again.
	AgentAttempts     int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	WatchdogInterval  time.Duration
	IdleTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxResearchReflections <= 0 {
		c.MaxResearchReflections = 3
	}
	if c.MaxWritingReflections <= 0 {
		c.MaxWritingReflections = 2
	}
	if c.AgentAttempts <= 0 {
		c.AgentAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	return c
}

type Coordinator struct {
	store    Store
	agents   Agents
	notifier Notifier
	policy   *policy.Engine
	cfg      Config
	logger   *zap.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func New(store Store, agents Agents, notifier Notifier, cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Coordinator{
		store:    store,
		agents:   agents,
		notifier: notifier,
		policy:   policy.New(),
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

type CreateMissionInput struct {
	ID          string   `json:"id,omitempty"`
	UserID      string   `json:"user_id"`
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

func (c *Coordinator) CreateMission(ctx context.Context, in CreateMissionInput) (domain.Mission, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return domain.Mission{}, &domain.InsufficientInputError{Subject: "mission query"}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	mission := domain.Mission{
		ID:          in.ID,
		UserID:      in.UserID,
		Query:       in.Query,
		Status:      domain.MissionStatusCreated,
		DocumentIDs: in.DocumentIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateMission(ctx, mission); err != nil {
		return domain.Mission{}, err
	}
	c.logAction(ctx, mission.ID, "mission_created", "mission created", mission)
	return mission, nil
}

func (c *Coordinator) GetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	return c.store.GetMission(ctx, missionID)
}

func (c *Coordinator) ListMissions(ctx context.Context, userID string, limit int) ([]domain.Mission, error) {
	return c.store.ListMissions(ctx, userID, limit)
}

func (c *Coordinator) ListExecutions(ctx context.Context, missionID string) ([]domain.AgentExecution, error) {
	return c.store.ListMissionExecutions(ctx, missionID)
}

func (c *Coordinator) ListFindings(ctx context.Context, missionID string) ([]domain.Finding, error) {
	return c.store.ListFindings(ctx, missionID)
}

func (c *Coordinator) GetDraft(ctx context.Context, missionID string) (domain.Draft, error) {
	return c.store.GetDraft(ctx, missionID)
}

func (c *Coordinator) ListDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error) {
	return c.store.ListMissionDecisions(ctx, missionID, limit)
}

// IsRunning reports whether a workflow for missionID is in flight in this
// process.
func (c *Coordinator) IsRunning(missionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[missionID]
	return ok
}

func (c *Coordinator) acquire(missionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[missionID]; busy {
		return false
	}
	c.active[missionID] = struct{}{}
	return true
}

func (c *Coordinator) release(missionID string) {
	c.mu.Lock()
	delete(c.active, missionID)
	c.mu.Unlock()
}

// Launch starts ExecuteResearchWorkflow in the background after checking the
// mission can start. Wait joins launched workflows and the watchdog.
func (c *Coordinator) Launch(ctx context.Context, missionID string) error {
	mission, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if c.IsRunning(missionID) {
		return fmt.Errorf("launch mission %s: %w", missionID, domain.ErrMissionInProgress)
	}
	if err := c.policy.CheckMission(mission.Status, domain.MissionStatusPlanning); err != nil {
		return fmt.Errorf("launch mission %s: %w", missionID, err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.ExecuteResearchWorkflow(ctx, missionID); err != nil {
			c.logger.Warn("background mission ended with error",
				zap.String("mission_id", missionID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) logAction(ctx context.Context, missionID, action, reason string, payload any) {
	if err := c.store.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		MissionID: missionID,
		Actor:     coordinatorActor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
	}); err != nil {
		c.logger.Warn("decision log write failed",
			zap.String("mission_id", missionID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

type discardNotifier struct{}

func (discardNotifier) SendMissionUpdate(string, string, domain.MissionUpdate)       {}
func (discardNotifier) SendAgentUpdate(string, string, string, domain.AgentUpdate) {}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
