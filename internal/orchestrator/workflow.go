package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionlab/internal/agent"
	"missionlab/internal/domain"
)

// missionRun is the in-memory state of one workflow execution.
type missionRun struct {
	mission         domain.Mission
	status          domain.MissionStatus
	failedExecution string
}

type ResearchOutcome struct {
	Query      string                   `json:"query"`
	Findings   []domain.Finding         `json:"findings"`
	Iterations int                      `json:"iterations"`
	Elapsed    time.Duration            `json:"elapsed"`
	Verdict    domain.ReflectionVerdict `json:"verdict"`
}

type WritingOutcome struct {
	Draft      domain.Draft             `json:"draft"`
	Iterations int                      `json:"iterations"`
	Elapsed    time.Duration            `json:"elapsed"`
	Verdict    domain.ReflectionVerdict `json:"verdict"`
}

type WorkflowResult struct {
	MissionID string               `json:"mission_id"`
	Status    domain.MissionStatus `json:"status"`
	Plan      agent.Plan           `json:"plan"`
	Research  ResearchOutcome      `json:"research"`
	Writing   WritingOutcome       `json:"writing"`
	Elapsed   time.Duration        `json:"elapsed"`
}

var queryQualifiers = []struct {
	tag       domain.ImprovementTag
	qualifier string
}{
	{domain.TagRecency, "focusing on recent developments"},
	{domain.TagQuantitative, "including quantitative data and statistics"},
	{domain.TagAlternativePerspective, "considering alternative perspectives"},
}

// ExecuteResearchWorkflow drives a CREATED mission through planning, research
// and writing to COMPLETED. Any failure moves the mission to FAILED.
func (c *Coordinator) ExecuteResearchWorkflow(ctx context.Context, missionID string) (WorkflowResult, error) {
	if !c.acquire(missionID) {
		return WorkflowResult{}, fmt.Errorf("execute mission %s: %w", missionID, domain.ErrMissionInProgress)
	}
	defer c.release(missionID)

	mission, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return WorkflowResult{}, err
	}
	if err := c.policy.CheckMission(mission.Status, domain.MissionStatusPlanning); err != nil {
		return WorkflowResult{}, fmt.Errorf("execute mission %s: %w", missionID, err)
	}
	if c.agents.Planner == nil || c.agents.Research == nil || c.agents.Writing == nil || c.agents.Reflection == nil {
		return WorkflowResult{}, errors.New("execute mission: coordinator is missing an agent")
	}

	run := &missionRun{mission: mission, status: mission.Status}
	result := WorkflowResult{MissionID: missionID}
	started := time.Now()
	c.logger.Info("mission workflow started",
		zap.String("mission_id", missionID),
		zap.String("user_id", mission.UserID),
	)

	stopHeartbeat := startProgressHeartbeat(ctx, c.cfg.HeartbeatInterval, func(elapsed time.Duration) {
		if err := c.store.TouchMission(ctx, missionID); err != nil {
			c.logger.Warn("touch mission failed", zap.String("mission_id", missionID), zap.Error(err))
		}
		c.notifier.SendMissionUpdate(mission.UserID, missionID, domain.MissionUpdate{
			Type: "heartbeat",
			Data: map[string]any{"elapsed_ms": durationMS(elapsed)},
		})
	})
	defer stopHeartbeat()

	plan, err := c.executePlanningPhase(ctx, run)
	if err != nil {
		return c.failMission(ctx, run, result, err)
	}
	result.Plan = plan

	research, err := c.executeResearchPhase(ctx, run)
	result.Research = research
	if err != nil {
		return c.failMission(ctx, run, result, err)
	}

	writing, err := c.executeWritingPhase(ctx, run, plan, research)
	result.Writing = writing
	if err != nil {
		return c.failMission(ctx, run, result, err)
	}

	if err := c.advance(ctx, run, domain.MissionStatusCompleted, ""); err != nil {
		return c.failMission(ctx, run, result, err)
	}
	result.Status = run.status
	result.Elapsed = time.Since(started)

	summary := map[string]any{
		"findings":            len(research.Findings),
		"research_iterations": research.Iterations,
		"writing_iterations":  writing.Iterations,
		"word_count":          writing.Draft.WordCount,
		"quality":             writing.Verdict.Quality,
		"elapsed_ms":          durationMS(result.Elapsed),
	}
	c.logAction(ctx, missionID, "mission_completed", "research workflow finished", summary)
	c.notifyMission(run, "completed", "", "Research mission completed", summary)
	c.logger.Info("mission workflow completed",
		zap.String("mission_id", missionID),
		zap.Int("findings", len(research.Findings)),
		zap.Int("research_iterations", research.Iterations),
		zap.Int("writing_iterations", writing.Iterations),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (c *Coordinator) executePlanningPhase(ctx context.Context, run *missionRun) (agent.Plan, error) {
	if err := c.advance(ctx, run, domain.MissionStatusPlanning, ""); err != nil {
		return agent.Plan{}, err
	}
	c.notifyMission(run, "phase_started", domain.PhasePlanning, "Planning mission", nil)

	started := time.Now()
	plan, err := runStep(ctx, c, run, step{
		role:      domain.AgentRolePlanning,
		phase:     domain.PhasePlanning,
		iteration: 1,
		input:     map[string]any{"query": run.mission.Query},
	}, func(ctx context.Context) (agent.Plan, error) {
		return c.agents.Planner.Plan(ctx, run.mission.Query)
	})
	if err != nil {
		return agent.Plan{}, err
	}

	c.logAction(ctx, run.mission.ID, "plan_ready", "outline prepared", plan)
	c.notifyMission(run, "phase_completed", domain.PhasePlanning, "", map[string]any{
		"outline":    plan.Outline,
		"style":      plan.Style,
		"elapsed_ms": durationMS(time.Since(started)),
	})
	return plan, nil
}

// executeResearchPhase alternates research and reflection. A verdict asking
// for improvement refines the query and runs again, up to
// MaxResearchReflections iterations in total. Findings only accumulate.
func (c *Coordinator) executeResearchPhase(ctx context.Context, run *missionRun) (ResearchOutcome, error) {
	if err := c.advance(ctx, run, domain.MissionStatusResearching, ""); err != nil {
		return ResearchOutcome{}, err
	}
	c.notifyMission(run, "phase_started", domain.PhaseResearch, "Researching", nil)

	started := time.Now()
	out := ResearchOutcome{Query: run.mission.Query}
	query := run.mission.Query
	maxReflections := c.cfg.MaxResearchReflections
	reflectionCount := 0

	for reflectionCount < maxReflections {
		iteration := reflectionCount + 1
		out.Iterations = iteration

		res, err := runStep(ctx, c, run, step{
			role:      domain.AgentRoleResearch,
			phase:     domain.PhaseResearch,
			iteration: iteration,
			input:     map[string]any{"query": query, "document_ids": run.mission.DocumentIDs},
		}, func(ctx context.Context) (agent.ResearchResult, error) {
			return c.agents.Research.ExecuteResearch(ctx, query, run.mission.DocumentIDs)
		})
		if err != nil {
			out.Elapsed = time.Since(started)
			return out, err
		}

		batch := stampFindings(res.Findings, run.mission.ID, iteration)
		if err := c.store.AppendFindings(ctx, run.mission.ID, batch); err != nil {
			out.Elapsed = time.Since(started)
			return out, fmt.Errorf("persist findings: %w", err)
		}
		out.Findings = append(out.Findings, batch...)

		findings := out.Findings
		verdict, err := runStep(ctx, c, run, step{
			role:      domain.AgentRoleReflection,
			phase:     domain.PhaseResearch,
			iteration: iteration,
			input:     map[string]any{"query": query, "findings": len(findings)},
		}, func(context.Context) (domain.ReflectionVerdict, error) {
			return c.agents.Reflection.ReflectOnResearch(findings, query)
		})
		if err != nil {
			out.Elapsed = time.Since(started)
			return out, err
		}
		out.Verdict = verdict

		if verdict.NeedsImprovement && reflectionCount < maxReflections-1 {
			next := refineQuery(query, verdict.Tags)
			c.logAction(ctx, run.mission.ID, "query_refined", "research reflection requested improvement", map[string]any{
				"iteration": iteration,
				"quality":   verdict.Quality,
				"tags":      verdict.Tags,
				"from":      query,
				"to":        next,
			})
			query = next
			reflectionCount++
			continue
		}
		break
	}

	out.Query = query
	out.Elapsed = time.Since(started)
	c.notifyMission(run, "phase_completed", domain.PhaseResearch, "", map[string]any{
		"iterations": out.Iterations,
		"findings":   len(out.Findings),
		"quality":    out.Verdict.Quality,
		"elapsed_ms": durationMS(out.Elapsed),
	})
	return out, nil
}

// executeWritingPhase writes one draft and refines it while reflection asks
// for revision, up to MaxWritingReflections iterations in total.
func (c *Coordinator) executeWritingPhase(ctx context.Context, run *missionRun, plan agent.Plan, research ResearchOutcome) (WritingOutcome, error) {
	if err := c.advance(ctx, run, domain.MissionStatusWriting, ""); err != nil {
		return WritingOutcome{}, err
	}
	c.notifyMission(run, "phase_started", domain.PhaseWriting, "Writing report", nil)

	started := time.Now()
	out := WritingOutcome{Draft: domain.Draft{MissionID: run.mission.ID}}
	maxReflections := c.cfg.MaxWritingReflections
	reflectionCount := 0

	for reflectionCount < maxReflections {
		iteration := reflectionCount + 1
		out.Iterations = iteration

		if iteration == 1 {
			req := agent.WriteRequest{
				Topic:    run.mission.Query,
				Findings: research.Findings,
				Outline:  plan.Outline,
				Style:    plan.Style,
			}
			report, err := runStep(ctx, c, run, step{
				role:      domain.AgentRoleWriting,
				phase:     domain.PhaseWriting,
				iteration: iteration,
				input:     map[string]any{"topic": req.Topic, "findings": len(req.Findings), "outline": req.Outline, "style": req.Style},
			}, func(ctx context.Context) (agent.Report, error) {
				return c.agents.Writing.WriteReport(ctx, req)
			})
			if err != nil {
				out.Elapsed = time.Since(started)
				return out, err
			}
			out.Draft.Content = report.Content
			out.Draft.Structure = report.Structure
			out.Draft.WordCount = report.WordCount
			out.Draft.Quality = report.Quality
		} else {
			content, verdict := out.Draft.Content, out.Verdict
			refined, err := runStep(ctx, c, run, step{
				role:      domain.AgentRoleWriting,
				phase:     domain.PhaseWriting,
				iteration: iteration,
				input:     map[string]any{"tags": verdict.Tags, "quality": verdict.Quality},
			}, func(ctx context.Context) (agent.Refinement, error) {
				return c.agents.Writing.RefineReport(ctx, content, verdict)
			})
			if err != nil {
				out.Elapsed = time.Since(started)
				return out, err
			}
			out.Draft.Content = refined.RefinedContent
			out.Draft.Structure = refined.Structure
			out.Draft.WordCount = refined.WordCount
			out.Draft.Quality = refined.Quality
		}
		out.Draft.Revision = iteration
		if err := c.store.SaveDraft(ctx, out.Draft); err != nil {
			out.Elapsed = time.Since(started)
			return out, fmt.Errorf("persist draft: %w", err)
		}

		content := out.Draft.Content
		verdict, err := runStep(ctx, c, run, step{
			role:      domain.AgentRoleReflection,
			phase:     domain.PhaseWriting,
			iteration: iteration,
			input:     map[string]any{"word_count": out.Draft.WordCount, "revision": out.Draft.Revision},
		}, func(context.Context) (domain.ReflectionVerdict, error) {
			return c.agents.Reflection.ReflectOnWriting(content)
		})
		if err != nil {
			out.Elapsed = time.Since(started)
			return out, err
		}
		out.Verdict = verdict

		if verdict.NeedsRevision && reflectionCount < maxReflections-1 {
			c.logAction(ctx, run.mission.ID, "draft_revision_requested", "writing reflection requested revision", map[string]any{
				"iteration": iteration,
				"quality":   verdict.Quality,
				"tags":      verdict.Tags,
			})
			reflectionCount++
			continue
		}
		break
	}

	out.Elapsed = time.Since(started)
	c.notifyMission(run, "phase_completed", domain.PhaseWriting, "", map[string]any{
		"iterations": out.Iterations,
		"revision":   out.Draft.Revision,
		"word_count": out.Draft.WordCount,
		"quality":    out.Verdict.Quality,
		"elapsed_ms": durationMS(out.Elapsed),
	})
	return out, nil
}

// advance moves the mission one validated step along its lifecycle.
func (c *Coordinator) advance(ctx context.Context, run *missionRun, to domain.MissionStatus, lastError string) error {
	if err := c.policy.CheckMission(run.status, to); err != nil {
		return err
	}
	ok, err := c.store.UpdateMissionStatus(ctx, run.mission.ID, run.status, to, lastError)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mission %s left %s concurrently: %w", run.mission.ID, run.status, domain.ErrInvalidTransition)
	}
	c.logAction(ctx, run.mission.ID, "status_changed", fmt.Sprintf("%s -> %s", run.status, to), map[string]any{
		"from": run.status,
		"to":   to,
	})
	run.status = to
	c.notifyMission(run, "status", "", "", nil)
	return nil
}

// failMission records cause on the mission and returns it wrapped. Status
// writes use a context detached from cancellation.
func (c *Coordinator) failMission(ctx context.Context, run *missionRun, result WorkflowResult, cause error) (WorkflowResult, error) {
	writeCtx := context.WithoutCancel(ctx)
	result.Status = run.status
	if err := c.advance(writeCtx, run, domain.MissionStatusFailed, cause.Error()); err != nil {
		c.logger.Error("mark mission failed",
			zap.String("mission_id", run.mission.ID),
			zap.Error(err),
		)
	} else {
		result.Status = run.status
	}
	c.logAction(writeCtx, run.mission.ID, "mission_failed", "workflow aborted", map[string]any{
		"error":        cause.Error(),
		"execution_id": run.failedExecution,
	})
	c.notifyMission(run, "failed", "", "Research mission failed", nil)
	c.logger.Warn("mission workflow failed",
		zap.String("mission_id", run.mission.ID),
		zap.Error(cause),
	)
	return result, fmt.Errorf("execute mission %s: %w", run.mission.ID, cause)
}

// refineQuery appends one qualifier per recognised tag. A qualifier already
// present in the query is not repeated.
func refineQuery(query string, tags []domain.ImprovementTag) string {
	refined := query
	for _, q := range queryQualifiers {
		if !containsTag(tags, q.tag) || strings.Contains(refined, q.qualifier) {
			continue
		}
		refined += " " + q.qualifier
	}
	return refined
}

func containsTag(tags []domain.ImprovementTag, tag domain.ImprovementTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func stampFindings(findings []domain.Finding, missionID string, iteration int) []domain.Finding {
	out := make([]domain.Finding, 0, len(findings))
	now := time.Now().UTC()
	for _, f := range findings {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.MissionID = missionID
		f.Iteration = iteration
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		out = append(out, f)
	}
	return out
}
