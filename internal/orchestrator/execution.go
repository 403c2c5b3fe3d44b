package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionlab/internal/domain"
)

// step describes one agent execution inside a phase.
type step struct {
	role      domain.AgentRole
	phase     domain.Phase
	iteration int
	input     any
}

// runStep records an AgentExecution around fn: PENDING, RUNNING, then
// COMPLETED with fn's output or FAILED with its error.
func runStep[T any](ctx context.Context, c *Coordinator, run *missionRun, st step, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	exec := domain.AgentExecution{
		ID:        uuid.NewString(),
		MissionID: run.mission.ID,
		Role:      st.role,
		Status:    domain.ExecutionStatusPending,
		Phase:     st.phase,
		Iteration: st.iteration,
		Input:     mustJSON(st.input),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return zero, err
	}
	if err := c.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return zero, err
	}
	c.notifyAgent(run, exec, domain.ExecutionStatusRunning, "execution_started", "", nil)

	started := time.Now()
	out, err := withRetry(ctx, c.cfg.AgentAttempts, c.cfg.RetryDelay, c.logger.With(
		zap.String("mission_id", run.mission.ID),
		zap.String("role", string(st.role)),
	), fn)
	elapsed := time.Since(started)

	if err != nil {
		c.failExecution(ctx, run, exec, err, elapsed)
		return zero, fmt.Errorf("%s %s iteration %d: %w", st.phase, st.role, st.iteration, err)
	}

	if err := c.store.CompleteExecution(ctx, exec.ID, mustJSON(out), elapsed); err != nil {
		c.failExecution(ctx, run, exec, fmt.Errorf("complete execution: %w", err), elapsed)
		return zero, fmt.Errorf("%s %s iteration %d: complete execution: %w", st.phase, st.role, st.iteration, err)
	}
	c.notifyAgent(run, exec, domain.ExecutionStatusCompleted, "execution_completed", "", map[string]any{
		"duration_ms": durationMS(elapsed),
	})
	c.logger.Debug("agent execution completed",
		zap.String("mission_id", run.mission.ID),
		zap.String("execution_id", exec.ID),
		zap.String("role", string(st.role)),
		zap.Int("iteration", st.iteration),
		zap.Duration("duration", elapsed),
	)
	return out, nil
}

// failExecution marks exec FAILED even when ctx is already cancelled.
func (c *Coordinator) failExecution(ctx context.Context, run *missionRun, exec domain.AgentExecution, cause error, elapsed time.Duration) {
	if ferr := c.store.FailExecution(context.WithoutCancel(ctx), exec.ID, cause.Error(), elapsed); ferr != nil {
		c.logger.Error("mark execution failed",
			zap.String("execution_id", exec.ID),
			zap.Error(ferr),
		)
	}
	run.failedExecution = exec.ID
	c.notifyAgent(run, exec, domain.ExecutionStatusFailed, "execution_failed", cause.Error(), nil)
}

// withRetry calls fn up to attempts times, waiting attempt*delay between
// tries. Errors not marked retryable end the loop immediately.
func withRetry[T any](ctx context.Context, attempts int, delay time.Duration, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || attempt == attempts {
			break
		}
		wait := time.Duration(attempt) * delay
		logger.Warn("agent call retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("agent call failed")
	}
	return zero, lastErr
}

func (c *Coordinator) notifyAgent(run *missionRun, exec domain.AgentExecution, status domain.ExecutionStatus, kind, message string, data map[string]any) {
	c.notifier.SendAgentUpdate(run.mission.UserID, run.mission.ID, exec.ID, domain.AgentUpdate{
		Type:      kind,
		Role:      exec.Role,
		Phase:     exec.Phase,
		Status:    status,
		Iteration: exec.Iteration,
		Message:   message,
		Data:      data,
	})
}

func (c *Coordinator) notifyMission(run *missionRun, kind string, phase domain.Phase, message string, data map[string]any) {
	c.notifier.SendMissionUpdate(run.mission.UserID, run.mission.ID, domain.MissionUpdate{
		Type:    kind,
		Phase:   phase,
		Status:  run.status,
		Message: message,
		Data:    data,
	})
}

// startProgressHeartbeat calls onTick every interval until the returned stop
// func is called or ctx ends.
func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	started := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}
