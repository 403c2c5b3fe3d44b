package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"missionlab/internal/domain"
)

// Start runs the watchdog until ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdogLoop(ctx)
	}()
}

func (c *Coordinator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.watchdogOnce(ctx, time.Now().UTC())
		}
	}
}

// watchdogOnce fails in-progress missions that no workflow in this process
// owns and that have not been touched for IdleTimeout. These are left behind
// by a crash or restart mid-workflow.
func (c *Coordinator) watchdogOnce(ctx context.Context, now time.Time) int {
	missions, err := c.store.ListUnfinishedMissions(ctx)
	if err != nil {
		c.logger.Warn("watchdog list unfinished missions", zap.Error(err))
		return 0
	}
	var failed int
	for _, m := range missions {
		if c.IsRunning(m.ID) || now.Sub(m.UpdatedAt) <= c.cfg.IdleTimeout {
			continue
		}
		if err := c.policy.CheckMission(m.Status, domain.MissionStatusFailed); err != nil {
			continue
		}
		ok, err := c.store.UpdateMissionStatus(ctx, m.ID, m.Status, domain.MissionStatusFailed, "idle timeout exceeded")
		if err != nil {
			c.logger.Warn("watchdog fail mission", zap.String("mission_id", m.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		failed++
		c.logAction(ctx, m.ID, "mission_failed", "idle timeout exceeded", map[string]any{
			"status":           m.Status,
			"idle_timeout_sec": int(c.cfg.IdleTimeout.Seconds()),
		})
		c.notifier.SendMissionUpdate(m.UserID, m.ID, domain.MissionUpdate{
			Type:    "failed",
			Status:  domain.MissionStatusFailed,
			Message: "Research mission failed",
		})
	}
	return failed
}
