package policy

import (
	"fmt"

	"missionlab/internal/domain"
)

var missionOrder = map[domain.MissionStatus]int{
	domain.MissionStatusCreated:     0,
	domain.MissionStatusPlanning:    1,
	domain.MissionStatusResearching: 2,
	domain.MissionStatusWriting:     3,
	domain.MissionStatusCompleted:   4,
}

type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// CanTransitionMission allows exactly one step forward along the lifecycle, or
// a move to FAILED from any non-final status.
func (e *Engine) CanTransitionMission(from, to domain.MissionStatus) (bool, string) {
	if IsFinalMission(from) {
		return false, fmt.Sprintf("mission is final (%s)", from)
	}
	if to == domain.MissionStatusFailed {
		return true, "failure is always reachable"
	}
	fromIdx, ok := missionOrder[from]
	if !ok {
		return false, fmt.Sprintf("unknown status %q", from)
	}
	toIdx, ok := missionOrder[to]
	if !ok {
		return false, fmt.Sprintf("unknown status %q", to)
	}
	if toIdx != fromIdx+1 {
		return false, fmt.Sprintf("%s -> %s skips or reverses the lifecycle", from, to)
	}
	return true, "allowed"
}

func (e *Engine) CheckMission(from, to domain.MissionStatus) error {
	if ok, reason := e.CanTransitionMission(from, to); !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, reason)
	}
	return nil
}

func (e *Engine) CanTransitionSession(from, to domain.SessionStatus) (bool, string) {
	switch from {
	case domain.SessionStatusCreated:
		if to == domain.SessionStatusRunning || to == domain.SessionStatusFailed || to == domain.SessionStatusCancelled {
			return true, "allowed"
		}
	case domain.SessionStatusRunning:
		if to == domain.SessionStatusCompleted || to == domain.SessionStatusFailed || to == domain.SessionStatusCancelled {
			return true, "allowed"
		}
	default:
		return false, fmt.Sprintf("session is final (%s)", from)
	}
	return false, fmt.Sprintf("%s -> %s is not a session transition", from, to)
}

func (e *Engine) CheckSession(from, to domain.SessionStatus) error {
	if ok, reason := e.CanTransitionSession(from, to); !ok {
		if IsFinalSession(from) {
			return fmt.Errorf("%w: %s", domain.ErrSessionFinal, reason)
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, reason)
	}
	return nil
}

func IsFinalMission(status domain.MissionStatus) bool {
	return status == domain.MissionStatusCompleted || status == domain.MissionStatusFailed
}

func IsFinalSession(status domain.SessionStatus) bool {
	return status == domain.SessionStatusCompleted ||
		status == domain.SessionStatusFailed ||
		status == domain.SessionStatusCancelled
}
