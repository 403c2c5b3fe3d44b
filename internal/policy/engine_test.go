package policy

import (
	"errors"
	"testing"

	"missionlab/internal/domain"
)

func TestMissionLifecycleIsMonotonic(t *testing.T) {
	e := New()
	cases := []struct {
		from, to domain.MissionStatus
		ok       bool
	}{
		{domain.MissionStatusCreated, domain.MissionStatusPlanning, true},
		{domain.MissionStatusPlanning, domain.MissionStatusResearching, true},
		{domain.MissionStatusResearching, domain.MissionStatusWriting, true},
		{domain.MissionStatusWriting, domain.MissionStatusCompleted, true},
		{domain.MissionStatusResearching, domain.MissionStatusFailed, true},
		{domain.MissionStatusCreated, domain.MissionStatusFailed, true},
		{domain.MissionStatusCreated, domain.MissionStatusWriting, false},
		{domain.MissionStatusWriting, domain.MissionStatusResearching, false},
		{domain.MissionStatusCompleted, domain.MissionStatusFailed, false},
		{domain.MissionStatusFailed, domain.MissionStatusPlanning, false},
	}
	for _, tc := range cases {
		ok, reason := e.CanTransitionMission(tc.from, tc.to)
		if ok != tc.ok {
			t.Fatalf("%s -> %s: got ok=%v want %v (%s)", tc.from, tc.to, ok, tc.ok, reason)
		}
	}
}

func TestCheckMissionWrapsInvalidTransition(t *testing.T) {
	err := New().CheckMission(domain.MissionStatusWriting, domain.MissionStatusPlanning)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCheckSessionFinal(t *testing.T) {
	e := New()
	if err := e.CheckSession(domain.SessionStatusCreated, domain.SessionStatusRunning); err != nil {
		t.Fatalf("created -> running: %v", err)
	}
	if err := e.CheckSession(domain.SessionStatusCreated, domain.SessionStatusCompleted); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("created -> completed should be invalid, got %v", err)
	}
	if err := e.CheckSession(domain.SessionStatusCompleted, domain.SessionStatusFailed); !errors.Is(err, domain.ErrSessionFinal) {
		t.Fatalf("completed session should be final, got %v", err)
	}
}
