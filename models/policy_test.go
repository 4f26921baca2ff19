package models

import (
	"errors"
	"testing"
	"time"
)

var allActorRoles = []ActorRole{ActorRoleSelf, ActorRoleSelfApprover, ActorRoleProjectManager, ActorRoleApprover}

func TestNextStatus_TableRows(t *testing.T) {
	cases := []struct {
		name   string
		from   EntryStatus
		role   ActorRole
		action EntryAction
		rc     RoutingContext
		want   EntryStatus
	}{
		{"self submit with pm", EntryStatusDraft, ActorRoleSelf, EntryActionSubmit, RoutingContext{ProjectHasManager: true}, EntryStatusPendingPM},
		{"self submit without pm", EntryStatusDraft, ActorRoleSelf, EntryActionSubmit, RoutingContext{}, EntryStatusPendingAdmin},
		{"approver submits own", EntryStatusDraft, ActorRoleSelfApprover, EntryActionSubmit, RoutingContext{ProjectHasManager: true}, EntryStatusApproved},
		{"pm approve", EntryStatusPendingPM, ActorRoleProjectManager, EntryActionApprove, RoutingContext{}, EntryStatusPendingAdmin},
		{"pm reject forwards", EntryStatusPendingPM, ActorRoleProjectManager, EntryActionReject, RoutingContext{}, EntryStatusPendingAdmin},
		{"admin approve", EntryStatusPendingAdmin, ActorRoleApprover, EntryActionApprove, RoutingContext{}, EntryStatusApproved},
		{"admin reject", EntryStatusPendingAdmin, ActorRoleApprover, EntryActionReject, RoutingContext{}, EntryStatusRejected},
	}
	for _, tc := range cases {
		got, used, err := NextStatus(tc.from, []ActorRole{tc.role}, tc.action, tc.rc)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
		if used != tc.role {
			t.Fatalf("%s: used role %s want %s", tc.name, used, tc.role)
		}
	}
}

// Every triple outside the table must be refused.
func TestNextStatus_EverythingElseIsInvalid(t *testing.T) {
	for _, from := range AllEntryStatuses {
		if from == EntryStatusSubmitted {
			continue
		}
		for _, role := range allActorRoles {
			for _, action := range AllEntryActions {
				_, inTable := TransitionPolicy[transitionKey{Role: role, From: from, Action: action}]
				for _, rc := range []RoutingContext{{}, {ProjectHasManager: true}} {
					got, _, err := NextStatus(from, []ActorRole{role}, action, rc)
					if inTable {
						if err != nil {
							t.Fatalf("(%s,%s,%s) should be allowed: %v", from, role, action, err)
						}
						continue
					}
					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("(%s,%s,%s) got %s, err=%v; want ErrInvalidTransition", from, role, action, got, err)
					}
					var te *TransitionError
					if !errors.As(err, &te) || te.From != from || te.Action != action {
						t.Fatalf("(%s,%s,%s) expected TransitionError with context, got %#v", from, role, action, err)
					}
				}
			}
		}
	}
}

func TestNextStatus_TerminalStatesNeverMove(t *testing.T) {
	for _, from := range []EntryStatus{EntryStatusApproved, EntryStatusRejected} {
		for _, action := range AllEntryActions {
			if _, _, err := NextStatus(from, allActorRoles, action, RoutingContext{ProjectHasManager: true}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s/%s: expected ErrInvalidTransition, got %v", from, action, err)
			}
		}
	}
}

func TestNextStatus_LegacySubmittedFollowsActor(t *testing.T) {
	got, used, err := NextStatus(EntryStatusSubmitted, []ActorRole{ActorRoleProjectManager}, EntryActionReject, RoutingContext{})
	if err != nil || got != EntryStatusPendingAdmin || used != ActorRoleProjectManager {
		t.Fatalf("pm on legacy submitted: got %s/%s err=%v", got, used, err)
	}

	got, used, err = NextStatus(EntryStatusSubmitted, []ActorRole{ActorRoleApprover}, EntryActionReject, RoutingContext{})
	if err != nil || got != EntryStatusRejected || used != ActorRoleApprover {
		t.Fatalf("admin on legacy submitted: got %s/%s err=%v", got, used, err)
	}

	// A PM who is also a tenant admin reads legacy rows as pending_pm.
	got, _, err = NextStatus(EntryStatusSubmitted, []ActorRole{ActorRoleProjectManager, ActorRoleApprover}, EntryActionApprove, RoutingContext{})
	if err != nil || got != EntryStatusPendingAdmin {
		t.Fatalf("pm+admin on legacy submitted: got %s err=%v", got, err)
	}

	if _, _, err := NextStatus(EntryStatusSubmitted, []ActorRole{ActorRoleSelf}, EntryActionSubmit, RoutingContext{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("owner cannot resubmit legacy submitted entry, got %v", err)
	}
}

func TestNextStatus_RolesTriedInOrder(t *testing.T) {
	got, used, err := NextStatus(EntryStatusPendingAdmin, []ActorRole{ActorRoleProjectManager, ActorRoleApprover}, EntryActionApprove, RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != EntryStatusApproved || used != ActorRoleApprover {
		t.Fatalf("got %s via %s", got, used)
	}

	if _, _, err := NextStatus(EntryStatusPendingAdmin, nil, EntryActionApprove, RoutingContext{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("no roles must be invalid, got %v", err)
	}
}

func TestTimesheetEntry_CheckInvariants(t *testing.T) {
	e := &TimesheetEntry{ProjectId: 1, TaskId: 1, DurationMinutes: 60, WorkType: WorkTypeBug}
	err := e.CheckInvariants()
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["remark"] == "" {
		t.Fatalf("bug entry without remark must fail on remark, got %v", err)
	}

	e.Remark = "fixed null pointer"
	if err := e.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.WorkType = WorkTypeDevelopment
	e.Remark = ""
	e.CreatedUnderAlarm = true
	if err := e.CheckInvariants(); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("entry created under alarm needs a remark, got %v", err)
	}

	e.CreatedUnderAlarm = false
	e.Status = EntryStatusApproved
	if err := e.CheckInvariants(); err == nil {
		t.Fatalf("approved entry must be locked")
	}
	e.IsLocked = true
	if err := e.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.DurationMinutes = MaxEntryMinutes + 1
	if err := e.CheckInvariants(); err == nil {
		t.Fatalf("duration over a day must fail")
	}
}

func TestClockSession_ElapsedSubtractsPauses(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := &ClockSession{StartedAt: start, AccumulatedPauseSeconds: 600}

	now := start.Add(70 * time.Minute)
	if got := s.Elapsed(now); got != 60*time.Minute {
		t.Fatalf("elapsed got %v want 60m", got)
	}

	pausedAt := start.Add(65 * time.Minute)
	s.IsPaused = true
	s.PausedAt = &pausedAt
	if got := s.Elapsed(now); got != 55*time.Minute {
		t.Fatalf("elapsed while paused got %v want 55m", got)
	}
	if got := s.TotalMinutes(now.Add(30 * time.Minute)); got != 55 {
		t.Fatalf("paused session must not grow, got %d", got)
	}
}
