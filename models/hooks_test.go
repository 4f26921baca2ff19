package models

import (
	"errors"
	"testing"
)

func TestTimesheetEntry_BeforeSaveChecksInvariants(t *testing.T) {
	e := &TimesheetEntry{ProjectId: 1, TaskId: 1, DurationMinutes: 60, WorkType: WorkTypeDevelopment, Status: EntryStatusApproved}
	if err := e.BeforeSave(nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("approved entry without lock must not be saved, got %v", err)
	}
	e.IsLocked = true
	if err := e.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApprovalEvent_IsAppendOnly(t *testing.T) {
	e := &ApprovalEvent{ID: 7, EntryId: 1, Action: EntryActionApprove}
	if err := e.BeforeUpdate(nil); !errors.Is(err, ErrImmutableEvent) {
		t.Fatalf("update must be refused, got %v", err)
	}
	if err := e.BeforeDelete(nil); !errors.Is(err, ErrImmutableEvent) {
		t.Fatalf("delete must be refused, got %v", err)
	}
}

func TestUser_BeforeCreate(t *testing.T) {
	u := &User{Name: "  Aye Aye  ", Timezone: "Asia/Yangon"}
	if err := u.BeforeCreate(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Name != "Aye Aye" || u.Role != UserRoleMember {
		t.Fatalf("expected trimmed name and member role, got %q %q", u.Name, u.Role)
	}

	bad := &User{Name: " ", Role: "guest", Timezone: "Mars/Olympus"}
	err := bad.BeforeCreate(nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"name", "role", "timezone"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected %s to be reported, got %v", field, verr.Fields)
		}
	}
}

func TestNotification_BeforeCreate(t *testing.T) {
	key := "2024-05-13"
	cases := []struct {
		name string
		n    *Notification
		ok   bool
	}{
		{"open alarm", &Notification{Kind: NotificationKindMissingEntry, GapKey: &key, AlarmStatus: AlarmStatusOpen}, true},
		{"alarm without gap key", &Notification{Kind: NotificationKindTaskDelay, AlarmStatus: AlarmStatusOpen}, false},
		{"alarm without status", &Notification{Kind: NotificationKindLockout, GapKey: &key}, false},
		{"informational", &Notification{Kind: NotificationKindTimesheetApproved}, true},
		{"informational with gap key", &Notification{Kind: NotificationKindTimesheetApproved, GapKey: &key}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.n.BeforeCreate(nil)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestOutboxRecord_BeforeCreate(t *testing.T) {
	rec := &OutboxRecord{Channel: OutboxChannelEmail}
	if err := rec.BeforeCreate(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != OutboxStatusPending {
		t.Fatalf("expected %s, got %s", OutboxStatusPending, rec.Status)
	}
	if err := (&OutboxRecord{Channel: "sms"}).BeforeCreate(nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("unknown channel must be refused, got %v", err)
	}
}
