package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
)

func (f *fixture) start(u *models.User) *models.ClockSession {
	f.t.Helper()
	session, err := f.svc.Timer.Start(f.as(u), models.StartInput{
		ProjectId: f.project.ID,
		TaskId:    f.task.ID,
		WorkType:  models.WorkTypeDevelopment,
	})
	if err != nil {
		f.t.Fatalf("Start: %v", err)
	}
	return session
}

func TestTimer_RoundTripWithPauses(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	session := f.start(f.member)

	steps := []struct {
		wait  time.Duration
		pause bool
	}{
		{30 * time.Minute, true},
		{15 * time.Minute, false},
		{20 * time.Minute, true},
		{5 * time.Minute, false},
	}
	for _, step := range steps {
		f.advance(step.wait)
		var err error
		if step.pause {
			_, err = f.svc.Timer.Pause(ctx)
		} else {
			_, err = f.svc.Timer.Resume(ctx)
		}
		if err != nil {
			t.Fatalf("pause=%v: %v", step.pause, err)
		}
	}
	f.advance(10*time.Minute + 40*time.Second)

	active, err := f.svc.Timer.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.Session.ID != session.ID || active.ElapsedMinutes != 60 || active.Session.PauseCount != 2 {
		t.Fatalf("recovered timer: %+v", active)
	}

	entries, err := f.svc.Timer.Stop(ctx, models.StopInput{Remark: "landing page layout"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("Stop: %v %+v", entries, err)
	}
	entry := entries[0]
	if entry.DurationMinutes != 60 || entry.ClockSessionId != session.ID || entry.Status != models.EntryStatusDraft {
		t.Fatalf("entry from timer: %+v", entry)
	}
	if !entry.IsBillable || entry.HourlyRate.IntPart() != 50 || !entry.EntryDate.Equal(day(13)) {
		t.Fatalf("snapshot: %+v", entry)
	}
	stored, err := f.store.GetSession(f.tenantCtx(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.IsActive() || stored.ResultingEntryId != entry.ID || stored.AccumulatedPauseSeconds != int64(20*60) {
		t.Fatalf("closed session: %+v", stored)
	}
	if _, err := f.svc.Timer.Active(ctx); !errors.Is(err, models.ErrNoActiveSession) {
		t.Fatalf("Active after stop: %v", err)
	}
}

func TestTimer_OneActiveSessionPerUser(t *testing.T) {
	f := newFixture(t)
	f.start(f.member)
	_, err := f.svc.Timer.Start(f.as(f.member), models.StartInput{
		ProjectId: f.internal.ID, TaskId: f.internalTask.ID, WorkType: models.WorkTypeMeeting,
	})
	if !errors.Is(err, models.ErrTimerAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	f.start(f.member2)
}

func TestTimer_PauseResumeStateChecks(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	if _, err := f.svc.Timer.Pause(ctx); !errors.Is(err, models.ErrNoActiveSession) {
		t.Fatalf("pause without timer: %v", err)
	}
	f.start(f.member)
	if _, err := f.svc.Timer.Resume(ctx); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("resume running timer: %v", err)
	}
	if _, err := f.svc.Timer.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.svc.Timer.Pause(ctx); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("double pause: %v", err)
	}
}

func TestTimer_StopWhilePausedFoldsPause(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	f.start(f.member)
	f.advance(10 * time.Minute)
	if _, err := f.svc.Timer.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.advance(30 * time.Minute)
	entries, err := f.svc.Timer.Stop(ctx, models.StopInput{IsBillable: new(bool)})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(entries) != 1 || entries[0].DurationMinutes != 10 || entries[0].IsBillable {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestTimer_ShortSessionMustBeDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	f.start(f.member)
	f.advance(59 * time.Second)
	if _, err := f.svc.Timer.Stop(ctx, models.StopInput{}); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("stop under a minute: %v", err)
	}
	session, err := f.svc.Timer.Discard(ctx)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if !session.IsDiscarded || session.StoppedAt == nil || session.ResultingEntryId != 0 {
		t.Fatalf("discarded: %+v", session)
	}
	entries, _ := f.store.ListEntries(f.tenantCtx(), models.EntryFilter{UserId: f.member.ID})
	if len(entries) != 0 {
		t.Fatalf("discard must not create entries, got %d", len(entries))
	}
	f.start(f.member)
}

func TestTimer_LongSessionIsSurfacedAndSplitByDay(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	session := f.start(f.member)
	f.advance(11 * time.Hour)

	long, err := f.svc.Timer.LongRunning(f.as(f.admin), 0)
	if err != nil || len(long) != 1 || long[0].Session.UserId != f.member.ID {
		t.Fatalf("LongRunning: %v %v", long, err)
	}
	if mine, _ := f.svc.Timer.LongRunning(f.as(f.member2), 0); len(mine) != 0 {
		t.Fatalf("members only see their own sessions, got %d", len(mine))
	}

	if _, err := f.svc.Timer.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.advance(time.Hour)
	if _, err := f.svc.Timer.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	f.advance(19 * time.Hour)

	active, err := f.svc.Timer.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	entries, err := f.svc.Timer.Stop(ctx, models.StopInput{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one entry per day, got %+v", entries)
	}
	if !entries[0].EntryDate.Equal(day(13)) || entries[0].DurationMinutes != 840 {
		t.Fatalf("first day: %+v", entries[0])
	}
	if !entries[1].EntryDate.Equal(day(14)) || entries[1].DurationMinutes != 960 {
		t.Fatalf("second day: %+v", entries[1])
	}
	total := 0
	for _, entry := range entries {
		if entry.ClockSessionId != session.ID || entry.Status != models.EntryStatusDraft {
			t.Fatalf("entry: %+v", entry)
		}
		total += entry.DurationMinutes
	}
	if total != active.ElapsedMinutes || total != 1800 {
		t.Fatalf("booked %d minutes, worked %d", total, active.ElapsedMinutes)
	}
	stored, err := f.store.GetSession(f.tenantCtx(), session.ID)
	if err != nil || stored.ResultingEntryId != entries[0].ID {
		t.Fatalf("closed session: %+v %v", stored, err)
	}
}

func TestTimer_StopWithoutTaskIsIncomplete(t *testing.T) {
	f := newFixture(t)
	ctx := f.as(f.member)
	stray := &models.ClockSession{UserId: f.member.ID, WorkType: models.WorkTypeDevelopment, StartedAt: f.now}
	if err := f.store.CreateSession(f.tenantCtx(), stray); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	f.advance(30 * time.Minute)

	_, err := f.svc.Timer.Stop(ctx, models.StopInput{})
	var blocked *models.BlockedError
	if !errors.Is(err, models.ErrIncompleteSession) || !errors.As(err, &blocked) || blocked.NextStep == "" {
		t.Fatalf("stop without task: %v", err)
	}
	active, err := f.svc.Timer.Active(ctx)
	if err != nil || active.Session.ID != stray.ID {
		t.Fatalf("session must stay open: %+v %v", active, err)
	}
	if _, err := f.svc.Timer.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
}

func TestTimer_StartOnSettledTargetBlocks(t *testing.T) {
	f := newFixture(t)
	done := &models.Project{Name: "Done", Status: models.ProjectStatusCompleted}
	if err := f.store.CreateProject(f.tenantCtx(), done); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	doneTask := &models.Task{ProjectId: done.ID, AssigneeId: f.member.ID, Name: "wrap up"}
	if err := f.store.CreateTask(f.tenantCtx(), doneTask); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err := f.svc.Timer.Start(f.as(f.member), models.StartInput{ProjectId: done.ID, TaskId: doneTask.ID, WorkType: models.WorkTypeDevelopment})
	if !errors.Is(err, models.ErrBlockedByLock) {
		t.Fatalf("start on completed project: %v", err)
	}

	milestone := &models.Milestone{ProjectId: f.project.ID, Name: "Phase 1", Status: models.MilestoneStatusCompleted}
	if err := f.store.CreateMilestone(f.tenantCtx(), milestone); err != nil {
		t.Fatalf("CreateMilestone: %v", err)
	}
	_, err = f.svc.Timer.Start(f.as(f.member), models.StartInput{
		ProjectId: f.project.ID, TaskId: f.task.ID, MilestoneId: milestone.ID, WorkType: models.WorkTypeDevelopment,
	})
	var blocked *models.BlockedError
	if !errors.Is(err, models.ErrBlockedByLock) || !errors.As(err, &blocked) || blocked.NextStep == "" {
		t.Fatalf("start on completed milestone: %v", err)
	}
	if _, err := f.svc.Timer.Active(f.as(f.member)); !errors.Is(err, models.ErrNoActiveSession) {
		t.Fatalf("blocked start must not open a session: %v", err)
	}
}

func TestTimer_AuditLockBlocksStartAndStop(t *testing.T) {
	f := newFixture(t)
	f.start(f.member)
	if _, err := f.svc.AuditLocks.SetLock(f.as(f.owner), []int{f.member.ID, f.member2.ID}, true); err != nil {
		t.Fatalf("SetLock: %v", err)
	}
	f.advance(time.Hour)
	if _, err := f.svc.Timer.Stop(f.as(f.member), models.StopInput{}); !errors.Is(err, models.ErrAuditLocked) {
		t.Fatalf("stop while locked: %v", err)
	}
	if _, err := f.svc.Timer.Discard(f.as(f.member)); err != nil {
		t.Fatalf("discard while locked: %v", err)
	}
	_, err := f.svc.Timer.Start(f.as(f.member2), models.StartInput{ProjectId: f.project.ID, TaskId: f.task.ID, WorkType: models.WorkTypeQA})
	if !errors.Is(err, models.ErrAuditLocked) {
		t.Fatalf("start while locked: %v", err)
	}
}

func TestTimer_StartValidatesTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Timer.Start(f.as(f.member), models.StartInput{ProjectId: f.project.ID, TaskId: 9999, WorkType: models.WorkTypeQA})
	if !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("unknown task: %v", err)
	}
	_, err = f.svc.Timer.Start(f.as(f.member), models.StartInput{ProjectId: f.project.ID, TaskId: f.task.ID, WorkType: "napping"})
	if !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("unknown work type: %v", err)
	}
}

func TestTimer_GeolocationIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.svc.Geo = GeolocatorFunc(func(ctx context.Context) (*models.GeoLocation, error) {
		return &models.GeoLocation{Latitude: 16.8, Longitude: 96.15, Accuracy: 12}, nil
	})
	session := f.start(f.member)
	if session.StartLocation.Latitude != 16.8 || session.StartLocation.CapturedAt == nil {
		t.Fatalf("start location: %+v", session.StartLocation)
	}

	f.svc.Policy.GeoTimeout = 10 * time.Millisecond
	f.svc.Geo = GeolocatorFunc(func(ctx context.Context) (*models.GeoLocation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	session = f.start(f.member2)
	if !session.StartLocation.IsZero() {
		t.Fatalf("timed out capture must leave location empty: %+v", session.StartLocation)
	}

	f.svc.Geo = GeolocatorFunc(func(ctx context.Context) (*models.GeoLocation, error) {
		return nil, errors.New("permission denied")
	})
	f.advance(5 * time.Minute)
	if _, err := f.svc.Timer.Stop(f.as(f.member), models.StopInput{}); err != nil {
		t.Fatalf("stop with failing geolocation: %v", err)
	}
}
