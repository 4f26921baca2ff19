package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/sirupsen/logrus"
)

const timerLockTTL = 15 * time.Second

// TimerWorkflow runs the work timer:
//
//	Stopped --start--> Running <--pause/resume--> Paused
//	Running|Paused --stop|discard--> Stopped
//
// Elapsed time is always rebuilt from the stored timestamps.
type TimerWorkflow struct {
	s *Service
}

// ActiveTimer is the recovered state of a running session.
type ActiveTimer struct {
	Session        *models.ClockSession `json:"session"`
	ElapsedSeconds int64                `json:"elapsed_seconds"`
	ElapsedMinutes int                  `json:"elapsed_minutes"`
	IsPaused       bool                 `json:"is_paused"`
}

func (w *TimerWorkflow) lockUser(ctx context.Context, a *actor) (func(), error) {
	lock, err := obtainUserLock(ctx, w.s.Locker, a.TenantId, a.Id(), "timer", timerLockTTL)
	if err != nil {
		if errors.Is(err, ErrUserLockBusy) {
			return nil, fmt.Errorf("%w: another timer action is in progress", models.ErrTimerAlreadyRunning)
		}
		w.s.logError("TimerWorkflow.lockUser", "obtainUserLock", a.Id(), err)
		return func() {}, nil
	}
	return func() { releaseUserLock(ctx, lock) }, nil
}

func (w *TimerWorkflow) activeSession(ctx context.Context, st store.Store, userId int) (*models.ClockSession, error) {
	session, err := st.GetActiveSession(ctx, userId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, models.ErrNoActiveSession
		}
		return nil, err
	}
	return session, nil
}

func (w *TimerWorkflow) Start(ctx context.Context, input models.StartInput) (session *models.ClockSession, err error) {
	ctx, span := w.s.startSpan(ctx, "TimerWorkflow.Start")
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.WorkType.IsValid() {
		return nil, models.NewValidationError("work_type", "invalid")
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	unlock, err := w.lockUser(ctx, a)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// on-access detection, so a stale sweep never lets a gap through
	if _, err := w.s.Enforcement.Evaluate(ctx, a.Id()); err != nil {
		return nil, err
	}
	if _, err := w.activeSession(ctx, w.s.Store, a.Id()); err == nil {
		return nil, models.ErrTimerAlreadyRunning
	} else if !errors.Is(err, models.ErrNoActiveSession) {
		return nil, err
	}

	location := CaptureWithTimeout(ctx, w.s.Geo, w.s.Policy.GeoTimeout, w.s.now(), w.s.Logger)

	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		alarms, err := w.s.outstandingAlarms(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		if len(alarms) > 0 {
			return &models.BlockedError{
				Cause:    models.ErrBlockedByAlarm,
				Reason:   fmt.Sprintf("%d outstanding alarm(s)", len(alarms)),
				NextStep: alarms[0].NextStep(),
				Alarms:   alarms,
			}
		}
		user, err := w.s.loadUser(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		if user.IsTimesheetLocked {
			return &models.BlockedError{
				Cause:    models.ErrAuditLocked,
				Reason:   "your timesheet is locked for audit",
				NextStep: "ask a tenant owner or admin to lift the audit lock",
			}
		}
		target, err := w.s.resolveWorkTarget(ctx, tx, input.ProjectId, input.TaskId, input.MilestoneId)
		if err != nil {
			return err
		}
		session = &models.ClockSession{
			UserId:      a.Id(),
			ProjectId:   target.Project.ID,
			TaskId:      target.Task.ID,
			MilestoneId: target.MilestoneId(),
			WorkType:    input.WorkType,
			StartedAt:   w.s.now(),
		}
		if location != nil {
			session.StartLocation = *location
		}
		if err := tx.CreateSession(ctx, session); err != nil {
			if errors.Is(err, utils.ErrorDuplicateRecord) {
				return models.ErrTimerAlreadyRunning
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (w *TimerWorkflow) Pause(ctx context.Context) (session *models.ClockSession, err error) {
	ctx, span := w.s.startSpan(ctx, "TimerWorkflow.Pause")
	defer func() { endSpan(span, err) }()
	return w.togglePause(ctx, true)
}

func (w *TimerWorkflow) Resume(ctx context.Context) (session *models.ClockSession, err error) {
	ctx, span := w.s.startSpan(ctx, "TimerWorkflow.Resume")
	defer func() { endSpan(span, err) }()
	return w.togglePause(ctx, false)
}

func (w *TimerWorkflow) togglePause(ctx context.Context, pause bool) (*models.ClockSession, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	var session *models.ClockSession
	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		session, err = w.activeSession(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		if session.IsPaused == pause {
			if pause {
				return fmt.Errorf("%w: timer is already paused", models.ErrInvalidTransition)
			}
			return fmt.Errorf("%w: timer is not paused", models.ErrInvalidTransition)
		}
		now := w.s.now()
		if pause {
			session.IsPaused = true
			session.PausedAt = &now
			session.PauseCount++
		} else {
			session.AccumulatedPauseSeconds = session.PausedSecondsAt(now)
			session.IsPaused = false
			session.PausedAt = nil
		}
		if err := tx.UpdateSession(ctx, session, !pause); err != nil {
			if errors.Is(err, utils.ErrorConcurrentUpdate) {
				return fmt.Errorf("%w: timer changed meanwhile, reload it", models.ErrInvalidTransition)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Stop closes the running session and turns it into draft entries in one transaction,
// one entry per calendar day the session spans in the user's timezone.
func (w *TimerWorkflow) Stop(ctx context.Context, input models.StopInput) (entries []*models.TimesheetEntry, err error) {
	ctx, span := w.s.startSpan(ctx, "TimerWorkflow.Stop")
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	unlock, err := w.lockUser(ctx, a)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := w.activeSession(ctx, w.s.Store, a.Id()); err != nil {
		return nil, err
	}
	location := CaptureWithTimeout(ctx, w.s.Geo, w.s.Policy.GeoTimeout, w.s.now(), w.s.Logger)

	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		entries = nil
		session, err := w.activeSession(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		if session.ProjectId == 0 || session.TaskId == 0 {
			return &models.BlockedError{
				Cause:    models.ErrIncompleteSession,
				Reason:   fmt.Sprintf("session %d has no project or task", session.ID),
				NextStep: "discard the timer and start it again on a task",
			}
		}
		user, err := w.s.loadUser(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		if err := w.s.checkAuditLock(user, a); err != nil {
			return err
		}

		now := w.s.now()
		wasPaused := session.IsPaused
		session.AccumulatedPauseSeconds = session.PausedSecondsAt(now)
		session.IsPaused = false
		session.PausedAt = nil
		session.StoppedAt = &now
		minutes := session.TotalMinutes(now)
		if minutes < 1 {
			return models.NewValidationError("duration_minutes", "under one minute; discard the timer instead")
		}
		shares := session.SplitByDay(now, w.s.userLocation(user))
		booked := 0
		for _, share := range shares {
			booked += share.Minutes
		}
		if booked != minutes {
			return models.NewValidationError("duration_minutes",
				fmt.Sprintf("%d worked minutes do not fit the calendar days of the session", minutes))
		}

		target, err := w.s.resolveWorkTarget(ctx, tx, session.ProjectId, session.TaskId, session.MilestoneId)
		if err != nil {
			return err
		}
		alarms, err := w.s.outstandingAlarms(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		isBillable := target.Project.IsBillable
		if input.IsBillable != nil {
			isBillable = *input.IsBillable
		}
		for _, share := range shares {
			entry := &models.TimesheetEntry{
				UserId:            a.Id(),
				EntryDate:         share.Date,
				ProjectId:         target.Project.ID,
				TaskId:            target.Task.ID,
				MilestoneId:       target.MilestoneId(),
				DurationMinutes:   share.Minutes,
				WorkType:          session.WorkType,
				IsBillable:        isBillable,
				HourlyRate:        target.Project.HourlyRate,
				Currency:          target.Project.Currency,
				Remark:            strings.TrimSpace(input.Remark),
				Status:            models.EntryStatusDraft,
				CreatedUnderAlarm: len(alarms) > 0,
				ClockSessionId:    session.ID,
				LastModifiedBy:    a.Id(),
				LastModifiedAt:    now,
			}
			if err := entry.CheckInvariants(); err != nil {
				return err
			}
			if err := tx.CreateEntry(ctx, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		session.ResultingEntryId = entries[0].ID
		if location != nil {
			session.StopLocation = *location
		}
		if err := tx.UpdateSession(ctx, session, wasPaused); err != nil {
			if errors.Is(err, utils.ErrorConcurrentUpdate) {
				return fmt.Errorf("%w: timer changed meanwhile, reload it", models.ErrInvalidTransition)
			}
			return err
		}
		for _, entry := range entries {
			if err := w.s.Enforcement.resolveFilledGaps(ctx, tx, a, a.Id(), entry.EntryDate, entry.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) > 1 {
		w.s.Logger.WithFields(logrus.Fields{
			"tenant_id": a.TenantId,
			"user_id":   a.Id(),
			"entries":   len(entries),
		}).Info("timer session split across calendar days")
	}
	return entries, nil
}

// Discard closes the running session without producing an entry.
func (w *TimerWorkflow) Discard(ctx context.Context) (session *models.ClockSession, err error) {
	ctx, span := w.s.startSpan(ctx, "TimerWorkflow.Discard")
	defer func() { endSpan(span, err) }()

	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		session, err = w.activeSession(ctx, tx, a.Id())
		if err != nil {
			return err
		}
		now := w.s.now()
		wasPaused := session.IsPaused
		session.AccumulatedPauseSeconds = session.PausedSecondsAt(now)
		session.IsPaused = false
		session.PausedAt = nil
		session.StoppedAt = &now
		session.IsDiscarded = true
		if err := tx.UpdateSession(ctx, session, wasPaused); err != nil {
			if errors.Is(err, utils.ErrorConcurrentUpdate) {
				return fmt.Errorf("%w: timer changed meanwhile, reload it", models.ErrInvalidTransition)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Active restores the caller's running timer after a restart or reconnect.
// It returns ErrNoActiveSession when nothing runs.
func (w *TimerWorkflow) Active(ctx context.Context) (*ActiveTimer, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	session, err := w.activeSession(ctx, w.s.Store, a.Id())
	if err != nil {
		return nil, err
	}
	return activeTimer(session, w.s.now()), nil
}

func activeTimer(session *models.ClockSession, now time.Time) *ActiveTimer {
	elapsed := session.Elapsed(now)
	return &ActiveTimer{
		Session:        session,
		ElapsedSeconds: int64(elapsed / time.Second),
		ElapsedMinutes: int(elapsed / time.Minute),
		IsPaused:       session.IsPaused,
	}
}

// LongRunning lists the tenant's sessions that have run longer than threshold.
// Tenant approvers see everyone, other users only themselves.
func (w *TimerWorkflow) LongRunning(ctx context.Context, threshold time.Duration) ([]*ActiveTimer, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = w.s.Policy.LongRunningSession
	}
	sessions, err := w.s.Store.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := w.s.now()
	var out []*ActiveTimer
	for _, session := range sessions {
		if !a.IsApprover() && session.UserId != a.Id() {
			continue
		}
		if timer := activeTimer(session, now); time.Duration(timer.ElapsedSeconds)*time.Second > threshold {
			out = append(out, timer)
		}
	}
	return out, nil
}
