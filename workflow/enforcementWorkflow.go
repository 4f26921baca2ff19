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
	"go.opentelemetry.io/otel/attribute"
)

// EnforcementWorkflow detects logging gaps and runs the alarm/appeal lifecycle:
//
//	OPEN --appeal--> APPEALED --approve--> RESOLVED
//	                 APPEALED --reject---> OPEN
//	OPEN|APPEALED --resolve|gap filled--> RESOLVED
type EnforcementWorkflow struct {
	s *Service
}

var gapKinds = []models.NotificationKind{models.NotificationKindMissingEntry, models.NotificationKindIncompleteDay}

// systemActor stands in for the scheduler when no user drives the call.
func (s *Service) systemActor(ctx context.Context) (*actor, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, models.ErrTenantRequired
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = "sweep-" + tenantId + "-" + s.now().Format("20060102T150405")
	}
	return &actor{TenantId: tenantId, User: &models.User{TenantId: tenantId, Name: "system"}, CorrelationId: correlationId}, nil
}

// Evaluate runs detection for userId and returns the alarms it raised. Running it twice
// raises nothing new.
func (w *EnforcementWorkflow) Evaluate(ctx context.Context, userId int) (raised []*models.Notification, err error) {
	ctx, span := w.s.startSpan(ctx, "EnforcementWorkflow.Evaluate")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("alarm.recipient_id", userId))

	a, err := w.s.systemActor(ctx)
	if err != nil {
		return nil, err
	}
	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		user, err := w.s.loadUser(ctx, tx, userId)
		if err != nil {
			return err
		}
		if !user.Active() {
			return nil
		}
		raised, err = w.detect(ctx, tx, a, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("alarms.raised", len(raised)))
	return raised, nil
}

func (w *EnforcementWorkflow) detect(ctx context.Context, tx store.Store, a *actor, user *models.User) ([]*models.Notification, error) {
	loc := w.s.userLocation(user)
	now := w.s.now()
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	monthStart := utils.StartOfMonth(today)
	var firstDay time.Time
	if !user.CreatedAt.IsZero() {
		created := user.CreatedAt.In(loc)
		firstDay = time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, loc)
	}

	var raised []*models.Notification
	gapsRaised := 0

	if yesterday := today.AddDate(0, 0, -1); !yesterday.Before(monthStart) {
		existing, err := tx.ListAlarms(ctx, models.AlarmFilter{RecipientId: user.ID, Kinds: gapKinds})
		if err != nil {
			return nil, err
		}
		flagged := map[string]bool{}
		for _, alarm := range existing {
			flagged[alarm.GapKeyValue()] = true
		}
		totals, err := tx.SumMinutesByDate(ctx, user.ID, utils.NormalizeDate(monthStart), utils.NormalizeDate(yesterday))
		if err != nil {
			return nil, err
		}
		for day := yesterday; !day.Before(monthStart); day = day.AddDate(0, 0, -1) {
			if day.Before(firstDay) {
				break
			}
			key := utils.DateKey(day)
			if !w.s.Policy.IsWorkDay(day.Weekday()) || flagged[key] || totals[key] >= w.s.Policy.DailyTargetMinutes {
				continue
			}
			kind, message := models.NotificationKindMissingEntry, fmt.Sprintf("No time was logged on %s.", key)
			if totals[key] > 0 {
				kind = models.NotificationKindIncompleteDay
				message = fmt.Sprintf("Only %d of %d minutes were logged on %s.", totals[key], w.s.Policy.DailyTargetMinutes, key)
			}
			gapDate := utils.NormalizeDate(day)
			alarm, err := w.raise(ctx, tx, a, &models.Notification{
				RecipientId: user.ID,
				Kind:        kind,
				GapKey:      &key,
				GapDate:     &gapDate,
				Title:       "Missing time log",
				Message:     message,
				Severity:    models.AlarmSeverityNormal,
			})
			if err != nil {
				return nil, err
			}
			if alarm != nil {
				raised = append(raised, alarm)
				gapsRaised++
			}
			break
		}
	}

	tasks, err := tx.ListOverdueTasks(ctx, user.ID, utils.NormalizeDate(today))
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		key := models.TaskGapKey(task.ID)
		existing, err := tx.ListAlarms(ctx, models.AlarmFilter{
			RecipientId: user.ID, Kinds: []models.NotificationKind{models.NotificationKindTaskDelay}, GapKey: key,
		})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			continue
		}
		alarm, err := w.raise(ctx, tx, a, &models.Notification{
			RecipientId: user.ID,
			Kind:        models.NotificationKindTaskDelay,
			GapKey:      &key,
			TaskId:      task.ID,
			Title:       "Task overdue",
			Message:     fmt.Sprintf("Task %s was due on %s.", task.Name, utils.DereferencePtr(task.DueDate).Format(utils.DateLayout)),
			Severity:    models.AlarmSeverityNormal,
		})
		if err != nil {
			return nil, err
		}
		if alarm != nil {
			raised = append(raised, alarm)
		}
	}

	if gapsRaised > 0 {
		count, err := tx.AddViolations(ctx, user.ID, gapsRaised)
		if err != nil {
			return nil, err
		}
		w.s.invalidateUsers(ctx, a.TenantId, user.ID)
		if count >= w.s.Policy.LockoutThreshold {
			lockout, err := w.raiseLockout(ctx, tx, a, user.ID, count)
			if err != nil {
				return nil, err
			}
			if lockout != nil {
				raised = append(raised, lockout)
			}
		}
	}
	return raised, nil
}

func (w *EnforcementWorkflow) raiseLockout(ctx context.Context, tx store.Store, a *actor, userId, violations int) (*models.Notification, error) {
	lockouts, err := tx.ListAlarms(ctx, models.AlarmFilter{
		RecipientId: userId, Kinds: []models.NotificationKind{models.NotificationKindLockout},
	})
	if err != nil {
		return nil, err
	}
	for _, l := range lockouts {
		if l.IsOutstanding() {
			return nil, nil
		}
	}
	key := models.LockoutGapKey(len(lockouts) + 1)
	return w.raise(ctx, tx, a, &models.Notification{
		RecipientId: userId,
		Kind:        models.NotificationKindLockout,
		GapKey:      &key,
		Title:       "Work timer locked",
		Message:     fmt.Sprintf("%d logging violations reached the limit of %d.", violations, w.s.Policy.LockoutThreshold),
		Severity:    models.AlarmSeverityHigh,
	})
}

// raise stores an OPEN alarm. A concurrent evaluation that got there first is not an error.
func (w *EnforcementWorkflow) raise(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification) (*models.Notification, error) {
	alarm.AlarmStatus = models.AlarmStatusOpen
	if err := tx.CreateNotification(ctx, alarm); err != nil {
		if errors.Is(err, utils.ErrorDuplicateRecord) {
			return nil, nil
		}
		return nil, err
	}
	if err := w.s.Fanout.AlarmRaised(ctx, tx, a, alarm); err != nil {
		return nil, err
	}
	return alarm, nil
}

func (w *EnforcementWorkflow) loadAlarm(ctx context.Context, st store.Store, id int) (*models.Notification, error) {
	alarm, err := st.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", models.ErrAlarmNotFound, id)
		}
		return nil, err
	}
	if !alarm.IsAlarm() {
		return nil, fmt.Errorf("%w: %d", models.ErrAlarmNotFound, id)
	}
	return alarm, nil
}

func statusError(alarm *models.Notification) error {
	switch alarm.AlarmStatus {
	case models.AlarmStatusResolved:
		return fmt.Errorf("%w: alarm %d", models.ErrAlarmResolved, alarm.ID)
	case models.AlarmStatusAppealed:
		return fmt.Errorf("%w: alarm %d", models.ErrAppealPending, alarm.ID)
	}
	return fmt.Errorf("%w: alarm %d is %s", models.ErrInvalidTransition, alarm.ID, alarm.AlarmStatus)
}

// updateAlarm writes the alarm if its status is still expected, otherwise reports what it became.
func (w *EnforcementWorkflow) updateAlarm(ctx context.Context, tx store.Store, alarm *models.Notification, expected models.AlarmStatus) error {
	err := tx.UpdateAlarm(ctx, alarm, expected)
	if err == nil || !errors.Is(err, utils.ErrorConcurrentUpdate) {
		return err
	}
	current, err := w.loadAlarm(ctx, tx, alarm.ID)
	if err != nil {
		return err
	}
	return statusError(current)
}

// canReview allows tenant approvers and managers of a project the recipient works on.
// Nobody reviews their own alarm.
func (w *EnforcementWorkflow) canReview(ctx context.Context, tx store.Store, a *actor, recipientId int) error {
	if a.Id() == recipientId {
		return fmt.Errorf("%w: alarms cannot be reviewed by their recipient", models.ErrForbidden)
	}
	if a.IsApprover() {
		return nil
	}
	manages, err := w.s.dir(tx).ManagesUser(ctx, a.Id(), recipientId)
	if err != nil {
		return err
	}
	if !manages {
		return fmt.Errorf("%w: user %d is not on a project you manage", models.ErrForbidden, recipientId)
	}
	return nil
}

func (w *EnforcementWorkflow) reviewers(ctx context.Context, tx store.Store, recipientId int) ([]int, error) {
	dir := w.s.dir(tx)
	ids, err := dir.TenantApprovers(ctx)
	if err != nil {
		return nil, err
	}
	memberships, err := tx.ListMemberships(ctx, recipientId)
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		managers, err := dir.ProjectManagers(ctx, m.ProjectId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, managers...)
	}
	return utils.UniqueSlice(ids), nil
}

func (w *EnforcementWorkflow) Appeal(ctx context.Context, alarmId int, reason string) (alarm *models.Notification, err error) {
	ctx, span := w.s.startSpan(ctx, "EnforcementWorkflow.Appeal")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("alarm.id", alarmId))

	if err := requireText("reason", reason); err != nil {
		return nil, err
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		alarm, err = w.loadAlarm(ctx, tx, alarmId)
		if err != nil {
			return err
		}
		if alarm.RecipientId != a.Id() {
			return fmt.Errorf("%w: only the recipient may appeal alarm %d", models.ErrForbidden, alarm.ID)
		}
		if !a.User.CanAppeal() {
			return fmt.Errorf("%w: role %s cannot appeal alarms", models.ErrForbidden, a.User.Role)
		}
		if alarm.AlarmStatus != models.AlarmStatusOpen {
			return statusError(alarm)
		}
		now := w.s.now()
		alarm.AlarmStatus = models.AlarmStatusAppealed
		alarm.AppealReason = strings.TrimSpace(reason)
		alarm.AppealedAt = &now
		if err := w.updateAlarm(ctx, tx, alarm, models.AlarmStatusOpen); err != nil {
			return err
		}
		reviewers, err := w.reviewers(ctx, tx, alarm.RecipientId)
		if err != nil {
			return err
		}
		return w.s.Fanout.AppealSubmitted(ctx, tx, a, alarm, reviewers)
	})
	if err != nil {
		return nil, err
	}
	return alarm, nil
}

func (w *EnforcementWorkflow) ApproveAppeal(ctx context.Context, alarmId int, comment string) (alarm *models.Notification, err error) {
	ctx, span := w.s.startSpan(ctx, "EnforcementWorkflow.ApproveAppeal")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("alarm.id", alarmId))
	return w.review(ctx, alarmId, comment, func(tx store.Store, a *actor, alarm *models.Notification) error {
		if alarm.AlarmStatus != models.AlarmStatusAppealed {
			if alarm.AlarmStatus == models.AlarmStatusOpen {
				return fmt.Errorf("%w: alarm %d has no pending appeal", models.ErrInvalidTransition, alarm.ID)
			}
			return statusError(alarm)
		}
		if err := w.resolve(ctx, tx, a, alarm, models.AlarmStatusAppealed, models.AlarmResolutionAppealApproved, comment); err != nil {
			return err
		}
		return w.s.Fanout.AppealDecided(ctx, tx, a, alarm, true)
	})
}

func (w *EnforcementWorkflow) RejectAppeal(ctx context.Context, alarmId int, comment string) (alarm *models.Notification, err error) {
	ctx, span := w.s.startSpan(ctx, "EnforcementWorkflow.RejectAppeal")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("alarm.id", alarmId))

	if err := requireText("comment", comment); err != nil {
		return nil, err
	}
	return w.review(ctx, alarmId, comment, func(tx store.Store, a *actor, alarm *models.Notification) error {
		if alarm.AlarmStatus != models.AlarmStatusAppealed {
			if alarm.AlarmStatus == models.AlarmStatusOpen {
				return fmt.Errorf("%w: alarm %d has no pending appeal", models.ErrInvalidTransition, alarm.ID)
			}
			return statusError(alarm)
		}
		alarm.AlarmStatus = models.AlarmStatusOpen
		alarm.ReviewComment = strings.TrimSpace(comment)
		if err := w.updateAlarm(ctx, tx, alarm, models.AlarmStatusAppealed); err != nil {
			return err
		}
		return w.s.Fanout.AppealDecided(ctx, tx, a, alarm, false)
	})
}

// Resolve closes an OPEN or APPEALED alarm on a reviewer's own judgement.
func (w *EnforcementWorkflow) Resolve(ctx context.Context, alarmId int, comment string) (alarm *models.Notification, err error) {
	ctx, span := w.s.startSpan(ctx, "EnforcementWorkflow.Resolve")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("alarm.id", alarmId))
	return w.review(ctx, alarmId, comment, func(tx store.Store, a *actor, alarm *models.Notification) error {
		if !alarm.AlarmStatus.IsOutstanding() {
			return statusError(alarm)
		}
		if err := w.resolve(ctx, tx, a, alarm, alarm.AlarmStatus, models.AlarmResolutionReviewer, comment); err != nil {
			return err
		}
		return w.s.Fanout.AlarmResolved(ctx, tx, a, alarm)
	})
}

func (w *EnforcementWorkflow) review(ctx context.Context, alarmId int, comment string, fn func(tx store.Store, a *actor, alarm *models.Notification) error) (*models.Notification, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	var alarm *models.Notification
	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		alarm, err = w.loadAlarm(ctx, tx, alarmId)
		if err != nil {
			return err
		}
		if err := w.canReview(ctx, tx, a, alarm.RecipientId); err != nil {
			return err
		}
		return fn(tx, a, alarm)
	})
	if err != nil {
		return nil, err
	}
	return alarm, nil
}

// resolve marks the alarm RESOLVED. Clearing a lockout also resets the violation counter
// in the same transaction.
func (w *EnforcementWorkflow) resolve(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification, expected models.AlarmStatus, resolution models.AlarmResolution, comment string) error {
	now := w.s.now()
	alarm.AlarmStatus = models.AlarmStatusResolved
	alarm.Resolution = resolution
	alarm.ResolvedBy = a.Id()
	alarm.ResolvedAt = &now
	if c := strings.TrimSpace(comment); c != "" {
		alarm.ReviewComment = c
	}
	if err := w.updateAlarm(ctx, tx, alarm, expected); err != nil {
		return err
	}
	if alarm.Kind == models.NotificationKindLockout {
		if err := tx.ResetViolations(ctx, alarm.RecipientId); err != nil {
			return err
		}
		w.s.invalidateUsers(ctx, a.TenantId, alarm.RecipientId)
	}
	return nil
}

// resolveFilledGaps clears the date's gap alarms once the logged minutes reach the target.
func (w *EnforcementWorkflow) resolveFilledGaps(ctx context.Context, tx store.Store, a *actor, userId int, date time.Time, entryId int) error {
	day := utils.NormalizeDate(date)
	totals, err := tx.SumMinutesByDate(ctx, userId, day, day)
	if err != nil {
		return err
	}
	key := utils.DateKey(day)
	if totals[key] < w.s.Policy.DailyTargetMinutes {
		return nil
	}
	alarms, err := tx.ListAlarms(ctx, models.AlarmFilter{
		RecipientId: userId,
		Kinds:       gapKinds,
		Statuses:    []models.AlarmStatus{models.AlarmStatusOpen, models.AlarmStatusAppealed},
		GapKey:      key,
	})
	if err != nil {
		return err
	}
	for _, alarm := range alarms {
		alarm.EntryId = entryId
		if err := w.resolve(ctx, tx, a, alarm, alarm.AlarmStatus, models.AlarmResolutionGapFilled, ""); err != nil {
			return err
		}
		if err := w.s.Fanout.AlarmResolved(ctx, tx, a, alarm); err != nil {
			return err
		}
	}
	return nil
}

// Outstanding lists the OPEN and APPEALED alarms of userId (0 for the caller).
func (w *EnforcementWorkflow) Outstanding(ctx context.Context, userId int) ([]*models.Notification, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	if userId == 0 {
		userId = a.Id()
	}
	if userId != a.Id() {
		if err := w.canReview(ctx, w.s.Store, a, userId); err != nil {
			return nil, err
		}
	}
	return w.s.outstandingAlarms(ctx, w.s.Store, userId)
}

// PendingAppeals lists the appealed alarms the caller may decide.
func (w *EnforcementWorkflow) PendingAppeals(ctx context.Context) ([]*models.Notification, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	alarms, err := w.s.Store.ListAlarms(ctx, models.AlarmFilter{Statuses: []models.AlarmStatus{models.AlarmStatusAppealed}})
	if err != nil {
		return nil, err
	}
	var out []*models.Notification
	for _, alarm := range alarms {
		if err := w.canReview(ctx, w.s.Store, a, alarm.RecipientId); err == nil {
			out = append(out, alarm)
		} else if !errors.Is(err, models.ErrForbidden) {
			return nil, err
		}
	}
	return out, nil
}
