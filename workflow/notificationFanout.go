package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

// NotificationFanout records the side effects of a change inside the change's own
// transaction: in-app notifications plus outbox records that the dispatcher delivers
// after commit. Nothing here talks to the network.
type NotificationFanout struct {
	s *Service
}

// EntryNotice is the payload of every timesheet notification.
type EntryNotice struct {
	EntryId         int                `json:"entry_id"`
	OwnerId         int                `json:"owner_id"`
	ProjectId       int                `json:"project_id"`
	EntryDate       string             `json:"entry_date"`
	DurationMinutes int                `json:"duration_minutes"`
	IsBillable      bool               `json:"is_billable"`
	FromStatus      models.EntryStatus `json:"from_status"`
	Status          models.EntryStatus `json:"status"`
	ActorId         int                `json:"actor_id"`
	ActorRole       models.ActorRole   `json:"actor_role"`
	Comment         string             `json:"comment,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
}

// AlarmNotice is the payload of alarm and appeal notifications.
type AlarmNotice struct {
	AlarmId     int                     `json:"alarm_id"`
	RecipientId int                     `json:"recipient_id"`
	Kind        models.NotificationKind `json:"kind"`
	Status      models.AlarmStatus      `json:"status"`
	GapKey      string                  `json:"gap_key"`
	Severity    models.AlarmSeverity    `json:"severity"`
	ActorId     int                     `json:"actor_id,omitempty"`
	Comment     string                  `json:"comment,omitempty"`
}

// BillingNotice is published to the billing collaborator for approved billable time.
type BillingNotice struct {
	EntryId         int    `json:"entry_id"`
	OwnerId         int    `json:"owner_id"`
	ProjectId       int    `json:"project_id"`
	EntryDate       string `json:"entry_date"`
	DurationMinutes int    `json:"duration_minutes"`
	HourlyRate      string `json:"hourly_rate"`
	Currency        string `json:"currency"`
	Amount          string `json:"amount"`
	ApprovedBy      int    `json:"approved_by"`
}

type notice struct {
	Recipients  []int
	Kind        models.NotificationKind
	Title       string
	Message     string
	ReferenceId int
	Payload     any
}

// send writes one notification row and one notify outbox record per recipient.
func (f *NotificationFanout) send(ctx context.Context, tx store.Store, a *actor, n notice) error {
	for _, recipient := range utils.UniqueSlice(n.Recipients) {
		if recipient <= 0 {
			continue
		}
		row := &models.Notification{
			RecipientId: recipient,
			Kind:        n.Kind,
			Title:       n.Title,
			Message:     n.Message,
			EntryId:     n.ReferenceId,
		}
		if err := tx.CreateNotification(ctx, row); err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		if err := f.enqueue(ctx, tx, a, models.OutboxChannelNotify, recipient, n.Kind, n.ReferenceId, n.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *NotificationFanout) enqueue(ctx context.Context, tx store.Store, a *actor, channel models.OutboxChannel, recipient int, kind models.NotificationKind, referenceId int, payload any) error {
	record, err := models.NewOutboxRecord(a.TenantId, channel, recipient, kind, referenceId, payload, a.CorrelationId)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	if err := tx.CreateOutbox(ctx, record); err != nil {
		return fmt.Errorf("create outbox record: %w", err)
	}
	return nil
}

func without(ids []int, exclude ...int) []int {
	skip := map[int]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

// EntryTransitioned fans out one applied transition.
func (f *NotificationFanout) EntryTransitioned(ctx context.Context, tx store.Store, a *actor, entry *models.TimesheetEntry, from models.EntryStatus, role models.ActorRole, comment string) error {
	dir := f.s.dir(tx)
	payload := EntryNotice{
		EntryId:         entry.ID,
		OwnerId:         entry.UserId,
		ProjectId:       entry.ProjectId,
		EntryDate:       entry.EntryDate.Format(utils.DateLayout),
		DurationMinutes: entry.DurationMinutes,
		IsBillable:      entry.IsBillable,
		FromStatus:      from,
		Status:          entry.Status,
		ActorId:         a.Id(),
		ActorRole:       role,
		Comment:         comment,
		RejectionReason: entry.RejectionReason,
	}
	date := payload.EntryDate

	ownerKind, ownerTitle := models.NotificationKindTimesheetSubmitted, "Timesheet submitted"
	switch entry.Status {
	case models.EntryStatusPendingAdmin:
		if role == models.ActorRoleProjectManager {
			ownerKind, ownerTitle = models.NotificationKindTimesheetForwarded, "Timesheet forwarded for final review"
		}
	case models.EntryStatusApproved:
		ownerKind, ownerTitle = models.NotificationKindTimesheetApproved, "Timesheet approved"
	case models.EntryStatusRejected:
		ownerKind, ownerTitle = models.NotificationKindTimesheetRejected, "Timesheet rejected"
	}
	ownerMessage := fmt.Sprintf("Your %d minutes on %s are now %s.", entry.DurationMinutes, date, entry.Status)
	if entry.RejectionReason != "" && entry.Status != models.EntryStatusApproved {
		ownerMessage += " Reason: " + entry.RejectionReason
	}
	if err := f.send(ctx, tx, a, notice{
		Recipients: []int{entry.UserId}, Kind: ownerKind, Title: ownerTitle,
		Message: ownerMessage, ReferenceId: entry.ID, Payload: payload,
	}); err != nil {
		return err
	}

	switch entry.Status {
	case models.EntryStatusPendingPM:
		managers, err := dir.ProjectManagers(ctx, entry.ProjectId)
		if err != nil {
			return err
		}
		if err := f.send(ctx, tx, a, notice{
			Recipients: without(managers, entry.UserId), Kind: models.NotificationKindTimesheetPendingReview,
			Title:   "Timesheet waiting for your review",
			Message: fmt.Sprintf("%d minutes on %s are waiting for project manager review.", entry.DurationMinutes, date),
			ReferenceId: entry.ID, Payload: payload,
		}); err != nil {
			return err
		}
	case models.EntryStatusPendingAdmin:
		approvers, err := dir.TenantApprovers(ctx)
		if err != nil {
			return err
		}
		message := fmt.Sprintf("%d minutes on %s are waiting for final approval.", entry.DurationMinutes, date)
		if role == models.ActorRoleProjectManager && entry.RejectionReason != "" && from != models.EntryStatusDraft {
			message += " The project manager recommended rejection: " + entry.RejectionReason
		}
		if err := f.send(ctx, tx, a, notice{
			Recipients: without(approvers, entry.UserId, a.Id()), Kind: models.NotificationKindTimesheetPendingReview,
			Title: "Timesheet waiting for final approval", Message: message,
			ReferenceId: entry.ID, Payload: payload,
		}); err != nil {
			return err
		}
	}

	if entry.Status.IsTerminal() && (role == models.ActorRoleApprover || role == models.ActorRoleSelfApprover) {
		if f.s.Policy.NotifyEmailOnDecision && entry.UserId != a.Id() {
			if err := f.enqueue(ctx, tx, a, models.OutboxChannelEmail, entry.UserId, models.NotificationKindTimesheetFinalDecision, entry.ID, payload); err != nil {
				return err
			}
		}
		managers, err := dir.ProjectManagers(ctx, entry.ProjectId)
		if err != nil {
			return err
		}
		if err := f.send(ctx, tx, a, notice{
			Recipients: without(managers, entry.UserId, a.Id()), Kind: models.NotificationKindTimesheetFinalDecision,
			Title:   "Final decision on a timesheet",
			Message: fmt.Sprintf("%d minutes on %s were %s.", entry.DurationMinutes, date, entry.Status),
			ReferenceId: entry.ID, Payload: payload,
		}); err != nil {
			return err
		}
	}

	if entry.Status == models.EntryStatusApproved && entry.IsBillable {
		billing := BillingNotice{
			EntryId:         entry.ID,
			OwnerId:         entry.UserId,
			ProjectId:       entry.ProjectId,
			EntryDate:       date,
			DurationMinutes: entry.DurationMinutes,
			HourlyRate:      entry.HourlyRate.String(),
			Currency:        entry.Currency,
			Amount:          entry.Amount().StringFixed(2),
			ApprovedBy:      entry.ApprovedBy,
		}
		if err := f.enqueue(ctx, tx, a, models.OutboxChannelBillingSync, 0, models.NotificationKindTimesheetApproved, entry.ID, billing); err != nil {
			return err
		}
	}
	return nil
}

func alarmNotice(alarm *models.Notification, actorId int, comment string) AlarmNotice {
	return AlarmNotice{
		AlarmId:     alarm.ID,
		RecipientId: alarm.RecipientId,
		Kind:        alarm.Kind,
		Status:      alarm.AlarmStatus,
		GapKey:      alarm.GapKeyValue(),
		Severity:    alarm.Severity,
		ActorId:     actorId,
		Comment:     comment,
	}
}

// AlarmRaised pushes a new alarm to its recipient. Lockouts also go to the tenant approvers.
func (f *NotificationFanout) AlarmRaised(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification) error {
	payload := alarmNotice(alarm, 0, "")
	if err := f.enqueue(ctx, tx, a, models.OutboxChannelNotify, alarm.RecipientId, alarm.Kind, alarm.ID, payload); err != nil {
		return err
	}
	if alarm.Kind != models.NotificationKindLockout {
		return nil
	}
	approvers, err := f.s.dir(tx).TenantApprovers(ctx)
	if err != nil {
		return err
	}
	return f.send(ctx, tx, a, notice{
		Recipients: without(approvers, alarm.RecipientId), Kind: models.NotificationKindAlarmRaised,
		Title:   "User locked out of the work timer",
		Message: fmt.Sprintf("User %d reached the violation limit and needs a review.", alarm.RecipientId),
		ReferenceId: alarm.ID, Payload: payload,
	})
}

func (f *NotificationFanout) AppealSubmitted(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification, reviewers []int) error {
	return f.send(ctx, tx, a, notice{
		Recipients: without(reviewers, alarm.RecipientId), Kind: models.NotificationKindAppealSubmitted,
		Title:   "Alarm appeal waiting for review",
		Message: fmt.Sprintf("%s appealed a %s alarm: %s", a.User.Name, alarm.Kind, alarm.AppealReason),
		ReferenceId: alarm.ID, Payload: alarmNotice(alarm, a.Id(), alarm.AppealReason),
	})
}

func (f *NotificationFanout) AppealDecided(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification, approved bool) error {
	kind, title := models.NotificationKindAppealRejected, "Appeal rejected"
	if approved {
		kind, title = models.NotificationKindAppealApproved, "Appeal approved"
	}
	message := fmt.Sprintf("Your appeal on the %s alarm was %s.", alarm.Kind, map[bool]string{true: "approved", false: "rejected"}[approved])
	if alarm.ReviewComment != "" {
		message += " " + alarm.ReviewComment
	}
	return f.send(ctx, tx, a, notice{
		Recipients: []int{alarm.RecipientId}, Kind: kind, Title: title, Message: message,
		ReferenceId: alarm.ID, Payload: alarmNotice(alarm, a.Id(), alarm.ReviewComment),
	})
}

func (f *NotificationFanout) AlarmResolved(ctx context.Context, tx store.Store, a *actor, alarm *models.Notification) error {
	return f.send(ctx, tx, a, notice{
		Recipients: []int{alarm.RecipientId}, Kind: models.NotificationKindAlarmResolved,
		Title:   "Alarm resolved",
		Message: fmt.Sprintf("The %s alarm for %s is resolved (%s).", alarm.Kind, alarm.GapKeyValue(), alarm.Resolution),
		ReferenceId: alarm.ID, Payload: alarmNotice(alarm, a.Id(), alarm.ReviewComment),
	})
}

func (f *NotificationFanout) AuditLockChanged(ctx context.Context, tx store.Store, a *actor, userIds []int, locked bool, at time.Time) error {
	title, message := "Timesheet unlocked", "Your timesheet audit lock was lifted."
	if locked {
		title, message = "Timesheet locked for audit", "Your timesheet is locked for audit. Ask an admin for corrections."
	}
	return f.send(ctx, tx, a, notice{
		Recipients: without(userIds, a.Id()), Kind: models.NotificationKindAuditLockChanged,
		Title: title, Message: message,
		Payload: map[string]any{"locked": locked, "actor_id": a.Id(), "at": at.Format(time.RFC3339)},
	})
}

// Inbox lists the caller's own notifications, newest first.
func (f *NotificationFanout) Inbox(ctx context.Context, unreadOnly bool, limit int) ([]*models.Notification, error) {
	a, err := f.s.resolveActor(ctx, f.s.Store)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return f.s.Store.ListNotifications(ctx, a.Id(), unreadOnly, limit)
}

func (f *NotificationFanout) MarkRead(ctx context.Context, id int) error {
	a, err := f.s.resolveActor(ctx, f.s.Store)
	if err != nil {
		return err
	}
	if err := f.s.Store.MarkNotificationRead(ctx, a.Id(), id); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return fmt.Errorf("notification %d: %w", id, utils.ErrorRecordNotFound)
		}
		return err
	}
	return nil
}
