package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"go.opentelemetry.io/otel/attribute"
)

// AuditLockWorkflow freezes a user's own timesheet edits while an audit runs.
type AuditLockWorkflow struct {
	s *Service
}

// SetLock sets or clears the audit lock for every user in userIds in one transaction.
// It returns the number of users whose flag changed.
func (w *AuditLockWorkflow) SetLock(ctx context.Context, userIds []int, locked bool) (changed int, err error) {
	ctx, span := w.s.startSpan(ctx, "AuditLockWorkflow.SetLock")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.IntSlice("audit_lock.user_ids", userIds), attribute.Bool("audit_lock.locked", locked))

	userIds = utils.UniqueSlice(userIds)
	if len(userIds) == 0 {
		return 0, models.NewValidationError("user_ids", "required")
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return 0, err
	}
	if !a.IsApprover() {
		return 0, fmt.Errorf("%w: only tenant owners and admins manage audit locks", models.ErrForbidden)
	}

	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		var affected []int
		for _, id := range userIds {
			user, err := w.s.loadUser(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("user %d: %w", id, err)
			}
			if user.IsTimesheetLocked != locked {
				affected = append(affected, id)
			}
		}
		if len(affected) == 0 {
			return nil
		}
		now := w.s.now()
		changed, err = tx.SetTimesheetLock(ctx, affected, locked, a.Id(), now)
		if err != nil {
			return err
		}
		return w.s.Fanout.AuditLockChanged(ctx, tx, a, affected, locked, now)
	})
	if err != nil {
		return 0, err
	}
	w.s.invalidateUsers(ctx, a.TenantId, userIds...)
	return changed, nil
}

func (w *AuditLockWorkflow) IsLocked(ctx context.Context, userId int) (bool, error) {
	if _, err := w.s.resolveActor(ctx, w.s.Store); err != nil {
		return false, err
	}
	user, err := w.s.Store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return false, models.ErrUserNotFound
		}
		return false, err
	}
	return user.IsTimesheetLocked, nil
}
