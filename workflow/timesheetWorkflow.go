package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"go.opentelemetry.io/otel/attribute"
)

// TimesheetWorkflow owns the entry state machine: manual entries, submission and review.
type TimesheetWorkflow struct {
	s *Service
}

// EntryResult is the outcome for one entry of a batch call.
type EntryResult struct {
	EntryId int                    `json:"entry_id"`
	Entry   *models.TimesheetEntry `json:"entry,omitempty"`
	Err     error                  `json:"-"`
	Error   string                 `json:"error,omitempty"`
}

func newEntryResult(id int, entry *models.TimesheetEntry, err error) EntryResult {
	r := EntryResult{EntryId: id, Entry: entry, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (w *TimesheetWorkflow) CreateEntry(ctx context.Context, input models.NewTimesheetEntry) (entry *models.TimesheetEntry, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.CreateEntry")
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
	ownerId := input.UserId
	if ownerId == 0 {
		ownerId = a.Id()
	}
	if ownerId != a.Id() && !a.IsApprover() {
		return nil, fmt.Errorf("%w: only tenant owners and admins may log time for someone else", models.ErrForbidden)
	}

	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		owner, err := w.s.loadUser(ctx, tx, ownerId)
		if err != nil {
			return err
		}
		if err := w.s.checkAuditLock(owner, a); err != nil {
			return err
		}
		target, err := w.s.resolveWorkTarget(ctx, tx, input.ProjectId, input.TaskId, input.MilestoneId)
		if err != nil {
			return err
		}
		alarms, err := w.s.outstandingAlarms(ctx, tx, ownerId)
		if err != nil {
			return err
		}
		now := w.s.now()
		isBillable := target.Project.IsBillable
		if input.IsBillable != nil {
			isBillable = *input.IsBillable
		}
		entry = &models.TimesheetEntry{
			UserId:            ownerId,
			EntryDate:         utils.NormalizeDate(input.EntryDate),
			ProjectId:         target.Project.ID,
			TaskId:            target.Task.ID,
			StoryId:           input.StoryId,
			SprintId:          input.SprintId,
			MilestoneId:       target.MilestoneId(),
			DurationMinutes:   input.DurationMinutes,
			WorkType:          input.WorkType,
			IsBillable:        isBillable,
			HourlyRate:        target.Project.HourlyRate,
			Currency:          target.Project.Currency,
			Remark:            strings.TrimSpace(input.Remark),
			Status:            models.EntryStatusDraft,
			CreatedUnderAlarm: len(alarms) > 0,
			LastModifiedBy:    a.Id(),
			LastModifiedAt:    now,
		}
		if err := entry.CheckInvariants(); err != nil {
			return err
		}
		if err := tx.CreateEntry(ctx, entry); err != nil {
			return err
		}
		return w.s.Enforcement.resolveFilledGaps(ctx, tx, a, ownerId, entry.EntryDate, entry.ID)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *TimesheetWorkflow) UpdateEntry(ctx context.Context, id int, input models.NewTimesheetEntry) (entry *models.TimesheetEntry, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.UpdateEntry")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("entry.id", id))

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

	err = w.s.Store.Transaction(ctx, func(tx store.Store) error {
		entry, err = w.getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := w.checkEditable(entry, a); err != nil {
			return err
		}
		owner, err := w.s.loadUser(ctx, tx, entry.UserId)
		if err != nil {
			return err
		}
		if err := w.s.checkAuditLock(owner, a); err != nil {
			return err
		}
		target, err := w.s.resolveWorkTarget(ctx, tx, input.ProjectId, input.TaskId, input.MilestoneId)
		if err != nil {
			return err
		}
		alarms, err := w.s.outstandingAlarms(ctx, tx, entry.UserId)
		if err != nil {
			return err
		}
		if target.Project.ID != entry.ProjectId {
			entry.HourlyRate = target.Project.HourlyRate
			entry.Currency = target.Project.Currency
		}
		entry.EntryDate = utils.NormalizeDate(input.EntryDate)
		entry.ProjectId = target.Project.ID
		entry.TaskId = target.Task.ID
		entry.StoryId = input.StoryId
		entry.SprintId = input.SprintId
		entry.MilestoneId = target.MilestoneId()
		entry.DurationMinutes = input.DurationMinutes
		entry.WorkType = input.WorkType
		if input.IsBillable != nil {
			entry.IsBillable = *input.IsBillable
		}
		entry.Remark = strings.TrimSpace(input.Remark)
		entry.CreatedUnderAlarm = entry.CreatedUnderAlarm || len(alarms) > 0
		entry.LastModifiedBy = a.Id()
		entry.LastModifiedAt = w.s.now()
		if err := entry.CheckInvariants(); err != nil {
			return err
		}
		if err := tx.SaveEntry(ctx, entry, entry.Status); err != nil {
			return w.raceError(ctx, tx, entry.ID, models.EntryActionSubmit, nil, err)
		}
		return w.s.Enforcement.resolveFilledGaps(ctx, tx, a, entry.UserId, entry.EntryDate, entry.ID)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *TimesheetWorkflow) DeleteEntry(ctx context.Context, id int) (err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.DeleteEntry")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("entry.id", id))

	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return err
	}
	return w.s.Store.Transaction(ctx, func(tx store.Store) error {
		entry, err := w.getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := w.checkEditable(entry, a); err != nil {
			return err
		}
		if entry.Status != models.EntryStatusDraft {
			return fmt.Errorf("%w: only draft entries can be deleted, entry %d is %s", models.ErrInvalidTransition, entry.ID, entry.Status)
		}
		owner, err := w.s.loadUser(ctx, tx, entry.UserId)
		if err != nil {
			return err
		}
		if err := w.s.checkAuditLock(owner, a); err != nil {
			return err
		}
		if err := tx.DeleteEntry(ctx, entry.ID, entry.Status); err != nil {
			return w.raceError(ctx, tx, entry.ID, models.EntryActionSubmit, nil, err)
		}
		return nil
	})
}

// checkEditable applies the mutation rights: owners edit their drafts, tenant approvers
// edit anything not yet decided, locked entries are read-only.
func (w *TimesheetWorkflow) checkEditable(entry *models.TimesheetEntry, a *actor) error {
	if entry.IsLocked {
		return &models.BlockedError{
			Cause:    models.ErrEntryLocked,
			Reason:   fmt.Sprintf("entry %d is %s and locked", entry.ID, entry.Status),
			NextStep: "approved time cannot be changed; log a correcting entry instead",
		}
	}
	if entry.Status.IsTerminal() {
		return fmt.Errorf("%w: entry %d is %s", models.ErrInvalidTransition, entry.ID, entry.Status)
	}
	if a.IsApprover() {
		return nil
	}
	if entry.UserId != a.Id() {
		return fmt.Errorf("%w: entry %d belongs to another user", models.ErrForbidden, entry.ID)
	}
	if entry.Status != models.EntryStatusDraft {
		return fmt.Errorf("%w: entry %d is %s and read-only until reviewed", models.ErrInvalidTransition, entry.ID, entry.Status)
	}
	return nil
}

func (w *TimesheetWorkflow) getEntry(ctx context.Context, st store.Store, id int) (*models.TimesheetEntry, error) {
	entry, err := st.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, fmt.Errorf("%w: entry %d", models.ErrEntryNotFound, id)
		}
		return nil, err
	}
	return entry, nil
}

// raceError turns a lost compare-and-set into the error the caller should see.
func (w *TimesheetWorkflow) raceError(ctx context.Context, tx store.Store, id int, action models.EntryAction, roles []models.ActorRole, casErr error) error {
	if !errors.Is(casErr, utils.ErrorConcurrentUpdate) {
		return casErr
	}
	current, err := w.getEntry(ctx, tx, id)
	if err != nil {
		return err
	}
	return &models.TransitionError{EntryId: id, From: current.Status, Action: action, Roles: roles}
}

// actorRoles lists the roles a holds toward entry, in the order the router tries them.
func (w *TimesheetWorkflow) actorRoles(ctx context.Context, tx store.Store, a *actor, entry *models.TimesheetEntry) ([]models.ActorRole, error) {
	var roles []models.ActorRole
	if entry.UserId == a.Id() {
		if a.IsApprover() {
			roles = append(roles, models.ActorRoleSelfApprover)
		} else {
			roles = append(roles, models.ActorRoleSelf)
		}
	} else {
		isPM, err := w.s.dir(tx).IsProjectManager(ctx, a.Id(), entry.ProjectId)
		if err != nil {
			return nil, err
		}
		if isPM {
			roles = append(roles, models.ActorRoleProjectManager)
		}
	}
	if a.IsApprover() {
		roles = append(roles, models.ActorRoleApprover)
	}
	return roles, nil
}

func (w *TimesheetWorkflow) routingContext(ctx context.Context, tx store.Store, entry *models.TimesheetEntry) (models.RoutingContext, error) {
	managers, err := w.s.dir(tx).ProjectManagers(ctx, entry.ProjectId)
	if err != nil {
		return models.RoutingContext{}, err
	}
	return models.RoutingContext{ProjectHasManager: len(without(managers, entry.UserId)) > 0}, nil
}

type transitionRequest struct {
	EntryId int
	Action  models.EntryAction
	Comment string
	Edits   models.ApprovalEdits
}

// apply runs one transition atomically: edits, status compare-and-set, approval event
// and fan-out all commit together or not at all.
func (w *TimesheetWorkflow) apply(ctx context.Context, a *actor, req transitionRequest) (*models.TimesheetEntry, error) {
	var entry *models.TimesheetEntry
	err := w.s.Store.Transaction(ctx, func(tx store.Store) error {
		var err error
		entry, err = w.getEntry(ctx, tx, req.EntryId)
		if err != nil {
			return err
		}
		if entry.IsLocked && !a.IsApprover() {
			return &models.BlockedError{
				Cause:  models.ErrEntryLocked,
				Reason: fmt.Sprintf("entry %d is locked", entry.ID),
			}
		}
		roles, err := w.actorRoles(ctx, tx, a, entry)
		if err != nil {
			return err
		}
		rc, err := w.routingContext(ctx, tx, entry)
		if err != nil {
			return err
		}
		from := entry.Status
		next, role, err := models.NextStatus(from, roles, req.Action, rc)
		if err != nil {
			var te *models.TransitionError
			if errors.As(err, &te) {
				te.EntryId = entry.ID
			}
			return err
		}
		if req.Action == models.EntryActionReject {
			if err := requireText("reason", req.Comment); err != nil {
				return err
			}
		}
		if req.Action == models.EntryActionSubmit {
			// settled phases take no new or submitted time
			if _, err := w.s.resolveWorkTarget(ctx, tx, entry.ProjectId, entry.TaskId, entry.MilestoneId); err != nil {
				return err
			}
		}

		now := w.s.now()
		if !req.Edits.IsEmpty() {
			if req.Action != models.EntryActionApprove {
				return models.NewValidationError("edits", "only allowed when approving")
			}
			if req.Edits.DurationMinutes != nil {
				entry.DurationMinutes = *req.Edits.DurationMinutes
			}
			if req.Edits.IsBillable != nil {
				entry.IsBillable = *req.Edits.IsBillable
			}
			entry.LastModifiedBy = a.Id()
			entry.LastModifiedAt = now
			if err := entry.CheckInvariants(); err != nil {
				return err
			}
			if err := tx.SaveEntry(ctx, entry, from); err != nil {
				return w.raceError(ctx, tx, entry.ID, req.Action, roles, err)
			}
		}

		entry.Status = next
		if req.Action == models.EntryActionReject {
			entry.RejectionReason = strings.TrimSpace(req.Comment)
		}
		if next == models.EntryStatusApproved {
			entry.IsLocked = true
			entry.ApprovedBy = a.Id()
			approvedAt := now
			entry.ApprovedAt = &approvedAt
		}
		entry.LastModifiedBy = a.Id()
		entry.LastModifiedAt = now
		if err := entry.CheckInvariants(); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, entry, from); err != nil {
			return w.raceError(ctx, tx, entry.ID, req.Action, roles, err)
		}
		if err := tx.AppendEvent(ctx, &models.ApprovalEvent{
			EntryId:         entry.ID,
			ActorId:         a.Id(),
			ActorRole:       role,
			Action:          req.Action,
			FromStatus:      from,
			ResultingStatus: next,
			Comment:         strings.TrimSpace(req.Comment),
			ActedAt:         now,
		}); err != nil {
			return err
		}
		return w.s.Fanout.EntryTransitioned(ctx, tx, a, entry, from, role, strings.TrimSpace(req.Comment))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Submit moves each draft into review. Entries are handled one by one; a failure on
// one entry leaves the others untouched.
func (w *TimesheetWorkflow) Submit(ctx context.Context, ids []int) (results []EntryResult, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.Submit")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.IntSlice("entry.ids", ids))
	return w.batch(ctx, ids, func(a *actor, id int) (*models.TimesheetEntry, error) {
		return w.apply(ctx, a, transitionRequest{EntryId: id, Action: models.EntryActionSubmit})
	})
}

// Approve lets the reviewer adjust duration or billability right before approving.
func (w *TimesheetWorkflow) Approve(ctx context.Context, id int, edits models.ApprovalEdits, comment string) (entry *models.TimesheetEntry, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.Approve")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("entry.id", id))

	if err := validateInput(edits); err != nil {
		return nil, err
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	return w.apply(ctx, a, transitionRequest{EntryId: id, Action: models.EntryActionApprove, Comment: comment, Edits: edits})
}

func (w *TimesheetWorkflow) Reject(ctx context.Context, id int, reason string) (entry *models.TimesheetEntry, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.Reject")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("entry.id", id))

	if err := requireText("reason", reason); err != nil {
		return nil, err
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	return w.apply(ctx, a, transitionRequest{EntryId: id, Action: models.EntryActionReject, Comment: reason})
}

func (w *TimesheetWorkflow) ApproveMany(ctx context.Context, ids []int, comment string) (results []EntryResult, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.ApproveMany")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.IntSlice("entry.ids", ids))
	return w.batch(ctx, ids, func(a *actor, id int) (*models.TimesheetEntry, error) {
		return w.apply(ctx, a, transitionRequest{EntryId: id, Action: models.EntryActionApprove, Comment: comment})
	})
}

func (w *TimesheetWorkflow) RejectMany(ctx context.Context, ids []int, reason string) (results []EntryResult, err error) {
	ctx, span := w.s.startSpan(ctx, "TimesheetWorkflow.RejectMany")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.IntSlice("entry.ids", ids))

	if err := requireText("reason", reason); err != nil {
		return nil, err
	}
	return w.batch(ctx, ids, func(a *actor, id int) (*models.TimesheetEntry, error) {
		return w.apply(ctx, a, transitionRequest{EntryId: id, Action: models.EntryActionReject, Comment: reason})
	})
}

func (w *TimesheetWorkflow) batch(ctx context.Context, ids []int, fn func(a *actor, id int) (*models.TimesheetEntry, error)) ([]EntryResult, error) {
	ids = utils.UniqueSlice(ids)
	if len(ids) == 0 {
		return nil, models.NewValidationError("entry_ids", "required")
	}
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	results := make([]EntryResult, 0, len(ids))
	for _, id := range ids {
		entry, err := fn(a, id)
		results = append(results, newEntryResult(id, entry, err))
	}
	return results, nil
}

// canView is true for the owner, tenant approvers and managers of the entry's project.
func (w *TimesheetWorkflow) canView(ctx context.Context, a *actor, entry *models.TimesheetEntry) error {
	if entry.UserId == a.Id() || a.IsApprover() {
		return nil
	}
	isPM, err := w.s.dir(w.s.Store).IsProjectManager(ctx, a.Id(), entry.ProjectId)
	if err != nil {
		return err
	}
	if !isPM {
		return fmt.Errorf("%w: entry %d", models.ErrForbidden, entry.ID)
	}
	return nil
}

func (w *TimesheetWorkflow) GetEntry(ctx context.Context, id int) (*models.TimesheetEntry, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	entry, err := w.getEntry(ctx, w.s.Store, id)
	if err != nil {
		return nil, err
	}
	if err := w.canView(ctx, a, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries limits members to their own entries unless they manage the filtered project.
func (w *TimesheetWorkflow) ListEntries(ctx context.Context, filter models.EntryFilter) ([]*models.TimesheetEntry, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	if !a.IsApprover() && filter.UserId != a.Id() {
		managesProject := false
		if filter.ProjectId > 0 {
			managesProject, err = w.s.dir(w.s.Store).IsProjectManager(ctx, a.Id(), filter.ProjectId)
			if err != nil {
				return nil, err
			}
		}
		if !managesProject {
			filter.UserId = a.Id()
		}
	}
	return w.s.Store.ListEntries(ctx, filter)
}

// ListPendingForReviewer returns the entries waiting on the caller's decision.
func (w *TimesheetWorkflow) ListPendingForReviewer(ctx context.Context) ([]*models.TimesheetEntry, error) {
	a, err := w.s.resolveActor(ctx, w.s.Store)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var out []*models.TimesheetEntry
	add := func(entries []*models.TimesheetEntry) {
		for _, e := range entries {
			if !seen[e.ID] && e.UserId != a.Id() {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}

	projects, err := w.s.dir(w.s.Store).ManagedProjects(ctx, a.Id())
	if err != nil {
		return nil, err
	}
	for _, projectId := range projects {
		entries, err := w.s.Store.ListEntries(ctx, models.EntryFilter{
			ProjectId: projectId,
			Statuses:  []models.EntryStatus{models.EntryStatusPendingPM, models.EntryStatusSubmitted},
		})
		if err != nil {
			return nil, err
		}
		add(entries)
	}
	if a.IsApprover() {
		entries, err := w.s.Store.ListEntries(ctx, models.EntryFilter{
			Statuses: []models.EntryStatus{models.EntryStatusPendingAdmin, models.EntryStatusSubmitted},
		})
		if err != nil {
			return nil, err
		}
		add(entries)
	}
	return out, nil
}

// History returns the approval events of an entry in the order they were applied.
func (w *TimesheetWorkflow) History(ctx context.Context, id int) ([]*models.ApprovalEvent, error) {
	if _, err := w.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	return w.s.Store.ListEvents(ctx, id)
}
