package workflow

import (
	"errors"
	"sync"
	"testing"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

func TestTimesheet_PMRejectIsForwardedAndOwnerApproves(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 480))
	if entry.Status != models.EntryStatusDraft || !entry.IsBillable || entry.HourlyRate.IntPart() != 50 {
		t.Fatalf("draft snapshot: %+v", entry)
	}

	entry = f.submit(f.member, entry.ID)
	if entry.Status != models.EntryStatusPendingPM {
		t.Fatalf("submit with a PM: got %s", entry.Status)
	}
	if got := f.notifications(f.pm, models.NotificationKindTimesheetPendingReview); len(got) != 1 {
		t.Fatalf("pm review notifications: %d", len(got))
	}

	entry, err := f.svc.Timesheets.Reject(f.as(f.pm), entry.ID, "wrong task")
	if err != nil {
		t.Fatalf("pm reject: %v", err)
	}
	if entry.Status != models.EntryStatusPendingAdmin || entry.RejectionReason != "wrong task" {
		t.Fatalf("pm reject must forward with reason: %+v", entry)
	}
	if got := f.notifications(f.member, models.NotificationKindTimesheetForwarded); len(got) != 1 {
		t.Fatalf("owner forwarded notifications: %d", len(got))
	}

	entry, err = f.svc.Timesheets.Approve(f.as(f.owner), entry.ID, models.ApprovalEdits{}, "")
	if err != nil {
		t.Fatalf("owner approve: %v", err)
	}
	if entry.Status != models.EntryStatusApproved || !entry.IsLocked || entry.ApprovedBy != f.owner.ID || entry.ApprovedAt == nil {
		t.Fatalf("approved entry: %+v", entry)
	}

	events, err := f.svc.Timesheets.History(f.as(f.member), entry.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []models.EntryStatus{models.EntryStatusPendingPM, models.EntryStatusPendingAdmin, models.EntryStatusApproved}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.ResultingStatus != want[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.ResultingStatus, want[i])
		}
	}
	if events[1].ActorRole != models.ActorRoleProjectManager || events[1].Action != models.EntryActionReject {
		t.Fatalf("pm event: %+v", events[1])
	}

	billing := f.outbox(models.OutboxChannelBillingSync)
	if len(billing) != 1 || billing[0].ReferenceId != entry.ID {
		t.Fatalf("billing outbox: %+v", billing)
	}
	if emails := f.outbox(models.OutboxChannelEmail); len(emails) != 1 || emails[0].RecipientId != f.member.ID {
		t.Fatalf("decision email: %+v", emails)
	}
	if got := f.notifications(f.pm, models.NotificationKindTimesheetFinalDecision); len(got) != 1 {
		t.Fatalf("pm final decision notifications: %d", len(got))
	}
}

func TestTimesheet_SubmitWithoutPMGoesToApprovers(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.internal, f.internalTask, 60))
	entry = f.submit(f.member, entry.ID)
	if entry.Status != models.EntryStatusPendingAdmin {
		t.Fatalf("got %s", entry.Status)
	}
	for _, u := range []*models.User{f.owner, f.admin} {
		if got := f.notifications(u, models.NotificationKindTimesheetPendingReview); len(got) != 1 {
			t.Fatalf("approver %s notifications: %d", u.Name, len(got))
		}
	}

	entry, err := f.svc.Timesheets.Reject(f.as(f.admin), entry.ID, "not our client")
	if err != nil {
		t.Fatalf("admin reject: %v", err)
	}
	if entry.Status != models.EntryStatusRejected || entry.IsLocked {
		t.Fatalf("rejected entry: %+v", entry)
	}
	if _, err := f.svc.Timesheets.Approve(f.as(f.owner), entry.ID, models.ApprovalEdits{}, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("rejected is terminal, got %v", err)
	}
}

func TestTimesheet_ApproverSubmittingOwnTimeApproves(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.owner, f.input(f.internal, f.internalTask, 90))
	entry = f.submit(f.owner, entry.ID)
	if entry.Status != models.EntryStatusApproved || !entry.IsLocked {
		t.Fatalf("owner self submit: %+v", entry)
	}
	if emails := f.outbox(models.OutboxChannelEmail); len(emails) != 0 {
		t.Fatalf("no decision email to yourself, got %d", len(emails))
	}
}

func TestTimesheet_ManagerOwnEntrySkipsPMStage(t *testing.T) {
	f := newFixture(t)
	in := f.input(f.project, f.task, 120)
	entry := f.draft(f.pm, in)
	entry = f.submit(f.pm, entry.ID)
	if entry.Status != models.EntryStatusPendingAdmin {
		t.Fatalf("pm own entry: got %s", entry.Status)
	}
}

func TestTimesheet_ConcurrentApproveOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.internal, f.internalTask, 60))
	entry = f.submit(f.member, entry.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []*models.User{f.owner, f.admin} {
		wg.Add(1)
		go func(i int, u *models.User) {
			defer wg.Done()
			_, errs[i] = f.svc.Timesheets.Approve(f.as(u), entry.ID, models.ApprovalEdits{}, "")
		}(i, u)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one approval, got %d (%v)", wins, errs)
	}
	events, _ := f.svc.Timesheets.History(f.as(f.owner), entry.ID)
	if len(events) != 2 {
		t.Fatalf("expected submit + one approve event, got %d", len(events))
	}
	if billing := f.outbox(models.OutboxChannelBillingSync); len(billing) != 0 {
		t.Fatalf("internal project is not billable, got %d billing records", len(billing))
	}
}

func TestTimesheet_ApproveWithEdits(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 480))
	f.submit(f.member, entry.ID)
	if _, err := f.svc.Timesheets.Approve(f.as(f.pm), entry.ID, models.ApprovalEdits{}, "looks right"); err != nil {
		t.Fatalf("pm approve: %v", err)
	}

	minutes := 420
	entry, err := f.svc.Timesheets.Approve(f.as(f.admin), entry.ID, models.ApprovalEdits{
		DurationMinutes: &minutes,
		IsBillable:      utils.NewFalse(),
	}, "")
	if err != nil {
		t.Fatalf("approve with edits: %v", err)
	}
	if entry.DurationMinutes != 420 || entry.IsBillable || entry.LastModifiedBy != f.admin.ID {
		t.Fatalf("edits not applied: %+v", entry)
	}
	stored, _ := f.store.GetEntry(f.tenantCtx(), entry.ID)
	if stored.DurationMinutes != 420 || stored.Status != models.EntryStatusApproved {
		t.Fatalf("stored: %+v", stored)
	}
	if billing := f.outbox(models.OutboxChannelBillingSync); len(billing) != 0 {
		t.Fatalf("edited to non-billable, got %d billing records", len(billing))
	}

	bad := 0
	other := f.draft(f.member, f.input(f.project, f.task, 60))
	f.submit(f.member, other.ID)
	if _, err := f.svc.Timesheets.Approve(f.as(f.pm), other.ID, models.ApprovalEdits{DurationMinutes: &bad}, ""); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("zero duration edit: %v", err)
	}
}

func TestTimesheet_RejectNeedsReason(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 60))
	f.submit(f.member, entry.ID)
	if _, err := f.svc.Timesheets.Reject(f.as(f.pm), entry.ID, "  "); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	results, err := f.svc.Timesheets.RejectMany(f.as(f.pm), []int{entry.ID}, "")
	if !errors.Is(err, models.ErrValidationFailed) || results != nil {
		t.Fatalf("RejectMany without reason: %v %v", results, err)
	}
}

func TestTimesheet_MemberCannotApprove(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 60))
	f.submit(f.member, entry.ID)

	_, err := f.svc.Timesheets.Approve(f.as(f.member2), entry.ID, models.ApprovalEdits{}, "")
	var te *models.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.EntryId != entry.ID || te.From != models.EntryStatusPendingPM {
		t.Fatalf("transition error context: %+v", te)
	}
	if _, err := f.svc.Timesheets.Approve(f.as(f.member), entry.ID, models.ApprovalEdits{}, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("owner approving own pending entry: %v", err)
	}
}

func TestTimesheet_LockedEntryIsReadOnly(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.internal, f.internalTask, 60))
	f.submit(f.member, entry.ID)
	if _, err := f.svc.Timesheets.Approve(f.as(f.admin), entry.ID, models.ApprovalEdits{}, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	in := f.input(f.internal, f.internalTask, 30)
	for _, u := range []*models.User{f.member, f.admin} {
		if _, err := f.svc.Timesheets.UpdateEntry(f.as(u), entry.ID, in); !errors.Is(err, models.ErrEntryLocked) {
			t.Fatalf("%s update of approved entry: %v", u.Name, err)
		}
	}
	if err := f.svc.Timesheets.DeleteEntry(f.as(f.member), entry.ID); !errors.Is(err, models.ErrEntryLocked) {
		t.Fatalf("delete of approved entry: %v", err)
	}
}

func TestTimesheet_UpdateAndDeleteRights(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 60))

	if _, err := f.svc.Timesheets.UpdateEntry(f.as(f.member2), entry.ID, f.input(f.project, f.task, 90)); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("other member update: %v", err)
	}
	updated, err := f.svc.Timesheets.UpdateEntry(f.as(f.member), entry.ID, f.input(f.internal, f.internalTask, 90))
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.DurationMinutes != 90 || updated.ProjectId != f.internal.ID || !updated.HourlyRate.IsZero() {
		t.Fatalf("updated: %+v", updated)
	}

	f.submit(f.member, entry.ID)
	if _, err := f.svc.Timesheets.UpdateEntry(f.as(f.member), entry.ID, f.input(f.internal, f.internalTask, 30)); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("owner update while pending: %v", err)
	}
	if _, err := f.svc.Timesheets.UpdateEntry(f.as(f.admin), entry.ID, f.input(f.internal, f.internalTask, 30)); err != nil {
		t.Fatalf("admin corrective update while pending: %v", err)
	}
	if err := f.svc.Timesheets.DeleteEntry(f.as(f.admin), entry.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("delete of pending entry: %v", err)
	}

	other := f.draft(f.member, f.input(f.project, f.task, 15))
	if err := f.svc.Timesheets.DeleteEntry(f.as(f.member), other.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := f.svc.Timesheets.GetEntry(f.as(f.member), other.ID); !errors.Is(err, models.ErrEntryNotFound) {
		t.Fatalf("deleted entry lookup: %v", err)
	}
}

func TestTimesheet_AuditLockBlocksOwnEdits(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.AuditLocks.SetLock(f.as(f.pm), []int{f.member.ID}, true); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("pm may not lock: %v", err)
	}
	changed, err := f.svc.AuditLocks.SetLock(f.as(f.admin), []int{f.member.ID, f.member2.ID}, true)
	if err != nil || changed != 2 {
		t.Fatalf("SetLock: %d %v", changed, err)
	}
	if locked, _ := f.svc.AuditLocks.IsLocked(f.as(f.admin), f.member.ID); !locked {
		t.Fatalf("member should be locked")
	}
	if got := f.notifications(f.member, models.NotificationKindAuditLockChanged); len(got) != 1 {
		t.Fatalf("lock notification: %d", len(got))
	}

	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), f.input(f.project, f.task, 60)); !errors.Is(err, models.ErrAuditLocked) {
		t.Fatalf("locked member create: %v", err)
	}
	in := f.input(f.project, f.task, 60)
	in.UserId = f.member.ID
	entry, err := f.svc.Timesheets.CreateEntry(f.as(f.admin), in)
	if err != nil {
		t.Fatalf("admin on behalf: %v", err)
	}
	if entry.UserId != f.member.ID || entry.LastModifiedBy != f.admin.ID {
		t.Fatalf("on behalf entry: %+v", entry)
	}
	if _, err := f.svc.Timesheets.UpdateEntry(f.as(f.member), entry.ID, f.input(f.project, f.task, 30)); !errors.Is(err, models.ErrAuditLocked) {
		t.Fatalf("locked member update: %v", err)
	}

	if changed, err := f.svc.AuditLocks.SetLock(f.as(f.owner), []int{f.member.ID}, false); err != nil || changed != 1 {
		t.Fatalf("unlock: %d %v", changed, err)
	}
	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), f.input(f.project, f.task, 60)); err != nil {
		t.Fatalf("create after unlock: %v", err)
	}
}

func TestTimesheet_CreateValidation(t *testing.T) {
	f := newFixture(t)

	in := f.input(f.project, f.task, 60)
	in.WorkType = models.WorkTypeRework
	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), in); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("rework without remark: %v", err)
	}
	in.Remark = "fixing review comments"
	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), in); err != nil {
		t.Fatalf("rework with remark: %v", err)
	}

	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), f.input(f.project, f.task, 1441)); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("over a day: %v", err)
	}
	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), f.input(f.project, f.internalTask, 60)); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("task from another project: %v", err)
	}
	in = f.input(f.project, f.task, 60)
	in.UserId = f.member2.ID
	if _, err := f.svc.Timesheets.CreateEntry(f.as(f.member), in); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("member on behalf of someone else: %v", err)
	}
}

func TestTimesheet_SettledProjectBlocks(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 60))

	done := &models.Project{Name: "Done", Status: models.ProjectStatusCompleted}
	if err := f.store.CreateProject(f.tenantCtx(), done); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	doneTask := &models.Task{ProjectId: done.ID, Name: "wrap up"}
	if err := f.store.CreateTask(f.tenantCtx(), doneTask); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err := f.svc.Timesheets.CreateEntry(f.as(f.member), f.input(done, doneTask, 60))
	var blocked *models.BlockedError
	if !errors.Is(err, models.ErrBlockedByLock) || !errors.As(err, &blocked) || blocked.NextStep == "" {
		t.Fatalf("settled project: %v", err)
	}

	milestone := &models.Milestone{ProjectId: f.project.ID, Name: "Phase 1", Status: models.MilestoneStatusCompleted}
	if err := f.store.CreateMilestone(f.tenantCtx(), milestone); err != nil {
		t.Fatalf("CreateMilestone: %v", err)
	}
	in := f.input(f.project, f.task, 60)
	in.MilestoneId = milestone.ID
	if _, err := f.svc.Timesheets.UpdateEntry(f.as(f.member), entry.ID, in); !errors.Is(err, models.ErrBlockedByLock) {
		t.Fatalf("settled milestone: %v", err)
	}
}

func TestTimesheet_BatchReportsPerEntry(t *testing.T) {
	f := newFixture(t)
	a := f.draft(f.member, f.input(f.project, f.task, 60))
	b := f.draft(f.member, f.input(f.internal, f.internalTask, 60))

	results, err := f.svc.Timesheets.Submit(f.as(f.member), []int{a.ID, 9999, b.ID, a.ID})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("duplicates must collapse, got %d results", len(results))
	}
	if results[0].Err != nil || results[0].Entry.Status != models.EntryStatusPendingPM {
		t.Fatalf("first: %+v", results[0])
	}
	if !errors.Is(results[1].Err, models.ErrEntryNotFound) || results[1].Error == "" {
		t.Fatalf("missing entry: %+v", results[1])
	}
	if results[2].Err != nil || results[2].Entry.Status != models.EntryStatusPendingAdmin {
		t.Fatalf("third: %+v", results[2])
	}

	pmQueue, err := f.svc.Timesheets.ListPendingForReviewer(f.as(f.pm))
	if err != nil || len(pmQueue) != 1 || pmQueue[0].ID != a.ID {
		t.Fatalf("pm queue: %v %v", pmQueue, err)
	}
	adminQueue, err := f.svc.Timesheets.ListPendingForReviewer(f.as(f.admin))
	if err != nil || len(adminQueue) != 1 || adminQueue[0].ID != b.ID {
		t.Fatalf("admin queue: %v %v", adminQueue, err)
	}

	approved, err := f.svc.Timesheets.ApproveMany(f.as(f.admin), []int{a.ID, b.ID}, "")
	if err != nil {
		t.Fatalf("ApproveMany: %v", err)
	}
	if !errors.Is(approved[0].Err, models.ErrInvalidTransition) || approved[1].Err != nil {
		t.Fatalf("ApproveMany results: %+v", approved)
	}
}

func TestTimesheet_ReadAccess(t *testing.T) {
	f := newFixture(t)
	entry := f.draft(f.member, f.input(f.project, f.task, 60))

	if _, err := f.svc.Timesheets.GetEntry(f.as(f.member2), entry.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("other member read: %v", err)
	}
	if _, err := f.svc.Timesheets.GetEntry(f.as(f.pm), entry.ID); err != nil {
		t.Fatalf("pm read: %v", err)
	}

	list, err := f.svc.Timesheets.ListEntries(f.as(f.member2), models.EntryFilter{UserId: f.member.ID})
	if err != nil || len(list) != 0 {
		t.Fatalf("member list is limited to own entries: %d %v", len(list), err)
	}
	list, err = f.svc.Timesheets.ListEntries(f.as(f.pm), models.EntryFilter{ProjectId: f.project.ID})
	if err != nil || len(list) != 1 {
		t.Fatalf("pm project list: %d %v", len(list), err)
	}

	ctx := utils.SetTenantIdInContext(f.tenantCtx(), "tenant-2")
	outsider := &models.User{ID: 50, Name: "Outsider", Role: models.UserRoleOwner}
	if err := f.store.CreateUser(ctx, outsider); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	octx := utils.WithActor(ctx, "tenant-2", outsider.ID, outsider.Name)
	if _, err := f.svc.Timesheets.GetEntry(octx, entry.ID); !errors.Is(err, models.ErrEntryNotFound) {
		t.Fatalf("cross tenant read: %v", err)
	}
}

func TestTimesheet_RequiresActor(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Timesheets.CreateEntry(f.tenantCtx(), f.input(f.project, f.task, 60)); !errors.Is(err, utils.ErrorUserRequired) {
		t.Fatalf("missing user: %v", err)
	}
	ctx := utils.SetUserIdInContext(f.tenantCtx(), 999)
	if _, err := f.svc.Timesheets.ListEntries(ctx, models.EntryFilter{}); !errors.Is(err, models.ErrUserNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
}
