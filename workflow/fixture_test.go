package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const testTenant = "tenant-1"

// fixture is one tenant with an owner, an admin, a project manager and two members.
// "project" is billable and managed by pm; "internal" has no manager.
type fixture struct {
	t     *testing.T
	store *store.MemoryStore
	svc   *Service
	now   time.Time

	owner, admin, pm, member, member2 *models.User

	project, internal  *models.Project
	task, internalTask *models.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		store: store.NewMemoryStore(),
		now:   time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f.svc = NewService(f.store, config.DefaultPolicy(), logger)
	f.svc.Now = func() time.Time { return f.now }

	ctx := f.tenantCtx()
	f.owner = f.mustUser(ctx, &models.User{ID: 1, Name: "Olivia", Role: models.UserRoleOwner})
	f.admin = f.mustUser(ctx, &models.User{ID: 2, Name: "Aung", Role: models.UserRoleAdmin})
	f.pm = f.mustUser(ctx, &models.User{ID: 3, Name: "Priya", Role: models.UserRoleProjectManager})
	f.member = f.mustUser(ctx, &models.User{ID: 4, Name: "Min", Role: models.UserRoleMember})
	f.member2 = f.mustUser(ctx, &models.User{ID: 5, Name: "Kyaw", Role: models.UserRoleMember})

	f.project = &models.Project{Name: "Website", IsBillable: true, HourlyRate: decimal.NewFromInt(50), Currency: "USD"}
	f.internal = &models.Project{Name: "Internal"}
	for _, p := range []*models.Project{f.project, f.internal} {
		if err := f.store.CreateProject(ctx, p); err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
	}
	f.task = &models.Task{ProjectId: f.project.ID, AssigneeId: f.member.ID, Name: "Landing page"}
	f.internalTask = &models.Task{ProjectId: f.internal.ID, AssigneeId: f.member.ID, Name: "Housekeeping"}
	for _, task := range []*models.Task{f.task, f.internalTask} {
		if err := f.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	members := []*models.ProjectMember{
		{ProjectId: f.project.ID, UserId: f.pm.ID, Role: models.MemberRoleManager},
		{ProjectId: f.project.ID, UserId: f.member.ID},
		{ProjectId: f.project.ID, UserId: f.member2.ID},
		{ProjectId: f.internal.ID, UserId: f.member.ID},
	}
	for _, m := range members {
		if err := f.store.AddProjectMember(ctx, m); err != nil {
			t.Fatalf("AddProjectMember: %v", err)
		}
	}

	f.now = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)
	return f
}

func (f *fixture) mustUser(ctx context.Context, u *models.User) *models.User {
	f.t.Helper()
	if err := f.store.CreateUser(ctx, u); err != nil {
		f.t.Fatalf("CreateUser %s: %v", u.Name, err)
	}
	return u
}

func (f *fixture) tenantCtx() context.Context {
	return utils.SetTenantIdInContext(context.Background(), testTenant)
}

func (f *fixture) as(u *models.User) context.Context {
	return utils.WithActor(context.Background(), testTenant, u.ID, u.Name)
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) setNow(t time.Time) {
	f.now = t
}

func day(d int) time.Time {
	return time.Date(2026, 10, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) input(project *models.Project, task *models.Task, minutes int) models.NewTimesheetEntry {
	return models.NewTimesheetEntry{
		EntryDate:       day(13),
		ProjectId:       project.ID,
		TaskId:          task.ID,
		DurationMinutes: minutes,
		WorkType:        models.WorkTypeDevelopment,
	}
}

func (f *fixture) draft(u *models.User, input models.NewTimesheetEntry) *models.TimesheetEntry {
	f.t.Helper()
	entry, err := f.svc.Timesheets.CreateEntry(f.as(u), input)
	if err != nil {
		f.t.Fatalf("CreateEntry: %v", err)
	}
	return entry
}

func (f *fixture) submit(u *models.User, id int) *models.TimesheetEntry {
	f.t.Helper()
	results, err := f.svc.Timesheets.Submit(f.as(u), []int{id})
	if err != nil {
		f.t.Fatalf("Submit: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		f.t.Fatalf("Submit result: %+v", results)
	}
	return results[0].Entry
}

func (f *fixture) outbox(channel models.OutboxChannel) []*models.OutboxRecord {
	f.t.Helper()
	all, err := f.store.ListOutbox(f.tenantCtx())
	if err != nil {
		f.t.Fatalf("ListOutbox: %v", err)
	}
	var out []*models.OutboxRecord
	for _, rec := range all {
		if rec.Channel == channel {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fixture) notifications(u *models.User, kind models.NotificationKind) []*models.Notification {
	f.t.Helper()
	all, err := f.store.ListNotifications(f.tenantCtx(), u.ID, false, 0)
	if err != nil {
		f.t.Fatalf("ListNotifications: %v", err)
	}
	var out []*models.Notification
	for _, n := range all {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) user(id int) *models.User {
	f.t.Helper()
	u, err := f.store.GetUser(f.tenantCtx(), id)
	if err != nil {
		f.t.Fatalf("GetUser: %v", err)
	}
	return u
}
