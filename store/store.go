package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

// Store is the record store behind every workflow. All calls are scoped to the tenant
// carried in ctx (utils.SetTenantIdInContext); ErrTenantRequired is returned without one.
//
// Errors:
//   - utils.ErrorRecordNotFound when a lookup misses
//   - utils.ErrorDuplicateRecord when a unique key (active session, alarm gap key) is taken
//   - utils.ErrorConcurrentUpdate when a compare-and-set finds a different stored value
type Store interface {
	// Transaction runs fn against a transactional Store. fn's writes are visible to its own
	// reads and are discarded when fn returns an error.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	EntryStore
	SessionStore
	EventStore
	NotificationStore
	UserStore
	ProjectStore
	OutboxStore
}

type EntryStore interface {
	CreateEntry(ctx context.Context, entry *models.TimesheetEntry) error
	GetEntry(ctx context.Context, id int) (*models.TimesheetEntry, error)
	// SaveEntry writes the editable fields of an entry whose status is still expectedStatus.
	SaveEntry(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error
	// UpdateEntryStatus is the compare-and-set used by every transition.
	UpdateEntryStatus(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error
	DeleteEntry(ctx context.Context, id int, expectedStatus models.EntryStatus) error
	ListEntries(ctx context.Context, filter models.EntryFilter) ([]*models.TimesheetEntry, error)
	// SumMinutesByDate totals non-rejected minutes per entry date (YYYY-MM-DD) in [from, to].
	SumMinutesByDate(ctx context.Context, userId int, from, to time.Time) (map[string]int, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.ClockSession) error
	GetSession(ctx context.Context, id int) (*models.ClockSession, error)
	GetActiveSession(ctx context.Context, userId int) (*models.ClockSession, error)
	// UpdateSession writes a running session whose paused flag is still expectedPaused.
	UpdateSession(ctx context.Context, session *models.ClockSession, expectedPaused bool) error
	ListActiveSessions(ctx context.Context) ([]*models.ClockSession, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, event *models.ApprovalEvent) error
	ListEvents(ctx context.Context, entryId int) ([]*models.ApprovalEvent, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, notification *models.Notification) error
	GetNotification(ctx context.Context, id int) (*models.Notification, error)
	ListAlarms(ctx context.Context, filter models.AlarmFilter) ([]*models.Notification, error)
	// UpdateAlarm is the compare-and-set on alarm_status.
	UpdateAlarm(ctx context.Context, alarm *models.Notification, expectedStatus models.AlarmStatus) error
	ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientId int, id int) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int) (*models.User, error)
	// ListUsers returns active users, optionally limited to roles.
	ListUsers(ctx context.Context, roles ...models.UserRole) ([]*models.User, error)
	// ListTenants returns every tenant with at least one active user. It ignores the ctx tenant.
	ListTenants(ctx context.Context) ([]string, error)
	SetTimesheetLock(ctx context.Context, userIds []int, locked bool, by int, at time.Time) (int, error)
	AddViolations(ctx context.Context, userId int, delta int) (int, error)
	ResetViolations(ctx context.Context, userId int) error
}

type ProjectStore interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id int) (*models.Project, error)
	CreateMilestone(ctx context.Context, milestone *models.Milestone) error
	GetMilestone(ctx context.Context, id int) (*models.Milestone, error)
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int) (*models.Task, error)
	// ListOverdueTasks returns tasks assigned to userId, not done, due strictly before day.
	ListOverdueTasks(ctx context.Context, userId int, day time.Time) ([]*models.Task, error)
	AddProjectMember(ctx context.Context, member *models.ProjectMember) error
	ListProjectMembers(ctx context.Context, projectId int) ([]*models.ProjectMember, error)
	ListMemberships(ctx context.Context, userId int) ([]*models.ProjectMember, error)
}

type OutboxStore interface {
	CreateOutbox(ctx context.Context, record *models.OutboxRecord) error
	// ClaimOutbox locks up to limit due records for workerId across all tenants.
	// Records at maxAttempts are moved to DEAD instead of being returned.
	ClaimOutbox(ctx context.Context, workerId string, now, staleBefore time.Time, limit, maxAttempts int) ([]*models.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, id int, messageId string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error
	GetOutbox(ctx context.Context, id int) (*models.OutboxRecord, error)
}

func tenantFrom(ctx context.Context) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return "", models.ErrTenantRequired
	}
	return tenantId, nil
}

func deadMessage(maxAttempts int) string {
	return fmt.Sprintf("max delivery attempts exceeded (%d)", maxAttempts)
}
