package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

// MemoryStore keeps every record in process memory. Transactions are serialized and
// work on a copy that replaces the live data only when fn succeeds.
type MemoryStore struct {
	root *memRoot
	tx   *memData
}

type memRoot struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	seq           int
	entries       map[int]models.TimesheetEntry
	sessions      map[int]models.ClockSession
	events        []models.ApprovalEvent
	notifications map[int]models.Notification
	users         map[int]models.User
	projects      map[int]models.Project
	milestones    map[int]models.Milestone
	tasks         map[int]models.Task
	members       []models.ProjectMember
	outbox        map[int]models.OutboxRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: &memRoot{data: newMemData(), now: time.Now}}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	s.root.now = now
}

func newMemData() *memData {
	return &memData{
		entries:       map[int]models.TimesheetEntry{},
		sessions:      map[int]models.ClockSession{},
		notifications: map[int]models.Notification{},
		users:         map[int]models.User{},
		projects:      map[int]models.Project{},
		milestones:    map[int]models.Milestone{},
		tasks:         map[int]models.Task{},
		outbox:        map[int]models.OutboxRecord{},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		seq:           d.seq,
		entries:       make(map[int]models.TimesheetEntry, len(d.entries)),
		sessions:      make(map[int]models.ClockSession, len(d.sessions)),
		events:        append([]models.ApprovalEvent(nil), d.events...),
		notifications: make(map[int]models.Notification, len(d.notifications)),
		users:         make(map[int]models.User, len(d.users)),
		projects:      make(map[int]models.Project, len(d.projects)),
		milestones:    make(map[int]models.Milestone, len(d.milestones)),
		tasks:         make(map[int]models.Task, len(d.tasks)),
		members:       append([]models.ProjectMember(nil), d.members...),
		outbox:        make(map[int]models.OutboxRecord, len(d.outbox)),
	}
	for k, v := range d.entries {
		c.entries[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.notifications {
		c.notifications[k] = v
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.projects {
		c.projects[k] = v
	}
	for k, v := range d.milestones {
		c.milestones[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

func (d *memData) nextId() int {
	d.seq++
	return d.seq
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		clone := s.tx.clone()
		if err := fn(&MemoryStore{root: s.root, tx: clone}); err != nil {
			return err
		}
		*s.tx = *clone
		return nil
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	clone := s.root.data.clone()
	if err := fn(&MemoryStore{root: s.root, tx: clone}); err != nil {
		return err
	}
	s.root.data = clone
	return nil
}

// with runs fn against the transaction copy, or against the live data under the lock.
func (s *MemoryStore) with(ctx context.Context, fn func(d *memData, tenantId string, now time.Time) error) error {
	tenantId, err := tenantFrom(ctx)
	if err != nil {
		return err
	}
	if s.tx != nil {
		return fn(s.tx, tenantId, s.root.now().UTC())
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return fn(s.root.data, tenantId, s.root.now().UTC())
}

// withAll is with for calls that ignore the tenant in ctx.
func (s *MemoryStore) withAll(fn func(d *memData, now time.Time) error) error {
	if s.tx != nil {
		return fn(s.tx, s.root.now().UTC())
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return fn(s.root.data, s.root.now().UTC())
}

// entries

func (s *MemoryStore) CreateEntry(ctx context.Context, entry *models.TimesheetEntry) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		entry.TenantId = tenantId
		entry.ID = d.nextId()
		entry.CreatedAt = now
		entry.UpdatedAt = now
		d.entries[entry.ID] = *entry
		return nil
	})
}

func (s *MemoryStore) GetEntry(ctx context.Context, id int) (*models.TimesheetEntry, error) {
	var out *models.TimesheetEntry
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		e, ok := d.entries[id]
		if !ok || e.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (s *MemoryStore) SaveEntry(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		stored, ok := d.entries[entry.ID]
		if !ok || stored.TenantId != tenantId || stored.Status != expectedStatus {
			return utils.ErrorConcurrentUpdate
		}
		stored.EntryDate = entry.EntryDate
		stored.ProjectId = entry.ProjectId
		stored.TaskId = entry.TaskId
		stored.StoryId = entry.StoryId
		stored.SprintId = entry.SprintId
		stored.MilestoneId = entry.MilestoneId
		stored.DurationMinutes = entry.DurationMinutes
		stored.WorkType = entry.WorkType
		stored.IsBillable = entry.IsBillable
		stored.HourlyRate = entry.HourlyRate
		stored.Currency = entry.Currency
		stored.Remark = entry.Remark
		stored.CreatedUnderAlarm = entry.CreatedUnderAlarm
		stored.LastModifiedBy = entry.LastModifiedBy
		stored.LastModifiedAt = entry.LastModifiedAt
		stored.UpdatedAt = now
		d.entries[entry.ID] = stored
		return nil
	})
}

func (s *MemoryStore) UpdateEntryStatus(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		stored, ok := d.entries[entry.ID]
		if !ok || stored.TenantId != tenantId || stored.Status != expectedStatus {
			return utils.ErrorConcurrentUpdate
		}
		stored.Status = entry.Status
		stored.RejectionReason = entry.RejectionReason
		stored.IsLocked = entry.IsLocked
		stored.DurationMinutes = entry.DurationMinutes
		stored.IsBillable = entry.IsBillable
		stored.ApprovedBy = entry.ApprovedBy
		stored.ApprovedAt = entry.ApprovedAt
		stored.LastModifiedBy = entry.LastModifiedBy
		stored.LastModifiedAt = entry.LastModifiedAt
		stored.UpdatedAt = now
		d.entries[entry.ID] = stored
		return nil
	})
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id int, expectedStatus models.EntryStatus) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		stored, ok := d.entries[id]
		if !ok || stored.TenantId != tenantId || stored.Status != expectedStatus || stored.IsLocked {
			return utils.ErrorConcurrentUpdate
		}
		delete(d.entries, id)
		return nil
	})
}

func (s *MemoryStore) ListEntries(ctx context.Context, filter models.EntryFilter) ([]*models.TimesheetEntry, error) {
	var out []*models.TimesheetEntry
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		statuses := map[models.EntryStatus]bool{}
		for _, st := range filter.Statuses {
			statuses[st] = true
		}
		for _, e := range d.entries {
			if e.TenantId != tenantId {
				continue
			}
			if filter.UserId > 0 && e.UserId != filter.UserId {
				continue
			}
			if filter.ProjectId > 0 && e.ProjectId != filter.ProjectId {
				continue
			}
			if len(statuses) > 0 && !statuses[e.Status] {
				continue
			}
			if filter.FromDate != nil && e.EntryDate.Before(utils.NormalizeDate(*filter.FromDate)) {
				continue
			}
			if filter.ToDate != nil && e.EntryDate.After(utils.NormalizeDate(*filter.ToDate)) {
				continue
			}
			e := e
			out = append(out, &e)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].EntryDate.Equal(out[j].EntryDate) {
				return out[i].EntryDate.After(out[j].EntryDate)
			}
			return out[i].ID > out[j].ID
		})
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) SumMinutesByDate(ctx context.Context, userId int, from, to time.Time) (map[string]int, error) {
	totals := map[string]int{}
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		lo, hi := utils.NormalizeDate(from), utils.NormalizeDate(to)
		for _, e := range d.entries {
			if e.TenantId != tenantId || e.UserId != userId || e.Status == models.EntryStatusRejected {
				continue
			}
			if e.EntryDate.Before(lo) || e.EntryDate.After(hi) {
				continue
			}
			totals[e.EntryDate.UTC().Format(utils.DateLayout)] += e.DurationMinutes
		}
		return nil
	})
	return totals, err
}

// sessions

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.ClockSession) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		session.TenantId = tenantId
		if session.StoppedAt == nil {
			key := models.ActiveSessionKey(tenantId, session.UserId)
			for _, other := range d.sessions {
				if other.ActiveKey != nil && *other.ActiveKey == key {
					return utils.ErrorDuplicateRecord
				}
			}
			session.ActiveKey = &key
		}
		session.ID = d.nextId()
		session.CreatedAt = now
		session.UpdatedAt = now
		d.sessions[session.ID] = *session
		return nil
	})
}

func (s *MemoryStore) GetSession(ctx context.Context, id int) (*models.ClockSession, error) {
	var out *models.ClockSession
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		cs, ok := d.sessions[id]
		if !ok || cs.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &cs
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetActiveSession(ctx context.Context, userId int) (*models.ClockSession, error) {
	var out *models.ClockSession
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, cs := range d.sessions {
			if cs.TenantId == tenantId && cs.UserId == userId && cs.StoppedAt == nil {
				if out == nil || cs.ID > out.ID {
					cs := cs
					out = &cs
				}
			}
		}
		if out == nil {
			return utils.ErrorRecordNotFound
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.ClockSession, expectedPaused bool) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		stored, ok := d.sessions[session.ID]
		if !ok || stored.TenantId != tenantId || stored.StoppedAt != nil || stored.IsPaused != expectedPaused {
			return utils.ErrorConcurrentUpdate
		}
		if session.StoppedAt != nil {
			session.ActiveKey = nil
		}
		stored.StoppedAt = session.StoppedAt
		stored.IsPaused = session.IsPaused
		stored.PausedAt = session.PausedAt
		stored.AccumulatedPauseSeconds = session.AccumulatedPauseSeconds
		stored.PauseCount = session.PauseCount
		stored.StopLocation = session.StopLocation
		stored.ResultingEntryId = session.ResultingEntryId
		stored.IsDiscarded = session.IsDiscarded
		stored.ActiveKey = session.ActiveKey
		stored.UpdatedAt = now
		d.sessions[session.ID] = stored
		return nil
	})
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]*models.ClockSession, error) {
	var out []*models.ClockSession
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, cs := range d.sessions {
			if cs.TenantId == tenantId && cs.StoppedAt == nil {
				cs := cs
				out = append(out, &cs)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
		return nil
	})
	return out, err
}

// approval events

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.ApprovalEvent) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		event.TenantId = tenantId
		event.ID = d.nextId()
		d.events = append(d.events, *event)
		return nil
	})
}

func (s *MemoryStore) ListEvents(ctx context.Context, entryId int) ([]*models.ApprovalEvent, error) {
	var out []*models.ApprovalEvent
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, ev := range d.events {
			if ev.TenantId == tenantId && ev.EntryId == entryId {
				ev := ev
				out = append(out, &ev)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].ActedAt.Equal(out[j].ActedAt) {
				return out[i].ActedAt.Before(out[j].ActedAt)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// notifications and alarms

func (s *MemoryStore) CreateNotification(ctx context.Context, notification *models.Notification) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		notification.TenantId = tenantId
		if notification.GapKey != nil {
			for _, other := range d.notifications {
				if other.TenantId == tenantId && other.RecipientId == notification.RecipientId &&
					other.Kind == notification.Kind && other.GapKey != nil && *other.GapKey == *notification.GapKey {
					return utils.ErrorDuplicateRecord
				}
			}
		}
		notification.ID = d.nextId()
		if notification.CreatedAt.IsZero() {
			notification.CreatedAt = now
		}
		notification.UpdatedAt = now
		d.notifications[notification.ID] = *notification
		return nil
	})
}

func (s *MemoryStore) GetNotification(ctx context.Context, id int) (*models.Notification, error) {
	var out *models.Notification
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		n, ok := d.notifications[id]
		if !ok || n.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &n
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListAlarms(ctx context.Context, filter models.AlarmFilter) ([]*models.Notification, error) {
	var out []*models.Notification
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		kinds := map[models.NotificationKind]bool{}
		for _, k := range filter.Kinds {
			kinds[k] = true
		}
		statuses := map[models.AlarmStatus]bool{}
		for _, st := range filter.Statuses {
			statuses[st] = true
		}
		for _, n := range d.notifications {
			if n.TenantId != tenantId || n.AlarmStatus == models.AlarmStatusNone {
				continue
			}
			if filter.RecipientId > 0 && n.RecipientId != filter.RecipientId {
				continue
			}
			if len(kinds) > 0 && !kinds[n.Kind] {
				continue
			}
			if len(statuses) > 0 && !statuses[n.AlarmStatus] {
				continue
			}
			if filter.GapKey != "" && n.GapKeyValue() != filter.GapKey {
				continue
			}
			n := n
			out = append(out, &n)
		}
		sortNotifications(out, true)
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateAlarm(ctx context.Context, alarm *models.Notification, expectedStatus models.AlarmStatus) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		stored, ok := d.notifications[alarm.ID]
		if !ok || stored.TenantId != tenantId || stored.AlarmStatus != expectedStatus {
			return utils.ErrorConcurrentUpdate
		}
		stored.AlarmStatus = alarm.AlarmStatus
		stored.AppealReason = alarm.AppealReason
		stored.AppealedAt = alarm.AppealedAt
		stored.ReviewComment = alarm.ReviewComment
		stored.ResolvedBy = alarm.ResolvedBy
		stored.ResolvedAt = alarm.ResolvedAt
		stored.Resolution = alarm.Resolution
		stored.EntryId = alarm.EntryId
		stored.UpdatedAt = now
		d.notifications[alarm.ID] = stored
		return nil
	})
}

func (s *MemoryStore) ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]*models.Notification, error) {
	var out []*models.Notification
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, n := range d.notifications {
			if n.TenantId != tenantId || n.RecipientId != recipientId {
				continue
			}
			if unreadOnly && n.IsRead {
				continue
			}
			n := n
			out = append(out, &n)
		}
		sortNotifications(out, false)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func sortNotifications(list []*models.Notification, ascending bool) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !ascending {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *MemoryStore) MarkNotificationRead(ctx context.Context, recipientId int, id int) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		n, ok := d.notifications[id]
		if !ok || n.TenantId != tenantId || n.RecipientId != recipientId {
			return utils.ErrorRecordNotFound
		}
		n.IsRead = true
		d.notifications[id] = n
		return nil
	})
}

// users

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		user.TenantId = tenantId
		if user.ID == 0 {
			user.ID = d.nextId()
		} else if _, taken := d.users[user.ID]; taken {
			return utils.ErrorDuplicateRecord
		} else if user.ID > d.seq {
			d.seq = user.ID
		}
		if user.IsActive == nil {
			user.IsActive = utils.NewTrue()
		}
		if user.Role == "" {
			user.Role = models.UserRoleMember
		}
		user.CreatedAt = now
		user.UpdatedAt = now
		d.users[user.ID] = *user
		return nil
	})
}

func (s *MemoryStore) GetUser(ctx context.Context, id int) (*models.User, error) {
	var out *models.User
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		u, ok := d.users[id]
		if !ok || u.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &u
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListUsers(ctx context.Context, roles ...models.UserRole) ([]*models.User, error) {
	var out []*models.User
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		wanted := map[models.UserRole]bool{}
		for _, r := range roles {
			wanted[r] = true
		}
		for _, u := range d.users {
			if u.TenantId != tenantId || !u.Active() {
				continue
			}
			if len(wanted) > 0 && !wanted[u.Role] {
				continue
			}
			u := u
			out = append(out, &u)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	var out []string
	err := s.withAll(func(d *memData, _ time.Time) error {
		seen := map[string]bool{}
		for _, u := range d.users {
			if u.Active() && !seen[u.TenantId] {
				seen[u.TenantId] = true
				out = append(out, u.TenantId)
			}
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

func (s *MemoryStore) SetTimesheetLock(ctx context.Context, userIds []int, locked bool, by int, at time.Time) (int, error) {
	var n int
	err := s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		for _, id := range utils.UniqueSlice(userIds) {
			u, ok := d.users[id]
			if !ok || u.TenantId != tenantId {
				continue
			}
			u.IsTimesheetLocked = locked
			if locked {
				u.TimesheetLockedBy = by
				lockedAt := at
				u.TimesheetLockedAt = &lockedAt
			} else {
				u.TimesheetLockedBy = 0
				u.TimesheetLockedAt = nil
			}
			u.UpdatedAt = now
			d.users[id] = u
			n++
		}
		return nil
	})
	return n, err
}

func (s *MemoryStore) AddViolations(ctx context.Context, userId int, delta int) (int, error) {
	var count int
	err := s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		u, ok := d.users[userId]
		if !ok || u.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		u.ViolationCount += delta
		u.UpdatedAt = now
		d.users[userId] = u
		count = u.ViolationCount
		return nil
	})
	return count, err
}

func (s *MemoryStore) ResetViolations(ctx context.Context, userId int) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		u, ok := d.users[userId]
		if !ok || u.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		u.ViolationCount = 0
		u.UpdatedAt = now
		d.users[userId] = u
		return nil
	})
}

// projects

func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		project.TenantId = tenantId
		project.ID = d.nextId()
		if project.Status == "" {
			project.Status = models.ProjectStatusActive
		}
		project.CreatedAt = now
		project.UpdatedAt = now
		d.projects[project.ID] = *project
		return nil
	})
}

func (s *MemoryStore) GetProject(ctx context.Context, id int) (*models.Project, error) {
	var out *models.Project
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		p, ok := d.projects[id]
		if !ok || p.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (s *MemoryStore) CreateMilestone(ctx context.Context, milestone *models.Milestone) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		milestone.TenantId = tenantId
		milestone.ID = d.nextId()
		if milestone.Status == "" {
			milestone.Status = models.MilestoneStatusOpen
		}
		d.milestones[milestone.ID] = *milestone
		return nil
	})
}

func (s *MemoryStore) GetMilestone(ctx context.Context, id int) (*models.Milestone, error) {
	var out *models.Milestone
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		m, ok := d.milestones[id]
		if !ok || m.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		task.TenantId = tenantId
		task.ID = d.nextId()
		if task.Status == "" {
			task.Status = models.TaskStatusOpen
		}
		d.tasks[task.ID] = *task
		return nil
	})
}

func (s *MemoryStore) GetTask(ctx context.Context, id int) (*models.Task, error) {
	var out *models.Task
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		t, ok := d.tasks[id]
		if !ok || t.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListOverdueTasks(ctx context.Context, userId int, day time.Time) ([]*models.Task, error) {
	var out []*models.Task
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		cutoff := utils.NormalizeDate(day)
		for _, t := range d.tasks {
			if t.TenantId != tenantId || t.AssigneeId != userId {
				continue
			}
			if !t.IsOverdue(cutoff) {
				continue
			}
			t := t
			out = append(out, &t)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].DueDate.Equal(*out[j].DueDate) {
				return out[i].DueDate.Before(*out[j].DueDate)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

func (s *MemoryStore) AddProjectMember(ctx context.Context, member *models.ProjectMember) error {
	return s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		member.TenantId = tenantId
		for _, m := range d.members {
			if m.TenantId == tenantId && m.ProjectId == member.ProjectId && m.UserId == member.UserId {
				return utils.ErrorDuplicateRecord
			}
		}
		member.ID = d.nextId()
		if member.Role == "" {
			member.Role = models.MemberRoleMember
		}
		d.members = append(d.members, *member)
		return nil
	})
}

func (s *MemoryStore) ListProjectMembers(ctx context.Context, projectId int) ([]*models.ProjectMember, error) {
	return s.listMembers(ctx, func(m models.ProjectMember) bool { return m.ProjectId == projectId })
}

func (s *MemoryStore) ListMemberships(ctx context.Context, userId int) ([]*models.ProjectMember, error) {
	return s.listMembers(ctx, func(m models.ProjectMember) bool { return m.UserId == userId })
}

func (s *MemoryStore) listMembers(ctx context.Context, match func(models.ProjectMember) bool) ([]*models.ProjectMember, error) {
	var out []*models.ProjectMember
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, m := range d.members {
			if m.TenantId == tenantId && match(m) {
				m := m
				out = append(out, &m)
			}
		}
		return nil
	})
	return out, err
}

// outbox

func (s *MemoryStore) CreateOutbox(ctx context.Context, record *models.OutboxRecord) error {
	return s.with(ctx, func(d *memData, tenantId string, now time.Time) error {
		record.TenantId = tenantId
		record.ID = d.nextId()
		if record.Status == "" {
			record.Status = models.OutboxStatusPending
		}
		record.CreatedAt = now
		record.UpdatedAt = now
		d.outbox[record.ID] = *record
		return nil
	})
}

func (s *MemoryStore) GetOutbox(ctx context.Context, id int) (*models.OutboxRecord, error) {
	var out *models.OutboxRecord
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		rec, ok := d.outbox[id]
		if !ok || rec.TenantId != tenantId {
			return utils.ErrorRecordNotFound
		}
		out = &rec
		return nil
	})
	return out, err
}

// ListOutbox returns every outbox record of the ctx tenant in id order.
func (s *MemoryStore) ListOutbox(ctx context.Context) ([]*models.OutboxRecord, error) {
	var out []*models.OutboxRecord
	err := s.with(ctx, func(d *memData, tenantId string, _ time.Time) error {
		for _, rec := range d.outbox {
			if rec.TenantId == tenantId {
				rec := rec
				out = append(out, &rec)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (s *MemoryStore) ClaimOutbox(ctx context.Context, workerId string, now, staleBefore time.Time, limit, maxAttempts int) ([]*models.OutboxRecord, error) {
	var claimed []*models.OutboxRecord
	err := s.withAll(func(d *memData, _ time.Time) error {
		ids := make([]int, 0, len(d.outbox))
		for id := range d.outbox {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			rec := d.outbox[id]
			due := (rec.Status == models.OutboxStatusPending || rec.Status == models.OutboxStatusFailed) &&
				(rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now))
			stale := rec.Status == models.OutboxStatusProcessing && rec.LockedAt != nil && !rec.LockedAt.After(staleBefore)
			if !due && !stale {
				continue
			}
			if maxAttempts > 0 && rec.Attempts >= maxAttempts {
				msg := deadMessage(maxAttempts)
				rec.Status = models.OutboxStatusDead
				rec.LastError = &msg
				rec.NextAttemptAt, rec.LockedAt, rec.LockedBy = nil, nil, nil
				d.outbox[id] = rec
				continue
			}
			lockedAt, lockedBy := now, workerId
			rec.Status = models.OutboxStatusProcessing
			rec.LockedAt = &lockedAt
			rec.LockedBy = &lockedBy
			rec.Attempts++
			rec.LastError = nil
			rec.NextAttemptAt = nil
			d.outbox[id] = rec
			out := rec
			claimed = append(claimed, &out)
		}
		return nil
	})
	return claimed, err
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id int, messageId string, at time.Time) error {
	return s.withAll(func(d *memData, _ time.Time) error {
		rec, ok := d.outbox[id]
		if !ok {
			return utils.ErrorRecordNotFound
		}
		sentAt, msgId := at, messageId
		rec.Status = models.OutboxStatusSent
		rec.SentAt = &sentAt
		rec.MessageId = &msgId
		rec.LockedAt, rec.LockedBy, rec.NextAttemptAt = nil, nil, nil
		d.outbox[id] = rec
		return nil
	})
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	return s.withAll(func(d *memData, _ time.Time) error {
		rec, ok := d.outbox[id]
		if !ok {
			return utils.ErrorRecordNotFound
		}
		msg := errMsg
		rec.Status = models.OutboxStatusFailed
		rec.NextAttemptAt = nextAttemptAt
		if dead {
			rec.Status = models.OutboxStatusDead
			rec.NextAttemptAt = nil
		}
		rec.LastError = &msg
		rec.LockedAt, rec.LockedBy = nil, nil
		d.outbox[id] = rec
		return nil
	})
}
