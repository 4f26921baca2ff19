package store

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists records in MySQL through gorm. Every query filters on tenant_id
// explicitly; the tenant guard plugin on the connection is a second line.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.ErrorRecordNotFound
	case isDuplicateKeyErr(err):
		return utils.ErrorDuplicateRecord
	}
	return err
}

func (s *GormStore) scoped(ctx context.Context) (*gorm.DB, string, error) {
	tenantId, err := tenantFrom(ctx)
	if err != nil {
		return nil, "", err
	}
	return s.db.WithContext(ctx), tenantId, nil
}

func casResult(res *gorm.DB) error {
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorConcurrentUpdate
	}
	return nil
}

// entries

func (s *GormStore) CreateEntry(ctx context.Context, entry *models.TimesheetEntry) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	entry.TenantId = tenantId
	return translateErr(db.Create(entry).Error)
}

func (s *GormStore) GetEntry(ctx context.Context, id int) (*models.TimesheetEntry, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var entry models.TimesheetEntry
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&entry).Error; err != nil {
		return nil, translateErr(err)
	}
	return &entry, nil
}

func (s *GormStore) SaveEntry(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Model(entry).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantId, entry.ID, expectedStatus).
		Updates(map[string]interface{}{
			"entry_date":          entry.EntryDate,
			"project_id":          entry.ProjectId,
			"task_id":             entry.TaskId,
			"story_id":            entry.StoryId,
			"sprint_id":           entry.SprintId,
			"milestone_id":        entry.MilestoneId,
			"duration_minutes":    entry.DurationMinutes,
			"work_type":           entry.WorkType,
			"is_billable":         entry.IsBillable,
			"hourly_rate":         entry.HourlyRate,
			"currency":            entry.Currency,
			"remark":              entry.Remark,
			"created_under_alarm": entry.CreatedUnderAlarm,
			"last_modified_by":    entry.LastModifiedBy,
			"last_modified_at":    entry.LastModifiedAt,
		})
	return casResult(res)
}

func (s *GormStore) UpdateEntryStatus(ctx context.Context, entry *models.TimesheetEntry, expectedStatus models.EntryStatus) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Model(entry).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantId, entry.ID, expectedStatus).
		Updates(map[string]interface{}{
			"status":           entry.Status,
			"rejection_reason": entry.RejectionReason,
			"is_locked":        entry.IsLocked,
			"duration_minutes": entry.DurationMinutes,
			"is_billable":      entry.IsBillable,
			"approved_by":      entry.ApprovedBy,
			"approved_at":      entry.ApprovedAt,
			"last_modified_by": entry.LastModifiedBy,
			"last_modified_at": entry.LastModifiedAt,
		})
	return casResult(res)
}

func (s *GormStore) DeleteEntry(ctx context.Context, id int, expectedStatus models.EntryStatus) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Where("tenant_id = ? AND id = ? AND status = ? AND is_locked = ?", tenantId, id, expectedStatus, false).
		Delete(&models.TimesheetEntry{})
	return casResult(res)
}

func (s *GormStore) ListEntries(ctx context.Context, filter models.EntryFilter) ([]*models.TimesheetEntry, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("tenant_id = ?", tenantId)
	if filter.UserId > 0 {
		q = q.Where("user_id = ?", filter.UserId)
	}
	if filter.ProjectId > 0 {
		q = q.Where("project_id = ?", filter.ProjectId)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.FromDate != nil {
		q = q.Where("entry_date >= ?", utils.NormalizeDate(*filter.FromDate))
	}
	if filter.ToDate != nil {
		q = q.Where("entry_date <= ?", utils.NormalizeDate(*filter.ToDate))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var entries []*models.TimesheetEntry
	if err := q.Order("entry_date DESC, id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) SumMinutesByDate(ctx context.Context, userId int, from, to time.Time) (map[string]int, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		EntryDate time.Time
		Minutes   int
	}
	err = db.Model(&models.TimesheetEntry{}).
		Select("entry_date, SUM(duration_minutes) AS minutes").
		Where("tenant_id = ? AND user_id = ? AND status <> ? AND entry_date BETWEEN ? AND ?",
			tenantId, userId, models.EntryStatusRejected, utils.NormalizeDate(from), utils.NormalizeDate(to)).
		Group("entry_date").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int, len(rows))
	for _, r := range rows {
		totals[r.EntryDate.UTC().Format(utils.DateLayout)] += r.Minutes
	}
	return totals, nil
}

// sessions

func (s *GormStore) CreateSession(ctx context.Context, session *models.ClockSession) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	session.TenantId = tenantId
	if session.StoppedAt == nil {
		key := models.ActiveSessionKey(tenantId, session.UserId)
		session.ActiveKey = &key
	}
	return translateErr(db.Create(session).Error)
}

func (s *GormStore) GetSession(ctx context.Context, id int) (*models.ClockSession, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var session models.ClockSession
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&session).Error; err != nil {
		return nil, translateErr(err)
	}
	return &session, nil
}

func (s *GormStore) GetActiveSession(ctx context.Context, userId int) (*models.ClockSession, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var session models.ClockSession
	if err := db.Where("tenant_id = ? AND user_id = ? AND stopped_at IS NULL", tenantId, userId).
		Order("id DESC").First(&session).Error; err != nil {
		return nil, translateErr(err)
	}
	return &session, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, session *models.ClockSession, expectedPaused bool) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	if session.StoppedAt != nil {
		session.ActiveKey = nil
	}
	res := db.Model(&models.ClockSession{}).
		Where("tenant_id = ? AND id = ? AND stopped_at IS NULL AND is_paused = ?", tenantId, session.ID, expectedPaused).
		Updates(map[string]interface{}{
			"stopped_at":                session.StoppedAt,
			"is_paused":                 session.IsPaused,
			"paused_at":                 session.PausedAt,
			"accumulated_pause_seconds": session.AccumulatedPauseSeconds,
			"pause_count":               session.PauseCount,
			"stop_latitude":             session.StopLocation.Latitude,
			"stop_longitude":            session.StopLocation.Longitude,
			"stop_accuracy":             session.StopLocation.Accuracy,
			"stop_address":              session.StopLocation.Address,
			"stop_captured_at":          session.StopLocation.CapturedAt,
			"resulting_entry_id":        session.ResultingEntryId,
			"is_discarded":              session.IsDiscarded,
			"active_key":                session.ActiveKey,
		})
	return casResult(res)
}

func (s *GormStore) ListActiveSessions(ctx context.Context) ([]*models.ClockSession, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var sessions []*models.ClockSession
	if err := db.Where("tenant_id = ? AND stopped_at IS NULL", tenantId).Order("started_at ASC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// approval events

func (s *GormStore) AppendEvent(ctx context.Context, event *models.ApprovalEvent) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	event.TenantId = tenantId
	return translateErr(db.Create(event).Error)
}

func (s *GormStore) ListEvents(ctx context.Context, entryId int) ([]*models.ApprovalEvent, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var events []*models.ApprovalEvent
	if err := db.Where("tenant_id = ? AND entry_id = ?", tenantId, entryId).Order("acted_at ASC, id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// notifications and alarms

func (s *GormStore) CreateNotification(ctx context.Context, notification *models.Notification) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	notification.TenantId = tenantId
	return translateErr(db.Create(notification).Error)
}

func (s *GormStore) GetNotification(ctx context.Context, id int) (*models.Notification, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var n models.Notification
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&n).Error; err != nil {
		return nil, translateErr(err)
	}
	return &n, nil
}

func (s *GormStore) ListAlarms(ctx context.Context, filter models.AlarmFilter) ([]*models.Notification, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("tenant_id = ? AND alarm_status <> ?", tenantId, models.AlarmStatusNone)
	if filter.RecipientId > 0 {
		q = q.Where("recipient_id = ?", filter.RecipientId)
	}
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN ?", filter.Kinds)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("alarm_status IN ?", filter.Statuses)
	}
	if filter.GapKey != "" {
		q = q.Where("gap_key = ?", filter.GapKey)
	}
	var alarms []*models.Notification
	if err := q.Order("created_at ASC, id ASC").Find(&alarms).Error; err != nil {
		return nil, err
	}
	return alarms, nil
}

func (s *GormStore) UpdateAlarm(ctx context.Context, alarm *models.Notification, expectedStatus models.AlarmStatus) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.Notification{}).
		Where("tenant_id = ? AND id = ? AND alarm_status = ?", tenantId, alarm.ID, expectedStatus).
		Updates(map[string]interface{}{
			"alarm_status":   alarm.AlarmStatus,
			"appeal_reason":  alarm.AppealReason,
			"appealed_at":    alarm.AppealedAt,
			"review_comment": alarm.ReviewComment,
			"resolved_by":    alarm.ResolvedBy,
			"resolved_at":    alarm.ResolvedAt,
			"resolution":     alarm.Resolution,
			"entry_id":       alarm.EntryId,
		})
	return casResult(res)
}

func (s *GormStore) ListNotifications(ctx context.Context, recipientId int, unreadOnly bool, limit int) ([]*models.Notification, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("tenant_id = ? AND recipient_id = ?", tenantId, recipientId)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var notifications []*models.Notification
	if err := q.Order("created_at DESC, id DESC").Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *GormStore) MarkNotificationRead(ctx context.Context, recipientId int, id int) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.Notification{}).
		Where("tenant_id = ? AND recipient_id = ? AND id = ?", tenantId, recipientId, id).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// users

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	user.TenantId = tenantId
	return translateErr(db.Create(user).Error)
}

func (s *GormStore) GetUser(ctx context.Context, id int) (*models.User, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&user).Error; err != nil {
		return nil, translateErr(err)
	}
	return &user, nil
}

func (s *GormStore) ListUsers(ctx context.Context, roles ...models.UserRole) ([]*models.User, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("tenant_id = ? AND is_active = ?", tenantId, true)
	if len(roles) > 0 {
		q = q.Where("role IN ?", roles)
	}
	var users []*models.User
	if err := q.Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *GormStore) ListTenants(ctx context.Context) ([]string, error) {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var tenants []string
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("is_active = ?", true).
		Distinct("tenant_id").
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func (s *GormStore) SetTimesheetLock(ctx context.Context, userIds []int, locked bool, by int, at time.Time) (int, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	updates := map[string]interface{}{
		"is_timesheet_locked": locked,
		"timesheet_locked_by": 0,
		"timesheet_locked_at": nil,
	}
	if locked {
		updates["timesheet_locked_by"] = by
		updates["timesheet_locked_at"] = at
	}
	res := db.Model(&models.User{}).Where("tenant_id = ? AND id IN ?", tenantId, userIds).Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) AddViolations(ctx context.Context, userId int, delta int) (int, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Model(&models.User{}).
		Where("tenant_id = ? AND id = ?", tenantId, userId).
		Update("violation_count", gorm.Expr("violation_count + ?", delta))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, utils.ErrorRecordNotFound
	}
	var count int
	if err := db.Model(&models.User{}).Where("tenant_id = ? AND id = ?", tenantId, userId).
		Pluck("violation_count", &count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *GormStore) ResetViolations(ctx context.Context, userId int) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.User{}).Where("tenant_id = ? AND id = ?", tenantId, userId).Update("violation_count", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// projects

func (s *GormStore) CreateProject(ctx context.Context, project *models.Project) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	project.TenantId = tenantId
	return translateErr(db.Create(project).Error)
}

func (s *GormStore) GetProject(ctx context.Context, id int) (*models.Project, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var project models.Project
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&project).Error; err != nil {
		return nil, translateErr(err)
	}
	return &project, nil
}

func (s *GormStore) CreateMilestone(ctx context.Context, milestone *models.Milestone) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	milestone.TenantId = tenantId
	return translateErr(db.Create(milestone).Error)
}

func (s *GormStore) GetMilestone(ctx context.Context, id int) (*models.Milestone, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var milestone models.Milestone
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&milestone).Error; err != nil {
		return nil, translateErr(err)
	}
	return &milestone, nil
}

func (s *GormStore) CreateTask(ctx context.Context, task *models.Task) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	task.TenantId = tenantId
	return translateErr(db.Create(task).Error)
}

func (s *GormStore) GetTask(ctx context.Context, id int) (*models.Task, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&task).Error; err != nil {
		return nil, translateErr(err)
	}
	return &task, nil
}

func (s *GormStore) ListOverdueTasks(ctx context.Context, userId int, day time.Time) ([]*models.Task, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var tasks []*models.Task
	err = db.Where("tenant_id = ? AND assignee_id = ? AND status <> ? AND due_date IS NOT NULL AND due_date < ?",
		tenantId, userId, models.TaskStatusDone, utils.NormalizeDate(day)).
		Order("due_date ASC, id ASC").Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *GormStore) AddProjectMember(ctx context.Context, member *models.ProjectMember) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	member.TenantId = tenantId
	return translateErr(db.Create(member).Error)
}

func (s *GormStore) ListProjectMembers(ctx context.Context, projectId int) ([]*models.ProjectMember, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var members []*models.ProjectMember
	if err := db.Where("tenant_id = ? AND project_id = ?", tenantId, projectId).Order("id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (s *GormStore) ListMemberships(ctx context.Context, userId int) ([]*models.ProjectMember, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var members []*models.ProjectMember
	if err := db.Where("tenant_id = ? AND user_id = ?", tenantId, userId).Order("id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// outbox

func (s *GormStore) CreateOutbox(ctx context.Context, record *models.OutboxRecord) error {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return err
	}
	record.TenantId = tenantId
	if record.Status == "" {
		record.Status = models.OutboxStatusPending
	}
	return translateErr(db.Create(record).Error)
}

func (s *GormStore) GetOutbox(ctx context.Context, id int) (*models.OutboxRecord, error) {
	db, tenantId, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	var record models.OutboxRecord
	if err := db.Where("tenant_id = ? AND id = ?", tenantId, id).First(&record).Error; err != nil {
		return nil, translateErr(err)
	}
	return &record, nil
}

func (s *GormStore) ClaimOutbox(ctx context.Context, workerId string, now, staleBefore time.Time, limit, maxAttempts int) ([]*models.OutboxRecord, error) {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var claimed []*models.OutboxRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING with a stale lock (dispatcher died mid-batch)
		var candidates []*models.OutboxRecord
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxStatusPending, models.OutboxStatusFailed}, now, models.OutboxStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		for _, rec := range candidates {
			if maxAttempts > 0 && rec.Attempts >= maxAttempts {
				msg := deadMessage(maxAttempts)
				if err := tx.Model(&models.OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
					"status":          models.OutboxStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			rec.Status = models.OutboxStatusProcessing
			rec.LockedAt = &now
			rec.LockedBy = &workerId
			rec.Attempts++
			rec.LastError = nil
			if err := tx.Model(&models.OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"status":          rec.Status,
				"locked_at":       rec.LockedAt,
				"locked_by":       rec.LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
			claimed = append(claimed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id int, messageId string, at time.Time) error {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	return s.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusSent,
			"sent_at":         &at,
			"message_id":      &messageId,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

func (s *GormStore) MarkOutboxFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	status := models.OutboxStatusFailed
	if dead {
		status = models.OutboxStatusDead
		nextAttemptAt = nil
	}
	return s.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"last_error":      &errMsg,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}
