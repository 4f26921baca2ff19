package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mmdatafocus/timesheet_backend/workflow"

// Service wires the timesheet lifecycle components to their collaborators.
// Every operation reads the acting tenant and user from ctx (utils.WithActor).
type Service struct {
	Store     store.Store
	Directory Directory
	Geo       Geolocator
	Policy    config.Policy
	Logger    *logrus.Logger
	Tracer    trace.Tracer
	// Locker is optional; without it per-user locks are skipped.
	Locker *redislock.Client
	Now    func() time.Time

	Timesheets  *TimesheetWorkflow
	Timer       *TimerWorkflow
	AuditLocks  *AuditLockWorkflow
	Enforcement *EnforcementWorkflow
	Fanout      *NotificationFanout
}

func NewService(st store.Store, policy config.Policy, logger *logrus.Logger) *Service {
	s := &Service{
		Store:     st,
		Directory: NewStoreDirectory(st),
		Geo:       ContextGeolocator{},
		Policy:    policy,
		Logger:    logger,
		Tracer:    otel.Tracer(tracerName),
		Now:       time.Now,
	}
	s.Timesheets = &TimesheetWorkflow{s: s}
	s.Timer = &TimerWorkflow{s: s}
	s.AuditLocks = &AuditLockWorkflow{s: s}
	s.Enforcement = &EnforcementWorkflow{s: s}
	s.Fanout = &NotificationFanout{s: s}
	return s
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := s.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, name)
	if tenantId, ok := utils.GetTenantIdFromContext(ctx); ok {
		span.SetAttributes(attribute.String("tenant.id", tenantId))
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		span.SetAttributes(attribute.Int("user.id", userId))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// dir returns the directory bound to st, so reads inside a transaction see its writes.
func (s *Service) dir(st store.Store) Directory {
	if b, ok := s.Directory.(storeBinder); ok && st != nil {
		return b.WithStore(st)
	}
	return s.Directory
}

// actor is the authenticated user an operation runs as.
type actor struct {
	TenantId      string
	User          *models.User
	CorrelationId string
}

func (a *actor) Id() int { return a.User.ID }

func (a *actor) IsApprover() bool { return a.User.IsTenantApprover() }

func (s *Service) resolveActor(ctx context.Context, st store.Store) (*actor, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, models.ErrTenantRequired
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId <= 0 {
		return nil, utils.ErrorUserRequired
	}
	user, err := s.dir(st).User(ctx, userId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}
	if !user.Active() {
		return nil, models.ErrForbidden
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	return &actor{TenantId: tenantId, User: user, CorrelationId: correlationId}, nil
}

func (s *Service) loadUser(ctx context.Context, st store.Store, userId int) (*models.User, error) {
	user, err := st.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// checkAuditLock refuses an owner's own mutation while their timesheet is audit locked.
// Tenant owners and admins pass so they can make corrective edits.
func (s *Service) checkAuditLock(owner *models.User, a *actor) error {
	if !owner.IsTimesheetLocked || a.IsApprover() {
		return nil
	}
	return &models.BlockedError{
		Cause:    models.ErrAuditLocked,
		Reason:   "the timesheet of " + owner.Name + " is locked for audit",
		NextStep: "ask a tenant owner or admin to lift the audit lock or to make the change for you",
	}
}

// workTarget is the project context an entry or session is logged against.
type workTarget struct {
	Project   *models.Project
	Task      *models.Task
	Milestone *models.Milestone
}

// resolveWorkTarget checks that project, task and milestone exist and belong together,
// and that none of them is settled.
func (s *Service) resolveWorkTarget(ctx context.Context, st store.Store, projectId, taskId, milestoneId int) (*workTarget, error) {
	verr := &models.ValidationError{}
	project, err := st.GetProject(ctx, projectId)
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
		verr.Add("project_id", "project not found")
		return nil, verr
	}
	task, err := st.GetTask(ctx, taskId)
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
		verr.Add("task_id", "task not found")
		return nil, verr
	}
	if task.ProjectId != project.ID {
		verr.Add("task_id", "task does not belong to the project")
		return nil, verr
	}
	if milestoneId == 0 {
		milestoneId = task.MilestoneId
	}
	target := &workTarget{Project: project, Task: task}
	if milestoneId > 0 {
		milestone, err := st.GetMilestone(ctx, milestoneId)
		if err != nil {
			if !errors.Is(err, utils.ErrorRecordNotFound) {
				return nil, err
			}
			verr.Add("milestone_id", "milestone not found")
			return nil, verr
		}
		if milestone.ProjectId != project.ID {
			verr.Add("milestone_id", "milestone does not belong to the project")
			return nil, verr
		}
		target.Milestone = milestone
	}
	if project.IsSettled() {
		return nil, &models.BlockedError{
			Cause:    models.ErrBlockedByLock,
			Reason:   "project " + project.Name + " is completed",
			NextStep: "log the time against an active project",
		}
	}
	if target.Milestone != nil && target.Milestone.IsSettled() {
		return nil, &models.BlockedError{
			Cause:    models.ErrBlockedByLock,
			Reason:   "milestone " + target.Milestone.Name + " is completed",
			NextStep: "log the time against an open milestone",
		}
	}
	return target, nil
}

func (t *workTarget) MilestoneId() int {
	if t.Milestone == nil {
		return 0
	}
	return t.Milestone.ID
}

// outstandingAlarms lists the OPEN and APPEALED alarms of userId.
func (s *Service) outstandingAlarms(ctx context.Context, st store.Store, userId int) ([]*models.Notification, error) {
	return st.ListAlarms(ctx, models.AlarmFilter{
		RecipientId: userId,
		Statuses:    []models.AlarmStatus{models.AlarmStatusOpen, models.AlarmStatusAppealed},
	})
}

func (s *Service) userLocation(user *models.User) *time.Location {
	if user != nil && user.Timezone != "" {
		return utils.LoadLocation(user.Timezone)
	}
	return utils.LoadLocation(s.Policy.DefaultTimezone)
}

// validateInput runs struct tag validation and reports failures as a ValidationError.
func validateInput(input any) error {
	err := utils.ValidateStruct(input)
	if err == nil {
		return nil
	}
	fields := utils.ProcessValidationErrors(err)
	if len(fields) == 0 {
		return &models.ValidationError{Fields: map[string]string{"input": err.Error()}}
	}
	verr := &models.ValidationError{}
	for field, tag := range fields {
		verr.Add(field, "failed "+tag)
	}
	return verr
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return models.NewValidationError(field, "required")
	}
	return nil
}

func (s *Service) logError(funcName, context string, data any, err error) {
	config.LogError(s.Logger, "workflow", funcName, context, data, err)
}

func (s *Service) invalidateUsers(ctx context.Context, tenantId string, userIds ...int) {
	keys := make([]string, 0, len(userIds))
	for _, id := range userIds {
		keys = append(keys, models.UserCacheKey(tenantId, id))
	}
	if len(keys) == 0 {
		return
	}
	if err := config.RemoveRedisKey(ctx, keys...); err != nil {
		s.logError("invalidateUsers", "RemoveRedisKey", keys, err)
	}
}
