package models

import (
	"errors"
	"fmt"
)

type EntryStatus string

const (
	EntryStatusDraft        EntryStatus = "draft"
	EntryStatusPendingPM    EntryStatus = "pending_pm"
	EntryStatusPendingAdmin EntryStatus = "pending_admin"
	EntryStatusApproved     EntryStatus = "approved"
	EntryStatusRejected     EntryStatus = "rejected"

	// EntryStatusSubmitted is the flat status written by older clients.
	// It is read as pending_pm or pending_admin depending on who acts on it.
	EntryStatusSubmitted EntryStatus = "submitted"
)

var AllEntryStatuses = []EntryStatus{
	EntryStatusDraft, EntryStatusSubmitted, EntryStatusPendingPM, EntryStatusPendingAdmin,
	EntryStatusApproved, EntryStatusRejected,
}

func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusApproved || s == EntryStatusRejected
}

func (s EntryStatus) IsPending() bool {
	return s == EntryStatusPendingPM || s == EntryStatusPendingAdmin || s == EntryStatusSubmitted
}

// CountsTowardTarget reports whether the entry's minutes count for the daily logging target.
func (s EntryStatus) CountsTowardTarget() bool {
	return s != EntryStatusRejected && s != ""
}

type EntryAction string

const (
	EntryActionSubmit  EntryAction = "submit"
	EntryActionApprove EntryAction = "approve"
	EntryActionReject  EntryAction = "reject"
)

var AllEntryActions = []EntryAction{EntryActionSubmit, EntryActionApprove, EntryActionReject}

// UserRole is the tenant-wide role of a user.
type UserRole string

const (
	UserRoleMember         UserRole = "member"
	UserRoleProjectManager UserRole = "project_manager"
	UserRoleOwner          UserRole = "owner"
	UserRoleAdmin          UserRole = "admin"
	UserRoleSuperAdmin     UserRole = "super_admin"
)

// IsTenantApprover is true for the roles that issue final decisions.
func (r UserRole) IsTenantApprover() bool {
	return r == UserRoleOwner || r == UserRoleAdmin || r == UserRoleSuperAdmin
}

func (r *UserRole) UnmarshalText(b []byte) error {
	userRole := map[string]UserRole{
		"member":          UserRoleMember,
		"project_manager": UserRoleProjectManager,
		"owner":           UserRoleOwner,
		"admin":           UserRoleAdmin,
		"super_admin":     UserRoleSuperAdmin,
	}
	v, ok := userRole[string(b)]
	if !ok {
		return errors.New("invalid user role")
	}
	*r = v
	return nil
}

// ActorRole is the role an actor holds toward one particular entry.
type ActorRole string

const (
	ActorRoleSelf           ActorRole = "self"
	ActorRoleSelfApprover   ActorRole = "self_approver"
	ActorRoleProjectManager ActorRole = "project_manager"
	ActorRoleApprover       ActorRole = "owner_admin"
)

type WorkType string

const (
	WorkTypeDevelopment WorkType = "development"
	WorkTypeQA          WorkType = "qa"
	WorkTypeRework      WorkType = "rework"
	WorkTypeBug         WorkType = "bug"
	WorkTypeMeeting     WorkType = "meeting"
	WorkTypeSupport     WorkType = "support"
	WorkTypeIdle        WorkType = "idle"
	WorkTypeOvertime    WorkType = "overtime"
	WorkTypeOther       WorkType = "other"
)

var workTypes = map[string]WorkType{
	"development": WorkTypeDevelopment,
	"qa":          WorkTypeQA,
	"rework":      WorkTypeRework,
	"bug":         WorkTypeBug,
	"meeting":     WorkTypeMeeting,
	"support":     WorkTypeSupport,
	"idle":        WorkTypeIdle,
	"overtime":    WorkTypeOvertime,
	"other":       WorkTypeOther,
}

func (w WorkType) IsValid() bool {
	_, ok := workTypes[string(w)]
	return ok
}

// RequiresRemark lists the work types that must explain themselves.
func (w WorkType) RequiresRemark() bool {
	return w == WorkTypeRework || w == WorkTypeBug || w == WorkTypeOvertime
}

func (w *WorkType) UnmarshalText(b []byte) error {
	v, ok := workTypes[string(b)]
	if !ok {
		return fmt.Errorf("invalid work type %q", string(b))
	}
	*w = v
	return nil
}

type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusOnHold    ProjectStatus = "on_hold"
	ProjectStatusCompleted ProjectStatus = "completed"
)

type MilestoneStatus string

const (
	MilestoneStatusOpen      MilestoneStatus = "open"
	MilestoneStatusCompleted MilestoneStatus = "completed"
)

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

type MemberRole string

const (
	MemberRoleManager MemberRole = "manager"
	MemberRoleMember  MemberRole = "member"
)

type NotificationKind string

const (
	// alarm kinds
	NotificationKindMissingEntry  NotificationKind = "missing_entry"
	NotificationKindIncompleteDay NotificationKind = "incomplete_day"
	NotificationKindTaskDelay     NotificationKind = "task_delay"
	NotificationKindLockout       NotificationKind = "lockout"

	// informational kinds
	NotificationKindTimesheetSubmitted     NotificationKind = "timesheet_submitted"
	NotificationKindTimesheetPendingReview NotificationKind = "timesheet_pending_review"
	NotificationKindTimesheetForwarded     NotificationKind = "timesheet_forwarded"
	NotificationKindTimesheetApproved      NotificationKind = "timesheet_approved"
	NotificationKindTimesheetRejected      NotificationKind = "timesheet_rejected"
	NotificationKindTimesheetFinalDecision NotificationKind = "timesheet_final_decision"
	NotificationKindAlarmRaised            NotificationKind = "alarm_raised"
	NotificationKindAppealSubmitted        NotificationKind = "appeal_submitted"
	NotificationKindAppealApproved         NotificationKind = "appeal_approved"
	NotificationKindAppealRejected         NotificationKind = "appeal_rejected"
	NotificationKindAlarmResolved          NotificationKind = "alarm_resolved"
	NotificationKindAuditLockChanged       NotificationKind = "audit_lock_changed"
)

func (k NotificationKind) IsAlarm() bool {
	switch k {
	case NotificationKindMissingEntry, NotificationKindIncompleteDay, NotificationKindTaskDelay, NotificationKindLockout:
		return true
	}
	return false
}

// IsGapAlarm is true for the alarms a qualifying entry can clear.
func (k NotificationKind) IsGapAlarm() bool {
	return k == NotificationKindMissingEntry || k == NotificationKindIncompleteDay
}

type AlarmStatus string

const (
	AlarmStatusNone     AlarmStatus = ""
	AlarmStatusOpen     AlarmStatus = "OPEN"
	AlarmStatusAppealed AlarmStatus = "APPEALED"
	AlarmStatusResolved AlarmStatus = "RESOLVED"
)

func (s AlarmStatus) IsOutstanding() bool {
	return s == AlarmStatusOpen || s == AlarmStatusAppealed
}

type AlarmSeverity string

const (
	AlarmSeverityNormal AlarmSeverity = "normal"
	AlarmSeverityHigh   AlarmSeverity = "high"
)

type AlarmResolution string

const (
	AlarmResolutionGapFilled      AlarmResolution = "gap_filled"
	AlarmResolutionAppealApproved AlarmResolution = "appeal_approved"
	AlarmResolutionReviewer       AlarmResolution = "reviewer"
)

type OutboxChannel string

const (
	OutboxChannelNotify      OutboxChannel = "notify"
	OutboxChannelEmail       OutboxChannel = "email"
	OutboxChannelBillingSync OutboxChannel = "billing_sync"
)
