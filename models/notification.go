package models

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/timesheet_backend/utils"
	"gorm.io/gorm"
)

// Notification is an in-app message. With an alarm kind it is also an enforcement alarm
// and carries the OPEN/APPEALED/RESOLVED lifecycle.
type Notification struct {
	ID          int              `gorm:"primary_key" json:"id"`
	TenantId    string           `gorm:"size:64;not null;index:idx_notification_recipient,priority:1;uniqueIndex:uniq_alarm_gap,priority:1" json:"tenant_id"`
	RecipientId int              `gorm:"not null;index:idx_notification_recipient,priority:2;uniqueIndex:uniq_alarm_gap,priority:2" json:"recipient_id"`
	Kind        NotificationKind `gorm:"size:40;not null;uniqueIndex:uniq_alarm_gap,priority:3" json:"kind"`
	// GapKey is nil for informational notifications so they never collide on the unique index.
	GapKey        *string         `gorm:"size:64;uniqueIndex:uniq_alarm_gap,priority:4" json:"gap_key"`
	Title         string          `gorm:"size:255" json:"title"`
	Message       string          `gorm:"type:text" json:"message"`
	AlarmStatus   AlarmStatus     `gorm:"size:20;index" json:"alarm_status"`
	Severity      AlarmSeverity   `gorm:"size:20" json:"severity"`
	GapDate       *time.Time      `gorm:"type:date" json:"gap_date"`
	TaskId        int             `json:"task_id"`
	EntryId       int             `json:"entry_id"`
	AppealReason  string          `gorm:"type:text" json:"appeal_reason"`
	AppealedAt    *time.Time      `json:"appealed_at"`
	ReviewComment string          `gorm:"type:text" json:"review_comment"`
	ResolvedBy    int             `json:"resolved_by"`
	ResolvedAt    *time.Time      `json:"resolved_at"`
	Resolution    AlarmResolution `gorm:"size:20" json:"resolution"`
	IsRead        bool            `gorm:"not null;default:false" json:"is_read"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate keeps the alarm columns consistent with Kind.
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.IsAlarm() {
		if n.GapKeyValue() == "" {
			return NewValidationError("gap_key", "is required for "+string(n.Kind))
		}
		if n.AlarmStatus == "" {
			return NewValidationError("alarm_status", "is required for "+string(n.Kind))
		}
		return nil
	}
	if n.GapKey != nil || n.AlarmStatus != "" {
		return NewValidationError("kind", string(n.Kind)+" is not an alarm")
	}
	return nil
}

func (n *Notification) IsAlarm() bool {
	return n.Kind.IsAlarm()
}

func (n *Notification) IsOutstanding() bool {
	return n.IsAlarm() && n.AlarmStatus.IsOutstanding()
}

func (n *Notification) GapKeyValue() string {
	return utils.DereferencePtr(n.GapKey, "")
}

func DateGapKey(date time.Time) string {
	return date.Format(utils.DateLayout)
}

func TaskGapKey(taskId int) string {
	return fmt.Sprintf("task:%d", taskId)
}

func LockoutGapKey(violations int) string {
	return fmt.Sprintf("lockout:%d", violations)
}

// NextStep tells the recipient how an outstanding alarm can be cleared.
func (n *Notification) NextStep() string {
	switch n.Kind {
	case NotificationKindMissingEntry, NotificationKindIncompleteDay:
		if n.AlarmStatus == AlarmStatusAppealed {
			return "wait for a reviewer to decide the appeal, or log the missing hours for " + n.GapKeyValue()
		}
		return "log the missing hours for " + n.GapKeyValue() + " or appeal the alarm"
	case NotificationKindTaskDelay:
		if n.AlarmStatus == AlarmStatusAppealed {
			return "wait for a reviewer to decide the appeal"
		}
		return "update the overdue task or appeal the alarm"
	case NotificationKindLockout:
		return "ask a project manager or admin to review the lockout"
	}
	return ""
}

// AlarmFilter narrows alarm listings. Zero values mean "any".
type AlarmFilter struct {
	RecipientId int
	Kinds       []NotificationKind
	Statuses    []AlarmStatus
	GapKey      string
}
