package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const MaxEntryMinutes = 24 * 60

type TimesheetEntry struct {
	ID                int             `gorm:"primary_key" json:"id"`
	TenantId          string          `gorm:"size:64;index:idx_entry_owner_date,priority:1;not null" json:"tenant_id"`
	UserId            int             `gorm:"index:idx_entry_owner_date,priority:2;not null" json:"user_id"`
	EntryDate         time.Time       `gorm:"type:date;index:idx_entry_owner_date,priority:3;not null" json:"entry_date"`
	ProjectId         int             `gorm:"index;not null" json:"project_id"`
	TaskId            int             `gorm:"index;not null" json:"task_id"`
	StoryId           int             `json:"story_id"`
	SprintId          int             `json:"sprint_id"`
	MilestoneId       int             `gorm:"index" json:"milestone_id"`
	DurationMinutes   int             `gorm:"not null" json:"duration_minutes"`
	WorkType          WorkType        `gorm:"size:20;not null" json:"work_type"`
	IsBillable        bool            `gorm:"not null;default:false" json:"is_billable"`
	HourlyRate        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"hourly_rate"`
	Currency          string          `gorm:"size:3" json:"currency"`
	Remark            string          `gorm:"type:text" json:"remark"`
	Status            EntryStatus     `gorm:"size:20;index;not null;default:draft" json:"status"`
	RejectionReason   string          `gorm:"type:text" json:"rejection_reason"`
	IsLocked          bool            `gorm:"not null;default:false" json:"is_locked"`
	CreatedUnderAlarm bool            `gorm:"not null;default:false" json:"created_under_alarm"`
	ClockSessionId    int             `gorm:"index" json:"clock_session_id"`
	LastModifiedBy    int             `json:"last_modified_by"`
	LastModifiedAt    time.Time       `json:"last_modified_at"`
	ApprovedBy        int             `json:"approved_by"`
	ApprovedAt        *time.Time      `json:"approved_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTimesheetEntry struct {
	// UserId is the owner when an admin/owner logs time on someone's behalf; 0 means the caller.
	UserId          int       `json:"user_id" validate:"gte=0"`
	EntryDate       time.Time `json:"entry_date" validate:"required"`
	ProjectId       int       `json:"project_id" validate:"required,gt=0"`
	TaskId          int       `json:"task_id" validate:"required,gt=0"`
	StoryId         int       `json:"story_id" validate:"gte=0"`
	SprintId        int       `json:"sprint_id" validate:"gte=0"`
	MilestoneId     int       `json:"milestone_id" validate:"gte=0"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,gt=0,lte=1440"`
	WorkType        WorkType  `json:"work_type" validate:"required"`
	IsBillable      *bool     `json:"is_billable"`
	Remark          string    `json:"remark" validate:"max=2000"`
}

// ApprovalEdits are the adjustments an approver may make right before approving.
type ApprovalEdits struct {
	DurationMinutes *int  `json:"duration_minutes" validate:"omitempty,gt=0,lte=1440"`
	IsBillable      *bool `json:"is_billable"`
}

func (e ApprovalEdits) IsEmpty() bool {
	return e.DurationMinutes == nil && e.IsBillable == nil
}

// RemarkRequired reports whether this entry must carry a non-empty remark.
func (e *TimesheetEntry) RemarkRequired() bool {
	return e.WorkType.RequiresRemark() || e.CreatedUnderAlarm
}

// CheckInvariants validates the stored shape of an entry before it is written.
func (e *TimesheetEntry) CheckInvariants() error {
	verr := &ValidationError{}
	if e.ProjectId <= 0 {
		verr.Add("project_id", "required")
	}
	if e.TaskId <= 0 {
		verr.Add("task_id", "required")
	}
	if e.DurationMinutes <= 0 || e.DurationMinutes > MaxEntryMinutes {
		verr.Add("duration_minutes", "must be between 1 and 1440")
	}
	if !e.WorkType.IsValid() {
		verr.Add("work_type", "invalid")
	}
	if e.RemarkRequired() && strings.TrimSpace(e.Remark) == "" {
		if e.CreatedUnderAlarm {
			verr.Add("remark", "required while an enforcement alarm is open")
		} else {
			verr.Add("remark", "required for "+string(e.WorkType)+" entries")
		}
	}
	if e.Status == EntryStatusApproved && !e.IsLocked {
		verr.Add("is_locked", "approved entries must be locked")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// Amount is the billable value of the entry at its snapshot rate.
func (e *TimesheetEntry) Amount() decimal.Decimal {
	if !e.IsBillable {
		return decimal.Zero
	}
	return e.HourlyRate.Mul(decimal.NewFromInt(int64(e.DurationMinutes))).Div(decimal.NewFromInt(60)).Round(2)
}

// EntryFilter narrows ListEntries. Zero values mean "any".
type EntryFilter struct {
	UserId    int
	ProjectId int
	Statuses  []EntryStatus
	FromDate  *time.Time
	ToDate    *time.Time
	Limit     int
}

// BeforeSave refuses to persist an entry that breaks CheckInvariants.
func (e *TimesheetEntry) BeforeSave(tx *gorm.DB) error {
	return e.CheckInvariants()
}
