package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Project struct {
	ID         int             `gorm:"primary_key" json:"id"`
	TenantId   string          `gorm:"size:64;index;not null" json:"tenant_id"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Status     ProjectStatus   `gorm:"size:20;not null;default:active" json:"status"`
	IsBillable bool            `gorm:"not null;default:false" json:"is_billable"`
	HourlyRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"hourly_rate"`
	Currency   string          `gorm:"size:3" json:"currency"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Project) IsSettled() bool {
	return p.Status == ProjectStatusCompleted
}

type Milestone struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"size:64;index;not null" json:"tenant_id"`
	ProjectId int             `gorm:"index;not null" json:"project_id"`
	Name      string          `gorm:"size:255" json:"name"`
	Status    MilestoneStatus `gorm:"size:20;not null;default:open" json:"status"`
}

func (m *Milestone) IsSettled() bool {
	return m.Status == MilestoneStatusCompleted
}

type Task struct {
	ID          int        `gorm:"primary_key" json:"id"`
	TenantId    string     `gorm:"size:64;index;not null" json:"tenant_id"`
	ProjectId   int        `gorm:"index;not null" json:"project_id"`
	MilestoneId int        `gorm:"index" json:"milestone_id"`
	AssigneeId  int        `gorm:"index" json:"assignee_id"`
	Name        string     `gorm:"size:255" json:"name"`
	DueDate     *time.Time `gorm:"type:date" json:"due_date"`
	Status      TaskStatus `gorm:"size:20;not null;default:open" json:"status"`
}

// IsOverdue reports whether the task was due strictly before today and is still open.
func (t *Task) IsOverdue(today time.Time) bool {
	return t.DueDate != nil && t.Status != TaskStatusDone && t.DueDate.Before(today)
}

type ProjectMember struct {
	ID        int        `gorm:"primary_key" json:"id"`
	TenantId  string     `gorm:"size:64;index;not null;uniqueIndex:uniq_project_member,priority:1" json:"tenant_id"`
	ProjectId int        `gorm:"not null;uniqueIndex:uniq_project_member,priority:2" json:"project_id"`
	UserId    int        `gorm:"not null;index;uniqueIndex:uniq_project_member,priority:3" json:"user_id"`
	Role      MemberRole `gorm:"size:20;not null;default:member" json:"role"`
}
