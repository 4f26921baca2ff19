package models

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID                int        `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"size:64;index;not null" json:"tenant_id"`
	Name              string     `gorm:"size:100;not null" json:"name"`
	Email             *string    `gorm:"size:100" json:"email"`
	Role              UserRole   `gorm:"size:20;not null;default:member" json:"role"`
	IsActive          *bool      `gorm:"not null;default:true" json:"is_active"`
	Timezone          string     `gorm:"size:64" json:"timezone"`
	IsTimesheetLocked bool       `gorm:"not null;default:false" json:"is_timesheet_locked"`
	TimesheetLockedBy int        `json:"timesheet_locked_by"`
	TimesheetLockedAt *time.Time `json:"timesheet_locked_at"`
	ViolationCount    int        `gorm:"not null;default:0" json:"violation_count"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	User:$tenantId:$userId
*/

func UserCacheKey(tenantId string, userId int) string {
	return "User:" + tenantId + ":" + strconv.Itoa(userId)
}

func (user User) CacheKey() string {
	return UserCacheKey(user.TenantId, user.ID)
}

func (user User) Active() bool {
	return user.IsActive == nil || *user.IsActive
}

func (user User) IsTenantApprover() bool {
	return user.Role.IsTenantApprover()
}

// CanAppeal is limited to individual contributors.
func (user User) CanAppeal() bool {
	return user.Role == UserRoleMember
}

func (user *User) BeforeCreate(tx *gorm.DB) error {
	verr := &ValidationError{}
	user.Name = strings.TrimSpace(user.Name)
	if user.Name == "" {
		verr.Add("name", "is required")
	}
	if user.Role == "" {
		user.Role = UserRoleMember
	}
	var role UserRole
	if err := role.UnmarshalText([]byte(user.Role)); err != nil {
		verr.Add("role", err.Error())
	}
	if user.Timezone != "" {
		if _, err := time.LoadLocation(user.Timezone); err != nil {
			verr.Add("timezone", "unknown time zone "+user.Timezone)
		}
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}
