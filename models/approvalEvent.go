package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type ApprovalEvent struct {
	ID              int         `gorm:"primary_key" json:"id"`
	TenantId        string      `gorm:"size:64;index;not null" json:"tenant_id"`
	EntryId         int         `gorm:"index:idx_event_entry_acted,priority:1;not null" json:"entry_id"`
	ActorId         int         `gorm:"not null" json:"actor_id"`
	ActorRole       ActorRole   `gorm:"size:20;not null" json:"actor_role"`
	Action          EntryAction `gorm:"size:20;not null" json:"action"`
	FromStatus      EntryStatus `gorm:"size:20;not null" json:"from_status"`
	ResultingStatus EntryStatus `gorm:"size:20;not null" json:"resulting_status"`
	Comment         string      `gorm:"type:text" json:"comment"`
	ActedAt         time.Time   `gorm:"index:idx_event_entry_acted,priority:2;not null" json:"acted_at"`
}

func (e *ApprovalEvent) BeforeUpdate(tx *gorm.DB) error {
	return fmt.Errorf("%w: approval_events cannot be updated", ErrImmutableEvent)
}

func (e *ApprovalEvent) BeforeDelete(tx *gorm.DB) error {
	return fmt.Errorf("%w: approval_events cannot be deleted", ErrImmutableEvent)
}
