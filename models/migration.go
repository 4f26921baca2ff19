package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates this module's own tables.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Project{}, &Milestone{}, &Task{}, &ProjectMember{},
		&TimesheetEntry{}, &ClockSession{}, &ApprovalEvent{},
		&Notification{},
		&OutboxRecord{},
	)
}
