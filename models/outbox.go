package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/timesheet_backend/config"
	"gorm.io/gorm"
)

// Outbox statuses for OutboxRecord.Status. Kept as strings (DB values).
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSent       = "SENT"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

// OutboxRecord is written in the same transaction as the change it describes
// and published after commit by the dispatcher.
type OutboxRecord struct {
	ID            int              `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	TenantId      string           `gorm:"size:64;not null;index" json:"tenant_id"`
	Channel       OutboxChannel    `gorm:"size:20;not null" json:"channel"`
	RecipientId   int              `json:"recipient_id"`
	Kind          NotificationKind `gorm:"size:40" json:"kind"`
	ReferenceId   int              `gorm:"index" json:"reference_id"`
	Payload       []byte           `gorm:"type:blob" json:"payload"`
	CorrelationId string           `gorm:"size:64;index" json:"correlation_id"`
	Status        string           `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	Attempts      int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time       `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time       `gorm:"index" json:"locked_at"`
	LockedBy      *string          `gorm:"size:100" json:"locked_by"`
	LastError     *string          `gorm:"type:text" json:"last_error"`
	MessageId     *string          `gorm:"size:255" json:"message_id"`
	SentAt        *time.Time       `gorm:"index" json:"sent_at"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewOutboxRecord(tenantId string, channel OutboxChannel, recipientId int, kind NotificationKind, referenceId int, payload interface{}, correlationId string) (*OutboxRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxRecord{
		TenantId:      tenantId,
		Channel:       channel,
		RecipientId:   recipientId,
		Kind:          kind,
		ReferenceId:   referenceId,
		Payload:       body,
		CorrelationId: correlationId,
		Status:        OutboxStatusPending,
	}, nil
}

func (record *OutboxRecord) BeforeCreate(tx *gorm.DB) error {
	switch record.Channel {
	case OutboxChannelNotify, OutboxChannelEmail, OutboxChannelBillingSync:
	default:
		return NewValidationError("channel", "unknown outbox channel "+string(record.Channel))
	}
	if record.Status == "" {
		record.Status = OutboxStatusPending
	}
	return nil
}

func ConvertToPubSubMessage(record OutboxRecord) config.PubSubMessage {
	return config.PubSubMessage{
		OutboxId:      record.ID,
		TenantId:      record.TenantId,
		Channel:       string(record.Channel),
		RecipientId:   record.RecipientId,
		Kind:          string(record.Kind),
		ReferenceId:   record.ReferenceId,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}
