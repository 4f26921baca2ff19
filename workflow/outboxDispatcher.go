package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/sirupsen/logrus"
)

// Notifier delivers one in-app or email notification and returns the transport message id.
type Notifier interface {
	Notify(ctx context.Context, recipientId int, kind models.NotificationKind, msg config.PubSubMessage) (string, error)
}

// BillingSync hands approved billable time to the billing collaborator.
type BillingSync interface {
	SyncBillable(ctx context.Context, entryId int, msg config.PubSubMessage) (string, error)
}

type OutboxDispatcher struct {
	Store        store.Store
	Notifier     Notifier
	Emailer      Notifier
	Billing      BillingSync
	Logger       *logrus.Logger
	DispatcherID string
	Now          func() time.Time

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(st store.Store, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Store:          st,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		Now:            time.Now,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch of due records and delivers them. It returns the number
// of records delivered successfully.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Store == nil {
		return 0
	}
	now := d.now()
	staleBefore := now.Add(-d.LockTimeout)

	// Eligible:
	// - PENDING / FAILED and ready to retry
	// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
	claimed, err := d.Store.ClaimOutbox(ctx, d.DispatcherID, now, staleBefore, d.BatchSize, d.MaxAttempts)
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "ClaimOutbox", d.DispatcherID, err)
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		messageId, deliverErr := d.deliver(ctx, rec)
		if deliverErr != nil {
			d.markFailed(ctx, rec, deliverErr)
			continue
		}
		if err := d.Store.MarkOutboxSent(ctx, rec.ID, messageId, d.now()); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "MarkOutboxSent", rec.ID, err)
			continue
		}
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) deliver(ctx context.Context, rec *models.OutboxRecord) (string, error) {
	msg := models.ConvertToPubSubMessage(*rec)
	msg.PublishedAt = d.now()
	switch rec.Channel {
	case models.OutboxChannelNotify:
		if d.Notifier == nil {
			return "", fmt.Errorf("no notifier configured")
		}
		return d.Notifier.Notify(ctx, rec.RecipientId, rec.Kind, msg)
	case models.OutboxChannelEmail:
		if d.Emailer == nil {
			return "", fmt.Errorf("no emailer configured")
		}
		return d.Emailer.Notify(ctx, rec.RecipientId, rec.Kind, msg)
	case models.OutboxChannelBillingSync:
		if d.Billing == nil {
			return "", fmt.Errorf("no billing sync configured")
		}
		return d.Billing.SyncBillable(ctx, rec.ReferenceId, msg)
	}
	return "", fmt.Errorf("unknown outbox channel %q", rec.Channel)
}

func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec *models.OutboxRecord, deliverErr error) {
	attempt := rec.Attempts
	fields := logrus.Fields{
		"field":     "OutboxDispatcher",
		"tenant_id": rec.TenantId,
		"record_id": rec.ID,
		"channel":   rec.Channel,
		"attempt":   attempt,
	}

	// Terminal after MaxAttempts (DLQ equivalent).
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		if err := d.Store.MarkOutboxFailed(ctx, rec.ID, deliverErr.Error(), nil, true); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "markFailed", "MarkOutboxFailed", rec.ID, err)
		}
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("outbox delivery moved to DEAD after max attempts: " + deliverErr.Error())
		}
		return
	}

	next := d.now().Add(d.backoff(attempt))
	if err := d.Store.MarkOutboxFailed(ctx, rec.ID, deliverErr.Error(), &next, false); err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "markFailed", "MarkOutboxFailed", rec.ID, err)
	}
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("outbox delivery failed: " + deliverErr.Error())
	}
}
