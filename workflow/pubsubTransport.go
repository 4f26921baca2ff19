package workflow

import (
	"context"
	"strconv"

	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
)

type publishFunc func(ctx context.Context, topic string, msg config.PubSubMessage) (string, error)

// PubSubNotifier publishes notifications to a Pub/Sub topic; the push service subscribes to it.
type PubSubNotifier struct {
	Topic   string
	publish publishFunc
}

func NewPubSubNotifier(topic string) *PubSubNotifier {
	return &PubSubNotifier{Topic: topic, publish: config.PublishWithResult}
}

func (n *PubSubNotifier) Notify(ctx context.Context, recipientId int, kind models.NotificationKind, msg config.PubSubMessage) (string, error) {
	msg.RecipientId = recipientId
	msg.Kind = string(kind)
	return n.publish(ctx, n.Topic, msg)
}

// PubSubBillingSync publishes approved billable entries for the invoicing side.
type PubSubBillingSync struct {
	Topic   string
	publish publishFunc
}

func NewPubSubBillingSync(topic string) *PubSubBillingSync {
	return &PubSubBillingSync{Topic: topic, publish: config.PublishWithResult}
}

func (b *PubSubBillingSync) SyncBillable(ctx context.Context, entryId int, msg config.PubSubMessage) (string, error) {
	msg.ReferenceId = entryId
	if msg.CorrelationId == "" {
		msg.CorrelationId = "entry-" + strconv.Itoa(entryId)
	}
	return b.publish(ctx, b.Topic, msg)
}
