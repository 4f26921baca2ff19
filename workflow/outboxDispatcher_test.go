package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/store"
	"github.com/mmdatafocus/timesheet_backend/utils"
	"github.com/sirupsen/logrus"
)

type fakeTransport struct {
	fail  error
	calls []config.PubSubMessage
}

func (f *fakeTransport) Notify(ctx context.Context, recipientId int, kind models.NotificationKind, msg config.PubSubMessage) (string, error) {
	f.calls = append(f.calls, msg)
	if f.fail != nil {
		return "", f.fail
	}
	return fmt.Sprintf("msg-%d", msg.OutboxId), nil
}

func (f *fakeTransport) SyncBillable(ctx context.Context, entryId int, msg config.PubSubMessage) (string, error) {
	return f.Notify(ctx, 0, models.NotificationKind(msg.Kind), msg)
}

type dispatcherFixture struct {
	store      *store.MemoryStore
	dispatcher *OutboxDispatcher
	transport  *fakeTransport
	now        time.Time
	ctx        context.Context
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		store:     store.NewMemoryStore(),
		transport: &fakeTransport{},
		now:       time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC),
		ctx:       utils.SetTenantIdInContext(context.Background(), testTenant),
	}
	f.store.SetClock(func() time.Time { return f.now })
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f.dispatcher = NewOutboxDispatcher(f.store, logger)
	f.dispatcher.Now = func() time.Time { return f.now }
	f.dispatcher.Notifier = f.transport
	f.dispatcher.Emailer = f.transport
	f.dispatcher.Billing = f.transport
	return f
}

func (f *dispatcherFixture) enqueue(t *testing.T, channel models.OutboxChannel) *models.OutboxRecord {
	t.Helper()
	rec, err := models.NewOutboxRecord(testTenant, channel, 4, models.NotificationKindTimesheetApproved, 10, EntryNotice{EntryId: 10}, "corr-1")
	if err != nil {
		t.Fatalf("NewOutboxRecord: %v", err)
	}
	if err := f.store.CreateOutbox(f.ctx, rec); err != nil {
		t.Fatalf("CreateOutbox: %v", err)
	}
	return rec
}

func (f *dispatcherFixture) get(t *testing.T, id int) *models.OutboxRecord {
	t.Helper()
	rec, err := f.store.GetOutbox(f.ctx, id)
	if err != nil {
		t.Fatalf("GetOutbox: %v", err)
	}
	return rec
}

func TestOutboxDispatcher_DeliversEveryChannel(t *testing.T) {
	f := newDispatcherFixture(t)
	records := []*models.OutboxRecord{
		f.enqueue(t, models.OutboxChannelNotify),
		f.enqueue(t, models.OutboxChannelEmail),
		f.enqueue(t, models.OutboxChannelBillingSync),
	}

	if sent := f.dispatcher.DispatchOnce(context.Background()); sent != 3 {
		t.Fatalf("sent %d, want 3", sent)
	}
	for _, rec := range records {
		got := f.get(t, rec.ID)
		if got.Status != models.OutboxStatusSent || got.Attempts != 1 || utils.DereferencePtr(got.MessageId) != fmt.Sprintf("msg-%d", rec.ID) {
			t.Fatalf("record %d: %+v", rec.ID, got)
		}
		if got.LockedAt != nil || got.SentAt == nil {
			t.Fatalf("record %d lock/sent fields: %+v", rec.ID, got)
		}
	}
	if f.transport.calls[0].TenantId != testTenant || f.transport.calls[0].CorrelationId != "corr-1" || len(f.transport.calls[0].Payload) == 0 {
		t.Fatalf("published message: %+v", f.transport.calls[0])
	}
	if sent := f.dispatcher.DispatchOnce(context.Background()); sent != 0 || len(f.transport.calls) != 3 {
		t.Fatalf("sent records must not be redelivered")
	}
}

func TestOutboxDispatcher_BacksOffOnFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	f.transport.fail = errors.New("topic unavailable")
	rec := f.enqueue(t, models.OutboxChannelNotify)

	f.dispatcher.DispatchOnce(context.Background())
	got := f.get(t, rec.ID)
	if got.Status != models.OutboxStatusFailed || got.Attempts != 1 || utils.DereferencePtr(got.LastError) != "topic unavailable" {
		t.Fatalf("after first failure: %+v", got)
	}
	if want := f.now.Add(5 * time.Second); got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt: %v want %v", got.NextAttemptAt, want)
	}

	f.dispatcher.DispatchOnce(context.Background())
	if len(f.transport.calls) != 1 {
		t.Fatalf("record retried before its backoff elapsed")
	}

	f.now = f.now.Add(5 * time.Second)
	f.dispatcher.DispatchOnce(context.Background())
	got = f.get(t, rec.ID)
	if got.Attempts != 2 || !got.NextAttemptAt.Equal(f.now.Add(10*time.Second)) {
		t.Fatalf("after second failure: %+v", got)
	}

	f.transport.fail = nil
	f.now = f.now.Add(10 * time.Second)
	if sent := f.dispatcher.DispatchOnce(context.Background()); sent != 1 {
		t.Fatalf("recovered delivery: %d", sent)
	}
	if got := f.get(t, rec.ID); got.Status != models.OutboxStatusSent || got.Attempts != 3 {
		t.Fatalf("after recovery: %+v", got)
	}
}

func TestOutboxDispatcher_DeadAfterMaxAttempts(t *testing.T) {
	f := newDispatcherFixture(t)
	f.dispatcher.MaxAttempts = 2
	f.transport.fail = errors.New("rejected")
	rec := f.enqueue(t, models.OutboxChannelEmail)

	f.dispatcher.DispatchOnce(context.Background())
	f.now = f.now.Add(time.Minute)
	f.dispatcher.DispatchOnce(context.Background())

	got := f.get(t, rec.ID)
	if got.Status != models.OutboxStatusDead || got.NextAttemptAt != nil || got.Attempts != 2 {
		t.Fatalf("expected DEAD: %+v", got)
	}
	f.now = f.now.Add(time.Hour)
	f.dispatcher.DispatchOnce(context.Background())
	if len(f.transport.calls) != 2 {
		t.Fatalf("dead records are never retried, calls=%d", len(f.transport.calls))
	}
}

func TestOutboxDispatcher_ReclaimsStaleLocks(t *testing.T) {
	f := newDispatcherFixture(t)
	rec := f.enqueue(t, models.OutboxChannelNotify)

	claimed, err := f.store.ClaimOutbox(context.Background(), "crashed-worker", f.now, f.now.Add(-time.Minute), 10, 20)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimOutbox: %v %v", claimed, err)
	}
	if sent := f.dispatcher.DispatchOnce(context.Background()); sent != 0 {
		t.Fatalf("fresh lock must be respected")
	}
	f.now = f.now.Add(f.dispatcher.LockTimeout)
	if sent := f.dispatcher.DispatchOnce(context.Background()); sent != 1 {
		t.Fatalf("stale lock must be reclaimed")
	}
	if got := f.get(t, rec.ID); got.Attempts != 2 || got.Status != models.OutboxStatusSent {
		t.Fatalf("reclaimed: %+v", got)
	}
}

func TestOutboxDispatcher_MissingTransportFails(t *testing.T) {
	f := newDispatcherFixture(t)
	f.dispatcher.Billing = nil
	rec := f.enqueue(t, models.OutboxChannelBillingSync)
	f.dispatcher.DispatchOnce(context.Background())
	if got := f.get(t, rec.ID); got.Status != models.OutboxStatusFailed {
		t.Fatalf("expected FAILED without a billing transport: %+v", got)
	}
}

func TestOutboxDispatcher_DeliversWorkflowSideEffects(t *testing.T) {
	wf := newFixture(t)
	entry := wf.draft(wf.member, wf.input(wf.project, wf.task, 120))
	wf.submit(wf.member, entry.ID)

	transport := &fakeTransport{}
	d := NewOutboxDispatcher(wf.store, wf.svc.Logger)
	d.Now = func() time.Time { return wf.now }
	d.Notifier, d.Emailer, d.Billing = transport, transport, transport

	pending := wf.outbox(models.OutboxChannelNotify)
	if len(pending) == 0 {
		t.Fatalf("submit must enqueue notifications")
	}
	if sent := d.DispatchOnce(context.Background()); sent != len(pending) {
		t.Fatalf("sent %d of %d", sent, len(pending))
	}
	for _, msg := range transport.calls {
		if msg.ReferenceId != entry.ID || msg.TenantId != testTenant {
			t.Fatalf("message: %+v", msg)
		}
	}
}

func TestPubSubTransport_PublishesToTopic(t *testing.T) {
	var topics []string
	var got []config.PubSubMessage
	publish := func(ctx context.Context, topic string, msg config.PubSubMessage) (string, error) {
		topics = append(topics, topic)
		got = append(got, msg)
		return "server-id", nil
	}
	notifier := NewPubSubNotifier("notify-topic")
	notifier.publish = publish
	billing := NewPubSubBillingSync("billing-topic")
	billing.publish = publish

	id, err := notifier.Notify(context.Background(), 7, models.NotificationKindAlarmRaised, config.PubSubMessage{TenantId: testTenant})
	if err != nil || id != "server-id" {
		t.Fatalf("Notify: %s %v", id, err)
	}
	if _, err := billing.SyncBillable(context.Background(), 42, config.PubSubMessage{TenantId: testTenant}); err != nil {
		t.Fatalf("SyncBillable: %v", err)
	}
	if topics[0] != "notify-topic" || got[0].RecipientId != 7 || got[0].Kind != string(models.NotificationKindAlarmRaised) {
		t.Fatalf("notify message: %s %+v", topics[0], got[0])
	}
	if topics[1] != "billing-topic" || got[1].ReferenceId != 42 || got[1].CorrelationId != "entry-42" {
		t.Fatalf("billing message: %s %+v", topics[1], got[1])
	}
}
