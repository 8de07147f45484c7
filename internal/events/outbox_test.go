package events

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	fail error
	sent []Message
}

func (p *recordingPublisher) Publish(_ context.Context, msgs ...Message) error {
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestPublishTxDeduplicates(t *testing.T) {
	conn := testutil.OpenDB(t, &OutboxEvent{})
	outbox := NewOutbox(OutboxParams{Log: zaptest.NewLogger(t)})
	ctx := context.Background()

	evt := Event{Type: TypeReferralApproved, AggregateID: "ref-1", Payload: map[string]any{"amount": 50}}
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
			return outbox.PublishTx(ctx, tx, evt)
		}))
	}

	var rows []OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "referral.approved:ref-1", rows[0].DedupeKey)
	assert.JSONEq(t, `{"amount":50}`, string(rows[0].Payload))
}

func TestPublishTxRollsBackWithCaller(t *testing.T) {
	conn := testutil.OpenDB(t, &OutboxEvent{})
	outbox := NewOutbox(OutboxParams{Log: zap.NewNop()})

	boom := errors.New("boom")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := outbox.PublishTx(context.Background(), tx, Event{Type: TypePayoutPaid, AggregateID: "p1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPublishTxValidatesAndNilOutbox(t *testing.T) {
	conn := testutil.OpenDB(t, &OutboxEvent{})
	var nilOutbox *Outbox
	assert.NoError(t, nilOutbox.PublishTx(context.Background(), conn, Event{}))

	outbox := NewOutbox(OutboxParams{Log: zap.NewNop()})
	assert.ErrorIs(t, outbox.PublishTx(context.Background(), conn, Event{Type: TypePayoutPaid}), ErrInvalidEvent)
}

func TestRelayPendingMarksPublished(t *testing.T) {
	conn := testutil.OpenDB(t, &OutboxEvent{})
	log := zap.NewNop()
	outbox := NewOutbox(OutboxParams{Log: log})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, outbox.PublishTx(ctx, conn, Event{Type: TypeLedgerEntryPosted, AggregateID: id, Payload: map[string]string{"id": id}}))
	}

	pub := &recordingPublisher{}
	relay := NewRelay(RelayParams{DB: conn, Log: log, Publisher: pub})

	n, err := relay.RelayPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "a", pub.sent[0].Key)

	n, err = relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	backlog, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestRelayPendingRecordsFailure(t *testing.T) {
	conn := testutil.OpenDB(t, &OutboxEvent{})
	log := zap.NewNop()
	outbox := NewOutbox(OutboxParams{Log: log})
	ctx := context.Background()
	require.NoError(t, outbox.PublishTx(ctx, conn, Event{Type: TypePayoutPaid, AggregateID: "p1"}))

	relay := NewRelay(RelayParams{DB: conn, Log: log, Publisher: &recordingPublisher{fail: errors.New("broker down")}})
	_, err := relay.RelayPending(ctx, 10)
	require.Error(t, err)

	var row OutboxEvent
	require.NoError(t, conn.First(&row).Error)
	assert.False(t, row.Published)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "broker down", *row.LastError)
}
