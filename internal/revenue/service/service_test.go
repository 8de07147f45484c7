package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (revenuedomain.Service, *gorm.DB) {
	t.Helper()
	conn := testutil.OpenDB(t, &revenuedomain.RevenueEvent{}, &auditdomain.AdminFinancialLog{})
	log := zap.NewNop()
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide()})
	return NewService(Params{DB: conn, Log: log, AuditSvc: auditSvc}), conn
}

func TestRecordIsIdempotentOnSource(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	first, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 10_000, SourceType: "subscription_payment", SourceID: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusPending, first.Status)
	assert.Equal(t, "PHP", first.Currency)

	second, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 99, SourceType: "subscription_payment", SourceID: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(10_000), second.Amount)

	var count int64
	require.NoError(t, conn.Model(&revenuedomain.RevenueEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 0, SourceType: "x", SourceID: "y"})
	assert.ErrorIs(t, err, revenuedomain.ErrInvalidAmount)
	_, err = svc.Record(ctx, revenuedomain.RecordRequest{Amount: 10, SourceType: "x"})
	assert.ErrorIs(t, err, revenuedomain.ErrInvalidSource)
	_, err = svc.Record(ctx, revenuedomain.RecordRequest{Amount: 10, SourceType: "x", SourceID: "y", Currency: "PESO"})
	assert.ErrorIs(t, err, revenuedomain.ErrInvalidCurrency)
}

func TestConfirmAndVoidTransitions(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := testutil.AdminContext("admin-1")

	event, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 500, SourceType: "s", SourceID: "1"})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	again, err := svc.Confirm(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusConfirmed, again.Status)

	_, err = svc.Void(ctx, event.ID, " ")
	assert.ErrorIs(t, err, revenuedomain.ErrReasonRequired)

	voided, err := svc.Void(ctx, event.ID, "refunded")
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusVoid, voided.Status)

	_, err = svc.Confirm(ctx, event.ID)
	assert.ErrorIs(t, err, revenuedomain.ErrInvalidRevenueTransition)
	_, err = svc.Void(ctx, event.ID, "twice")
	assert.ErrorIs(t, err, revenuedomain.ErrInvalidRevenueTransition)

	var logs []auditdomain.AdminFinancialLog
	require.NoError(t, conn.Where("action = ?", auditdomain.ActionRevenueVoided).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(-500), *logs[0].AmountImpact)
}

func TestMarkAllocatedExactlyOnce(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	poolID := uuid.Must(uuid.NewV7())

	pending, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 100, SourceType: "s", SourceID: "p"})
	require.NoError(t, err)
	_, err = svc.MarkAllocatedTx(ctx, conn, pending.ID, poolID)
	assert.ErrorIs(t, err, revenuedomain.ErrRevenueNotConfirmed)

	confirmed, err := svc.Record(ctx, revenuedomain.RecordRequest{Amount: 100, SourceType: "s", SourceID: "c", Confirmed: true})
	require.NoError(t, err)

	list, err := svc.ListConfirmedUnallocated(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, confirmed.ID, list[0].ID)

	allocated, err := svc.MarkAllocatedTx(ctx, conn, confirmed.ID, poolID)
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusAllocated, allocated.Status)
	require.NotNil(t, allocated.PoolID)
	assert.Equal(t, poolID, *allocated.PoolID)

	_, err = svc.MarkAllocatedTx(ctx, conn, confirmed.ID, poolID)
	assert.ErrorIs(t, err, revenuedomain.ErrDuplicateRevenueEvent)

	_, err = svc.MarkAllocatedTx(ctx, conn, uuid.New(), poolID)
	assert.ErrorIs(t, err, revenuedomain.ErrNotFound)
}
