package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/referralpool/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (payoutdomain.Service, ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	conn := testutil.OpenDB(t,
		&payoutdomain.Payout{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerAccount{},
		&auditdomain.AdminFinancialLog{},
		&events.OutboxEvent{},
	)
	log := zaptest.NewLogger(t)
	outbox := events.NewOutbox(events.OutboxParams{Log: log})
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide()})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Outbox: outbox})
	svc := NewService(Params{
		DB:         conn,
		Log:        log,
		LedgerSvc:  ledgerSvc,
		AuditSvc:   auditSvc,
		Commission: config.NewStaticCommissionConfigHolder(config.DefaultCommissionConfig()),
		Outbox:     outbox,
	})
	return svc, ledgerSvc, conn
}

func fund(t *testing.T, ledgerSvc ledgerdomain.Service, user string, amount int64) {
	t.Helper()
	_, err := ledgerSvc.PostEntry(context.Background(), ledgerdomain.PostEntryRequest{
		UserID:     user,
		Credit:     amount,
		Type:       ledgerdomain.TransactionReferralEarned,
		SourceType: ledgerdomain.SourceReferral,
		SourceID:   uuid.NewString(),
	})
	require.NoError(t, err)
}

func TestRequestPayout_RetainedBalance(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "user_a", 650_00)

	_, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 600_00, Method: payoutdomain.MethodGCash})
	assert.ErrorIs(t, err, payoutdomain.ErrInsufficientBalance)

	_, err = svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 400_00, Method: payoutdomain.MethodGCash})
	assert.ErrorIs(t, err, payoutdomain.ErrBelowMinimumPayout)

	fund(t, ledgerSvc, "user_a", 550_00) // 1200_00
	p, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 600_00, Method: payoutdomain.MethodGCash})
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusPending, p.Status)
	assert.Equal(t, ledgerdomain.DefaultCurrency, p.Currency)

	// the pending payout still counts against the balance
	_, err = svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 500_00, Method: payoutdomain.MethodBank})
	assert.ErrorIs(t, err, payoutdomain.ErrInsufficientBalance)

	available, err := svc.Available(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(400_00), available)
}

func TestRequestPayout_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{Amount: 600_00, Method: payoutdomain.MethodGCash})
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidUser)
	_, err = svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "u", Amount: 0, Method: payoutdomain.MethodGCash})
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidAmount)
	_, err = svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "u", Amount: 600_00, Method: "paypal"})
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidMethod)
}

func TestPayoutLifecycle_DebitsLedger(t *testing.T) {
	svc, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()
	admin := testutil.AdminContext("admin_1")
	fund(t, ledgerSvc, "user_a", 1000_00)

	p, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{
		UserID:  "user_a",
		Amount:  700_00,
		Method:  payoutdomain.MethodBank,
		Details: map[string]any{"account_last4": "4242"},
	})
	require.NoError(t, err)

	_, err = svc.MarkPaid(admin, p.ID, "txn_1")
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidPayoutTransition)

	_, err = svc.Approve(ctx, p.ID)
	assert.ErrorIs(t, err, payoutdomain.ErrActorRequired)

	approved, err := svc.Approve(admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "admin_1", *approved.ApprovedBy)

	paid, err := svc.MarkPaid(admin, p.ID, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusPaid, paid.Status)
	require.NotNil(t, paid.LedgerEntryID)

	balance, err := ledgerSvc.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(300_00), balance)

	again, err := svc.MarkPaid(admin, p.ID, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, paid.Version, again.Version)

	_, err = svc.MarkPaid(admin, p.ID, "txn_2")
	assert.ErrorIs(t, err, payoutdomain.ErrTransactionIDMismatch)

	_, err = svc.Cancel(admin, p.ID, "too late")
	assert.ErrorIs(t, err, payoutdomain.ErrInvalidPayoutTransition)

	balance, err = ledgerSvc.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(300_00), balance)

	var actions []string
	require.NoError(t, conn.Model(&auditdomain.AdminFinancialLog{}).Where("target_type = ?", auditdomain.TargetPayout).Order("id asc").Pluck("action", &actions).Error)
	assert.Equal(t, []string{string(auditdomain.ActionPayoutApproved), string(auditdomain.ActionPayoutPaid)}, actions)
}

func TestMarkPaid_RollsBackOnLedgerFailure(t *testing.T) {
	svc, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()
	admin := testutil.AdminContext("admin_1")
	fund(t, ledgerSvc, "user_a", 800_00)

	p, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 500_00, Method: payoutdomain.MethodCredits})
	require.NoError(t, err)
	_, err = svc.Approve(admin, p.ID)
	require.NoError(t, err)

	// drain the balance behind the payout's back
	_, err = ledgerSvc.PostEntry(ctx, ledgerdomain.PostEntryRequest{
		UserID:     "user_a",
		Debit:      700_00,
		Type:       ledgerdomain.TransactionManualAdjustment,
		SourceType: ledgerdomain.SourceAdjustment,
		SourceID:   "adj_1",
	})
	require.NoError(t, err)

	_, err = svc.MarkPaid(admin, p.ID, "txn_1")
	assert.ErrorIs(t, err, ledgerdomain.ErrNegativeBalanceViolation)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusApproved, got.Status)
	assert.Nil(t, got.TransactionID)

	var debits int64
	require.NoError(t, conn.Model(&ledgerdomain.LedgerEntry{}).Where("source_type = ?", ledgerdomain.SourcePayout).Count(&debits).Error)
	assert.Zero(t, debits)
}

func TestCancel(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	admin := testutil.AdminContext("admin_1")
	fund(t, ledgerSvc, "user_a", 1000_00)

	p, err := svc.RequestPayout(ctx, payoutdomain.RequestPayoutRequest{UserID: "user_a", Amount: 800_00, Method: payoutdomain.MethodGCash})
	require.NoError(t, err)

	_, err = svc.Cancel(admin, p.ID, " ")
	assert.ErrorIs(t, err, payoutdomain.ErrReasonRequired)

	cancelled, err := svc.Cancel(admin, p.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusCancelled, cancelled.Status)

	available, err := svc.Available(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(800_00), available)

	list, err := svc.List(ctx, payoutdomain.ListPayoutRequest{UserID: "user_a", Status: string(payoutdomain.StatusCancelled)})
	require.NoError(t, err)
	assert.Len(t, list.Payouts, 1)
}
