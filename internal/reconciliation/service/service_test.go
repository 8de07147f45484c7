package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/referralpool/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	poolservice "github.com/smallbiznis/referralpool/internal/pool/service"
	"github.com/smallbiznis/referralpool/internal/providers/pdf"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	referralservice "github.com/smallbiznis/referralpool/internal/referral/service"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	revenueservice "github.com/smallbiznis/referralpool/internal/revenue/service"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	riskservice "github.com/smallbiznis/referralpool/internal/risk/service"
	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db             *gorm.DB
	reconciliation reconciliationdomain.Service
	referral       referraldomain.Service
	revenue        revenuedomain.Service
	pool           pooldomain.Service
	poolID         uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&referraldomain.ReferralEvent{},
		&pooldomain.RecruitmentPool{},
		&revenuedomain.RevenueEvent{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerAccount{},
		&riskdomain.RiskAssessment{},
		&payoutdomain.Payout{},
		&auditdomain.AdminFinancialLog{},
		&reconciliationdomain.ReconciliationReport{},
		&events.OutboxEvent{},
	)
	log := zap.NewNop()
	commission := config.NewStaticCommissionConfigHolder(config.DefaultCommissionConfig())
	outbox := events.NewOutbox(events.OutboxParams{Log: log})

	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide()})
	revenueSvc := revenueservice.NewService(revenueservice.Params{DB: conn, Log: log, AuditSvc: auditSvc})
	poolSvc := poolservice.NewService(poolservice.Params{DB: conn, Log: log, RevenueSvc: revenueSvc, AuditSvc: auditSvc, Commission: commission, Outbox: outbox})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Outbox: outbox})
	riskSvc := riskservice.NewService(riskservice.Params{DB: conn, Log: log, History: riskservice.NewHistoryProvider(conn), AuditSvc: auditSvc, Commission: commission})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB: conn, Log: log, PoolSvc: poolSvc, LedgerSvc: ledgerSvc, RiskSvc: riskSvc, AuditSvc: auditSvc, Outbox: outbox,
	})
	svc := NewService(Params{
		DB:        conn,
		Log:       log,
		LedgerSvc: ledgerSvc,
		AuditSvc:  auditSvc,
		Renderer:  pdf.New(),
		Outbox:    outbox,
	})

	ctx := context.Background()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	pool, err := poolSvc.OpenPeriod(ctx, pooldomain.OpenPeriodRequest{PeriodType: pooldomain.PeriodMonthly, Start: start, End: start.AddDate(0, 1, 0)})
	require.NoError(t, err)

	return fixture{db: conn, reconciliation: svc, referral: referralSvc, revenue: revenueSvc, pool: poolSvc, poolID: pool.ID}
}

// approvedReferral funds the pool from a fresh revenue event and approves a
// referral linked to it.
func (f fixture) approvedReferral(t *testing.T, referrer, referred string, commission int64, linkRevenue bool) *referraldomain.ReferralEvent {
	t.Helper()
	ctx := context.Background()
	event, err := f.revenue.Record(ctx, revenuedomain.RecordRequest{Amount: 10_000_00, SourceType: "payment", SourceID: "pay_" + referred, Confirmed: true})
	require.NoError(t, err)
	_, err = f.pool.AllocateRevenue(ctx, event.ID)
	require.NoError(t, err)

	req := referraldomain.CreateReferralRequest{
		ReferrerID:       referrer,
		ReferredID:       referred,
		EventType:        referraldomain.EventStudentSubscription,
		CommissionAmount: commission,
	}
	if linkRevenue {
		req.RevenueEventID = &event.ID
	}
	ref, err := f.referral.Create(ctx, req)
	require.NoError(t, err)
	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	require.Equal(t, referraldomain.StateApproved, outcome.State)
	return outcome.Referral
}

func TestRun_Clean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvedReferral(t, "user_a", "user_b", 50_00, true)

	report, err := f.reconciliation.Run(ctx, reconciliationdomain.ReportDaily)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, "reconciliation", report.CompletedBy)
	assert.Empty(t, report.Discrepancies)

	var log auditdomain.AdminFinancialLog
	require.NoError(t, f.db.Where("action = ?", auditdomain.ActionReconciliationCompleted).Take(&log).Error)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), log.ActorType)

	reports, err := f.reconciliation.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, report.ID, reports[0].ID)
}

func TestRun_ReportsOrphanedReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvedReferral(t, "user_a", "user_b", 50_00, true)
	orphan := f.approvedReferral(t, "user_a", "user_c", 20_00, false)

	report, err := f.reconciliation.Run(ctx, reconciliationdomain.ReportDaily)
	require.Error(t, err)
	assert.ErrorIs(t, err, reconciliationdomain.ErrReconciliationDiscrepancy)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.OrphanedReferralsFound)
	assert.Equal(t, []string{orphan.ID.String()}, []string(report.OrphanedReferralIDs))
	assert.True(t, report.PoolReconciled)
	assert.True(t, report.LedgerReconciled)

	stored, err := f.reconciliation.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.OrphanedReferralsFound)
}

func TestRun_DetectsTamperedCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvedReferral(t, "user_a", "user_b", 50_00, true)

	require.NoError(t, f.db.Exec("UPDATE recruitment_pools SET spent_student = spent_student + 7 WHERE id = ?", f.poolID).Error)
	require.NoError(t, f.db.Exec("UPDATE ledger_accounts SET balance = balance - 500 WHERE user_id = ?", "user_a").Error)

	report, err := f.reconciliation.Run(ctx, reconciliationdomain.ReportDaily)
	assert.ErrorIs(t, err, reconciliationdomain.ErrReconciliationDiscrepancy)
	require.NotNil(t, report)
	assert.False(t, report.PoolReconciled)
	assert.Equal(t, int64(7), report.PoolDiscrepancy)
	assert.False(t, report.LedgerReconciled)
	assert.Equal(t, int64(500), report.LedgerDiscrepancy)
	assert.True(t, report.RevenueAllocationMatch)
}

func TestRun_MonthlyChecksPayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvedReferral(t, "user_a", "user_b", 50_00, true)

	txn := "txn_missing"
	now := time.Now().UTC()
	require.NoError(t, f.db.Create(&payoutdomain.Payout{
		ID:            uuid.Must(uuid.NewV7()),
		UserID:        "user_a",
		Amount:        600_00,
		Currency:      "PHP",
		PayoutMethod:  payoutdomain.MethodGCash,
		Status:        payoutdomain.StatusPaid,
		TransactionID: &txn,
		PaidAt:        &now,
		Version:       3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}).Error)

	daily, err := f.reconciliation.Run(ctx, reconciliationdomain.ReportDaily)
	require.NoError(t, err)
	assert.True(t, daily.PayoutsReconciled)

	monthly, err := f.reconciliation.Run(ctx, reconciliationdomain.ReportMonthly)
	assert.ErrorIs(t, err, reconciliationdomain.ErrReconciliationDiscrepancy)
	require.NotNil(t, monthly)
	assert.False(t, monthly.PayoutsReconciled)
	assert.False(t, monthly.Clean())
	assert.Equal(t, int64(600_00), monthly.PayoutDiscrepancy)

	stored, err := f.reconciliation.Get(ctx, monthly.ID)
	require.NoError(t, err)
	assert.False(t, stored.PayoutsReconciled)
	assert.Equal(t, int64(600_00), stored.PayoutDiscrepancy)

	name, body, err := f.reconciliation.RenderPDF(ctx, monthly)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "reconciliation-monthly-"))
	assert.True(t, strings.HasSuffix(name, ".pdf"))
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "%PDF"))
}

func TestRun_InvalidType(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciliation.Run(context.Background(), "weekly")
	assert.ErrorIs(t, err, reconciliationdomain.ErrInvalidReportType)
}
