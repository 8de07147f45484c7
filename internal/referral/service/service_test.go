package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/referralpool/internal/ledger/service"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	poolservice "github.com/smallbiznis/referralpool/internal/pool/service"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
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
	db       *gorm.DB
	referral referraldomain.Service
	pool     pooldomain.Service
	revenue  revenuedomain.Service
	ledger   ledgerdomain.Service
	risk     riskdomain.Service
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
		&auditdomain.AdminFinancialLog{},
		&events.OutboxEvent{},
	)
	log := zap.NewNop()
	commission := config.NewStaticCommissionConfigHolder(config.DefaultCommissionConfig())
	outbox := events.NewOutbox(events.OutboxParams{Log: log})

	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide()})
	revenueSvc := revenueservice.NewService(revenueservice.Params{DB: conn, Log: log, AuditSvc: auditSvc})
	poolSvc := poolservice.NewService(poolservice.Params{
		DB:         conn,
		Log:        log,
		RevenueSvc: revenueSvc,
		AuditSvc:   auditSvc,
		Commission: commission,
		Outbox:     outbox,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Outbox: outbox})
	riskSvc := riskservice.NewService(riskservice.Params{
		DB:         conn,
		Log:        log,
		History:    riskservice.NewHistoryProvider(conn),
		AuditSvc:   auditSvc,
		Commission: commission,
	})
	referralSvc := NewService(Params{
		DB:        conn,
		Log:       log,
		PoolSvc:   poolSvc,
		LedgerSvc: ledgerSvc,
		RiskSvc:   riskSvc,
		AuditSvc:  auditSvc,
		Outbox:    outbox,
	})
	return fixture{db: conn, referral: referralSvc, pool: poolSvc, revenue: revenueSvc, ledger: ledgerSvc, risk: riskSvc}
}

// fundPool opens a monthly pool and allocates revenue so that the pool holds
// a tenth of revenue split 35/35/30.
func (f fixture) fundPool(t *testing.T, revenue int64) *pooldomain.RecruitmentPool {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.pool.OpenPeriod(ctx, pooldomain.OpenPeriodRequest{
		PeriodType: pooldomain.PeriodMonthly,
		Start:      start,
		End:        start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	event, err := f.revenue.Record(ctx, revenuedomain.RecordRequest{Amount: revenue, SourceType: "payment", SourceID: "pay_seed", Confirmed: true})
	require.NoError(t, err)
	pool, err := f.pool.AllocateRevenue(ctx, event.ID)
	require.NoError(t, err)
	return pool
}

func cleanReferral(referrer, referred string, commission int64) referraldomain.CreateReferralRequest {
	return referraldomain.CreateReferralRequest{
		ReferrerID:       referrer,
		ReferredID:       referred,
		EventType:        referraldomain.EventStudentSubscription,
		CommissionAmount: commission,
		ReferrerIP:       "10.0.0.1",
		ReferredIP:       "10.0.0.2",
	}
}

func TestApprove_CreditsLedgerAndReservesPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.fundPool(t, 10_000_00)

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 50_00))
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StatePending, ref.WorkflowState)
	require.NotNil(t, ref.PoolID)
	assert.Equal(t, pool.ID, *ref.PoolID)

	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateApproved, outcome.State)
	assert.NoError(t, outcome.Cause)
	require.NotNil(t, outcome.Risk)
	assert.Equal(t, riskdomain.LevelLow, outcome.Risk.RiskLevel)

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(50_00), balance)

	reloaded, err := f.pool.Get(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50_00), reloaded.SpentStudent)

	// second approval is a no-op
	again, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateApproved, again.State)
	balance, err = f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(50_00), balance)

	var approvals int64
	require.NoError(t, f.db.Model(&auditdomain.AdminFinancialLog{}).Where("action = ?", auditdomain.ActionReferralApproved).Count(&approvals).Error)
	assert.Equal(t, int64(1), approvals)
}

func TestApprove_AutoRejectsCriticalRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.fundPool(t, 10_000_00)

	req := cleanReferral("user_a", "user_a", 50_00)
	req.ReferredIP = req.ReferrerIP
	ref, err := f.referral.Create(ctx, req)
	require.NoError(t, err)

	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateRejected, outcome.State)
	assert.ErrorIs(t, outcome.Cause, referraldomain.ErrRiskAutoRejected)
	assert.Contains(t, outcome.Reason, "self_referral")
	assert.Equal(t, riskdomain.ActionAutoReject, outcome.Risk.AutoActionTaken)

	reloaded, err := f.pool.Get(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reloaded.TotalSpent())

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestApprove_FlagsMediumRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundPool(t, 10_000_00)

	req := cleanReferral("user_a", "user_b", 50_00)
	req.ReferredIP = req.ReferrerIP
	ref, err := f.referral.Create(ctx, req)
	require.NoError(t, err)

	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateFlagged, outcome.State)

	admin := testutil.AdminContext("admin_1")
	_, err = f.referral.AdminDismissRiskAssessment(admin, outcome.Risk.ID, "same office network")
	require.NoError(t, err)

	got, err := f.referral.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateUnderReview, got.WorkflowState)

	outcome, err = f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateApproved, outcome.State)
}

func TestApprove_PoolExhaustedStaysInReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundPool(t, 10_000_00) // student share 350_00

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 400_00))
	require.NoError(t, err)

	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, referraldomain.ErrInsufficientPoolBalance)
	assert.ErrorIs(t, err, pooldomain.ErrPoolExhausted)
	assert.Equal(t, referraldomain.StateUnderReview, outcome.State)

	got, err := f.referral.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateUnderReview, got.WorkflowState)

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestApprove_HeldReferralDrawsFromNextPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.fundPool(t, 10_000_00)

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 400_00))
	require.NoError(t, err)
	require.NotNil(t, ref.PoolID)
	assert.Equal(t, first.ID, *ref.PoolID)

	_, err = f.referral.Approve(ctx, ref.ID)
	require.ErrorIs(t, err, pooldomain.ErrPoolExhausted)

	_, err = f.pool.ClosePeriod(ctx, first.ID)
	require.NoError(t, err)

	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	second, err := f.pool.OpenPeriod(ctx, pooldomain.OpenPeriodRequest{
		PeriodType: pooldomain.PeriodMonthly,
		Start:      start,
		End:        start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	event, err := f.revenue.Record(ctx, revenuedomain.RecordRequest{Amount: 100_000_00, SourceType: "payment", SourceID: "pay_november", Confirmed: true})
	require.NoError(t, err)
	_, err = f.pool.AllocateRevenue(ctx, event.ID)
	require.NoError(t, err)

	outcome, err := f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateApproved, outcome.State)
	require.NotNil(t, outcome.Referral.PoolID)
	assert.Equal(t, second.ID, *outcome.Referral.PoolID)

	closed, err := f.pool.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), closed.SpentStudent)

	current, err := f.pool.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400_00), current.SpentStudent)

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(400_00), balance)
}

func TestApprove_NoOpenPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 10_00))
	require.NoError(t, err)
	assert.Nil(t, ref.PoolID)

	_, err = f.referral.Approve(ctx, ref.ID)
	assert.ErrorIs(t, err, referraldomain.ErrInsufficientPoolBalance)
	assert.ErrorIs(t, err, pooldomain.ErrNoOpenPool)
}

func TestApprove_ConcurrentRoomForOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundPool(t, 10_000_00)

	ids := make([]referraldomain.ReferralEvent, 0, 4)
	for i := 0; i < 4; i++ {
		ref, err := f.referral.Create(ctx, cleanReferral("user_a", fmt.Sprintf("user_%d", i), 300_00))
		require.NoError(t, err)
		ids = append(ids, *ref)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
		starved  int
	)
	for _, ref := range ids {
		wg.Add(1)
		go func(ref referraldomain.ReferralEvent) {
			defer wg.Done()
			outcome, err := f.referral.Approve(ctx, ref.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome.State == referraldomain.StateApproved:
				approved++
			case errors.Is(err, referraldomain.ErrInsufficientPoolBalance):
				starved++
			default:
				t.Errorf("unexpected outcome %s: %v", outcome.State, err)
			}
		}(ref)
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, 3, starved)

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(300_00), balance)
}

func TestReverse_RestoresBalanceAndPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.fundPool(t, 10_000_00)

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 50_00))
	require.NoError(t, err)
	_, err = f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)

	_, err = f.referral.Reverse(ctx, ref.ID, "chargeback")
	assert.ErrorIs(t, err, referraldomain.ErrActorRequired)

	admin := testutil.AdminContext("admin_1")
	_, err = f.referral.Reverse(admin, ref.ID, "")
	assert.ErrorIs(t, err, referraldomain.ErrReasonRequired)

	reversed, err := f.referral.Reverse(admin, ref.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateReversed, reversed.WorkflowState)
	require.NotNil(t, reversed.ReversalReason)
	assert.Equal(t, "chargeback", *reversed.ReversalReason)

	balance, err := f.ledger.BalanceOf(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	reloaded, err := f.pool.Get(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reloaded.SpentStudent)

	var log auditdomain.AdminFinancialLog
	require.NoError(t, f.db.Where("action = ?", auditdomain.ActionLedgerReversal).Take(&log).Error)
	require.NotNil(t, log.AmountImpact)
	assert.Equal(t, int64(-50_00), *log.AmountImpact)

	_, err = f.referral.Reverse(admin, ref.ID, "again")
	assert.ErrorIs(t, err, referraldomain.ErrInvalidStateTransition)
}

func TestSchedulePayout_HeldByRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundPool(t, 10_000_00)

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 50_00))
	require.NoError(t, err)
	_, err = f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)

	admin := testutil.AdminContext("admin_1")
	flagged, err := f.referral.AdminFlagReferralFraud(admin, ref.ID, "ring of accounts")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateApproved, flagged.WorkflowState)

	_, err = f.referral.SchedulePayout(ctx, ref.ID)
	assert.ErrorIs(t, err, referraldomain.ErrPayoutHeld)

	due, err := f.referral.ListSchedulable(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	assessment, err := f.risk.GetByReferral(ctx, nil, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, riskdomain.StatusConfirmed, assessment.Status)
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundPool(t, 10_000_00)

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 50_00))
	require.NoError(t, err)
	_, err = f.referral.MarkPaid(ctx, ref.ID)
	assert.ErrorIs(t, err, referraldomain.ErrInvalidStateTransition)

	_, err = f.referral.Approve(ctx, ref.ID)
	require.NoError(t, err)

	due, err := f.referral.ListSchedulable(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	scheduled, err := f.referral.SchedulePayout(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateScheduledForPayout, scheduled.WorkflowState)
	assert.NotNil(t, scheduled.ScheduledPayoutAt)

	again, err := f.referral.SchedulePayout(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduled.Version, again.Version)

	paid, err := f.referral.MarkPaid(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StatePaid, paid.WorkflowState)

	_, err = f.referral.Reject(ctx, ref.ID, "late")
	assert.ErrorIs(t, err, referraldomain.ErrInvalidStateTransition)
}

func TestAdminFlagPendingReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.referral.Create(ctx, cleanReferral("user_a", "user_b", 50_00))
	require.NoError(t, err)

	_, err = f.referral.AdminFlagReferralFraud(ctx, ref.ID, "")
	assert.ErrorIs(t, err, referraldomain.ErrActorRequired)

	admin := testutil.AdminContext("admin_1")
	flagged, err := f.referral.AdminFlagReferralFraud(admin, ref.ID, "known abuser")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateFlagged, flagged.WorkflowState)

	rejected, err := f.referral.Reject(admin, ref.ID, "fraud confirmed")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StateRejected, rejected.WorkflowState)
	require.NotNil(t, rejected.ReviewedBy)
	assert.Equal(t, "admin_1", *rejected.ReviewedBy)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Create(ctx, referraldomain.CreateReferralRequest{ReferrerID: "a", EventType: referraldomain.EventStudentSubscription, CommissionAmount: 1})
	assert.ErrorIs(t, err, referraldomain.ErrInvalidParticipants)

	_, err = f.referral.Create(ctx, referraldomain.CreateReferralRequest{ReferrerID: "a", ReferredID: "b", EventType: "bogus", CommissionAmount: 1})
	assert.ErrorIs(t, err, referraldomain.ErrInvalidEventType)

	_, err = f.referral.Create(ctx, referraldomain.CreateReferralRequest{ReferrerID: "a", ReferredID: "b", EventType: referraldomain.EventStudentSubscription})
	assert.ErrorIs(t, err, referraldomain.ErrInvalidCommission)

	_, err = f.referral.Create(ctx, cleanReferral("a", "b", 10))
	require.NoError(t, err)
	_, err = f.referral.Create(ctx, cleanReferral("c", "b", 10))
	assert.ErrorIs(t, err, referraldomain.ErrDuplicateReferral)
}

func TestList_FiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.referral.Create(ctx, cleanReferral("user_a", fmt.Sprintf("user_%d", i), 10_00))
		require.NoError(t, err)
	}
	_, err := f.referral.Create(ctx, cleanReferral("user_z", "user_y", 10_00))
	require.NoError(t, err)

	req := referraldomain.ListReferralRequest{ReferrerID: "user_a"}
	req.PageSize = 3
	first, err := f.referral.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.Referrals, 3)
	require.True(t, first.PageInfo.HasMore)

	req.PageToken = first.PageInfo.NextPageToken
	second, err := f.referral.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, second.Referrals, 2)
	assert.False(t, second.PageInfo.HasMore)
}
