package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/referralpool/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	poolservice "github.com/smallbiznis/referralpool/internal/pool/service"
	"github.com/smallbiznis/referralpool/internal/providers/email"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	reconciliationservice "github.com/smallbiznis/referralpool/internal/reconciliation/service"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	referralservice "github.com/smallbiznis/referralpool/internal/referral/service"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	revenueservice "github.com/smallbiznis/referralpool/internal/revenue/service"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	riskservice "github.com/smallbiznis/referralpool/internal/risk/service"
	schedtesting "github.com/smallbiznis/referralpool/internal/scheduler/testing"
	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	sent []events.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msgs ...events.Message) error {
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type recordingMailer struct {
	subjects []string
}

func (m *recordingMailer) Send(_ context.Context, _ []string, subject string, _ string) error {
	m.subjects = append(m.subjects, subject)
	return nil
}

type harness struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	sched     *Scheduler
	pool      pooldomain.Service
	revenue   revenuedomain.Service
	referral  referraldomain.Service
	publisher *recordingPublisher
}

func newHarness(t *testing.T, cfg Config) harness {
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
	clk := clock.NewFakeClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	commission := config.NewStaticCommissionConfigHolder(config.DefaultCommissionConfig())
	outbox := events.NewOutbox(events.OutboxParams{Log: log, Clock: clk})

	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide(), Clock: clk})
	revenueSvc := revenueservice.NewService(revenueservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Clock: clk})
	poolSvc := poolservice.NewService(poolservice.Params{
		DB:         conn,
		Log:        log,
		RevenueSvc: revenueSvc,
		AuditSvc:   auditSvc,
		Commission: commission,
		Clock:      clk,
		Outbox:     outbox,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Clock: clk, Outbox: outbox})
	riskSvc := riskservice.NewService(riskservice.Params{
		DB:         conn,
		Log:        log,
		History:    riskservice.NewHistoryProvider(conn),
		AuditSvc:   auditSvc,
		Commission: commission,
		Clock:      clk,
	})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB:        conn,
		Log:       log,
		PoolSvc:   poolSvc,
		LedgerSvc: ledgerSvc,
		RiskSvc:   riskSvc,
		AuditSvc:  auditSvc,
		Clock:     clk,
		Outbox:    outbox,
	})
	reconciliationSvc := reconciliationservice.NewService(reconciliationservice.Params{
		DB:        conn,
		Log:       log,
		LedgerSvc: ledgerSvc,
		AuditSvc:  auditSvc,
		Clock:     clk,
		Outbox:    outbox,
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	publisher := &recordingPublisher{}
	relay := events.NewRelay(events.RelayParams{DB: conn, Log: log, Publisher: publisher, Clock: clk})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sched, err := New(Params{
		DB:                conn,
		Log:               log,
		RevenueSvc:        revenueSvc,
		PoolSvc:           poolSvc,
		ReferralSvc:       referralSvc,
		ReconciliationSvc: reconciliationSvc,
		AuthzSvc:          authzSvc,
		GenID:             node,
		Clock:             clk,
		Relay:             relay,
		Commission:        commission,
		Config:            cfg,
	})
	require.NoError(t, err)

	return harness{
		db:        conn,
		clock:     clk,
		sched:     sched,
		pool:      poolSvc,
		revenue:   revenueSvc,
		referral:  referralSvc,
		publisher: publisher,
	}
}

func (h harness) openPool(t *testing.T) *pooldomain.RecruitmentPool {
	t.Helper()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	pool, err := h.pool.OpenPeriod(testutil.AdminContext("admin_1"), pooldomain.OpenPeriodRequest{
		PeriodType: pooldomain.PeriodMonthly,
		Start:      start,
		End:        start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	return pool
}

func (h harness) recordRevenue(t *testing.T, sourceID string, amount int64) *revenuedomain.RevenueEvent {
	t.Helper()
	event, err := h.revenue.Record(context.Background(), revenuedomain.RecordRequest{
		Amount:     amount,
		SourceType: "payment",
		SourceID:   sourceID,
		Confirmed:  true,
	})
	require.NoError(t, err)
	return event
}

func (h harness) createReferral(t *testing.T, referrer, referred string, commission int64) *referraldomain.ReferralEvent {
	t.Helper()
	ref, err := h.referral.Create(context.Background(), referraldomain.CreateReferralRequest{
		ReferrerID:       referrer,
		ReferredID:       referred,
		EventType:        referraldomain.EventStudentSubscription,
		CommissionAmount: commission,
		ReferrerIP:       "10.0.0.1",
		ReferredIP:       "10.0.0.2",
	})
	require.NoError(t, err)
	return ref
}

func (h harness) state(t *testing.T, id any) referraldomain.State {
	t.Helper()
	var ref referraldomain.ReferralEvent
	require.NoError(t, h.db.First(&ref, "id = ?", id).Error)
	return ref.WorkflowState
}

func TestAllocateRevenueJob_FeedsOpenPool(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	pool := h.openPool(t)
	h.recordRevenue(t, "pay_1", 10_000_00)
	h.recordRevenue(t, "pay_2", 5_000_00)

	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	reloaded, err := h.pool.Get(context.Background(), pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_00), reloaded.PoolAmount)

	pending, err := h.revenue.ListConfirmedUnallocated(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAllocateRevenueJob_NoOpenPoolLeavesRevenueConfirmed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	event := h.recordRevenue(t, "pay_1", 10_000_00)

	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	reloaded, err := h.revenue.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, revenuedomain.StatusConfirmed, reloaded.Status)
}

func TestSchedulePayoutsJob_WaitsForHoldWindow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.openPool(t)
	h.recordRevenue(t, "pay_1", 10_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	ref := h.createReferral(t, "user_a", "user_b", 50_00)
	outcome, err := h.referral.Approve(context.Background(), ref.ID)
	require.NoError(t, err)
	require.Equal(t, referraldomain.StateApproved, outcome.State)

	require.NoError(t, h.sched.SchedulePayoutsJob(context.Background()))
	assert.Equal(t, referraldomain.StateApproved, h.state(t, ref.ID))

	h.clock.Advance(72*time.Hour + time.Minute)
	require.NoError(t, h.sched.SchedulePayoutsJob(context.Background()))
	assert.Equal(t, referraldomain.StateScheduledForPayout, h.state(t, ref.ID))
}

func TestSchedulePayoutsJob_BackdatedApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.openPool(t)
	h.recordRevenue(t, "pay_1", 10_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	ref := h.createReferral(t, "user_a", "user_b", 50_00)
	_, err := h.referral.Approve(context.Background(), ref.ID)
	require.NoError(t, err)

	accel := schedtesting.NewTimeAccelerator(h.db)
	require.NoError(t, accel.BackdateApproval(context.Background(), ref.ID, 73*time.Hour))
	timing, err := accel.Timing(context.Background(), ref.ID, h.clock.Now(), 72*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, timing.ReleasableIn)

	require.NoError(t, h.sched.SchedulePayoutsJob(context.Background()))
	assert.Equal(t, referraldomain.StateScheduledForPayout, h.state(t, ref.ID))
}

func TestRetryReviewJob_ApprovesOnceThePoolIsFunded(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.openPool(t)

	ref := h.createReferral(t, "user_a", "user_b", 50_00)
	_, err := h.referral.Approve(context.Background(), ref.ID)
	require.ErrorIs(t, err, referraldomain.ErrInsufficientPoolBalance)
	require.Equal(t, referraldomain.StateUnderReview, h.state(t, ref.ID))

	h.recordRevenue(t, "pay_1", 10_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	// Not stalled yet.
	require.NoError(t, h.sched.RetryReviewJob(context.Background()))
	assert.Equal(t, referraldomain.StateUnderReview, h.state(t, ref.ID))

	h.clock.Advance(16 * time.Minute)
	require.NoError(t, h.sched.RetryReviewJob(context.Background()))
	assert.Equal(t, referraldomain.StateApproved, h.state(t, ref.ID))
}

func TestRetryReviewJob_MovesHeldReferralToNextPeriod(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	october := h.openPool(t)
	h.recordRevenue(t, "pay_oct", 10_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(ctx))

	ref := h.createReferral(t, "user_a", "user_b", 400_00)
	_, err := h.referral.Approve(ctx, ref.ID)
	require.ErrorIs(t, err, referraldomain.ErrInsufficientPoolBalance)

	_, err = h.pool.ClosePeriod(testutil.AdminContext("admin_1"), october.ID)
	require.NoError(t, err)
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	november, err := h.pool.OpenPeriod(testutil.AdminContext("admin_1"), pooldomain.OpenPeriodRequest{
		PeriodType: pooldomain.PeriodMonthly,
		Start:      start,
		End:        start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	h.recordRevenue(t, "pay_nov", 100_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(ctx))

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.RetryReviewJob(ctx))
	assert.Equal(t, referraldomain.StateApproved, h.state(t, ref.ID))

	var stored referraldomain.ReferralEvent
	require.NoError(t, h.db.First(&stored, "id = ?", ref.ID).Error)
	require.NotNil(t, stored.PoolID)
	assert.Equal(t, november.ID, *stored.PoolID)
}

func TestRetryReviewJob_PoolStillShortKeepsReview(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.openPool(t)

	ref := h.createReferral(t, "user_a", "user_b", 50_00)
	_, err := h.referral.Approve(context.Background(), ref.ID)
	require.ErrorIs(t, err, referraldomain.ErrInsufficientPoolBalance)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.RetryReviewJob(context.Background()))
	assert.Equal(t, referraldomain.StateUnderReview, h.state(t, ref.ID))
}

func TestReconcileDailyJob_RunsOncePerDay(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	count := func() int64 {
		var n int64
		require.NoError(t, h.db.Model(&reconciliationdomain.ReconciliationReport{}).
			Where("report_type = ?", reconciliationdomain.ReportDaily).
			Count(&n).Error)
		return n
	}

	require.NoError(t, h.sched.ReconcileDailyJob(ctx))
	require.NoError(t, h.sched.ReconcileDailyJob(ctx))
	assert.Equal(t, int64(1), count())

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.sched.ReconcileDailyJob(ctx))
	assert.Equal(t, int64(2), count())
}

func TestReconcileDailyJob_AlertsOnDiscrepancy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	mailer := &recordingMailer{}
	h.sched.alerter = email.NewAlerter(mailer, []string{"finance@example.com"}, zap.NewNop())

	pool := h.openPool(t)
	require.NoError(t, h.db.Exec("UPDATE recruitment_pools SET spent_student = spent_student + 7 WHERE id = ?", pool.ID).Error)

	require.NoError(t, h.sched.ReconcileDailyJob(context.Background()))
	require.Len(t, mailer.subjects, 1)
	assert.Contains(t, mailer.subjects[0], "daily reconciliation found discrepancies")
}

func TestRunOnce_OnlyEnabledJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnabledJobs = []string{JobReconcileMonthly}
	h := newHarness(t, cfg)
	h.openPool(t)
	h.recordRevenue(t, "pay_1", 10_000_00)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	pending, err := h.revenue.ListConfirmedUnallocated(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	var reports int64
	require.NoError(t, h.db.Model(&reconciliationdomain.ReconciliationReport{}).Count(&reports).Error)
	assert.Equal(t, int64(1), reports)
}

func TestOutboxRelayJob_PublishesPendingEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.openPool(t)
	h.recordRevenue(t, "pay_1", 10_000_00)
	require.NoError(t, h.sched.AllocateRevenueJob(context.Background()))

	require.NoError(t, h.sched.OutboxRelayJob(context.Background()))
	assert.NotEmpty(t, h.publisher.sent)

	sent := len(h.publisher.sent)
	require.NoError(t, h.sched.OutboxRelayJob(context.Background()))
	assert.Len(t, h.publisher.sent, sent)

	countRows := func() int64 {
		var n int64
		require.NoError(t, h.db.Model(&events.OutboxEvent{}).Count(&n).Error)
		return n
	}
	assert.NotZero(t, countRows())

	h.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, h.sched.OutboxRelayJob(context.Background()))
	assert.Zero(t, countRows())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ReconcileTimeout: 10 * time.Minute}.withDefaults()
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 11*time.Minute, cfg.LockTTL)
	assert.Equal(t, 15*time.Minute, cfg.RecoveryThreshold)
}
