package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/referralpool/internal/auditcontext"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	"github.com/smallbiznis/referralpool/internal/providers/email"
	"github.com/smallbiznis/referralpool/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobAllocateRevenue  = "allocate_revenue"
	JobRetryReview      = "retry_review"
	JobSchedulePayouts  = "schedule_payouts"
	JobReconcileDaily   = "reconcile_daily"
	JobReconcileMonthly = "reconcile_monthly"
	JobOutboxRelay      = "outbox_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB                *gorm.DB
	Log               *zap.Logger
	RevenueSvc        revenuedomain.Service
	PoolSvc           pooldomain.Service
	ReferralSvc       referraldomain.Service
	ReconciliationSvc reconciliationdomain.Service
	AuthzSvc          authorization.Service
	GenID             *snowflake.Node
	Clock             clock.Clock
	Relay             *events.Relay                  `optional:"true"`
	Locker            *ratelimit.Locker              `optional:"true"`
	Commission        *config.CommissionConfigHolder `optional:"true"`
	Alerter           *email.Alerter                 `optional:"true"`
	Config            Config                         `optional:"true"`
}

type Scheduler struct {
	db                *gorm.DB
	log               *zap.Logger
	cfg               Config
	genID             *snowflake.Node
	clock             clock.Clock
	revenueSvc        revenuedomain.Service
	poolSvc           pooldomain.Service
	referralSvc       referraldomain.Service
	reconciliationSvc reconciliationdomain.Service
	authzSvc          authorization.Service
	relay             *events.Relay
	locker            *ratelimit.Locker
	commission        *config.CommissionConfigHolder
	alerter           *email.Alerter
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.RevenueSvc == nil || p.PoolSvc == nil || p.ReferralSvc == nil || p.ReconciliationSvc == nil || p.AuthzSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:                p.DB,
		log:               p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:               p.Config.withDefaults(),
		genID:             p.GenID,
		clock:             p.Clock,
		revenueSvc:        p.RevenueSvc,
		poolSvc:           p.PoolSvc,
		referralSvc:       p.ReferralSvc,
		reconciliationSvc: p.ReconciliationSvc,
		authzSvc:          p.AuthzSvc,
		relay:             p.Relay,
		locker:            p.Locker,
		commission:        p.Commission,
		alerter:           p.Alerter,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	release, acquired, err := s.acquireJobLock(ctx, name)
	if err != nil {
		log.Warn("job lock unavailable", zap.Error(err))
		return nil
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Debug("job lock held elsewhere")
		return nil
	}
	defer release()

	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; the next tick picks up the rest.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in dependency order: revenue feeds the
// pool before stalled reviews retry against it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobAllocateRevenue, s.cfg.JobTimeout, s.AllocateRevenueJob},
		{JobRetryReview, s.cfg.JobTimeout, s.RetryReviewJob},
		{JobSchedulePayouts, s.cfg.JobTimeout, s.SchedulePayoutsJob},
		{JobReconcileDaily, s.cfg.ReconcileTimeout, s.ReconcileDailyJob},
		{JobReconcileMonthly, s.cfg.ReconcileTimeout, s.ReconcileMonthlyJob},
		{JobOutboxRelay, s.cfg.JobTimeout, s.OutboxRelayJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, authorization.RoleSystem, "", object, action)
}

func (s *Scheduler) holdWindow() time.Duration {
	return s.commission.Get().Payout.HoldWindow
}
