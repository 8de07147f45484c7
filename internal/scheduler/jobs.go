package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/referralpool/internal/authorization"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"github.com/smallbiznis/referralpool/internal/scheduler/guard"
	"go.uber.org/zap"
)

// AllocateRevenueJob feeds confirmed revenue into the open pool. It is also
// the recovery path for a crash between confirm and allocate.
func (s *Scheduler) AllocateRevenueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAllocateRevenue, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectRevenueEvent, authorization.ActionRevenueAllocate); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.revenue.forbidden", JobAllocateRevenue, err)
		return err
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pending, err := s.revenueSvc.ListConfirmedUnallocated(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.revenue.fetch.failed", JobAllocateRevenue, err)
			return errors.Join(jobErr, err)
		}
		if len(pending) == 0 {
			return jobErr
		}

		allocated := 0
		for _, event := range pending {
			_, err := s.poolSvc.AllocateRevenue(ctx, event.ID)
			switch {
			case err == nil:
				allocated++
			case errors.Is(err, pooldomain.ErrNoOpenPool):
				// Nothing can be allocated until an operator opens a period.
				schedMetrics.IncBatchDeferred(JobAllocateRevenue, obsmetrics.SchedulerBatchDeferredReasonNoOpenPool)
				run.AddProcessed(allocated)
				schedMetrics.AddBatchProcessed(JobAllocateRevenue, "revenue_event", allocated)
				return jobErr
			case errors.Is(err, revenuedomain.ErrRevenueNotConfirmed):
				// Voided or allocated concurrently.
			default:
				s.logSchedulerError(ctx, run, "scheduler.revenue.allocate.failed", JobAllocateRevenue, err,
					zap.String("revenue_event_id", event.ID.String()),
				)
				jobErr = errors.Join(jobErr, err)
			}
		}
		run.AddProcessed(allocated)
		schedMetrics.AddBatchProcessed(JobAllocateRevenue, "revenue_event", allocated)
		if allocated == 0 || len(pending) < s.cfg.BatchSize {
			return jobErr
		}
	}
}

// SchedulePayoutsJob moves approved referrals past the hold window to
// scheduled_for_payout.
func (s *Scheduler) SchedulePayoutsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSchedulePayouts, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectReferral, authorization.ActionReferralSchedulePayout); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payout.forbidden", JobSchedulePayouts, err)
		return err
	}
	schedMetrics := obsmetrics.Scheduler()
	cutoff := guard.PayoutReleaseCutoff(s.clock.Now(), s.holdWindow())
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		due, err := s.referralSvc.ListSchedulable(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.payout.fetch.failed", JobSchedulePayouts, err)
			return errors.Join(jobErr, err)
		}
		if len(due) == 0 {
			return jobErr
		}

		scheduled := 0
		for _, ref := range due {
			_, err := s.referralSvc.SchedulePayout(ctx, ref.ID)
			switch {
			case err == nil:
				scheduled++
			case errors.Is(err, referraldomain.ErrPayoutHeld):
				schedMetrics.IncBatchDeferred(JobSchedulePayouts, obsmetrics.SchedulerBatchDeferredReasonPayoutHeld)
			case errors.Is(err, referraldomain.ErrInvalidStateTransition):
				// Reversed or already scheduled by another worker.
			default:
				s.logSchedulerError(ctx, run, "scheduler.payout.schedule.failed", JobSchedulePayouts, err,
					zap.String("referral_id", ref.ID.String()),
				)
				jobErr = errors.Join(jobErr, err)
			}
		}
		run.AddProcessed(scheduled)
		schedMetrics.AddBatchProcessed(JobSchedulePayouts, "referral_event", scheduled)
		if scheduled == 0 || len(due) < s.cfg.BatchSize {
			return jobErr
		}
	}
}

func (s *Scheduler) ReconcileDailyJob(ctx context.Context) error {
	return s.reconcile(ctx, JobReconcileDaily, reconciliationdomain.ReportDaily)
}

func (s *Scheduler) ReconcileMonthlyJob(ctx context.Context) error {
	return s.reconcile(ctx, JobReconcileMonthly, reconciliationdomain.ReportMonthly)
}

func (s *Scheduler) reconcile(ctx context.Context, job string, reportType reconciliationdomain.ReportType) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	last, err := s.lastReportAt(ctx, reportType)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.fetch.failed", job, err)
		return err
	}
	if !guard.ReconciliationDue(reportType, s.clock.Now(), last) {
		return nil
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectReconciliation, authorization.ActionReconciliationRun); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.forbidden", job, err)
		return err
	}

	report, err := s.reconciliationSvc.Run(ctx, reportType)
	if errors.Is(err, reconciliationdomain.ErrReconciliationDiscrepancy) && report != nil {
		// The report is stored; the job itself succeeded.
		s.logger(ctx).Error("scheduler.reconciliation.discrepancy",
			zap.String("job", job),
			zap.String("run_id", run.runID),
			zap.String("report_id", report.ID),
			zap.Any("summary", report.Summary()),
		)
		if alertErr := s.alerter.ReconciliationDiscrepancy(ctx, report.ID, string(report.ReportType), report.CompletedAt, report.Summary()); alertErr != nil {
			s.logger(ctx).Warn("scheduler.reconciliation.alert.failed",
				zap.String("report_id", report.ID),
				zap.Error(alertErr),
			)
		}
		run.AddProcessed(1)
		return nil
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.failed", job, err)
		return err
	}
	run.AddProcessed(1)
	return nil
}

func (s *Scheduler) lastReportAt(ctx context.Context, reportType reconciliationdomain.ReportType) (*time.Time, error) {
	var reports []reconciliationdomain.ReconciliationReport
	if err := s.db.WithContext(ctx).
		Select("id, completed_at").
		Where("report_type = ?", reportType).
		Order("completed_at desc").
		Limit(1).
		Find(&reports).Error; err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0].CompletedAt, nil
}

func (s *Scheduler) OutboxRelayJob(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	ctx, run, owner := s.ensureJobRun(ctx, JobOutboxRelay, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sent, err := s.relay.RelayPending(ctx, s.cfg.BatchSize)
		run.AddProcessed(sent)
		obsmetrics.Scheduler().AddBatchProcessed(JobOutboxRelay, "outbox_event", sent)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.outbox.relay.failed", JobOutboxRelay, err)
			return err
		}
		if sent < s.cfg.BatchSize {
			break
		}
	}

	pruned, err := s.relay.PruneBefore(ctx, s.clock.Now().Add(-s.cfg.OutboxRetention))
	if err != nil {
		s.logger(ctx).Warn("scheduler.outbox.prune.failed", zap.Error(err))
		return nil
	}
	if pruned > 0 {
		s.logger(ctx).Debug("scheduler.outbox.pruned", zap.Int64("rows", pruned))
	}
	return nil
}
