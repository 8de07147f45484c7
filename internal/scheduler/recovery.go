package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/referralpool/internal/authorization"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	"go.uber.org/zap"
)

type WorkReferral struct {
	ID               uuid.UUID
	CommissionAmount int64
	ReviewStartedAt  time.Time
}

// RetryReviewJob re-attempts approval for referrals that have sat in
// under_review longer than RecoveryThreshold, typically because the pool was
// exhausted when they were first approved.
func (s *Scheduler) RetryReviewJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryReview, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectReferral, authorization.ActionReferralApprove); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.review.forbidden", JobRetryReview, err)
		return err
	}

	if _, err := s.poolSvc.Current(ctx); err != nil {
		if errors.Is(err, pooldomain.ErrNoOpenPool) {
			obsmetrics.Scheduler().IncBatchDeferred(JobRetryReview, obsmetrics.SchedulerBatchDeferredReasonNoOpenPool)
			return nil
		}
		return err
	}

	schedMetrics := obsmetrics.Scheduler()
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	var (
		jobErr error
		after  *WorkReferral
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stalled, err := s.fetchStalledReviews(ctx, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.review.fetch.failed", JobRetryReview, err)
			return errors.Join(jobErr, err)
		}
		if len(stalled) == 0 {
			return jobErr
		}

		settled := 0
		for _, ref := range stalled {
			outcome, err := s.referralSvc.Approve(ctx, ref.ID)
			switch {
			case err == nil:
				settled++
				s.logger(ctx).Info("scheduler.review.settled",
					zap.String("referral_id", ref.ID.String()),
					zap.String("state", string(outcome.State)),
				)
			case errors.Is(err, referraldomain.ErrInsufficientPoolBalance):
				schedMetrics.IncBatchDeferred(JobRetryReview, obsmetrics.SchedulerBatchDeferredReasonPoolExhausted)
			case errors.Is(err, referraldomain.ErrInvalidStateTransition):
			default:
				s.logSchedulerError(ctx, run, "scheduler.review.approve.failed", JobRetryReview, err,
					zap.String("referral_id", ref.ID.String()),
				)
				jobErr = errors.Join(jobErr, err)
			}
		}
		run.AddProcessed(settled)
		schedMetrics.AddBatchProcessed(JobRetryReview, "referral_event", settled)

		if len(stalled) < s.cfg.BatchSize {
			return jobErr
		}
		after = &stalled[len(stalled)-1]
	}
}

// fetchStalledReviews pages by (review_started_at, id) so a referral that
// stays in review does not hide the ones behind it.
func (s *Scheduler) fetchStalledReviews(ctx context.Context, cutoff time.Time, after *WorkReferral, limit int) ([]WorkReferral, error) {
	q := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Select("id, commission_amount, review_started_at").
		Where("workflow_state = ? AND review_started_at IS NOT NULL AND review_started_at <= ?", referraldomain.StateUnderReview, cutoff.UTC())
	if after != nil {
		q = q.Where("(review_started_at > ?) OR (review_started_at = ? AND id > ?)", after.ReviewStartedAt, after.ReviewStartedAt, after.ID)
	}
	var refs []WorkReferral
	err := q.Order("review_started_at asc, id asc").Limit(limit).Scan(&refs).Error
	return refs, err
}
