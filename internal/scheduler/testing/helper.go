// Package testing moves referral timestamps so scheduler jobs can be
// exercised without waiting out hold windows.
package testing

import (
	"context"
	"time"

	"github.com/google/uuid"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites workflow timestamps in place.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// BackdateApproval moves approved_at back by d so the referral clears the
// payout hold window sooner.
func (ta *TimeAccelerator) BackdateApproval(ctx context.Context, referralID uuid.UUID, d time.Duration) error {
	var ref referraldomain.ReferralEvent
	if err := ta.db.WithContext(ctx).First(&ref, "id = ?", referralID).Error; err != nil {
		return err
	}
	if ref.ApprovedAt == nil {
		return referraldomain.ErrInvalidStateTransition
	}
	return ta.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Where("id = ? AND workflow_state = ?", referralID, referraldomain.StateApproved).
		Update("approved_at", ref.ApprovedAt.Add(-d)).Error
}

// StallReview marks a referral as having entered review d ago.
func (ta *TimeAccelerator) StallReview(ctx context.Context, referralID uuid.UUID, now time.Time, d time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE referral_events
		 SET review_started_at = ?
		 WHERE id = ? AND workflow_state = ?`,
		now.UTC().Add(-d),
		referralID,
		referraldomain.StateUnderReview,
	).Error
}

// ReferralTiming is a debugging view of where a referral sits in the workflow.
type ReferralTiming struct {
	ID              uuid.UUID
	State           referraldomain.State
	ReviewStartedAt *time.Time
	ApprovedAt      *time.Time
	ReleasableIn    time.Duration
}

func (ta *TimeAccelerator) Timing(ctx context.Context, referralID uuid.UUID, now time.Time, hold time.Duration) (*ReferralTiming, error) {
	var ref referraldomain.ReferralEvent
	if err := ta.db.WithContext(ctx).First(&ref, "id = ?", referralID).Error; err != nil {
		return nil, err
	}
	info := &ReferralTiming{
		ID:              ref.ID,
		State:           ref.WorkflowState,
		ReviewStartedAt: ref.ReviewStartedAt,
		ApprovedAt:      ref.ApprovedAt,
	}
	if ref.ApprovedAt != nil {
		if left := ref.ApprovedAt.Add(hold).Sub(now); left > 0 {
			info.ReleasableIn = left
		}
	}
	return info, nil
}
