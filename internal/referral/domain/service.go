package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
)

type CreateReferralRequest struct {
	ReferrerID         string     `json:"referrer_id"`
	ReferredID         string     `json:"referred_id"`
	EventType          EventType  `json:"event_type"`
	CommissionAmount   int64      `json:"commission_amount"`
	SubscriptionAmount int64      `json:"subscription_amount"`
	RevenueEventID     *uuid.UUID `json:"revenue_event_id,omitempty"`
	PoolID             *uuid.UUID `json:"pool_id,omitempty"`
	ReferrerIP         string     `json:"referrer_ip,omitempty"`
	ReferredIP         string     `json:"referred_ip,omitempty"`
	ReferrerDevice     string     `json:"referrer_device,omitempty"`
	ReferredDevice     string     `json:"referred_device,omitempty"`
	ReferredSignupAt   *time.Time `json:"referred_signup_at,omitempty"`
	ConvertedAt        *time.Time `json:"converted_at,omitempty"`
}

// Outcome is the result of Approve. A risk rejection is an outcome, not an
// error; Cause carries ErrRiskAutoRejected for callers that need errors.Is.
type Outcome struct {
	Referral *ReferralEvent             `json:"referral"`
	State    State                      `json:"workflow_state"`
	Reason   string                     `json:"reason,omitempty"`
	Risk     *riskdomain.RiskAssessment `json:"risk_assessment,omitempty"`
	Cause    error                      `json:"-"`
}

type ListReferralRequest struct {
	pagination.Pagination
	ReferrerID string `form:"referrer_id"`
	State      string `form:"workflow_state"`
}

type ListReferralResponse struct {
	pagination.PageInfo
	Referrals []ReferralEvent `json:"referrals"`
}

type Service interface {
	Create(ctx context.Context, req CreateReferralRequest) (*ReferralEvent, error)
	StartReview(ctx context.Context, id uuid.UUID, reviewer string) (*ReferralEvent, error)
	Approve(ctx context.Context, id uuid.UUID) (Outcome, error)
	Reject(ctx context.Context, id uuid.UUID, reason string) (*ReferralEvent, error)
	Flag(ctx context.Context, id uuid.UUID, notes string) (*ReferralEvent, error)
	ReturnToReview(ctx context.Context, id uuid.UUID) (*ReferralEvent, error)
	SchedulePayout(ctx context.Context, id uuid.UUID) (*ReferralEvent, error)
	MarkPaid(ctx context.Context, id uuid.UUID) (*ReferralEvent, error)
	Reverse(ctx context.Context, id uuid.UUID, reason string) (*ReferralEvent, error)

	AdminFlagReferralFraud(ctx context.Context, id uuid.UUID, notes string) (*ReferralEvent, error)
	AdminDismissRiskAssessment(ctx context.Context, riskID uuid.UUID, notes string) (*riskdomain.RiskAssessment, error)

	Get(ctx context.Context, id uuid.UUID) (*ReferralEvent, error)
	List(ctx context.Context, req ListReferralRequest) (ListReferralResponse, error)
	ListSchedulable(ctx context.Context, approvedBefore time.Time, limit int) ([]ReferralEvent, error)
}

var (
	ErrNotFound                = errors.New("referral_not_found")
	ErrInvalidStateTransition  = errors.New("invalid_state_transition")
	ErrInvalidEventType        = errors.New("invalid_event_type")
	ErrInvalidCommission       = errors.New("invalid_commission_amount")
	ErrInvalidParticipants     = errors.New("invalid_participants")
	ErrDuplicateReferral       = errors.New("duplicate_referral")
	ErrReasonRequired          = errors.New("reason_required")
	ErrActorRequired           = errors.New("actor_required")
	ErrInsufficientPoolBalance = errors.New("insufficient_pool_balance")
	ErrRiskAutoRejected        = errors.New("risk_auto_rejected")
	ErrPayoutHeld              = errors.New("payout_held")
	ErrCreditNotFound          = errors.New("referral_credit_not_found")
	ErrInvalidPageToken        = errors.New("invalid_page_token")
)
