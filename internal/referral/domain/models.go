package domain

import (
	"time"

	"github.com/google/uuid"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
)

type EventType string

const (
	EventStudentSubscription EventType = "student_subscription"
	EventAdvisorRecruitment  EventType = "advisor_recruitment"
	EventCriticRecruitment   EventType = "critic_recruitment"
)

type PoolAllocation string

const (
	AllocationStudent PoolAllocation = "student_35"
	AllocationAdvisor PoolAllocation = "advisor_35"
	AllocationCritic  PoolAllocation = "critic_30"
)

// Allocation maps an event type to the pool bucket it draws from.
func (t EventType) Allocation() (PoolAllocation, bool) {
	switch t {
	case EventStudentSubscription:
		return AllocationStudent, true
	case EventAdvisorRecruitment:
		return AllocationAdvisor, true
	case EventCriticRecruitment:
		return AllocationCritic, true
	}
	return "", false
}

func (a PoolAllocation) Role() pooldomain.Role {
	switch a {
	case AllocationStudent:
		return pooldomain.RoleStudent
	case AllocationAdvisor:
		return pooldomain.RoleAdvisor
	case AllocationCritic:
		return pooldomain.RoleCritic
	}
	return ""
}

type State string

const (
	StatePending            State = "pending"
	StateUnderReview        State = "under_review"
	StateApproved           State = "approved"
	StateRejected           State = "rejected"
	StateFlagged            State = "flagged"
	StateScheduledForPayout State = "scheduled_for_payout"
	StatePaid               State = "paid"
	StateReversed           State = "reversed"
)

var transitions = map[State][]State{
	StatePending:            {StateUnderReview, StateRejected},
	StateUnderReview:        {StateApproved, StateRejected, StateFlagged},
	StateFlagged:            {StateUnderReview, StateRejected},
	StateApproved:           {StateScheduledForPayout, StateReversed},
	StateScheduledForPayout: {StatePaid, StateReversed},
}

// CanTransition reports whether from -> to is in the workflow table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Committed reports states in which the commission is reserved and credited.
func (s State) Committed() bool {
	return s == StateApproved || s == StateScheduledForPayout || s == StatePaid
}

func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// ReferralEvent is never deleted; every change is a guarded state transition.
type ReferralEvent struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ReferrerID         string         `gorm:"type:varchar(64);not null;index" json:"referrer_id"`
	ReferredID         string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_referral_events_referred_type,priority:1" json:"referred_id"`
	EventType          EventType      `gorm:"type:varchar(32);not null;uniqueIndex:ux_referral_events_referred_type,priority:2" json:"event_type"`
	CommissionAmount   int64          `gorm:"not null" json:"commission_amount"`
	SubscriptionAmount int64          `gorm:"not null;default:0" json:"subscription_amount"`
	PoolAllocation     PoolAllocation `gorm:"type:varchar(16);not null" json:"pool_allocation"`
	PoolID             *uuid.UUID     `gorm:"type:uuid;index" json:"pool_id,omitempty"`
	RevenueEventID     *uuid.UUID     `gorm:"type:uuid;index" json:"revenue_event_id,omitempty"`
	WorkflowState      State          `gorm:"type:varchar(32);not null;index" json:"workflow_state"`
	Version            int64          `gorm:"not null;default:1" json:"version"`
	ReviewStartedAt    *time.Time     `json:"review_started_at,omitempty"`
	ApprovedAt         *time.Time     `gorm:"index" json:"approved_at,omitempty"`
	ScheduledPayoutAt  *time.Time     `json:"scheduled_payout_at,omitempty"`
	PaidAt             *time.Time     `json:"paid_at,omitempty"`
	RejectedAt         *time.Time     `json:"rejected_at,omitempty"`
	FlaggedAt          *time.Time     `json:"flagged_at,omitempty"`
	ReversedAt         *time.Time     `json:"reversed_at,omitempty"`
	ReversalReason     *string        `gorm:"type:text" json:"reversal_reason,omitempty"`
	RejectionReason    *string        `gorm:"type:text" json:"rejection_reason,omitempty"`
	ReviewedBy         *string        `gorm:"type:varchar(64)" json:"reviewed_by,omitempty"`
	ReferrerIP         *string        `gorm:"type:varchar(64)" json:"referrer_ip,omitempty"`
	ReferredIP         *string        `gorm:"type:varchar(64)" json:"referred_ip,omitempty"`
	ReferrerDevice     *string        `gorm:"type:varchar(128)" json:"referrer_device,omitempty"`
	ReferredDevice     *string        `gorm:"type:varchar(128)" json:"referred_device,omitempty"`
	ReferredSignupAt   *time.Time     `json:"referred_signup_at,omitempty"`
	ConvertedAt        *time.Time     `json:"converted_at,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
}

func (ReferralEvent) TableName() string { return "referral_events" }

func (r ReferralEvent) Role() pooldomain.Role {
	return r.PoolAllocation.Role()
}

func (r ReferralEvent) Snapshot() map[string]any {
	out := map[string]any{
		"workflow_state":    string(r.WorkflowState),
		"commission_amount": r.CommissionAmount,
		"pool_allocation":   string(r.PoolAllocation),
		"version":           r.Version,
	}
	if r.PoolID != nil {
		out["pool_id"] = r.PoolID.String()
	}
	return out
}

// RiskSubject projects the fields the risk engine scores.
func (r ReferralEvent) RiskSubject() riskdomain.Subject {
	return riskdomain.Subject{
		ReferralID:       r.ID,
		ReferrerID:       r.ReferrerID,
		ReferredID:       r.ReferredID,
		ReferrerIP:       deref(r.ReferrerIP),
		ReferredIP:       deref(r.ReferredIP),
		ReferrerDevice:   deref(r.ReferrerDevice),
		ReferredDevice:   deref(r.ReferredDevice),
		ReferredSignupAt: r.ReferredSignupAt,
		ConvertedAt:      r.ConvertedAt,
		CreatedAt:        r.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
