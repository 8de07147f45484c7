package authorization

import (
	"context"
	"errors"
)

// Service decides whether an actor holding a role may perform action on object.
type Service interface {
	Authorize(ctx context.Context, actor string, role string, object string, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

const (
	RoleAdmin    = "admin"
	RoleFinance  = "finance"
	RoleReviewer = "reviewer"
	RoleSystem   = "system"
)

const (
	ObjectReferral       = "referral"
	ObjectRiskAssessment = "risk_assessment"
	ObjectPool           = "pool"
	ObjectRevenueEvent   = "revenue_event"
	ObjectPayout         = "payout"
	ObjectLedger         = "ledger"
	ObjectReconciliation = "reconciliation"
	ObjectAuditLog       = "audit_log"
)

const (
	ActionReferralCreate         = "referral.create"
	ActionReferralReview         = "referral.review"
	ActionReferralApprove        = "referral.approve"
	ActionReferralReject         = "referral.reject"
	ActionReferralReverse        = "referral.reverse"
	ActionReferralFlagFraud      = "referral.flag_fraud"
	ActionReferralSchedulePayout = "referral.schedule_payout"

	ActionRiskDismiss = "risk_assessment.dismiss"

	ActionPoolOpen     = "pool.open"
	ActionPoolClose    = "pool.close"
	ActionPoolFinalize = "pool.finalize"

	ActionRevenueRecord   = "revenue_event.record"
	ActionRevenueConfirm  = "revenue_event.confirm"
	ActionRevenueVoid     = "revenue_event.void"
	ActionRevenueAllocate = "revenue_event.allocate"

	ActionPayoutRequest  = "payout.request"
	ActionPayoutApprove  = "payout.approve"
	ActionPayoutMarkPaid = "payout.mark_paid"
	ActionPayoutCancel   = "payout.cancel"

	ActionLedgerAdjust = "ledger.adjust"

	ActionReconciliationRun  = "reconciliation.run"
	ActionReconciliationView = "reconciliation.view"

	ActionAuditLogView = "audit_log.view"
)
