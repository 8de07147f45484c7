package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeAdmin   ActorType = "admin"
	ActorTypeFinance ActorType = "finance"
	ActorTypeSystem  ActorType = "system"
)

type Action string

const (
	ActionReferralApproved        Action = "referral_approved"
	ActionReferralRejected        Action = "referral_rejected"
	ActionReferralFlagged         Action = "referral_flagged"
	ActionReferralReinstated      Action = "referral_reinstated"
	ActionLedgerReversal          Action = "ledger_reversal"
	ActionManualBalanceAdjustment Action = "manual_balance_adjustment"
	ActionFraudConfirmed          Action = "fraud_confirmed"
	ActionFraudDismissed          Action = "fraud_dismissed"
	ActionPoolAdjustment          Action = "pool_adjustment"
	ActionRevenueAllocated        Action = "revenue_allocated"
	ActionRevenueVoided           Action = "revenue_voided"
	ActionPayoutApproved          Action = "payout_approved"
	ActionPayoutPaid              Action = "payout_paid"
	ActionPayoutCancelled         Action = "payout_cancelled"
	ActionReconciliationCompleted Action = "reconciliation_completed"
)

type TargetType string

const (
	TargetReferralEvent  TargetType = "referral_event"
	TargetPayout         TargetType = "payout"
	TargetPool           TargetType = "pool"
	TargetLedgerEntry    TargetType = "ledger_entry"
	TargetRevenueEvent   TargetType = "revenue_event"
	TargetUser           TargetType = "user"
	TargetRiskAssessment TargetType = "risk_assessment"
	TargetReconciliation TargetType = "reconciliation_report"
)

// AdminFinancialLog is write-once. There is no update path.
type AdminFinancialLog struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AdminID      *string           `gorm:"type:varchar(64);index" json:"admin_id,omitempty"`
	ActorType    string            `gorm:"type:varchar(16);not null" json:"actor_type"`
	Action       string            `gorm:"type:varchar(64);not null;index" json:"action"`
	TargetType   string            `gorm:"type:varchar(32);not null" json:"target_type"`
	TargetID     *string           `gorm:"type:varchar(64);index" json:"target_id,omitempty"`
	BeforeState  datatypes.JSONMap `json:"before_state,omitempty"`
	AfterState   datatypes.JSONMap `json:"after_state,omitempty"`
	ChangesMade  datatypes.JSONMap `json:"changes_made,omitempty"`
	AmountImpact *int64            `json:"amount_impact,omitempty"`
	Notes        *string           `gorm:"type:text" json:"notes,omitempty"`
	Reason       *string           `gorm:"type:text" json:"reason,omitempty"`
	IPAddress    *string           `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent    *string           `gorm:"type:text" json:"user_agent,omitempty"`
	RequestID    *string           `gorm:"type:varchar(64)" json:"request_id,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AdminFinancialLog) TableName() string { return "admin_financial_logs" }

type AuditCursor struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	AdminID    string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
