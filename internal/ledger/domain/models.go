package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionReferralEarned   TransactionType = "referral_earned"
	TransactionReferralReversal TransactionType = "referral_reversal"
	TransactionPayoutDebit      TransactionType = "payout_debit"
	TransactionManualAdjustment TransactionType = "manual_adjustment"
	TransactionEntryReversal    TransactionType = "entry_reversal"
)

type SourceType string

const (
	SourceReferral   SourceType = "referral"
	SourcePayout     SourceType = "payout"
	SourceAdjustment SourceType = "adjustment"
)

type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "pending"
	EntryStatusPosted   EntryStatus = "posted"
	EntryStatusReversed EntryStatus = "reversed"
)

const DefaultCurrency = "PHP"

// LedgerEntry is append-only. Exactly one of Debit or Credit is positive and
// BalanceAfter is the user's running balance once this entry is applied.
type LedgerEntry struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_financial_ledger_user_seq,priority:1" json:"user_id"`
	Sequence        int64           `gorm:"not null;uniqueIndex:ux_financial_ledger_user_seq,priority:2" json:"sequence"`
	TransactionType TransactionType `gorm:"type:varchar(32);not null;index" json:"transaction_type"`
	Debit           int64           `gorm:"not null;default:0" json:"debit"`
	Credit          int64           `gorm:"not null;default:0" json:"credit"`
	BalanceAfter    int64           `gorm:"not null" json:"balance_after"`
	Currency        string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status          EntryStatus     `gorm:"type:varchar(16);not null" json:"status"`
	SourceType      SourceType      `gorm:"type:varchar(16);not null;index:ix_financial_ledger_source,priority:1" json:"source_type"`
	SourceID        string          `gorm:"type:varchar(64);not null;index:ix_financial_ledger_source,priority:2" json:"source_id"`
	ReferenceNumber *string         `gorm:"type:varchar(64)" json:"reference_number,omitempty"`
	ReversesEntryID *uuid.UUID      `gorm:"type:uuid;index" json:"reverses_entry_id,omitempty"`
	Description     string          `gorm:"type:text" json:"description,omitempty"`
	Override        bool            `gorm:"not null;default:false" json:"override"`
	PostedAt        time.Time       `gorm:"not null" json:"posted_at"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "financial_ledger" }

// LedgerAccount is the per-user head row. Appends for one user serialize on
// its version column.
type LedgerAccount struct {
	UserID       string    `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	Balance      int64     `gorm:"not null;default:0" json:"balance"`
	LastSequence int64     `gorm:"not null;default:0" json:"last_sequence"`
	Version      int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// ReplayResult is the outcome of recomputing a user's running balance.
type ReplayResult struct {
	UserID           string `json:"user_id"`
	Entries          int    `json:"entries"`
	ComputedBalance  int64  `json:"computed_balance"`
	RecordedBalance  int64  `json:"recorded_balance"`
	Consistent       bool   `json:"consistent"`
	FirstMismatchSeq *int64 `json:"first_mismatch_sequence,omitempty"`
}

// UserTotals aggregates posted entries for one user.
type UserTotals struct {
	UserID        string `json:"user_id"`
	TotalCredits  int64  `json:"total_credits"`
	TotalDebits   int64  `json:"total_debits"`
	LatestBalance int64  `json:"latest_balance"`
	HeadBalance   int64  `json:"head_balance"`
	Entries       int64  `json:"entries"`
}
