package domain

import (
	"time"

	"gorm.io/datatypes"
)

type ReportType string

const (
	ReportDaily   ReportType = "daily"
	ReportMonthly ReportType = "monthly"
)

func (t ReportType) Valid() bool {
	return t == ReportDaily || t == ReportMonthly
}

type Check string

const (
	CheckPoolSpent         Check = "pool_spent"
	CheckPoolRevenue       Check = "pool_revenue"
	CheckLedgerBalance     Check = "ledger_balance"
	CheckLedgerReplay      Check = "ledger_replay"
	CheckOrphanedReferral  Check = "orphaned_referral"
	CheckNegativeBalance   Check = "negative_balance"
	CheckPayoutLedgerDebit Check = "payout_ledger_debit"
)

// Discrepancy is one mismatch found by a check. Amounts are minor units.
type Discrepancy struct {
	Check    Check  `json:"check"`
	Subject  string `json:"subject"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

func (d Discrepancy) Magnitude() int64 {
	diff := d.Expected - d.Actual
	if diff < 0 {
		return -diff
	}
	return diff
}

// ReconciliationReport is written once per run and never updated.
type ReconciliationReport struct {
	ID                     string                           `gorm:"type:varchar(26);primaryKey" json:"id"`
	ReportType             ReportType                       `gorm:"type:varchar(16);not null;index" json:"report_type"`
	PoolReconciled         bool                             `gorm:"not null" json:"pool_reconciled"`
	PoolDiscrepancy        int64                            `gorm:"not null;default:0" json:"pool_discrepancy"`
	LedgerReconciled       bool                             `gorm:"not null" json:"ledger_reconciled"`
	LedgerDiscrepancy      int64                            `gorm:"not null;default:0" json:"ledger_discrepancy"`
	OrphanedReferralsFound int                              `gorm:"not null;default:0" json:"orphaned_referrals_found"`
	OrphanedReferralIDs    datatypes.JSONSlice[string]      `json:"orphaned_referral_ids"`
	NegativeBalancesFound  int                              `gorm:"not null;default:0" json:"negative_balances_found"`
	NegativeBalanceUsers   datatypes.JSONSlice[string]      `json:"negative_balance_users"`
	RevenueAllocationMatch bool                             `gorm:"not null" json:"revenue_allocation_match"`
	RevenueDiscrepancy     int64                            `gorm:"not null;default:0" json:"revenue_discrepancy"`
	PayoutsReconciled      bool                             `gorm:"not null" json:"payouts_reconciled"`
	PayoutDiscrepancy      int64                            `gorm:"not null;default:0" json:"payout_discrepancy"`
	Discrepancies          datatypes.JSONSlice[Discrepancy] `json:"discrepancies"`
	Notes                  *string                          `gorm:"type:text" json:"notes,omitempty"`
	CompletedBy            string                           `gorm:"type:varchar(64);not null" json:"completed_by"`
	CreatedAt              time.Time                        `gorm:"not null;index" json:"created_at"`
	CompletedAt            time.Time                        `gorm:"not null" json:"completed_at"`
}

func (ReconciliationReport) TableName() string { return "reconciliation_reports" }

func (r ReconciliationReport) Clean() bool {
	return r.PoolReconciled &&
		r.LedgerReconciled &&
		r.RevenueAllocationMatch &&
		r.PayoutsReconciled &&
		r.OrphanedReferralsFound == 0 &&
		r.NegativeBalancesFound == 0
}

func (r ReconciliationReport) Summary() map[string]any {
	return map[string]any{
		"report_type":              string(r.ReportType),
		"clean":                    r.Clean(),
		"pool_discrepancy":         r.PoolDiscrepancy,
		"ledger_discrepancy":       r.LedgerDiscrepancy,
		"revenue_discrepancy":      r.RevenueDiscrepancy,
		"payout_discrepancy":       r.PayoutDiscrepancy,
		"orphaned_referrals_found": r.OrphanedReferralsFound,
		"negative_balances_found":  r.NegativeBalancesFound,
	}
}
