package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Method string

const (
	MethodCredits Method = "credits"
	MethodGCash   Method = "gcash"
	MethodBank    Method = "bank"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCredits, MethodGCash, MethodBank:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// Open reports statuses whose amount is still committed against the balance.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusApproved
}

type Payout struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string            `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Amount        int64             `gorm:"not null" json:"amount"`
	Currency      string            `gorm:"type:varchar(3);not null" json:"currency"`
	PayoutMethod  Method            `gorm:"type:varchar(16);not null" json:"payout_method"`
	PayoutDetails datatypes.JSONMap `json:"payout_details,omitempty"`
	Status        Status            `gorm:"type:varchar(16);not null;index" json:"status"`
	TransactionID *string           `gorm:"type:varchar(128)" json:"transaction_id,omitempty"`
	LedgerEntryID *uuid.UUID        `gorm:"type:uuid" json:"ledger_entry_id,omitempty"`
	ApprovedBy    *string           `gorm:"type:varchar(64)" json:"approved_by,omitempty"`
	ApprovedAt    *time.Time        `json:"approved_at,omitempty"`
	PaidAt        *time.Time        `gorm:"index" json:"paid_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason  *string           `gorm:"type:text" json:"cancel_reason,omitempty"`
	Version       int64             `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time         `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

func (Payout) TableName() string { return "payouts" }

func (p Payout) Snapshot() map[string]any {
	out := map[string]any{
		"status":        string(p.Status),
		"amount":        p.Amount,
		"payout_method": string(p.PayoutMethod),
		"version":       p.Version,
	}
	if p.TransactionID != nil {
		out["transaction_id"] = *p.TransactionID
	}
	return out
}
