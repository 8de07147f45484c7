package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusAllocated Status = "allocated"
	StatusVoid      Status = "void"
)

// RevenueEvent is one confirmed payment that can feed the pool exactly once.
type RevenueEvent struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Amount      int64      `gorm:"not null" json:"amount"`
	Currency    string     `gorm:"type:varchar(3);not null" json:"currency"`
	SourceType  string     `gorm:"type:varchar(32);not null;uniqueIndex:ux_revenue_events_source,priority:1" json:"source_type"`
	SourceID    string     `gorm:"type:varchar(128);not null;uniqueIndex:ux_revenue_events_source,priority:2" json:"source_id"`
	Status      Status     `gorm:"type:varchar(16);not null;index" json:"status"`
	PoolID      *uuid.UUID `gorm:"type:uuid;index" json:"pool_id,omitempty"`
	VoidReason  *string    `gorm:"type:text" json:"void_reason,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
}

func (RevenueEvent) TableName() string { return "revenue_events" }

func (e RevenueEvent) Snapshot() map[string]any {
	out := map[string]any{
		"status":   string(e.Status),
		"amount":   e.Amount,
		"currency": e.Currency,
	}
	if e.PoolID != nil {
		out["pool_id"] = e.PoolID.String()
	}
	return out
}
