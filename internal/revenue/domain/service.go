package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RecordRequest struct {
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	// Confirmed records the event directly in the confirmed state.
	Confirmed bool `json:"confirmed"`
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*RevenueEvent, error)
	Confirm(ctx context.Context, id uuid.UUID) (*RevenueEvent, error)
	Void(ctx context.Context, id uuid.UUID, reason string) (*RevenueEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*RevenueEvent, error)
	ListConfirmedUnallocated(ctx context.Context, limit int) ([]RevenueEvent, error)

	// MarkAllocatedTx flips confirmed to allocated. It is the only path into
	// the allocated state.
	MarkAllocatedTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, poolID uuid.UUID) (*RevenueEvent, error)
}

var (
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidSource            = errors.New("invalid_source")
	ErrInvalidCurrency          = errors.New("invalid_currency")
	ErrNotFound                 = errors.New("revenue_event_not_found")
	ErrInvalidRevenueTransition = errors.New("invalid_revenue_transition")
	ErrDuplicateRevenueEvent    = errors.New("duplicate_revenue_event")
	ErrRevenueNotConfirmed      = errors.New("revenue_not_confirmed")
	ErrReasonRequired           = errors.New("reason_required")
)
