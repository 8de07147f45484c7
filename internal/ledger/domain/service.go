package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostEntryRequest struct {
	UserID          string
	Debit           int64
	Credit          int64
	Type            TransactionType
	SourceType      SourceType
	SourceID        string
	Reference       string
	Currency        string
	Override        bool
	Description     string
	ReversesEntryID *uuid.UUID
}

type Service interface {
	PostEntry(ctx context.Context, req PostEntryRequest) (*LedgerEntry, error)
	PostEntryTx(ctx context.Context, tx *gorm.DB, req PostEntryRequest) (*LedgerEntry, error)
	ReverseEntry(ctx context.Context, tx *gorm.DB, entryID uuid.UUID, reason string) (*LedgerEntry, error)

	BalanceOf(ctx context.Context, userID string) (int64, error)
	BalanceOfTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error)
	Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	FindBySource(ctx context.Context, tx *gorm.DB, sourceType SourceType, sourceID string) ([]LedgerEntry, error)
	Replay(ctx context.Context, userID string) (ReplayResult, error)
	Totals(ctx context.Context) ([]UserTotals, error)

	// LockAccountTx bumps the user's head version so concurrent callers that
	// read the balance in their own transaction serialize behind this one.
	LockAccountTx(ctx context.Context, tx *gorm.DB, userID string) error
}

var (
	ErrInvalidUser              = errors.New("invalid_user")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidTransactionType   = errors.New("invalid_transaction_type")
	ErrInvalidSourceType        = errors.New("invalid_source_type")
	ErrInvalidSourceID          = errors.New("invalid_source_id")
	ErrNegativeBalanceViolation = errors.New("negative_balance_violation")
	ErrOverrideRequiresActor    = errors.New("override_requires_actor")
	ErrEntryNotFound            = errors.New("ledger_entry_not_found")
	ErrEntryAlreadyReversed     = errors.New("ledger_entry_already_reversed")
	ErrReasonRequired           = errors.New("reason_required")
)
