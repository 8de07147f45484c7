package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
)

type RequestPayoutRequest struct {
	UserID   string         `json:"user_id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Method   Method         `json:"payout_method"`
	Details  map[string]any `json:"payout_details"`
}

type ListPayoutRequest struct {
	pagination.Pagination
	UserID string `form:"user_id"`
	Status string `form:"status"`
}

type ListPayoutResponse struct {
	pagination.PageInfo
	Payouts []Payout `json:"payouts"`
}

type Service interface {
	RequestPayout(ctx context.Context, req RequestPayoutRequest) (*Payout, error)
	Approve(ctx context.Context, id uuid.UUID) (*Payout, error)
	MarkPaid(ctx context.Context, id uuid.UUID, transactionID string) (*Payout, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*Payout, error)

	Get(ctx context.Context, id uuid.UUID) (*Payout, error)
	List(ctx context.Context, req ListPayoutRequest) (ListPayoutResponse, error)
	// Available is the balance that can still be requested after open
	// payouts and the retained minimum.
	Available(ctx context.Context, userID string) (int64, error)
}

var (
	ErrNotFound                = errors.New("payout_not_found")
	ErrInvalidUser             = errors.New("invalid_user")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidMethod           = errors.New("invalid_payout_method")
	ErrBelowMinimumPayout      = errors.New("below_minimum_payout")
	ErrInsufficientBalance     = errors.New("insufficient_balance")
	ErrInvalidPayoutTransition = errors.New("invalid_payout_transition")
	ErrTransactionIDRequired   = errors.New("transaction_id_required")
	ErrTransactionIDMismatch   = errors.New("transaction_id_mismatch")
	ErrReasonRequired          = errors.New("reason_required")
	ErrActorRequired           = errors.New("actor_required")
	ErrInvalidPageToken        = errors.New("invalid_page_token")
)
