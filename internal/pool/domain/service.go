package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"gorm.io/gorm"
)

type OpenPeriodRequest struct {
	PeriodType PeriodType       `json:"period_type"`
	Start      time.Time        `json:"period_start"`
	End        time.Time        `json:"period_end"`
	Percentage *decimal.Decimal `json:"pool_percentage,omitempty"`
}

type Service interface {
	OpenPeriod(ctx context.Context, req OpenPeriodRequest) (*RecruitmentPool, error)
	ClosePeriod(ctx context.Context, poolID uuid.UUID) (*RecruitmentPool, error)
	FinalizePeriod(ctx context.Context, poolID uuid.UUID) (*RecruitmentPool, error)

	AllocateRevenue(ctx context.Context, revenueEventID uuid.UUID) (*RecruitmentPool, error)

	Reserve(ctx context.Context, role Role, amount int64) (*RecruitmentPool, error)
	ReserveTx(ctx context.Context, tx *gorm.DB, poolID uuid.UUID, role Role, amount int64) (*RecruitmentPool, error)
	Release(ctx context.Context, tx *gorm.DB, poolID uuid.UUID, role Role, amount int64) (*RecruitmentPool, error)

	Unallocated(ctx context.Context) (int64, error)
	CalculateUnallocatedPool(ctx context.Context) (UnallocatedPool, error)
	Current(ctx context.Context) (*RecruitmentPool, error)
	CurrentTx(ctx context.Context, tx *gorm.DB) (*RecruitmentPool, error)
	Get(ctx context.Context, id uuid.UUID) (*RecruitmentPool, error)
	List(ctx context.Context, limit int) ([]RecruitmentPool, error)
}

var (
	ErrPoolAlreadyOpen       = errors.New("pool_already_open")
	ErrNoOpenPool            = errors.New("no_open_pool")
	ErrPoolNotFound          = errors.New("pool_not_found")
	ErrPoolNotOpen           = errors.New("pool_not_open")
	ErrPoolInvariant         = errors.New("pool_invariant_violation")
	ErrPoolExhausted         = errors.New("pool_exhausted")
	ErrInvalidPoolStatus     = errors.New("invalid_pool_status_transition")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrInvalidPeriodType     = errors.New("invalid_period_type")
	ErrInvalidPercentage     = errors.New("invalid_pool_percentage")
	ErrInvalidRole           = errors.New("invalid_role")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrCurrencyMismatch      = errors.New("currency_mismatch")
	ErrDuplicateRevenueEvent = revenuedomain.ErrDuplicateRevenueEvent
	ErrRevenueNotConfirmed   = revenuedomain.ErrRevenueNotConfirmed
)
