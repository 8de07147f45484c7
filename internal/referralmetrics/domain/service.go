package domain

import (
	"context"
	"errors"
	"time"

	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
)

// Service is read only.
type Service interface {
	GetFinancialDashboardMetrics(ctx context.Context) (*FinancialDashboardMetrics, error)
	CalculateUnallocatedPool(ctx context.Context) (pooldomain.UnallocatedPool, error)
	GetReferralMetricsRange(ctx context.Context, start, end time.Time) ([]DailyMetrics, error)
	CalculateMoMGrowth(ctx context.Context, baseDate time.Time, monthsBack int) ([]GrowthMetric, error)
	TopReferrers(ctx context.Context, limit int) ([]TopReferrer, error)
}

const (
	MaxRangeDays   = 366
	MaxMonthsBack  = 24
	DefaultTopSize = 10
)

var (
	ErrInvalidRange      = errors.New("invalid_range")
	ErrInvalidMonthsBack = errors.New("invalid_months_back")
)
