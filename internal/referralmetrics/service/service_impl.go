package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/smallbiznis/referralpool/internal/cache"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	metricsdomain "github.com/smallbiznis/referralpool/internal/referralmetrics/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var committedStates = []referraldomain.State{
	referraldomain.StateApproved,
	referraldomain.StateScheduledForPayout,
	referraldomain.StatePaid,
}

var fraudLevels = []riskdomain.Level{riskdomain.LevelHigh, riskdomain.LevelCritical}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	PoolSvc pooldomain.Service
	Config  config.Config
	Cache   cache.Store `optional:"true"`
	Clock   clock.Clock `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	poolSvc  pooldomain.Service
	cache    cache.Store
	cacheTTL time.Duration
	clock    clock.Clock
}

func NewService(p Params) metricsdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("referralmetrics.service"),
		poolSvc:  p.PoolSvc,
		cache:    p.Cache,
		cacheTTL: p.Config.CacheTTL,
		clock:    clk,
	}
}

var dashboardKey = cache.Key("dashboard", "financial")

func (s *Service) GetFinancialDashboardMetrics(ctx context.Context) (*metricsdomain.FinancialDashboardMetrics, error) {
	if cached, ok := s.cachedDashboard(ctx); ok {
		return cached, nil
	}

	now := s.clock.Now().UTC()
	var (
		out         = metricsdomain.FinancialDashboardMetrics{GeneratedAt: now}
		unallocated pooldomain.UnallocatedPool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health, err := s.poolHealth(gctx)
		out.PoolHealth = health
		return err
	})
	g.Go(func() (err error) {
		unallocated, err = s.poolSvc.CalculateUnallocatedPool(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.PayoutStatus, err = s.payoutStatus(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.RiskIndicators, err = s.riskIndicators(gctx, now)
		return err
	})
	g.Go(func() (err error) {
		out.Performance, err = s.performance(gctx, now)
		return err
	})
	g.Go(func() (err error) {
		out.TopReferrers, err = s.TopReferrers(gctx, metricsdomain.DefaultTopSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.TotalRevenue = out.PoolHealth.TotalRevenue
	out.TotalReferralPool = out.PoolHealth.PoolAmount
	out.UnallocatedPool = unallocated.UnallocatedPool
	out.AllocatedPool = out.PoolHealth.PoolAmount - unallocated.UnallocatedPool
	out.TotalPaidOut = out.PayoutStatus.PaidAmount
	out.PendingPayouts = out.PayoutStatus.PendingCount
	out.PayoutRatio = percent(float64(out.PayoutStatus.PaidAmount), float64(out.PoolHealth.PoolAmount))
	out.AvgReferralValue = out.Performance.AvgCommissionAmount
	out.FraudFlagsCount = out.RiskIndicators.CriticalFlags + out.RiskIndicators.HighFlags
	out.ActiveReferrers = out.Performance.ActiveReferrersLast30Days

	s.storeDashboard(ctx, &out)
	return &out, nil
}

func (s *Service) CalculateUnallocatedPool(ctx context.Context) (pooldomain.UnallocatedPool, error) {
	return s.poolSvc.CalculateUnallocatedPool(ctx)
}

func (s *Service) TopReferrers(ctx context.Context, limit int) ([]metricsdomain.TopReferrer, error) {
	if limit <= 0 || limit > 100 {
		limit = metricsdomain.DefaultTopSize
	}
	var rows []metricsdomain.TopReferrer
	err := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Select("referrer_id AS user_id, COUNT(*) AS total_referrals, COALESCE(SUM(commission_amount), 0) AS total_earnings").
		Where("workflow_state IN ?", committedStates).
		Group("referrer_id").
		Order("total_earnings desc, user_id asc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []metricsdomain.TopReferrer{}
	}
	return rows, nil
}

func (s *Service) poolHealth(ctx context.Context) (metricsdomain.PoolHealth, error) {
	pool, err := s.poolSvc.Current(ctx)
	if err != nil {
		if errors.Is(err, pooldomain.ErrNoOpenPool) {
			return metricsdomain.PoolHealth{}, nil
		}
		return metricsdomain.PoolHealth{}, err
	}
	pct, _ := pool.PoolPercentage.Float64()
	return metricsdomain.PoolHealth{
		TotalRevenue:               pool.TotalRevenue,
		PoolPercentage:             pct,
		PoolAmount:                 pool.PoolAmount,
		RemainingBalance:           pool.Unallocated(),
		UtilizationRate:            percent(float64(pool.TotalSpent()), float64(pool.PoolAmount)),
		StudentAllocationUsed:      pool.SpentStudent,
		StudentAllocationRemaining: pool.StudentAllocation - pool.SpentStudent,
		AdvisorAllocationUsed:      pool.SpentAdvisor,
		AdvisorAllocationRemaining: pool.AdvisorAllocation - pool.SpentAdvisor,
		CriticAllocationUsed:       pool.SpentCritic,
		CriticAllocationRemaining:  pool.CriticAllocation - pool.SpentCritic,
	}, nil
}

func (s *Service) payoutStatus(ctx context.Context) (metricsdomain.PayoutStatus, error) {
	var rows []struct {
		Status payoutdomain.Status
		Count  int64
		Amount int64
	}
	if err := s.db.WithContext(ctx).
		Model(&payoutdomain.Payout{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("status").
		Scan(&rows).Error; err != nil {
		return metricsdomain.PayoutStatus{}, err
	}
	var out metricsdomain.PayoutStatus
	for _, row := range rows {
		switch row.Status {
		case payoutdomain.StatusPending:
			out.PendingCount, out.PendingAmount = row.Count, row.Amount
		case payoutdomain.StatusApproved:
			out.ApprovedCount, out.ApprovedAmount = row.Count, row.Amount
		case payoutdomain.StatusPaid:
			out.PaidCount, out.PaidAmount = row.Count, row.Amount
		case payoutdomain.StatusCancelled:
			out.CancelledCount, out.CancelledAmount = row.Count, row.Amount
		}
	}
	return out, nil
}

func (s *Service) riskIndicators(ctx context.Context, now time.Time) (metricsdomain.RiskIndicators, error) {
	var rows []struct {
		RiskLevel riskdomain.Level
		Status    riskdomain.Status
		Count     int64
	}
	if err := s.db.WithContext(ctx).
		Model(&riskdomain.RiskAssessment{}).
		Select("risk_level, status, COUNT(*) AS count").
		Group("risk_level, status").
		Scan(&rows).Error; err != nil {
		return metricsdomain.RiskIndicators{}, err
	}
	var out metricsdomain.RiskIndicators
	for _, row := range rows {
		out.TotalFlags += row.Count
		switch row.RiskLevel {
		case riskdomain.LevelCritical:
			out.CriticalFlags += row.Count
		case riskdomain.LevelHigh:
			out.HighFlags += row.Count
		case riskdomain.LevelMedium:
			out.MediumFlags += row.Count
		}
		if row.Status == riskdomain.StatusReviewing {
			out.UsersUnderReview += row.Count
		}
	}
	if err := s.db.WithContext(ctx).
		Model(&riskdomain.RiskAssessment{}).
		Where("created_at >= ? AND risk_level IN ?", now.AddDate(0, 0, -30), fraudLevels).
		Count(&out.RecentFraud).Error; err != nil {
		return metricsdomain.RiskIndicators{}, err
	}
	return out, nil
}

func (s *Service) performance(ctx context.Context, now time.Time) (metricsdomain.Performance, error) {
	var rows []struct {
		WorkflowState referraldomain.State
		Count         int64
		Total         int64
	}
	if err := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Select("workflow_state, COUNT(*) AS count, COALESCE(SUM(commission_amount), 0) AS total").
		Group("workflow_state").
		Scan(&rows).Error; err != nil {
		return metricsdomain.Performance{}, err
	}

	var (
		out           metricsdomain.Performance
		approvedTotal int64
	)
	for _, row := range rows {
		out.TotalReferrals += row.Count
		switch {
		case row.WorkflowState.Committed():
			out.ApprovedReferrals += row.Count
			approvedTotal += row.Total
		case row.WorkflowState == referraldomain.StateRejected:
			out.RejectedReferrals += row.Count
		}
	}
	out.ApprovalRate = percent(float64(out.ApprovedReferrals), float64(out.TotalReferrals))
	if out.ApprovedReferrals > 0 {
		out.AvgCommissionAmount = round2(float64(approvedTotal) / float64(out.ApprovedReferrals))
	}

	var converted int64
	if err := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Where("converted_at IS NOT NULL").
		Count(&converted).Error; err != nil {
		return metricsdomain.Performance{}, err
	}
	out.ConversionRate = percent(float64(converted), float64(out.TotalReferrals))

	if err := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Where("workflow_state IN ? AND approved_at >= ?", committedStates, now.AddDate(0, 0, -30)).
		Distinct("referrer_id").
		Count(&out.ActiveReferrersLast30Days).Error; err != nil {
		return metricsdomain.Performance{}, err
	}

	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM (
			SELECT referrer_id FROM referral_events GROUP BY referrer_id HAVING MIN(created_at) >= ?
		) first_referrals`,
		now.AddDate(0, 0, -7),
	).Scan(&out.NewReferrersLast7Days).Error; err != nil {
		return metricsdomain.Performance{}, err
	}
	return out, nil
}

func (s *Service) cachedDashboard(ctx context.Context) (*metricsdomain.FinancialDashboardMetrics, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, dashboardKey)
	if err != nil {
		s.log.Warn("dashboard cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var out metricsdomain.FinancialDashboardMetrics
	if err := json.Unmarshal(raw, &out); err != nil {
		s.log.Warn("dashboard cache entry unreadable", zap.Error(err))
		return nil, false
	}
	return &out, true
}

func (s *Service) storeDashboard(ctx context.Context, metrics *metricsdomain.FinancialDashboardMetrics) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, dashboardKey, raw, s.cacheTTL); err != nil {
		s.log.Warn("dashboard cache write failed", zap.Error(err))
	}
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(part / whole * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
