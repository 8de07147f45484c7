package service

import (
	"context"
	"time"

	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	metricsdomain "github.com/smallbiznis/referralpool/internal/referralmetrics/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
)

const dayLayout = "2006-01-02"

var growthMetrics = []string{
	metricsdomain.MetricReferralsCreated,
	metricsdomain.MetricReferralsApproved,
	metricsdomain.MetricCommissionTotal,
	metricsdomain.MetricPayoutTotal,
	metricsdomain.MetricRevenueTotal,
	metricsdomain.MetricFraudFlags,
}

type dayBucket struct {
	metricsdomain.DailyMetrics
	referrers      map[string]struct{}
	approvedAmount int64
}

// GetReferralMetricsRange returns one row per UTC day in [start, end], both
// ends inclusive. Days without activity are present with zero counts.
func (s *Service) GetReferralMetricsRange(ctx context.Context, start, end time.Time) ([]metricsdomain.DailyMetrics, error) {
	from := startOfDay(start)
	last := startOfDay(end)
	if start.IsZero() || end.IsZero() || last.Before(from) {
		return nil, metricsdomain.ErrInvalidRange
	}
	days := int(last.Sub(from).Hours()/24) + 1
	if days > metricsdomain.MaxRangeDays {
		return nil, metricsdomain.ErrInvalidRange
	}
	to := last.AddDate(0, 0, 1)

	buckets := make([]*dayBucket, days)
	index := make(map[string]*dayBucket, days)
	for i := range buckets {
		day := from.AddDate(0, 0, i)
		b := &dayBucket{
			DailyMetrics: metricsdomain.DailyMetrics{Date: day.Format(dayLayout)},
			referrers:    map[string]struct{}{},
		}
		buckets[i] = b
		index[b.Date] = b
	}
	at := func(t time.Time) *dayBucket { return index[t.UTC().Format(dayLayout)] }

	db := s.db.WithContext(ctx)

	var created []struct {
		ReferrerID string
		CreatedAt  time.Time
	}
	if err := db.Model(&referraldomain.ReferralEvent{}).
		Select("referrer_id, created_at").
		Where("created_at >= ? AND created_at < ?", from, to).
		Scan(&created).Error; err != nil {
		return nil, err
	}
	for _, row := range created {
		if b := at(row.CreatedAt); b != nil {
			b.ReferralsCreated++
			b.referrers[row.ReferrerID] = struct{}{}
		}
	}

	var approved []struct {
		CommissionAmount int64
		ApprovedAt       time.Time
	}
	if err := db.Model(&referraldomain.ReferralEvent{}).
		Select("commission_amount, approved_at").
		Where("approved_at >= ? AND approved_at < ?", from, to).
		Scan(&approved).Error; err != nil {
		return nil, err
	}
	for _, row := range approved {
		if b := at(row.ApprovedAt); b != nil {
			b.ReferralsApproved++
			b.approvedAmount += row.CommissionAmount
		}
	}

	var rejected []time.Time
	if err := db.Model(&referraldomain.ReferralEvent{}).
		Where("rejected_at >= ? AND rejected_at < ?", from, to).
		Pluck("rejected_at", &rejected).Error; err != nil {
		return nil, err
	}
	for _, ts := range rejected {
		if b := at(ts); b != nil {
			b.ReferralsRejected++
		}
	}

	var paid []struct {
		Amount int64
		PaidAt time.Time
	}
	if err := db.Model(&payoutdomain.Payout{}).
		Select("amount, paid_at").
		Where("status = ? AND paid_at >= ? AND paid_at < ?", payoutdomain.StatusPaid, from, to).
		Scan(&paid).Error; err != nil {
		return nil, err
	}
	for _, row := range paid {
		if b := at(row.PaidAt); b != nil {
			b.PayoutsCompleted++
			b.PayoutTotalAmount += row.Amount
		}
	}

	var flagged []time.Time
	if err := db.Model(&riskdomain.RiskAssessment{}).
		Where("created_at >= ? AND created_at < ? AND risk_level IN ?", from, to, fraudLevels).
		Pluck("created_at", &flagged).Error; err != nil {
		return nil, err
	}
	for _, ts := range flagged {
		if b := at(ts); b != nil {
			b.FraudFlags++
		}
	}

	var pools []pooldomain.RecruitmentPool
	if err := db.
		Where("period_start < ? AND period_end >= ?", to, from).
		Order("period_start asc").
		Find(&pools).Error; err != nil {
		return nil, err
	}

	out := make([]metricsdomain.DailyMetrics, 0, days)
	for i, b := range buckets {
		day := from.AddDate(0, 0, i)
		b.UniqueReferrers = int64(len(b.referrers))
		if b.ReferralsApproved > 0 {
			b.AvgReferralValue = round2(float64(b.approvedAmount) / float64(b.ReferralsApproved))
		}
		b.ApprovalRate = percent(float64(b.ReferralsApproved), float64(b.ReferralsApproved+b.ReferralsRejected))
		for _, pool := range pools {
			if !day.Before(startOfDay(pool.PeriodStart)) && !day.After(pool.PeriodEnd) {
				b.PoolAvailable = pool.Unallocated()
			}
		}
		out = append(out, b.DailyMetrics)
	}
	return out, nil
}

// CalculateMoMGrowth compares each of the monthsBack calendar months ending
// with baseDate's month against the month before it.
func (s *Service) CalculateMoMGrowth(ctx context.Context, baseDate time.Time, monthsBack int) ([]metricsdomain.GrowthMetric, error) {
	if monthsBack < 1 || monthsBack > metricsdomain.MaxMonthsBack {
		return nil, metricsdomain.ErrInvalidMonthsBack
	}
	if baseDate.IsZero() {
		baseDate = s.clock.Now()
	}
	base := startOfMonth(baseDate)

	// totals[0] is the month before the oldest reported month.
	totals := make([]map[string]float64, monthsBack+1)
	for i := range totals {
		month := base.AddDate(0, i-monthsBack, 0)
		values, err := s.monthTotals(ctx, month, month.AddDate(0, 1, 0))
		if err != nil {
			return nil, err
		}
		totals[i] = values
	}

	out := make([]metricsdomain.GrowthMetric, 0, monthsBack*len(growthMetrics))
	for i := 1; i <= monthsBack; i++ {
		month := base.AddDate(0, i-monthsBack, 0)
		for _, metric := range growthMetrics {
			cur, prev := totals[i][metric], totals[i-1][metric]
			out = append(out, metricsdomain.GrowthMetric{
				Month:         month.Format("2006-01"),
				Metric:        metric,
				CurrentValue:  cur,
				PreviousValue: prev,
				GrowthRate:    growthRate(cur, prev),
			})
		}
	}
	return out, nil
}

func (s *Service) monthTotals(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	db := s.db.WithContext(ctx)
	var (
		created, approved, fraud          int64
		commission, payouts, revenueMinor int64
	)

	if err := db.Model(&referraldomain.ReferralEvent{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Count(&created).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&referraldomain.ReferralEvent{}).
		Where("approved_at >= ? AND approved_at < ?", from, to).
		Count(&approved).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&referraldomain.ReferralEvent{}).
		Select("COALESCE(SUM(commission_amount), 0)").
		Where("approved_at >= ? AND approved_at < ? AND workflow_state IN ?", from, to, committedStates).
		Scan(&commission).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&payoutdomain.Payout{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ? AND paid_at >= ? AND paid_at < ?", payoutdomain.StatusPaid, from, to).
		Scan(&payouts).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&revenuedomain.RevenueEvent{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status IN ? AND confirmed_at >= ? AND confirmed_at < ?",
			[]revenuedomain.Status{revenuedomain.StatusConfirmed, revenuedomain.StatusAllocated}, from, to).
		Scan(&revenueMinor).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&riskdomain.RiskAssessment{}).
		Where("created_at >= ? AND created_at < ? AND risk_level IN ?", from, to, fraudLevels).
		Count(&fraud).Error; err != nil {
		return nil, err
	}

	return map[string]float64{
		metricsdomain.MetricReferralsCreated:  float64(created),
		metricsdomain.MetricReferralsApproved: float64(approved),
		metricsdomain.MetricCommissionTotal:   float64(commission),
		metricsdomain.MetricPayoutTotal:       float64(payouts),
		metricsdomain.MetricRevenueTotal:      float64(revenueMinor),
		metricsdomain.MetricFraudFlags:        float64(fraud),
	}, nil
}

func growthRate(cur, prev float64) float64 {
	if prev == 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	return round2((cur - prev) / prev * 100)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
