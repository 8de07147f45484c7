package domain

import "time"

type PoolHealth struct {
	TotalRevenue               int64   `json:"total_revenue"`
	PoolPercentage             float64 `json:"pool_percentage"`
	PoolAmount                 int64   `json:"pool_amount"`
	RemainingBalance           int64   `json:"remaining_balance"`
	UtilizationRate            float64 `json:"utilization_rate"`
	StudentAllocationUsed      int64   `json:"student_allocation_used"`
	StudentAllocationRemaining int64   `json:"student_allocation_remaining"`
	AdvisorAllocationUsed      int64   `json:"advisor_allocation_used"`
	AdvisorAllocationRemaining int64   `json:"advisor_allocation_remaining"`
	CriticAllocationUsed       int64   `json:"critic_allocation_used"`
	CriticAllocationRemaining  int64   `json:"critic_allocation_remaining"`
}

type PayoutStatus struct {
	PendingCount    int64 `json:"pending_count"`
	PendingAmount   int64 `json:"pending_amount"`
	ApprovedCount   int64 `json:"approved_count"`
	ApprovedAmount  int64 `json:"approved_amount"`
	PaidCount       int64 `json:"paid_count"`
	PaidAmount      int64 `json:"paid_amount"`
	CancelledCount  int64 `json:"cancelled_count"`
	CancelledAmount int64 `json:"cancelled_amount"`
}

type RiskIndicators struct {
	TotalFlags       int64 `json:"total_flags"`
	CriticalFlags    int64 `json:"critical_flags"`
	HighFlags        int64 `json:"high_flags"`
	MediumFlags      int64 `json:"medium_flags"`
	RecentFraud      int64 `json:"recent_fraud"`
	UsersUnderReview int64 `json:"users_under_review"`
}

type Performance struct {
	TotalReferrals            int64   `json:"total_referrals"`
	ApprovedReferrals         int64   `json:"approved_referrals"`
	RejectedReferrals         int64   `json:"rejected_referrals"`
	ApprovalRate              float64 `json:"approval_rate"`
	AvgCommissionAmount       float64 `json:"avg_commission_amount"`
	ConversionRate            float64 `json:"conversion_rate"`
	ActiveReferrersLast30Days int64   `json:"active_referrers_last_30_days"`
	NewReferrersLast7Days     int64   `json:"new_referrers_last_7_days"`
}

type TopReferrer struct {
	UserID         string `json:"user_id"`
	TotalReferrals int64  `json:"total_referrals"`
	TotalEarnings  int64  `json:"total_earnings"`
}

type FinancialDashboardMetrics struct {
	TotalRevenue      int64          `json:"total_revenue"`
	TotalReferralPool int64          `json:"total_referral_pool"`
	AllocatedPool     int64          `json:"allocated_pool"`
	UnallocatedPool   int64          `json:"unallocated_pool"`
	TotalPaidOut      int64          `json:"total_paid_out"`
	PendingPayouts    int64          `json:"pending_payouts"`
	PayoutRatio       float64        `json:"payout_ratio"`
	AvgReferralValue  float64        `json:"avg_referral_value"`
	FraudFlagsCount   int64          `json:"fraud_flags_count"`
	ActiveReferrers   int64          `json:"active_referrers"`
	TopReferrers      []TopReferrer  `json:"top_referrers"`
	PoolHealth        PoolHealth     `json:"pool_health"`
	PayoutStatus      PayoutStatus   `json:"payout_status"`
	RiskIndicators    RiskIndicators `json:"risk_indicators"`
	Performance       Performance    `json:"performance"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// DailyMetrics is one UTC day of get_referral_metrics_range.
type DailyMetrics struct {
	Date              string  `json:"date"`
	ReferralsCreated  int64   `json:"referrals_created"`
	ReferralsApproved int64   `json:"referrals_approved"`
	ReferralsRejected int64   `json:"referrals_rejected"`
	PayoutsCompleted  int64   `json:"payouts_completed"`
	PayoutTotalAmount int64   `json:"payout_total_amount"`
	FraudFlags        int64   `json:"fraud_flags"`
	UniqueReferrers   int64   `json:"unique_referrers"`
	AvgReferralValue  float64 `json:"avg_referral_value"`
	ApprovalRate      float64 `json:"approval_rate"`
	PoolAvailable     int64   `json:"pool_available"`
}

type GrowthMetric struct {
	Month         string  `json:"month"`
	Metric        string  `json:"metric"`
	CurrentValue  float64 `json:"current_value"`
	PreviousValue float64 `json:"previous_value"`
	GrowthRate    float64 `json:"growth_rate"`
}

const (
	MetricReferralsCreated  = "referrals_created"
	MetricReferralsApproved = "referrals_approved"
	MetricCommissionTotal   = "commission_total"
	MetricPayoutTotal       = "payout_total"
	MetricRevenueTotal      = "revenue_total"
	MetricFraudFlags        = "fraud_flags"
)
