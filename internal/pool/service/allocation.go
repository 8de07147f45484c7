package service

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/referralpool/internal/config"
)

type allocation struct {
	PoolAmount int64
	Student    int64
	Advisor    int64
	Critic     int64
}

var hundred = decimal.NewFromInt(100)

// computeAllocation derives the pool and its role shares from total revenue.
// Student and advisor shares are floored; critic takes the remainder so the
// three always sum to the pool amount.
func computeAllocation(totalRevenue int64, pct decimal.Decimal, split config.PoolSplit) allocation {
	poolAmount := decimal.NewFromInt(totalRevenue).Mul(pct).Round(0).IntPart()
	if poolAmount < 0 {
		poolAmount = 0
	}
	base := decimal.NewFromInt(poolAmount)
	student := base.Mul(decimal.NewFromInt(int64(split.Student))).Div(hundred).Floor().IntPart()
	advisor := base.Mul(decimal.NewFromInt(int64(split.Advisor))).Div(hundred).Floor().IntPart()
	return allocation{
		PoolAmount: poolAmount,
		Student:    student,
		Advisor:    advisor,
		Critic:     poolAmount - student - advisor,
	}
}

func allocationPercentage(spent, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct, _ := decimal.NewFromInt(spent).Mul(hundred).Div(decimal.NewFromInt(total)).Round(2).Float64()
	return pct
}
