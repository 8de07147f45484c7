package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PeriodType string

const (
	PeriodMonthly PeriodType = "monthly"
	PeriodYearly  PeriodType = "yearly"
	PeriodCustom  PeriodType = "custom"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusFinalized Status = "finalized"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleAdvisor Role = "advisor"
	RoleCritic  Role = "critic"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleAdvisor, RoleCritic:
		return true
	}
	return false
}

// RecruitmentPool holds one period's commission budget. Spent counters move
// only through version-checked updates.
type RecruitmentPool struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PeriodType        PeriodType      `gorm:"type:varchar(16);not null" json:"period_type"`
	PeriodStart       time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd         time.Time       `gorm:"not null" json:"period_end"`
	Status            Status          `gorm:"type:varchar(16);not null;index" json:"status"`
	TotalRevenue      int64           `gorm:"not null;default:0" json:"total_revenue"`
	PoolPercentage    decimal.Decimal `gorm:"type:numeric(6,4);not null" json:"pool_percentage"`
	PoolAmount        int64           `gorm:"not null;default:0" json:"pool_amount"`
	SplitStudent      int             `gorm:"not null;default:0" json:"split_student"`
	SplitAdvisor      int             `gorm:"not null;default:0" json:"split_advisor"`
	SplitCritic       int             `gorm:"not null;default:0" json:"split_critic"`
	StudentAllocation int64           `gorm:"not null;default:0" json:"student_allocation"`
	AdvisorAllocation int64           `gorm:"not null;default:0" json:"advisor_allocation"`
	CriticAllocation  int64           `gorm:"not null;default:0" json:"critic_allocation"`
	SpentStudent      int64           `gorm:"not null;default:0" json:"spent_student"`
	SpentAdvisor      int64           `gorm:"not null;default:0" json:"spent_advisor"`
	SpentCritic       int64           `gorm:"not null;default:0" json:"spent_critic"`
	Version           int64           `gorm:"not null;default:0" json:"version"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	FinalizedAt       *time.Time      `json:"finalized_at,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`
}

func (RecruitmentPool) TableName() string { return "recruitment_pools" }

func (p RecruitmentPool) Allocation(role Role) int64 {
	switch role {
	case RoleStudent:
		return p.StudentAllocation
	case RoleAdvisor:
		return p.AdvisorAllocation
	case RoleCritic:
		return p.CriticAllocation
	}
	return 0
}

func (p RecruitmentPool) Spent(role Role) int64 {
	switch role {
	case RoleStudent:
		return p.SpentStudent
	case RoleAdvisor:
		return p.SpentAdvisor
	case RoleCritic:
		return p.SpentCritic
	}
	return 0
}

func (p *RecruitmentPool) SetSpent(role Role, value int64) {
	switch role {
	case RoleStudent:
		p.SpentStudent = value
	case RoleAdvisor:
		p.SpentAdvisor = value
	case RoleCritic:
		p.SpentCritic = value
	}
}

// CheckBounds reports ErrPoolInvariant when any spent counter is negative or
// exceeds its allocation, or the pool as a whole is overspent.
func (p RecruitmentPool) CheckBounds() error {
	for _, role := range []Role{RoleStudent, RoleAdvisor, RoleCritic} {
		if spent := p.Spent(role); spent < 0 || spent > p.Allocation(role) {
			return ErrPoolInvariant
		}
	}
	if p.TotalSpent() > p.PoolAmount {
		return ErrPoolInvariant
	}
	return nil
}

func (p RecruitmentPool) TotalSpent() int64 {
	return p.SpentStudent + p.SpentAdvisor + p.SpentCritic
}

func (p RecruitmentPool) Unallocated() int64 {
	return p.PoolAmount - p.TotalSpent()
}

func (p RecruitmentPool) Snapshot() map[string]any {
	return map[string]any{
		"status":             string(p.Status),
		"total_revenue":      p.TotalRevenue,
		"pool_percentage":    p.PoolPercentage.String(),
		"pool_amount":        p.PoolAmount,
		"split":              fmt.Sprintf("%d/%d/%d", p.SplitStudent, p.SplitAdvisor, p.SplitCritic),
		"student_allocation": p.StudentAllocation,
		"advisor_allocation": p.AdvisorAllocation,
		"critic_allocation":  p.CriticAllocation,
		"spent_student":      p.SpentStudent,
		"spent_advisor":      p.SpentAdvisor,
		"spent_critic":       p.SpentCritic,
	}
}

type RoleBalance struct {
	Allocation int64 `json:"allocation"`
	Spent      int64 `json:"spent"`
	Remaining  int64 `json:"remaining"`
}

// UnallocatedPool is the read model behind calculate_unallocated_pool.
type UnallocatedPool struct {
	PoolID               *uuid.UUID           `json:"pool_id,omitempty"`
	TotalPool            int64                `json:"total_pool"`
	AllocatedPool        int64                `json:"allocated_pool"`
	UnallocatedPool      int64                `json:"unallocated_pool"`
	AllocationPercentage float64              `json:"allocation_percentage"`
	Roles                map[Role]RoleBalance `json:"roles,omitempty"`
}
