package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"github.com/smallbiznis/referralpool/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	RevenueSvc revenuedomain.Service
	AuditSvc   auditdomain.Service
	Commission *config.CommissionConfigHolder `optional:"true"`
	Clock      clock.Clock                    `optional:"true"`
	Outbox     *events.Outbox                 `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	revenueSvc revenuedomain.Service
	auditSvc   auditdomain.Service
	commission *config.CommissionConfigHolder
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) pooldomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("pool.service"),
		revenueSvc: p.RevenueSvc,
		auditSvc:   p.AuditSvc,
		commission: p.Commission,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) OpenPeriod(ctx context.Context, req pooldomain.OpenPeriodRequest) (*pooldomain.RecruitmentPool, error) {
	switch req.PeriodType {
	case pooldomain.PeriodMonthly, pooldomain.PeriodYearly, pooldomain.PeriodCustom:
	case "":
		req.PeriodType = pooldomain.PeriodMonthly
	default:
		return nil, pooldomain.ErrInvalidPeriodType
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.Start.Before(req.End) {
		return nil, pooldomain.ErrInvalidPeriod
	}
	pct := s.commission.Get().PoolPercentage()
	if req.Percentage != nil {
		pct = *req.Percentage
	}
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(1)) {
		return nil, pooldomain.ErrInvalidPercentage
	}

	split := s.commission.Get().PoolSplit
	now := s.clock.Now().UTC()
	pool := pooldomain.RecruitmentPool{
		ID:             uuid.Must(uuid.NewV7()),
		PeriodType:     req.PeriodType,
		PeriodStart:    req.Start.UTC(),
		PeriodEnd:      req.End.UTC(),
		Status:         pooldomain.StatusOpen,
		PoolPercentage: pct,
		SplitStudent:   split.Student,
		SplitAdvisor:   split.Advisor,
		SplitCritic:    split.Critic,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.WithContext(ctx).Model(&pooldomain.RecruitmentPool{}).
			Where("status = ?", pooldomain.StatusOpen).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return pooldomain.ErrPoolAlreadyOpen
		}
		if err := tx.WithContext(ctx).Create(&pool).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return pooldomain.ErrPoolAlreadyOpen
			}
			return err
		}
		return s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:     auditdomain.ActionPoolAdjustment,
			TargetType: auditdomain.TargetPool,
			TargetID:   pool.ID.String(),
			After:      pool.Snapshot(),
			Notes:      "pool opened",
			Metadata: map[string]any{
				"period_type":  string(pool.PeriodType),
				"period_start": pool.PeriodStart,
				"period_end":   pool.PeriodEnd,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("pool opened",
		zap.String("pool_id", pool.ID.String()),
		zap.String("period_type", string(pool.PeriodType)),
		zap.String("pool_percentage", pct.String()),
	)
	return &pool, nil
}

func (s *Service) ClosePeriod(ctx context.Context, poolID uuid.UUID) (*pooldomain.RecruitmentPool, error) {
	return s.transition(ctx, poolID, pooldomain.StatusOpen, pooldomain.StatusClosed, "closed_at")
}

func (s *Service) FinalizePeriod(ctx context.Context, poolID uuid.UUID) (*pooldomain.RecruitmentPool, error) {
	return s.transition(ctx, poolID, pooldomain.StatusClosed, pooldomain.StatusFinalized, "finalized_at")
}

func (s *Service) transition(ctx context.Context, poolID uuid.UUID, from, to pooldomain.Status, stampColumn string) (*pooldomain.RecruitmentPool, error) {
	var updated pooldomain.RecruitmentPool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.getTx(ctx, tx, poolID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		res := tx.WithContext(ctx).Exec(
			fmt.Sprintf(`UPDATE recruitment_pools SET status = ?, %s = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ?`, stampColumn),
			to, now, now, poolID, from,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s to %s", pooldomain.ErrInvalidPoolStatus, before.Status, to)
		}
		after, err := s.getTx(ctx, tx, poolID)
		if err != nil {
			return err
		}
		updated = *after
		return s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:     auditdomain.ActionPoolAdjustment,
			TargetType: auditdomain.TargetPool,
			TargetID:   poolID.String(),
			Before:     before.Snapshot(),
			After:      after.Snapshot(),
			Notes:      "pool " + string(to),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("pool status changed",
		zap.String("pool_id", poolID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return &updated, nil
}

// AllocateRevenue moves one confirmed revenue event into the open pool. The
// revenue flip and the pool recompute share one transaction, so an event is
// counted exactly once or not at all.
func (s *Service) AllocateRevenue(ctx context.Context, revenueEventID uuid.UUID) (*pooldomain.RecruitmentPool, error) {
	var updated *pooldomain.RecruitmentPool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.CurrentTx(ctx, tx)
		if err != nil {
			return err
		}

		event, err := s.revenueSvc.MarkAllocatedTx(ctx, tx, revenueEventID, current.ID)
		if err != nil {
			return err
		}

		before := *current
		updated, err = s.mutateTx(ctx, tx, current.ID, func(pool *pooldomain.RecruitmentPool) error {
			if pool.Status != pooldomain.StatusOpen {
				return pooldomain.ErrPoolNotOpen
			}
			pool.TotalRevenue += event.Amount
			alloc := computeAllocation(pool.TotalRevenue, pool.PoolPercentage, s.splitOf(pool))
			pool.PoolAmount = alloc.PoolAmount
			// Role shares only grow within a period; rounding the remainder
			// into critic may otherwise shave a unit off an earlier share.
			pool.StudentAllocation = max(pool.StudentAllocation, alloc.Student)
			pool.AdvisorAllocation = max(pool.AdvisorAllocation, alloc.Advisor)
			pool.CriticAllocation = max(pool.CriticAllocation, alloc.Critic)
			return nil
		})
		if err != nil {
			return err
		}

		impact := updated.PoolAmount - before.PoolAmount
		if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:       auditdomain.ActionRevenueAllocated,
			TargetType:   auditdomain.TargetPool,
			TargetID:     updated.ID.String(),
			Before:       before.Snapshot(),
			After:        updated.Snapshot(),
			AmountImpact: &impact,
			Metadata:     map[string]any{"revenue_event_id": event.ID.String(), "revenue_amount": event.Amount},
		}); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:        events.TypeRevenueAllocated,
			AggregateID: event.ID.String(),
			Payload: map[string]any{
				"revenue_event_id": event.ID.String(),
				"pool_id":          updated.ID.String(),
				"amount":           event.Amount,
				"pool_amount":      updated.PoolAmount,
				"total_revenue":    updated.TotalRevenue,
			},
		})
	})
	if err != nil {
		if errors.Is(err, pooldomain.ErrDuplicateRevenueEvent) {
			s.log.Info("revenue event already allocated", zap.String("revenue_event_id", revenueEventID.String()))
		}
		return nil, err
	}

	s.log.Info("revenue allocated",
		zap.String("revenue_event_id", revenueEventID.String()),
		zap.String("pool_id", updated.ID.String()),
		zap.Int64("total_revenue", updated.TotalRevenue),
		zap.Int64("pool_amount", updated.PoolAmount),
	)
	return updated, nil
}

func (s *Service) Reserve(ctx context.Context, role pooldomain.Role, amount int64) (*pooldomain.RecruitmentPool, error) {
	var updated *pooldomain.RecruitmentPool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.CurrentTx(ctx, tx)
		if err != nil {
			return err
		}
		updated, err = s.ReserveTx(ctx, tx, current.ID, role, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReserveTx charges amount against role on the pool. It fails with
// ErrPoolExhausted when either the role share or the pool as a whole would be
// overdrawn.
func (s *Service) ReserveTx(ctx context.Context, tx *gorm.DB, poolID uuid.UUID, role pooldomain.Role, amount int64) (*pooldomain.RecruitmentPool, error) {
	if !role.Valid() {
		return nil, pooldomain.ErrInvalidRole
	}
	if amount <= 0 {
		return nil, pooldomain.ErrInvalidAmount
	}

	updated, err := s.mutateTx(ctx, tx, poolID, func(pool *pooldomain.RecruitmentPool) error {
		if pool.Status != pooldomain.StatusOpen {
			return pooldomain.ErrPoolNotOpen
		}
		spent := pool.Spent(role)
		if spent+amount > pool.Allocation(role) {
			return pooldomain.ErrPoolExhausted
		}
		if pool.TotalSpent()+amount > pool.PoolAmount {
			return pooldomain.ErrPoolExhausted
		}
		pool.SetSpent(role, spent+amount)
		return nil
	})
	if err != nil {
		if errors.Is(err, pooldomain.ErrPoolExhausted) {
			s.obsMetrics.RecordPoolReservation(ctx, string(role), "exhausted")
			s.log.Warn("pool reservation refused",
				zap.String("pool_id", poolID.String()),
				zap.String("role", string(role)),
				zap.Int64("amount", amount),
			)
		}
		return nil, err
	}
	s.obsMetrics.RecordPoolReservation(ctx, string(role), "reserved")
	return updated, nil
}

// Release gives amount back to role. The counter never drops below zero.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, poolID uuid.UUID, role pooldomain.Role, amount int64) (*pooldomain.RecruitmentPool, error) {
	if !role.Valid() {
		return nil, pooldomain.ErrInvalidRole
	}
	if amount <= 0 {
		return nil, pooldomain.ErrInvalidAmount
	}
	if tx == nil {
		tx = s.db
	}
	updated, err := s.mutateTx(ctx, tx, poolID, func(pool *pooldomain.RecruitmentPool) error {
		next := pool.Spent(role) - amount
		if next < 0 {
			s.log.Warn("pool release below zero clamped",
				zap.String("pool_id", poolID.String()),
				zap.String("role", string(role)),
				zap.Int64("spent", pool.Spent(role)),
				zap.Int64("amount", amount),
			)
			next = 0
		}
		pool.SetSpent(role, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordPoolReservation(ctx, string(role), "released")
	return updated, nil
}

// mutateTx reads the pool, applies fn and writes it back with a version
// check, retrying on conflict.
func (s *Service) mutateTx(ctx context.Context, tx *gorm.DB, poolID uuid.UUID, fn func(*pooldomain.RecruitmentPool) error) (*pooldomain.RecruitmentPool, error) {
	var out *pooldomain.RecruitmentPool
	err := db.RetryOnConflict(ctx, func() error {
		pool, err := s.getTx(ctx, tx, poolID)
		if err != nil {
			return err
		}
		version := pool.Version
		if err := fn(pool); err != nil {
			return err
		}
		if err := pool.CheckBounds(); err != nil {
			s.log.Error("pool mutation refused",
				zap.String("pool_id", poolID.String()),
				zap.Any("pool", pool.Snapshot()),
				zap.Error(err),
			)
			return err
		}
		pool.Version = version + 1
		pool.UpdatedAt = s.clock.Now().UTC()

		res := tx.WithContext(ctx).Exec(
			`UPDATE recruitment_pools
			 SET total_revenue = ?, pool_amount = ?,
			     student_allocation = ?, advisor_allocation = ?, critic_allocation = ?,
			     spent_student = ?, spent_advisor = ?, spent_critic = ?,
			     version = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			pool.TotalRevenue, pool.PoolAmount,
			pool.StudentAllocation, pool.AdvisorAllocation, pool.CriticAllocation,
			pool.SpentStudent, pool.SpentAdvisor, pool.SpentCritic,
			pool.Version, pool.UpdatedAt,
			poolID, version,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			s.obsMetrics.RecordVersionConflict(ctx, "recruitment_pool")
			return db.ErrVersionConflict
		}
		out = pool
		return nil
	})
	return out, err
}

// splitOf returns the split frozen on the pool when it opened. Pools without
// one fall back to the live commission config.
func (s *Service) splitOf(pool *pooldomain.RecruitmentPool) config.PoolSplit {
	if pool.SplitStudent+pool.SplitAdvisor+pool.SplitCritic == 0 {
		return s.commission.Get().PoolSplit
	}
	return config.PoolSplit{Student: pool.SplitStudent, Advisor: pool.SplitAdvisor, Critic: pool.SplitCritic}
}

func (s *Service) Unallocated(ctx context.Context) (int64, error) {
	pool, err := s.Current(ctx)
	if err != nil {
		return 0, err
	}
	return pool.Unallocated(), nil
}

// CalculateUnallocatedPool reports the open pool's usage. With no open pool
// every figure is zero.
func (s *Service) CalculateUnallocatedPool(ctx context.Context) (pooldomain.UnallocatedPool, error) {
	pool, err := s.Current(ctx)
	if err != nil {
		if errors.Is(err, pooldomain.ErrNoOpenPool) {
			return pooldomain.UnallocatedPool{}, nil
		}
		return pooldomain.UnallocatedPool{}, err
	}
	id := pool.ID
	roles := make(map[pooldomain.Role]pooldomain.RoleBalance, 3)
	for _, role := range []pooldomain.Role{pooldomain.RoleStudent, pooldomain.RoleAdvisor, pooldomain.RoleCritic} {
		roles[role] = pooldomain.RoleBalance{
			Allocation: pool.Allocation(role),
			Spent:      pool.Spent(role),
			Remaining:  pool.Allocation(role) - pool.Spent(role),
		}
	}
	return pooldomain.UnallocatedPool{
		PoolID:               &id,
		TotalPool:            pool.PoolAmount,
		AllocatedPool:        pool.TotalSpent(),
		UnallocatedPool:      pool.Unallocated(),
		AllocationPercentage: allocationPercentage(pool.TotalSpent(), pool.PoolAmount),
		Roles:                roles,
	}, nil
}

func (s *Service) Current(ctx context.Context) (*pooldomain.RecruitmentPool, error) {
	return s.CurrentTx(ctx, s.db)
}

func (s *Service) CurrentTx(ctx context.Context, tx *gorm.DB) (*pooldomain.RecruitmentPool, error) {
	var pools []pooldomain.RecruitmentPool
	if err := tx.WithContext(ctx).
		Where("status = ?", pooldomain.StatusOpen).
		Order("period_start desc").
		Limit(1).
		Find(&pools).Error; err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, pooldomain.ErrNoOpenPool
	}
	return &pools[0], nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*pooldomain.RecruitmentPool, error) {
	return s.getTx(ctx, s.db, id)
}

func (s *Service) getTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*pooldomain.RecruitmentPool, error) {
	var pool pooldomain.RecruitmentPool
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&pool).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pooldomain.ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]pooldomain.RecruitmentPool, error) {
	if limit <= 0 || limit > 100 {
		limit = 24
	}
	var pools []pooldomain.RecruitmentPool
	err := s.db.WithContext(ctx).Order("period_start desc").Limit(limit).Find(&pools).Error
	return pools, err
}
