package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/clock"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	AuditSvc auditdomain.Service
	Clock    clock.Clock `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) revenuedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("revenue.service"),
		auditSvc: p.AuditSvc,
		clock:    clk,
	}
}

// Record is idempotent on (source_type, source_id): a duplicate returns the
// stored row without changing it.
func (s *Service) Record(ctx context.Context, req revenuedomain.RecordRequest) (*revenuedomain.RevenueEvent, error) {
	if req.Amount <= 0 {
		return nil, revenuedomain.ErrInvalidAmount
	}
	sourceType := strings.TrimSpace(req.SourceType)
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceType == "" || sourceID == "" {
		return nil, revenuedomain.ErrInvalidSource
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "PHP"
	}
	if len(currency) != 3 {
		return nil, revenuedomain.ErrInvalidCurrency
	}

	now := s.clock.Now().UTC()
	row := revenuedomain.RevenueEvent{
		ID:         uuid.Must(uuid.NewV7()),
		Amount:     req.Amount,
		Currency:   currency,
		SourceType: sourceType,
		SourceID:   sourceID,
		Status:     revenuedomain.StatusPending,
		CreatedAt:  now,
	}
	if req.Confirmed {
		row.Status = revenuedomain.StatusConfirmed
		row.ConfirmedAt = &now
	}

	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO revenue_events (id, amount, currency, source_type, source_id, status, confirmed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_type, source_id) DO NOTHING`,
		row.ID, row.Amount, row.Currency, row.SourceType, row.SourceID, row.Status, row.ConfirmedAt, row.CreatedAt,
	)
	if res.Error != nil {
		return nil, res.Error
	}

	var stored revenuedomain.RevenueEvent
	if err := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Take(&stored).Error; err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		s.log.Info("duplicate revenue event ignored",
			zap.String("source_type", sourceType),
			zap.String("source_id", sourceID),
			zap.String("revenue_event_id", stored.ID.String()),
		)
	}
	return &stored, nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*revenuedomain.RevenueEvent, error) {
	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE revenue_events SET status = ?, confirmed_at = ? WHERE id = ? AND status = ?`,
		revenuedomain.StatusConfirmed, now, id, revenuedomain.StatusPending,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		switch event.Status {
		case revenuedomain.StatusConfirmed, revenuedomain.StatusAllocated:
			return event, nil
		default:
			return nil, revenuedomain.ErrInvalidRevenueTransition
		}
	}
	return event, nil
}

func (s *Service) Void(ctx context.Context, id uuid.UUID, reason string) (*revenuedomain.RevenueEvent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, revenuedomain.ErrReasonRequired
	}

	var voided revenuedomain.RevenueEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var before revenuedomain.RevenueEvent
		if err := tx.WithContext(ctx).Where("id = ?", id).Take(&before).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return revenuedomain.ErrNotFound
			}
			return err
		}

		now := s.clock.Now().UTC()
		res := tx.WithContext(ctx).Exec(
			`UPDATE revenue_events SET status = ?, voided_at = ?, void_reason = ?
			 WHERE id = ? AND status IN ?`,
			revenuedomain.StatusVoid, now, reason, id,
			[]revenuedomain.Status{revenuedomain.StatusPending, revenuedomain.StatusConfirmed},
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return revenuedomain.ErrInvalidRevenueTransition
		}

		voided = before
		voided.Status = revenuedomain.StatusVoid
		voided.VoidedAt = &now
		voided.VoidReason = &reason

		impact := -before.Amount
		return s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:       auditdomain.ActionRevenueVoided,
			TargetType:   auditdomain.TargetRevenueEvent,
			TargetID:     id.String(),
			Before:       before.Snapshot(),
			After:        voided.Snapshot(),
			AmountImpact: &impact,
			Reason:       reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return &voided, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*revenuedomain.RevenueEvent, error) {
	var event revenuedomain.RevenueEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, revenuedomain.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (s *Service) ListConfirmedUnallocated(ctx context.Context, limit int) ([]revenuedomain.RevenueEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []revenuedomain.RevenueEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", revenuedomain.StatusConfirmed).
		Order("confirmed_at asc, id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (s *Service) MarkAllocatedTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, poolID uuid.UUID) (*revenuedomain.RevenueEvent, error) {
	now := s.clock.Now().UTC()
	res := tx.WithContext(ctx).Exec(
		`UPDATE revenue_events SET status = ?, pool_id = ?, allocated_at = ? WHERE id = ? AND status = ?`,
		revenuedomain.StatusAllocated, poolID, now, id, revenuedomain.StatusConfirmed,
	)
	if res.Error != nil {
		return nil, res.Error
	}

	var event revenuedomain.RevenueEvent
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, revenuedomain.ErrNotFound
		}
		return nil, err
	}
	if res.RowsAffected == 0 {
		if event.Status == revenuedomain.StatusAllocated {
			return nil, revenuedomain.ErrDuplicateRevenueEvent
		}
		return nil, revenuedomain.ErrRevenueNotConfirmed
	}
	return &event, nil
}
