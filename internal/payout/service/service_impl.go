package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/auditcontext"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	"github.com/smallbiznis/referralpool/pkg/db"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Commission *config.CommissionConfigHolder `optional:"true"`
	Clock      clock.Clock                    `optional:"true"`
	Outbox     *events.Outbox                 `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	commission *config.CommissionConfigHolder
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		commission: p.Commission,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// RequestPayout reserves amount against the user's balance. The ledger head
// is locked first so two requests for the same user cannot both pass the
// retained balance check.
func (s *Service) RequestPayout(ctx context.Context, req payoutdomain.RequestPayoutRequest) (*payoutdomain.Payout, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, payoutdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, payoutdomain.ErrInvalidAmount
	}
	if !req.Method.Valid() {
		return nil, payoutdomain.ErrInvalidMethod
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = ledgerdomain.DefaultCurrency
	}

	rules := s.commission.Get().Payout
	if req.Amount < rules.MinimumPayout {
		return nil, payoutdomain.ErrBelowMinimumPayout
	}

	var payout payoutdomain.Payout
	err := db.RetryOnConflict(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.ledgerSvc.LockAccountTx(ctx, tx, userID); err != nil {
				return err
			}
			available, err := s.availableTx(ctx, tx, userID, rules.MinimumRetainedBalance)
			if err != nil {
				return err
			}
			if available < req.Amount {
				s.log.Info("payout request exceeds available balance",
					zap.String("user_id", userID),
					zap.Int64("amount", req.Amount),
					zap.Int64("available", available),
				)
				return payoutdomain.ErrInsufficientBalance
			}

			now := s.now()
			payout = payoutdomain.Payout{
				ID:            uuid.Must(uuid.NewV7()),
				UserID:        userID,
				Amount:        req.Amount,
				Currency:      currency,
				PayoutMethod:  req.Method,
				PayoutDetails: datatypes.JSONMap(req.Details),
				Status:        payoutdomain.StatusPending,
				Version:       1,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.WithContext(ctx).Create(&payout).Error; err != nil {
				return err
			}
			return s.publish(ctx, tx, events.TypePayoutRequested, &payout, nil)
		})
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordPayoutTransition(ctx, string(payout.Status), string(payout.PayoutMethod))
	s.log.Info("payout requested",
		zap.String("payout_id", payout.ID.String()),
		zap.String("user_id", payout.UserID),
		zap.Int64("amount", payout.Amount),
	)
	return &payout, nil
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*payoutdomain.Payout, error) {
	_, actorID, ok := auditcontext.HumanActor(ctx)
	if !ok {
		return nil, payoutdomain.ErrActorRequired
	}
	return s.move(ctx, id, payoutdomain.StatusApproved, auditdomain.ActionPayoutApproved, "", func(tx *gorm.DB, p *payoutdomain.Payout) (map[string]any, error) {
		if p.Status != payoutdomain.StatusPending {
			return nil, s.invalidTransition(p, payoutdomain.StatusApproved)
		}
		return map[string]any{"approved_by": actorID, "approved_at": s.now()}, nil
	})
}

// MarkPaid flips the payout to paid and posts the ledger debit in the same
// transaction. A repeat call with the same transaction id is a no-op.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, transactionID string) (*payoutdomain.Payout, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, payoutdomain.ErrTransactionIDRequired
	}

	var (
		out      *payoutdomain.Payout
		repeated bool
	)
	err := db.RetryOnConflict(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repeated = false
			p, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if p.Status == payoutdomain.StatusPaid {
				if p.TransactionID != nil && *p.TransactionID == transactionID {
					out, repeated = p, true
					return nil
				}
				return payoutdomain.ErrTransactionIDMismatch
			}
			if p.Status != payoutdomain.StatusApproved {
				return s.invalidTransition(p, payoutdomain.StatusPaid)
			}

			entry, err := s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
				UserID:      p.UserID,
				Debit:       p.Amount,
				Type:        ledgerdomain.TransactionPayoutDebit,
				SourceType:  ledgerdomain.SourcePayout,
				SourceID:    p.ID.String(),
				Reference:   transactionID,
				Currency:    p.Currency,
				Description: fmt.Sprintf("%s payout", p.PayoutMethod),
			})
			if err != nil {
				return err
			}

			before := p.Snapshot()
			if err := s.casTx(ctx, tx, p, payoutdomain.StatusPaid, map[string]any{
				"transaction_id":  transactionID,
				"ledger_entry_id": entry.ID,
				"paid_at":         s.now(),
			}); err != nil {
				return err
			}
			impact := -p.Amount
			if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
				Action:       auditdomain.ActionPayoutPaid,
				TargetType:   auditdomain.TargetPayout,
				TargetID:     p.ID.String(),
				Before:       before,
				After:        p.Snapshot(),
				AmountImpact: &impact,
				Metadata: map[string]any{
					"ledger_entry_id": entry.ID.String(),
					"balance_after":   entry.BalanceAfter,
				},
			}); err != nil {
				return err
			}
			if err := s.publish(ctx, tx, events.TypePayoutPaid, p, map[string]any{"transaction_id": transactionID}); err != nil {
				return err
			}
			out = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if !repeated {
		s.obsMetrics.RecordPayoutTransition(ctx, string(out.Status), string(out.PayoutMethod))
		s.log.Info("payout paid",
			zap.String("payout_id", out.ID.String()),
			zap.String("user_id", out.UserID),
			zap.Int64("amount", out.Amount),
		)
	}
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*payoutdomain.Payout, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, payoutdomain.ErrReasonRequired
	}
	return s.move(ctx, id, payoutdomain.StatusCancelled, auditdomain.ActionPayoutCancelled, reason, func(tx *gorm.DB, p *payoutdomain.Payout) (map[string]any, error) {
		if !p.Status.Open() {
			return nil, s.invalidTransition(p, payoutdomain.StatusCancelled)
		}
		return map[string]any{"cancelled_at": s.now(), "cancel_reason": reason}, nil
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*payoutdomain.Payout, error) {
	return s.getTx(ctx, s.db, id)
}

func (s *Service) List(ctx context.Context, req payoutdomain.ListPayoutRequest) (payoutdomain.ListPayoutResponse, error) {
	stmt := s.db.WithContext(ctx).Model(&payoutdomain.Payout{})
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		stmt = stmt.Where("user_id = ?", userID)
	}
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return payoutdomain.ListPayoutResponse{}, payoutdomain.ErrInvalidPageToken
		}
		id, err := uuid.Parse(cursor.ID)
		if err != nil {
			return payoutdomain.ListPayoutResponse{}, payoutdomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", id)
	}

	pageSize := req.Limit(20, 100)
	var items []*payoutdomain.Payout
	if err := stmt.Order("id desc").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return payoutdomain.ListPayoutResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *payoutdomain.Payout) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	out := make([]payoutdomain.Payout, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return payoutdomain.ListPayoutResponse{PageInfo: *pageInfo, Payouts: out}, nil
}

func (s *Service) Available(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, payoutdomain.ErrInvalidUser
	}
	available, err := s.availableTx(ctx, s.db, userID, s.commission.Get().Payout.MinimumRetainedBalance)
	if err != nil {
		return 0, err
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

func (s *Service) availableTx(ctx context.Context, tx *gorm.DB, userID string, retained int64) (int64, error) {
	balance, err := s.ledgerSvc.BalanceOfTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	var open int64
	if err := tx.WithContext(ctx).
		Model(&payoutdomain.Payout{}).
		Where("user_id = ? AND status IN ?", userID, []payoutdomain.Status{payoutdomain.StatusPending, payoutdomain.StatusApproved}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&open).Error; err != nil {
		return 0, err
	}
	return balance - open - retained, nil
}

func (s *Service) move(
	ctx context.Context,
	id uuid.UUID,
	to payoutdomain.Status,
	action auditdomain.Action,
	reason string,
	prepare func(tx *gorm.DB, p *payoutdomain.Payout) (map[string]any, error),
) (*payoutdomain.Payout, error) {
	var out *payoutdomain.Payout
	err := db.RetryOnConflict(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			p, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if p.Status == to {
				out = p
				return nil
			}
			updates, err := prepare(tx, p)
			if err != nil {
				return err
			}
			before := p.Snapshot()
			if err := s.casTx(ctx, tx, p, to, updates); err != nil {
				return err
			}
			if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
				Action:     action,
				TargetType: auditdomain.TargetPayout,
				TargetID:   p.ID.String(),
				Before:     before,
				After:      p.Snapshot(),
				Reason:     reason,
			}); err != nil {
				return err
			}
			if to == payoutdomain.StatusCancelled {
				if err := s.publish(ctx, tx, events.TypePayoutCancelled, p, map[string]any{"reason": reason}); err != nil {
					return err
				}
			}
			out = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordPayoutTransition(ctx, string(out.Status), string(out.PayoutMethod))
	return out, nil
}

func (s *Service) casTx(ctx context.Context, tx *gorm.DB, p *payoutdomain.Payout, to payoutdomain.Status, extra map[string]any) error {
	updates := map[string]any{
		"status":     to,
		"version":    p.Version + 1,
		"updated_at": s.now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&payoutdomain.Payout{}).
		Where("id = ? AND version = ? AND status = ?", p.ID, p.Version, p.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.obsMetrics.RecordVersionConflict(ctx, "payout")
		return db.ErrVersionConflict
	}
	reloaded, err := s.getTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	*p = *reloaded
	return nil
}

func (s *Service) invalidTransition(p *payoutdomain.Payout, to payoutdomain.Status) error {
	s.log.Error("invalid payout transition",
		zap.String("payout_id", p.ID.String()),
		zap.String("from", string(p.Status)),
		zap.String("to", string(to)),
	)
	return fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidPayoutTransition, p.Status, to)
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, p *payoutdomain.Payout, extra map[string]any) error {
	payload := map[string]any{
		"payout_id":     p.ID.String(),
		"user_id":       p.UserID,
		"amount":        p.Amount,
		"currency":      p.Currency,
		"payout_method": string(p.PayoutMethod),
		"status":        string(p.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        eventType,
		AggregateID: p.ID.String(),
		DedupeKey:   fmt.Sprintf("%s:%s:%d", eventType, p.ID, p.Version),
		Payload:     payload,
	})
}

func (s *Service) getTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*payoutdomain.Payout, error) {
	var p payoutdomain.Payout
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payoutdomain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}
