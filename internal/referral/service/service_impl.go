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
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"github.com/smallbiznis/referralpool/pkg/db"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	PoolSvc    pooldomain.Service
	LedgerSvc  ledgerdomain.Service
	RiskSvc    riskdomain.Service
	AuditSvc   auditdomain.Service
	Clock      clock.Clock         `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	poolSvc    pooldomain.Service
	ledgerSvc  ledgerdomain.Service
	riskSvc    riskdomain.Service
	auditSvc   auditdomain.Service
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) referraldomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("referral.service"),
		poolSvc:    p.PoolSvc,
		ledgerSvc:  p.LedgerSvc,
		riskSvc:    p.RiskSvc,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req referraldomain.CreateReferralRequest) (*referraldomain.ReferralEvent, error) {
	referrerID := strings.TrimSpace(req.ReferrerID)
	referredID := strings.TrimSpace(req.ReferredID)
	if referrerID == "" || referredID == "" {
		return nil, referraldomain.ErrInvalidParticipants
	}
	allocation, ok := req.EventType.Allocation()
	if !ok {
		return nil, referraldomain.ErrInvalidEventType
	}
	if req.CommissionAmount <= 0 || req.SubscriptionAmount < 0 {
		return nil, referraldomain.ErrInvalidCommission
	}

	now := s.clock.Now().UTC()
	ref := referraldomain.ReferralEvent{
		ID:                 uuid.Must(uuid.NewV7()),
		ReferrerID:         referrerID,
		ReferredID:         referredID,
		EventType:          req.EventType,
		CommissionAmount:   req.CommissionAmount,
		SubscriptionAmount: req.SubscriptionAmount,
		PoolAllocation:     allocation,
		PoolID:             req.PoolID,
		RevenueEventID:     req.RevenueEventID,
		WorkflowState:      referraldomain.StatePending,
		Version:            1,
		ReferrerIP:         optionalString(req.ReferrerIP),
		ReferredIP:         optionalString(req.ReferredIP),
		ReferrerDevice:     optionalString(req.ReferrerDevice),
		ReferredDevice:     optionalString(req.ReferredDevice),
		ReferredSignupAt:   utcPtr(req.ReferredSignupAt),
		ConvertedAt:        utcPtr(req.ConvertedAt),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if ref.PoolID == nil {
		current, err := s.poolSvc.Current(ctx)
		switch {
		case err == nil:
			ref.PoolID = &current.ID
		case !errors.Is(err, pooldomain.ErrNoOpenPool):
			return nil, err
		}
	}

	if err := s.db.WithContext(ctx).Create(&ref).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, referraldomain.ErrDuplicateReferral
		}
		return nil, err
	}
	s.log.Info("referral created",
		zap.String("referral_id", ref.ID.String()),
		zap.String("referrer_id", ref.ReferrerID),
		zap.String("event_type", string(ref.EventType)),
		zap.Int64("commission_amount", ref.CommissionAmount),
	)
	return &ref, nil
}

func (s *Service) StartReview(ctx context.Context, id uuid.UUID, reviewer string) (*referraldomain.ReferralEvent, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		_, reviewer = auditcontext.ActorFromContext(ctx)
	}
	return s.move(ctx, id, referraldomain.StateUnderReview, func(tx *gorm.DB, ref *referraldomain.ReferralEvent) (map[string]any, *auditdomain.Entry, error) {
		updates := map[string]any{"review_started_at": s.now()}
		if reviewer != "" {
			updates["reviewed_by"] = reviewer
		}
		return updates, nil, nil
	})
}

// Approve is idempotent. A referral that already holds its commission is
// returned unchanged; otherwise it is moved through review, scored, and on a
// clean score the pool reservation, ledger credit and approval commit
// together.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (referraldomain.Outcome, error) {
	var (
		outcome referraldomain.Outcome
		poolErr error
	)
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		outcome = referraldomain.Outcome{}
		poolErr = nil

		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ref.WorkflowState.Committed() {
			outcome = referraldomain.Outcome{Referral: ref, State: ref.WorkflowState}
			return nil
		}
		if ref.WorkflowState == referraldomain.StatePending {
			if err := s.transitionTx(ctx, tx, ref, referraldomain.StateUnderReview, map[string]any{"review_started_at": s.now()}); err != nil {
				return err
			}
		}
		if ref.WorkflowState != referraldomain.StateUnderReview {
			return s.invalidTransition(ref, referraldomain.StateApproved)
		}

		assessment, err := s.riskSvc.AssessTx(ctx, tx, ref.RiskSubject())
		if err != nil {
			return err
		}
		outcome.Risk = assessment

		switch {
		case assessment.Status == riskdomain.StatusConfirmed,
			assessment.Status != riskdomain.StatusDismissed && assessment.AutoActionTaken == riskdomain.ActionAutoReject:
			reason := riskReason("risk_auto_rejected", assessment)
			if err := s.rejectTx(ctx, tx, ref, reason); err != nil {
				return err
			}
			outcome.Referral, outcome.State, outcome.Reason = ref, ref.WorkflowState, reason
			outcome.Cause = referraldomain.ErrRiskAutoRejected
			return nil

		case assessment.Status != riskdomain.StatusDismissed && assessment.AutoActionTaken == riskdomain.ActionFlagForReview:
			reason := riskReason("flagged_for_review", assessment)
			if err := s.flagTx(ctx, tx, ref, reason); err != nil {
				return err
			}
			outcome.Referral, outcome.State, outcome.Reason = ref, ref.WorkflowState, reason
			return nil
		}

		poolID, err := s.poolFor(ctx, tx, ref)
		if err == nil {
			_, err = s.poolSvc.ReserveTx(ctx, tx, poolID, ref.Role(), ref.CommissionAmount)
		}
		if err != nil {
			if errors.Is(err, pooldomain.ErrPoolExhausted) || errors.Is(err, pooldomain.ErrPoolNotOpen) || errors.Is(err, pooldomain.ErrNoOpenPool) {
				poolErr = fmt.Errorf("%w: %w", referraldomain.ErrInsufficientPoolBalance, err)
				outcome.Referral, outcome.State = ref, ref.WorkflowState
				outcome.Reason = referraldomain.ErrInsufficientPoolBalance.Error()
				return nil
			}
			return err
		}

		entry, err := s.ledgerSvc.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
			UserID:      ref.ReferrerID,
			Credit:      ref.CommissionAmount,
			Type:        ledgerdomain.TransactionReferralEarned,
			SourceType:  ledgerdomain.SourceReferral,
			SourceID:    ref.ID.String(),
			Reference:   "REF-" + ref.ID.String()[:8],
			Description: fmt.Sprintf("%s commission", ref.EventType),
		})
		if err != nil {
			return err
		}

		before := ref.Snapshot()
		now := s.now()
		if err := s.transitionTx(ctx, tx, ref, referraldomain.StateApproved, map[string]any{
			"approved_at": now,
			"pool_id":     poolID,
		}); err != nil {
			return err
		}

		impact := ref.CommissionAmount
		if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:       auditdomain.ActionReferralApproved,
			TargetType:   auditdomain.TargetReferralEvent,
			TargetID:     ref.ID.String(),
			Before:       before,
			After:        ref.Snapshot(),
			AmountImpact: &impact,
			Metadata: map[string]any{
				"ledger_entry_id": entry.ID.String(),
				"risk_score":      assessment.RiskScore,
				"risk_level":      string(assessment.RiskLevel),
			},
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.TypeReferralApproved, ref, map[string]any{"ledger_entry_id": entry.ID.String()}); err != nil {
			return err
		}
		outcome.Referral, outcome.State = ref, ref.WorkflowState
		return nil
	})
	if err != nil {
		return referraldomain.Outcome{}, err
	}
	if poolErr != nil {
		s.log.Warn("referral approval deferred",
			zap.String("referral_id", id.String()),
			zap.String("workflow_state", string(outcome.State)),
			zap.Error(poolErr),
		)
		return outcome, poolErr
	}
	if outcome.Cause != nil {
		s.log.Warn("referral auto rejected",
			zap.String("referral_id", id.String()),
			zap.String("reason", outcome.Reason),
		)
	}
	return outcome, nil
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*referraldomain.ReferralEvent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, referraldomain.ErrReasonRequired
	}
	var out *referraldomain.ReferralEvent
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ref.WorkflowState == referraldomain.StateRejected {
			out = ref
			return nil
		}
		if err := s.rejectTx(ctx, tx, ref, reason); err != nil {
			return err
		}
		out = ref
		return nil
	})
	return out, err
}

func (s *Service) Flag(ctx context.Context, id uuid.UUID, notes string) (*referraldomain.ReferralEvent, error) {
	var out *referraldomain.ReferralEvent
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ref.WorkflowState == referraldomain.StateFlagged {
			out = ref
			return nil
		}
		if err := s.flagTx(ctx, tx, ref, strings.TrimSpace(notes)); err != nil {
			return err
		}
		out = ref
		return nil
	})
	return out, err
}

func (s *Service) ReturnToReview(ctx context.Context, id uuid.UUID) (*referraldomain.ReferralEvent, error) {
	return s.move(ctx, id, referraldomain.StateUnderReview, func(tx *gorm.DB, ref *referraldomain.ReferralEvent) (map[string]any, *auditdomain.Entry, error) {
		if ref.WorkflowState != referraldomain.StateFlagged {
			return nil, nil, s.invalidTransition(ref, referraldomain.StateUnderReview)
		}
		return map[string]any{"review_started_at": s.now()}, &auditdomain.Entry{
			Action: auditdomain.ActionReferralReinstated,
		}, nil
	})
}

func (s *Service) SchedulePayout(ctx context.Context, id uuid.UUID) (*referraldomain.ReferralEvent, error) {
	return s.move(ctx, id, referraldomain.StateScheduledForPayout, func(tx *gorm.DB, ref *referraldomain.ReferralEvent) (map[string]any, *auditdomain.Entry, error) {
		if err := s.ensureNotHeld(ctx, tx, ref); err != nil {
			return nil, nil, err
		}
		return map[string]any{"scheduled_payout_at": s.now()}, nil, nil
	})
}

func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (*referraldomain.ReferralEvent, error) {
	return s.move(ctx, id, referraldomain.StatePaid, func(tx *gorm.DB, ref *referraldomain.ReferralEvent) (map[string]any, *auditdomain.Entry, error) {
		if err := s.ensureNotHeld(ctx, tx, ref); err != nil {
			return nil, nil, err
		}
		return map[string]any{"paid_at": s.now()}, nil, nil
	})
}

// Reverse undoes an approved commission: the credit is compensated, the
// pool reservation is released and the referral ends in reversed. The
// compensating debit may take the referrer below zero, which is why only a
// human actor can run it.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID, reason string) (*referraldomain.ReferralEvent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, referraldomain.ErrReasonRequired
	}
	if _, _, ok := auditcontext.HumanActor(ctx); !ok {
		return nil, referraldomain.ErrActorRequired
	}

	var out *referraldomain.ReferralEvent
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !referraldomain.CanTransition(ref.WorkflowState, referraldomain.StateReversed) {
			return s.invalidTransition(ref, referraldomain.StateReversed)
		}

		credit, err := s.findCredit(ctx, tx, ref)
		if err != nil {
			return err
		}
		reversal, err := s.ledgerSvc.ReverseEntry(ctx, tx, credit.ID, reason)
		if err != nil {
			return err
		}
		if ref.PoolID != nil {
			if _, err := s.poolSvc.Release(ctx, tx, *ref.PoolID, ref.Role(), ref.CommissionAmount); err != nil {
				return err
			}
		}

		before := ref.Snapshot()
		if err := s.transitionTx(ctx, tx, ref, referraldomain.StateReversed, map[string]any{
			"reversed_at":     s.now(),
			"reversal_reason": reason,
		}); err != nil {
			return err
		}

		impact := -ref.CommissionAmount
		if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:       auditdomain.ActionLedgerReversal,
			TargetType:   auditdomain.TargetReferralEvent,
			TargetID:     ref.ID.String(),
			Before:       before,
			After:        ref.Snapshot(),
			AmountImpact: &impact,
			Reason:       reason,
			Metadata: map[string]any{
				"original_entry_id": credit.ID.String(),
				"reversal_entry_id": reversal.ID.String(),
				"balance_after":     reversal.BalanceAfter,
			},
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.TypeReferralReversed, ref, map[string]any{"reason": reason}); err != nil {
			return err
		}
		out = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("referral reversed",
		zap.String("referral_id", id.String()),
		zap.Int64("commission_amount", out.CommissionAmount),
	)
	return out, nil
}

// AdminFlagReferralFraud confirms fraud on the referral's assessment and pulls
// a referral still in review out of the approval path.
func (s *Service) AdminFlagReferralFraud(ctx context.Context, id uuid.UUID, notes string) (*referraldomain.ReferralEvent, error) {
	_, actorID, ok := auditcontext.HumanActor(ctx)
	if !ok {
		return nil, referraldomain.ErrActorRequired
	}
	notes = strings.TrimSpace(notes)

	var out *referraldomain.ReferralEvent
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.riskSvc.EnsureConfirmed(ctx, tx, ref.RiskSubject(), actorID, notes); err != nil {
			return err
		}
		if ref.WorkflowState == referraldomain.StatePending {
			if err := s.transitionTx(ctx, tx, ref, referraldomain.StateUnderReview, map[string]any{"review_started_at": s.now()}); err != nil {
				return err
			}
		}
		if ref.WorkflowState == referraldomain.StateUnderReview {
			if err := s.flagTx(ctx, tx, ref, notes); err != nil {
				return err
			}
		}
		out = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("referral flagged as fraud",
		zap.String("referral_id", id.String()),
		zap.String("actor_id", actorID),
		zap.String("workflow_state", string(out.WorkflowState)),
	)
	return out, nil
}

// AdminDismissRiskAssessment clears an assessment and returns a flagged
// referral to review so it can be approved.
func (s *Service) AdminDismissRiskAssessment(ctx context.Context, riskID uuid.UUID, notes string) (*riskdomain.RiskAssessment, error) {
	_, actorID, ok := auditcontext.HumanActor(ctx)
	if !ok {
		return nil, referraldomain.ErrActorRequired
	}

	var out *riskdomain.RiskAssessment
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		assessment, err := s.riskSvc.Dismiss(ctx, tx, riskID, actorID, notes)
		if err != nil {
			return err
		}
		ref, err := s.getTx(ctx, tx, assessment.ReferralEventID)
		if err != nil {
			return err
		}
		if ref.WorkflowState == referraldomain.StateFlagged {
			before := ref.Snapshot()
			if err := s.transitionTx(ctx, tx, ref, referraldomain.StateUnderReview, map[string]any{"review_started_at": s.now()}); err != nil {
				return err
			}
			if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
				Action:     auditdomain.ActionReferralReinstated,
				TargetType: auditdomain.TargetReferralEvent,
				TargetID:   ref.ID.String(),
				Before:     before,
				After:      ref.Snapshot(),
				Notes:      notes,
				Metadata:   map[string]any{"risk_assessment_id": riskID.String()},
			}); err != nil {
				return err
			}
		}
		out = assessment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*referraldomain.ReferralEvent, error) {
	return s.getTx(ctx, s.db, id)
}

func (s *Service) List(ctx context.Context, req referraldomain.ListReferralRequest) (referraldomain.ListReferralResponse, error) {
	stmt := s.db.WithContext(ctx).Model(&referraldomain.ReferralEvent{})
	if referrer := strings.TrimSpace(req.ReferrerID); referrer != "" {
		stmt = stmt.Where("referrer_id = ?", referrer)
	}
	if state := strings.TrimSpace(req.State); state != "" {
		stmt = stmt.Where("workflow_state = ?", state)
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return referraldomain.ListReferralResponse{}, referraldomain.ErrInvalidPageToken
		}
		id, err := uuid.Parse(cursor.ID)
		if err != nil {
			return referraldomain.ListReferralResponse{}, referraldomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", id)
	}

	pageSize := req.Limit(20, 100)
	var items []*referraldomain.ReferralEvent
	if err := stmt.Order("id desc").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return referraldomain.ListReferralResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *referraldomain.ReferralEvent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt.Format(time.RFC3339Nano)})
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	out := make([]referraldomain.ReferralEvent, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return referraldomain.ListReferralResponse{PageInfo: *pageInfo, Referrals: out}, nil
}

func (s *Service) ListSchedulable(ctx context.Context, approvedBefore time.Time, limit int) ([]referraldomain.ReferralEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var refs []referraldomain.ReferralEvent
	err := s.db.WithContext(ctx).
		Where("workflow_state = ? AND approved_at <= ?", referraldomain.StateApproved, approvedBefore.UTC()).
		// Mirrors RiskAssessment.HoldsPayout so held referrals do not starve the batch.
		Where(`NOT EXISTS (
			SELECT 1 FROM referral_risk_assessments ra
			WHERE ra.referral_event_id = referral_events.id
			  AND (ra.status = ? OR (ra.auto_action_taken = ? AND ra.status <> ?))
		)`, riskdomain.StatusConfirmed, riskdomain.ActionHoldPayout, riskdomain.StatusDismissed).
		Order("approved_at asc, id asc").
		Limit(limit).
		Find(&refs).Error
	return refs, err
}

// move runs a single guarded transition. prepare returns extra columns and an
// optional audit entry whose action is filled in by the caller.
func (s *Service) move(
	ctx context.Context,
	id uuid.UUID,
	to referraldomain.State,
	prepare func(tx *gorm.DB, ref *referraldomain.ReferralEvent) (map[string]any, *auditdomain.Entry, error),
) (*referraldomain.ReferralEvent, error) {
	var out *referraldomain.ReferralEvent
	err := s.runTx(ctx, func(tx *gorm.DB) error {
		ref, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if ref.WorkflowState == to {
			out = ref
			return nil
		}
		if !referraldomain.CanTransition(ref.WorkflowState, to) {
			return s.invalidTransition(ref, to)
		}
		updates, entry, err := prepare(tx, ref)
		if err != nil {
			return err
		}
		before := ref.Snapshot()
		if err := s.transitionTx(ctx, tx, ref, to, updates); err != nil {
			return err
		}
		if entry != nil {
			entry.TargetType = auditdomain.TargetReferralEvent
			entry.TargetID = ref.ID.String()
			entry.Before = before
			entry.After = ref.Snapshot()
			if err := s.auditSvc.RecordTx(ctx, tx, *entry); err != nil {
				return err
			}
		}
		out = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) rejectTx(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent, reason string) error {
	before := ref.Snapshot()
	updates := map[string]any{
		"rejected_at":      s.now(),
		"rejection_reason": reason,
	}
	if _, actorID, ok := auditcontext.HumanActor(ctx); ok {
		updates["reviewed_by"] = actorID
	}
	if err := s.transitionTx(ctx, tx, ref, referraldomain.StateRejected, updates); err != nil {
		return err
	}
	if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
		Action:     auditdomain.ActionReferralRejected,
		TargetType: auditdomain.TargetReferralEvent,
		TargetID:   ref.ID.String(),
		Before:     before,
		After:      ref.Snapshot(),
		Reason:     reason,
	}); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.TypeReferralRejected, ref, map[string]any{"reason": reason})
}

func (s *Service) flagTx(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent, notes string) error {
	before := ref.Snapshot()
	if err := s.transitionTx(ctx, tx, ref, referraldomain.StateFlagged, map[string]any{"flagged_at": s.now()}); err != nil {
		return err
	}
	if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
		Action:     auditdomain.ActionReferralFlagged,
		TargetType: auditdomain.TargetReferralEvent,
		TargetID:   ref.ID.String(),
		Before:     before,
		After:      ref.Snapshot(),
		Notes:      notes,
	}); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.TypeReferralFlagged, ref, map[string]any{"notes": notes})
}

// transitionTx applies to with a check on both version and current state and
// reloads ref. A concurrent writer surfaces as db.ErrVersionConflict.
func (s *Service) transitionTx(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent, to referraldomain.State, extra map[string]any) error {
	from := ref.WorkflowState
	if !referraldomain.CanTransition(from, to) {
		return s.invalidTransition(ref, to)
	}

	updates := map[string]any{
		"workflow_state": to,
		"version":        ref.Version + 1,
		"updated_at":     s.now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&referraldomain.ReferralEvent{}).
		Where("id = ? AND version = ? AND workflow_state = ?", ref.ID, ref.Version, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.obsMetrics.RecordVersionConflict(ctx, "referral_event")
		return db.ErrVersionConflict
	}

	reloaded, err := s.getTx(ctx, tx, ref.ID)
	if err != nil {
		return err
	}
	*ref = *reloaded
	s.obsMetrics.RecordReferralTransition(ctx, string(from), string(to))
	s.log.Info("referral transitioned",
		zap.String("referral_id", ref.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) invalidTransition(ref *referraldomain.ReferralEvent, to referraldomain.State) error {
	s.log.Error("invalid referral state transition",
		zap.String("referral_id", ref.ID.String()),
		zap.String("from", string(ref.WorkflowState)),
		zap.String("to", string(to)),
	)
	return fmt.Errorf("%w: %s -> %s", referraldomain.ErrInvalidStateTransition, ref.WorkflowState, to)
}

func (s *Service) ensureNotHeld(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent) error {
	assessment, err := s.riskSvc.GetByReferral(ctx, tx, ref.ID)
	if err != nil {
		if errors.Is(err, riskdomain.ErrNotFound) {
			return nil
		}
		return err
	}
	if assessment.HoldsPayout() {
		return referraldomain.ErrPayoutHeld
	}
	return nil
}

func (s *Service) findCredit(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent) (*ledgerdomain.LedgerEntry, error) {
	entries, err := s.ledgerSvc.FindBySource(ctx, tx, ledgerdomain.SourceReferral, ref.ID.String())
	if err != nil {
		return nil, err
	}
	reversed := make(map[uuid.UUID]bool)
	for _, e := range entries {
		if e.ReversesEntryID != nil {
			reversed[*e.ReversesEntryID] = true
		}
	}
	for i := range entries {
		e := entries[i]
		if e.TransactionType == ledgerdomain.TransactionReferralEarned && e.UserID == ref.ReferrerID && !reversed[e.ID] {
			return &e, nil
		}
	}
	return nil, referraldomain.ErrCreditNotFound
}

// poolFor returns the pool an approval reserves from. A referral created
// under a pool that has since closed draws from the current open pool.
func (s *Service) poolFor(ctx context.Context, tx *gorm.DB, ref *referraldomain.ReferralEvent) (uuid.UUID, error) {
	if ref.PoolID != nil {
		var pinned pooldomain.RecruitmentPool
		err := tx.WithContext(ctx).Select("id", "status").First(&pinned, "id = ?", *ref.PoolID).Error
		switch {
		case err == nil && pinned.Status == pooldomain.StatusOpen:
			return pinned.ID, nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return uuid.Nil, err
		}
	}
	current, err := s.poolSvc.CurrentTx(ctx, tx)
	if err != nil {
		return uuid.Nil, err
	}
	return current.ID, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, ref *referraldomain.ReferralEvent, extra map[string]any) error {
	payload := map[string]any{
		"referral_id":       ref.ID.String(),
		"referrer_id":       ref.ReferrerID,
		"event_type":        string(ref.EventType),
		"workflow_state":    string(ref.WorkflowState),
		"commission_amount": ref.CommissionAmount,
		"version":           ref.Version,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        eventType,
		AggregateID: ref.ID.String(),
		DedupeKey:   fmt.Sprintf("%s:%s:%d", eventType, ref.ID, ref.Version),
		Payload:     payload,
	})
}

func (s *Service) runTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.RetryOnConflict(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

func (s *Service) getTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*referraldomain.ReferralEvent, error) {
	var ref referraldomain.ReferralEvent
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, referraldomain.ErrNotFound
		}
		return nil, err
	}
	return &ref, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func riskReason(prefix string, assessment *riskdomain.RiskAssessment) string {
	if len(assessment.Flags) == 0 {
		return prefix
	}
	return prefix + ": " + strings.Join(assessment.Flags, ", ")
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
