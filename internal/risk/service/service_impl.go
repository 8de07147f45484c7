package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
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
	History    riskdomain.HistoryProvider
	AuditSvc   auditdomain.Service
	Commission *config.CommissionConfigHolder `optional:"true"`
	Clock      clock.Clock                    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	history    riskdomain.HistoryProvider
	auditSvc   auditdomain.Service
	commission *config.CommissionConfigHolder
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) riskdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("risk.service"),
		history:    p.History,
		auditSvc:   p.AuditSvc,
		commission: p.Commission,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// AssessTx scores the subject and stores the result. A reviewed assessment is
// returned as-is; an unreviewed one is re-scored in place.
func (s *Service) AssessTx(ctx context.Context, tx *gorm.DB, subject riskdomain.Subject) (*riskdomain.RiskAssessment, error) {
	if subject.ReferralID == uuid.Nil || strings.TrimSpace(subject.ReferrerID) == "" {
		return nil, riskdomain.ErrInvalidSubject
	}
	if tx == nil {
		tx = s.db
	}

	existing, err := s.GetByReferral(ctx, tx, subject.ReferralID)
	if err != nil && !errors.Is(err, riskdomain.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status.Reviewed() {
		return existing, nil
	}

	result, err := s.score(ctx, tx, subject)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	if existing != nil {
		updates := map[string]any{
			"risk_score":        result.Score,
			"risk_level":        result.Level,
			"flags":             flagSlice(result.Flags),
			"auto_action_taken": result.Action,
			"updated_at":        now,
		}
		if result.Action != existing.AutoActionTaken {
			if result.Action == riskdomain.ActionNone {
				updates["auto_action_at"] = nil
			} else {
				updates["auto_action_at"] = now
			}
		}
		res := tx.WithContext(ctx).Model(&riskdomain.RiskAssessment{}).
			Where("id = ? AND status IN ?", existing.ID, []riskdomain.Status{riskdomain.StatusDetected, riskdomain.StatusReviewing}).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		return s.Get(ctx, tx, existing.ID)
	}

	assessment := riskdomain.RiskAssessment{
		ID:                uuid.Must(uuid.NewV7()),
		ReferralEventID:   subject.ReferralID,
		UserID:            strings.TrimSpace(subject.ReferrerID),
		RiskScore:         result.Score,
		RiskLevel:         result.Level,
		Flags:             flagSlice(result.Flags),
		AutoActionTaken:   result.Action,
		Status:            riskdomain.StatusDetected,
		IPAddress:         optionalString(subject.ReferredIP),
		DeviceFingerprint: fingerprintDigest(subject.ReferredDevice),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if result.Action != riskdomain.ActionNone {
		assessment.AutoActionAt = &now
	}
	if err := tx.WithContext(ctx).Create(&assessment).Error; err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRiskAssessment(ctx, string(result.Level), string(result.Action))
	if result.Level != riskdomain.LevelLow {
		s.log.Warn("referral risk detected",
			zap.String("referral_id", subject.ReferralID.String()),
			zap.String("referrer_id", subject.ReferrerID),
			zap.Int("risk_score", result.Score),
			zap.String("risk_level", string(result.Level)),
			zap.String("auto_action", string(result.Action)),
			zap.Strings("flags", flagSlice(result.Flags)),
		)
	}
	return &assessment, nil
}

func (s *Service) score(ctx context.Context, tx *gorm.DB, subject riskdomain.Subject) (riskdomain.Result, error) {
	rules := s.commission.Get().Risk
	window := rules.VolumeWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	anchor := subject.CreatedAt
	if anchor.IsZero() {
		anchor = s.clock.Now()
	}

	var recent int64
	if s.history != nil {
		count, err := s.history.CountReferralsSince(ctx, tx, subject.ReferrerID, anchor.Add(-window))
		if err != nil {
			return riskdomain.Result{}, err
		}
		recent = count
	}
	return Score(riskdomain.Signals{Subject: subject, RecentReferrals: recent}, rules), nil
}

func (s *Service) Confirm(ctx context.Context, tx *gorm.DB, id uuid.UUID, actorID, notes string) (*riskdomain.RiskAssessment, error) {
	return s.review(ctx, tx, id, riskdomain.StatusConfirmed, actorID, notes, false)
}

func (s *Service) Dismiss(ctx context.Context, tx *gorm.DB, id uuid.UUID, actorID, notes string) (*riskdomain.RiskAssessment, error) {
	return s.review(ctx, tx, id, riskdomain.StatusDismissed, actorID, notes, false)
}

// EnsureConfirmed makes sure the referral carries a confirmed assessment,
// creating one first when none exists. An earlier dismissal is overruled.
func (s *Service) EnsureConfirmed(ctx context.Context, tx *gorm.DB, subject riskdomain.Subject, actorID, notes string) (*riskdomain.RiskAssessment, error) {
	if tx == nil {
		tx = s.db
	}
	assessment, err := s.GetByReferral(ctx, tx, subject.ReferralID)
	if errors.Is(err, riskdomain.ErrNotFound) {
		assessment, err = s.AssessTx(ctx, tx, subject)
	}
	if err != nil {
		return nil, err
	}
	return s.review(ctx, tx, assessment.ID, riskdomain.StatusConfirmed, actorID, notes, true)
}

func (s *Service) review(ctx context.Context, tx *gorm.DB, id uuid.UUID, to riskdomain.Status, actorID, notes string, overrule bool) (*riskdomain.RiskAssessment, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, riskdomain.ErrActorRequired
	}
	if tx == nil {
		tx = s.db
	}

	before, err := s.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if before.Status == to {
		return before, nil
	}
	allowed := []riskdomain.Status{riskdomain.StatusDetected, riskdomain.StatusReviewing}
	if before.Status.Reviewed() {
		if !overrule {
			return nil, riskdomain.ErrAlreadyReviewed
		}
		allowed = append(allowed, before.Status)
	}

	now := s.clock.Now().UTC()
	updates := map[string]any{
		"status":       to,
		"reviewed_by":  actorID,
		"reviewed_at":  now,
		"review_notes": optionalString(notes),
		"updated_at":   now,
	}
	if to == riskdomain.StatusDismissed &&
		(before.AutoActionTaken == riskdomain.ActionHoldPayout || before.AutoActionTaken == riskdomain.ActionFlagForReview) {
		updates["auto_action_taken"] = riskdomain.ActionNone
	}

	res := tx.WithContext(ctx).Model(&riskdomain.RiskAssessment{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, riskdomain.ErrAlreadyReviewed
	}

	after, err := s.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	action := auditdomain.ActionFraudConfirmed
	if to == riskdomain.StatusDismissed {
		action = auditdomain.ActionFraudDismissed
	}
	if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
		Action:     action,
		TargetType: auditdomain.TargetRiskAssessment,
		TargetID:   id.String(),
		Before:     before.Snapshot(),
		After:      after.Snapshot(),
		Notes:      notes,
		Metadata:   map[string]any{"referral_event_id": after.ReferralEventID.String()},
	}); err != nil {
		return nil, err
	}
	return after, nil
}

func (s *Service) GetByReferral(ctx context.Context, tx *gorm.DB, referralID uuid.UUID) (*riskdomain.RiskAssessment, error) {
	return s.find(ctx, tx, "referral_event_id = ?", referralID)
}

func (s *Service) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*riskdomain.RiskAssessment, error) {
	return s.find(ctx, tx, "id = ?", id)
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, query string, arg any) (*riskdomain.RiskAssessment, error) {
	if tx == nil {
		tx = s.db
	}
	var assessment riskdomain.RiskAssessment
	if err := tx.WithContext(ctx).Where(query, arg).Take(&assessment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, riskdomain.ErrNotFound
		}
		return nil, err
	}
	return &assessment, nil
}

func (s *Service) List(ctx context.Context, req riskdomain.ListRequest) (riskdomain.ListResponse, error) {
	stmt := s.db.WithContext(ctx).Model(&riskdomain.RiskAssessment{})
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if level := strings.TrimSpace(req.Level); level != "" {
		stmt = stmt.Where("risk_level = ?", level)
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return riskdomain.ListResponse{}, riskdomain.ErrInvalidPageToken
		}
		id, err := uuid.Parse(cursor.ID)
		if err != nil {
			return riskdomain.ListResponse{}, riskdomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", id)
	}

	pageSize := req.Limit(20, 100)
	var items []*riskdomain.RiskAssessment
	if err := stmt.Order("id desc").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return riskdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *riskdomain.RiskAssessment) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	out := make([]riskdomain.RiskAssessment, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return riskdomain.ListResponse{PageInfo: *pageInfo, Assessments: out}, nil
}

func flagSlice(flags []riskdomain.Flag) datatypes.JSONSlice[string] {
	out := make(datatypes.JSONSlice[string], 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
