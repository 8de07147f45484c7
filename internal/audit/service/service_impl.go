package service

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/audit/masking"
	auditcontext "github.com/smallbiznis/referralpool/internal/auditcontext"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	return s.RecordTx(ctx, s.db, entry)
}

// RecordTx writes the log on the caller's transaction so the audit row commits
// or rolls back together with the mutation it describes.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	action := strings.TrimSpace(string(entry.Action))
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(string(entry.TargetType))
	if targetType == "" {
		return auditdomain.ErrInvalidTarget
	}
	if tx == nil {
		tx = s.db
	}

	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}

	row := auditdomain.AdminFinancialLog{
		ID:           uuid.Must(uuid.NewV7()),
		AdminID:      optionalString(actorID),
		ActorType:    actorType,
		Action:       action,
		TargetType:   targetType,
		TargetID:     optionalString(entry.TargetID),
		BeforeState:  jsonMap(entry.Before),
		AfterState:   jsonMap(entry.After),
		ChangesMade:  jsonMap(diffStates(entry.Before, entry.After)),
		AmountImpact: entry.AmountImpact,
		Notes:        optionalString(entry.Notes),
		Reason:       optionalString(entry.Reason),
		IPAddress:    optionalString(auditcontext.IPAddressFromContext(ctx)),
		UserAgent:    optionalString(auditcontext.UserAgentFromContext(ctx)),
		RequestID:    optionalString(auditcontext.RequestIDFromContext(ctx)),
		Metadata:     jsonMap(masking.MaskSensitive(entry.Metadata)),
		CreatedAt:    s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, tx, &row); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := uuid.Parse(strings.TrimSpace(decoded.ID))
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.Limit(50, 250)

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		AdminID:    req.AdminID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.AdminFinancialLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	logs := make([]auditdomain.AdminFinancialLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// diffStates returns {key: {"from": old, "to": new}} for every key whose value changed.
func diffStates(before, after map[string]any) map[string]any {
	if len(before) == 0 && len(after) == 0 {
		return nil
	}
	changes := map[string]any{}
	for key, newValue := range after {
		oldValue, ok := before[key]
		if ok && reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		changes[key] = map[string]any{"from": oldValue, "to": newValue}
	}
	for key, oldValue := range before {
		if _, ok := after[key]; ok {
			continue
		}
		changes[key] = map[string]any{"from": oldValue, "to": nil}
	}
	return changes
}

func jsonMap(values map[string]any) datatypes.JSONMap {
	if len(values) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		if key == "" {
			continue
		}
		out[key] = value
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
