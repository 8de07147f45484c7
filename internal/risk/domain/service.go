package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/referralpool/pkg/db/pagination"
	"gorm.io/gorm"
)

//go:generate mockgen -destination=../mock/mock_history.go -package=mock . HistoryProvider

// HistoryProvider answers questions about a referrer's past activity.
type HistoryProvider interface {
	CountReferralsSince(ctx context.Context, tx *gorm.DB, referrerID string, since time.Time) (int64, error)
}

type ListRequest struct {
	pagination.Pagination
	Status string `form:"status"`
	Level  string `form:"risk_level"`
}

type ListResponse struct {
	pagination.PageInfo
	Assessments []RiskAssessment `json:"risk_assessments"`
}

type Service interface {
	AssessTx(ctx context.Context, tx *gorm.DB, subject Subject) (*RiskAssessment, error)
	Confirm(ctx context.Context, tx *gorm.DB, id uuid.UUID, actorID, notes string) (*RiskAssessment, error)
	Dismiss(ctx context.Context, tx *gorm.DB, id uuid.UUID, actorID, notes string) (*RiskAssessment, error)
	EnsureConfirmed(ctx context.Context, tx *gorm.DB, subject Subject, actorID, notes string) (*RiskAssessment, error)

	GetByReferral(ctx context.Context, tx *gorm.DB, referralID uuid.UUID) (*RiskAssessment, error)
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*RiskAssessment, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrNotFound         = errors.New("risk_assessment_not_found")
	ErrAlreadyReviewed  = errors.New("risk_assessment_already_reviewed")
	ErrInvalidSubject   = errors.New("invalid_risk_subject")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrActorRequired    = errors.New("actor_required")
)
