package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/referralpool/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry describes one privileged mutation. Before and After are snapshots of
// the target; the changed keys are derived when the entry is written.
type Entry struct {
	Action       Action
	TargetType   TargetType
	TargetID     string
	Before       map[string]any
	After        map[string]any
	AmountImpact *int64
	Notes        string
	Reason       string
	Metadata     map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	AdminID    string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AdminFinancialLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	RecordTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AdminFinancialLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AdminFinancialLog, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidTarget    = errors.New("invalid_target")
)
