package service

import (
	"context"
	"time"

	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"gorm.io/gorm"
)

type referralHistory struct {
	db *gorm.DB
}

// NewHistoryProvider reads referral volume straight from referral_events.
func NewHistoryProvider(db *gorm.DB) riskdomain.HistoryProvider {
	return &referralHistory{db: db}
}

func (h *referralHistory) CountReferralsSince(ctx context.Context, tx *gorm.DB, referrerID string, since time.Time) (int64, error) {
	if tx == nil {
		tx = h.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Table("referral_events").
		Where("referrer_id = ? AND created_at >= ?", referrerID, since.UTC()).
		Count(&count).Error
	return count, err
}
