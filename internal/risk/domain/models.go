package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

type Action string

const (
	ActionNone          Action = "none"
	ActionFlagForReview Action = "flag_for_review"
	ActionHoldPayout    Action = "hold_payout"
	ActionAutoReject    Action = "auto_reject"
)

type Status string

const (
	StatusDetected  Status = "detected"
	StatusReviewing Status = "reviewing"
	StatusConfirmed Status = "confirmed"
	StatusDismissed Status = "dismissed"
)

// Reviewed reports whether a human has settled the assessment.
func (s Status) Reviewed() bool {
	return s == StatusConfirmed || s == StatusDismissed
}

type Flag string

const (
	FlagSelfReferral     Flag = "self_referral"
	FlagDuplicateIP      Flag = "duplicate_ip"
	FlagSameDevice       Flag = "same_device"
	FlagSuspiciousVolume Flag = "suspicious_volume"
	FlagAccountAge       Flag = "account_age"
	FlagShortTimeframe   Flag = "short_timeframe"
)

type RiskAssessment struct {
	ID                uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	ReferralEventID   uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex" json:"referral_event_id"`
	UserID            string                      `gorm:"type:varchar(64);not null;index" json:"user_id"`
	RiskScore         int                         `gorm:"not null" json:"risk_score"`
	RiskLevel         Level                       `gorm:"type:varchar(16);not null;index" json:"risk_level"`
	Flags             datatypes.JSONSlice[string] `json:"flags"`
	AutoActionTaken   Action                      `gorm:"type:varchar(32);not null" json:"auto_action_taken"`
	AutoActionAt      *time.Time                  `json:"auto_action_at,omitempty"`
	Status            Status                      `gorm:"type:varchar(16);not null;index" json:"status"`
	ReviewedBy        *string                     `gorm:"type:varchar(64)" json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time                  `json:"reviewed_at,omitempty"`
	ReviewNotes       *string                     `gorm:"type:text" json:"review_notes,omitempty"`
	IPAddress         *string                     `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	DeviceFingerprint *string                     `gorm:"type:varchar(128)" json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time                   `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"not null" json:"updated_at"`
}

func (RiskAssessment) TableName() string { return "referral_risk_assessments" }

// HoldsPayout reports whether the assessment still blocks a payout. Confirmed
// fraud always blocks; an automatic hold lasts until it is dismissed.
func (a RiskAssessment) HoldsPayout() bool {
	if a.Status == StatusConfirmed {
		return true
	}
	return a.AutoActionTaken == ActionHoldPayout && a.Status != StatusDismissed
}

func (a RiskAssessment) Snapshot() map[string]any {
	return map[string]any{
		"status":            string(a.Status),
		"risk_score":        a.RiskScore,
		"risk_level":        string(a.RiskLevel),
		"auto_action_taken": string(a.AutoActionTaken),
	}
}

// Subject is the slice of a referral the engine scores.
type Subject struct {
	ReferralID       uuid.UUID
	ReferrerID       string
	ReferredID       string
	ReferrerIP       string
	ReferredIP       string
	ReferrerDevice   string
	ReferredDevice   string
	ReferredSignupAt *time.Time
	ConvertedAt      *time.Time
	CreatedAt        time.Time
}

// Signals are the scoring inputs after history lookups.
type Signals struct {
	Subject
	RecentReferrals int64
}

type Result struct {
	Score  int    `json:"risk_score"`
	Level  Level  `json:"risk_level"`
	Action Action `json:"auto_action"`
	Flags  []Flag `json:"flags"`
}
