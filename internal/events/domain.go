package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TypeRevenueAllocated   = "revenue.allocated"
	TypeLedgerEntryPosted  = "ledger.entry_posted"
	TypeReferralApproved   = "referral.approved"
	TypeReferralRejected   = "referral.rejected"
	TypeReferralFlagged    = "referral.flagged"
	TypeReferralReversed   = "referral.reversed"
	TypePayoutRequested    = "payout.requested"
	TypePayoutPaid         = "payout.paid"
	TypePayoutCancelled    = "payout.cancelled"
	TypeReconciliationDone = "reconciliation.completed"
)

// OutboxEvent is written in the same transaction as the state change it
// announces and relayed to the broker afterwards.
type OutboxEvent struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	EventType   string            `gorm:"type:varchar(64);not null;index" json:"event_type"`
	AggregateID string            `gorm:"type:varchar(64);not null" json:"aggregate_id"`
	DedupeKey   string            `gorm:"type:varchar(160);not null;uniqueIndex" json:"dedupe_key"`
	Payload     datatypes.JSON    `gorm:"not null" json:"payload"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	Published   bool              `gorm:"not null;default:false;index" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Attempts    int               `gorm:"not null;default:0" json:"attempts"`
	LastError   *string           `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Event is what domain services hand to the outbox.
type Event struct {
	Type        string
	AggregateID string
	// DedupeKey defaults to Type:AggregateID when empty.
	DedupeKey string
	Payload   any
}

// Message is the broker-facing envelope.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Payload   []byte            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}
