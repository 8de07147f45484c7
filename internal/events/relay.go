package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/referralpool/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxRelayAttempts = 10

type RelayParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Publisher Publisher
	Clock     clock.Clock `optional:"true"`
}

// Relay drains unpublished outbox rows to the broker in creation order.
type Relay struct {
	db        *gorm.DB
	log       *zap.Logger
	publisher Publisher
	clock     clock.Clock
}

func NewRelay(p RelayParams) *Relay {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Relay{
		db:        p.DB,
		log:       p.Log.Named("events.relay"),
		publisher: p.Publisher,
		clock:     clk,
	}
}

// RelayPending publishes up to limit events and returns how many were marked published.
func (r *Relay) RelayPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []OutboxEvent
	if err := r.db.WithContext(ctx).
		Where("published = ? AND attempts < ?", false, maxRelayAttempts).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	msgs := make([]Message, 0, len(rows))
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		meta := map[string]string{}
		for k, v := range row.Metadata {
			if s, ok := v.(string); ok {
				meta[k] = s
			}
		}
		msgs = append(msgs, Message{
			ID:        row.ID.String(),
			Type:      row.EventType,
			Key:       row.AggregateID,
			Payload:   []byte(row.Payload),
			Metadata:  meta,
			CreatedAt: row.CreatedAt,
		})
		ids = append(ids, row.ID)
	}

	if err := r.publisher.Publish(ctx, msgs...); err != nil {
		msg := err.Error()
		if updErr := r.db.WithContext(ctx).Exec(
			`UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id IN ?`,
			msg, ids,
		).Error; updErr != nil {
			err = errors.Join(err, updErr)
		}
		r.log.Warn("outbox relay publish failed", zap.Int("batch", len(msgs)), zap.Error(err))
		return 0, err
	}

	now := r.clock.Now().UTC()
	res := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET published = ?, published_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id IN ? AND published = ?`,
		true, now, ids, false,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Backlog reports unpublished rows, including ones that exhausted their attempts.
func (r *Relay) Backlog(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&OutboxEvent{}).Where("published = ?", false).Count(&count).Error
	return count, err
}

// PruneBefore deletes published rows older than cutoff.
func (r *Relay) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(
		`DELETE FROM outbox_events WHERE published = ? AND published_at < ?`,
		true, cutoff.UTC(),
	)
	return res.RowsAffected, res.Error
}
