package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_event")

type OutboxParams struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`
}

type Outbox struct {
	log   *zap.Logger
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Outbox{log: p.Log.Named("events.outbox"), clock: clk}
}

// PublishTx stores the event on tx. A nil Outbox is a no-op so services can
// run without event fan-out in tests and tools.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if o == nil {
		return nil
	}
	evt.Type = strings.TrimSpace(evt.Type)
	evt.AggregateID = strings.TrimSpace(evt.AggregateID)
	if evt.Type == "" || evt.AggregateID == "" || tx == nil {
		return ErrInvalidEvent
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evt.Type, err)
	}
	dedupe := strings.TrimSpace(evt.DedupeKey)
	if dedupe == "" {
		dedupe = evt.Type + ":" + evt.AggregateID
	}

	meta := datatypes.JSONMap{}
	for k, v := range correlation.Metadata(ctx) {
		meta[k] = v
	}

	row := OutboxEvent{
		ID:          uuid.Must(uuid.NewV7()),
		EventType:   evt.Type,
		AggregateID: evt.AggregateID,
		DedupeKey:   dedupe,
		Payload:     datatypes.JSON(payload),
		Metadata:    meta,
		CreatedAt:   o.clock.Now().UTC(),
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, event_type, aggregate_id, dedupe_key, payload, metadata, published, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		row.ID, row.EventType, row.AggregateID, row.DedupeKey, row.Payload, row.Metadata, false, 0, row.CreatedAt,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		o.log.Debug("outbox event deduplicated",
			zap.String("event_type", evt.Type),
			zap.String("dedupe_key", dedupe),
		)
	}
	return nil
}
