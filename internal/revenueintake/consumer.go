package revenueintake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	auditcontext "github.com/smallbiznis/referralpool/internal/auditcontext"
	obscontext "github.com/smallbiznis/referralpool/internal/observability/context"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"go.uber.org/zap"
)

const (
	actorType = "system"
	actorID   = "revenue_intake"

	defaultSourceType = "payment"
)

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// paymentConfirmed is the payload published by the payment side once money
// has settled. Amount is in minor units.
type paymentConfirmed struct {
	PaymentID  string `json:"payment_id"`
	SourceType string `json:"source_type"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

// Consumer records every confirmed payment as a confirmed revenue event. The
// revenue service dedupes on (source_type, source_id) so redelivery is safe.
type Consumer struct {
	reader     Reader
	revenueSvc revenuedomain.Service
	log        *zap.Logger
	newBackoff func() backoff.BackOff
}

func NewConsumer(reader Reader, revenueSvc revenuedomain.Service, log *zap.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		revenueSvc: revenueSvc,
		log:        log.Named("revenue.intake"),
		newBackoff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 200 * time.Millisecond
			policy.MaxInterval = 30 * time.Second
			return policy
		},
	}
}

// Run fetches until ctx is cancelled. A message is committed only after it
// was recorded or found unprocessable, so transient failures are retried.
func (c *Consumer) Run(ctx context.Context) error {
	policy := c.newBackoff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("fetch failed", zap.Error(err))
			if !sleep(ctx, policy.NextBackOff()) {
				return nil
			}
			continue
		}

		// Retry the same message; fetching past it would skip it until the
		// next rebalance.
		for {
			err := c.Handle(ctx, msg)
			if err == nil {
				break
			}
			c.log.Warn("revenue intake failed, will retry",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
			if !sleep(ctx, policy.NextBackOff()) {
				return nil
			}
		}
		policy.Reset()

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle records one message. It returns an error only when the message
// should be redelivered.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = auditcontext.WithActor(ctx, actorType, actorID)
	ctx = obscontext.WithActor(ctx, actorType, actorID)

	var payload paymentConfirmed
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.log.Error("dropping malformed payment message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	sourceType := strings.TrimSpace(payload.SourceType)
	if sourceType == "" {
		sourceType = defaultSourceType
	}
	event, err := c.revenueSvc.Record(ctx, revenuedomain.RecordRequest{
		Amount:     payload.Amount,
		Currency:   payload.Currency,
		SourceType: sourceType,
		SourceID:   payload.PaymentID,
		Confirmed:  true,
	})
	switch {
	case err == nil:
		c.log.Info("revenue event recorded",
			zap.String("revenue_event_id", event.ID.String()),
			zap.String("source_id", event.SourceID),
			zap.Int64("amount", event.Amount),
		)
		return nil
	case isPermanent(err):
		c.log.Error("dropping invalid payment message",
			zap.Int64("offset", msg.Offset),
			zap.String("payment_id", payload.PaymentID),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func isPermanent(err error) bool {
	return errors.Is(err, revenuedomain.ErrInvalidAmount) ||
		errors.Is(err, revenuedomain.ErrInvalidSource) ||
		errors.Is(err, revenuedomain.ErrInvalidCurrency) ||
		errors.Is(err, revenuedomain.ErrDuplicateRevenueEvent)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Minute
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
