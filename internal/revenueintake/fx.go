package revenueintake

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/referralpool/internal/config"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("revenue.intake",
	fx.Invoke(runConsumer),
)

func newReader(cfg config.Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.RevenueIntake.Topic,
		GroupID:        cfg.RevenueIntake.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

func runConsumer(lc fx.Lifecycle, cfg config.Config, revenueSvc revenuedomain.Service, log *zap.Logger) {
	if !cfg.RevenueIntake.Enabled {
		return
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("revenue intake enabled without kafka brokers; consumer not started")
		return
	}

	consumer := NewConsumer(newReader(cfg), revenueSvc, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Run(ctx); err != nil {
					consumer.log.Error("revenue intake stopped", zap.Error(err))
				}
			}()
			consumer.log.Info("revenue intake started",
				zap.String("topic", cfg.RevenueIntake.Topic),
				zap.String("group_id", cfg.RevenueIntake.GroupID),
			)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return consumer.Close()
		},
	})
}
