package events

import (
	"context"

	"github.com/smallbiznis/referralpool/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(providePublisher),
	fx.Provide(NewRelay),
)

func providePublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	log = log.Named("events.publisher")
	var pub Publisher
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("no kafka brokers configured, events are logged only")
		pub = NewLogPublisher(log)
	} else {
		pub = NewKafkaPublisher(KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	return pub
}
