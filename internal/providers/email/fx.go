package email

import (
	"github.com/smallbiznis/referralpool/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(provideAlerter),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.AlertEmail.SMTPHost == "" {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.AlertEmail.SMTPHost,
		Port:     cfg.AlertEmail.SMTPPort,
		Username: cfg.AlertEmail.SMTPUsername,
		Password: cfg.AlertEmail.SMTPPassword,
		From:     cfg.AlertEmail.From,
	})
}

func provideAlerter(provider Provider, cfg config.Config, log *zap.Logger) *Alerter {
	return NewAlerter(provider, cfg.AlertEmail.To, log)
}
