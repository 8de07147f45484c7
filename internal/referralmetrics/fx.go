package referralmetrics

import (
	"github.com/smallbiznis/referralpool/internal/referralmetrics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referralmetrics.service",
	fx.Provide(service.NewService),
)
