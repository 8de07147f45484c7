package risk

import (
	"github.com/smallbiznis/referralpool/internal/risk/service"
	"go.uber.org/fx"
)

var Module = fx.Module("risk.service",
	fx.Provide(service.NewHistoryProvider),
	fx.Provide(service.NewService),
)
