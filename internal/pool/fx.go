package pool

import (
	"github.com/smallbiznis/referralpool/internal/pool/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pool.service",
	fx.Provide(service.NewService),
)
