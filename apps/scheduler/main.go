package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/referralpool/internal/audit"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"github.com/smallbiznis/referralpool/internal/cache"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	"github.com/smallbiznis/referralpool/internal/ledger"
	"github.com/smallbiznis/referralpool/internal/migration"
	"github.com/smallbiznis/referralpool/internal/observability"
	"github.com/smallbiznis/referralpool/internal/pool"
	"github.com/smallbiznis/referralpool/internal/providers"
	"github.com/smallbiznis/referralpool/internal/ratelimit"
	"github.com/smallbiznis/referralpool/internal/reconciliation"
	"github.com/smallbiznis/referralpool/internal/referral"
	"github.com/smallbiznis/referralpool/internal/revenue"
	"github.com/smallbiznis/referralpool/internal/revenueintake"
	"github.com/smallbiznis/referralpool/internal/risk"
	"github.com/smallbiznis/referralpool/internal/scheduler"
	"github.com/smallbiznis/referralpool/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by scheduler
		authorization.Module,
		audit.Module,
		events.Module,
		cache.Module,
		ratelimit.Module,
		providers.Module,
		ledger.Module,
		revenue.Module,
		pool.Module,
		risk.Module,
		referral.Module,
		reconciliation.Module,

		// No server module!
		scheduler.Module,
		revenueintake.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
