package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/observability"
	"github.com/smallbiznis/referralpool/internal/server"
	"github.com/smallbiznis/referralpool/pkg/db"
	"go.uber.org/fx"
)

// API only. Migrations and scheduled jobs run elsewhere.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
