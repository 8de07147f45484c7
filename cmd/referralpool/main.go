package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/migration"
	"github.com/smallbiznis/referralpool/internal/observability"
	"github.com/smallbiznis/referralpool/internal/revenueintake"
	"github.com/smallbiznis/referralpool/internal/scheduler"
	"github.com/smallbiznis/referralpool/internal/server"
	"github.com/smallbiznis/referralpool/pkg/db"
	"go.uber.org/fx"
)

// Single binary: HTTP API, admin API and the background scheduler.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP surface plus every domain service
		server.Module,

		scheduler.Module,
		revenueintake.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
