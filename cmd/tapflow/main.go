package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/cache"
	"github.com/muneebkhan4/tapflow/internal/clock"
	"github.com/muneebkhan4/tapflow/internal/config"
	"github.com/muneebkhan4/tapflow/internal/dispenser"
	"github.com/muneebkhan4/tapflow/internal/migration"
	"github.com/muneebkhan4/tapflow/internal/monitor"
	"github.com/muneebkhan4/tapflow/internal/observability"
	"github.com/muneebkhan4/tapflow/internal/ratelimit"
	"github.com/muneebkhan4/tapflow/internal/server"
	"github.com/muneebkhan4/tapflow/internal/usage"
	"github.com/muneebkhan4/tapflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		migration.Module,

		// Functional domains
		dispenser.Module,
		usage.Module,
		monitor.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
