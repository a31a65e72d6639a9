package migration

import (
	"strings"

	"github.com/muneebkhan4/tapflow/internal/config"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	usagedomain "github.com/muneebkhan4/tapflow/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql are development conveniences; gorm derives
		// their schema from the models.
		return conn.AutoMigrate(
			&dispenserdomain.Dispenser{},
			&usagedomain.UsageRecord{},
		)
	}),
)
