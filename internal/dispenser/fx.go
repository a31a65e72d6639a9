package dispenser

import (
	"github.com/muneebkhan4/tapflow/internal/dispenser/repository"
	"github.com/muneebkhan4/tapflow/internal/dispenser/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispenser.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
