package usage

import (
	"github.com/muneebkhan4/tapflow/internal/usage/repository"
	"github.com/muneebkhan4/tapflow/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
