package monitor

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("monitor",
	fx.Provide(NewNotifier),
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, sup *Supervisor) {
	sweepCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sup.Start()
			go sup.RunSweepForever(sweepCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sup.Stop()
			return nil
		},
	})
}
