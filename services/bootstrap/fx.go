package bootstrap

import (
	"context"

	"go.uber.org/fx"
)

// Module migrates the schema before any server or worker starts. fx runs
// OnStart hooks in registration order, so it must be listed after db and
// before the transport modules.
var Module = fx.Module("bootstrap",
	fx.Provide(NewService),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Migrate(ctx)
			},
		})
	}),
)
