package migration

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, p Params) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return Run(ctx, p)
			},
		})
	}),
)
