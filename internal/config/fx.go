package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(NewLoader),
	fx.Provide(func(l *Loader) (Config, error) {
		return l.Load()
	}),
)
