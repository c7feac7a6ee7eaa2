package redis

import (
	"context"

	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

// NewClient returns the shared redis client. It is only dialed when usage
// counters are enabled; otherwise the client stays idle.
func NewClient(p Params) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     p.Cfg.Redis.Addr,
		Password: p.Cfg.Redis.Password,
		DB:       p.Cfg.Redis.DB,
	})

	if p.Cfg.Usage.CountersEnabled {
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	log := p.Log.Named("redis")
	p.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("closing redis client")
			return client.Close()
		},
	})
	return client, nil
}
