package bootstrap

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// EnforceSchemaGate refuses to serve usage traffic against a schema this
// binary did not migrate.
func EnforceSchemaGate(lc fx.Lifecycle, gate SchemaGate, log *zap.Logger) {
	log = log.Named("bootstrap.schema_gate")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := gate.MustBeActive(ctx); err != nil {
				log.Error("schema gate closed; run `tokenmeter migrate`", zap.Error(err))
				return err
			}
			log.Debug("schema gate open")
			return nil
		},
	})
}
