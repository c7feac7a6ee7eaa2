package metering

import (
	"github.com/railzwaylabs/tokenmeter/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.service",
	fx.Provide(service.NewService),
)
