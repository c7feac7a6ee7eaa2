package access

import (
	"github.com/railzwaylabs/tokenmeter/internal/access/repository"
	"github.com/railzwaylabs/tokenmeter/internal/access/service"
	"go.uber.org/fx"
)

var Module = fx.Module("access.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.ProvideEnforcer),
	fx.Provide(service.NewService),
)
