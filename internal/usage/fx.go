package usage

import (
	"github.com/railzwaylabs/tokenmeter/internal/usage/counter"
	"github.com/railzwaylabs/tokenmeter/internal/usage/repository"
	"github.com/railzwaylabs/tokenmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.NewLedger),
	fx.Provide(counter.Provide),
	fx.Provide(service.NewService),
)
