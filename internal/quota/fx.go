package quota

import (
	"github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	"github.com/railzwaylabs/tokenmeter/internal/quota/repository"
	"github.com/railzwaylabs/tokenmeter/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(
		domain.FromConfig,
		repository.Provide,
		service.NewService,
	),
)
