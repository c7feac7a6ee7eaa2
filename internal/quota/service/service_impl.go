package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *quotadomain.Config
	Repo   quotadomain.Repository
	Loader *config.Loader `optional:"true"`
}

type service struct {
	db   *gorm.DB
	log  *zap.Logger
	cfg  atomic.Pointer[quotadomain.Config]
	repo quotadomain.Repository
}

func NewService(p ServiceParam) quotadomain.Service {
	s := &service{
		db:   p.DB,
		log:  p.Log.Named("quota.service"),
		repo: p.Repo,
	}
	s.cfg.Store(p.Config)

	if p.Loader != nil {
		p.Loader.Watch(s.reload)
	}
	return s
}

// reload swaps in thresholds from a changed config file. Invalid files keep
// the previous thresholds.
func (s *service) reload(cfg config.Config, err error) {
	if err != nil {
		s.log.Warn("ignoring invalid config reload", zap.Error(err))
		return
	}
	next := quotadomain.FromConfig(cfg)
	s.cfg.Store(next)
	s.log.Info("quota thresholds reloaded",
		zap.Float64("medium", next.Thresholds.Medium),
		zap.Float64("high", next.Thresholds.High),
		zap.Float64("critical", next.Thresholds.Critical),
		zap.Duration("poll_interval", next.PollInterval),
	)
}

func (s *service) Thresholds() quotadomain.Thresholds {
	return s.cfg.Load().Thresholds
}

func (s *service) PollInterval() time.Duration {
	return s.cfg.Load().PollInterval
}

func (s *service) ListQuotas(ctx context.Context, scope quotadomain.Scope, scopeID string) ([]quotadomain.UsageQuota, error) {
	if scope != quotadomain.ScopeOrganization && scope != quotadomain.ScopeTeam {
		return nil, quotadomain.ErrInvalidScope
	}
	if scopeID == "" {
		return nil, quotadomain.ErrInvalidScopeID
	}

	quotas, err := s.repo.ListActive(ctx, s.db, scope, scopeID)
	if err != nil {
		s.log.Error("failed to list usage quotas",
			zap.String("scope", string(scope)),
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		return nil, err
	}
	if quotas == nil {
		quotas = []quotadomain.UsageQuota{}
	}
	return quotas, nil
}

func (s *service) Status(ctx context.Context, target quotadomain.Target) (*quotadomain.Status, error) {
	quotas, err := s.ListQuotas(ctx, target.Scope, target.ScopeID)
	if err != nil {
		return nil, err
	}

	bounding := quotas
	if target.Scope == quotadomain.ScopeTeam && target.OrganizationID != "" {
		orgQuotas, err := s.ListQuotas(ctx, quotadomain.ScopeOrganization, target.OrganizationID)
		if err != nil {
			return nil, err
		}
		bounding = append(append([]quotadomain.UsageQuota{}, quotas...), orgQuotas...)
	}

	cfg := s.cfg.Load()
	limit := quotadomain.EffectiveLimit(target.PlanLimit, bounding)
	eval := quotadomain.Evaluate(target.TotalTokens, limit, cfg.Thresholds)
	observability.QuotaWarnings.WithLabelValues(string(target.Scope), string(eval.WarningLevel)).Inc()

	return &quotadomain.Status{
		Evaluation:          eval,
		Thresholds:          cfg.Thresholds,
		PollIntervalSeconds: int64(cfg.PollInterval / time.Second),
		Quotas:              quotas,
	}, nil
}

func (s *service) CheckConsumption(ctx context.Context, target quotadomain.Target) error {
	if !s.cfg.Load().Enforce {
		return nil
	}

	status, err := s.Status(ctx, target)
	if err != nil {
		return err
	}
	if status.Exhausted() {
		s.log.Info("usage rejected by quota",
			zap.String("scope", string(target.Scope)),
			zap.String("scope_id", target.ScopeID),
			zap.Int64("total_tokens", status.TotalTokens),
			zap.Int64("limit", status.Limit),
		)
		return quotadomain.ErrQuotaExceeded
	}
	return nil
}
