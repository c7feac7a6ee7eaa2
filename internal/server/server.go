package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	meteringdomain "github.com/railzwaylabs/tokenmeter/internal/metering/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(registerHTTPServer),
)

type Params struct {
	fx.In

	Cfg      config.Config
	DB       *gorm.DB
	Log      *zap.Logger
	Metering meteringdomain.Service
	Billing  billingdomain.Service
}

type Server struct {
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	engine      *gin.Engine
	meteringSvc meteringdomain.Service
	billingSvc  billingdomain.Service
}

func NewServer(p Params) (*Server, error) {
	if p.Cfg.Auth.JWTSecret == "" {
		return nil, errMissingSecret
	}
	if p.Cfg.App.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		meteringSvc: p.Metering,
		billingSvc:  p.Billing,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), RequestID(), RequestLogger(s.log), Metrics())
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	usage := s.engine.Group("/usage", s.Authenticated())
	usage.GET("/organization", s.GetOrganizationUsage)
	usage.GET("/team/:teamId", s.GetTeamUsage)
	usage.GET("/quota-status", s.GetQuotaStatus)
	usage.POST("/events", s.RecordUsage)
	usage.POST("/setup-billing", s.SetupBilling)
	usage.GET("/billing-period", s.GetBillingPeriod)
}

func registerHTTPServer(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cfg.HTTP.ShutdownTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.cfg.HTTP.ShutdownTimeout)
				defer cancel()
			}
			return srv.Shutdown(ctx)
		},
	})
}
