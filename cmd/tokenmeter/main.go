package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/tokenmeter/internal/access"
	"github.com/railzwaylabs/tokenmeter/internal/billing"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/railzwaylabs/tokenmeter/internal/bootstrap"
	"github.com/railzwaylabs/tokenmeter/internal/clock"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	"github.com/railzwaylabs/tokenmeter/internal/metering"
	"github.com/railzwaylabs/tokenmeter/internal/migration"
	"github.com/railzwaylabs/tokenmeter/internal/observability"
	"github.com/railzwaylabs/tokenmeter/internal/quota"
	"github.com/railzwaylabs/tokenmeter/internal/redis"
	"github.com/railzwaylabs/tokenmeter/internal/server"
	"github.com/railzwaylabs/tokenmeter/internal/usage"
	"github.com/railzwaylabs/tokenmeter/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tokenmeter",
		Short:        "Token usage metering, quotas and billing periods",
		Version:      readVersionFromEnv(),
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newRolloverCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed the plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the usage API",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then the usage API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runServe()
			return nil
		},
	}
}

func newRolloverCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Close elapsed billing periods and open the next ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			var now time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				now = parsed
			}
			return runRollover(cmd.Context(), now)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate elapsed periods at this RFC3339 instant instead of now")
	return cmd
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		bootstrap.Module,
		fx.Invoke(bootstrap.EnforceSchemaGate),
		usage.Module,
		quota.Module,
		billing.Module,
		access.Module,
		metering.Module,
		server.Module,
	)
	app.Run()
}

// runRollover is meant to be driven by an external scheduler (cron, k8s
// CronJob). Running it twice for the same instant changes nothing.
func runRollover(ctx context.Context, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		svc billingdomain.Service
		log *zap.Logger
	)
	opts := []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		bootstrap.Module,
		fx.Invoke(bootstrap.EnforceSchemaGate),
		usage.Module,
		billing.Module,
		fx.Populate(&svc, &log),
	}
	if !at.IsZero() {
		opts = append(opts, fx.Decorate(func() clock.Clock { return clock.Fixed{T: at} }))
	}
	app := fx.New(opts...)

	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("rollover failed to start: %w", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	result, err := svc.Rollover(ctx)
	if err != nil {
		return fmt.Errorf("rollover: %w", err)
	}
	log.Info("rollover finished",
		zap.Int("processed", result.Processed),
		zap.Int("closed", result.Closed),
		zap.Int("opened", result.Opened),
		zap.Int("failed", result.Failed),
	)
	if result.Failed > 0 {
		return fmt.Errorf("rollover: %d subscriptions failed", result.Failed)
	}
	return nil
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("TOKENMETER_APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
