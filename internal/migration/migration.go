package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	"github.com/railzwaylabs/tokenmeter/internal/config"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

const (
	activePeriodIndex        = "ux_billing_periods_one_active"
	activeSubscriptionColumn = "active_subscription_id"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Cfg   config.Config
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Run brings the schema to the latest version, seeds the plan catalog and
// marks the bootstrap state active. Postgres uses the embedded SQL
// migrations; sqlite and mysql are migrated from the gorm models.
func Run(ctx context.Context, p Params) error {
	log := p.Log.Named("migration")

	latestVersion, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	checksum, err := MigrationsChecksum()
	if err != nil {
		return err
	}

	switch p.Cfg.Database.Driver {
	case "postgres":
		if err := runPostgres(ctx, p.DB, latestVersion); err != nil {
			return err
		}
	default:
		if err := autoMigrate(ctx, p.DB, p.Cfg.Database.Driver); err != nil {
			return err
		}
	}

	if err := SeedPlans(ctx, p.DB, p.GenID); err != nil {
		return err
	}
	if err := activateBootstrapState(ctx, p.DB, strconv.FormatUint(uint64(latestVersion), 10), checksum); err != nil {
		return err
	}

	log.Info("schema is up to date",
		zap.String("driver", p.Cfg.Database.Driver),
		zap.Uint("version", latestVersion),
	)
	return nil
}

func runPostgres(ctx context.Context, db *gorm.DB, latestVersion uint) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	unlock, err := acquireAdvisoryLock(ctx, sqlDB)
	if err != nil {
		return err
	}
	defer func() {
		_ = unlock(context.Background())
	}()

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if _, err := ensureNotDirty(migrator); err != nil {
		return err
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	currentVersion, err := ensureNotDirty(migrator)
	if err != nil {
		return err
	}
	if currentVersion != latestVersion {
		return fmt.Errorf("schema version mismatch after migrate: got %d want %d", currentVersion, latestVersion)
	}
	return nil
}

// models lists every table the services read or write, in creation order.
func models() []any {
	return []any{
		&accessdomain.Organization{},
		&accessdomain.Team{},
		&accessdomain.OrganizationMember{},
		&accessdomain.TeamMember{},
		&accessdomain.Profile{},
		&usagedomain.UsageEvent{},
		&billingdomain.SubscriptionPlan{},
		&billingdomain.UserSubscription{},
		&billingdomain.BillingPeriod{},
		&quotadomain.UsageQuota{},
		&BootstrapState{},
	}
}

// autoMigrate creates the schema from the models. The one-active-period
// constraint needs raw DDL: a partial index on sqlite, a unique index over a
// generated column on mysql.
func autoMigrate(ctx context.Context, db *gorm.DB, driver string) error {
	tx := db.WithContext(ctx)
	if err := tx.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	switch driver {
	case "sqlite":
		if err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_periods_one_active
			ON billing_periods (subscription_id) WHERE status = 'active'`).Error; err != nil {
			return fmt.Errorf("create active period index: %w", err)
		}
	case "mysql":
		if err := mysqlActivePeriodIndex(tx); err != nil {
			return fmt.Errorf("create active period index: %w", err)
		}
	}
	return nil
}

func mysqlActivePeriodIndex(tx *gorm.DB) error {
	m := tx.Migrator()
	if !m.HasColumn(&billingdomain.BillingPeriod{}, activeSubscriptionColumn) {
		if err := tx.Exec(`ALTER TABLE billing_periods ADD COLUMN ` + activeSubscriptionColumn + ` BIGINT
			GENERATED ALWAYS AS (CASE WHEN status = 'active' THEN subscription_id END) STORED`).Error; err != nil {
			return err
		}
	}
	if m.HasIndex(&billingdomain.BillingPeriod{}, activePeriodIndex) {
		return nil
	}
	return tx.Exec(`CREATE UNIQUE INDEX ` + activePeriodIndex + ` ON billing_periods (` + activeSubscriptionColumn + `)`).Error
}

func ensureNotDirty(migrator *migrate.Migrate) (uint, error) {
	version, dirty, err := migrator.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, nil
		}
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("database migrations are dirty at version %d", version)
	}
	return version, nil
}
