package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TOKENMETER"

// Config holds all application configuration.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Quota    QuotaConfig
	Usage    UsageConfig
	Billing  BillingConfig
	Authz    AuthzConfig
	Tracing  TracingConfig
}

type AppConfig struct {
	Name    string
	Env     string
	Version string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver is one of postgres, mysql or sqlite.
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Metrics         bool
	Tracing         bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// QuotaConfig carries the warning thresholds (percentages) and the
// client polling cadence advertised to dashboards.
type QuotaConfig struct {
	MediumPercent   float64
	HighPercent     float64
	CriticalPercent float64
	PollInterval    time.Duration
	Enforce         bool
}

type UsageConfig struct {
	CountersEnabled bool
	CounterTTL      time.Duration
}

type BillingConfig struct {
	DefaultPlan   string
	PeriodLength  time.Duration
	RolloverBatch int
}

type AuthzConfig struct {
	PersistPolicies bool
}

// TracingConfig selects the OTLP span exporter. An empty Exporter disables export.
type TracingConfig struct {
	Exporter    string // "", otlp-grpc, otlp-http
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Loader reads configuration from .env, an optional config file and
// TOKENMETER_* environment variables, in increasing order of priority.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

func NewLoader() *Loader {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/tokenmeter")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tokenmeter")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=tokenmeter port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.metrics", true)
	v.SetDefault("database.tracing", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("quota.medium_percent", 80.0)
	v.SetDefault("quota.high_percent", 90.0)
	v.SetDefault("quota.critical_percent", 95.0)
	v.SetDefault("quota.poll_interval", 5*time.Minute)
	v.SetDefault("quota.enforce", false)

	v.SetDefault("usage.counters_enabled", false)
	v.SetDefault("usage.counter_ttl", 100*24*time.Hour)

	v.SetDefault("billing.default_plan", "Free")
	v.SetDefault("billing.period_length", 30*24*time.Hour)
	v.SetDefault("billing.rollover_batch", 100)

	v.SetDefault("authz.persist_policies", false)

	v.SetDefault("tracing.exporter", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads the config file when present and builds a Config.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.build()
}

// Watch invokes fn with the rebuilt Config whenever the config file changes.
// It is a no-op when no config file was found.
func (l *Loader) Watch(fn func(Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.build()
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

// ConfigFile returns the path of the loaded config file, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) build() (Config, error) {
	v := l.v
	cfg := Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Version: v.GetString("app.version"),
		},
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			Metrics:         v.GetBool("database.metrics"),
			Tracing:         v.GetBool("database.tracing"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
			Audience:  v.GetString("auth.audience"),
		},
		Quota: QuotaConfig{
			MediumPercent:   v.GetFloat64("quota.medium_percent"),
			HighPercent:     v.GetFloat64("quota.high_percent"),
			CriticalPercent: v.GetFloat64("quota.critical_percent"),
			PollInterval:    v.GetDuration("quota.poll_interval"),
			Enforce:         v.GetBool("quota.enforce"),
		},
		Usage: UsageConfig{
			CountersEnabled: v.GetBool("usage.counters_enabled"),
			CounterTTL:      v.GetDuration("usage.counter_ttl"),
		},
		Billing: BillingConfig{
			DefaultPlan:   strings.TrimSpace(v.GetString("billing.default_plan")),
			PeriodLength:  v.GetDuration("billing.period_length"),
			RolloverBatch: v.GetInt("billing.rollover_batch"),
		},
		Authz: AuthzConfig{
			PersistPolicies: v.GetBool("authz.persist_policies"),
		},
		Tracing: TracingConfig{
			Exporter:    strings.ToLower(strings.TrimSpace(v.GetString("tracing.exporter"))),
			Endpoint:    v.GetString("tracing.endpoint"),
			Insecure:    v.GetBool("tracing.insecure"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	q := c.Quota
	if !(0 < q.MediumPercent && q.MediumPercent <= q.HighPercent && q.HighPercent <= q.CriticalPercent) {
		return fmt.Errorf("quota thresholds must satisfy 0 < medium <= high <= critical (got %.2f/%.2f/%.2f)",
			q.MediumPercent, q.HighPercent, q.CriticalPercent)
	}
	if q.PollInterval <= 0 {
		return errors.New("quota poll interval must be positive")
	}
	if c.Billing.DefaultPlan == "" {
		return errors.New("billing default plan name is required")
	}
	if c.Billing.PeriodLength <= 0 {
		return errors.New("billing period length must be positive")
	}
	switch c.Tracing.Exporter {
	case "", "otlp-grpc", "otlp-http":
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing sample ratio must be within [0, 1]")
	}
	return nil
}
