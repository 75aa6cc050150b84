package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend drivers understood by the connector.
const (
	DriverFake     = "fake"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all connector configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Pool      PoolConfig
	Backend   BackendConfig
	Redis     RedisConfig
	AuthCache AuthCacheConfig
	Telemetry TelemetryConfig
	Tenants   []TenantConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// PoolConfig sizes and times the per-identity connection pools.
type PoolConfig struct {
	WarmSize           int
	WaitTimeout        time.Duration
	IdleTimeout        time.Duration // 0 disables the idle sweep
	MaxAge             time.Duration // 0 keeps handles regardless of age
	HealthCheck        bool
	HealthCheckTimeout time.Duration
	SweepInterval      time.Duration
	MinIdle            int
	StatsInterval      time.Duration
}

// BackendConfig selects and sizes the ERP backend.
type BackendConfig struct {
	Driver          string // fake, postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
	LogLevel        string // GORM log level: silent, error, warn, info
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port for the redis client.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AuthCacheConfig controls caching of successful authentications.
type AuthCacheConfig struct {
	Enabled   bool
	Redis     bool // false keeps the cache in process memory
	TTL       time.Duration
	KeyPrefix string
}

// TelemetryConfig holds OpenTelemetry and profiling configuration
type TelemetryConfig struct {
	Enabled               bool
	CollectorEndpoint     string
	SamplingRatio         float64
	ServiceName           string
	Insecure              bool
	MetricsExportInterval time.Duration
	LogsEnabled           bool
	DBTraceEnabled        bool
	DBLogFullSQL          bool
	DBSlowQueryThresh     time.Duration
	ProfilingEnabled      bool
	ProfilingServer       string
}

// TenantConfig is an identity warmed at startup.
type TenantConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	BusinessUnit string `mapstructure:"business_unit"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with ERP_ prefix (e.g., ERP_BACKEND_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/erp-connector")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return load(v)
}

// LoadFile loads configuration from an explicit TOML file plus the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("ERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Pool: PoolConfig{
			WarmSize:           v.GetInt("pool.warm_size"),
			WaitTimeout:        v.GetDuration("pool.wait_timeout"),
			IdleTimeout:        v.GetDuration("pool.idle_timeout"),
			MaxAge:             v.GetDuration("pool.max_age"),
			HealthCheck:        v.GetBool("pool.health_check"),
			HealthCheckTimeout: v.GetDuration("pool.health_check_timeout"),
			SweepInterval:      v.GetDuration("pool.sweep_interval"),
			MinIdle:            v.GetInt("pool.min_idle"),
			StatsInterval:      v.GetDuration("pool.stats_interval"),
		},
		Backend: BackendConfig{
			Driver:          strings.ToLower(v.GetString("backend.driver")),
			Host:            v.GetString("backend.host"),
			Port:            v.GetInt("backend.port"),
			User:            v.GetString("backend.user"),
			Password:        v.GetString("backend.password"),
			DBName:          v.GetString("backend.dbname"),
			SSLMode:         v.GetString("backend.sslmode"),
			SQLitePath:      v.GetString("backend.sqlite_path"),
			MaxOpenConns:    v.GetInt("backend.max_open_conns"),
			MaxIdleConns:    v.GetInt("backend.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("backend.conn_max_lifetime"),
			MigrationsPath:  v.GetString("backend.migrations_path"),
			LogLevel:        v.GetString("backend.log_level"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		AuthCache: AuthCacheConfig{
			Enabled:   v.GetBool("auth_cache.enabled"),
			Redis:     v.GetBool("auth_cache.redis"),
			TTL:       v.GetDuration("auth_cache.ttl"),
			KeyPrefix: v.GetString("auth_cache.key_prefix"),
		},
		Telemetry: TelemetryConfig{
			Enabled:               v.GetBool("telemetry.enabled"),
			CollectorEndpoint:     v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:         v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:           v.GetString("telemetry.service_name"),
			Insecure:              v.GetBool("telemetry.insecure"),
			MetricsExportInterval: v.GetDuration("telemetry.metrics_export_interval"),
			LogsEnabled:           v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:        v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:          v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh:     v.GetDuration("telemetry.db_slow_query_threshold"),
			ProfilingEnabled:      v.GetBool("telemetry.profiling_enabled"),
			ProfilingServer:       v.GetString("telemetry.profiling_server"),
		},
	}

	if err := v.UnmarshalKey("tenants", &cfg.Tenants); err != nil {
		return nil, fmt.Errorf("error reading tenants: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "erp-connector"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Pool.WarmSize == 0 {
		cfg.Pool.WarmSize = 2
	}
	if cfg.Pool.WaitTimeout == 0 {
		cfg.Pool.WaitTimeout = 30 * time.Second
	}
	if cfg.Pool.SweepInterval == 0 {
		cfg.Pool.SweepInterval = time.Minute
	}
	if cfg.Pool.HealthCheckTimeout == 0 {
		cfg.Pool.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.Pool.MinIdle == 0 {
		cfg.Pool.MinIdle = cfg.Pool.WarmSize
	}
	if cfg.Pool.StatsInterval == 0 {
		cfg.Pool.StatsInterval = 15 * time.Second
	}

	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = DriverFake
	}
	if cfg.Backend.Host == "" {
		cfg.Backend.Host = "localhost"
	}
	if cfg.Backend.Port == 0 {
		cfg.Backend.Port = 5432
	}
	if cfg.Backend.User == "" {
		cfg.Backend.User = "postgres"
	}
	if cfg.Backend.DBName == "" {
		cfg.Backend.DBName = "erp"
	}
	if cfg.Backend.SSLMode == "" {
		cfg.Backend.SSLMode = "disable"
	}
	if cfg.Backend.SQLitePath == "" {
		cfg.Backend.SQLitePath = "erp.db"
	}
	if cfg.Backend.MaxOpenConns == 0 {
		cfg.Backend.MaxOpenConns = 25
	}
	if cfg.Backend.MaxIdleConns == 0 {
		cfg.Backend.MaxIdleConns = 5
	}
	if cfg.Backend.ConnMaxLifetime == 0 {
		cfg.Backend.ConnMaxLifetime = time.Hour
	}
	if cfg.Backend.MigrationsPath == "" {
		cfg.Backend.MigrationsPath = "migrations"
	}
	if cfg.Backend.LogLevel == "" {
		cfg.Backend.LogLevel = "warn"
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.AuthCache.TTL == 0 {
		cfg.AuthCache.TTL = 5 * time.Minute
	}
	if cfg.AuthCache.KeyPrefix == "" {
		cfg.AuthCache.KeyPrefix = "erp:auth:"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsExportInterval == 0 {
		cfg.Telemetry.MetricsExportInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.ProfilingServer == "" {
		cfg.Telemetry.ProfilingServer = "http://localhost:4040"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Pool.WarmSize < 0 {
		return fmt.Errorf("pool.warm_size cannot be negative")
	}
	if c.Pool.WaitTimeout < 0 {
		return fmt.Errorf("pool.wait_timeout must be positive")
	}
	if c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("pool.idle_timeout cannot be negative")
	}
	if c.Pool.MinIdle < 0 {
		return fmt.Errorf("pool.min_idle cannot be negative")
	}
	if c.Pool.MaxAge < 0 {
		return fmt.Errorf("pool.max_age cannot be negative")
	}
	if c.Pool.HealthCheckTimeout < 0 {
		return fmt.Errorf("pool.health_check_timeout must be positive")
	}

	switch c.Backend.Driver {
	case DriverFake, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("backend.driver must be one of fake, postgres, sqlite, got %q", c.Backend.Driver)
	}
	if c.Backend.MaxIdleConns > c.Backend.MaxOpenConns {
		return fmt.Errorf("backend.max_idle_conns (%d) cannot exceed backend.max_open_conns (%d)",
			c.Backend.MaxIdleConns, c.Backend.MaxOpenConns)
	}

	for i, t := range c.Tenants {
		if t.TenantID == "" || t.Username == "" {
			return fmt.Errorf("tenants[%d]: tenant_id and username are required", i)
		}
	}

	if c.App.Env == "production" {
		if c.Backend.Driver == DriverFake {
			return fmt.Errorf("backend.driver cannot be 'fake' in production")
		}
		if c.Backend.Driver == DriverPostgres {
			if c.Backend.Password == "" {
				return fmt.Errorf("backend.password is required in production")
			}
			if c.Backend.SSLMode == "disable" {
				return fmt.Errorf("backend.sslmode cannot be 'disable' in production")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the postgres connection string with properly escaped values
func (b *BackendConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(b.User, b.Password),
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
		Path:   b.DBName,
	}
	q := u.Query()
	q.Set("sslmode", b.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
