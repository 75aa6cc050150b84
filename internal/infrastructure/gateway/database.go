// Package gateway is the SQL-backed ERP backend: sessions are rows in
// erp_sessions and every handle pins one connection of a GORM database.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/erp/connector/internal/infrastructure/config"
	"github.com/erp/connector/internal/infrastructure/logger"
	"github.com/erp/connector/internal/infrastructure/migration"
	"github.com/erp/connector/internal/infrastructure/telemetry"
	"github.com/erp/connector/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Database holds the backend connection pool and schema helpers.
type Database struct {
	DB *gorm.DB

	cfg        config.BackendConfig
	logger     *zap.Logger
	bcryptCost int
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	tracing       *telemetry.DBTracingPlugin
	slowThreshold time.Duration
	bcryptCost    int
}

// WithTracing registers otelgorm and the query timing callbacks.
func WithTracing(plugin *telemetry.DBTracingPlugin) Option {
	return func(o *openOptions) { o.tracing = plugin }
}

// WithSlowThreshold sets the threshold above which the GORM logger warns.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *openOptions) { o.slowThreshold = d }
}

// WithBcryptCost overrides the cost used by CreateUser.
func WithBcryptCost(cost int) Option {
	return func(o *openOptions) { o.bcryptCost = cost }
}

// Open connects to the configured backend and verifies it answers.
func Open(cfg config.BackendConfig, zl *zap.Logger, opts ...Option) (*Database, error) {
	o := openOptions{slowThreshold: 200 * time.Millisecond, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN())
	case config.DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("gateway: unsupported backend driver %q", cfg.Driver)
	}

	gormLog := logger.NewStatementLogger(zl, logger.ParseStatementLevel(cfg.LogLevel),
		logger.WithSlowThreshold(o.slowThreshold))

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLog,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to backend: %w", err)
	}

	if o.tracing != nil {
		if err := o.tracing.RegisterOtelGorm(db); err != nil {
			return nil, fmt.Errorf("failed to register db tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping backend: %w", err)
	}

	return &Database{DB: db, cfg: cfg, logger: zl.Named("gateway"), bcryptCost: o.bcryptCost}, nil
}

// sqliteDSN turns a path into a DSN with a busy timeout so pinned
// connections wait for each other instead of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}

// Migrate brings the schema up to date. Postgres uses the embedded
// golang-migrate files; sqlite uses AutoMigrate.
func (d *Database) Migrate(ctx context.Context) error {
	if d.cfg.Driver == config.DriverSQLite {
		if err := d.DB.WithContext(ctx).AutoMigrate(&User{}, &Session{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	// The migrate driver closes the *sql.DB it is given, so it gets its own.
	sqlDB, err := sql.Open("postgres", d.cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	m, err := migration.NewFromFS(sqlDB, migrations.FS, d.logger)
	if err != nil {
		_ = sqlDB.Close()
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

// UserSpec describes a backend account to provision.
type UserSpec struct {
	TenantID     string
	BusinessUnit string
	Username     string
	Password     string
	Disabled     bool
	Notice       string
}

// CreateUser stores an account with a bcrypt password hash.
func (d *Database) CreateUser(ctx context.Context, spec UserSpec) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), d.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now()
	user := &User{
		ID:           newID(),
		TenantID:     spec.TenantID,
		BusinessUnit: spec.BusinessUnit,
		Username:     spec.Username,
		PasswordHash: string(hash),
		Disabled:     spec.Disabled,
		Notice:       spec.Notice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.DB.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user %s/%s: %w", spec.TenantID, spec.Username, err)
	}
	return user, nil
}

// SQLDB returns the underlying *sql.DB.
func (d *Database) SQLDB() (*sql.DB, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB, nil
}

// Ping checks if the backend is reachable
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the backend connection pool
func (d *Database) Close() error {
	sqlDB, err := d.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
