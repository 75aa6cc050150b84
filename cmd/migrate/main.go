package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/erp/connector/internal/infrastructure/config"
	"github.com/erp/connector/internal/infrastructure/gateway"
	"github.com/erp/connector/internal/infrastructure/logger"
	"github.com/erp/connector/internal/infrastructure/migration"
	"github.com/erp/connector/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath     string
		migrationsPath string
		logLevel       string
	)

	flag.StringVar(&configPath, "config", "", "Path to config.toml (default: search ., ./configs, /etc/erp-connector)")
	flag.StringVar(&migrationsPath, "path", "", "Read migrations from this directory instead of the embedded set")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if command == "adduser" {
		if err := addUser(cfg, args[1:], log); err != nil {
			log.Error("Failed to add user", zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		return
	}

	if cfg.Backend.Driver != config.DriverPostgres {
		log.Fatal("Migrations only apply to the postgres backend",
			zap.String("driver", cfg.Backend.Driver))
	}

	source := "embedded"
	if migrationsPath == "" {
		migrationsPath = cfg.Backend.MigrationsPath
	}
	if migrationsPath != "" {
		if _, err := os.Stat(migrationsPath); err == nil {
			source = migrationsPath
		}
	}
	log.Info("Migration CLI started",
		zap.String("command", command),
		zap.String("source", source),
	)

	db, err := sql.Open("postgres", cfg.Backend.DSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		log.Fatal("Failed to ping database", zap.Error(err))
	}

	var m *migration.Migrator
	if source == "embedded" {
		m, err = migration.NewFromFS(db, migrations.FS, log)
	} else {
		m, err = migration.New(db, source, log)
	}
	if err != nil {
		_ = db.Close()
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	// Closing the migrator closes db.
	defer func() { _ = m.Close() }()

	if err := execute(m, command, args[1:], log); err != nil {
		log.Error("Migration command failed", zap.String("command", command), zap.Error(err))
		_ = m.Close()
		_ = log.Sync()
		os.Exit(1)
	}
}

func execute(m *migration.Migrator, command string, args []string, log *zap.Logger) error {
	switch command {
	case "up":
		return m.Up()

	case "down":
		return m.Down()

	case "step":
		if len(args) < 1 {
			return fmt.Errorf("step count required: migrate step <n>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		return m.Steps(n)

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			log.Info("No migrations applied")
			return nil
		}
		log.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)
		return nil

	case "force":
		if len(args) < 1 {
			return fmt.Errorf("version required: migrate force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[0])
		}
		log.Warn("Forcing migration version - use with caution!")
		return m.Force(version)

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// addUser provisions a backend account on the configured driver, migrating
// the schema first.
func addUser(cfg *config.Config, args []string, log *zap.Logger) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: migrate adduser <tenant> <username> <password> [business_unit]")
	}
	spec := gateway.UserSpec{TenantID: args[0], Username: args[1], Password: args[2]}
	if len(args) > 3 {
		spec.BusinessUnit = args[3]
	}

	db, err := gateway.Open(cfg.Backend, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	user, err := db.CreateUser(ctx, spec)
	if err != nil {
		return err
	}
	log.Info("User created",
		zap.String("id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.String("username", user.Username),
	)
	return nil
}

func printUsage() {
	fmt.Println(`ERP Connector Schema Migration Tool

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  version               Show current migration version
  force <version>       Force set migration version (use with caution)
  adduser <tenant> <username> <password> [business_unit]
                        Create a backend account (postgres or sqlite)

Flags:
  -config string        Path to config.toml
  -path string          Migrations directory (default: embedded migrations)
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment Variables:
  ERP_BACKEND_HOST, ERP_BACKEND_PORT, ERP_BACKEND_USER, ERP_BACKEND_PASSWORD,
  ERP_BACKEND_DBNAME, ERP_BACKEND_SSLMODE

Examples:
  # Apply all pending migrations
  migrate up

  # Roll back the last migration
  migrate step -1

  # Check current version
  migrate version`)
}
