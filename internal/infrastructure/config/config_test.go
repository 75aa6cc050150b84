package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"ERP_APP_NAME",
	"ERP_APP_ENV",
	"ERP_LOG_LEVEL",
	"ERP_POOL_WARM_SIZE",
	"ERP_POOL_WAIT_TIMEOUT",
	"ERP_POOL_IDLE_TIMEOUT",
	"ERP_POOL_MIN_IDLE",
	"ERP_POOL_MAX_AGE",
	"ERP_POOL_HEALTH_CHECK",
	"ERP_BACKEND_DRIVER",
	"ERP_BACKEND_PASSWORD",
	"ERP_BACKEND_SSLMODE",
	"ERP_BACKEND_MAX_OPEN_CONNS",
	"ERP_BACKEND_MAX_IDLE_CONNS",
	"ERP_AUTH_CACHE_ENABLED",
	"ERP_TELEMETRY_SAMPLING_RATIO",
	"ERP_TELEMETRY_DB_LOG_FULL_SQL",
}

// clearEnv blanks every variable the tests touch; viper ignores empty values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "erp-connector", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "info", cfg.Log.Level)

		assert.Equal(t, 2, cfg.Pool.WarmSize)
		assert.Equal(t, 30*time.Second, cfg.Pool.WaitTimeout)
		assert.Equal(t, time.Duration(0), cfg.Pool.IdleTimeout)
		assert.Equal(t, time.Minute, cfg.Pool.SweepInterval)
		assert.Equal(t, 2, cfg.Pool.MinIdle)
		assert.Equal(t, 15*time.Second, cfg.Pool.StatsInterval)
		assert.Zero(t, cfg.Pool.MaxAge)
		assert.False(t, cfg.Pool.HealthCheck)
		assert.Equal(t, 5*time.Second, cfg.Pool.HealthCheckTimeout)

		assert.Equal(t, DriverFake, cfg.Backend.Driver)
		assert.Equal(t, "localhost", cfg.Backend.Host)
		assert.Equal(t, 5432, cfg.Backend.Port)
		assert.Equal(t, 25, cfg.Backend.MaxOpenConns)
		assert.Equal(t, 5, cfg.Backend.MaxIdleConns)
		assert.Equal(t, "warn", cfg.Backend.LogLevel)

		assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
		assert.False(t, cfg.AuthCache.Enabled)
		assert.Equal(t, 5*time.Minute, cfg.AuthCache.TTL)
		assert.Equal(t, "erp:auth:", cfg.AuthCache.KeyPrefix)

		assert.Equal(t, "localhost:4317", cfg.Telemetry.CollectorEndpoint)
		assert.Equal(t, 1.0, cfg.Telemetry.SamplingRatio)
		assert.Equal(t, "erp-connector", cfg.Telemetry.ServiceName)
		assert.Equal(t, 200*time.Millisecond, cfg.Telemetry.DBSlowQueryThresh)
		assert.Empty(t, cfg.Tenants)
	})

	t.Run("loads values from env vars", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ERP_APP_NAME", "edge-connector")
		t.Setenv("ERP_POOL_WARM_SIZE", "4")
		t.Setenv("ERP_POOL_WAIT_TIMEOUT", "5s")
		t.Setenv("ERP_POOL_IDLE_TIMEOUT", "10m")
		t.Setenv("ERP_POOL_MAX_AGE", "1h")
		t.Setenv("ERP_POOL_HEALTH_CHECK", "true")
		t.Setenv("ERP_BACKEND_DRIVER", "SQLite")
		t.Setenv("ERP_AUTH_CACHE_ENABLED", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "edge-connector", cfg.App.Name)
		assert.Equal(t, "edge-connector", cfg.Telemetry.ServiceName)
		assert.Equal(t, 4, cfg.Pool.WarmSize)
		assert.Equal(t, 4, cfg.Pool.MinIdle)
		assert.Equal(t, 5*time.Second, cfg.Pool.WaitTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTimeout)
		assert.Equal(t, time.Hour, cfg.Pool.MaxAge)
		assert.True(t, cfg.Pool.HealthCheck)
		assert.Equal(t, DriverSQLite, cfg.Backend.Driver)
		assert.True(t, cfg.AuthCache.Enabled)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		tests := []struct {
			name    string
			env     map[string]string
			wantErr string
		}{
			{"negative warm size", map[string]string{"ERP_POOL_WARM_SIZE": "-1"}, "pool.warm_size"},
			{"negative wait timeout", map[string]string{"ERP_POOL_WAIT_TIMEOUT": "-1s"}, "pool.wait_timeout"},
			{"negative max age", map[string]string{"ERP_POOL_MAX_AGE": "-1m"}, "pool.max_age"},
			{"unknown driver", map[string]string{"ERP_BACKEND_DRIVER": "oracle"}, "backend.driver"},
			{"sampling ratio", map[string]string{"ERP_TELEMETRY_SAMPLING_RATIO": "1.5"}, "telemetry.sampling_ratio"},
			{
				"idle conns above open conns",
				map[string]string{"ERP_BACKEND_MAX_OPEN_CONNS": "2", "ERP_BACKEND_MAX_IDLE_CONNS": "3"},
				"backend.max_idle_conns",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				clearEnv(t)
				for k, v := range tt.env {
					t.Setenv(k, v)
				}
				_, err := Load()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[app]
name = "file-connector"

[pool]
warm_size = 3
wait_timeout = "2s"
idle_timeout = "5m"
min_idle = 1

[backend]
driver = "postgres"
host = "db.internal"
password = "secret"

[[tenants]]
tenant_id = "acme"
business_unit = "north"
username = "svc"
password = "pw"

[[tenants]]
tenant_id = "globex"
username = "svc"
password = "pw2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("ERP_BACKEND_PASSWORD", "from-env")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "file-connector", cfg.App.Name)
	assert.Equal(t, 3, cfg.Pool.WarmSize)
	assert.Equal(t, 1, cfg.Pool.MinIdle)
	assert.Equal(t, 2*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, DriverPostgres, cfg.Backend.Driver)
	assert.Equal(t, "db.internal", cfg.Backend.Host)
	assert.Equal(t, "from-env", cfg.Backend.Password)

	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, TenantConfig{TenantID: "acme", BusinessUnit: "north", Username: "svc", Password: "pw"}, cfg.Tenants[0])
	assert.Equal(t, "globex", cfg.Tenants[1].TenantID)
	assert.Empty(t, cfg.Tenants[1].BusinessUnit)
}

func TestLoadFile_Errors(t *testing.T) {
	clearEnv(t)

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[tenants]]\nusername = \"svc\"\n"), 0o600))
	_, err = LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenants[0]")
}

func TestLoad_ProductionValidation(t *testing.T) {
	setValidProductionBase := func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ERP_APP_ENV", "production")
		t.Setenv("ERP_BACKEND_DRIVER", "postgres")
		t.Setenv("ERP_BACKEND_PASSWORD", "secure-password")
		t.Setenv("ERP_BACKEND_SSLMODE", "require")
	}

	t.Run("rejects fake backend in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("ERP_BACKEND_DRIVER", "fake")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.driver cannot be 'fake'")
	})

	t.Run("requires backend.password in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("ERP_BACKEND_PASSWORD", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.password is required in production")
	})

	t.Run("requires SSL enabled in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("ERP_BACKEND_SSLMODE", "disable")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.sslmode cannot be 'disable' in production")
	})

	t.Run("rejects full SQL tracing in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("ERP_TELEMETRY_DB_LOG_FULL_SQL", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telemetry.db_log_full_sql")
	})

	t.Run("sqlite needs no password in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("ERP_BACKEND_DRIVER", "sqlite")
		t.Setenv("ERP_BACKEND_PASSWORD", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, DriverSQLite, cfg.Backend.Driver)
	})

	t.Run("passes validation with valid production config", func(t *testing.T) {
		setValidProductionBase(t)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "production", cfg.App.Env)
	})
}

func TestBackendConfig_DSN(t *testing.T) {
	t.Run("generates valid DSN", func(t *testing.T) {
		cfg := BackendConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "testuser",
			Password: "testpass",
			DBName:   "testdb",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()
		assert.Contains(t, dsn, "localhost:5432")
		assert.Contains(t, dsn, "testuser")
		assert.Contains(t, dsn, "/testdb")
		assert.Contains(t, dsn, "sslmode=disable")
	})

	t.Run("escapes special characters in password", func(t *testing.T) {
		cfg := BackendConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass@word#123", DBName: "db", SSLMode: "disable"}
		assert.Contains(t, cfg.DSN(), "pass%40word%23123")
	})
}
