package erppool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWaitTimeout        = 30 * time.Second
	defaultSweepInterval      = time.Minute
	defaultHealthCheckTimeout = 5 * time.Second
)

// Config controls the behaviour of every pool created by a Registry.
type Config struct {
	// WarmSize is the number of handles created in the background when a pool is first used.
	WarmSize int
	// WaitTimeout bounds a single wait iteration inside Acquire. After each
	// iteration the pool re-checks its state and, if no creation is in flight,
	// schedules another one.
	WaitTimeout time.Duration
	// IdleTimeout enables idle eviction when positive. Zero disables it.
	IdleTimeout time.Duration
	// MinIdle is the number of available handles the idle sweep never evicts.
	// The age and health sweeps create replacements up to it.
	MinIdle int
	// MaxAge disposes handles older than this when they are released or
	// swept, whether or not they were idle. Zero disables it.
	MaxAge time.Duration
	// HealthCheck pings every available handle through erp.HealthChecker on
	// each sweep and disposes the ones that fail. Handles whose backend has
	// no HealthChecker are treated as healthy.
	HealthCheck bool
	// HealthCheckTimeout bounds a single ping.
	HealthCheckTimeout time.Duration
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		WarmSize:      2,
		WaitTimeout:        defaultWaitTimeout,
		SweepInterval:      defaultSweepInterval,
		HealthCheckTimeout: defaultHealthCheckTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.WarmSize < 0 {
		c.WarmSize = 0
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MaxAge < 0 {
		c.MaxAge = 0
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	return c
}

// sweeps reports whether any periodic maintenance is enabled.
func (c Config) sweeps() bool {
	return c.IdleTimeout > 0 || c.MaxAge > 0 || c.HealthCheck
}

// Recorder receives pool events for metrics. telemetry.PoolMetrics implements it.
type Recorder interface {
	RecordAcquire(ctx context.Context, tenantID string, wait time.Duration, err error)
	RecordCreate(ctx context.Context, tenantID string, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordAcquire(context.Context, string, time.Duration, error) {}
func (nopRecorder) RecordCreate(context.Context, string, time.Duration, error)  {}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the pool configuration.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger. Pools log through a child named "erppool".
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}
