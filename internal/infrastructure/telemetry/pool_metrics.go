package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// PoolMetricsConfig holds configuration for connection pool metrics.
type PoolMetricsConfig struct {
	// StatsInterval defines how often pool statistics are sampled (default: 15s).
	StatsInterval time.Duration
}

// DefaultPoolMetricsConfig returns default configuration for pool metrics.
func DefaultPoolMetricsConfig() PoolMetricsConfig {
	return PoolMetricsConfig{StatsInterval: 15 * time.Second}
}

// StatsSource is anything that can report per-pool statistics.
// *erppool.Registry implements it.
type StatsSource interface {
	Stats() []erp.PoolStats
}

// Acquire and create outcomes used as the "result" attribute.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultTimeout  = "timeout"
	ResultCanceled = "canceled"
	ResultDisposed = "disposed"
)

// PoolMetrics holds the ERP connection pool instruments. It records acquire
// and create events pushed by the pools and samples pool statistics on a
// ticker. A nil *PoolMetrics records nothing.
type PoolMetrics struct {
	handles        *Gauge     // erp_pool_handles with state label
	waiters        *Gauge     // erp_pool_waiters
	acquireTotal   *Counter   // erp_pool_acquire_total
	acquireWait    *Histogram // erp_pool_acquire_wait_seconds
	createTotal    *Counter   // erp_pool_create_total
	createDuration *Histogram // erp_pool_create_duration_seconds
	backendConns   *Gauge     // erp_backend_db_connections with state label

	config   PoolMetricsConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewPoolMetrics creates the pool instruments on the given meter.
func NewPoolMetrics(meter metric.Meter, cfg PoolMetricsConfig, logger *zap.Logger) (*PoolMetrics, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	handles, err := NewGauge(meter, "erp_pool_handles", "Number of ERP handles in a pool by state", "{handle}")
	if err != nil {
		return nil, err
	}
	waiters, err := NewGauge(meter, "erp_pool_waiters", "Number of callers blocked waiting for an ERP handle", "{caller}")
	if err != nil {
		return nil, err
	}
	acquireTotal, err := NewCounter(meter, "erp_pool_acquire_total", "Total number of handle acquisitions by result", "{acquire}")
	if err != nil {
		return nil, err
	}
	acquireWait, err := NewHistogram(meter, HistogramOpts{
		Name:        "erp_pool_acquire_wait_seconds",
		Description: "Time spent obtaining an ERP handle in seconds",
		Unit:        "s",
		Boundaries:  AcquireWaitBuckets,
	})
	if err != nil {
		return nil, err
	}
	createTotal, err := NewCounter(meter, "erp_pool_create_total", "Total number of handle creations by result", "{handle}")
	if err != nil {
		return nil, err
	}
	createDuration, err := NewHistogram(meter, HistogramOpts{
		Name:        "erp_pool_create_duration_seconds",
		Description: "Time spent creating and logging in an ERP handle in seconds",
		Unit:        "s",
		Boundaries:  LoginDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	backendConns, err := NewGauge(meter, "erp_backend_db_connections", "Number of SQL connections held by the ERP gateway by state", "{connection}")
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		handles:        handles,
		waiters:        waiters,
		acquireTotal:   acquireTotal,
		acquireWait:    acquireWait,
		createTotal:    createTotal,
		createDuration: createDuration,
		backendConns:   backendConns,
		config:         cfg,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}, nil
}

// ResultOf maps an operation error to its "result" attribute value.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, erp.ErrPoolDisposed):
		return ResultDisposed
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCanceled
	default:
		return ResultError
	}
}

// RecordAcquire records one Acquire call.
func (m *PoolMetrics) RecordAcquire(ctx context.Context, tenantID string, wait time.Duration, err error) {
	if m == nil {
		return
	}
	tenant := AttrTenantID.String(tenantID)
	m.acquireTotal.Inc(ctx, tenant, AttrResult.String(ResultOf(err)))
	m.acquireWait.RecordDuration(ctx, wait, tenant)
}

// RecordCreate records one background handle creation.
func (m *PoolMetrics) RecordCreate(ctx context.Context, tenantID string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	tenant := AttrTenantID.String(tenantID)
	m.createTotal.Inc(ctx, tenant, AttrResult.String(ResultOf(err)))
	m.createDuration.RecordDuration(ctx, elapsed, tenant)
}

// SetSQLDB sets the gateway's sql.DB so its connection counts are sampled
// together with the pool statistics.
func (m *PoolMetrics) SetSQLDB(sqlDB *sql.DB) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sqlDB = sqlDB
}

// StartStatsCollection starts a goroutine that periodically samples source.
// Call Stop to terminate it.
func (m *PoolMetrics) StartStatsCollection(ctx context.Context, source StatsSource) {
	if m == nil {
		return
	}
	if source == nil {
		m.logger.Warn("Cannot start pool stats collection: no stats source")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.StatsInterval)
		defer ticker.Stop()

		m.collect(ctx, source)

		for {
			select {
			case <-ticker.C:
				m.collect(ctx, source)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Info("Started ERP pool stats collection",
		zap.Duration("interval", m.config.StatsInterval),
	)
}

func (m *PoolMetrics) collect(ctx context.Context, source StatsSource) {
	for _, s := range source.Stats() {
		tenant := AttrTenantID.String(s.TenantID)
		m.handles.Record(ctx, int64(s.Available), tenant, AttrPoolState.String("available"))
		m.handles.Record(ctx, int64(s.InUse), tenant, AttrPoolState.String("in_use"))
		m.handles.Record(ctx, int64(s.Total), tenant, AttrPoolState.String("total"))
		m.waiters.Record(ctx, int64(s.Waiters), tenant)
	}

	m.mu.RLock()
	sqlDB := m.sqlDB
	m.mu.RUnlock()
	if sqlDB == nil {
		return
	}
	stats := sqlDB.Stats()
	m.backendConns.Record(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	m.backendConns.Record(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	m.backendConns.Record(ctx, int64(stats.OpenConnections), AttrDBState.String("open"))
}

// Stop stops stats collection. Safe to call multiple times.
func (m *PoolMetrics) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.logger.Debug("ERP pool metrics stopped")
	})
}
