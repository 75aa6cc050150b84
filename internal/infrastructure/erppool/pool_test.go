package erppool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/erpfake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testIdentity(t *testing.T, tenant, password string) *erp.Identity {
	t.Helper()
	id, err := erp.NewIdentity(erp.Credentials{
		TenantID: tenant,
		Username: "admin",
		Password: password,
	})
	require.NoError(t, err)
	return id
}

func newTestRegistry(t *testing.T, f erp.ConnectionFactory, cfg Config, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithConfig(cfg), WithLogger(zaptest.NewLogger(t))}, opts...)
	r := NewRegistry(f, opts...)
	t.Cleanup(func() {
		assert.NoError(t, r.DisposeAll())
	})
	return r
}

func newTestPool(t *testing.T, f erp.ConnectionFactory, cfg Config) *ConnectionPool {
	t.Helper()
	r := newTestRegistry(t, f, cfg)
	p, err := r.pool(testIdentity(t, "t1", "secret"))
	require.NoError(t, err)
	return p
}

func waitAvailable(t *testing.T, p *ConnectionPool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Available == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_WarmupFillsAvailable(t *testing.T) {
	f := erpfake.New()
	p := newTestPool(t, f, Config{WarmSize: 3})

	waitAvailable(t, p, 3)
	stats := p.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(3), f.Logins())

	for _, h := range f.Handles() {
		assert.False(t, h.IsOpen(), "pooled handles keep their live connection closed")
		assert.True(t, h.CachingEnabled())
	}
}

func TestPool_ScenarioWarmTwo(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, erpfake.New(), Config{WarmSize: 2})
	waitAvailable(t, p, 2)

	start := time.Now()
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	ctx3, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h3, err := p.Acquire(ctx3)
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{h1.ID(): true, h2.ID(): true, h3.ID(): true}
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, p.Stats().Total)
	assert.Equal(t, int64(1), p.Stats().WaitCount)
}

func TestPool_GrowthOnExhaustion(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New(erpfake.WithCreateDelay(10 * time.Millisecond))
	p := newTestPool(t, f, Config{WarmSize: 1})

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]bool)
	)
	hold := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[h.ID()] = true
			mu.Unlock()
			<-hold
			p.Release(h)
		}()
	}

	require.Eventually(t, func() bool {
		return p.Stats().InUse == 3
	}, 2*time.Second, 5*time.Millisecond)
	close(hold)
	wg.Wait()

	assert.Len(t, ids, 3)
	assert.GreaterOrEqual(t, p.Stats().Total, 3)
}

func TestPool_ReleaseReuse(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New()
	p := newTestPool(t, f, Config{WarmSize: 1})
	waitAvailable(t, p, 1)

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h1)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h2.ID())
	assert.False(t, h2.IsOpen(), "released handle has its live connection closed")

	checker, err := h2.CreateComponent(ctx, erp.ComponentType[erp.HealthChecker]())
	require.NoError(t, err)
	require.NoError(t, checker.(erp.HealthChecker).Ping(ctx))
	assert.True(t, h2.IsOpen(), "backend use reopens the connection")
	p.Release(h2)
}

func TestPool_Exclusivity(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, erpfake.New(), Config{WarmSize: 2})

	var (
		mu    sync.Mutex
		inUse = make(map[uuid.UUID]bool)
		dups  atomic.Int64
		wg    sync.WaitGroup
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h, err := p.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if inUse[h.ID()] {
					dups.Add(1)
				}
				inUse[h.ID()] = true
				mu.Unlock()

				time.Sleep(time.Microsecond)

				mu.Lock()
				delete(inUse, h.ID())
				mu.Unlock()
				p.Release(h)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, dups.Load(), "a handle was held by two callers at once")
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, stats.Total, stats.Available)
}

func TestPool_DisposeWakesWaiters(t *testing.T) {
	f := erpfake.New(erpfake.WithCreateDelay(time.Hour))
	p := newTestPool(t, f, Config{WarmSize: 0})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Dispose())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, erp.ErrPoolDisposed)
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire was not woken by Dispose")
	}

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, erp.ErrPoolDisposed)
	assert.True(t, p.Stats().Disposed)
	assert.NoError(t, p.Dispose(), "Dispose is idempotent")
}

func TestPool_ReleaseAfterDispose(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New()
	p := newTestPool(t, f, Config{WarmSize: 1})

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Dispose())

	p.Release(h)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Total)
	assert.True(t, h.(*erpfake.Handle).IsDisposed())

	for _, fh := range f.Handles() {
		assert.True(t, fh.IsDisposed(), "handle %d leaked", fh.Seq())
	}
}

func TestPool_CreationFinishingAfterDisposeIsDisposed(t *testing.T) {
	f := erpfake.New()
	blockLogin := make(chan struct{})
	f.SetLoginFunc(func(*erp.Identity) error {
		<-blockLogin
		return nil
	})
	p := newTestPool(t, f, Config{WarmSize: 1})

	require.Eventually(t, func() bool { return f.Logins() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Dispose() }()
	require.Eventually(t, func() bool { return p.Stats().Disposed }, time.Second, 5*time.Millisecond)
	close(blockLogin)

	require.NoError(t, <-done)
	require.Len(t, f.Handles(), 1)
	assert.True(t, f.Handles()[0].IsDisposed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	f := erpfake.New(erpfake.WithCreateDelay(time.Hour))
	p := newTestPool(t, f, Config{WarmSize: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiters)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = p.Acquire(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_ForeignAndDuplicateRelease(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New()
	p := newTestPool(t, f, Config{WarmSize: 1})

	foreign, err := erpfake.New().Create(ctx)
	require.NoError(t, err)
	p.Release(foreign)
	assert.True(t, foreign.(*erpfake.Handle).IsDisposed())

	waitAvailable(t, p, 1)
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h)
	p.Release(h)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Available, "duplicate release must not add the handle twice")
	assert.Equal(t, 1, stats.Total)
}

func TestPool_ConcurrentDuplicateRelease(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New(erpfake.WithCloseDelay(50 * time.Millisecond))
	p := newTestPool(t, f, Config{WarmSize: 1})
	waitAvailable(t, p, 1)

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p.Release(h)
		}()
	}
	close(start)
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Available, "the handle must be available once")

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID(), "two callers must never share a handle")
	p.Release(a)
	p.Release(b)
}

func TestPool_LoginFailureBeforeFirstAdmission(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	f := erpfake.New(erpfake.WithPassword("right"))
	r := newTestRegistry(t, f, Config{WarmSize: 1}, WithLogger(zap.New(core)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Get(ctx, testIdentity(t, "t1", "wrong"))
	require.Error(t, err)
	assert.ErrorIs(t, err, erp.ErrBackendLogin)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	assert.NotZero(t, logs.FilterMessage("Failed to create ERP handle").Len())
	assert.Eventually(t, func() bool {
		for _, h := range f.Handles() {
			if !h.IsDisposed() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "failed handles are never admitted")
}

func TestPool_ValidationFailure(t *testing.T) {
	f := erpfake.New(erpfake.WithMessage(erp.Message{Level: erp.LevelError, Text: "licence expired"}))
	r := newTestRegistry(t, f, Config{WarmSize: 0})

	_, err := r.Get(context.Background(), testIdentity(t, "t1", "secret"))
	require.Error(t, err)
	assert.ErrorIs(t, err, erp.ErrBackendValidation)
	assert.Contains(t, err.Error(), "licence expired")
}

func TestPool_WarningMessageIsAdmitted(t *testing.T) {
	f := erpfake.New(erpfake.WithMessage(erp.Message{Level: erp.LevelWarning, Text: "password expires soon"}))
	r := newTestRegistry(t, f, Config{WarmSize: 0})

	pc, err := r.Get(context.Background(), testIdentity(t, "t1", "secret"))
	require.NoError(t, err)
	r.Put(pc)
}

func TestPool_RetriesCreationAfterWaitTimeout(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New()
	p := newTestPool(t, f, Config{WarmSize: 1, WaitTimeout: 20 * time.Millisecond})
	waitAvailable(t, p, 1)

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	f.SetLoginFunc(func(*erp.Identity) error { return errors.New("backend offline") })

	got := make(chan erp.Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if assert.NoError(t, err) {
			got <- h
		}
	}()

	// Failures after the first admission are swallowed and retried.
	require.Eventually(t, func() bool { return f.FailedLogins() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Waiters)

	f.SetLoginFunc(nil)
	select {
	case h := <-got:
		assert.NotEqual(t, held.ID(), h.ID())
		p.Release(h)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after the backend recovered")
	}
	p.Release(held)
	assert.GreaterOrEqual(t, p.Stats().CreateFailures, int64(2))
}

func TestPool_IdleSweep(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = time.Now })

	p := newTestPool(t, erpfake.New(), Config{
		WarmSize:      3,
		IdleTimeout:   time.Minute,
		MinIdle:       1,
		SweepInterval: time.Hour,
	})
	waitAvailable(t, p, 3)

	assert.Zero(t, p.sweepIdle(), "nothing is idle yet")

	now = base.Add(2 * time.Minute)
	assert.Equal(t, 2, p.sweepIdle())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, int64(2), stats.IdleClosed)
}

func TestPool_MaxAgeOnRelease(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = time.Now })

	f := erpfake.New()
	p := newTestPool(t, f, Config{
		WarmSize:      1,
		MaxAge:        time.Minute,
		SweepInterval: time.Hour,
	})
	waitAvailable(t, p, 1)

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	now = base.Add(2 * time.Minute)
	p.Release(h)

	stats := p.Stats()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.Available)
	assert.Equal(t, int64(1), stats.AgedClosed)
	assert.True(t, h.(*erpfake.Handle).IsDisposed())

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), fresh.ID())
	p.Release(fresh)
	assert.Equal(t, 1, p.Stats().Available, "a young handle goes back to the pool")
}

func TestPool_MaxAgeSweep(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = time.Now })

	f := erpfake.New()
	p := newTestPool(t, f, Config{
		WarmSize:      2,
		MinIdle:       1,
		MaxAge:        time.Minute,
		SweepInterval: time.Hour,
	})
	waitAvailable(t, p, 2)
	old := f.Handles()

	assert.Zero(t, p.sweepAged(), "nothing is old yet")

	now = base.Add(2 * time.Minute)
	assert.Equal(t, 2, p.sweepAged())
	for _, h := range old {
		assert.True(t, h.IsDisposed())
	}

	// One replacement keeps MinIdle handles ready.
	waitAvailable(t, p, 1)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, int64(2), stats.AgedClosed)
	assert.Equal(t, int64(3), f.Creates())
}

func TestPool_HealthCheck(t *testing.T) {
	f := erpfake.New()
	p := newTestPool(t, f, Config{
		WarmSize:      3,
		HealthCheck:   true,
		SweepInterval: time.Hour,
	})
	waitAvailable(t, p, 3)

	handles := f.Handles()
	require.Len(t, handles, 3)
	handles[1].Break()

	p.mu.Lock()
	before := make(map[uuid.UUID]time.Time)
	for _, ih := range p.available {
		before[ih.h.ID()] = ih.returnedAt
	}
	p.mu.Unlock()

	assert.Equal(t, 1, p.checkHealth())
	assert.True(t, handles[1].IsDisposed())
	assert.False(t, handles[0].IsDisposed())
	assert.False(t, handles[2].IsDisposed())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Available)
	assert.Zero(t, stats.InUse)
	assert.Equal(t, int64(1), stats.Unhealthy)

	p.mu.Lock()
	for _, ih := range p.available {
		assert.Equal(t, before[ih.h.ID()], ih.returnedAt, "healthy handles keep their idle time")
		assert.False(t, ih.h.IsOpen())
	}
	p.mu.Unlock()

	assert.Zero(t, p.checkHealth())
}

func TestPool_HealthCheckReplacesUpToMinIdle(t *testing.T) {
	f := erpfake.New()
	p := newTestPool(t, f, Config{
		WarmSize:      2,
		MinIdle:       2,
		HealthCheck:   true,
		SweepInterval: time.Hour,
	})
	waitAvailable(t, p, 2)
	for _, h := range f.Handles() {
		h.Break()
	}

	assert.Equal(t, 2, p.checkHealth())
	waitAvailable(t, p, 2)
	assert.Equal(t, int64(4), f.Creates())
	assert.Equal(t, int64(2), p.Stats().Unhealthy)
}

func TestPool_SweeperRuns(t *testing.T) {
	f := erpfake.New()
	p := newTestPool(t, f, Config{
		WarmSize:      1,
		HealthCheck:   true,
		SweepInterval: 10 * time.Millisecond,
	})
	waitAvailable(t, p, 1)
	f.Handles()[0].Break()

	require.Eventually(t, func() bool {
		return p.Stats().Unhealthy == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().Total)
}

type countingRecorder struct {
	mu       sync.Mutex
	acquires []error
	creates  []error
}

func (r *countingRecorder) RecordAcquire(_ context.Context, _ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquires = append(r.acquires, err)
}

func (r *countingRecorder) RecordCreate(_ context.Context, _ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates = append(r.creates, err)
}

func TestPool_RecordsEvents(t *testing.T) {
	rec := &countingRecorder{}
	r := newTestRegistry(t, erpfake.New(), Config{WarmSize: 1}, WithRecorder(rec))

	pc, err := r.Get(context.Background(), testIdentity(t, "t1", "secret"))
	require.NoError(t, err)
	r.Put(pc)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.creates) >= 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.acquires, 1)
	assert.NoError(t, rec.acquires[0])
	assert.NoError(t, rec.creates[0])
}
