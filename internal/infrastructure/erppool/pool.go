package erppool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

// ConnectionPool owns the handles of one identity.
// It's safe for concurrent use by multiple goroutines.
type ConnectionPool struct {
	identity *erp.Identity
	factory  erp.ConnectionFactory
	loginMu  *sync.Mutex // shared by every pool of the registry
	cfg      Config
	logger   *zap.Logger
	recorder Recorder

	// ctx bounds background creations; Dispose cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed by Dispose
	wg     sync.WaitGroup
	init   sync.Once

	mu        sync.Mutex // protects following fields
	all       map[uuid.UUID]*member
	available []idleHandle // stack; newest on top, oldest at index 0
	waiters   []*waiter    // FIFO
	pending   int          // creations in flight
	disposed  bool

	// retired is set when the registry drops a pool that never admitted a
	// handle; Acquire callers that raced with it may retry on a fresh pool.
	retired atomic.Bool

	waitCount      atomic.Int64
	waitDuration   atomic.Int64
	createFailures atomic.Int64
	idleClosed     atomic.Int64
	agedClosed     atomic.Int64
	unhealthy      atomic.Int64
}

type member struct {
	h         erp.Handle
	createdAt time.Time
	inUse     bool
	// returning is set while Release closes the handle outside the lock.
	returning bool
}

type idleHandle struct {
	h          erp.Handle
	returnedAt time.Time
}

type waiter struct {
	ch chan acquireResult // buffered, one send at most
}

type acquireResult struct {
	h   erp.Handle
	err error
}

func newConnectionPool(id *erp.Identity, factory erp.ConnectionFactory, loginMu *sync.Mutex, cfg Config, logger *zap.Logger, rec Recorder) *ConnectionPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		identity: id,
		factory:  factory,
		loginMu:  loginMu,
		cfg:      cfg,
		logger: logger.Named("erppool").With(
			zap.String("tenant_id", id.TenantID()),
			zap.String("pool_token", id.Token()),
		),
		recorder: rec,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		all:      make(map[uuid.UUID]*member),
	}
}

// Identity returns the identity the pool logs in with.
func (p *ConnectionPool) Identity() *erp.Identity { return p.identity }

// Initialize schedules the warm-up creations and starts the idle sweep.
// It never blocks and only has an effect the first time it is called.
func (p *ConnectionPool) Initialize(n int) {
	p.init.Do(func() {
		for i := 0; i < n; i++ {
			p.replenish("warmup")
		}
		if p.cfg.sweeps() {
			p.startSweeper()
		}
		p.logger.Debug("Connection pool initialized", zap.Int("warm_size", n))
	})
}

// Acquire returns a handle for exclusive use. The handle's live connection
// may be closed; the next backend call reopens it.
//
// When the pool is empty Acquire schedules one background creation and
// blocks until a handle is released or admitted, the pool is disposed
// (ErrPoolDisposed) or ctx is done.
func (p *ConnectionPool) Acquire(ctx context.Context) (erp.Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "erp_pool.acquire",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, p.identity.TenantID()),
	)
	defer span.End()

	start := time.Now()
	h, err := p.acquire(ctx)
	p.recorder.RecordAcquire(ctx, p.identity.TenantID(), time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrHandleID, h.ID().String())
	telemetry.SetOK(span)
	return h, nil
}

func (p *ConnectionPool) acquire(ctx context.Context) (erp.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, erp.ErrPoolDisposed
	}
	if h, ok := p.popAvailableLocked(); ok {
		p.mu.Unlock()
		return h, nil
	}
	w := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.waitCount.Add(1)
	waitStart := time.Now()
	defer func() {
		p.waitDuration.Add(int64(time.Since(waitStart)))
	}()

	p.replenish("acquire")

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()

	for {
		select {
		case res := <-w.ch:
			if res.err != nil {
				return nil, res.err
			}
			p.mu.Lock()
			disposed := p.disposed
			p.mu.Unlock()
			if disposed {
				// Dispose already disposed the handle through p.all.
				return nil, erp.ErrPoolDisposed
			}
			return res.h, nil

		case <-p.done:
			p.abandon(w)
			return nil, erp.ErrPoolDisposed

		case <-ctx.Done():
			p.abandon(w)
			return nil, ctx.Err()

		case <-timer.C:
			p.mu.Lock()
			if p.disposed {
				p.mu.Unlock()
				p.abandon(w)
				return nil, erp.ErrPoolDisposed
			}
			if h, ok := p.popAvailableLocked(); ok {
				p.removeWaiterLocked(w)
				p.mu.Unlock()
				// A hand-off may have raced with the pop above.
				p.drain(w)
				return h, nil
			}
			retry := p.pending == 0
			p.mu.Unlock()

			p.logger.Warn("Still waiting for an ERP handle",
				zap.Duration("waited", time.Since(waitStart)),
				zap.Bool("retry_creation", retry),
			)
			if retry {
				p.replenish("retry")
			}
			timer.Reset(p.cfg.WaitTimeout)
		}
	}
}

// popAvailableLocked takes the most recently returned handle. p.mu is held.
func (p *ConnectionPool) popAvailableLocked() (erp.Handle, bool) {
	n := len(p.available)
	if n == 0 {
		return nil, false
	}
	ih := p.available[n-1]
	p.available[n-1] = idleHandle{}
	p.available = p.available[:n-1]
	if m, ok := p.all[ih.h.ID()]; ok {
		m.inUse = true
	}
	return ih.h, true
}

func (p *ConnectionPool) removeWaiterLocked(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			copy(p.waiters[i:], p.waiters[i+1:])
			p.waiters[len(p.waiters)-1] = nil
			p.waiters = p.waiters[:len(p.waiters)-1]
			return true
		}
	}
	return false
}

// abandon withdraws a waiter that gave up and returns any handle that was
// handed to it in the meantime.
func (p *ConnectionPool) abandon(w *waiter) {
	p.mu.Lock()
	p.removeWaiterLocked(w)
	p.mu.Unlock()
	p.drain(w)
}

func (p *ConnectionPool) drain(w *waiter) {
	select {
	case res := <-w.ch:
		if res.h != nil {
			p.Release(res.h)
		}
	default:
	}
}

// Release closes the handle's live connection and makes it available again,
// waking at most one blocked Acquire. After Dispose the handle is disposed
// instead. Handles that do not belong to the pool are disposed.
func (p *ConnectionPool) Release(h erp.Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	disposed := p.disposed
	m, ok := p.all[h.ID()]
	// Claim the return while locked so a concurrent second Release of the
	// same handle takes the duplicate branch.
	claimed := ok && m.inUse && !m.returning
	if claimed && !disposed {
		m.returning = true
	}
	p.mu.Unlock()

	switch {
	case disposed:
		p.closeHandle(h)
		p.disposeHandle(h, "pool disposed")
		return
	case !ok:
		p.logger.Warn("Released handle does not belong to this pool",
			zap.String("handle_id", h.ID().String()),
		)
		p.closeHandle(h)
		p.disposeHandle(h, "foreign handle")
		return
	case !claimed:
		// The handle may already be serving another caller; leave it alone.
		p.logger.Warn("Ignoring duplicate release of ERP handle",
			zap.String("handle_id", h.ID().String()),
		)
		return
	}

	// Still marked in use, so nobody else can take it while it closes.
	p.closeHandle(h)

	p.mu.Lock()
	m.returning = false
	if p.disposed {
		p.mu.Unlock()
		p.disposeHandle(h, "pool disposed")
		return
	}
	m.inUse = false
	if p.expiredLocked(m, nowFunc()) {
		delete(p.all, h.ID())
		starving := len(p.waiters) > 0
		p.mu.Unlock()
		p.disposeHandle(h, "max age")
		p.agedClosed.Add(1)
		if starving {
			p.replenish("max age")
		}
		return
	}
	p.putLocked(m)
	p.mu.Unlock()
}

// expiredLocked reports whether m has outlived MaxAge. p.mu is held.
func (p *ConnectionPool) expiredLocked(m *member, now time.Time) bool {
	return p.cfg.MaxAge > 0 && now.Sub(m.createdAt) >= p.cfg.MaxAge
}

func (p *ConnectionPool) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// unused reports whether the pool has never held a handle and nobody is
// waiting on it.
func (p *ConnectionPool) unused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disposed && len(p.all) == 0 && len(p.waiters) == 0
}

func (p *ConnectionPool) closeHandle(h erp.Handle) {
	if err := h.Close(); err != nil {
		p.logger.Warn("Failed to close ERP handle connection",
			zap.String("handle_id", h.ID().String()),
			zap.Error(err),
		)
	}
}

// putLocked hands the member to the oldest waiter or pushes it onto the
// available stack. p.mu is held.
func (p *ConnectionPool) putLocked(m *member) {
	p.restoreLocked(m, nowFunc())
}

// restoreLocked is putLocked for a handle idle since returnedAt. Entries stay
// ordered by returnedAt so the idle sweep can trim from the front. p.mu is held.
func (p *ConnectionPool) restoreLocked(m *member, returnedAt time.Time) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		copy(p.waiters, p.waiters[1:])
		p.waiters[len(p.waiters)-1] = nil
		p.waiters = p.waiters[:len(p.waiters)-1]
		m.inUse = true
		w.ch <- acquireResult{h: m.h}
		return
	}
	i := sort.Search(len(p.available), func(i int) bool {
		return p.available[i].returnedAt.After(returnedAt)
	})
	p.available = append(p.available, idleHandle{})
	copy(p.available[i+1:], p.available[i:])
	p.available[i] = idleHandle{h: m.h, returnedAt: returnedAt}
}

// replenish schedules one supervised background creation.
func (p *ConnectionPool) replenish(reason string) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		err := p.createAndAdmit()
		p.finishCreate(reason, err)
	}()
}

// createAndAdmit runs Create, Login, Validate and EnableCaching and admits
// the handle. A failed handle is disposed and never admitted.
func (p *ConnectionPool) createAndAdmit() (err error) {
	ctx, span := telemetry.StartSpan(p.ctx, "erp_pool.create",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, p.identity.TenantID()),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("erp pool: handle creation panicked: %v", r)
		}
		if err != nil && !isShutdown(err) {
			telemetry.RecordError(span, err)
			p.recorder.RecordCreate(ctx, p.identity.TenantID(), time.Since(start), err)
		} else if err == nil {
			telemetry.SetOK(span)
			p.recorder.RecordCreate(ctx, p.identity.TenantID(), time.Since(start), nil)
		}
	}()

	h, err := p.factory.Create(ctx)
	if err != nil {
		return fmt.Errorf("create handle: %w", err)
	}
	if err := p.login(ctx, h); err != nil {
		p.disposeHandle(h, "login failed")
		return err
	}
	if err := p.factory.Validate(h); err != nil {
		p.disposeHandle(h, "validation failed")
		if !errors.Is(err, erp.ErrBackendValidation) {
			err = fmt.Errorf("%w: %w", erp.ErrBackendValidation, err)
		}
		return err
	}
	p.factory.EnableCaching(h)
	return p.admit(h)
}

// login runs the factory login under the registry-wide login mutex.
func (p *ConnectionPool) login(ctx context.Context, h erp.Handle) error {
	p.loginMu.Lock()
	defer p.loginMu.Unlock()

	if err := p.factory.Login(ctx, h, p.identity); err != nil {
		if errors.Is(err, erp.ErrBackendLogin) || isShutdown(err) {
			return err
		}
		return fmt.Errorf("%w: %w", erp.ErrBackendLogin, err)
	}
	return nil
}

func (p *ConnectionPool) admit(h erp.Handle) error {
	p.closeHandle(h)

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		p.disposeHandle(h, "pool disposed during creation")
		return erp.ErrPoolDisposed
	}
	m := &member{h: h, createdAt: nowFunc()}
	p.all[h.ID()] = m
	p.putLocked(m)
	total := len(p.all)
	p.mu.Unlock()

	p.logger.Debug("ERP handle admitted",
		zap.String("handle_id", h.ID().String()),
		zap.Int("pool_size", total),
	)
	return nil
}

// finishCreate is the central place where creation outcomes are observed.
// Failures are logged and swallowed, except that a pool which has never
// admitted a handle hands the error to every current waiter.
func (p *ConnectionPool) finishCreate(reason string, err error) {
	p.mu.Lock()
	p.pending--
	if err == nil || isShutdown(err) {
		p.mu.Unlock()
		return
	}
	p.createFailures.Add(1)

	var failed []*waiter
	if len(p.all) == 0 && !p.disposed {
		failed = p.waiters
		p.waiters = nil
	}
	p.mu.Unlock()

	wrapped := fmt.Errorf("erp pool: create handle for %s: %w", p.identity, err)
	for _, w := range failed {
		w.ch <- acquireResult{err: wrapped}
	}

	p.logger.Error("Failed to create ERP handle",
		zap.String("reason", reason),
		zap.Int("failed_waiters", len(failed)),
		zap.Error(err),
	)
}

func isShutdown(err error) bool {
	return errors.Is(err, erp.ErrPoolDisposed) || errors.Is(err, context.Canceled)
}

func (p *ConnectionPool) disposeHandle(h erp.Handle, reason string) {
	if err := h.Dispose(); err != nil {
		p.logger.Warn("Failed to dispose ERP handle",
			zap.String("handle_id", h.ID().String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// Dispose tears the pool down: blocked Acquire calls fail with
// ErrPoolDisposed, every admitted handle is disposed and in-flight creations
// are cancelled and awaited. Handles held by live scopes are disposed too but
// stay referenced by their scopes; closing those scopes is the caller's job.
// Dispose is idempotent.
func (p *ConnectionPool) Dispose() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	close(p.done)
	handles := make([]erp.Handle, 0, len(p.all))
	inUse := 0
	for _, m := range p.all {
		handles = append(handles, m.h)
		if m.inUse {
			inUse++
		}
	}
	p.all = make(map[uuid.UUID]*member)
	p.available = nil
	p.waiters = nil
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, h := range handles {
		if err := h.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("dispose handle %s: %w", h.ID(), err))
		}
	}
	p.wg.Wait()

	p.logger.Info("Connection pool disposed",
		zap.Int("handles", len(handles)),
		zap.Int("checked_out", inUse),
	)
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *ConnectionPool) Stats() erp.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, m := range p.all {
		if m.inUse {
			inUse++
		}
	}
	return erp.PoolStats{
		Token:          p.identity.Token(),
		TenantID:       p.identity.TenantID(),
		Total:          len(p.all),
		Available:      len(p.available),
		InUse:          inUse,
		Waiters:        len(p.waiters),
		WaitCount:      p.waitCount.Load(),
		WaitDuration:   time.Duration(p.waitDuration.Load()),
		CreateFailures: p.createFailures.Load(),
		IdleClosed:     p.idleClosed.Load(),
		AgedClosed:     p.agedClosed.Load(),
		Unhealthy:      p.unhealthy.Load(),
		Disposed:       p.disposed,
	}
}
