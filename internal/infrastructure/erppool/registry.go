package erppool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/erp/connector/internal/domain/erp"
	"go.uber.org/zap"
)

// PoolContext is an identity together with a handle acquired for it.
// It is what Registry.Get returns and Registry.Put takes back.
type PoolContext struct {
	Identity *erp.Identity
	Handle   erp.Handle

	pool *ConnectionPool
}

// Registry maps identity tokens to connection pools. Build one at startup,
// share it, and call DisposeAll at shutdown.
type Registry struct {
	factory  erp.ConnectionFactory
	cfg      Config
	logger   *zap.Logger
	recorder Recorder

	// loginMu serializes factory logins across all pools.
	loginMu sync.Mutex

	mu    sync.RWMutex
	pools map[string]*lazyPool

	newPool func(id *erp.Identity) *ConnectionPool
}

// lazyPool is a map entry whose pool is built at most once, outside the map lock.
type lazyPool struct {
	once sync.Once
	pool atomic.Pointer[ConnectionPool]
}

func (lp *lazyPool) get(create func() *ConnectionPool) *ConnectionPool {
	lp.once.Do(func() {
		lp.pool.Store(create())
	})
	return lp.pool.Load()
}

// settle waits for an in-progress creation and prevents later ones.
func (lp *lazyPool) settle() *ConnectionPool {
	lp.once.Do(func() {})
	return lp.pool.Load()
}

// NewRegistry creates an empty registry.
func NewRegistry(factory erp.ConnectionFactory, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		pools:    make(map[string]*lazyPool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.newPool = func(id *erp.Identity) *ConnectionPool {
		return newConnectionPool(id, r.factory, &r.loginMu, r.cfg, r.logger, r.recorder)
	}
	return r
}

// Config returns the pool configuration in effect.
func (r *Registry) Config() Config { return r.cfg }

// pool returns the pool for id, creating and initializing it on first use.
// Concurrent first calls for the same token build exactly one pool.
func (r *Registry) pool(id *erp.Identity) (*ConnectionPool, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	token := id.Token()

	r.mu.RLock()
	lp, ok := r.pools[token]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		lp, ok = r.pools[token]
		if !ok {
			lp = &lazyPool{}
			r.pools[token] = lp
		}
		r.mu.Unlock()
	}

	p := lp.get(func() *ConnectionPool {
		p := r.newPool(id)
		p.Initialize(r.cfg.WarmSize)
		r.logger.Info("Connection pool created",
			zap.String("tenant_id", id.TenantID()),
			zap.String("pool_token", token),
			zap.Int("warm_size", r.cfg.WarmSize),
		)
		return p
	})
	if p == nil {
		// DisposeAll settled the entry before it was built.
		return nil, erp.ErrPoolDisposed
	}
	return p, nil
}

// Get acquires a handle from the identity's pool, creating the pool on first use.
// A pool whose first handle creation fails is removed again, so identities
// that never log in do not stay registered.
func (r *Registry) Get(ctx context.Context, id *erp.Identity) (PoolContext, error) {
	for attempt := 0; ; attempt++ {
		p, err := r.pool(id)
		if err != nil {
			return PoolContext{}, err
		}
		h, err := p.Acquire(ctx)
		if err == nil {
			return PoolContext{Identity: id, Handle: h, pool: p}, nil
		}
		if errors.Is(err, erp.ErrPoolDisposed) && p.retired.Load() && attempt == 0 {
			// Lost a race with retire; the next attempt builds a fresh pool.
			continue
		}
		if !errors.Is(err, erp.ErrPoolDisposed) && !errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded) {
			r.retire(id.Token(), p)
		}
		return PoolContext{}, err
	}
}

// retire drops p from the registry and disposes it if it never admitted a
// handle and has no waiters left.
func (r *Registry) retire(token string, p *ConnectionPool) {
	r.mu.Lock()
	lp, ok := r.pools[token]
	if !ok || lp.pool.Load() != p || !p.unused() {
		r.mu.Unlock()
		return
	}
	delete(r.pools, token)
	p.retired.Store(true)
	r.mu.Unlock()

	if err := p.Dispose(); err != nil {
		r.logger.Warn("Failed to dispose retired connection pool", zap.Error(err))
	}
	r.logger.Info("Connection pool removed after failed first contact",
		zap.String("tenant_id", p.Identity().TenantID()),
		zap.String("pool_token", token),
	)
}

// Put returns the handle to the pool it came from. If that pool has been
// torn down the handle is disposed.
func (r *Registry) Put(pc PoolContext) {
	if pc.Handle == nil {
		return
	}
	p := pc.pool
	if p == nil && pc.Identity != nil {
		r.mu.RLock()
		lp, ok := r.pools[pc.Identity.Token()]
		r.mu.RUnlock()
		if ok {
			p = lp.pool.Load()
		}
	}
	if p == nil {
		r.logger.Warn("Disposing handle returned to a missing pool",
			zap.String("handle_id", pc.Handle.ID().String()),
		)
		if err := pc.Handle.Dispose(); err != nil {
			r.logger.Warn("Failed to dispose ERP handle", zap.Error(err))
		}
		return
	}
	p.Release(pc.Handle)
}

// Warmup creates the identity's pool and starts its warm-up creations
// without acquiring a handle.
func (r *Registry) Warmup(ctx context.Context, id *erp.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.pool(id)
	return err
}

// Authenticate reports whether a handle can be obtained for id. The handle
// is released immediately. Without a deadline on ctx the wait is bounded by
// the configured WaitTimeout.
func (r *Registry) Authenticate(ctx context.Context, id *erp.Identity) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WaitTimeout)
		defer cancel()
	}

	pc, err := r.Get(ctx, id)
	if err != nil {
		r.logger.Info("ERP authentication failed",
			zap.Stringer("identity", id),
			zap.Error(err),
		)
		if id != nil {
			id.SetAuthenticated(false)
		}
		return false
	}
	r.Put(pc)
	id.SetAuthenticated(true)
	return true
}

// Stats returns a snapshot of every live pool, ordered by tenant and token.
func (r *Registry) Stats() []erp.PoolStats {
	r.mu.RLock()
	pools := make([]*ConnectionPool, 0, len(r.pools))
	for _, lp := range r.pools {
		if p := lp.pool.Load(); p != nil {
			pools = append(pools, p)
		}
	}
	r.mu.RUnlock()

	stats := make([]erp.PoolStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TenantID != stats[j].TenantID {
			return stats[i].TenantID < stats[j].TenantID
		}
		return stats[i].Token < stats[j].Token
	})
	return stats
}

// DisposeAll removes every pool from the registry and disposes it. Pools
// requested afterwards start fresh.
func (r *Registry) DisposeAll() error {
	r.mu.Lock()
	old := r.pools
	r.pools = make(map[string]*lazyPool)
	r.mu.Unlock()

	var errs []error
	for _, lp := range old {
		if p := lp.settle(); p != nil {
			if err := p.Dispose(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(old) > 0 {
		r.logger.Info("All connection pools disposed", zap.Int("pools", len(old)))
	}
	return errors.Join(errs...)
}
