package erppool

import (
	"context"
	"fmt"
	"sync"

	"github.com/erp/connector/internal/domain/erp"
)

type scopeState int

const (
	scopeUnacquired scopeState = iota
	scopeAcquired
	scopeReleased
)

// Scope is one unit of work holding a single handle. Close returns the
// handle; it is meant to be deferred right after NewScope.
type Scope struct {
	registry *Registry

	mu    sync.Mutex
	state scopeState
	pc    PoolContext
}

// NewScope acquires a handle for id from the registry.
func NewScope(ctx context.Context, r *Registry, id *erp.Identity) (*Scope, error) {
	s := &Scope{registry: r}
	pc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pc = pc
	s.state = scopeAcquired
	return s, nil
}

// WithScope runs fn inside a scope and closes it afterwards.
func WithScope(ctx context.Context, r *Registry, id *erp.Identity, fn func(ctx context.Context, s *Scope) error) error {
	s, err := NewScope(ctx, r, id)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// Fork acquires another independent handle for the same identity.
func (s *Scope) Fork(ctx context.Context) (*Scope, error) {
	id := s.Identity()
	if id == nil {
		return nil, erp.ErrScopeDisposed
	}
	return NewScope(ctx, s.registry, id)
}

// Identity returns the scope's identity, or nil after Close.
func (s *Scope) Identity() *erp.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc.Identity
}

// Handle returns the held handle, or nil after Close.
func (s *Scope) Handle() erp.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc.Handle
}

// Close closes the live connection and gives the handle back to its pool.
// It is idempotent.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.state != scopeAcquired {
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.pc = PoolContext{}
	s.state = scopeReleased
	s.mu.Unlock()

	err := pc.Handle.Close()
	s.registry.Put(pc)
	return err
}

// CreateComponent builds the backend component registered for type T on the
// scope's handle. It fails with ErrPoolDisposed once the handle's pool has
// been torn down.
func CreateComponent[T any](ctx context.Context, s *Scope) (T, error) {
	var zero T
	s.mu.Lock()
	h, p := s.pc.Handle, s.pc.pool
	s.mu.Unlock()
	if h == nil {
		return zero, erp.ErrScopeDisposed
	}
	if p != nil && p.isDisposed() {
		return zero, erp.ErrPoolDisposed
	}
	typ := erp.ComponentType[T]()
	v, err := h.CreateComponent(ctx, typ)
	if err != nil {
		if p != nil && p.isDisposed() {
			return zero, fmt.Errorf("%w: %w", erp.ErrPoolDisposed, err)
		}
		return zero, err
	}
	c, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %v returned %T", erp.ErrUnknownComponent, typ, v)
	}
	return c, nil
}
