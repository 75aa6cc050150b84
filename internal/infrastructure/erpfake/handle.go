package erpfake

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/google/uuid"
)

// Handle is the fake backend session.
type Handle struct {
	id      uuid.UUID
	seq     int64
	factory *Factory

	open     atomic.Bool
	disposed atomic.Bool
	caching  atomic.Bool
	broken   atomic.Bool

	closes   atomic.Int64
	disposes atomic.Int64
	reopens  atomic.Int64

	mu         sync.Mutex
	message    erp.Message
	identity   *erp.Identity
	resources  map[string]any
	components map[reflect.Type]any
}

var _ erp.Handle = (*Handle)(nil)

func newHandle(f *Factory, seq int64) *Handle {
	return &Handle{
		id:         uuid.New(),
		seq:        seq,
		factory:    f,
		resources:  make(map[string]any),
		components: make(map[reflect.Type]any),
	}
}

func (h *Handle) login(id *erp.Identity, msg erp.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identity = id
	h.message = msg
	h.resources["tenant_id"] = id.TenantID()
	h.resources["business_unit"] = id.BusinessUnit()
	h.open.Store(true)
}

func (h *Handle) setMessage(msg erp.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = msg
}

// ID implements erp.Handle.
func (h *Handle) ID() uuid.UUID { return h.id }

// Seq is the 1-based creation order within the factory.
func (h *Handle) Seq() int64 { return h.seq }

// IsOpen implements erp.Handle.
func (h *Handle) IsOpen() bool { return h.open.Load() }

// IsDisposed reports whether Dispose has been called.
func (h *Handle) IsDisposed() bool { return h.disposed.Load() }

// CachingEnabled reports whether the factory enabled caching on this handle.
func (h *Handle) CachingEnabled() bool { return h.caching.Load() }

// Break makes every later health check ping fail.
func (h *Handle) Break() { h.broken.Store(true) }

// Closes returns how many times Close was called.
func (h *Handle) Closes() int64 { return h.closes.Load() }

// Disposes returns how many times Dispose was called.
func (h *Handle) Disposes() int64 { return h.disposes.Load() }

// Reopens returns how many times a backend call reopened the live connection.
func (h *Handle) Reopens() int64 { return h.reopens.Load() }

// Message implements erp.Handle.
func (h *Handle) Message() erp.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

// Context implements erp.Handle.
func (h *Handle) Context() erp.BackendContext { return backendContext{h: h} }

// CreateComponent implements erp.Handle.
func (h *Handle) CreateComponent(ctx context.Context, typ reflect.Type) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.disposed.Load() {
		return nil, fmt.Errorf("fake handle %s: disposed", h.id)
	}
	h.ensureOpen()

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.components[typ]; ok {
		return c, nil
	}
	ctor, ok := h.factory.components[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %v", erp.ErrUnknownComponent, typ)
	}
	c := ctor(h)
	if h.caching.Load() {
		h.components[typ] = c
	}
	return c, nil
}

func (h *Handle) ensureOpen() {
	if h.open.CompareAndSwap(false, true) {
		h.reopens.Add(1)
	}
}

// Close implements erp.Handle.
func (h *Handle) Close() error {
	if d := h.factory.closeDelay; d > 0 {
		time.Sleep(d)
	}
	h.closes.Add(1)
	h.open.Store(false)
	return nil
}

// Dispose implements erp.Handle.
func (h *Handle) Dispose() error {
	h.disposes.Add(1)
	if h.disposed.Swap(true) {
		return nil
	}
	h.open.Store(false)
	return nil
}

type backendContext struct{ h *Handle }

func (c backendContext) Identity() *erp.Identity {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.h.identity
}

func (c backendContext) Resource(name string) (any, bool) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	v, ok := c.h.resources[name]
	return v, ok
}

type healthChecker struct{ h *Handle }

func (c healthChecker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.h.IsDisposed() {
		return fmt.Errorf("fake handle %s: disposed", c.h.id)
	}
	if c.h.broken.Load() {
		return fmt.Errorf("fake handle %s: connection reset", c.h.id)
	}
	c.h.ensureOpen()
	return nil
}
