// Package erpfake provides an in-memory ConnectionFactory.
//
// It is used by tests throughout the module and by the connector host when
// backend.driver is "fake". It counts every call, detects concurrent logins
// and supports failure injection.
package erpfake

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/connector/internal/domain/erp"
)

// Option configures a Factory.
type Option func(*Factory)

// WithCreateDelay slows down Create.
func WithCreateDelay(d time.Duration) Option {
	return func(f *Factory) { f.createDelay = d }
}

// WithLoginDelay slows down Login; useful to widen race windows.
func WithLoginDelay(d time.Duration) Option {
	return func(f *Factory) { f.loginDelay = d }
}

// WithCloseDelay slows down Handle.Close.
func WithCloseDelay(d time.Duration) Option {
	return func(f *Factory) { f.closeDelay = d }
}

// WithPassword makes Login fail for any identity whose password differs.
func WithPassword(password string) Option {
	return func(f *Factory) {
		f.SetLoginFunc(func(id *erp.Identity) error {
			if id.Password() != password {
				return fmt.Errorf("invalid credentials for %s", id)
			}
			return nil
		})
	}
}

// WithMessage sets the message every logged-in handle carries.
func WithMessage(msg erp.Message) Option {
	return func(f *Factory) { f.message = msg }
}

// WithComponent registers a constructor for component type T.
func WithComponent[T any](fn func(h *Handle) T) Option {
	return func(f *Factory) {
		f.components[erp.ComponentType[T]()] = func(h *Handle) any { return fn(h) }
	}
}

// Factory is an in-memory erp.ConnectionFactory.
type Factory struct {
	createDelay time.Duration
	loginDelay  time.Duration
	closeDelay  time.Duration
	message     erp.Message
	components  map[reflect.Type]func(*Handle) any

	loginMu sync.RWMutex
	loginFn func(*erp.Identity) error

	mu      sync.Mutex
	handles []*Handle

	creates      atomic.Int64
	logins       atomic.Int64
	failedLogins atomic.Int64
	caching      atomic.Int64

	activeLogins    atomic.Int64
	maxActiveLogins atomic.Int64
}

var _ erp.ConnectionFactory = (*Factory)(nil)

// New creates a Factory. Every handle supports erp.HealthChecker.
func New(opts ...Option) *Factory {
	f := &Factory{
		components: make(map[reflect.Type]func(*Handle) any),
	}
	f.components[erp.ComponentType[erp.HealthChecker]()] = func(h *Handle) any { return healthChecker{h: h} }
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetLoginFunc replaces the login check at runtime. A nil fn accepts every identity.
func (f *Factory) SetLoginFunc(fn func(*erp.Identity) error) {
	f.loginMu.Lock()
	defer f.loginMu.Unlock()
	f.loginFn = fn
}

// Create implements erp.ConnectionFactory.
func (f *Factory) Create(ctx context.Context) (erp.Handle, error) {
	if err := sleep(ctx, f.createDelay); err != nil {
		return nil, err
	}
	n := f.creates.Add(1)
	h := newHandle(f, n)

	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// Login implements erp.ConnectionFactory.
func (f *Factory) Login(ctx context.Context, h erp.Handle, id *erp.Identity) error {
	active := f.activeLogins.Add(1)
	defer f.activeLogins.Add(-1)
	for {
		maxSeen := f.maxActiveLogins.Load()
		if active <= maxSeen || f.maxActiveLogins.CompareAndSwap(maxSeen, active) {
			break
		}
	}

	f.logins.Add(1)
	if err := sleep(ctx, f.loginDelay); err != nil {
		return err
	}

	fh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %T", erp.ErrBackendLogin, h)
	}

	f.loginMu.RLock()
	fn := f.loginFn
	f.loginMu.RUnlock()
	if fn != nil {
		if err := fn(id); err != nil {
			f.failedLogins.Add(1)
			fh.setMessage(erp.Message{Level: erp.LevelError, Text: err.Error()})
			return fmt.Errorf("%w: %v", erp.ErrBackendLogin, err)
		}
	}

	fh.login(id, f.message)
	id.SetAuthenticated(true)
	return nil
}

// Validate implements erp.ConnectionFactory.
func (f *Factory) Validate(h erp.Handle) error {
	return erp.ValidateMessage(h)
}

// EnableCaching implements erp.ConnectionFactory.
func (f *Factory) EnableCaching(h erp.Handle) {
	if fh, ok := h.(*Handle); ok {
		fh.caching.Store(true)
		f.caching.Add(1)
	}
}

// Creates returns the number of Create calls.
func (f *Factory) Creates() int64 { return f.creates.Load() }

// Logins returns the number of Login calls.
func (f *Factory) Logins() int64 { return f.logins.Load() }

// FailedLogins returns the number of rejected logins.
func (f *Factory) FailedLogins() int64 { return f.failedLogins.Load() }

// MaxConcurrentLogins returns the highest number of Login calls observed in flight at once.
func (f *Factory) MaxConcurrentLogins() int64 { return f.maxActiveLogins.Load() }

// Handles returns every handle created so far, in creation order.
func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Handle, len(f.handles))
	copy(out, f.handles)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
