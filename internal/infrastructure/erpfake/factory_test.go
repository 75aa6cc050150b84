package erpfake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T, password string) *erp.Identity {
	t.Helper()
	id, err := erp.NewIdentity(erp.Credentials{TenantID: "t1", Username: "admin", Password: password})
	require.NoError(t, err)
	return id
}

type greeter interface{ Greet() string }

type greeterImpl struct{ h *Handle }

func (g greeterImpl) Greet() string { return "hello " + g.h.ID().String() }

func TestFactory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := New()
	id := newIdentity(t, "secret")

	h, err := f.Create(ctx)
	require.NoError(t, err)
	assert.False(t, h.IsOpen(), "Create must not touch the backend session")
	assert.Equal(t, int64(1), f.Creates())

	require.NoError(t, f.Login(ctx, h, id))
	assert.True(t, id.IsAuthenticated())
	assert.True(t, h.IsOpen())
	assert.Same(t, id, h.Context().Identity())
	tenant, ok := h.Context().Resource("tenant_id")
	assert.True(t, ok)
	assert.Equal(t, "t1", tenant)

	require.NoError(t, f.Validate(h))
	f.EnableCaching(h)
	assert.True(t, h.(*Handle).CachingEnabled())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.False(t, h.IsOpen())
	assert.Equal(t, int64(2), h.(*Handle).Closes())

	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())
	assert.True(t, h.(*Handle).IsDisposed())
}

func TestFactory_LoginFailure(t *testing.T) {
	ctx := context.Background()
	f := New(WithPassword("right"))
	id := newIdentity(t, "wrong")

	h, err := f.Create(ctx)
	require.NoError(t, err)

	err = f.Login(ctx, h, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, erp.ErrBackendLogin)
	assert.False(t, id.IsAuthenticated())
	assert.Equal(t, int64(1), f.FailedLogins())
	assert.ErrorIs(t, f.Validate(h), erp.ErrBackendValidation)

	f.SetLoginFunc(nil)
	require.NoError(t, f.Login(ctx, h, id))
	assert.True(t, id.IsAuthenticated())
}

func TestFactory_ValidationMessage(t *testing.T) {
	ctx := context.Background()
	f := New(WithMessage(erp.Message{Level: erp.LevelError, Text: "license expired"}))
	id := newIdentity(t, "secret")

	h, err := f.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Login(ctx, h, id))

	err = f.Validate(h)
	require.Error(t, err)
	assert.ErrorIs(t, err, erp.ErrBackendValidation)
	assert.Contains(t, err.Error(), "license expired")
}

func TestFactory_Components(t *testing.T) {
	ctx := context.Background()
	f := New(WithComponent(func(h *Handle) greeter { return greeterImpl{h: h} }))
	h, err := f.Create(ctx)
	require.NoError(t, err)

	t.Run("registered component reopens the connection", func(t *testing.T) {
		c, err := h.CreateComponent(ctx, erp.ComponentType[greeter]())
		require.NoError(t, err)
		g, ok := c.(greeter)
		require.True(t, ok)
		assert.Contains(t, g.Greet(), h.ID().String())
		assert.True(t, h.IsOpen())
		assert.Equal(t, int64(1), h.(*Handle).Reopens())
	})

	t.Run("health checker is always available", func(t *testing.T) {
		c, err := h.CreateComponent(ctx, erp.ComponentType[erp.HealthChecker]())
		require.NoError(t, err)
		assert.NoError(t, c.(erp.HealthChecker).Ping(ctx))
	})

	t.Run("unknown component", func(t *testing.T) {
		_, err := h.CreateComponent(ctx, erp.ComponentType[interface{ Nope() }]())
		assert.ErrorIs(t, err, erp.ErrUnknownComponent)
	})

	t.Run("caching memoizes components", func(t *testing.T) {
		f.EnableCaching(h)
		a, err := h.CreateComponent(ctx, erp.ComponentType[greeter]())
		require.NoError(t, err)
		b, err := h.CreateComponent(ctx, erp.ComponentType[greeter]())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("disposed handle refuses components", func(t *testing.T) {
		require.NoError(t, h.Dispose())
		_, err := h.CreateComponent(ctx, erp.ComponentType[greeter]())
		assert.Error(t, err)
	})
}

func TestFactory_MaxConcurrentLogins(t *testing.T) {
	ctx := context.Background()
	f := New(WithLoginDelay(20 * time.Millisecond))
	id := newIdentity(t, "secret")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.Create(ctx)
			assert.NoError(t, err)
			assert.NoError(t, f.Login(ctx, h, id))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4), f.Logins())
	assert.Greater(t, f.MaxConcurrentLogins(), int64(1), "unserialized logins overlap")
	assert.Len(t, f.Handles(), 4)
}

func TestFactory_CreateHonoursContext(t *testing.T) {
	f := New(WithCreateDelay(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Create(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.Creates())
}
