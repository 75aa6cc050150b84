package erppool

import (
	"context"
	"errors"
	"testing"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/erpfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderReader interface{ Orders() []string }

type fakeOrders struct{ tenant string }

func (o fakeOrders) Orders() []string { return []string{o.tenant + "-1", o.tenant + "-2"} }

type unregistered interface{ Nope() }

func TestScope_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := erpfake.New(erpfake.WithComponent(func(h *erpfake.Handle) orderReader {
		return fakeOrders{tenant: h.Context().Identity().TenantID()}
	}))
	r := newTestRegistry(t, f, Config{WarmSize: 0})
	id := testIdentity(t, "t1", "secret")

	s, err := NewScope(ctx, r, id)
	require.NoError(t, err)
	assert.Same(t, id, s.Identity())
	require.NotNil(t, s.Handle())

	orders, err := CreateComponent[orderReader](ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1-1", "t1-2"}, orders.Orders())

	checker, err := CreateComponent[erp.HealthChecker](ctx, s)
	require.NoError(t, err)
	assert.NoError(t, checker.Ping(ctx))

	_, err = CreateComponent[unregistered](ctx, s)
	assert.ErrorIs(t, err, erp.ErrUnknownComponent)

	h := s.Handle()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")
	assert.False(t, h.IsOpen())
	assert.Nil(t, s.Handle())
	assert.Nil(t, s.Identity())

	_, err = CreateComponent[orderReader](ctx, s)
	assert.ErrorIs(t, err, erp.ErrScopeDisposed)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Available, "double close must not return the handle twice")
	assert.Equal(t, 0, stats[0].InUse)
}

func TestScope_CreateComponentAfterDisposeAll(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, erpfake.New(), Config{WarmSize: 1})

	s, err := NewScope(ctx, r, testIdentity(t, "t1", "secret"))
	require.NoError(t, err)
	_, err = CreateComponent[erp.HealthChecker](ctx, s)
	require.NoError(t, err)

	require.NoError(t, r.DisposeAll())

	_, err = CreateComponent[erp.HealthChecker](ctx, s)
	assert.ErrorIs(t, err, erp.ErrPoolDisposed)
	assert.NoError(t, s.Close())
}

func TestScope_Fork(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, erpfake.New(), Config{WarmSize: 1})

	s, err := NewScope(ctx, r, testIdentity(t, "t1", "secret"))
	require.NoError(t, err)
	defer s.Close()

	child, err := s.Fork(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s.Handle().ID(), child.Handle().ID())
	assert.Same(t, s.Identity(), child.Identity())
	require.NoError(t, child.Close())

	require.NoError(t, s.Close())
	_, err = s.Fork(ctx)
	assert.ErrorIs(t, err, erp.ErrScopeDisposed)
}

func TestWithScope(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, erpfake.New(), Config{WarmSize: 0})
	id := testIdentity(t, "t1", "secret")

	var held *Scope
	err := WithScope(ctx, r, id, func(ctx context.Context, s *Scope) error {
		held = s
		_, err := CreateComponent[erp.HealthChecker](ctx, s)
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, held.Handle(), "scope is closed when fn returns")

	boom := errors.New("boom")
	err = WithScope(ctx, r, id, func(context.Context, *Scope) error { return boom })
	assert.ErrorIs(t, err, boom)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].InUse)
}

func TestNewScope_Errors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, erpfake.New(erpfake.WithPassword("right")), Config{WarmSize: 0})

	_, err := NewScope(ctx, r, nil)
	assert.ErrorIs(t, err, erp.ErrInvalidIdentity)

	_, err = NewScope(ctx, r, testIdentity(t, "t1", "wrong"))
	assert.ErrorIs(t, err, erp.ErrBackendLogin)
}
