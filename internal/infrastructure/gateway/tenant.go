package gateway

import (
	"context"

	"github.com/erp/connector/internal/infrastructure/logger"
	"gorm.io/gorm"
)

// TenantScope applies tenant filtering to GORM queries
func TenantScope(tenantID string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

// TenantDB is the tenant-scoped database component of a handle. Every call
// runs on the handle's pinned connection, reopening it when it was closed.
type TenantDB struct {
	h            *Handle
	tenantID     string
	businessUnit string
}

// TenantID returns the tenant every scoped query is filtered by.
func (t *TenantDB) TenantID() string { return t.tenantID }

// BusinessUnit returns the business unit of the logged-in identity.
func (t *TenantDB) BusinessUnit() string { return t.businessUnit }

// Scoped returns a GORM DB filtered to the handle's tenant. Connection
// failures surface as the returned DB's Error.
func (t *TenantDB) Scoped(ctx context.Context) *gorm.DB {
	return t.Unscoped(ctx).Scopes(TenantScope(t.tenantID))
}

// Unscoped returns a GORM DB on the handle's connection without the tenant
// filter. Use it only for statements that carry their own tenant condition.
func (t *TenantDB) Unscoped(ctx context.Context) *gorm.DB {
	ctx, _ = logger.WithTenantID(ctx, logger.FromContext(ctx), t.tenantID)
	db, err := t.h.session(ctx)
	if err != nil {
		db = t.h.factory.db.WithContext(ctx)
		_ = db.AddError(err)
	}
	return db
}

// Transaction runs fn in a transaction on the handle's connection with the
// tenant filter applied.
func (t *TenantDB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return t.Unscoped(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx.Scopes(TenantScope(t.tenantID)))
	})
}
