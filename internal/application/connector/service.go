// Package connector is the entry point callers use to run work against the
// ERP backend: authentication with a shared cache and scoped units of work.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/authcache"
	"github.com/erp/connector/internal/infrastructure/erppool"
	"github.com/erp/connector/internal/infrastructure/logger"
	"github.com/erp/connector/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ServiceConfig contains configuration for the connector service
type ServiceConfig struct {
	// AuthCacheTTL is how long a successful authentication is remembered.
	AuthCacheTTL time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{AuthCacheTTL: 5 * time.Minute}
}

// Service runs units of work for identities through the pool registry.
type Service struct {
	registry *erppool.Registry
	cache    authcache.Store
	config   ServiceConfig
	logger   *zap.Logger
}

// NewService creates a connector service. cache may be nil.
func NewService(registry *erppool.Registry, cache authcache.Store, config ServiceConfig, logger *zap.Logger) *Service {
	if config.AuthCacheTTL <= 0 {
		config.AuthCacheTTL = DefaultServiceConfig().AuthCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		cache:    cache,
		config:   config,
		logger:   logger.Named("connector"),
	}
}

// Authenticate reports whether the credentials can log in to the backend.
// A cached success answers without touching the pool. Malformed credentials
// return ErrInvalidIdentity.
func (s *Service) Authenticate(ctx context.Context, creds erp.Credentials) (bool, error) {
	id, err := erp.NewIdentity(creds)
	if err != nil {
		return false, err
	}

	ctx, span := telemetry.StartSpan(ctx, "connector.authenticate",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, id.TenantID()))
	defer span.End()

	if s.cache != nil {
		hit, err := s.cache.Recall(ctx, id.Token())
		if err != nil {
			s.logger.Warn("Auth cache lookup failed", zap.String("tenant_id", id.TenantID()), zap.Error(err))
		}
		if hit {
			id.SetAuthenticated(true)
			telemetry.SetAttributes(span, "auth.cached", true)
			return true, nil
		}
	}

	ok := s.registry.Authenticate(ctx, id)
	telemetry.SetAttributes(span, "auth.cached", false, "auth.ok", ok)
	if s.cache == nil {
		return ok, nil
	}

	if ok {
		if _, err := s.cache.Remember(ctx, id.Token(), s.config.AuthCacheTTL); err != nil {
			s.logger.Warn("Failed to cache authentication", zap.String("tenant_id", id.TenantID()), zap.Error(err))
		}
	} else if err := s.cache.Forget(ctx, id.Token()); err != nil {
		s.logger.Warn("Failed to evict authentication", zap.String("tenant_id", id.TenantID()), zap.Error(err))
	}
	return ok, nil
}

// Do runs fn inside a scope for creds. The context passed to fn carries a
// request ID and a tenant-tagged logger.
func (s *Service) Do(ctx context.Context, creds erp.Credentials, fn func(ctx context.Context, sc *erppool.Scope) error) error {
	id, err := erp.NewIdentity(creds)
	if err != nil {
		return err
	}
	return s.DoAs(ctx, id, fn)
}

// DoAs is Do for an identity that already exists.
func (s *Service) DoAs(ctx context.Context, id *erp.Identity, fn func(ctx context.Context, sc *erppool.Scope) error) error {
	if err := id.Validate(); err != nil {
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, "connector.scope",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, id.TenantID()))
	defer span.End()

	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx, l := logger.WithTenantID(ctx, s.logger, id.TenantID())
	ctx, _ = logger.WithRequestID(ctx, l, requestID)

	start := time.Now()
	err := erppool.WithScope(ctx, s.registry, id, fn)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.L(ctx).Warn("Unit of work failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	telemetry.SetOK(span)
	logger.L(ctx).Debug("Unit of work completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Warmup creates the pools for creds ahead of the first request. Every
// identity is attempted; failures are joined.
func (s *Service) Warmup(ctx context.Context, creds ...erp.Credentials) error {
	var errs []error
	for _, c := range creds {
		id, err := erp.NewIdentity(c)
		if err == nil {
			err = s.registry.Warmup(ctx, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("warm up %s/%s: %w", c.TenantID, c.Username, err))
			continue
		}
		s.logger.Info("Tenant pool warmed", zap.String("tenant_id", id.TenantID()))
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every pool.
func (s *Service) Stats() []erp.PoolStats {
	return s.registry.Stats()
}

// Close disposes every pool and closes the auth cache.
func (s *Service) Close() error {
	err := s.registry.DisposeAll()
	if s.cache != nil {
		err = errors.Join(err, s.cache.Close())
	}
	return err
}
