// Package authcache remembers identities that recently authenticated so
// repeated checks skip the connection pool.
package authcache

import (
	"context"
	"time"
)

// Store records successful authentications by pool token.
type Store interface {
	// Remember records token for ttl. It reports false if it was already recorded.
	Remember(ctx context.Context, token string, ttl time.Duration) (bool, error)
	// Recall reports whether token is recorded and not expired.
	Recall(ctx context.Context, token string) (bool, error)
	// Forget removes token.
	Forget(ctx context.Context, token string) error
	Close() error
}

// DefaultKeyPrefix namespaces auth cache keys in a shared Redis.
const DefaultKeyPrefix = "erp:auth:"
