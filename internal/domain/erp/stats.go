package erp

import "time"

// PoolStats is a point-in-time view of one connection pool.
type PoolStats struct {
	Token    string
	TenantID string

	// Total is the number of handles admitted and not yet disposed.
	Total     int
	Available int
	InUse     int
	// Waiters is the number of Acquire calls currently blocked.
	Waiters int

	WaitCount      int64         // Total number of Acquire calls that had to wait.
	WaitDuration   time.Duration // Total time spent waiting.
	CreateFailures int64         // Total number of failed handle creations.
	IdleClosed     int64         // Total number of handles disposed by the idle sweep.
	AgedClosed     int64         // Total number of handles disposed for exceeding the maximum age.
	Unhealthy      int64         // Total number of handles disposed after a failed health check.
	Disposed       bool
}
