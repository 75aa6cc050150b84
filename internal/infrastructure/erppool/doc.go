// Package erppool maintains per-identity pools of ERP backend handles.
//
// A Registry owns at most one ConnectionPool per identity token. Callers
// borrow a handle through a Scope and give it back with Scope.Close:
//
//	scope, err := erppool.NewScope(ctx, registry, identity)
//	if err != nil {
//		return err
//	}
//	defer scope.Close()
//
//	checker, err := erppool.CreateComponent[erp.HealthChecker](ctx, scope)
//
// Pools grow without bound: every Acquire that finds the pool empty schedules
// exactly one background creation, so a pool settles at peak concurrent
// demand. Shrinking is opt-in through Config.IdleTimeout.
//
// Backend logins are serialized by a single mutex owned by the Registry and
// shared by all of its pools. Nothing else takes a process-wide lock.
package erppool
