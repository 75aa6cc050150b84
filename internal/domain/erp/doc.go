// Package erp contains the ERP connection bounded context.
// It defines the types shared by the connection pool and the backend adapters.
//
// Key concepts:
//   - Identity: tenant/login context whose Token keys exactly one pool
//   - Handle: one authenticated session to the ERP backend
//   - ConnectionFactory: port through which handles are created and logged in
//   - PoolStats: point-in-time statistics for one pool
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (the SQL gateway and the in-memory fake) are in the infrastructure layer
package erp
