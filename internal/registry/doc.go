// Package registry provides the in-memory catalog of capability servers,
// per-tenant connections, and per-tenant skills, along with health checks,
// statistics, and idle-connection cleanup. It performs no I/O; the only
// failure mode is not-found, represented as nil or a no-op.
package registry
