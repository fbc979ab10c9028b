// ABOUTME: Package documentation for skill persistence.
// ABOUTME: Describes the write-through model and the two implementations.

// Package store persists tenant skill definitions behind the SkillStore
// interface. The in-memory implementation is the default; the SQLite
// implementation carries skills across process restarts. Everything else in
// the broker (registry, memory contexts, metrics) is intentionally volatile.
package store
