// Package server implements the capability servers behind the broker.
//
// # Contract
//
// Every server implements the Server interface:
//
//   - Describe(): registry descriptor (ID, type, capabilities, config)
//   - Initialize(ctx): idempotent startup
//   - Capabilities(): the operations the server exposes
//   - Handle(ctx, req): execute one capability call
//   - Shutdown(ctx): bounded teardown
//
// Handle returns ErrUnknownCapability for unrecognized capability names. Any
// error it returns is caught at the broker boundary and converted into a
// failed response; servers never crash the process.
//
// # Implementations
//
// MemoryServer keeps per-(conversation, tenant) memory contexts with
// short-term (50) and long-term (200) tiers, importance-based routing,
// compaction, and retention sweeps.
//
// FetchServer simulates web fetching behind a TTL response cache (5 minutes,
// 1000 entries) with host block/allow lists and rate-limited upstream pacing.
//
// TaskServer queues browser-automation style jobs (screenshot, pdf, scrape,
// form-fill, monitor) with a concurrency cap of 3, a 2s dispatch ticker, and
// 5 minute finished-record retention for status polling.
//
// All backing behavior is simulated; real HTTP clients or browser drivers can
// be substituted behind the same interface without touching the broker or
// isolation layers.
package server
