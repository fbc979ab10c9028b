// ABOUTME: Package documentation for the tenant isolation layer.
// ABOUTME: Describes the sandbox model and the per-request enforcement sequence.

// Package isolation wraps the capability broker in a per-tenant sandbox.
//
// Every request runs through the same sequence: validate against the tenant's
// policy (allowed servers, blocked capabilities, concurrency and memory
// ceilings), charge the fixed-window rate limiter for the target server,
// execute via the broker, then redact sensitive fields and meter usage. The
// check-and-increment is serialized under the tenant's mutex, so concurrent
// bursts cannot slip past a ceiling between check and count.
//
// Rate windows are fixed, not sliding: the counter resets when a full window
// has elapsed since the window start. Exceeding the quota rejects the request
// outright; there is no queuing.
package isolation
