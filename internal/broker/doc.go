// ABOUTME: Package documentation for the capability broker.
// ABOUTME: Explains the dispatch envelope and lifecycle ownership.

// Package broker instantiates the capability servers, registers them with the
// registry, and dispatches tenant requests to them.
//
// The broker is deliberately boring about failure: ExecuteRequest never
// returns a Go error. Unknown servers, missing connections, and handler
// failures all come back as an unsuccessful mcp.Response so callers upstream
// (the isolation layer, the HTTP surface) deal with exactly one shape.
//
// Lifecycle flows downward. Initialize builds each server from its factory,
// tolerating per-server failures, and starts connection monitoring; Shutdown
// cascades through the connection handler, the servers, and the registry.
package broker
