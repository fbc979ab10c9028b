// Package connection manages the logical links between tenants and capability
// servers.
//
// # Handler
//
// The Handler creates, closes, and reconnects (server, tenant) connections on
// top of the registry:
//
//	bus := connection.NewBus(logger)
//	h := connection.NewHandler(reg, bus, connection.Options{}, logger)
//
// Key operations:
//
//   - CreateConnection(serverID, tenantID): register an active connection
//   - CloseConnection(serverID, tenantID): mark inactive and remove
//   - Reconnect(serverID, tenantID): close then recreate, never throws
//   - HandleConnectionError(...): record failure, schedule backoff reconnect
//   - StartMonitoring() / StopMonitoring(): periodic liveness sweeps
//   - Shutdown(): stop sweeps and force-close everything
//
// # Backoff
//
// Failed connections are retried after 2^attempts backoff units (1s base),
// capped at 5 attempts. A successful reconnect resets the counter.
//
// # Sweeps
//
// Two independent periodic sweeps run while monitoring:
//
//	heartbeat (30s): servers silent for >120s are flagged disconnected and a
//	  disconnection event is emitted to every tenant connected to them
//	activity (60s): connections idle for >30m are closed, then registry
//	  cleanup runs
//
// # Events
//
// Lifecycle changes publish server.connected, server.disconnected, and
// server.error events on the Bus. Handler panics are recovered and logged.
package connection
