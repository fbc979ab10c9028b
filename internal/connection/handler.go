// ABOUTME: Manages logical connections between tenants and capability servers.
// ABOUTME: Handles create/close/reconnect, exponential backoff, and periodic liveness sweeps.

package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/registry"
)

// ErrServerNotFound indicates the target server is not registered.
var ErrServerNotFound = errors.New("server not found")

// Options holds connection handler tuning. Zero values fall back to the
// documented defaults.
type Options struct {
	MaxReconnects    int           // reconnect attempts before giving up (default 5)
	HeartbeatSweep   time.Duration // heartbeat check interval (default 30s)
	ActivitySweep    time.Duration // idle-connection check interval (default 60s)
	HeartbeatTimeout time.Duration // silence before a server is flagged (default 120s)
	ConnectionIdle   time.Duration // inactivity before a connection closes (default 30m)
	BackoffUnit      time.Duration // base of the 2^n backoff (default 1s)
}

func (o *Options) applyDefaults() {
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.HeartbeatSweep == 0 {
		o.HeartbeatSweep = 30 * time.Second
	}
	if o.ActivitySweep == 0 {
		o.ActivitySweep = 60 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 120 * time.Second
	}
	if o.ConnectionIdle == 0 {
		o.ConnectionIdle = 30 * time.Minute
	}
	if o.BackoffUnit == 0 {
		o.BackoffUnit = time.Second
	}
}

// Handler manages tenant/server connections on top of the registry and emits
// lifecycle events on its Bus.
type Handler struct {
	registry *registry.Registry
	bus      *Bus
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	attempts   map[string]int         // connKey -> reconnect attempts
	timers     map[string]*time.Timer // connKey -> pending backoff timer
	monitoring bool
	done       chan struct{}
}

// NewHandler creates a connection handler.
func NewHandler(reg *registry.Registry, bus *Bus, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Handler{
		registry: reg,
		bus:      bus,
		opts:     opts,
		logger:   logger.With("component", "connections"),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Bus returns the event bus used for lifecycle events.
func (h *Handler) Bus() *Bus {
	return h.bus
}

func connKey(serverID, tenantID string) string {
	return serverID + "/" + tenantID
}

// CreateConnection registers an active connection for the pair, flips the
// server to connected, and emits a server.connected event.
// Returns ErrServerNotFound if the server is not registered.
func (h *Handler) CreateConnection(serverID, tenantID string) error {
	if _, ok := h.registry.GetServer(serverID); !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	h.registry.AddConnection(&mcp.Connection{
		ServerID:     serverID,
		TenantID:     tenantID,
		Active:       true,
		LastActivity: time.Now(),
	})
	h.registry.UpdateServerStatus(serverID, mcp.StatusConnected)

	h.logger.Debug("connection created", "server_id", serverID, "tenant_id", tenantID)
	h.bus.Publish(Event{Type: EventServerConnected, ServerID: serverID, TenantID: tenantID})
	return nil
}

// CloseConnection marks the connection inactive, removes it, and flips the
// server to disconnected if it was the last active connection. No-op if the
// connection does not exist.
func (h *Handler) CloseConnection(serverID, tenantID string) {
	conn := h.registry.GetConnection(serverID, tenantID)
	if conn == nil {
		return
	}
	conn.Active = false
	h.registry.RemoveConnection(serverID, tenantID)

	remaining := 0
	for _, c := range h.registry.ConnectionsForServer(serverID) {
		if c.Active {
			remaining++
		}
	}
	if remaining == 0 {
		h.registry.UpdateServerStatus(serverID, mcp.StatusDisconnected)
	}

	h.logger.Debug("connection closed", "server_id", serverID, "tenant_id", tenantID)
	h.bus.Publish(Event{Type: EventServerDisconnected, ServerID: serverID, TenantID: tenantID})
}

// Reconnect closes and recreates the connection. On failure it increments the
// pair's reconnect counter and returns false; it never returns an error to the
// caller.
func (h *Handler) Reconnect(serverID, tenantID string) bool {
	h.CloseConnection(serverID, tenantID)

	if err := h.CreateConnection(serverID, tenantID); err != nil {
		h.mu.Lock()
		h.attempts[connKey(serverID, tenantID)]++
		attempts := h.attempts[connKey(serverID, tenantID)]
		h.mu.Unlock()

		h.logger.Warn("reconnect failed",
			"server_id", serverID,
			"tenant_id", tenantID,
			"attempts", attempts,
			"error", err,
		)
		return false
	}

	h.mu.Lock()
	delete(h.attempts, connKey(serverID, tenantID))
	h.mu.Unlock()
	return true
}

// ReconnectAttempts returns the current attempt count for the pair.
func (h *Handler) ReconnectAttempts(serverID, tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[connKey(serverID, tenantID)]
}

// HandleConnectionError records a connection failure: bumps the server's error
// count, sets its status to error, emits server.error, and schedules a
// reconnect after 2^attempts backoff units while under the attempt cap.
func (h *Handler) HandleConnectionError(serverID, tenantID string, connErr error) {
	h.registry.IncrementErrorCount(serverID)
	h.registry.UpdateServerStatus(serverID, mcp.StatusError)

	msg := ""
	if connErr != nil {
		msg = connErr.Error()
	}
	h.bus.Publish(Event{Type: EventServerError, ServerID: serverID, TenantID: tenantID, Error: msg})

	key := connKey(serverID, tenantID)
	h.mu.Lock()
	defer h.mu.Unlock()

	attempts := h.attempts[key]
	if attempts >= h.opts.MaxReconnects {
		h.logger.Warn("reconnect attempts exhausted",
			"server_id", serverID,
			"tenant_id", tenantID,
			"attempts", attempts,
		)
		return
	}
	if _, pending := h.timers[key]; pending {
		return
	}

	delay := h.opts.BackoffUnit * (1 << attempts)
	h.attempts[key] = attempts + 1
	h.timers[key] = time.AfterFunc(delay, func() {
		h.mu.Lock()
		delete(h.timers, key)
		h.mu.Unlock()
		h.Reconnect(serverID, tenantID)
	})

	h.logger.Info("reconnect scheduled",
		"server_id", serverID,
		"tenant_id", tenantID,
		"attempt", attempts+1,
		"delay", delay,
	)
}

// StartMonitoring launches the heartbeat and activity sweeps.
// Safe to call while already monitoring.
func (h *Handler) StartMonitoring() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.monitoring {
		return
	}
	h.monitoring = true
	h.done = make(chan struct{})
	go h.monitor(h.done)

	h.logger.Info("connection monitoring started",
		"heartbeat_sweep", h.opts.HeartbeatSweep,
		"activity_sweep", h.opts.ActivitySweep,
	)
}

// StopMonitoring stops the periodic sweeps. Safe to call when not monitoring.
func (h *Handler) StopMonitoring() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.monitoring {
		return
	}
	h.monitoring = false
	close(h.done)
}

func (h *Handler) monitor(done <-chan struct{}) {
	heartbeat := time.NewTicker(h.opts.HeartbeatSweep)
	activity := time.NewTicker(h.opts.ActivitySweep)
	defer heartbeat.Stop()
	defer activity.Stop()

	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			h.sweepHeartbeats()
		case <-activity.C:
			h.sweepActivity()
		}
	}
}

// sweepHeartbeats flags servers silent beyond the heartbeat timeout as
// disconnected and notifies every tenant connected to them.
func (h *Handler) sweepHeartbeats() {
	now := time.Now()
	for _, info := range h.registry.AllServers() {
		if info.Status != mcp.StatusConnected {
			continue
		}
		if now.Sub(info.LastHeartbeat) <= h.opts.HeartbeatTimeout {
			continue
		}

		h.logger.Warn("server heartbeat timed out",
			"server_id", info.ID,
			"last_heartbeat", info.LastHeartbeat,
		)
		conns := h.registry.ConnectionsForServer(info.ID)
		h.registry.UpdateServerStatus(info.ID, mcp.StatusDisconnected)
		for _, conn := range conns {
			h.bus.Publish(Event{
				Type:     EventServerDisconnected,
				ServerID: info.ID,
				TenantID: conn.TenantID,
			})
		}
	}
}

// sweepActivity closes connections idle beyond the cutoff, then runs registry
// cleanup.
func (h *Handler) sweepActivity() {
	now := time.Now()
	for _, conn := range h.registry.ActiveConnections() {
		if now.Sub(conn.LastActivity) > h.opts.ConnectionIdle {
			h.logger.Info("closing idle connection",
				"server_id", conn.ServerID,
				"tenant_id", conn.TenantID,
				"idle", now.Sub(conn.LastActivity).Round(time.Second),
			)
			h.CloseConnection(conn.ServerID, conn.TenantID)
		}
	}
	h.registry.Cleanup()
}

// Shutdown stops monitoring, cancels pending reconnects, and force-closes
// every active connection.
func (h *Handler) Shutdown() {
	h.StopMonitoring()

	h.mu.Lock()
	for key, timer := range h.timers {
		timer.Stop()
		delete(h.timers, key)
	}
	h.mu.Unlock()

	for _, conn := range h.registry.ActiveConnections() {
		h.CloseConnection(conn.ServerID, conn.TenantID)
	}

	h.logger.Info("connection handler shut down")
}
