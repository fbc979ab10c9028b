// ABOUTME: Capability broker orchestrating server lifecycle and request dispatch.
// ABOUTME: Last line of defense below the isolation layer; every failure becomes a structured response.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/connection"
	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/registry"
	"github.com/2389/mcp-broker/internal/server"
)

// ErrServerNotFound indicates the request named an unregistered server.
var ErrServerNotFound = errors.New("server not found")

// ErrNoActiveConnection indicates the tenant has no active connection to the server.
var ErrNoActiveConnection = errors.New("no active connection")

// Factory builds a capability server from its tuning.
type Factory func(cfg mcp.ServerConfig, logger *slog.Logger) server.Server

// Broker routes capability requests to registered servers and owns their
// lifecycle. Construct one per process in the composition root; Initialize is
// idempotent and Shutdown cascades to the connection handler and registry.
type Broker struct {
	cfg      *config.Config
	registry *registry.Registry
	conns    *connection.Handler
	logger   *slog.Logger

	mu          sync.Mutex
	factories   map[mcp.ServerType]Factory
	servers     map[string]server.Server // serverID -> instance
	initialized bool
	heartbeats  chan struct{} // closed on Shutdown to stop the heartbeat loops
}

// New creates a broker wired to the given registry and connection handler,
// with the three core server factories pre-registered.
func New(cfg *config.Config, reg *registry.Registry, conns *connection.Handler, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		cfg:       cfg,
		registry:  reg,
		conns:     conns,
		logger:    logger.With("component", "broker"),
		factories: make(map[mcp.ServerType]Factory),
		servers:   make(map[string]server.Server),
	}

	// Static type -> factory mapping, resolved here rather than via any
	// dynamic loading.
	b.factories[mcp.ServerTypeMemory] = func(cfg mcp.ServerConfig, logger *slog.Logger) server.Server {
		return server.NewMemoryServer(cfg, logger)
	}
	b.factories[mcp.ServerTypeFetch] = func(cfg mcp.ServerConfig, logger *slog.Logger) server.Server {
		return server.NewFetchServer(cfg, logger)
	}
	b.factories[mcp.ServerTypeTasks] = func(cfg mcp.ServerConfig, logger *slog.Logger) server.Server {
		return server.NewTaskServer(cfg, logger)
	}
	return b
}

// RegisterFactory adds or replaces the factory for a server type.
// Must be called before Initialize.
func (b *Broker) RegisterFactory(t mcp.ServerType, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[t] = f
}

// serverTuning maps a server type to its configured tuning.
func (b *Broker) serverTuning(t mcp.ServerType) mcp.ServerConfig {
	var sc config.CapabilityServerConfig
	switch t {
	case mcp.ServerTypeMemory:
		sc = b.cfg.Servers.Memory
	case mcp.ServerTypeFetch:
		sc = b.cfg.Servers.Fetch
	case mcp.ServerTypeTasks:
		sc = b.cfg.Servers.Tasks
	}
	return mcp.ServerConfig{
		RetryCount:         sc.RetryCount,
		HeartbeatInterval:  sc.HeartbeatInterval,
		Timeout:            sc.Timeout,
		RateLimitPerMinute: sc.RateLimitPerMinute,
	}
}

// Initialize builds and registers the core servers and starts connection
// monitoring. Per-server init failures are logged without aborting the rest.
// Subsequent calls are no-ops once ready.
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}
	b.heartbeats = make(chan struct{})

	for serverType, factory := range b.factories {
		srv := factory(b.serverTuning(serverType), b.logger)
		info := srv.Describe()

		if err := srv.Initialize(ctx); err != nil {
			b.logger.Error("server initialization failed",
				"server_id", info.ID,
				"type", serverType,
				"error", err,
			)
			info.Status = mcp.StatusError
			if regErr := b.registry.RegisterServer(info); regErr != nil {
				b.logger.Error("server registration failed", "server_id", info.ID, "error", regErr)
			}
			continue
		}

		if err := b.registry.RegisterServer(info); err != nil {
			b.logger.Error("server registration failed", "server_id", info.ID, "error", err)
			continue
		}
		b.registry.UpdateServerStatus(info.ID, mcp.StatusConnected)
		b.servers[info.ID] = srv
		go b.heartbeatLoop(info.ID, info.Config.HeartbeatInterval, b.heartbeats)
	}

	b.conns.StartMonitoring()
	b.initialized = true

	b.logger.Info("broker initialized", "servers", len(b.servers))
	return nil
}

// heartbeatLoop refreshes an in-process server's heartbeat at its configured
// interval. Without it, idle servers would be flagged stale by the heartbeat
// sweep even though they are ready to serve.
func (b *Broker) heartbeatLoop(serverID string, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.registry.TouchServer(serverID)
		}
	}
}

// Ready reports whether Initialize has completed.
func (b *Broker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// CreateTenantEnvironment opens one connection per registered server for the
// tenant and initializes its memory context.
func (b *Broker) CreateTenantEnvironment(ctx context.Context, tenantID string) error {
	if !b.Ready() {
		return fmt.Errorf("broker not initialized")
	}

	connected := 0
	for _, info := range b.registry.AllServers() {
		if err := b.conns.CreateConnection(info.ID, tenantID); err != nil {
			b.logger.Warn("tenant connection failed",
				"server_id", info.ID,
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("no servers available for tenant %s", tenantID)
	}

	// Seed the tenant's memory context; failure here is not fatal.
	resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "initializeTenant", tenantID, map[string]any{
		"tenant_id": tenantID,
	}))
	if !resp.Success {
		b.logger.Warn("tenant memory initialization failed",
			"tenant_id", tenantID,
			"error", resp.Error,
		)
	}

	b.logger.Info("tenant environment created", "tenant_id", tenantID, "connections", connected)
	return nil
}

// ExecuteRequest dispatches a request to its server and wraps the outcome in
// the standard envelope. It never returns an error: every failure is an
// unsuccessful Response.
func (b *Broker) ExecuteRequest(ctx context.Context, req *mcp.Request) *mcp.Response {
	start := time.Now()

	b.mu.Lock()
	srv, ok := b.servers[req.ServerID]
	b.mu.Unlock()
	if !ok {
		return failure(req, start, fmt.Errorf("%w: %s", ErrServerNotFound, req.ServerID))
	}

	conn := b.registry.GetConnection(req.ServerID, req.TenantID)
	if conn == nil || !conn.Active {
		return failure(req, start, fmt.Errorf("%w: server %s, tenant %s",
			ErrNoActiveConnection, req.ServerID, req.TenantID))
	}
	b.registry.TouchConnection(req.ServerID, req.TenantID)

	data, err := srv.Handle(ctx, req)
	// The server answered, so its heartbeat is fresh regardless of the outcome.
	b.registry.TouchServer(req.ServerID)
	if err != nil {
		b.registry.IncrementErrorCount(req.ServerID)
		b.logger.Debug("capability call failed",
			"server_id", req.ServerID,
			"capability", req.Capability,
			"error", err,
		)
		return failure(req, start, err)
	}

	return &mcp.Response{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		Success:       true,
		Data:          data,
		Timestamp:     time.Now(),
		ExecutionTime: time.Since(start),
	}
}

func failure(req *mcp.Request, start time.Time, err error) *mcp.Response {
	return &mcp.Response{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		Success:       false,
		Error:         err.Error(),
		Timestamp:     time.Now(),
		ExecutionTime: time.Since(start),
	}
}

// CloseTenantConnections closes every connection the tenant currently holds.
func (b *Broker) CloseTenantConnections(tenantID string) {
	for _, conn := range b.registry.TenantConnections(tenantID) {
		b.conns.CloseConnection(conn.ServerID, conn.TenantID)
	}
}

// ServerStatus returns the registry descriptor for a server.
func (b *Broker) ServerStatus(id string) (*mcp.ServerInfo, bool) {
	return b.registry.GetServer(id)
}

// ServerCapabilities returns a server's capability list, or nil if unknown.
func (b *Broker) ServerCapabilities(id string) []mcp.Capability {
	info, ok := b.registry.GetServer(id)
	if !ok {
		return nil
	}
	return info.Capabilities
}

// TenantServers returns the servers the tenant holds an active connection to.
func (b *Broker) TenantServers(tenantID string) []*mcp.ServerInfo {
	var servers []*mcp.ServerInfo
	for _, conn := range b.registry.TenantConnections(tenantID) {
		if !conn.Active {
			continue
		}
		if info, ok := b.registry.GetServer(conn.ServerID); ok {
			servers = append(servers, info)
		}
	}
	return servers
}

// Registry exposes the underlying registry for read-only projections.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Healthy reports the aggregate verdict: broker ready and every server connected.
func (b *Broker) Healthy() bool {
	if !b.Ready() {
		return false
	}
	servers := b.registry.AllServers()
	if len(servers) == 0 {
		return false
	}
	for _, info := range servers {
		if info.Status != mcp.StatusConnected {
			return false
		}
	}
	return true
}

// Shutdown cascades teardown through the connection handler, servers, and
// registry, tolerating and logging sub-component failures.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return
	}
	b.initialized = false
	close(b.heartbeats)
	servers := b.servers
	b.servers = make(map[string]server.Server)
	b.mu.Unlock()

	b.conns.Shutdown()

	for id, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			b.logger.Error("server shutdown failed", "server_id", id, "error", err)
		}
	}

	b.registry.Close()
	b.logger.Info("broker shut down")
}
