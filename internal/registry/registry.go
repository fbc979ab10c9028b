// ABOUTME: Thread-safe in-memory registry of capability servers, connections, and skills.
// ABOUTME: Pure bookkeeping with health checks and statistics; no I/O and no failure modes beyond not-found.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-broker/internal/mcp"
)

// ErrServerAlreadyRegistered indicates a server with the same ID already exists.
var ErrServerAlreadyRegistered = errors.New("server already registered")

const (
	// heartbeatStale is how old a heartbeat may be before a non-connected
	// server is reported unhealthy.
	heartbeatStale = 60 * time.Second

	// errorCountThreshold flags (but does not remove) a server during health checks.
	errorCountThreshold = 5

	// connectionIdleCutoff is how long a connection may sit inactive before
	// Cleanup drops it.
	connectionIdleCutoff = time.Hour
)

// Registry maintains the catalog of servers, per-tenant connections, and
// per-tenant skills. All operations are synchronous and side-effect-free
// beyond the internal maps.
type Registry struct {
	mu          sync.RWMutex
	servers     map[string]*mcp.ServerInfo
	connections map[string]*mcp.Connection        // key: serverID + "/" + tenantID
	skills      map[string]map[string]*mcp.Skill  // tenantID -> skillID -> skill
	logger      *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		servers:     make(map[string]*mcp.ServerInfo),
		connections: make(map[string]*mcp.Connection),
		skills:      make(map[string]map[string]*mcp.Skill),
		logger:      logger.With("component", "registry"),
	}
}

func connKey(serverID, tenantID string) string {
	return serverID + "/" + tenantID
}

// RegisterServer stores a server descriptor.
// Returns ErrServerAlreadyRegistered if the ID is taken.
func (r *Registry) RegisterServer(info *mcp.ServerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[info.ID]; exists {
		return fmt.Errorf("%w: %s", ErrServerAlreadyRegistered, info.ID)
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = time.Now()
	}
	r.servers[info.ID] = info

	r.logger.Info("=== SERVER REGISTERED ===",
		"server_id", info.ID,
		"type", info.Type,
		"capability_count", len(info.Capabilities),
		"total_servers", len(r.servers),
	)
	return nil
}

// UnregisterServer removes a server and its connections. No-op if absent.
func (r *Registry) UnregisterServer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[id]; !exists {
		return
	}
	delete(r.servers, id)
	for key, conn := range r.connections {
		if conn.ServerID == id {
			delete(r.connections, key)
		}
	}

	r.logger.Info("=== SERVER UNREGISTERED ===",
		"server_id", id,
		"total_servers", len(r.servers),
	)
}

// GetServer retrieves a server descriptor by ID.
func (r *Registry) GetServer(id string) (*mcp.ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.servers[id]
	return info, ok
}

// GetServerByType returns the first server of the given type, or nil.
func (r *Registry) GetServerByType(t mcp.ServerType) *mcp.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.servers {
		if info.Type == t {
			return info
		}
	}
	return nil
}

// AllServers returns every registered server descriptor.
func (r *Registry) AllServers() []*mcp.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*mcp.ServerInfo, 0, len(r.servers))
	for _, info := range r.servers {
		servers = append(servers, info)
	}
	return servers
}

// UpdateServerStatus sets a server's status and refreshes its heartbeat.
// No-op for unknown servers.
func (r *Registry) UpdateServerStatus(id string, status mcp.ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.servers[id]
	if !ok {
		return
	}
	info.Status = status
	info.LastHeartbeat = time.Now()
}

// TouchServer refreshes a server's heartbeat timestamp without changing its
// status. No-op for unknown servers.
func (r *Registry) TouchServer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.servers[id]; ok {
		info.LastHeartbeat = time.Now()
	}
}

// IncrementErrorCount bumps a server's cumulative error count and returns the
// new value. Returns 0 for unknown servers.
func (r *Registry) IncrementErrorCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.servers[id]
	if !ok {
		return 0
	}
	info.ErrorCount++
	return info.ErrorCount
}

// AddConnection records an active connection, replacing any previous record
// for the same (server, tenant) pair.
func (r *Registry) AddConnection(conn *mcp.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn.LastActivity.IsZero() {
		conn.LastActivity = time.Now()
	}
	r.connections[connKey(conn.ServerID, conn.TenantID)] = conn
}

// RemoveConnection drops the connection record for the pair. No-op if absent.
func (r *Registry) RemoveConnection(serverID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, connKey(serverID, tenantID))
}

// GetConnection returns the connection for the pair, or nil.
func (r *Registry) GetConnection(serverID, tenantID string) *mcp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.connections[connKey(serverID, tenantID)]
}

// TouchConnection refreshes a connection's last-activity timestamp.
func (r *Registry) TouchConnection(serverID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[connKey(serverID, tenantID)]; ok {
		conn.LastActivity = time.Now()
	}
}

// ActiveConnections returns all connections currently marked active.
func (r *Registry) ActiveConnections() []*mcp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*mcp.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.Active {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ConnectionsForServer returns every connection (any tenant) to a server.
func (r *Registry) ConnectionsForServer(serverID string) []*mcp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*mcp.Connection
	for _, conn := range r.connections {
		if conn.ServerID == serverID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// TenantConnections returns every connection belonging to a tenant.
func (r *Registry) TenantConnections(tenantID string) []*mcp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*mcp.Connection
	for _, conn := range r.connections {
		if conn.TenantID == tenantID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// AddSkill upserts a skill into its tenant's skill map.
func (r *Registry) AddSkill(skill *mcp.Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.skills[skill.TenantID]
	if !ok {
		tenant = make(map[string]*mcp.Skill)
		r.skills[skill.TenantID] = tenant
	}
	tenant[skill.ID] = skill
}

// RemoveSkill deletes a skill from a tenant. No-op if absent.
func (r *Registry) RemoveSkill(id, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tenant, ok := r.skills[tenantID]; ok {
		delete(tenant, id)
		if len(tenant) == 0 {
			delete(r.skills, tenantID)
		}
	}
}

// GetSkill returns a tenant's skill by ID, or nil.
func (r *Registry) GetSkill(id, tenantID string) *mcp.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tenant, ok := r.skills[tenantID]; ok {
		return tenant[id]
	}
	return nil
}

// TenantSkills returns all skills registered for a tenant.
func (r *Registry) TenantSkills(tenantID string) []*mcp.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.skills[tenantID]
	if !ok {
		return nil
	}
	skills := make([]*mcp.Skill, 0, len(tenant))
	for _, s := range tenant {
		skills = append(skills, s)
	}
	return skills
}

// ServerHealth is the per-server slice of a health report.
type ServerHealth struct {
	Status        mcp.ServerStatus `json:"status"`
	HeartbeatAge  time.Duration    `json:"heartbeat_age"`
	ErrorCount    int              `json:"error_count"`
	Healthy       bool             `json:"healthy"`
}

// HealthReport summarizes registry health.
type HealthReport struct {
	Healthy           bool                    `json:"healthy"`
	Servers           map[string]ServerHealth `json:"servers"`
	TenantConnections map[string]int          `json:"tenant_connections"`
	Issues            []string                `json:"issues,omitempty"`
}

// HealthCheck evaluates servers, tenants, and error counts.
// A server is unhealthy when its heartbeat is older than 60s and it is not
// connected. A tenant with zero active connections is an issue. Error counts
// above 5 are flagged but the server is not removed.
func (r *Registry) HealthCheck() *HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	report := &HealthReport{
		Healthy:           true,
		Servers:           make(map[string]ServerHealth, len(r.servers)),
		TenantConnections: make(map[string]int),
	}

	for id, info := range r.servers {
		age := now.Sub(info.LastHeartbeat)
		healthy := !(age > heartbeatStale && info.Status != mcp.StatusConnected)
		if !healthy {
			report.Healthy = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("server %s: heartbeat stale (%s) and status %s", id, age.Round(time.Second), info.Status))
		}
		if info.ErrorCount > errorCountThreshold {
			report.Issues = append(report.Issues,
				fmt.Sprintf("server %s: error count %d exceeds threshold", id, info.ErrorCount))
		}
		report.Servers[id] = ServerHealth{
			Status:       info.Status,
			HeartbeatAge: age,
			ErrorCount:   info.ErrorCount,
			Healthy:      healthy,
		}
	}

	for _, conn := range r.connections {
		if conn.Active {
			report.TenantConnections[conn.TenantID]++
		} else if _, seen := report.TenantConnections[conn.TenantID]; !seen {
			report.TenantConnections[conn.TenantID] = 0
		}
	}
	for tenantID, count := range report.TenantConnections {
		if count == 0 {
			report.Healthy = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("tenant %s: no active connections", tenantID))
		}
	}

	return report
}

// Statistics summarizes registry contents.
type Statistics struct {
	TotalServers      int `json:"total_servers"`
	ConnectedServers  int `json:"connected_servers"`
	TotalConnections  int `json:"total_connections"`
	ActiveConnections int `json:"active_connections"`
	TotalSkills       int `json:"total_skills"`
	Tenants           int `json:"tenants"`
}

// GetStatistics returns current registry counts.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalServers:     len(r.servers),
		TotalConnections: len(r.connections),
	}
	for _, info := range r.servers {
		if info.Status == mcp.StatusConnected {
			stats.ConnectedServers++
		}
	}
	tenants := make(map[string]struct{})
	for _, conn := range r.connections {
		tenants[conn.TenantID] = struct{}{}
		if conn.Active {
			stats.ActiveConnections++
		}
	}
	for tenantID, skills := range r.skills {
		tenants[tenantID] = struct{}{}
		stats.TotalSkills += len(skills)
	}
	stats.Tenants = len(tenants)
	return stats
}

// Cleanup drops connections inactive for over an hour and returns how many
// were removed. Tenants left with zero connections simply vanish from the map.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, conn := range r.connections {
		if now.Sub(conn.LastActivity) > connectionIdleCutoff {
			delete(r.connections, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("registry cleanup", "connections_removed", removed)
	}
	return removed
}

// Close clears all registry state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	serverCount := len(r.servers)
	r.servers = make(map[string]*mcp.ServerInfo)
	r.connections = make(map[string]*mcp.Connection)
	r.skills = make(map[string]map[string]*mcp.Skill)

	r.logger.Info("registry closed", "servers_cleared", serverCount)
}
