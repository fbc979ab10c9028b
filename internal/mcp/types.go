// ABOUTME: Shared MCP value types exchanged between the broker, servers, and tenants.
// ABOUTME: Defines the request/response envelope, server descriptors, skills, and policies.

package mcp

import (
	"time"

	"github.com/google/uuid"
)

// ServerType identifies the kind of capability server.
type ServerType string

const (
	ServerTypeMemory ServerType = "memory"
	ServerTypeFetch  ServerType = "fetch"
	ServerTypeTasks  ServerType = "task-automation"
	ServerTypeCustom ServerType = "custom"
)

// ServerStatus tracks the connection lifecycle of a capability server.
type ServerStatus string

const (
	StatusConnected    ServerStatus = "connected"
	StatusConnecting   ServerStatus = "connecting"
	StatusDisconnected ServerStatus = "disconnected"
	StatusError        ServerStatus = "error"
)

// Capability describes a single operation a server exposes.
// Capabilities are immutable after server construction.
type Capability struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	InputSchema         map[string]any `json:"input_schema,omitempty"`
	OutputSchema        map[string]any `json:"output_schema,omitempty"`
	RequiredPermissions []string       `json:"required_permissions,omitempty"`
	Enabled             bool           `json:"enabled"`
}

// ServerConfig holds per-server tuning knobs.
type ServerConfig struct {
	RetryCount         int               `json:"retry_count"`
	HeartbeatInterval  time.Duration     `json:"heartbeat_interval"`
	Timeout            time.Duration     `json:"timeout"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	Features           map[string]string `json:"features,omitempty"`
}

// ServerInfo is the registry's descriptor for a capability server.
type ServerInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          ServerType   `json:"type"`
	Status        ServerStatus `json:"status"`
	Capabilities  []Capability `json:"capabilities"`
	Config        ServerConfig `json:"config"`
	TenantID      string       `json:"tenant_id,omitempty"` // empty for shared core servers
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	ErrorCount    int          `json:"error_count"`
	Version       string       `json:"version"`
}

// Connection is a logical link between a tenant and a server.
// At most one active connection exists per (server, tenant) pair.
type Connection struct {
	ServerID          string    `json:"server_id"`
	TenantID          string    `json:"tenant_id"`
	Active            bool      `json:"active"`
	LastActivity      time.Time `json:"last_activity"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// Request is the immutable capability-call envelope.
type Request struct {
	ID             string         `json:"id"`
	ServerID       string         `json:"server_id"`
	Capability     string         `json:"capability"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// NewRequest builds a Request with a fresh ID and timestamp.
func NewRequest(serverID, capability, tenantID string, payload map[string]any) *Request {
	return &Request{
		ID:         uuid.New().String(),
		ServerID:   serverID,
		Capability: capability,
		Payload:    payload,
		Timestamp:  time.Now(),
		TenantID:   tenantID,
	}
}

// Response is the standard result envelope. Exactly one Response is produced
// per Request; failure is carried in-band via Success=false, never by
// propagating an error across the broker boundary.
type Response struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"request_id"`
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// SkillConditions declares when a skill should fire.
type SkillConditions struct {
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	Context  []string `json:"context,omitempty" yaml:"context"`
	Stages   []string `json:"stages,omitempty" yaml:"stages"`
}

// Skill is a declarative routing rule from user input to a capability call.
type Skill struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	ServerID    string          `json:"server_id" yaml:"server_id"`
	Capability  string          `json:"capability" yaml:"capability"`
	Active      bool            `json:"active" yaml:"active"`
	TenantID    string          `json:"tenant_id" yaml:"-"`
	Prompt      string          `json:"prompt,omitempty" yaml:"prompt"`
	Examples    []string        `json:"examples,omitempty" yaml:"examples"`
	Priority    int             `json:"priority" yaml:"priority"`
	Conditions  SkillConditions `json:"conditions" yaml:"conditions"`
}

// SkillExecution is one entry in the append-only execution log.
type SkillExecution struct {
	SkillID       string        `json:"skill_id"`
	Input         any           `json:"input,omitempty"`
	Output        any           `json:"output,omitempty"`
	Confidence    float64       `json:"confidence"`
	Timestamp     time.Time     `json:"timestamp"`
	ExecutionTime time.Duration `json:"execution_time"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

// SkillMetrics aggregates a skill's execution history.
type SkillMetrics struct {
	TotalExecutions      int           `json:"total_executions"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	AverageConfidence    float64       `json:"average_confidence"`
}

// ContextEnhancement is one skill-produced addition to the prompt context.
type ContextEnhancement struct {
	SkillID   string    `json:"skill_id"`
	SkillName string    `json:"skill_name"`
	Source    string    `json:"source"` // server that produced the data
	Data      any       `json:"data,omitempty"`
	Priority  int       `json:"priority"`
	Relevance float64   `json:"relevance"`
	Timestamp time.Time `json:"timestamp"`
}

// EnhancedContext is the bundle handed to downstream prompt assembly.
type EnhancedContext struct {
	Base           map[string]any       `json:"base"`
	Enhancements   []ContextEnhancement `json:"enhancements"`
	TotalRelevance float64              `json:"total_relevance"`
	Sources        []string             `json:"sources"`
	LastUpdated    time.Time            `json:"last_updated"`
}

// IsolationPolicy bounds what a tenant may do.
type IsolationPolicy struct {
	AllowedServers        []string `json:"allowed_servers"`
	BlockedCapabilities   []string `json:"blocked_capabilities"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
	MaxMemoryBytes        int64    `json:"max_memory_bytes"`
	MaxSkills             int      `json:"max_skills"`
}

// AllowsServer reports whether the policy permits the given server.
func (p *IsolationPolicy) AllowsServer(serverID string) bool {
	for _, id := range p.AllowedServers {
		if id == serverID {
			return true
		}
	}
	return false
}

// BlocksCapability reports whether the policy blocks the given capability.
func (p *IsolationPolicy) BlocksCapability(capability string) bool {
	for _, c := range p.BlockedCapabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// TenantMetrics accumulates per-tenant usage counters.
type TenantMetrics struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AverageLatency     time.Duration `json:"average_latency"`
	MemoryUsage        int64         `json:"memory_usage"`
	SkillExecutions    int64         `json:"skill_executions"`
}

// RateLimitInfo is a fixed-window counter for one (tenant, server) pair.
// The window resets when the elapsed time reaches Window.
type RateLimitInfo struct {
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	Count       int           `json:"count"`
	MaxRequests int           `json:"max_requests"`
}

// Allow records one request against the window, resetting it first if it has
// elapsed. Returns false when the window is already full.
func (r *RateLimitInfo) Allow(now time.Time) bool {
	if now.Sub(r.WindowStart) >= r.Window {
		r.WindowStart = now
		r.Count = 0
	}
	if r.Count >= r.MaxRequests {
		return false
	}
	r.Count++
	return true
}
