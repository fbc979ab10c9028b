// ABOUTME: Tenant isolation manager enforcing policy, rate limits, and metering.
// ABOUTME: Wraps the broker with validate -> rate-limit -> execute -> meter per request.

package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-broker/internal/broker"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/mcp"
)

var (
	// ErrTenantNotFound indicates no environment exists for the tenant.
	ErrTenantNotFound = errors.New("tenant environment not found")
	// ErrServerNotAllowed indicates the tenant's policy excludes the server.
	ErrServerNotAllowed = errors.New("server not allowed")
	// ErrCapabilityBlocked indicates the tenant's policy blocks the capability.
	ErrCapabilityBlocked = errors.New("capability blocked")
	// ErrConcurrencyLimit indicates the tenant's in-flight ceiling was hit.
	ErrConcurrencyLimit = errors.New("concurrent request limit exceeded")
	// ErrMemoryLimit indicates the tenant's memory ceiling was hit.
	ErrMemoryLimit = errors.New("memory limit exceeded")
	// ErrRateLimited indicates the (tenant, server) rate window is full.
	ErrRateLimited = errors.New("rate limit exceeded")
)

const (
	inFlightWindow     = 60 * time.Second
	rateWindow         = time.Minute
	resourceWarningPct = 80.0
)

// SkillSeeder bootstraps a tenant's default skill catalog. Implemented by the
// skill injection system; nil disables seeding.
type SkillSeeder interface {
	InitializeTenantSkills(ctx context.Context, tenantID, industry string) error
}

// PolicyPatch carries partial policy updates. Nil fields are left unchanged.
type PolicyPatch struct {
	AllowedServers        []string
	BlockedCapabilities   []string
	MaxConcurrentRequests *int
	MaxMemoryBytes        *int64
	MaxSkills             *int
}

// ResourceReport is one tenant's memory usage against its ceiling.
type ResourceReport struct {
	TenantID   string  `json:"tenant_id"`
	Usage      int64   `json:"usage"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// EnvironmentSummary is the status-surface projection of a tenant environment.
type EnvironmentSummary struct {
	TenantID     string              `json:"tenant_id"`
	Policy       mcp.IsolationPolicy `json:"policy"`
	Metrics      mcp.TenantMetrics   `json:"metrics"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// tenantEnv is the live sandbox for one tenant. All fields are guarded by mu;
// the check-and-increment in admit is serialized under it so a concurrent
// burst cannot race past the ceilings.
type tenantEnv struct {
	mu sync.Mutex

	tenantID     string
	policy       mcp.IsolationPolicy
	rateLimits   map[string]*mcp.RateLimitInfo
	inFlight     []time.Time
	metrics      mcp.TenantMetrics
	totalLatency time.Duration
	memoryUsage  int64
	createdAt    time.Time
	lastActivity time.Time
}

// Manager owns the per-tenant environments and enforces isolation around
// every broker call.
type Manager struct {
	cfg    *config.Config
	broker *broker.Broker
	seeder SkillSeeder
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantEnv

	sweepInterval time.Duration
	idleCutoff    time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

// NewManager creates an isolation manager wrapping the given broker.
// seeder may be nil to skip skill bootstrapping.
func NewManager(cfg *config.Config, b *broker.Broker, seeder SkillSeeder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		broker:        b,
		seeder:        seeder,
		logger:        logger.With("component", "isolation"),
		tenants:       make(map[string]*tenantEnv),
		sweepInterval: time.Hour,
		idleCutoff:    cfg.Broker.TenantIdle,
		done:          make(chan struct{}),
	}
}

// Start launches the hourly sweep that evicts idle tenants.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the background sweep. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleCutoff)

	m.mu.Lock()
	var evicted []string
	for id, env := range m.tenants {
		env.mu.Lock()
		idle := env.lastActivity.Before(cutoff)
		env.pruneInFlight(time.Now())
		env.mu.Unlock()
		if idle {
			delete(m.tenants, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.broker.CloseTenantConnections(id)
		m.logger.Info("evicted idle tenant", "tenant_id", id)
	}
}

// defaultPolicy builds the tenant policy from config, applying overrides.
func (m *Manager) defaultPolicy(overrides *mcp.IsolationPolicy) mcp.IsolationPolicy {
	base := m.cfg.DefaultPolicy()
	policy := mcp.IsolationPolicy{
		AllowedServers:        base.AllowedServers,
		BlockedCapabilities:   base.BlockedCapabilities,
		MaxConcurrentRequests: base.MaxConcurrentRequests,
		MaxMemoryBytes:        base.MaxMemoryBytes,
		MaxSkills:             base.MaxSkills,
	}
	if overrides == nil {
		return policy
	}
	if overrides.AllowedServers != nil {
		policy.AllowedServers = append([]string(nil), overrides.AllowedServers...)
	}
	if overrides.BlockedCapabilities != nil {
		policy.BlockedCapabilities = append([]string(nil), overrides.BlockedCapabilities...)
	}
	if overrides.MaxConcurrentRequests > 0 {
		policy.MaxConcurrentRequests = overrides.MaxConcurrentRequests
	}
	if overrides.MaxMemoryBytes > 0 {
		policy.MaxMemoryBytes = overrides.MaxMemoryBytes
	}
	if overrides.MaxSkills > 0 {
		policy.MaxSkills = overrides.MaxSkills
	}
	return policy
}

// serverQuota returns the configured per-minute quota for a server ID.
func (m *Manager) serverQuota(serverID string) int {
	switch mcp.ServerType(serverID) {
	case mcp.ServerTypeMemory:
		return m.cfg.Servers.Memory.RateLimitPerMinute
	case mcp.ServerTypeFetch:
		return m.cfg.Servers.Fetch.RateLimitPerMinute
	case mcp.ServerTypeTasks:
		return m.cfg.Servers.Tasks.RateLimitPerMinute
	default:
		return m.cfg.Servers.Fetch.RateLimitPerMinute
	}
}

func (m *Manager) seedRateLimits(env *tenantEnv) {
	now := time.Now()
	env.rateLimits = make(map[string]*mcp.RateLimitInfo, len(env.policy.AllowedServers))
	for _, serverID := range env.policy.AllowedServers {
		env.rateLimits[serverID] = &mcp.RateLimitInfo{
			WindowStart: now,
			Window:      rateWindow,
			MaxRequests: m.serverQuota(serverID),
		}
	}
}

// InitializeTenantEnvironment creates a tenant sandbox, provisions broker
// connections, seeds rate windows, and bootstraps default skills. Idempotent.
func (m *Manager) InitializeTenantEnvironment(ctx context.Context, tenantID string, overrides *mcp.IsolationPolicy) error {
	m.mu.Lock()
	if _, exists := m.tenants[tenantID]; exists {
		m.mu.Unlock()
		return nil
	}

	env := &tenantEnv{
		tenantID:     tenantID,
		policy:       m.defaultPolicy(overrides),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	m.seedRateLimits(env)
	m.tenants[tenantID] = env
	m.mu.Unlock()

	if err := m.broker.CreateTenantEnvironment(ctx, tenantID); err != nil {
		m.mu.Lock()
		delete(m.tenants, tenantID)
		m.mu.Unlock()
		return fmt.Errorf("provisioning tenant %s: %w", tenantID, err)
	}

	if m.seeder != nil {
		if err := m.seeder.InitializeTenantSkills(ctx, tenantID, m.cfg.Skills.Industry); err != nil {
			m.logger.Warn("skill bootstrap failed", "tenant_id", tenantID, "error", err)
		}
	}

	m.logger.Info("=== TENANT ENVIRONMENT INITIALIZED ===",
		"tenant_id", tenantID,
		"allowed_servers", len(env.policy.AllowedServers),
	)
	return nil
}

func (m *Manager) env(tenantID string) *tenantEnv {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenants[tenantID]
}

// pruneInFlight drops in-flight timestamps older than the tracking window.
// Caller holds env.mu.
func (e *tenantEnv) pruneInFlight(now time.Time) {
	cutoff := now.Add(-inFlightWindow)
	kept := e.inFlight[:0]
	for _, ts := range e.inFlight {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.inFlight = kept
}

// admit performs the serialized validate -> rate-limit sequence and records
// the request as in-flight on success.
func (e *tenantEnv) admit(req *mcp.Request, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.policy.AllowsServer(req.ServerID) {
		return fmt.Errorf("%w: server %s for tenant %s", ErrServerNotAllowed, req.ServerID, e.tenantID)
	}
	if e.policy.BlocksCapability(req.Capability) {
		return fmt.Errorf("%w: %s", ErrCapabilityBlocked, req.Capability)
	}

	e.pruneInFlight(now)
	if len(e.inFlight) >= e.policy.MaxConcurrentRequests {
		return fmt.Errorf("%w: %d in flight", ErrConcurrencyLimit, len(e.inFlight))
	}
	if e.memoryUsage > e.policy.MaxMemoryBytes {
		return fmt.Errorf("%w: %d bytes used", ErrMemoryLimit, e.memoryUsage)
	}

	limit, ok := e.rateLimits[req.ServerID]
	if !ok {
		return fmt.Errorf("%w: server %s for tenant %s", ErrServerNotAllowed, req.ServerID, e.tenantID)
	}
	if !limit.Allow(now) {
		return fmt.Errorf("%w: server %s", ErrRateLimited, req.ServerID)
	}

	e.inFlight = append(e.inFlight, now)
	e.lastActivity = now
	return nil
}

// settle removes the in-flight entry and folds the response into the metrics.
// Caller must pass the timestamp recorded by admit.
func (e *tenantEnv) settle(started time.Time, resp *mcp.Response, cost int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, ts := range e.inFlight {
		if ts.Equal(started) {
			e.inFlight = append(e.inFlight[:i], e.inFlight[i+1:]...)
			break
		}
	}

	e.metrics.TotalRequests++
	if resp.Success {
		e.metrics.SuccessfulRequests++
	} else {
		e.metrics.FailedRequests++
	}
	e.totalLatency += resp.ExecutionTime
	e.metrics.AverageLatency = e.totalLatency / time.Duration(e.metrics.TotalRequests)
	e.memoryUsage += cost
	e.metrics.MemoryUsage = e.memoryUsage
	e.lastActivity = time.Now()
}

// recordRejection counts a policy rejection without an in-flight entry.
func (e *tenantEnv) recordRejection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalRequests++
	e.metrics.FailedRequests++
	e.lastActivity = time.Now()
}

// ExecuteRequest runs a request through the tenant's sandbox: validate,
// rate-limit, execute via the broker, then redact and meter the response.
// Every failure comes back as an unsuccessful Response.
func (m *Manager) ExecuteRequest(ctx context.Context, req *mcp.Request) *mcp.Response {
	start := time.Now()

	env := m.env(req.TenantID)
	if env == nil {
		return rejection(req, start, fmt.Errorf("%w: %s", ErrTenantNotFound, req.TenantID))
	}

	if err := env.admit(req, start); err != nil {
		env.recordRejection()
		m.logger.Debug("request rejected",
			"tenant_id", req.TenantID,
			"server_id", req.ServerID,
			"capability", req.Capability,
			"error", err,
		)
		return rejection(req, start, err)
	}

	resp := m.broker.ExecuteRequest(ctx, req)

	if resp.Data != nil {
		resp.Data = redactData(resp.Data)
	}
	env.settle(start, resp, responseCost(resp))

	return resp
}

func rejection(req *mcp.Request, start time.Time, err error) *mcp.Response {
	return &mcp.Response{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		Success:       false,
		Error:         err.Error(),
		Timestamp:     time.Now(),
		ExecutionTime: time.Since(start),
	}
}

// responseCost approximates the memory footprint of a response as its
// serialized size.
func responseCost(resp *mcp.Response) int64 {
	if resp.Data == nil {
		return 0
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// UpdateTenantIsolation merges a policy patch into the tenant's policy.
// If the allowed-server set changed, the environment is re-provisioned and
// the rate windows are reseeded.
func (m *Manager) UpdateTenantIsolation(ctx context.Context, tenantID string, patch PolicyPatch) error {
	env := m.env(tenantID)
	if env == nil {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	env.mu.Lock()
	serversChanged := false
	if patch.AllowedServers != nil {
		serversChanged = !equalStringSets(env.policy.AllowedServers, patch.AllowedServers)
		env.policy.AllowedServers = append([]string(nil), patch.AllowedServers...)
	}
	if patch.BlockedCapabilities != nil {
		env.policy.BlockedCapabilities = append([]string(nil), patch.BlockedCapabilities...)
	}
	if patch.MaxConcurrentRequests != nil {
		env.policy.MaxConcurrentRequests = *patch.MaxConcurrentRequests
	}
	if patch.MaxMemoryBytes != nil {
		env.policy.MaxMemoryBytes = *patch.MaxMemoryBytes
	}
	if patch.MaxSkills != nil {
		env.policy.MaxSkills = *patch.MaxSkills
	}
	if serversChanged {
		m.seedRateLimits(env)
	}
	env.mu.Unlock()

	if serversChanged {
		if err := m.broker.CreateTenantEnvironment(ctx, tenantID); err != nil {
			return fmt.Errorf("re-provisioning tenant %s: %w", tenantID, err)
		}
	}

	m.logger.Info("tenant policy updated", "tenant_id", tenantID, "servers_changed", serversChanged)
	return nil
}

// CleanupTenantEnvironment removes all per-tenant state and closes its
// connections. No-op if the tenant is unknown.
func (m *Manager) CleanupTenantEnvironment(tenantID string) {
	m.mu.Lock()
	_, exists := m.tenants[tenantID]
	delete(m.tenants, tenantID)
	m.mu.Unlock()

	if !exists {
		return
	}
	m.broker.CloseTenantConnections(tenantID)
	m.logger.Info("tenant environment cleaned up", "tenant_id", tenantID)
}

// MonitorTenantResources reports each tenant's memory usage against its
// ceiling, logging a warning above 80%.
func (m *Manager) MonitorTenantResources() []ResourceReport {
	m.mu.RLock()
	envs := make([]*tenantEnv, 0, len(m.tenants))
	for _, env := range m.tenants {
		envs = append(envs, env)
	}
	m.mu.RUnlock()

	reports := make([]ResourceReport, 0, len(envs))
	for _, env := range envs {
		env.mu.Lock()
		report := ResourceReport{
			TenantID: env.tenantID,
			Usage:    env.memoryUsage,
			Limit:    env.policy.MaxMemoryBytes,
		}
		env.mu.Unlock()
		if report.Limit > 0 {
			report.Percentage = float64(report.Usage) / float64(report.Limit) * 100
		}
		if report.Percentage > resourceWarningPct {
			m.logger.Warn("tenant approaching memory limit",
				"tenant_id", report.TenantID,
				"usage", report.Usage,
				"limit", report.Limit,
				"percentage", fmt.Sprintf("%.1f", report.Percentage),
			)
		}
		reports = append(reports, report)
	}
	return reports
}

// TenantMetrics returns a copy of the tenant's usage counters.
func (m *Manager) TenantMetrics(tenantID string) (mcp.TenantMetrics, bool) {
	env := m.env(tenantID)
	if env == nil {
		return mcp.TenantMetrics{}, false
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.metrics, true
}

// TenantPolicy returns a copy of the tenant's isolation policy.
func (m *Manager) TenantPolicy(tenantID string) (mcp.IsolationPolicy, bool) {
	env := m.env(tenantID)
	if env == nil {
		return mcp.IsolationPolicy{}, false
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	policy := env.policy
	policy.AllowedServers = append([]string(nil), env.policy.AllowedServers...)
	policy.BlockedCapabilities = append([]string(nil), env.policy.BlockedCapabilities...)
	return policy, true
}

// SkillLimit returns the tenant's max-skills ceiling, falling back to the
// default policy for tenants not yet provisioned. Installed into the skill
// system via SetSkillLimit so registrations respect the isolation policy.
func (m *Manager) SkillLimit(tenantID string) int {
	if env := m.env(tenantID); env != nil {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.policy.MaxSkills
	}
	return m.cfg.DefaultPolicy().MaxSkills
}

// TenantSummary returns the status projection for one tenant environment.
func (m *Manager) TenantSummary(tenantID string) (EnvironmentSummary, bool) {
	env := m.env(tenantID)
	if env == nil {
		return EnvironmentSummary{}, false
	}
	policy, _ := m.TenantPolicy(tenantID)
	env.mu.Lock()
	defer env.mu.Unlock()
	return EnvironmentSummary{
		TenantID:     env.tenantID,
		Policy:       policy,
		Metrics:      env.metrics,
		CreatedAt:    env.createdAt,
		LastActivity: env.lastActivity,
	}, true
}

// TenantIDs lists the currently live tenant environments.
func (m *Manager) TenantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	return ids
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
