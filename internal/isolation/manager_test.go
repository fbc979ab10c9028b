// ABOUTME: Tests for tenant isolation enforcement, redaction, and metering.
// ABOUTME: Covers the policy spy property, the rate-window property, and sweeps.

package isolation

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/broker"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/connection"
	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/registry"
	"github.com/2389/mcp-broker/internal/server"
)

// spyServer records whether its handler was ever invoked.
type spyServer struct {
	called atomic.Bool
	data   map[string]any
}

func (s *spyServer) Describe() *mcp.ServerInfo {
	return &mcp.ServerInfo{ID: "spy", Name: "spy", Type: mcp.ServerTypeCustom, Status: mcp.StatusConnecting}
}

func (s *spyServer) Initialize(ctx context.Context) error { return nil }

func (s *spyServer) Capabilities() []mcp.Capability { return nil }

func (s *spyServer) Handle(ctx context.Context, req *mcp.Request) (any, error) {
	s.called.Store(true)
	if s.data != nil {
		return s.data, nil
	}
	return map[string]any{"ok": true}, nil
}

func (s *spyServer) Shutdown(ctx context.Context) error { return nil }

type fixture struct {
	cfg     *config.Config
	broker  *broker.Broker
	manager *Manager
	spy     *spyServer
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(logger)
	bus := connection.NewBus(logger)
	conns := connection.NewHandler(reg, bus, connection.Options{}, logger)
	b := broker.New(cfg, reg, conns, logger)

	spy := &spyServer{}
	b.RegisterFactory(mcp.ServerTypeCustom, func(cfg mcp.ServerConfig, l *slog.Logger) server.Server {
		return spy
	})

	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	t.Cleanup(func() { b.Shutdown(ctx) })

	m := NewManager(cfg, b, nil, logger)
	t.Cleanup(m.Stop)
	return &fixture{cfg: cfg, broker: b, manager: m, spy: spy}
}

func TestInitializeTenantEnvironmentIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))
	assert.Equal(t, []string{"t1"}, f.manager.TenantIDs())

	policy, ok := f.manager.TenantPolicy("t1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"memory", "fetch", "task-automation"}, policy.AllowedServers)
	assert.Equal(t, 10, policy.MaxConcurrentRequests)
	assert.Equal(t, int64(50*1024*1024), policy.MaxMemoryBytes)
}

func TestDisallowedServerNeverReachesHandler(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	// "spy" is registered with the broker but absent from the default
	// allow-list, so the rejection must happen before dispatch.
	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("spy", "anything", "t1", nil))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "server not allowed")
	assert.False(t, f.spy.called.Load())
}

func TestBlockedCapabilityRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", &mcp.IsolationPolicy{
		BlockedCapabilities: []string{"clearMemory"},
	}))

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "clearMemory", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "capability blocked")
}

func TestUnknownTenantRejected(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.manager.ExecuteRequest(context.Background(), mcp.NewRequest("memory", "getContext", "ghost", nil))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tenant environment not found")
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Servers.Fetch.RateLimitPerMinute = 60
	})
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t3", nil))

	req := func() *mcp.Request {
		return mcp.NewRequest("fetch", "fetchUrl", "t3", map[string]any{
			"url": "https://example.com/pricing",
		})
	}

	for i := 0; i < 60; i++ {
		resp := f.manager.ExecuteRequest(ctx, req())
		require.True(t, resp.Success, "request %d: %s", i+1, resp.Error)
	}

	resp := f.manager.ExecuteRequest(ctx, req())
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "rate limit exceeded")

	// Rewind the window start; the next request lands in a fresh window.
	env := f.manager.env("t3")
	env.mu.Lock()
	env.rateLimits["fetch"].WindowStart = time.Now().Add(-2 * time.Minute)
	env.mu.Unlock()

	resp = f.manager.ExecuteRequest(ctx, req())
	assert.True(t, resp.Success, resp.Error)
}

func TestConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Isolation.MaxConcurrentRequests = 2
	})
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	env := f.manager.env("t1")
	env.mu.Lock()
	env.inFlight = []time.Time{time.Now(), time.Now()}
	env.mu.Unlock()

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "concurrent request limit exceeded")

	// Stale in-flight entries age out of the 60s tracking window.
	env.mu.Lock()
	env.inFlight = []time.Time{time.Now().Add(-2 * time.Minute), time.Now().Add(-2 * time.Minute)}
	env.mu.Unlock()

	resp = f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	assert.True(t, resp.Success, resp.Error)
}

func TestMemoryCeiling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	env := f.manager.env("t1")
	env.mu.Lock()
	env.memoryUsage = env.policy.MaxMemoryBytes + 1
	env.mu.Unlock()

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "memory limit exceeded")
}

func TestResponseRedaction(t *testing.T) {
	f := newFixture(t, nil)
	f.spy.data = map[string]any{
		"apiKey":   "sk-live-123",
		"password": "hunter2",
		"nested": map[string]any{
			"token": "abc",
			"note":  "visible",
		},
		"items": []any{
			map[string]any{"secret": "s3cret", "name": "ok"},
		},
	}
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", &mcp.IsolationPolicy{
		AllowedServers: []string{"memory", "fetch", "task-automation", "spy"},
	}))

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("spy", "anything", "t1", nil))
	require.True(t, resp.Success, resp.Error)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, RedactedMarker, data["apiKey"])
	assert.Equal(t, RedactedMarker, data["password"])

	nested := data["nested"].(map[string]any)
	assert.Equal(t, RedactedMarker, nested["token"])
	assert.Equal(t, "visible", nested["note"])

	item := data["items"].([]any)[0].(map[string]any)
	assert.Equal(t, RedactedMarker, item["secret"])
	assert.Equal(t, "ok", item["name"])
}

func TestRedactionCoversTypedPayloads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	// retrieveMemory returns typed memory items rather than plain maps; the
	// credential fields inside them must still come back masked.
	stored := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "storeMemory", "t1", map[string]any{
		"conversation_id": "c1",
		"content":         "billing integration credentials",
		"metadata":        map[string]any{"apiKey": "sk-live-123", "source": "crm"},
	}))
	require.True(t, stored.Success, stored.Error)

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "retrieveMemory", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	require.True(t, resp.Success, resp.Error)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	items, ok := data["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	item := items[0].(map[string]any)
	assert.Equal(t, "billing integration credentials", item["content"])
	metadata := item["metadata"].(map[string]any)
	assert.Equal(t, RedactedMarker, metadata["apiKey"])
	assert.Equal(t, "crm", metadata["source"])
}

func TestMeteringAccumulates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	ok := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "t1", map[string]any{
		"conversation_id": "c1",
	}))
	require.True(t, ok.Success, ok.Error)

	bad := f.manager.ExecuteRequest(ctx, mcp.NewRequest("spy", "anything", "t1", nil))
	require.False(t, bad.Success)

	metrics, found := f.manager.TenantMetrics("t1")
	require.True(t, found)
	assert.Equal(t, int64(2), metrics.TotalRequests)
	assert.Equal(t, int64(1), metrics.SuccessfulRequests)
	assert.Equal(t, int64(1), metrics.FailedRequests)
	assert.Greater(t, metrics.MemoryUsage, int64(0))
}

func TestUpdateTenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	require.NoError(t, f.manager.UpdateTenantIsolation(ctx, "t1", PolicyPatch{
		BlockedCapabilities: []string{"fetchUrl"},
	}))
	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("fetch", "fetchUrl", "t1", map[string]any{
		"url": "https://example.com",
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "capability blocked")

	// Shrinking the allow-list re-provisions and reseeds the rate windows.
	require.NoError(t, f.manager.UpdateTenantIsolation(ctx, "t1", PolicyPatch{
		AllowedServers: []string{"memory"},
	}))
	resp = f.manager.ExecuteRequest(ctx, mcp.NewRequest("fetch", "fetchUrl", "t1", map[string]any{
		"url": "https://example.com",
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "server not allowed")

	assert.Error(t, f.manager.UpdateTenantIsolation(ctx, "ghost", PolicyPatch{}))
}

func TestCleanupTenantEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	f.manager.CleanupTenantEnvironment("t1")
	assert.Empty(t, f.manager.TenantIDs())

	resp := f.manager.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "t1", nil))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tenant environment not found")

	conn := f.broker.Registry().GetConnection("memory", "t1")
	if conn != nil {
		assert.False(t, conn.Active)
	}

	// Unknown tenant cleanup is a no-op.
	f.manager.CleanupTenantEnvironment("ghost")
}

func TestMonitorTenantResources(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "t1", nil))

	env := f.manager.env("t1")
	env.mu.Lock()
	env.memoryUsage = env.policy.MaxMemoryBytes * 9 / 10
	env.mu.Unlock()

	reports := f.manager.MonitorTenantResources()
	require.Len(t, reports, 1)
	assert.Equal(t, "t1", reports[0].TenantID)
	assert.InDelta(t, 90.0, reports[0].Percentage, 0.5)
}

func TestSweepEvictsIdleTenants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "idle", nil))
	require.NoError(t, f.manager.InitializeTenantEnvironment(ctx, "busy", nil))

	env := f.manager.env("idle")
	env.mu.Lock()
	env.lastActivity = time.Now().Add(-25 * time.Hour)
	env.mu.Unlock()

	f.manager.sweep()

	assert.Equal(t, []string{"busy"}, f.manager.TenantIDs())
}
