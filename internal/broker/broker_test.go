// ABOUTME: Tests for broker initialization, request dispatch, and shutdown.
// ABOUTME: Exercises the failure envelope and tenant environment provisioning.

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/connection"
	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/registry"
	"github.com/2389/mcp-broker/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	logger := discardLogger()
	reg := registry.New(logger)
	bus := connection.NewBus(logger)
	conns := connection.NewHandler(reg, bus, connection.Options{}, logger)
	return New(config.Default(), reg, conns, logger)
}

type stubServer struct {
	id      string
	initErr error
}

func (s *stubServer) Describe() *mcp.ServerInfo {
	return &mcp.ServerInfo{
		ID:     s.id,
		Name:   s.id,
		Type:   mcp.ServerTypeCustom,
		Status: mcp.StatusConnecting,
	}
}

func (s *stubServer) Initialize(ctx context.Context) error { return s.initErr }

func (s *stubServer) Capabilities() []mcp.Capability { return nil }

func (s *stubServer) Handle(ctx context.Context, req *mcp.Request) (any, error) {
	return map[string]any{"ok": true}, nil
}

func (s *stubServer) Shutdown(ctx context.Context) error { return nil }

func TestInitializeRegistersCoreServers(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)

	require.NoError(t, b.Initialize(ctx))
	assert.True(t, b.Ready())

	servers := b.Registry().AllServers()
	require.Len(t, servers, 3)
	for _, info := range servers {
		assert.Equal(t, mcp.StatusConnected, info.Status, "server %s", info.ID)
	}
	assert.True(t, b.Healthy())
}

func TestInitializeIsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	assert.Len(t, b.Registry().AllServers(), 3)
}

func TestInitializeToleratesServerFailure(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)

	b.RegisterFactory(mcp.ServerTypeCustom, func(cfg mcp.ServerConfig, logger *slog.Logger) server.Server {
		return &stubServer{id: "flaky", initErr: errors.New("boom")}
	})

	require.NoError(t, b.Initialize(ctx))

	// The failed server is visible in error state but takes no traffic.
	info, ok := b.ServerStatus("flaky")
	require.True(t, ok)
	assert.Equal(t, mcp.StatusError, info.Status)
	assert.False(t, b.Healthy())

	resp := b.ExecuteRequest(ctx, mcp.NewRequest("flaky", "anything", "tenant-a", nil))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "server not found")

	// The three core servers still came up.
	for _, id := range []string{"memory", "fetch", "task-automation"} {
		info, ok := b.ServerStatus(id)
		require.True(t, ok, id)
		assert.Equal(t, mcp.StatusConnected, info.Status)
	}
}

func TestCreateTenantEnvironment(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)
	require.NoError(t, b.Initialize(ctx))

	assert.Empty(t, b.TenantServers("tenant-a"))

	require.NoError(t, b.CreateTenantEnvironment(ctx, "tenant-a"))
	assert.Len(t, b.TenantServers("tenant-a"), 3)

	// The memory context was seeded during provisioning.
	resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "tenant-a", map[string]any{
		"conversation_id": "tenant-a",
	}))
	assert.True(t, resp.Success, resp.Error)
}

func TestCreateTenantEnvironmentRequiresInitialize(t *testing.T) {
	b := newTestBroker(t)
	err := b.CreateTenantEnvironment(context.Background(), "tenant-a")
	assert.Error(t, err)
}

func TestExecuteRequestFailureEnvelope(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)
	require.NoError(t, b.Initialize(ctx))

	t.Run("unknown server", func(t *testing.T) {
		req := mcp.NewRequest("nope", "fetchUrl", "tenant-a", nil)
		resp := b.ExecuteRequest(ctx, req)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "server not found")
		assert.Equal(t, req.ID, resp.RequestID)
		assert.NotEmpty(t, resp.ID)
	})

	t.Run("no active connection", func(t *testing.T) {
		resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "stranger", nil))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "no active connection")
	})

	t.Run("handler error", func(t *testing.T) {
		require.NoError(t, b.CreateTenantEnvironment(ctx, "tenant-a"))
		resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "teleport", "tenant-a", nil))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "unknown capability")

		info, ok := b.ServerStatus("memory")
		require.True(t, ok)
		assert.Equal(t, 1, info.ErrorCount)
	})
}

func TestExecuteRequestSuccess(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.CreateTenantEnvironment(ctx, "tenant-a"))

	req := mcp.NewRequest("memory", "storeMemory", "tenant-a", map[string]any{
		"conversation_id": "conv-1",
		"content":         "prefers morning calls",
		"type":            "preference",
		"importance":      "high",
	})
	resp := b.ExecuteRequest(ctx, req)
	require.True(t, resp.Success, resp.Error)
	assert.NotNil(t, resp.Data)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.GreaterOrEqual(t, resp.ExecutionTime.Nanoseconds(), int64(0))
}

func TestDispatchRefreshesServerHeartbeat(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.CreateTenantEnvironment(ctx, "tenant-a"))

	// Age the heartbeat past the stale threshold; steady traffic must keep
	// the server from being flagged disconnected.
	info, ok := b.ServerStatus("memory")
	require.True(t, ok)
	stale := time.Now().Add(-10 * time.Minute)
	info.LastHeartbeat = stale

	resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "tenant-a", map[string]any{
		"conversation_id": "c1",
	}))
	require.True(t, resp.Success, resp.Error)

	assert.True(t, info.LastHeartbeat.After(stale))
	assert.WithinDuration(t, time.Now(), info.LastHeartbeat, time.Minute)
	assert.True(t, b.Healthy())
}

func TestServerCapabilities(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	defer b.Shutdown(ctx)
	require.NoError(t, b.Initialize(ctx))

	caps := b.ServerCapabilities("fetch")
	require.NotEmpty(t, caps)
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "fetchUrl")

	assert.Nil(t, b.ServerCapabilities("nope"))
}

func TestShutdownClearsServers(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.CreateTenantEnvironment(ctx, "tenant-a"))

	b.Shutdown(ctx)
	assert.False(t, b.Ready())

	resp := b.ExecuteRequest(ctx, mcp.NewRequest("memory", "getContext", "tenant-a", nil))
	assert.False(t, resp.Success)

	// Second shutdown is a no-op.
	b.Shutdown(ctx)
}
