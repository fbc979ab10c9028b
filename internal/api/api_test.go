// ABOUTME: HTTP handler tests for the API surface using httptest.
// ABOUTME: Covers execute, input, skill CRUD, tenant lifecycle, and status.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/broker"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/connection"
	"github.com/2389/mcp-broker/internal/isolation"
	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/registry"
	"github.com/2389/mcp-broker/internal/skills"
	"github.com/2389/mcp-broker/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	reg := registry.New(logger)
	bus := connection.NewBus(logger)
	conns := connection.NewHandler(reg, bus, connection.Options{}, logger)
	b := broker.New(cfg, reg, conns, logger)

	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	t.Cleanup(func() { b.Shutdown(ctx) })

	sk := skills.NewSystem(b, store.NewMemoryStore(), logger)
	t.Cleanup(sk.Stop)

	iso := isolation.NewManager(cfg, b, sk, logger)
	t.Cleanup(iso.Stop)
	sk.SetDirectory(reg)
	sk.SetSkillLimit(iso.SkillLimit)

	return NewServer(cfg, b, iso, sk, logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createTenant(t *testing.T, handler http.Handler, tenantID string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/tenants", CreateTenantRequest{TenantID: tenantID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestExecuteEndpoint(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	t.Run("successful capability call", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/execute", ExecuteRequestBody{
			ServerID:   "memory",
			Capability: "storeMemory",
			TenantID:   "t1",
			Payload: map[string]any{
				"conversation_id": "c1",
				"content":         "prefers morning calls",
				"type":            "preference",
				"importance":      "high",
			},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp mcp.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success, resp.Error)
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("policy failure stays in the envelope", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/execute", ExecuteRequestBody{
			ServerID:   "memory",
			Capability: "getContext",
			TenantID:   "unknown-tenant",
			Payload:    map[string]any{"conversation_id": "c1"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp mcp.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "tenant environment not found")
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/execute", ExecuteRequestBody{TenantID: "t1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/execute", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestExecuteRoundTrip(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t2")

	rec := doJSON(t, handler, http.MethodPost, "/api/execute", ExecuteRequestBody{
		ServerID:   "memory",
		Capability: "storeMemory",
		TenantID:   "t2",
		Payload: map[string]any{
			"conversation_id": "c1",
			"content":         "prefers morning calls",
			"type":            "preference",
			"importance":      "high",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/execute", ExecuteRequestBody{
		ServerID:   "memory",
		Capability: "retrieveMemory",
		TenantID:   "t2",
		Payload: map[string]any{
			"conversation_id": "c1",
			"type":            "preference",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp mcp.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success, resp.Error)

	data := resp.Data.(map[string]any)
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "prefers morning calls", items[0].(map[string]any)["content"])
}

func TestInputEndpoint(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	rec := doJSON(t, handler, http.MethodPost, "/api/input", InputRequestBody{
		Text:           "Any news on the market since last time?",
		TenantID:       "t1",
		Context:        map[string]any{"stage": "consideration"},
		ConversationID: "c1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InputResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	var matchedIDs []string
	for _, skill := range resp.MatchedSkills {
		matchedIDs = append(matchedIDs, skill.ID)
	}
	assert.Contains(t, matchedIDs, "news-trends-t1")
	assert.Contains(t, matchedIDs, "memory-recall-t1")
	assert.NotEmpty(t, resp.Executions)
	require.NotNil(t, resp.EnhancedContext)
	assert.NotEmpty(t, resp.EnhancedContext.Enhancements)

	t.Run("missing text rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/input", InputRequestBody{TenantID: "t1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSkillCRUD(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	skill := mcp.Skill{
		ID:         "solar-utility-rates-custom",
		Name:       "Utility Rates",
		ServerID:   "fetch",
		Capability: "monitorUtilityRates",
		Active:     true,
		TenantID:   "t1",
		Priority:   9,
		Conditions: mcp.SkillConditions{Keywords: []string{"rates", "utility"}},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/skills", skill)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Register-then-list round-trips the skill unchanged.
	rec = doJSON(t, handler, http.MethodGet, "/api/skills?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []mcp.Skill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	var found *mcp.Skill
	for i := range listed {
		if listed[i].ID == skill.ID {
			found = &listed[i]
			break
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, skill.Name, found.Name)
	assert.Equal(t, skill.Conditions.Keywords, found.Conditions.Keywords)
	assert.Equal(t, skill.Priority, found.Priority)

	rec = doJSON(t, handler, http.MethodGet, "/api/skills/solar-utility-rates-custom?tenant_id=t1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/api/skills/solar-utility-rates-custom?tenant_id=t1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/skills/solar-utility-rates-custom?tenant_id=t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSkillRegistrationCeiling(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	// Drop the ceiling below the seeded catalog count; any further
	// registration must be refused.
	maxSkills := 2
	rec := doJSON(t, handler, http.MethodPut, "/api/tenants/t1/policy", UpdatePolicyRequest{
		MaxSkills: &maxSkills,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/skills", mcp.Skill{
		ID:         "one-too-many",
		Name:       "One Too Many",
		ServerID:   "fetch",
		Capability: "fetchUrl",
		Active:     true,
		TenantID:   "t1",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "skill limit")
}

func TestTenantLifecycle(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	rec := doJSON(t, handler, http.MethodGet, "/api/tenants/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary isolation.EnvironmentSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "t1", summary.TenantID)

	maxConcurrent := 5
	rec = doJSON(t, handler, http.MethodPut, "/api/tenants/t1/policy", UpdatePolicyRequest{
		MaxConcurrentRequests: &maxConcurrent,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var policy mcp.IsolationPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, 5, policy.MaxConcurrentRequests)

	rec = doJSON(t, handler, http.MethodDelete, "/api/tenants/t1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/tenants/t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	createTenant(t, handler, "t1")

	rec := doJSON(t, handler, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Ready)
	assert.True(t, status.Healthy)
	assert.Len(t, status.Servers, 3)
	require.Len(t, status.Tenants, 1)
	assert.Equal(t, "t1", status.Tenants[0].TenantID)
	assert.Greater(t, status.SkillCount["t1"], 0)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
