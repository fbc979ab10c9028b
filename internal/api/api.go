// ABOUTME: HTTP API handlers exposing capability execution, skills, and status.
// ABOUTME: Provides POST /api/execute and /api/input endpoints for external clients.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/mcp-broker/internal/broker"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/isolation"
	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/skills"
)

// ExecuteRequestBody is the JSON request body for POST /api/execute.
type ExecuteRequestBody struct {
	ServerID       string         `json:"server_id"`
	Capability     string         `json:"capability"`
	Payload        map[string]any `json:"payload,omitempty"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// InputRequestBody is the JSON request body for POST /api/input.
type InputRequestBody struct {
	Text           string         `json:"text"`
	TenantID       string         `json:"tenant_id"`
	Context        map[string]any `json:"context,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// InputResponse is the JSON response for POST /api/input.
type InputResponse struct {
	MatchedSkills   []*mcp.Skill          `json:"matched_skills"`
	Executions      []*mcp.SkillExecution `json:"executions"`
	EnhancedContext *mcp.EnhancedContext  `json:"enhanced_context"`
}

// CreateTenantRequest is the JSON request body for POST /api/tenants.
type CreateTenantRequest struct {
	TenantID string               `json:"tenant_id"`
	Policy   *mcp.IsolationPolicy `json:"policy,omitempty"`
}

// UpdatePolicyRequest is the JSON request body for PUT /api/tenants/{id}/policy.
type UpdatePolicyRequest struct {
	AllowedServers        []string `json:"allowed_servers,omitempty"`
	BlockedCapabilities   []string `json:"blocked_capabilities,omitempty"`
	MaxConcurrentRequests *int     `json:"max_concurrent_requests,omitempty"`
	MaxMemoryBytes        *int64   `json:"max_memory_bytes,omitempty"`
	MaxSkills             *int     `json:"max_skills,omitempty"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Ready      bool                           `json:"ready"`
	Healthy    bool                           `json:"healthy"`
	Servers    []*mcp.ServerInfo              `json:"servers"`
	Tenants    []isolation.EnvironmentSummary `json:"tenants"`
	SkillCount map[string]int                 `json:"skill_count"`
	Resources  []isolation.ResourceReport     `json:"resources"`
	Timestamp  time.Time                      `json:"timestamp"`
}

// Server is the HTTP surface over the broker stack.
type Server struct {
	cfg       *config.Config
	broker    *broker.Broker
	isolation *isolation.Manager
	skills    *skills.System
	logger    *slog.Logger
	httpSrv   *http.Server
}

// NewServer creates the API server. Call Start to begin listening.
func NewServer(cfg *config.Config, b *broker.Broker, iso *isolation.Manager, sk *skills.System, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		broker:    b,
		isolation: iso,
		skills:    sk,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/input", s.handleInput)
	mux.HandleFunc("/api/skills", s.handleSkills)
	mux.HandleFunc("/api/skills/", s.handleSkillByID)
	mux.HandleFunc("/api/tenants", s.handleCreateTenant)
	mux.HandleFunc("/api/tenants/", s.handleTenantRoutes)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving HTTP on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP API listening", "addr", s.cfg.Server.HTTPAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleExecute handles POST /api/execute requests.
// Failures come back with HTTP 200 and success=false in the envelope; the
// transport only reports its own errors.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body ExecuteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.TenantID == "" || body.ServerID == "" || body.Capability == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tenant_id, server_id, and capability are required")
		return
	}

	req := mcp.NewRequest(body.ServerID, body.Capability, body.TenantID, body.Payload)
	req.ConversationID = body.ConversationID

	resp := s.isolation.ExecuteRequest(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleInput handles POST /api/input requests: matches skills against the
// text, runs them, and returns the enhanced context.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body InputRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.TenantID == "" || body.Text == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tenant_id and text are required")
		return
	}

	matched := s.skills.AnalyzeUserInput(body.Text, body.TenantID, body.Context)
	executions := s.skills.ExecuteSkillsParallel(r.Context(), matched, body.Text, body.TenantID, body.ConversationID)
	enhanced := s.skills.EnhancedContext(body.TenantID, body.Context)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(InputResponse{
		MatchedSkills:   matched,
		Executions:      executions,
		EnhancedContext: enhanced,
	})
}

// handleSkills handles GET and POST /api/skills requests.
func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "tenant_id query param required")
			return
		}
		skillList := s.skills.TenantSkills(tenantID)
		if skillList == nil {
			skillList = []*mcp.Skill{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(skillList)

	case http.MethodPost:
		var skill mcp.Skill
		if err := json.NewDecoder(r.Body).Decode(&skill); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if skill.TenantID == "" || skill.ServerID == "" || skill.Capability == "" {
			s.sendJSONError(w, http.StatusBadRequest, "tenant_id, server_id, and capability are required")
			return
		}
		if err := s.skills.RegisterSkill(r.Context(), &skill); err != nil {
			if errors.Is(err, skills.ErrSkillLimit) {
				s.sendJSONError(w, http.StatusTooManyRequests, err.Error())
				return
			}
			s.logger.Error("skill registration failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&skill)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSkillByID handles GET and DELETE /api/skills/{id} requests.
func (s *Server) handleSkillByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/skills/")
	if id == "" || strings.Contains(id, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tenant_id query param required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		skill := s.skills.GetSkill(id, tenantID)
		if skill == nil {
			s.sendJSONError(w, http.StatusNotFound, "skill not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(skill)

	case http.MethodDelete:
		if err := s.skills.UnregisterSkill(r.Context(), id, tenantID); err != nil {
			s.logger.Error("skill removal failed", "skill_id", id, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCreateTenant handles POST /api/tenants requests.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.TenantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	if err := s.isolation.InitializeTenantEnvironment(r.Context(), body.TenantID, body.Policy); err != nil {
		s.logger.Error("tenant initialization failed", "tenant_id", body.TenantID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	summary, _ := s.isolation.TenantSummary(body.TenantID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(summary)
}

// handleTenantRoutes handles /api/tenants/{id} and /api/tenants/{id}/policy.
func (s *Server) handleTenantRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tenants/")
	parts := strings.Split(rest, "/")
	tenantID := parts[0]
	if tenantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		summary, ok := s.isolation.TenantSummary(tenantID)
		if !ok {
			s.sendJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.isolation.CleanupTenantEnvironment(tenantID)
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 2 && parts[1] == "policy" && r.Method == http.MethodPut:
		var body UpdatePolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		patch := isolation.PolicyPatch{
			AllowedServers:        body.AllowedServers,
			BlockedCapabilities:   body.BlockedCapabilities,
			MaxConcurrentRequests: body.MaxConcurrentRequests,
			MaxMemoryBytes:        body.MaxMemoryBytes,
			MaxSkills:             body.MaxSkills,
		}
		if err := s.isolation.UpdateTenantIsolation(r.Context(), tenantID, patch); err != nil {
			s.sendJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		policy, _ := s.isolation.TenantPolicy(tenantID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(policy)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStatus handles GET /api/status requests: broker readiness, registry
// snapshot, tenant summaries, and the aggregate health verdict.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantIDs := s.isolation.TenantIDs()
	tenants := make([]isolation.EnvironmentSummary, 0, len(tenantIDs))
	skillCount := make(map[string]int, len(tenantIDs))
	for _, id := range tenantIDs {
		if summary, ok := s.isolation.TenantSummary(id); ok {
			tenants = append(tenants, summary)
		}
		skillCount[id] = len(s.skills.TenantSkills(id))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Ready:      s.broker.Ready(),
		Healthy:    s.broker.Healthy(),
		Servers:    s.broker.Registry().AllServers(),
		Tenants:    tenants,
		SkillCount: skillCount,
		Resources:  s.isolation.MonitorTenantResources(),
		Timestamp:  time.Now(),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	verdict := "ok"
	if !s.broker.Healthy() {
		status = http.StatusServiceUnavailable
		verdict = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": verdict})
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
