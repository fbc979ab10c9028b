// ABOUTME: In-memory conversation memory server with short/long-term routing and compaction.
// ABOUTME: Stores per-conversation memory items and customer profiles with retention sweeps.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-broker/internal/mcp"
)

const (
	shortTermCap = 50
	longTermCap  = 200

	// contextIdleCutoff is how long a context may go untouched before the
	// background sweep deletes it.
	contextIdleCutoff = 30 * 24 * time.Hour

	defaultRetrieveLimit = 10
)

// MemoryItem is a single remembered fact.
type MemoryItem struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`       // preference, decision, fact, event, ...
	Content    string         `json:"content"`
	Importance string         `json:"importance"` // low, medium, high
	Timestamp  time.Time      `json:"timestamp"`
	ExpiresAt  time.Time      `json:"expires_at,omitempty"` // zero means no expiry
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CustomerProfile accumulates what is known about the customer behind a
// conversation.
type CustomerProfile struct {
	Preferences map[string]any   `json:"preferences,omitempty"`
	History     []map[string]any `json:"history,omitempty"`
	Situation   map[string]any   `json:"situation,omitempty"`
}

// memoryContext is the per-(conversation, tenant) store.
type memoryContext struct {
	ConversationID string
	TenantID       string
	ShortTerm      []*MemoryItem
	LongTerm       []*MemoryItem
	Profile        CustomerProfile
	LastAccessed   time.Time
}

// MemoryServer simulates a conversation-memory backend entirely in process.
type MemoryServer struct {
	mu       sync.Mutex
	contexts map[string]*memoryContext // conversationID + "/" + tenantID

	cfg         mcp.ServerConfig
	logger      *slog.Logger
	initialized bool
	done        chan struct{}

	sweepInterval time.Duration // overridable in tests
}

// NewMemoryServer creates a memory server with the given tuning.
func NewMemoryServer(cfg mcp.ServerConfig, logger *slog.Logger) *MemoryServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryServer{
		contexts:      make(map[string]*memoryContext),
		cfg:           cfg,
		logger:        logger.With("component", "memory-server"),
		sweepInterval: time.Hour,
	}
}

// Describe returns the registry descriptor.
func (s *MemoryServer) Describe() *mcp.ServerInfo {
	return &mcp.ServerInfo{
		ID:           "memory",
		Name:         "Conversation Memory",
		Type:         mcp.ServerTypeMemory,
		Status:       mcp.StatusDisconnected,
		Capabilities: s.Capabilities(),
		Config:       s.cfg,
		Version:      "1.0.0",
	}
}

// Initialize starts the retention sweep. Safe to call multiple times.
func (s *MemoryServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.done = make(chan struct{})
	go s.sweep(s.done)

	s.logger.Info("memory server initialized")
	return nil
}

// Capabilities lists the memory operations.
func (s *MemoryServer) Capabilities() []mcp.Capability {
	return []mcp.Capability{
		{
			Name:        "initializeTenant",
			Description: "Prepare memory storage for a tenant",
			InputSchema: map[string]any{"tenant_id": "string"},
			Enabled:     true,
		},
		{
			Name:        "storeMemory",
			Description: "Store a memory item for a conversation",
			InputSchema: map[string]any{
				"conversation_id": "string",
				"type":            "string",
				"content":         "string",
				"importance":      "low|medium|high",
				"ttl_seconds":     "number (optional)",
			},
			Enabled: true,
		},
		{
			Name:        "retrieveMemory",
			Description: "Retrieve memory items filtered by type, importance, or text",
			InputSchema: map[string]any{
				"conversation_id": "string",
				"type":            "string (optional)",
				"importance":      "string (optional)",
				"query":           "string (optional)",
				"limit":           "number (optional)",
			},
			Enabled: true,
		},
		{
			Name:        "updateCustomerProfile",
			Description: "Deep-merge updates into the customer profile",
			InputSchema: map[string]any{"conversation_id": "string", "profile": "object"},
			Enabled:     true,
		},
		{
			Name:        "getContext",
			Description: "Summarize a conversation's memory without raw items",
			InputSchema: map[string]any{"conversation_id": "string"},
			Enabled:     true,
		},
		{
			Name:        "clearMemory",
			Description: "Clear a conversation's memory, optionally by type",
			InputSchema: map[string]any{"conversation_id": "string", "type": "string (optional)"},
			Enabled:     true,
		},
	}
}

// Handle dispatches a memory capability call.
func (s *MemoryServer) Handle(ctx context.Context, req *mcp.Request) (any, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	switch req.Capability {
	case "initializeTenant":
		return s.initializeTenant(req)
	case "storeMemory":
		return s.storeMemory(req)
	case "retrieveMemory":
		return s.retrieveMemory(req)
	case "updateCustomerProfile":
		return s.updateProfile(req)
	case "getContext":
		return s.getContext(req)
	case "clearMemory":
		return s.clearMemory(req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, req.Capability)
	}
}

// Shutdown stops the retention sweep and drops all contexts.
func (s *MemoryServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	s.initialized = false
	close(s.done)
	s.contexts = make(map[string]*memoryContext)

	s.logger.Info("memory server shut down")
	return nil
}

func contextKey(conversationID, tenantID string) string {
	return conversationID + "/" + tenantID
}

// conversationID resolves the conversation from the payload or envelope.
func conversationID(req *mcp.Request) (string, error) {
	if id := stringArg(req.Payload, "conversation_id"); id != "" {
		return id, nil
	}
	if req.ConversationID != "" {
		return req.ConversationID, nil
	}
	return "", fmt.Errorf("missing required field %q", "conversation_id")
}

// getOrCreate returns the context for the pair, creating it on first use.
// Must be called with mu held.
func (s *MemoryServer) getOrCreate(conversationID, tenantID string) *memoryContext {
	key := contextKey(conversationID, tenantID)
	mc, ok := s.contexts[key]
	if !ok {
		mc = &memoryContext{
			ConversationID: conversationID,
			TenantID:       tenantID,
		}
		s.contexts[key] = mc
	}
	mc.LastAccessed = time.Now()
	return mc
}

func (s *MemoryServer) initializeTenant(req *mcp.Request) (any, error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = stringArg(req.Payload, "tenant_id")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("missing required field %q", "tenant_id")
	}

	s.logger.Debug("tenant memory initialized", "tenant_id", tenantID)
	return map[string]any{"tenant_id": tenantID, "initialized": true}, nil
}

func (s *MemoryServer) storeMemory(req *mcp.Request) (any, error) {
	convID, err := conversationID(req)
	if err != nil {
		return nil, err
	}
	content, err := requireStringArg(req.Payload, "content")
	if err != nil {
		return nil, err
	}

	item := &MemoryItem{
		ID:         uuid.New().String(),
		Type:       stringArg(req.Payload, "type"),
		Content:    content,
		Importance: stringArg(req.Payload, "importance"),
		Timestamp:  time.Now(),
		Metadata:   mapArg(req.Payload, "metadata"),
	}
	if item.Type == "" {
		item.Type = "fact"
	}
	if item.Importance == "" {
		item.Importance = "medium"
	}
	if ttl := intArg(req.Payload, "ttl_seconds", 0); ttl > 0 {
		item.ExpiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.getOrCreate(convID, req.TenantID)
	tier := "short_term"
	if isLongTerm(item) {
		mc.LongTerm = append(mc.LongTerm, item)
		mc.LongTerm = compact(mc.LongTerm, longTermCap)
		tier = "long_term"
	} else {
		mc.ShortTerm = append(mc.ShortTerm, item)
		mc.ShortTerm = compact(mc.ShortTerm, shortTermCap)
	}

	return map[string]any{"id": item.ID, "tier": tier, "stored": true}, nil
}

func (s *MemoryServer) retrieveMemory(req *mcp.Request) (any, error) {
	convID, err := conversationID(req)
	if err != nil {
		return nil, err
	}
	typeFilter := stringArg(req.Payload, "type")
	importanceFilter := stringArg(req.Payload, "importance")
	query := strings.ToLower(stringArg(req.Payload, "query"))
	limit := intArg(req.Payload, "limit", defaultRetrieveLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.getOrCreate(convID, req.TenantID)
	now := time.Now()

	var matched []*MemoryItem
	for _, item := range append(append([]*MemoryItem{}, mc.LongTerm...), mc.ShortTerm...) {
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			continue
		}
		if typeFilter != "" && item.Type != typeFilter {
			continue
		}
		if importanceFilter != "" && item.Importance != importanceFilter {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(item.Content), query) {
			continue
		}
		matched = append(matched, item)
	}

	sortItems(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return map[string]any{"items": matched, "count": len(matched)}, nil
}

func (s *MemoryServer) updateProfile(req *mcp.Request) (any, error) {
	convID, err := conversationID(req)
	if err != nil {
		return nil, err
	}
	patch := mapArg(req.Payload, "profile")
	if patch == nil {
		return nil, fmt.Errorf("missing required field %q", "profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.getOrCreate(convID, req.TenantID)
	if prefs := nestedMap(patch, "preferences"); prefs != nil {
		mc.Profile.Preferences = deepMerge(mc.Profile.Preferences, prefs)
	}
	if sit := nestedMap(patch, "situation"); sit != nil {
		mc.Profile.Situation = deepMerge(mc.Profile.Situation, sit)
	}
	if hist, ok := patch["history"].([]any); ok {
		for _, entry := range hist {
			if m, ok := entry.(map[string]any); ok {
				mc.Profile.History = append(mc.Profile.History, m)
			}
		}
	}

	return map[string]any{"profile": mc.Profile, "updated": true}, nil
}

func (s *MemoryServer) getContext(req *mcp.Request) (any, error) {
	convID, err := conversationID(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.getOrCreate(convID, req.TenantID)
	return map[string]any{
		"conversation_id":  mc.ConversationID,
		"short_term_count": len(mc.ShortTerm),
		"long_term_count":  len(mc.LongTerm),
		"has_preferences":  len(mc.Profile.Preferences) > 0,
		"history_entries":  len(mc.Profile.History),
		"last_accessed":    mc.LastAccessed,
	}, nil
}

func (s *MemoryServer) clearMemory(req *mcp.Request) (any, error) {
	convID, err := conversationID(req)
	if err != nil {
		return nil, err
	}
	typeFilter := stringArg(req.Payload, "type")

	s.mu.Lock()
	defer s.mu.Unlock()

	key := contextKey(convID, req.TenantID)
	mc, ok := s.contexts[key]
	if !ok {
		return map[string]any{"cleared": 0}, nil
	}

	if typeFilter == "" {
		cleared := len(mc.ShortTerm) + len(mc.LongTerm)
		delete(s.contexts, key)
		return map[string]any{"cleared": cleared}, nil
	}

	cleared := 0
	mc.ShortTerm, cleared = dropType(mc.ShortTerm, typeFilter, cleared)
	mc.LongTerm, cleared = dropType(mc.LongTerm, typeFilter, cleared)
	mc.LastAccessed = time.Now()
	return map[string]any{"cleared": cleared}, nil
}

// isLongTerm routes high-importance items and durable types to long-term.
func isLongTerm(item *MemoryItem) bool {
	if item.Importance == "high" {
		return true
	}
	return item.Type == "preference" || item.Type == "decision"
}

func importanceRank(importance string) int {
	switch importance {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// sortItems orders by importance descending, then recency descending.
func sortItems(items []*MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := importanceRank(items[i].Importance), importanceRank(items[j].Importance)
		if ri != rj {
			return ri > rj
		}
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}

// compact trims a tier to its cap, keeping the highest-importance then
// most-recent items.
func compact(items []*MemoryItem, limit int) []*MemoryItem {
	if len(items) <= limit {
		return items
	}
	sorted := append([]*MemoryItem{}, items...)
	sortItems(sorted)
	return sorted[:limit]
}

func dropType(items []*MemoryItem, typeFilter string, cleared int) ([]*MemoryItem, int) {
	kept := items[:0]
	for _, item := range items {
		if item.Type == typeFilter {
			cleared++
			continue
		}
		kept = append(kept, item)
	}
	return kept, cleared
}

// nestedMap reads a map-valued key.
func nestedMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// deepMerge merges src into dst recursively, with src winning scalar conflicts.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// sweep purges expired items and deletes contexts idle past the cutoff.
func (s *MemoryServer) sweep(done <-chan struct{}) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.runSweep()
		}
	}
}

func (s *MemoryServer) runSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purgedItems, purgedContexts := 0, 0
	for key, mc := range s.contexts {
		if now.Sub(mc.LastAccessed) > contextIdleCutoff {
			delete(s.contexts, key)
			purgedContexts++
			continue
		}
		mc.ShortTerm, purgedItems = dropExpired(mc.ShortTerm, now, purgedItems)
		mc.LongTerm, purgedItems = dropExpired(mc.LongTerm, now, purgedItems)
	}

	if purgedItems > 0 || purgedContexts > 0 {
		s.logger.Debug("memory sweep",
			"items_purged", purgedItems,
			"contexts_purged", purgedContexts,
		)
	}
}

func dropExpired(items []*MemoryItem, now time.Time, purged int) ([]*MemoryItem, int) {
	kept := items[:0]
	for _, item := range items {
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			purged++
			continue
		}
		kept = append(kept, item)
	}
	return kept, purged
}
