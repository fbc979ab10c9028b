// ABOUTME: Skill injection system matching user input to declarative skills.
// ABOUTME: Executes matched skills through the broker and records enhancements.

package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-broker/internal/mcp"
	"github.com/2389/mcp-broker/internal/store"
)

const (
	enhancementWindow = time.Hour
	executionHistory  = 24 * time.Hour
	historyCap        = 100
	fastExecution     = time.Second
)

// ErrSkillLimit indicates the tenant is at its registered-skill ceiling.
var ErrSkillLimit = errors.New("skill limit reached")

// Executor dispatches a capability request. Satisfied by the broker and by
// the isolation manager.
type Executor interface {
	ExecuteRequest(ctx context.Context, req *mcp.Request) *mcp.Response
}

// SkillDirectory receives a mirror of skill registrations so the server
// registry's per-tenant skill catalog and statistics stay current.
// Satisfied by *registry.Registry.
type SkillDirectory interface {
	AddSkill(skill *mcp.Skill)
	RemoveSkill(id, tenantID string)
}

// tenantSkills holds one tenant's working set, kept sorted by priority
// descending with registration order as the tie-break.
type tenantSkills struct {
	ordered      []*mcp.Skill
	executions   map[string][]*mcp.SkillExecution // skillID -> history
	enhancements []mcp.ContextEnhancement
}

// System owns skill registration, matching, and execution for all tenants.
type System struct {
	executor   Executor
	store      store.SkillStore
	logger     *slog.Logger
	dir        SkillDirectory
	skillLimit func(tenantID string) int

	mu      sync.RWMutex
	tenants map[string]*tenantSkills

	cleanupInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once
}

// NewSystem creates a skill system. The store may be nil for purely volatile
// operation.
func NewSystem(executor Executor, skillStore store.SkillStore, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	if skillStore == nil {
		skillStore = store.NewMemoryStore()
	}
	return &System{
		executor:        executor,
		store:           skillStore,
		logger:          logger.With("component", "skills"),
		tenants:         make(map[string]*tenantSkills),
		cleanupInterval: time.Hour,
		done:            make(chan struct{}),
	}
}

// SetDirectory installs the registry mirror for skill registrations.
// Call before Start.
func (s *System) SetDirectory(dir SkillDirectory) {
	s.dir = dir
}

// SetSkillLimit installs the per-tenant skill ceiling lookup. A nil function
// or a non-positive limit disables the check. Call before Start.
func (s *System) SetSkillLimit(limit func(tenantID string) int) {
	s.skillLimit = limit
}

// Start launches the hourly cleanup of stale enhancements and history.
func (s *System) Start() {
	go s.cleanupLoop()
}

// Stop halts the cleanup loop. Safe to call more than once.
func (s *System) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *System) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup prunes context enhancements older than one hour and execution
// history older than 24 hours.
func (s *System) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for tenantID, ts := range s.tenants {
		kept := ts.enhancements[:0]
		for _, e := range ts.enhancements {
			if now.Sub(e.Timestamp) < enhancementWindow {
				kept = append(kept, e)
			}
		}
		ts.enhancements = kept

		for skillID, history := range ts.executions {
			keptHist := history[:0]
			for _, ex := range history {
				if now.Sub(ex.Timestamp) < executionHistory {
					keptHist = append(keptHist, ex)
				}
			}
			if len(keptHist) == 0 {
				delete(ts.executions, skillID)
				continue
			}
			ts.executions[skillID] = keptHist
		}

		if len(ts.ordered) == 0 && len(ts.executions) == 0 && len(ts.enhancements) == 0 {
			delete(s.tenants, tenantID)
		}
	}
}

// tenant returns the working set for a tenant, creating it if needed.
// Caller holds s.mu.
func (s *System) tenant(tenantID string) *tenantSkills {
	ts, ok := s.tenants[tenantID]
	if !ok {
		ts = &tenantSkills{executions: make(map[string][]*mcp.SkillExecution)}
		s.tenants[tenantID] = ts
	}
	return ts
}

// RegisterSkill upserts a skill into its tenant's list, re-sorted by
// priority descending. A missing ID is filled in; the skill is persisted
// through the store.
func (s *System) RegisterSkill(ctx context.Context, skill *mcp.Skill) error {
	if skill.TenantID == "" {
		return fmt.Errorf("skill %q has no tenant", skill.Name)
	}
	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}

	s.mu.Lock()
	ts := s.tenant(skill.TenantID)
	replaced := false
	for i, existing := range ts.ordered {
		if existing.ID == skill.ID {
			ts.ordered[i] = skill
			replaced = true
			break
		}
	}
	if !replaced {
		if s.skillLimit != nil {
			if limit := s.skillLimit(skill.TenantID); limit > 0 && len(ts.ordered) >= limit {
				s.mu.Unlock()
				return fmt.Errorf("%w: tenant %s at %d skills", ErrSkillLimit, skill.TenantID, limit)
			}
		}
		ts.ordered = append(ts.ordered, skill)
	}
	sort.SliceStable(ts.ordered, func(i, j int) bool {
		return ts.ordered[i].Priority > ts.ordered[j].Priority
	})
	s.mu.Unlock()

	if err := s.store.SaveSkill(ctx, skill); err != nil {
		return fmt.Errorf("persisting skill %s: %w", skill.ID, err)
	}
	if s.dir != nil {
		s.dir.AddSkill(skill)
	}

	s.logger.Debug("skill registered",
		"skill_id", skill.ID,
		"tenant_id", skill.TenantID,
		"priority", skill.Priority,
	)
	return nil
}

// UnregisterSkill removes a skill from the tenant's list and the store.
func (s *System) UnregisterSkill(ctx context.Context, id, tenantID string) error {
	s.mu.Lock()
	ts, ok := s.tenants[tenantID]
	if ok {
		for i, skill := range ts.ordered {
			if skill.ID == id {
				ts.ordered = append(ts.ordered[:i], ts.ordered[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if err := s.store.DeleteSkill(ctx, id, tenantID); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("removing skill %s: %w", id, err)
	}
	if s.dir != nil {
		s.dir.RemoveSkill(id, tenantID)
	}
	return nil
}

// GetSkill returns a tenant's skill by ID, or nil.
func (s *System) GetSkill(id, tenantID string) *mcp.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	for _, skill := range ts.ordered {
		if skill.ID == id {
			return skill
		}
	}
	return nil
}

// TenantSkills returns all of a tenant's skills, priority descending.
func (s *System) TenantSkills(tenantID string) []*mcp.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	return append([]*mcp.Skill(nil), ts.ordered...)
}

// ActiveSkills returns the tenant's active skills, priority descending.
func (s *System) ActiveSkills(tenantID string) []*mcp.Skill {
	var active []*mcp.Skill
	for _, skill := range s.TenantSkills(tenantID) {
		if skill.Active {
			active = append(active, skill)
		}
	}
	return active
}

// AnalyzeUserInput returns the tenant's active skills whose conditions match
// the input, ordered by priority descending. A skill matches when at least
// one keyword appears in the lowercased input, every declared context key is
// present, and the current stage is among the skill's allowed stages.
func (s *System) AnalyzeUserInput(text, tenantID string, context map[string]any) []*mcp.Skill {
	lowered := strings.ToLower(text)

	var matched []*mcp.Skill
	for _, skill := range s.ActiveSkills(tenantID) {
		if matchesConditions(skill, lowered, context) {
			matched = append(matched, skill)
		}
	}
	return matched
}

func matchesConditions(skill *mcp.Skill, loweredInput string, context map[string]any) bool {
	keywordHit := len(skill.Conditions.Keywords) == 0
	for _, kw := range skill.Conditions.Keywords {
		if strings.Contains(loweredInput, strings.ToLower(kw)) {
			keywordHit = true
			break
		}
	}
	if !keywordHit {
		return false
	}

	for _, key := range skill.Conditions.Context {
		if _, ok := context[key]; !ok {
			return false
		}
	}

	if len(skill.Conditions.Stages) > 0 {
		stage, _ := context["stage"].(string)
		found := false
		for _, allowed := range skill.Conditions.Stages {
			if allowed == stage {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExecuteSkill routes the skill's capability call through the executor and
// records the outcome. It never returns an error; failures are captured in
// the execution record.
func (s *System) ExecuteSkill(ctx context.Context, skill *mcp.Skill, input any, tenantID, conversationID string) *mcp.SkillExecution {
	payload := map[string]any{"input": input}
	if conversationID != "" {
		payload["conversation_id"] = conversationID
	}
	req := mcp.NewRequest(skill.ServerID, skill.Capability, tenantID, payload)
	req.ConversationID = conversationID

	resp := s.executor.ExecuteRequest(ctx, req)

	execution := &mcp.SkillExecution{
		SkillID:       skill.ID,
		Input:         input,
		Output:        resp.Data,
		Confidence:    confidence(resp),
		Timestamp:     time.Now(),
		ExecutionTime: resp.ExecutionTime,
		Success:       resp.Success,
		Error:         resp.Error,
	}

	s.record(tenantID, skill, execution)
	return execution
}

// confidence scores an execution: base 0.5, +0.3 on success, +0.1 for a
// non-nil object payload, +0.1 for sub-second execution, capped at 1.0.
func confidence(resp *mcp.Response) float64 {
	score := 0.5
	if resp.Success {
		score += 0.3
	}
	if obj, ok := resp.Data.(map[string]any); ok && obj != nil {
		score += 0.1
	}
	if resp.ExecutionTime < fastExecution {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// record appends the execution to history and, on success, a context
// enhancement. History is capped per skill.
func (s *System) record(tenantID string, skill *mcp.Skill, execution *mcp.SkillExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tenant(tenantID)
	history := append(ts.executions[skill.ID], execution)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	ts.executions[skill.ID] = history

	if execution.Success {
		ts.enhancements = append(ts.enhancements, mcp.ContextEnhancement{
			SkillID:   skill.ID,
			SkillName: skill.Name,
			Source:    skill.ServerID,
			Data:      execution.Output,
			Priority:  skill.Priority,
			Relevance: execution.Confidence,
			Timestamp: execution.Timestamp,
		})
	}
}

// ExecuteSkillsParallel runs the skills concurrently and returns the
// successful executions in the input order.
func (s *System) ExecuteSkillsParallel(ctx context.Context, matched []*mcp.Skill, input any, tenantID, conversationID string) []*mcp.SkillExecution {
	results := make([]*mcp.SkillExecution, len(matched))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, skill := range matched {
		i, skill := i, skill
		group.Go(func() error {
			results[i] = s.ExecuteSkill(groupCtx, skill, input, tenantID, conversationID)
			return nil
		})
	}
	_ = group.Wait()

	successes := make([]*mcp.SkillExecution, 0, len(results))
	for _, execution := range results {
		if execution != nil && execution.Success {
			successes = append(successes, execution)
		}
	}
	return successes
}

// SkillMetrics aggregates a skill's execution history.
func (s *System) SkillMetrics(skillID, tenantID string) mcp.SkillMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tenants[tenantID]
	if !ok {
		return mcp.SkillMetrics{}
	}
	history := ts.executions[skillID]
	if len(history) == 0 {
		return mcp.SkillMetrics{}
	}

	var successes int
	var totalTime time.Duration
	var totalConfidence float64
	for _, ex := range history {
		if ex.Success {
			successes++
		}
		totalTime += ex.ExecutionTime
		totalConfidence += ex.Confidence
	}

	n := len(history)
	return mcp.SkillMetrics{
		TotalExecutions:      n,
		SuccessRate:          float64(successes) / float64(n),
		AverageExecutionTime: totalTime / time.Duration(n),
		AverageConfidence:    totalConfidence / float64(n),
	}
}

// EnhancedContext bundles the enhancements recorded in the last hour, sorted
// by priority then relevance descending, for downstream prompt assembly.
func (s *System) EnhancedContext(tenantID string, base map[string]any) *mcp.EnhancedContext {
	cutoff := time.Now().Add(-enhancementWindow)

	s.mu.RLock()
	var recent []mcp.ContextEnhancement
	if ts, ok := s.tenants[tenantID]; ok {
		for _, e := range ts.enhancements {
			if e.Timestamp.After(cutoff) {
				recent = append(recent, e)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(recent, func(i, j int) bool {
		if recent[i].Priority != recent[j].Priority {
			return recent[i].Priority > recent[j].Priority
		}
		return recent[i].Relevance > recent[j].Relevance
	})

	var totalRelevance float64
	seen := make(map[string]struct{})
	var sources []string
	for _, e := range recent {
		totalRelevance += e.Relevance
		if _, ok := seen[e.Source]; !ok {
			seen[e.Source] = struct{}{}
			sources = append(sources, e.Source)
		}
	}

	return &mcp.EnhancedContext{
		Base:           base,
		Enhancements:   recent,
		TotalRelevance: totalRelevance,
		Sources:        sources,
		LastUpdated:    time.Now(),
	}
}

// InitializeTenantSkills seeds the generic catalog plus the industry catalog
// for a tenant, then overlays any skills already persisted in the store.
func (s *System) InitializeTenantSkills(ctx context.Context, tenantID, industry string) error {
	catalog, err := loadCatalog(industry)
	if err != nil {
		return fmt.Errorf("loading skill catalog: %w", err)
	}

	for _, template := range catalog {
		skill := template
		skill.ID = fmt.Sprintf("%s-%s", template.ID, tenantID)
		skill.TenantID = tenantID
		if err := s.RegisterSkill(ctx, &skill); err != nil {
			return err
		}
	}

	// Persisted skills win over catalog templates with the same ID.
	persisted, err := s.store.LoadTenantSkills(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading persisted skills: %w", err)
	}
	for _, skill := range persisted {
		if s.GetSkill(skill.ID, tenantID) != nil {
			continue
		}
		if err := s.RegisterSkill(ctx, skill); err != nil {
			return err
		}
	}

	s.logger.Info("tenant skills initialized",
		"tenant_id", tenantID,
		"industry", industry,
		"skill_count", len(s.TenantSkills(tenantID)),
	)
	return nil
}
