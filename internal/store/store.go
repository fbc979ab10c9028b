// ABOUTME: SkillStore interface and the in-memory default implementation.
// ABOUTME: Abstracts skill persistence so an external store can back tenant state.

package store

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/mcp-broker/internal/mcp"
)

// ErrNotFound is returned when a skill does not exist in the store.
var ErrNotFound = errors.New("not found")

// SkillStore persists tenant skill definitions. The skill system keeps its
// working set in memory and writes through to the store, so implementations
// only need durability, not speed.
type SkillStore interface {
	SaveSkill(ctx context.Context, skill *mcp.Skill) error
	DeleteSkill(ctx context.Context, id, tenantID string) error
	LoadTenantSkills(ctx context.Context, tenantID string) ([]*mcp.Skill, error)
	Close() error
}

// MemoryStore is the default volatile SkillStore.
type MemoryStore struct {
	mu     sync.RWMutex
	skills map[string]map[string]*mcp.Skill // tenantID -> skillID -> skill
}

// NewMemoryStore creates an empty in-memory skill store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{skills: make(map[string]map[string]*mcp.Skill)}
}

// SaveSkill inserts or replaces a skill.
func (s *MemoryStore) SaveSkill(ctx context.Context, skill *mcp.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.skills[skill.TenantID]
	if !ok {
		tenant = make(map[string]*mcp.Skill)
		s.skills[skill.TenantID] = tenant
	}
	copied := *skill
	tenant[skill.ID] = &copied
	return nil
}

// DeleteSkill removes a skill. Returns ErrNotFound if it does not exist.
func (s *MemoryStore) DeleteSkill(ctx context.Context, id, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.skills[tenantID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := tenant[id]; !ok {
		return ErrNotFound
	}
	delete(tenant, id)
	return nil
}

// LoadTenantSkills returns all skills stored for a tenant.
func (s *MemoryStore) LoadTenantSkills(ctx context.Context, tenantID string) ([]*mcp.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant := s.skills[tenantID]
	skills := make([]*mcp.Skill, 0, len(tenant))
	for _, skill := range tenant {
		copied := *skill
		skills = append(skills, &copied)
	}
	return skills, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ SkillStore = (*MemoryStore)(nil)
