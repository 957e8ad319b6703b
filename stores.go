package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MEMORY STORES
// ============================================================================

// MemoryRoleStore is a mutex-guarded in-process role directory, the
// default when no external store is wired.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*Role)}
}

func (s *MemoryRoleStore) CreateRole(_ context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("role id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[r.ID]; exists {
		return fmt.Errorf("role %q already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.roles[r.ID] = cloneRole(r)
	return nil
}

func (s *MemoryRoleStore) UpdateRole(_ context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("role id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.roles[r.ID]
	if !exists {
		return fmt.Errorf("role %q not found", r.ID)
	}
	dup := cloneRole(r)
	dup.CreatedAt = old.CreatedAt
	s.roles[r.ID] = dup
	return nil
}

func (s *MemoryRoleStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[id]; !exists {
		return fmt.Errorf("role %q not found", id)
	}
	delete(s.roles, id)
	return nil
}

func (s *MemoryRoleStore) GetRole(_ context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %q not found", id)
	}
	return cloneRole(r), nil
}

func (s *MemoryRoleStore) ListRoles(_ context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneRole(r *Role) *Role {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Permissions = append([]Permission(nil), r.Permissions...)
	dup.Parents = append([]string(nil), r.Parents...)
	if r.Metadata != nil {
		dup.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// MemoryAssignmentStore keeps user to role assignments in memory.
type MemoryAssignmentStore struct {
	mu    sync.RWMutex
	byUID map[string]map[string]bool
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{byUID: make(map[string]map[string]bool)}
}

func (s *MemoryAssignmentStore) AssignRole(_ context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("user id and role id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byUID[userID] == nil {
		s.byUID[userID] = make(map[string]bool)
	}
	s.byUID[userID][roleID] = true
	return nil
}

func (s *MemoryAssignmentStore) RevokeRole(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roles := s.byUID[userID]; roles != nil {
		delete(roles, roleID)
	}
	return nil
}

func (s *MemoryAssignmentStore) ListRoles(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := s.byUID[userID]
	out := make([]string, 0, len(roles))
	for id := range roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
