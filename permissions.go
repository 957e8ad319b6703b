package policy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/policy/logger"
	"github.com/oarkflow/policy/utils"
)

// ============================================================================
// PERMISSION TYPES
// ============================================================================

// Action names an operation on a resource. "*" grants all actions.
type Action string

// GrantType records how a permission was granted.
type GrantType string

const (
	GrantDirect    GrantType = "direct"
	GrantInherited GrantType = "inherited"
	GrantDelegated GrantType = "delegated"
)

// DayTimeWindow restricts a grant to a clock range on given weekdays.
// Empty Days means every day.
type DayTimeWindow struct {
	Window TimeWindow     `json:"window" yaml:"window"`
	Days   []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
}

// PermissionConditions gate a grant. Every populated category must pass;
// any evaluation error denies.
type PermissionConditions struct {
	TimeWindow    *DayTimeWindow `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	Locations     []string       `json:"locations,omitempty" yaml:"locations,omitempty"`
	RequiredState map[string]any `json:"required_state,omitempty" yaml:"required_state,omitempty"`
	Predicate     string         `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Permission grants actions on resources. ResourceID may be "*" or a
// wildcard pattern; an empty ContextID applies to every context.
type Permission struct {
	ID           string                `json:"id" yaml:"id"`
	ResourceType string                `json:"resource_type" yaml:"resource_type"`
	ResourceID   string                `json:"resource_id" yaml:"resource_id"`
	ContextID    string                `json:"context_id,omitempty" yaml:"context_id,omitempty"`
	Actions      []Action              `json:"actions" yaml:"actions"`
	Conditions   *PermissionConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	GrantType    GrantType             `json:"grant_type,omitempty" yaml:"grant_type,omitempty"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// IsExpired reports whether the grant has lapsed at t.
func (p Permission) IsExpired(t time.Time) bool {
	return p.ExpiresAt != nil && t.After(*p.ExpiresAt)
}

// AllowsAction reports whether the grant covers the action.
func (p Permission) AllowsAction(a Action) bool {
	for _, pa := range p.Actions {
		if pa == "*" || pa == a {
			return true
		}
	}
	return false
}

// Role bundles permissions and may inherit from parent roles.
type Role struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []Permission   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Parents     []string       `json:"parents,omitempty" yaml:"parents,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at,omitempty"`
}

// ResolvedRole is a role with its full inheritance flattened in. Chain
// records the visit order, own role first.
type ResolvedRole struct {
	RoleID        string       `json:"role_id"`
	Name          string       `json:"name"`
	Permissions   []Permission `json:"permissions"`
	InheritedFrom []string     `json:"inherited_from,omitempty"`
	Chain         []string     `json:"chain"`
	ComputedAt    time.Time    `json:"computed_at"`
}

// PermissionEnv is the environment a permission check runs in.
type PermissionEnv struct {
	Now      time.Time      `json:"now"`
	Location string         `json:"location,omitempty"`
	State    map[string]any `json:"state,omitempty"`
}

func (env *PermissionEnv) now() time.Time {
	if env == nil || env.Now.IsZero() {
		return time.Now()
	}
	return env.Now
}

// CheckRequest names the access being tested.
type CheckRequest struct {
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       Action         `json:"action"`
	ContextID    string         `json:"context_id,omitempty"`
	Env          *PermissionEnv `json:"env,omitempty"`
}

// ============================================================================
// DIRECTORY INTERFACES
// ============================================================================

// RoleStore is the role directory the permission engine reads from.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
}

// AssignmentStore maps users to roles.
type AssignmentStore interface {
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	ListRoles(ctx context.Context, userID string) ([]string, error)
}

// ============================================================================
// PERMISSION ENGINE
// ============================================================================

// PermissionEngine computes effective permissions over role inheritance
// and answers access checks. All failures deny; errors never grant.
type PermissionEngine struct {
	roles       RoleStore
	assignments AssignmentStore
	conds       *ConditionEngine
	log         logger.Logger

	roleCache      *CacheStore[*ResolvedRole]
	checkCache     *CacheStore[bool]
	effectiveCache *CacheStore[[]Permission]
	inflight       singleflight.Group
}

// NewPermissionEngine wires the engine to its directories. Cache
// capacity <= 0 uses DefaultCacheCapacity.
func NewPermissionEngine(roles RoleStore, assignments AssignmentStore, conds *ConditionEngine, capacity int) *PermissionEngine {
	if conds == nil {
		conds = NewConditionEngine()
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &PermissionEngine{
		roles:          roles,
		assignments:    assignments,
		conds:          conds,
		log:            logger.NewNullLogger(),
		roleCache:      NewCacheStore[*ResolvedRole](capacity, DefaultRoleTTL),
		checkCache:     NewCacheStore[bool](capacity, DefaultCheckTTL),
		effectiveCache: NewCacheStore[[]Permission](capacity, DefaultEffectiveTTL),
	}
}

// SetLogger replaces the engine logger.
func (e *PermissionEngine) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNullLogger()
	}
	e.log = l
}

// SetCacheTTLs overrides the three store TTLs. Zero keeps the default.
func (e *PermissionEngine) SetCacheTTLs(role, check, effective time.Duration) {
	if role > 0 {
		e.roleCache.defaultTTL = role
	}
	if check > 0 {
		e.checkCache.defaultTTL = check
	}
	if effective > 0 {
		e.effectiveCache.defaultTTL = effective
	}
}

// CacheStats reports the three stores' counters keyed by store name.
func (e *PermissionEngine) CacheStats() map[string]CacheStats {
	return map[string]CacheStats{
		"roles":     e.roleCache.Stats(),
		"checks":    e.checkCache.Stats(),
		"effective": e.effectiveCache.Stats(),
	}
}

// ResolveRole flattens a role's inheritance. The DFS carries a visited
// set so inheritance cycles terminate and each role contributes once;
// a child's permissions come before its ancestors'.
func (e *PermissionEngine) ResolveRole(ctx context.Context, roleID string) (*ResolvedRole, error) {
	cacheKey := "role:" + roleID
	if cached, ok := e.roleCache.Get(cacheKey); ok {
		return cached, nil
	}
	if e.roles == nil {
		return nil, fmt.Errorf("no role store configured")
	}
	root, err := e.roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("resolve role %q: %w", roleID, err)
	}
	resolved := &ResolvedRole{RoleID: roleID, Name: root.Name, ComputedAt: time.Now()}
	visited := make(map[string]bool)
	e.walkRole(ctx, root, roleID, visited, resolved)
	e.roleCache.Set(cacheKey, resolved)
	return resolved, nil
}

func (e *PermissionEngine) walkRole(ctx context.Context, r *Role, rootID string, visited map[string]bool, out *ResolvedRole) {
	if r == nil || visited[r.ID] {
		return
	}
	visited[r.ID] = true
	out.Chain = append(out.Chain, r.ID)
	for _, p := range r.Permissions {
		if r.ID != rootID && p.GrantType == "" {
			p.GrantType = GrantInherited
		}
		out.Permissions = append(out.Permissions, p)
	}
	if r.ID != rootID {
		out.InheritedFrom = append(out.InheritedFrom, r.ID)
	}
	for _, parentID := range r.Parents {
		if visited[parentID] {
			continue
		}
		parent, err := e.roles.GetRole(ctx, parentID)
		if err != nil {
			e.log.Debug("parent role lookup failed", "role", parentID, "error", err.Error())
			continue
		}
		e.walkRole(ctx, parent, rootID, visited, out)
	}
}

// EffectivePermissions computes (or serves cached) merged permissions
// for a user in a context. Concurrent misses for the same key share one
// computation. Store failures yield an empty set, never an error.
func (e *PermissionEngine) EffectivePermissions(ctx context.Context, userID, contextID string) []Permission {
	key := "perm:" + userID + ":" + contextID
	if cached, ok := e.effectiveCache.Get(key); ok {
		return cached
	}
	out, _, _ := e.inflight.Do(key, func() (any, error) {
		perms := e.computeEffective(ctx, userID, contextID)
		e.effectiveCache.Set(key, perms)
		return perms, nil
	})
	perms, _ := out.([]Permission)
	return perms
}

func (e *PermissionEngine) computeEffective(ctx context.Context, userID, contextID string) []Permission {
	if e.assignments == nil {
		return []Permission{}
	}
	roleIDs, err := e.assignments.ListRoles(ctx, userID)
	if err != nil {
		e.log.Error("role assignment lookup failed", "user", userID, "error", err.Error())
		return []Permission{}
	}
	collected := make([]Permission, 0)
	for _, roleID := range roleIDs {
		resolved, err := e.ResolveRole(ctx, roleID)
		if err != nil {
			e.log.Error("role resolution failed", "role", roleID, "error", err.Error())
			return []Permission{}
		}
		collected = append(collected, resolved.Permissions...)
	}
	now := time.Now()
	filtered := collected[:0]
	for _, p := range collected {
		if p.IsExpired(now) {
			continue
		}
		if contextID != "" && p.ContextID != "" && p.ContextID != contextID {
			continue
		}
		filtered = append(filtered, p)
	}
	return mergePermissions(filtered)
}

// mergePermissions deduplicates grants by (resourceType, resourceID),
// unioning actions. The most permissive duplicate wins: unconditional
// beats conditional, no expiry beats any expiry.
func mergePermissions(perms []Permission) []Permission {
	type slot struct{ index int }
	byKey := make(map[string]slot, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		key := p.ResourceType + "\x00" + p.ResourceID
		s, ok := byKey[key]
		if !ok {
			dup := p
			dup.Actions = append([]Action(nil), p.Actions...)
			out = append(out, dup)
			byKey[key] = slot{index: len(out) - 1}
			continue
		}
		merged := &out[s.index]
		for _, a := range p.Actions {
			if !merged.AllowsAction(a) || a == "*" {
				if !containsAction(merged.Actions, a) {
					merged.Actions = append(merged.Actions, a)
				}
			}
		}
		if p.Conditions == nil {
			merged.Conditions = nil
		}
		if p.ExpiresAt == nil {
			merged.ExpiresAt = nil
		} else if merged.ExpiresAt != nil && p.ExpiresAt.After(*merged.ExpiresAt) {
			merged.ExpiresAt = p.ExpiresAt
		}
	}
	return out
}

func containsAction(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// Check answers one access question. Results are cached for the check
// TTL, keyed by user, context, resource and action. Requests carrying
// an environment bypass the cache entirely: their answer depends on
// inputs the key cannot capture. Every failure path denies.
func (e *PermissionEngine) Check(ctx context.Context, userID string, req CheckRequest) bool {
	cacheable := req.Env == nil
	key := "check:" + userID + ":" + req.ContextID + ":" + req.ResourceType + ":" + req.ResourceID + ":" + string(req.Action)
	if cacheable {
		if cached, ok := e.checkCache.Get(key); ok {
			return cached
		}
	}
	allowed := false
	for _, p := range e.EffectivePermissions(ctx, userID, req.ContextID) {
		if !e.permissionMatches(p, req) {
			continue
		}
		if !e.ValidateConditions(p, req.Env) {
			continue
		}
		allowed = true
		break
	}
	if cacheable {
		e.checkCache.Set(key, allowed)
	}
	return allowed
}

func (e *PermissionEngine) permissionMatches(p Permission, req CheckRequest) bool {
	if p.ResourceType != "*" && p.ResourceType != req.ResourceType {
		return false
	}
	if p.ResourceID != "*" && !utils.MatchResource(p.ResourceID, req.ResourceID) {
		return false
	}
	return p.AllowsAction(req.Action)
}

// ValidateConditions applies every populated condition category against
// the environment. Missing inputs and evaluation errors deny.
func (e *PermissionEngine) ValidateConditions(p Permission, env *PermissionEnv) bool {
	c := p.Conditions
	if c == nil {
		return true
	}
	now := env.now()
	if c.TimeWindow != nil {
		if len(c.TimeWindow.Days) > 0 {
			dayOK := false
			for _, d := range c.TimeWindow.Days {
				if now.Weekday() == d {
					dayOK = true
					break
				}
			}
			if !dayOK {
				return false
			}
		}
		if !c.TimeWindow.Window.Contains(now) {
			return false
		}
	}
	if len(c.Locations) > 0 {
		if env == nil || !containsString(c.Locations, env.Location) {
			return false
		}
	}
	if len(c.RequiredState) > 0 {
		if env == nil {
			return false
		}
		for k, want := range c.RequiredState {
			got, ok := env.State[k]
			if !ok || !looseEqual(got, want) {
				return false
			}
		}
	}
	if c.Predicate != "" {
		ec := &EvalContext{Clock: TimeContext{Now: now}}
		if env != nil {
			ec.System = env.State
			ec.Vars = map[string]any{"location": env.Location}
		}
		res := e.conds.Evaluate(&ScriptCondition{Source: c.Predicate}, ec)
		if res.Err != "" || !res.Matched {
			return false
		}
	}
	return true
}

// ============================================================================
// MUTATIONS AND INVALIDATION
// ============================================================================

// CreateRole writes through to the store and invalidates affected
// cache entries.
func (e *PermissionEngine) CreateRole(ctx context.Context, r *Role) error {
	if e.roles == nil {
		return fmt.Errorf("no role store configured")
	}
	if err := e.roles.CreateRole(ctx, r); err != nil {
		return err
	}
	e.invalidateRole(r.ID)
	return nil
}

// UpdateRole writes through to the store and invalidates affected
// cache entries.
func (e *PermissionEngine) UpdateRole(ctx context.Context, r *Role) error {
	if e.roles == nil {
		return fmt.Errorf("no role store configured")
	}
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return err
	}
	e.invalidateRole(r.ID)
	return nil
}

// DeleteRole removes the role and invalidates affected cache entries.
func (e *PermissionEngine) DeleteRole(ctx context.Context, id string) error {
	if e.roles == nil {
		return fmt.Errorf("no role store configured")
	}
	if err := e.roles.DeleteRole(ctx, id); err != nil {
		return err
	}
	e.invalidateRole(id)
	return nil
}

// invalidateRole drops all three stores. Cache keys carry no reverse
// index from roles to the users or checks they influence, and inherited
// chains may embed this role anywhere, so everything goes.
func (e *PermissionEngine) invalidateRole(roleID string) {
	e.roleCache.Flush()
	e.checkCache.Flush()
	e.effectiveCache.Flush()
	e.log.Debug("role caches invalidated", "role", roleID)
}

// AssignRole grants a role to a user and drops the user's cached state.
func (e *PermissionEngine) AssignRole(ctx context.Context, userID, roleID string) error {
	if e.assignments == nil {
		return fmt.Errorf("no assignment store configured")
	}
	if err := e.assignments.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	e.InvalidateUser(userID)
	return nil
}

// RevokeRole removes a role from a user and drops the user's cached
// state.
func (e *PermissionEngine) RevokeRole(ctx context.Context, userID, roleID string) error {
	if e.assignments == nil {
		return fmt.Errorf("no assignment store configured")
	}
	if err := e.assignments.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	e.InvalidateUser(userID)
	return nil
}

// InvalidateUser drops a user's effective-permission and check entries.
func (e *PermissionEngine) InvalidateUser(userID string) {
	e.effectiveCache.DeleteByPrefix("perm:" + userID + ":")
	e.checkCache.DeleteByPrefix("check:" + userID + ":")
}
