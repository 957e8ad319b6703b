package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config is the file representation of an engine setup. Conditions are
// authored as expression strings and parsed on apply.
type Config struct {
	Strategy    string             `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Rules       []RuleConfig       `yaml:"rules,omitempty" json:"rules,omitempty"`
	Trees       []TreeConfig       `yaml:"trees,omitempty" json:"trees,omitempty"`
	Roles       []*Role            `yaml:"roles,omitempty" json:"roles,omitempty"`
	Assignments []AssignmentConfig `yaml:"assignments,omitempty" json:"assignments,omitempty"`
	Cache       CacheConfig        `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// RuleConfig mirrors ApprovalRule with textual conditions and times.
type RuleConfig struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Type        RuleType          `yaml:"type" json:"type"`
	Priority    int               `yaml:"priority" json:"priority"`
	Disabled    bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Logic       string            `yaml:"condition_logic,omitempty" json:"condition_logic,omitempty"`
	Conditions  []string          `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions     []ActionConfig    `yaml:"actions,omitempty" json:"actions,omitempty"`
	Scope       RuleScope         `yaml:"scope,omitempty" json:"scope,omitempty"`
	Constraints ConstraintsConfig `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// ActionConfig mirrors RuleAction with a textual guard. Delay is a Go
// duration string ("30s").
type ActionConfig struct {
	Kind   ActionKind     `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Guard  string         `yaml:"guard,omitempty" json:"guard,omitempty"`
	Delay  string         `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// ConstraintsConfig carries durations and validity bounds as strings so
// both YAML and JSON stay readable.
type ConstraintsConfig struct {
	MaxPerDay     int    `yaml:"max_per_day,omitempty" json:"max_per_day,omitempty"`
	MaxPerSubject int    `yaml:"max_per_subject,omitempty" json:"max_per_subject,omitempty"`
	Cooldown      string `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	ValidFrom     string `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
	ValidUntil    string `yaml:"valid_until,omitempty" json:"valid_until,omitempty"`
}

// TreeConfig mirrors DecisionTree with flat node definitions.
type TreeConfig struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string       `yaml:"version,omitempty" json:"version,omitempty"`
	Root        string       `yaml:"root" json:"root"`
	MaxDepth    int          `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	Disabled    bool         `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Scope       RuleScope    `yaml:"scope,omitempty" json:"scope,omitempty"`
	Nodes       []NodeConfig `yaml:"nodes" json:"nodes"`
}

// NodeConfig mirrors DecisionNode with a textual condition.
type NodeConfig struct {
	ID         string   `yaml:"id" json:"id"`
	Kind       NodeKind `yaml:"kind" json:"kind"`
	Label      string   `yaml:"label,omitempty" json:"label,omitempty"`
	Condition  string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action     Decision `yaml:"action,omitempty" json:"action,omitempty"`
	TrueChild  string   `yaml:"true,omitempty" json:"true,omitempty"`
	FalseChild string   `yaml:"false,omitempty" json:"false,omitempty"`
	Weight     float64  `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// AssignmentConfig grants roles to one user.
type AssignmentConfig struct {
	User  string   `yaml:"user" json:"user"`
	Roles []string `yaml:"roles" json:"roles"`
}

// CacheConfig tunes the permission caches; TTLs are duration strings.
type CacheConfig struct {
	Capacity     int    `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	RoleTTL      string `yaml:"role_ttl,omitempty" json:"role_ttl,omitempty"`
	CheckTTL     string `yaml:"check_ttl,omitempty" json:"check_ttl,omitempty"`
	EffectiveTTL string `yaml:"effective_ttl,omitempty" json:"effective_ttl,omitempty"`
}

// ============================================================================
// LOADING
// ============================================================================

// LoadYAML parses a YAML config document.
func LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return &cfg, nil
}

// LoadJSON parses a JSON config document.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFile reads a config file, dispatching on extension.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data)
	case ".json":
		return LoadJSON(data)
	}
	return nil, fmt.Errorf("unsupported config extension: %s", path)
}

// ============================================================================
// APPLY
// ============================================================================

// ApplyConfig loads a parsed config into a running engine. Rules and
// trees are added (pre-existing IDs are updated in place), roles are
// created or updated, assignments granted.
func ApplyConfig(ctx context.Context, e *Engine, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Strategy != "" {
		if err := e.Rules().SetStrategy(cfg.Strategy); err != nil {
			return err
		}
	}
	roleTTL, err := parseOptionalDuration(cfg.Cache.RoleTTL)
	if err != nil {
		return fmt.Errorf("cache role_ttl: %w", err)
	}
	checkTTL, err := parseOptionalDuration(cfg.Cache.CheckTTL)
	if err != nil {
		return fmt.Errorf("cache check_ttl: %w", err)
	}
	effectiveTTL, err := parseOptionalDuration(cfg.Cache.EffectiveTTL)
	if err != nil {
		return fmt.Errorf("cache effective_ttl: %w", err)
	}
	e.Permissions().SetCacheTTLs(roleTTL, checkTTL, effectiveTTL)
	for i := range cfg.Rules {
		rule, err := BuildRule(&cfg.Rules[i])
		if err != nil {
			return err
		}
		if err := e.Rules().AddRule(rule); err != nil {
			if uerr := e.Rules().UpdateRule(rule); uerr != nil {
				return err
			}
		}
	}
	for i := range cfg.Trees {
		tree, err := BuildTree(&cfg.Trees[i])
		if err != nil {
			return err
		}
		if err := e.Trees().CreateTree(tree); err != nil {
			if uerr := e.Trees().UpdateTree(tree); uerr != nil {
				return err
			}
		}
	}
	for _, role := range cfg.Roles {
		if err := e.Permissions().CreateRole(ctx, role); err != nil {
			if uerr := e.Permissions().UpdateRole(ctx, role); uerr != nil {
				return err
			}
		}
	}
	for _, a := range cfg.Assignments {
		for _, roleID := range a.Roles {
			if err := e.Permissions().AssignRole(ctx, a.User, roleID); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildRule converts a RuleConfig, parsing conditions and times.
func BuildRule(rc *RuleConfig) (*ApprovalRule, error) {
	r := &ApprovalRule{
		ID:          rc.ID,
		Name:        rc.Name,
		Description: rc.Description,
		Type:        rc.Type,
		Priority:    rc.Priority,
		Enabled:     !rc.Disabled,
		Scope:       rc.Scope,
	}
	switch strings.ToUpper(rc.Logic) {
	case "":
	case string(LogicAnd):
		r.ConditionLogic = LogicAnd
	case string(LogicOr):
		r.ConditionLogic = LogicOr
	default:
		return nil, fmt.Errorf("rule %q: unknown condition_logic %q", rc.ID, rc.Logic)
	}
	for _, s := range rc.Conditions {
		r.Conditions = append(r.Conditions, Parse(s))
	}
	for _, ac := range rc.Actions {
		a := RuleAction{Kind: ac.Kind, Params: ac.Params}
		delay, err := parseOptionalDuration(ac.Delay)
		if err != nil {
			return nil, fmt.Errorf("rule %q: action delay: %w", rc.ID, err)
		}
		a.Delay = delay
		if ac.Guard != "" {
			a.Guard = Parse(ac.Guard)
		}
		r.Actions = append(r.Actions, a)
	}
	cooldown, err := parseOptionalDuration(rc.Constraints.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("rule %q: cooldown: %w", rc.ID, err)
	}
	c := RuleConstraints{
		MaxPerDay:     rc.Constraints.MaxPerDay,
		MaxPerSubject: rc.Constraints.MaxPerSubject,
		Cooldown:      cooldown,
	}
	if rc.Constraints.ValidFrom != "" {
		t, err := date.Parse(rc.Constraints.ValidFrom)
		if err != nil {
			return nil, fmt.Errorf("rule %q: valid_from: %w", rc.ID, err)
		}
		c.ValidFrom = &t
	}
	if rc.Constraints.ValidUntil != "" {
		t, err := date.Parse(rc.Constraints.ValidUntil)
		if err != nil {
			return nil, fmt.Errorf("rule %q: valid_until: %w", rc.ID, err)
		}
		c.ValidUntil = &t
	}
	r.Constraints = c
	return r, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// BuildTree converts a TreeConfig, parsing node conditions.
func BuildTree(tc *TreeConfig) (*DecisionTree, error) {
	t := &DecisionTree{
		ID:          tc.ID,
		Name:        tc.Name,
		Description: tc.Description,
		Version:     tc.Version,
		RootID:      tc.Root,
		MaxDepth:    tc.MaxDepth,
		Enabled:     !tc.Disabled,
		Scope:       tc.Scope,
		Nodes:       make(map[string]*DecisionNode, len(tc.Nodes)),
	}
	for _, nc := range tc.Nodes {
		n := &DecisionNode{
			ID:         nc.ID,
			Kind:       nc.Kind,
			Label:      nc.Label,
			Action:     nc.Action,
			TrueChild:  nc.TrueChild,
			FalseChild: nc.FalseChild,
			Weight:     nc.Weight,
		}
		if nc.Condition != "" {
			n.Condition = Parse(nc.Condition)
		}
		t.Nodes[nc.ID] = n
	}
	if err := ValidateTree(t); err != nil {
		return nil, err
	}
	return t, nil
}
