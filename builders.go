package policy

import (
	"time"

	"github.com/google/uuid"
)

// Builders provide a fluent API for creating rules, trees and roles

// RuleBuilder builds an ApprovalRule
type RuleBuilder struct {
	r *ApprovalRule
}

func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{r: &ApprovalRule{ID: uuid.NewString(), Type: RuleApproval, Priority: PriorityMedium, Enabled: true}}
}

func (b *RuleBuilder) ID(id string) *RuleBuilder          { b.r.ID = id; return b }
func (b *RuleBuilder) Name(n string) *RuleBuilder         { b.r.Name = n; return b }
func (b *RuleBuilder) Describe(d string) *RuleBuilder     { b.r.Description = d; return b }
func (b *RuleBuilder) Type(t RuleType) *RuleBuilder       { b.r.Type = t; return b }
func (b *RuleBuilder) Priority(p int) *RuleBuilder        { b.r.Priority = p; return b }
func (b *RuleBuilder) Enabled(enabled bool) *RuleBuilder  { b.r.Enabled = enabled; return b }
func (b *RuleBuilder) Scope(s RuleScope) *RuleBuilder     { b.r.Scope = s; return b }
func (b *RuleBuilder) Logic(op LogicalOp) *RuleBuilder    { b.r.ConditionLogic = op; return b }
func (b *RuleBuilder) When(conds ...Condition) *RuleBuilder {
	b.r.Conditions = append(b.r.Conditions, conds...)
	return b
}

// WhenExpr parses textual conditions through the permissive parser.
func (b *RuleBuilder) WhenExpr(exprs ...string) *RuleBuilder {
	for _, s := range exprs {
		b.r.Conditions = append(b.r.Conditions, Parse(s))
	}
	return b
}

func (b *RuleBuilder) Do(kind ActionKind) *RuleBuilder {
	b.r.Actions = append(b.r.Actions, RuleAction{Kind: kind})
	return b
}

func (b *RuleBuilder) DoWith(a RuleAction) *RuleBuilder {
	b.r.Actions = append(b.r.Actions, a)
	return b
}

func (b *RuleBuilder) Cooldown(d time.Duration) *RuleBuilder {
	b.r.Constraints.Cooldown = d
	return b
}

func (b *RuleBuilder) MaxPerDay(n int) *RuleBuilder {
	b.r.Constraints.MaxPerDay = n
	return b
}

func (b *RuleBuilder) MaxPerSubject(n int) *RuleBuilder {
	b.r.Constraints.MaxPerSubject = n
	return b
}

func (b *RuleBuilder) ValidBetween(from, until time.Time) *RuleBuilder {
	b.r.Constraints.ValidFrom = &from
	b.r.Constraints.ValidUntil = &until
	return b
}

func (b *RuleBuilder) Build() *ApprovalRule { return b.r }

// ConditionBuilder composes conditions left to right
type ConditionBuilder struct {
	cond Condition
}

func NewConditionBuilder() *ConditionBuilder { return &ConditionBuilder{} }

func (b *ConditionBuilder) Where(field string, op Operator, value any) *ConditionBuilder {
	return b.push(LogicAnd, &SimpleCondition{Field: field, Op: op, Value: value})
}

func (b *ConditionBuilder) And(c Condition) *ConditionBuilder { return b.push(LogicAnd, c) }
func (b *ConditionBuilder) Or(c Condition) *ConditionBuilder  { return b.push(LogicOr, c) }

func (b *ConditionBuilder) AndWhere(field string, op Operator, value any) *ConditionBuilder {
	return b.push(LogicAnd, &SimpleCondition{Field: field, Op: op, Value: value})
}

func (b *ConditionBuilder) OrWhere(field string, op Operator, value any) *ConditionBuilder {
	return b.push(LogicOr, &SimpleCondition{Field: field, Op: op, Value: value})
}

func (b *ConditionBuilder) Call(name string, args ...any) *ConditionBuilder {
	return b.push(LogicAnd, &FunctionCondition{Name: name, Args: args})
}

func (b *ConditionBuilder) Script(src string) *ConditionBuilder {
	return b.push(LogicAnd, &ScriptCondition{Source: src})
}

func (b *ConditionBuilder) push(op LogicalOp, c Condition) *ConditionBuilder {
	if b.cond == nil {
		b.cond = c
		return b
	}
	b.cond = &ComplexCondition{Op: op, Left: b.cond, Right: c}
	return b
}

func (b *ConditionBuilder) Build() Condition { return b.cond }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{Permissions: []Permission{}, Parents: []string{}}}
}

func (b *RoleBuilder) ID(id string) *RoleBuilder  { b.r.ID = id; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder { b.r.Name = n; return b }

func (b *RoleBuilder) Grant(resourceType, resourceID string, actions ...Action) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, Permission{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actions:      actions,
		GrantType:    GrantDirect,
	})
	return b
}

func (b *RoleBuilder) GrantPermission(p Permission) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, p)
	return b
}

func (b *RoleBuilder) Inherits(ids ...string) *RoleBuilder {
	b.r.Parents = append(b.r.Parents, ids...)
	return b
}

func (b *RoleBuilder) Build() *Role { return b.r }
