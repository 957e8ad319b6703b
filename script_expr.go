package policy

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprRunner is the default ScriptRunner, backed by expr-lang. Compiled
// programs are cached in a ristretto cache keyed by source so hot
// conditions compile once.
type ExprRunner struct {
	programs *ristretto.Cache
}

// NewExprRunner builds a runner. Cache sizing follows the ristretto
// guideline of ~10x counters per expected entry.
func NewExprRunner() (*ExprRunner, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("script cache: %w", err)
	}
	return &ExprRunner{programs: cache}, nil
}

// Run compiles (or reuses) and evaluates the source against env. The raw
// result is returned; callers coerce to bool.
func (r *ExprRunner) Run(src string, env map[string]any) (any, error) {
	program, err := r.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ExprRunner) compile(src string) (*vm.Program, error) {
	if cached, ok := r.programs.Get(src); ok {
		if p, ok := cached.(*vm.Program); ok {
			return p, nil
		}
	}
	program, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	r.programs.Set(src, program, 1)
	return program, nil
}

// scriptEnv projects the evaluation context into a script environment,
// including the helper closures scripts expect.
func (ec *EvalContext) scriptEnv() map[string]any {
	env := map[string]any{
		"data":   ec.Data,
		"plan":   ec.Plan,
		"user":   ec.User,
		"system": ec.System,
		"vars":   ec.Vars,
		"now":    ec.Now(),
		"time": map[string]any{
			"now":       ec.Now(),
			"createdAt": ec.Clock.CreatedAt,
			"updatedAt": ec.Clock.UpdatedAt,
		},
	}
	if ec.Clock.ExpiresAt != nil {
		env["time"].(map[string]any)["expiresAt"] = *ec.Clock.ExpiresAt
	}
	if ec.Subject != nil {
		env["subject"] = map[string]any{
			"id":       ec.Subject.ID,
			"type":     ec.Subject.Type,
			"priority": ec.Subject.Priority,
			"context":  ec.Subject.ContextID,
			"requester": map[string]any{
				"id":   ec.Subject.Requester.ID,
				"role": ec.Subject.Requester.Role,
			},
			"attrs": ec.Subject.Attrs,
		}
	}
	env["hasRole"] = func(role string) bool {
		out, err := fnHasRole(ec, role)
		if err != nil {
			return false
		}
		return out == true
	}
	env["isExpired"] = func() bool {
		out, _ := fnIsExpired(ec)
		return out == true
	}
	env["daysSince"] = func(v any) int {
		out, err := fnDaysSince(ec, v)
		if err != nil {
			return 0
		}
		n, _ := out.(int)
		return n
	}
	return env
}
