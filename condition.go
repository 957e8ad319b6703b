package policy

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/policy/logger"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Subject is the entity a policy evaluation runs against, typically a
// pending approval item.
type Subject struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	ContextID string         `json:"context_id"`
	Requester Requester      `json:"requester"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Requester identifies who raised the subject.
type Requester struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// TimeContext is the time snapshot an evaluation sees. A zero Now means
// "use the wall clock".
type TimeContext struct {
	Now       time.Time  `json:"now"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// EvalContext carries everything a condition may inspect.
type EvalContext struct {
	Subject *Subject       `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Plan    map[string]any `json:"plan,omitempty"`
	User    map[string]any `json:"user,omitempty"`
	System  map[string]any `json:"system,omitempty"`
	Clock   TimeContext    `json:"clock"`
	Vars    map[string]any `json:"vars,omitempty"`
}

// Now returns the evaluation clock, falling back to wall time.
func (ec *EvalContext) Now() time.Time {
	if ec.Clock.Now.IsZero() {
		return time.Now()
	}
	return ec.Clock.Now
}

// ConditionResult reports a single condition evaluation. Failures are data
// here (Err is set, Matched is false); Evaluate never panics.
type ConditionResult struct {
	Matched    bool          `json:"matched"`
	Value      any           `json:"value,omitempty"`
	Expression string        `json:"expression"`
	Elapsed    time.Duration `json:"elapsed"`
	Err        string        `json:"error,omitempty"`
	Steps      []string      `json:"steps,omitempty"`
}

// ============================================================================
// CONDITION VARIANTS
// ============================================================================

// ConditionKind discriminates the condition variants.
type ConditionKind string

const (
	KindSimple   ConditionKind = "simple"
	KindComplex  ConditionKind = "complex"
	KindFunction ConditionKind = "function"
	KindScript   ConditionKind = "script"
)

// Operator is a comparison operator usable in a SimpleCondition.
type Operator string

const (
	OpEq         Operator = "=="
	OpNe         Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpMatches    Operator = "matches"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpExists     Operator = "exists"
	OpNotExists  Operator = "notExists"
)

// LogicalOp combines two conditions.
type LogicalOp string

const (
	LogicAnd LogicalOp = "AND"
	LogicOr  LogicalOp = "OR"
)

// Condition is a closed sum: Simple, Complex, Function or Script. Evaluate
// through ConditionEngine.Evaluate; the unexported method keeps the set
// closed to this package.
type Condition interface {
	Kind() ConditionKind
	String() string

	evaluate(e *ConditionEngine, ec *EvalContext, tr *trace) (matched bool, value any, err error)
}

// SimpleCondition compares a context field against a literal.
type SimpleCondition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

func (c *SimpleCondition) Kind() ConditionKind { return KindSimple }

func (c *SimpleCondition) String() string {
	switch c.Op {
	case OpExists, OpNotExists:
		return fmt.Sprintf("%s %s", c.Field, c.Op)
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, formatLiteral(c.Value))
}

func (c *SimpleCondition) evaluate(_ *ConditionEngine, ec *EvalContext, tr *trace) (bool, any, error) {
	val, ok := ec.Resolve(c.Field)
	switch c.Op {
	case OpExists:
		tr.addf("%s exists: %v", c.Field, ok && val != nil)
		return ok && val != nil, val, nil
	case OpNotExists:
		tr.addf("%s notExists: %v", c.Field, !ok || val == nil)
		return !ok || val == nil, val, nil
	}
	matched, err := compareValues(c.Op, val, c.Value)
	if err != nil {
		return false, val, err
	}
	tr.addf("%s %s %s -> %v (got %v)", c.Field, c.Op, formatLiteral(c.Value), matched, val)
	return matched, val, nil
}

// ComplexCondition combines two conditions with AND/OR, short-circuiting.
type ComplexCondition struct {
	Op    LogicalOp `json:"op"`
	Left  Condition `json:"left"`
	Right Condition `json:"right"`
}

func (c *ComplexCondition) Kind() ConditionKind { return KindComplex }

func (c *ComplexCondition) String() string {
	left, right := "", ""
	if c.Left != nil {
		left = c.Left.String()
	}
	if c.Right != nil {
		right = c.Right.String()
	}
	return fmt.Sprintf("%s %s %s", left, c.Op, right)
}

func (c *ComplexCondition) evaluate(e *ConditionEngine, ec *EvalContext, tr *trace) (bool, any, error) {
	if c.Left == nil || c.Right == nil {
		return false, nil, fmt.Errorf("complex condition missing operand")
	}
	left, _, err := c.Left.evaluate(e, ec, tr)
	if err != nil {
		return false, nil, err
	}
	switch c.Op {
	case LogicAnd:
		if !left {
			tr.addf("AND short-circuit: left false")
			return false, false, nil
		}
	case LogicOr:
		if left {
			tr.addf("OR short-circuit: left true")
			return true, true, nil
		}
	default:
		return false, nil, fmt.Errorf("unknown logical operator %q", c.Op)
	}
	right, _, err := c.Right.evaluate(e, ec, tr)
	if err != nil {
		return false, nil, err
	}
	tr.addf("%s -> %v", c.Op, right)
	return right, right, nil
}

// FunctionCondition invokes a registered function; its result is coerced
// to bool.
type FunctionCondition struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

func (c *FunctionCondition) Kind() ConditionKind { return KindFunction }

func (c *FunctionCondition) String() string {
	parts := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		parts = append(parts, formatLiteral(a))
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(parts, ", "))
}

func (c *FunctionCondition) evaluate(e *ConditionEngine, ec *EvalContext, tr *trace) (bool, any, error) {
	if e == nil {
		return false, nil, fmt.Errorf("no function registry available")
	}
	fn, ok := e.lookupFunction(c.Name)
	if !ok {
		return false, nil, fmt.Errorf("unknown function %q", c.Name)
	}
	out, err := fn(ec, c.Args...)
	if err != nil {
		return false, nil, fmt.Errorf("function %s: %w", c.Name, err)
	}
	tr.addf("%s(...) -> %v", c.Name, out)
	return truthy(out), out, nil
}

// ScriptCondition defers to the engine's ScriptRunner.
type ScriptCondition struct {
	Source string `json:"source"`
}

func (c *ScriptCondition) Kind() ConditionKind { return KindScript }

func (c *ScriptCondition) String() string { return c.Source }

func (c *ScriptCondition) evaluate(e *ConditionEngine, ec *EvalContext, tr *trace) (bool, any, error) {
	if e == nil {
		return false, nil, fmt.Errorf("no script runner configured")
	}
	runner := e.scriptRunner()
	if runner == nil {
		return false, nil, fmt.Errorf("no script runner configured")
	}
	out, err := runner.Run(c.Source, ec.scriptEnv())
	if err != nil {
		return false, nil, fmt.Errorf("script: %w", err)
	}
	tr.addf("script -> %v", out)
	return truthy(out), out, nil
}

// ============================================================================
// CONDITION ENGINE
// ============================================================================

// Function is a registered helper callable from FunctionCondition.
type Function func(ec *EvalContext, args ...any) (any, error)

// ScriptRunner evaluates a script source against an environment. See
// ExprRunner for the default implementation.
type ScriptRunner interface {
	Run(src string, env map[string]any) (any, error)
}

// ConditionEngine owns the function registry and the script runner. Safe
// for concurrent use.
type ConditionEngine struct {
	mu     sync.RWMutex
	fns    map[string]Function
	runner ScriptRunner
	log    logger.Logger
}

// NewConditionEngine builds an engine with the builtin functions
// registered and no script runner.
func NewConditionEngine() *ConditionEngine {
	e := &ConditionEngine{
		fns: make(map[string]Function),
		log: logger.NewNullLogger(),
	}
	registerBuiltins(e)
	return e
}

// SetLogger replaces the engine logger.
func (e *ConditionEngine) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNullLogger()
	}
	e.mu.Lock()
	e.log = l
	e.mu.Unlock()
}

// SetScriptRunner installs the runner used by script conditions.
func (e *ConditionEngine) SetScriptRunner(r ScriptRunner) {
	e.mu.Lock()
	e.runner = r
	e.mu.Unlock()
}

func (e *ConditionEngine) scriptRunner() ScriptRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runner
}

// RegisterFunction adds or replaces a named function.
func (e *ConditionEngine) RegisterFunction(name string, fn Function) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register function: name and handler required")
	}
	e.mu.Lock()
	e.fns[name] = fn
	e.mu.Unlock()
	return nil
}

// UnregisterFunction removes a named function. Conditions referencing
// it fail evaluation afterwards.
func (e *ConditionEngine) UnregisterFunction(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.fns[name]; !ok {
		return fmt.Errorf("function %q not registered", name)
	}
	delete(e.fns, name)
	return nil
}

// Functions lists registered function names, sorted.
func (e *ConditionEngine) Functions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.fns))
	for name := range e.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *ConditionEngine) lookupFunction(name string) (Function, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.fns[name]
	return fn, ok
}

// Evaluate runs a condition against a context. All failures surface on
// the result; the result is never nil.
func (e *ConditionEngine) Evaluate(c Condition, ec *EvalContext) *ConditionResult {
	start := time.Now()
	res := &ConditionResult{}
	if c == nil {
		res.Err = "nil condition"
		res.Elapsed = time.Since(start)
		return res
	}
	res.Expression = c.String()
	if ec == nil {
		ec = &EvalContext{}
	}
	tr := &trace{}
	matched, value, err := c.evaluate(e, ec, tr)
	if err != nil {
		res.Err = err.Error()
		tr.addf("error: %v", err)
		matched = false
		e.log.Debug("condition evaluation failed", "expression", res.Expression, "error", err.Error())
	}
	res.Matched = matched
	res.Value = value
	res.Steps = tr.steps
	res.Elapsed = time.Since(start)
	return res
}

// EvaluateAll reports whether every condition matched. An empty list
// matches.
func (e *ConditionEngine) EvaluateAll(conds []Condition, ec *EvalContext) (bool, []*ConditionResult) {
	results := make([]*ConditionResult, 0, len(conds))
	all := true
	for _, c := range conds {
		r := e.Evaluate(c, ec)
		results = append(results, r)
		if !r.Matched {
			all = false
		}
	}
	return all, results
}

// EvaluateAny reports whether any condition matched. Every condition is
// still evaluated so results stay complete. An empty list matches.
func (e *ConditionEngine) EvaluateAny(conds []Condition, ec *EvalContext) (bool, []*ConditionResult) {
	results := make([]*ConditionResult, 0, len(conds))
	any := len(conds) == 0
	for _, c := range conds {
		r := e.Evaluate(c, ec)
		results = append(results, r)
		if r.Matched {
			any = true
		}
	}
	return any, results
}

// ValidateCondition checks a condition tree structurally without
// evaluating it: operands present, operators known, names non-empty.
// Function registry membership is not checked here since functions may
// register after the condition does. A nil or empty slice means valid.
func (e *ConditionEngine) ValidateCondition(c Condition) []string {
	var errs []string
	validateConditionWalk(c, &errs)
	return errs
}

func validateConditionWalk(c Condition, errs *[]string) {
	switch t := c.(type) {
	case nil:
		*errs = append(*errs, "nil condition")
	case *SimpleCondition:
		if t.Field == "" {
			*errs = append(*errs, "simple condition: field required")
		}
		if !knownOperator(t.Op) {
			*errs = append(*errs, fmt.Sprintf("simple condition: unknown operator %q", t.Op))
		}
	case *ComplexCondition:
		if t.Op != LogicAnd && t.Op != LogicOr {
			*errs = append(*errs, fmt.Sprintf("complex condition: unknown logical operator %q", t.Op))
		}
		if t.Left == nil || t.Right == nil {
			*errs = append(*errs, "complex condition: both operands required")
			return
		}
		validateConditionWalk(t.Left, errs)
		validateConditionWalk(t.Right, errs)
	case *FunctionCondition:
		if t.Name == "" {
			*errs = append(*errs, "function condition: name required")
		}
	case *ScriptCondition:
		if strings.TrimSpace(t.Source) == "" {
			*errs = append(*errs, "script condition: source required")
		}
	}
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith,
		OpEndsWith, OpMatches, OpIn, OpNotIn, OpExists, OpNotExists:
		return true
	}
	return false
}

type trace struct {
	steps []string
}

func (t *trace) addf(format string, args ...any) {
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
}

// ============================================================================
// FIELD RESOLUTION
// ============================================================================

// Resolve walks a dotted field path. The first segment selects a context
// section; missing paths yield (nil, false), never an error.
func (ec *EvalContext) Resolve(path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	head, rest := parts[0], parts[1:]
	switch head {
	case "subject":
		return ec.resolveSubject(rest)
	case "data":
		return walkMap(ec.Data, rest)
	case "plan":
		return walkMap(ec.Plan, rest)
	case "user":
		return walkMap(ec.User, rest)
	case "system":
		return walkMap(ec.System, rest)
	case "vars":
		return walkMap(ec.Vars, rest)
	case "time":
		return ec.resolveTime(rest)
	}
	return nil, false
}

func (ec *EvalContext) resolveSubject(parts []string) (any, bool) {
	s := ec.Subject
	if s == nil || len(parts) == 0 {
		return nil, false
	}
	switch parts[0] {
	case "id":
		return s.ID, true
	case "type":
		return s.Type, true
	case "priority":
		return s.Priority, true
	case "context":
		return s.ContextID, true
	case "requester":
		if len(parts) == 1 {
			return s.Requester, true
		}
		switch parts[1] {
		case "id":
			return s.Requester.ID, true
		case "role":
			return s.Requester.Role, true
		}
		return nil, false
	}
	return walkMap(s.Attrs, parts)
}

func (ec *EvalContext) resolveTime(parts []string) (any, bool) {
	if len(parts) != 1 {
		return nil, false
	}
	switch parts[0] {
	case "now":
		return ec.Now(), true
	case "createdAt":
		return ec.Clock.CreatedAt, true
	case "updatedAt":
		return ec.Clock.UpdatedAt, true
	case "expiresAt":
		if ec.Clock.ExpiresAt == nil {
			return nil, false
		}
		return *ec.Clock.ExpiresAt, true
	}
	return nil, false
}

func walkMap(m map[string]any, parts []string) (any, bool) {
	if m == nil || len(parts) == 0 {
		return nil, false
	}
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ============================================================================
// COMPARISON
// ============================================================================

func compareValues(op Operator, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return looseEqual(left, right), nil
	case OpNe:
		return !looseEqual(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, nil
		}
		switch op {
		case OpGt:
			return lf > rf, nil
		case OpGte:
			return lf >= rf, nil
		case OpLt:
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	case OpContains:
		if items, ok := asSlice(left); ok {
			for _, it := range items {
				if looseEqual(it, right) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(asString(left), asString(right)), nil
	case OpStartsWith:
		return strings.HasPrefix(asString(left), asString(right)), nil
	case OpEndsWith:
		return strings.HasSuffix(asString(left), asString(right)), nil
	case OpMatches:
		re, err := regexp.Compile(asString(right))
		if err != nil {
			return false, fmt.Errorf("matches: %w", err)
		}
		return re.MatchString(asString(left)), nil
	case OpIn, OpNotIn:
		items, ok := asSlice(right)
		if !ok {
			return false, nil
		}
		found := false
		for _, it := range items {
			if looseEqual(left, it) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// looseEqual compares numerically when both sides coerce to numbers,
// otherwise structurally, otherwise by string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return asString(a) == asString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func formatLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return strconv.Quote(t.Format(time.RFC3339))
	}
	if items, ok := asSlice(v); ok {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, formatLiteral(it))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// ============================================================================
// BUILTIN FUNCTIONS
// ============================================================================

func registerBuiltins(e *ConditionEngine) {
	e.fns["hasRole"] = fnHasRole
	e.fns["hasPriority"] = fnHasPriority
	e.fns["isExpired"] = fnIsExpired
	e.fns["isWorkingHours"] = fnIsWorkingHours
	e.fns["daysSince"] = fnDaysSince
}

func fnHasRole(ec *EvalContext, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("hasRole expects 1 argument")
	}
	role := asString(args[0])
	if ec.Subject != nil && ec.Subject.Requester.Role == role {
		return true, nil
	}
	if roles, ok := walkMap(ec.User, []string{"roles"}); ok {
		if items, ok := asSlice(roles); ok {
			for _, r := range items {
				if asString(r) == role {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func fnHasPriority(ec *EvalContext, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("hasPriority expects 1 argument")
	}
	return ec.Subject != nil && ec.Subject.Priority == asString(args[0]), nil
}

func fnIsExpired(ec *EvalContext, args ...any) (any, error) {
	if ec.Clock.ExpiresAt == nil {
		return false, nil
	}
	return ec.Now().After(*ec.Clock.ExpiresAt), nil
}

func fnIsWorkingHours(ec *EvalContext, args ...any) (any, error) {
	now := ec.Now()
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	h := now.Hour()
	return h >= 9 && h < 18, nil
}

func fnDaysSince(ec *EvalContext, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("daysSince expects 1 argument")
	}
	t, err := coerceTime(args[0])
	if err != nil {
		return nil, err
	}
	return int(ec.Now().Sub(t).Hours() / 24), nil
}

func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *t, nil
	case string:
		return date.Parse(t)
	}
	return time.Time{}, fmt.Errorf("cannot interpret %T as time", v)
}
