package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/policy/logger"
)

// ============================================================================
// RULE TYPES
// ============================================================================

// RuleType classifies what a rule is for.
type RuleType string

const (
	RuleApproval     RuleType = "approval"
	RuleRejection    RuleType = "rejection"
	RuleEscalation   RuleType = "escalation"
	RuleNotification RuleType = "notification"
	RuleWorkflow     RuleType = "workflow"
)

// Priority bands. Higher wins under the priority conflict strategy.
const (
	PriorityCritical = 1000
	PriorityHigh     = 800
	PriorityMedium   = 500
	PriorityLow      = 200
	PriorityFallback = 100
)

// ActionKind is what a triggered rule does.
type ActionKind string

const (
	ActionApprove         ActionKind = "approve"
	ActionReject          ActionKind = "reject"
	ActionEscalate        ActionKind = "escalate"
	ActionNotify          ActionKind = "notify"
	ActionAssign          ActionKind = "assign"
	ActionDelay           ActionKind = "delay"
	ActionSkip            ActionKind = "skip"
	ActionContinue        ActionKind = "continue"
	ActionSetVariable     ActionKind = "setVariable"
	ActionExecuteFunction ActionKind = "executeFunction"
)

// RuleAction is one effect of a triggered rule. Guard, when set, must
// match for the action to run; Delay postpones execution.
type RuleAction struct {
	Kind   ActionKind     `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
	Guard  Condition      `json:"-"`
	Delay  time.Duration  `json:"delay,omitempty"`
}

// ActionResult records one action execution.
type ActionResult struct {
	Kind    ActionKind `json:"kind"`
	OK      bool       `json:"ok"`
	Skipped bool       `json:"skipped,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

// TimeWindow is an HH:MM clock range. End before Start means the window
// wraps past midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Contains reports whether t's clock time falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	start, ok1 := parseClock(w.Start)
	end, ok2 := parseClock(w.End)
	if !ok1 || !ok2 {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// RuleScope narrows which subjects a rule applies to. Empty dimensions
// are unconstrained.
type RuleScope struct {
	Types       []string     `json:"types,omitempty" yaml:"types,omitempty"`
	Priorities  []string     `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	Contexts    []string     `json:"contexts,omitempty" yaml:"contexts,omitempty"`
	Roles       []string     `json:"roles,omitempty" yaml:"roles,omitempty"`
	TimeWindows []TimeWindow `json:"time_windows,omitempty" yaml:"time_windows,omitempty"`
}

// matches applies every populated dimension against the subject.
func (s RuleScope) matches(subject *Subject, now time.Time) bool {
	if subject == nil {
		subject = &Subject{}
	}
	if len(s.Types) > 0 && !containsString(s.Types, subject.Type) {
		return false
	}
	if len(s.Priorities) > 0 && !containsString(s.Priorities, subject.Priority) {
		return false
	}
	if len(s.Contexts) > 0 && !containsString(s.Contexts, subject.ContextID) {
		return false
	}
	if len(s.Roles) > 0 && !containsString(s.Roles, subject.Requester.Role) {
		return false
	}
	if len(s.TimeWindows) > 0 {
		inWindow := false
		for _, w := range s.TimeWindows {
			if w.Contains(now) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RuleConstraints rate-limit rule execution.
type RuleConstraints struct {
	MaxPerDay     int           `json:"max_per_day,omitempty" yaml:"max_per_day,omitempty"`
	MaxPerSubject int           `json:"max_per_subject,omitempty" yaml:"max_per_subject,omitempty"`
	Cooldown      time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	ValidFrom     *time.Time    `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil    *time.Time    `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
}

// ApprovalRule is the unit the rule engine evaluates. ConditionLogic
// picks how the conditions combine: AND (the default when empty)
// triggers only when every condition matches, OR when any one does.
type ApprovalRule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Type           RuleType        `json:"type"`
	Priority       int             `json:"priority"`
	Enabled        bool            `json:"enabled"`
	ConditionLogic LogicalOp       `json:"condition_logic,omitempty"`
	Conditions     []Condition     `json:"-"`
	Actions        []RuleAction    `json:"actions,omitempty"`
	Scope          RuleScope       `json:"scope,omitempty"`
	Constraints    RuleConstraints `json:"constraints,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RuleExecution reports one rule's run within an evaluation pass.
// Losing a conflict resolution flips Triggered back to false.
type RuleExecution struct {
	RuleID     string             `json:"rule_id"`
	RuleName   string             `json:"rule_name"`
	Triggered  bool               `json:"triggered"`
	Conditions []*ConditionResult `json:"conditions,omitempty"`
	Actions    []ActionResult     `json:"actions,omitempty"`
	Elapsed    time.Duration      `json:"elapsed"`
	Err        string             `json:"error,omitempty"`
}

// Decision is a terminal policy outcome.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionEscalate    Decision = "escalate"
	DecisionPending     Decision = "pending"
	DecisionDelegate    Decision = "delegate"
	DecisionDefer       Decision = "defer"
	DecisionRequestInfo Decision = "requestInfo"
)

// DecisionOutcome is the synthesized result of a rule evaluation pass.
type DecisionOutcome struct {
	Decision       Decision         `json:"decision"`
	Confidence     float64          `json:"confidence"`
	Reasons        []string         `json:"reasons,omitempty"`
	TriggeredRules []string         `json:"triggered_rules,omitempty"`
	Executions     []*RuleExecution `json:"executions,omitempty"`
	Elapsed        time.Duration    `json:"elapsed"`
}

// ============================================================================
// CONFLICT STRATEGIES
// ============================================================================

// ConflictEntry pairs a triggered rule with its execution record.
type ConflictEntry struct {
	Rule *ApprovalRule
	Exec *RuleExecution
}

// ConflictStrategy picks the winners among triggered rules. Entries
// arrive sorted by priority desc, then rule ID asc.
type ConflictStrategy func(entries []ConflictEntry) []ConflictEntry

func strategyPriority(entries []ConflictEntry) []ConflictEntry {
	if len(entries) == 0 {
		return entries
	}
	top := entries[0].Rule.Priority
	for _, e := range entries[1:] {
		if e.Rule.Priority > top {
			top = e.Rule.Priority
		}
	}
	out := make([]ConflictEntry, 0, len(entries))
	for _, e := range entries {
		if e.Rule.Priority == top {
			out = append(out, e)
		}
	}
	return out
}

func strategyFirstMatch(entries []ConflictEntry) []ConflictEntry {
	if len(entries) == 0 {
		return entries
	}
	return entries[:1]
}

func strategyLastMatch(entries []ConflictEntry) []ConflictEntry {
	if len(entries) == 0 {
		return entries
	}
	return entries[len(entries)-1:]
}

// strategyMostSpecific keeps the rules with the most conditions. Ties
// keep every rule at the maximum; ordering is already deterministic.
func strategyMostSpecific(entries []ConflictEntry) []ConflictEntry {
	if len(entries) == 0 {
		return entries
	}
	max := 0
	for _, e := range entries {
		if n := len(e.Rule.Conditions); n > max {
			max = n
		}
	}
	out := make([]ConflictEntry, 0, len(entries))
	for _, e := range entries {
		if len(e.Rule.Conditions) == max {
			out = append(out, e)
		}
	}
	return out
}

// strategyConsensus keeps the rules of the majority rule type, falling
// back to priority when no type has a strict majority.
func strategyConsensus(entries []ConflictEntry) []ConflictEntry {
	if len(entries) == 0 {
		return entries
	}
	counts := make(map[RuleType]int)
	for _, e := range entries {
		counts[e.Rule.Type]++
	}
	var majority RuleType
	best := 0
	tied := false
	for t, n := range counts {
		switch {
		case n > best:
			majority, best, tied = t, n, false
		case n == best:
			tied = true
		}
	}
	if tied || best*2 <= len(entries) {
		return strategyPriority(entries)
	}
	out := make([]ConflictEntry, 0, best)
	for _, e := range entries {
		if e.Rule.Type == majority {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// RULE ENGINE
// ============================================================================

// RuleEngine stores approval rules and evaluates them against contexts.
// Safe for concurrent use.
type RuleEngine struct {
	mu         sync.RWMutex
	rules      map[string]*ApprovalRule
	strategies map[string]ConflictStrategy
	strategy   string
	execCount  map[string]int
	lastExec   map[string]time.Time

	conds *ConditionEngine
	log   logger.Logger
	emit  func(Event)
}

// NewRuleEngine builds an engine sharing the given condition engine. The
// default conflict strategy is "priority".
func NewRuleEngine(conds *ConditionEngine) *RuleEngine {
	if conds == nil {
		conds = NewConditionEngine()
	}
	e := &RuleEngine{
		rules:      make(map[string]*ApprovalRule),
		strategies: make(map[string]ConflictStrategy),
		strategy:   "priority",
		execCount:  make(map[string]int),
		lastExec:   make(map[string]time.Time),
		conds:      conds,
		log:        logger.NewNullLogger(),
		emit:       func(Event) {},
	}
	e.strategies["priority"] = strategyPriority
	e.strategies["firstMatch"] = strategyFirstMatch
	e.strategies["lastMatch"] = strategyLastMatch
	e.strategies["mostSpecific"] = strategyMostSpecific
	e.strategies["consensus"] = strategyConsensus
	return e
}

// SetLogger replaces the engine logger.
func (e *RuleEngine) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNullLogger()
	}
	e.mu.Lock()
	e.log = l
	e.mu.Unlock()
}

func (e *RuleEngine) setEmitter(fn func(Event)) {
	if fn == nil {
		fn = func(Event) {}
	}
	e.mu.Lock()
	e.emit = fn
	e.mu.Unlock()
}

// RegisterStrategy adds a custom conflict strategy under name.
func (e *RuleEngine) RegisterStrategy(name string, s ConflictStrategy) error {
	if name == "" || s == nil {
		return fmt.Errorf("register strategy: name and strategy required")
	}
	e.mu.Lock()
	e.strategies[name] = s
	e.mu.Unlock()
	return nil
}

// SetStrategy selects the active conflict strategy by name.
func (e *RuleEngine) SetStrategy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[name]; !ok {
		return fmt.Errorf("unknown conflict strategy %q", name)
	}
	e.strategy = name
	return nil
}

// Strategy returns the active conflict strategy name.
func (e *RuleEngine) Strategy() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy
}

// AddRule validates and stores a rule. Duplicate IDs are rejected.
func (e *RuleEngine) AddRule(r *ApprovalRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := e.validateConditions(r); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return fmt.Errorf("rule %q already exists", r.ID)
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	e.rules[r.ID] = r
	e.log.Debug("rule added", "rule", r.ID, "priority", r.Priority)
	return nil
}

// UpdateRule replaces an existing rule.
func (e *RuleEngine) UpdateRule(r *ApprovalRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := e.validateConditions(r); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, exists := e.rules[r.ID]
	if !exists {
		return fmt.Errorf("rule %q not found", r.ID)
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now()
	e.rules[r.ID] = r
	return nil
}

// RemoveRule deletes a rule and its execution bookkeeping.
func (e *RuleEngine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[id]; !exists {
		return fmt.Errorf("rule %q not found", id)
	}
	delete(e.rules, id)
	for k := range e.execCount {
		if k == id || strings.HasPrefix(k, id+":") {
			delete(e.execCount, k)
		}
	}
	delete(e.lastExec, id)
	return nil
}

// GetRule returns a rule by ID.
func (e *RuleEngine) GetRule(id string) (*ApprovalRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %q not found", id)
	}
	return r, nil
}

// Rules lists all rules sorted by priority desc, then ID asc.
func (e *RuleEngine) Rules() []*ApprovalRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ApprovalRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out
}

// RulesOfType lists the rules of one type, sorted by priority desc,
// then ID asc.
func (e *RuleEngine) RulesOfType(t RuleType) []*ApprovalRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ApprovalRule, 0)
	for _, r := range e.rules {
		if r.Type == t {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

// SetRuleEnabled flips a rule on or off.
func (e *RuleEngine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("rule %q not found", id)
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now()
	return nil
}

func validateRule(r *ApprovalRule) error {
	if r == nil {
		return fmt.Errorf("nil rule")
	}
	if r.ID == "" {
		return fmt.Errorf("rule id required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule %q: name required", r.ID)
	}
	if r.Type == "" {
		return fmt.Errorf("rule %q: type required", r.ID)
	}
	switch r.ConditionLogic {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("rule %q: unknown condition logic %q", r.ID, r.ConditionLogic)
	}
	for _, a := range r.Actions {
		if a.Kind == "" {
			return fmt.Errorf("rule %q: action kind required", r.ID)
		}
	}
	return nil
}

func (e *RuleEngine) validateConditions(r *ApprovalRule) error {
	for _, c := range append(append([]Condition(nil), r.Conditions...), guards(r)...) {
		if errs := e.conds.ValidateCondition(c); len(errs) > 0 {
			return fmt.Errorf("rule %q: %s", r.ID, strings.Join(errs, "; "))
		}
	}
	return nil
}

func guards(r *ApprovalRule) []Condition {
	out := make([]Condition, 0)
	for _, a := range r.Actions {
		if a.Guard != nil {
			out = append(out, a.Guard)
		}
	}
	return out
}

func sortRules(rules []*ApprovalRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// ============================================================================
// EVALUATION
// ============================================================================

// ApplicableRules filters to the rules eligible for this context, sorted
// by priority desc then ID asc.
func (e *RuleEngine) ApplicableRules(ec *EvalContext) []*ApprovalRule {
	if ec == nil {
		ec = &EvalContext{}
	}
	now := ec.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ApprovalRule, 0)
	for _, r := range e.rules {
		if e.applicableLocked(r, ec, now) {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

func (e *RuleEngine) applicableLocked(r *ApprovalRule, ec *EvalContext, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	c := r.Constraints
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	if c.Cooldown > 0 {
		if last, ok := e.lastExec[r.ID]; ok && now.Sub(last) < c.Cooldown {
			return false
		}
	}
	if c.MaxPerDay > 0 && e.execCount[dailyKey(r.ID, now)] >= c.MaxPerDay {
		return false
	}
	if c.MaxPerSubject > 0 && ec.Subject != nil {
		if e.execCount[subjectKey(r.ID, ec.Subject.ID)] >= c.MaxPerSubject {
			return false
		}
	}
	return r.Scope.matches(ec.Subject, now)
}

func dailyKey(ruleID string, t time.Time) string {
	return ruleID + ":" + t.Format("2006-01-02")
}

func subjectKey(ruleID, subjectID string) string {
	return ruleID + ":" + subjectID
}

// EvaluateRules runs every applicable rule and resolves conflicts among
// the triggered ones. Per-rule failures are recorded, never returned.
func (e *RuleEngine) EvaluateRules(ec *EvalContext) []*RuleExecution {
	if ec == nil {
		ec = &EvalContext{}
	}
	now := ec.Now()
	applicable := e.ApplicableRules(ec)
	execs := make([]*RuleExecution, 0, len(applicable))
	triggered := make([]ConflictEntry, 0)

	for _, r := range applicable {
		exec := e.runRule(r, ec, now)
		execs = append(execs, exec)
		if exec.Triggered {
			triggered = append(triggered, ConflictEntry{Rule: r, Exec: exec})
		}
	}

	e.resolveConflicts(triggered)
	return execs
}

func (e *RuleEngine) runRule(r *ApprovalRule, ec *EvalContext, now time.Time) *RuleExecution {
	start := time.Now()
	exec := &RuleExecution{RuleID: r.ID, RuleName: r.Name}
	var met bool
	var results []*ConditionResult
	if r.ConditionLogic == LogicOr {
		met, results = e.conds.EvaluateAny(r.Conditions, ec)
	} else {
		met, results = e.conds.EvaluateAll(r.Conditions, ec)
	}
	exec.Conditions = results
	if met {
		exec.Triggered = true
		exec.Actions = e.executeActions(r, ec)
		e.recordExecution(r.ID, ec, now)
	}
	exec.Elapsed = time.Since(start)
	return exec
}

func (e *RuleEngine) recordExecution(ruleID string, ec *EvalContext, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execCount[ruleID]++
	e.execCount[dailyKey(ruleID, now)]++
	if ec.Subject != nil {
		e.execCount[subjectKey(ruleID, ec.Subject.ID)]++
	}
	e.lastExec[ruleID] = now
}

// ExecutionCount returns the total executions recorded for a rule.
func (e *RuleEngine) ExecutionCount(ruleID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.execCount[ruleID]
}

func (e *RuleEngine) executeActions(r *ApprovalRule, ec *EvalContext) []ActionResult {
	out := make([]ActionResult, 0, len(r.Actions))
	for _, a := range r.Actions {
		res := ActionResult{Kind: a.Kind}
		if a.Guard != nil {
			if gr := e.conds.Evaluate(a.Guard, ec); !gr.Matched {
				res.Skipped = true
				res.Detail = "guard not met"
				out = append(out, res)
				continue
			}
		}
		if a.Delay > 0 {
			time.Sleep(a.Delay)
		}
		switch a.Kind {
		case ActionApprove, ActionReject, ActionEscalate, ActionContinue:
			res.OK = true
		case ActionAssign:
			if assignee := asString(a.Params["assignee"]); assignee != "" {
				if ec.Vars == nil {
					ec.Vars = make(map[string]any)
				}
				ec.Vars["assignee"] = assignee
				res.Detail = "assigned to " + assignee
			}
			res.OK = true
		case ActionDelay:
			d, err := actionDelay(a.Params)
			if err != nil {
				res.Detail = err.Error()
				break
			}
			time.Sleep(d)
			res.OK = true
			res.Detail = fmt.Sprintf("delayed %s", d)
		case ActionSkip:
			res.OK = true
			res.Skipped = true
		case ActionNotify:
			e.emit(Event{
				Kind:    EventNotify,
				RuleID:  r.ID,
				Subject: ec.Subject,
				Detail:  asString(a.Params["message"]),
				At:      time.Now(),
			})
			res.OK = true
		case ActionSetVariable:
			name := asString(a.Params["name"])
			if name == "" {
				res.Detail = "setVariable: missing name"
				break
			}
			if ec.Vars == nil {
				ec.Vars = make(map[string]any)
			}
			ec.Vars[name] = a.Params["value"]
			res.OK = true
		case ActionExecuteFunction:
			name := asString(a.Params["name"])
			fn, ok := e.conds.lookupFunction(name)
			if !ok {
				res.Detail = fmt.Sprintf("unknown function %q", name)
				break
			}
			args, _ := asSlice(a.Params["args"])
			if _, err := fn(ec, args...); err != nil {
				res.Detail = err.Error()
				break
			}
			res.OK = true
		default:
			res.Detail = fmt.Sprintf("unknown action kind %q", a.Kind)
		}
		out = append(out, res)
	}
	return out
}

// actionDelay reads the delay action's "duration" parameter, either a
// Go duration string or a number of milliseconds. One minute when
// absent.
func actionDelay(params map[string]any) (time.Duration, error) {
	v, ok := params["duration"]
	if !ok {
		return time.Minute, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("delay: %w", err)
		}
		return d, nil
	}
	if ms, ok := toFloat(v); ok {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("delay: cannot interpret duration %v", v)
}

func (e *RuleEngine) resolveConflicts(triggered []ConflictEntry) {
	if len(triggered) <= 1 {
		return
	}
	e.mu.RLock()
	strategy := e.strategies[e.strategy]
	name := e.strategy
	e.mu.RUnlock()
	winners := strategy(triggered)
	keep := make(map[string]bool, len(winners))
	for _, w := range winners {
		keep[w.Rule.ID] = true
	}
	for _, entry := range triggered {
		if !keep[entry.Rule.ID] {
			entry.Exec.Triggered = false
			entry.Exec.Err = "lost conflict resolution (" + name + ")"
		}
	}
}

// Decide evaluates the rules and synthesizes a single decision from the
// triggered rules' types: any rejection rule wins, then escalation,
// then approval; nothing triggered stays pending.
func (e *RuleEngine) Decide(ec *EvalContext) *DecisionOutcome {
	start := time.Now()
	execs := e.EvaluateRules(ec)

	out := &DecisionOutcome{Decision: DecisionPending, Confidence: 0.5, Executions: execs}
	hasReject, hasEscalate, hasApprove := false, false, false

	byID := e.rulesByID()
	for _, exec := range execs {
		if !exec.Triggered {
			continue
		}
		out.TriggeredRules = append(out.TriggeredRules, exec.RuleID)
		r, ok := byID[exec.RuleID]
		if !ok {
			continue
		}
		switch r.Type {
		case RuleRejection:
			hasReject = true
		case RuleEscalation:
			hasEscalate = true
		case RuleApproval:
			hasApprove = true
		}
		out.Reasons = append(out.Reasons, r.Name)
	}

	switch {
	case hasReject:
		out.Decision = DecisionReject
		out.Confidence = 0.9
	case hasEscalate:
		out.Decision = DecisionEscalate
		out.Confidence = 0.8
	case hasApprove:
		out.Decision = DecisionApprove
		out.Confidence = 0.85
	default:
		out.Reasons = append(out.Reasons, "no rule triggered")
	}
	out.Elapsed = time.Since(start)
	e.log.Debug("decision", "outcome", string(out.Decision), "rules", len(out.TriggeredRules))
	return out
}

func (e *RuleEngine) rulesByID() map[string]*ApprovalRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*ApprovalRule, len(e.rules))
	for id, r := range e.rules {
		out[id] = r
	}
	return out
}

// ============================================================================
// DEFAULT RULES
// ============================================================================

// DefaultRules returns the stock rule set: auto-approve high priority
// items, auto-approve system requesters, escalate expired items.
func DefaultRules() []*ApprovalRule {
	return []*ApprovalRule{
		{
			ID:       "high-priority-auto-approval",
			Name:     "High priority auto approval",
			Type:     RuleApproval,
			Priority: PriorityHigh,
			Enabled:  true,
			Conditions: []Condition{
				&SimpleCondition{Field: "subject.priority", Op: OpIn, Value: []any{"high", "critical"}},
			},
			Actions: []RuleAction{{Kind: ActionApprove}},
		},
		{
			ID:       "system-role-auto-approval",
			Name:     "System role auto approval",
			Type:     RuleApproval,
			Priority: PriorityCritical,
			Enabled:  true,
			Conditions: []Condition{
				&SimpleCondition{Field: "subject.requester.role", Op: OpEq, Value: "system"},
			},
			Actions: []RuleAction{{Kind: ActionApprove}},
		},
		{
			ID:       "expired-escalation",
			Name:     "Expired item escalation",
			Type:     RuleEscalation,
			Priority: PriorityMedium,
			Enabled:  true,
			Conditions: []Condition{
				&FunctionCondition{Name: "isExpired"},
			},
			Actions: []RuleAction{
				{Kind: ActionEscalate},
				{Kind: ActionNotify, Params: map[string]any{"message": "approval expired, escalating"}},
			},
			Constraints: RuleConstraints{Cooldown: time.Hour, MaxPerSubject: 3},
		},
	}
}
