package policy

import (
	"testing"
	"time"
)

func approveRule(id string, priority int, conds ...Condition) *ApprovalRule {
	return &ApprovalRule{
		ID:         id,
		Name:       id,
		Type:       RuleApproval,
		Priority:   priority,
		Enabled:    true,
		Conditions: conds,
		Actions:    []RuleAction{{Kind: ActionApprove}},
	}
}

func highPriorityCond() Condition {
	return &SimpleCondition{Field: "subject.priority", Op: OpEq, Value: "high"}
}

func TestRuleCRUD(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("r1", PriorityMedium)
	if err := engine.AddRule(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := engine.AddRule(approveRule("r1", PriorityLow)); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}
	got, err := engine.GetRule("r1")
	if err != nil || got.Name != "r1" {
		t.Fatalf("get: %v", err)
	}
	r.Name = "renamed"
	if err := engine.UpdateRule(r); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := engine.SetRuleEnabled("r1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if rules := engine.ApplicableRules(testContext()); len(rules) != 0 {
		t.Fatalf("disabled rule must not be applicable")
	}
	if err := engine.RemoveRule("r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := engine.GetRule("r1"); err == nil {
		t.Fatalf("removed rule must be gone")
	}
}

func TestRuleValidation(t *testing.T) {
	engine := NewRuleEngine(nil)
	if err := engine.AddRule(&ApprovalRule{Name: "no-id"}); err == nil {
		t.Fatalf("missing id must fail")
	}
	if err := engine.AddRule(&ApprovalRule{ID: "x"}); err == nil {
		t.Fatalf("missing name must fail")
	}
}

func TestRuleTriggering(t *testing.T) {
	engine := NewRuleEngine(nil)
	if err := engine.AddRule(approveRule("match", PriorityMedium, highPriorityCond())); err != nil {
		t.Fatalf("add: %v", err)
	}
	noMatch := approveRule("no-match", PriorityMedium,
		&SimpleCondition{Field: "subject.priority", Op: OpEq, Value: "low"})
	if err := engine.AddRule(noMatch); err != nil {
		t.Fatalf("add: %v", err)
	}

	execs := engine.EvaluateRules(testContext())
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	byID := map[string]*RuleExecution{}
	for _, ex := range execs {
		byID[ex.RuleID] = ex
	}
	if !byID["match"].Triggered {
		t.Fatalf("matching rule must trigger")
	}
	if byID["no-match"].Triggered {
		t.Fatalf("non-matching rule must not trigger")
	}
	if len(byID["match"].Actions) != 1 || !byID["match"].Actions[0].OK {
		t.Fatalf("triggered rule must execute actions: %#v", byID["match"].Actions)
	}
}

func TestEmptyConditionsTrigger(t *testing.T) {
	engine := NewRuleEngine(nil)
	if err := engine.AddRule(approveRule("always", PriorityLow)); err != nil {
		t.Fatalf("add: %v", err)
	}
	execs := engine.EvaluateRules(testContext())
	if len(execs) != 1 || !execs[0].Triggered {
		t.Fatalf("rule with no conditions must trigger")
	}
}

func TestConditionLogicOr(t *testing.T) {
	engine := NewRuleEngine(nil)
	expenseCond := &SimpleCondition{Field: "subject.type", Op: OpEq, Value: "expense"}

	and := approveRule("needs-both", PriorityMedium, highPriorityCond(), expenseCond)
	mustAdd(t, engine, and)
	or := approveRule("needs-any", PriorityMedium, highPriorityCond(), expenseCond)
	or.ConditionLogic = LogicOr
	mustAdd(t, engine, or)

	// deployment subject: priority matches, type does not
	execs := engine.EvaluateRules(testContext())
	byID := map[string]*RuleExecution{}
	for _, ex := range execs {
		byID[ex.RuleID] = ex
	}
	if byID["needs-both"].Triggered {
		t.Fatalf("AND rule with a failing condition must not trigger")
	}
	if !byID["needs-any"].Triggered {
		t.Fatalf("OR rule with a matching condition must trigger")
	}
	if len(byID["needs-any"].Conditions) != 2 {
		t.Fatalf("OR evaluation must still report every condition, got %d", len(byID["needs-any"].Conditions))
	}
}

func TestConditionLogicValidated(t *testing.T) {
	engine := NewRuleEngine(nil)
	bad := approveRule("bad-logic", PriorityLow)
	bad.ConditionLogic = "XOR"
	if err := engine.AddRule(bad); err == nil {
		t.Fatalf("unknown condition logic must be rejected")
	}

	empty := approveRule("empty-or", PriorityLow)
	empty.ConditionLogic = LogicOr
	mustAdd(t, engine, empty)
	if execs := engine.EvaluateRules(testContext()); len(execs) != 1 || !execs[0].Triggered {
		t.Fatalf("OR rule with no conditions must trigger")
	}
}

func TestRulesOfType(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("a", PriorityLow))
	mustAdd(t, engine, approveRule("b", PriorityHigh))
	esc := approveRule("e", PriorityMedium)
	esc.Type = RuleEscalation
	mustAdd(t, engine, esc)

	approvals := engine.RulesOfType(RuleApproval)
	if len(approvals) != 2 || approvals[0].ID != "b" || approvals[1].ID != "a" {
		t.Fatalf("approval rules: got %d, priority order broken", len(approvals))
	}
	if escs := engine.RulesOfType(RuleEscalation); len(escs) != 1 || escs[0].ID != "e" {
		t.Fatalf("escalation filter: got %d", len(escs))
	}
	if flows := engine.RulesOfType(RuleWorkflow); len(flows) != 0 {
		t.Fatalf("workflow filter must be empty, got %d", len(flows))
	}
}

func TestConflictPriority(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("low", PriorityLow))
	mustAdd(t, engine, approveRule("high", PriorityHigh))

	winners := triggeredIDs(engine.EvaluateRules(testContext()))
	if len(winners) != 1 || winners[0] != "high" {
		t.Fatalf("priority strategy: got %v", winners)
	}
}

func TestConflictFirstAndLastMatch(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("a", PriorityMedium))
	mustAdd(t, engine, approveRule("b", PriorityMedium))

	if err := engine.SetStrategy("firstMatch"); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	winners := triggeredIDs(engine.EvaluateRules(testContext()))
	if len(winners) != 1 || winners[0] != "a" {
		t.Fatalf("firstMatch: got %v", winners)
	}

	if err := engine.SetStrategy("lastMatch"); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	winners = triggeredIDs(engine.EvaluateRules(testContext()))
	if len(winners) != 1 || winners[0] != "b" {
		t.Fatalf("lastMatch: got %v", winners)
	}
}

func TestConflictMostSpecific(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("one-cond", PriorityHigh, highPriorityCond()))
	mustAdd(t, engine, approveRule("two-conds", PriorityLow,
		highPriorityCond(),
		&SimpleCondition{Field: "subject.type", Op: OpEq, Value: "deployment"}))

	if err := engine.SetStrategy("mostSpecific"); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	winners := triggeredIDs(engine.EvaluateRules(testContext()))
	if len(winners) != 1 || winners[0] != "two-conds" {
		t.Fatalf("mostSpecific: got %v", winners)
	}
}

func TestConflictConsensus(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("a1", PriorityLow))
	mustAdd(t, engine, approveRule("a2", PriorityLow))
	esc := approveRule("e1", PriorityCritical)
	esc.Type = RuleEscalation
	esc.Actions = []RuleAction{{Kind: ActionEscalate}}
	mustAdd(t, engine, esc)

	if err := engine.SetStrategy("consensus"); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	winners := triggeredIDs(engine.EvaluateRules(testContext()))
	if len(winners) != 2 || winners[0] != "a1" || winners[1] != "a2" {
		t.Fatalf("consensus: got %v", winners)
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	engine := NewRuleEngine(nil)
	if err := engine.SetStrategy("nope"); err == nil {
		t.Fatalf("unknown strategy must be rejected")
	}
}

func TestCustomStrategy(t *testing.T) {
	engine := NewRuleEngine(nil)
	err := engine.RegisterStrategy("none", func(entries []ConflictEntry) []ConflictEntry {
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.SetStrategy("none"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mustAdd(t, engine, approveRule("a", PriorityLow))
	mustAdd(t, engine, approveRule("b", PriorityLow))
	if winners := triggeredIDs(engine.EvaluateRules(testContext())); len(winners) != 0 {
		t.Fatalf("custom strategy dropping all: got %v", winners)
	}
}

func TestDecisionSynthesis(t *testing.T) {
	cases := []struct {
		ruleType   RuleType
		kind       ActionKind
		decision   Decision
		confidence float64
	}{
		{RuleRejection, ActionReject, DecisionReject, 0.9},
		{RuleEscalation, ActionEscalate, DecisionEscalate, 0.8},
		{RuleApproval, ActionApprove, DecisionApprove, 0.85},
		{RuleNotification, ActionNotify, DecisionPending, 0.5},
		{RuleWorkflow, ActionContinue, DecisionPending, 0.5},
	}
	for _, tc := range cases {
		engine := NewRuleEngine(nil)
		r := approveRule("r", PriorityMedium)
		r.Type = tc.ruleType
		r.Actions = []RuleAction{{Kind: tc.kind}}
		mustAdd(t, engine, r)

		out := engine.Decide(testContext())
		if out.Decision != tc.decision {
			t.Fatalf("%s: got %s want %s", tc.ruleType, out.Decision, tc.decision)
		}
		if out.Confidence != tc.confidence {
			t.Fatalf("%s: got confidence %v want %v", tc.ruleType, out.Confidence, tc.confidence)
		}
	}
}

func TestDecisionKeyedOnRuleType(t *testing.T) {
	// The rule's type drives the decision even when its actions suggest
	// otherwise: a rejection rule whose only action notifies still rejects.
	engine := NewRuleEngine(nil)
	r := approveRule("notify-only-reject", PriorityMedium)
	r.Type = RuleRejection
	r.Actions = []RuleAction{{Kind: ActionNotify, Params: map[string]any{"message": "blocked"}}}
	mustAdd(t, engine, r)

	out := engine.Decide(testContext())
	if out.Decision != DecisionReject || out.Confidence != 0.9 {
		t.Fatalf("rejection-typed rule must reject: got %s (%v)", out.Decision, out.Confidence)
	}
}

func TestRejectBeatsApprove(t *testing.T) {
	engine := NewRuleEngine(nil)
	mustAdd(t, engine, approveRule("ok", PriorityMedium))
	deny := approveRule("deny", PriorityMedium)
	deny.Type = RuleRejection
	deny.Actions = []RuleAction{{Kind: ActionReject}}
	mustAdd(t, engine, deny)

	out := engine.Decide(testContext())
	if out.Decision != DecisionReject || out.Confidence != 0.9 {
		t.Fatalf("reject must win: got %s (%v)", out.Decision, out.Confidence)
	}
}

func TestNothingTriggeredStaysPending(t *testing.T) {
	engine := NewRuleEngine(nil)
	out := engine.Decide(testContext())
	if out.Decision != DecisionPending || out.Confidence != 0.5 {
		t.Fatalf("got %s (%v), want pending (0.5)", out.Decision, out.Confidence)
	}
}

func TestScopeFiltering(t *testing.T) {
	engine := NewRuleEngine(nil)
	scoped := approveRule("scoped", PriorityMedium)
	scoped.Scope = RuleScope{Types: []string{"expense"}}
	mustAdd(t, engine, scoped)

	if rules := engine.ApplicableRules(testContext()); len(rules) != 0 {
		t.Fatalf("type-scoped rule must not apply to deployments")
	}

	scoped2 := approveRule("scoped2", PriorityMedium)
	scoped2.Scope = RuleScope{Types: []string{"deployment"}, Roles: []string{"developer"}}
	mustAdd(t, engine, scoped2)

	rules := engine.ApplicableRules(testContext())
	if len(rules) != 1 || rules[0].ID != "scoped2" {
		t.Fatalf("got %d applicable rules", len(rules))
	}
}

func TestTimeWindowScope(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("office-hours", PriorityMedium)
	r.Scope = RuleScope{TimeWindows: []TimeWindow{{Start: "09:00", End: "17:00"}}}
	mustAdd(t, engine, r)

	ec := testContext() // 10:00
	if rules := engine.ApplicableRules(ec); len(rules) != 1 {
		t.Fatalf("rule must apply inside its window")
	}
	ec.Clock.Now = time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	if rules := engine.ApplicableRules(ec); len(rules) != 0 {
		t.Fatalf("rule must not apply outside its window")
	}
}

func TestOvernightTimeWindow(t *testing.T) {
	w := TimeWindow{Start: "22:00", End: "06:00"}
	if !w.Contains(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("23:00 is inside 22:00-06:00")
	}
	if !w.Contains(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("05:00 is inside 22:00-06:00")
	}
	if w.Contains(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("12:00 is outside 22:00-06:00")
	}
}

func TestCooldownConstraint(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("cool", PriorityMedium)
	r.Constraints = RuleConstraints{Cooldown: time.Hour}
	mustAdd(t, engine, r)

	ec := testContext()
	if execs := engine.EvaluateRules(ec); !execs[0].Triggered {
		t.Fatalf("first run must trigger")
	}
	if execs := engine.EvaluateRules(ec); len(execs) != 0 {
		t.Fatalf("rule inside cooldown must not be applicable")
	}
	ec.Clock.Now = ec.Clock.Now.Add(2 * time.Hour)
	if execs := engine.EvaluateRules(ec); len(execs) != 1 || !execs[0].Triggered {
		t.Fatalf("rule must fire again after cooldown")
	}
}

func TestMaxPerSubjectConstraint(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("capped", PriorityMedium)
	r.Constraints = RuleConstraints{MaxPerSubject: 2}
	mustAdd(t, engine, r)

	ec := testContext()
	for i := 0; i < 2; i++ {
		if execs := engine.EvaluateRules(ec); len(execs) != 1 {
			t.Fatalf("run %d: expected applicability", i)
		}
	}
	if execs := engine.EvaluateRules(ec); len(execs) != 0 {
		t.Fatalf("per-subject cap must stop the rule")
	}

	other := testContext()
	other.Subject.ID = "item-2"
	if execs := engine.EvaluateRules(other); len(execs) != 1 {
		t.Fatalf("cap is per subject, other subjects still apply")
	}
}

func TestValidityWindow(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("future", PriorityMedium)
	from := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Constraints = RuleConstraints{ValidFrom: &from}
	mustAdd(t, engine, r)

	if rules := engine.ApplicableRules(testContext()); len(rules) != 0 {
		t.Fatalf("rule before valid_from must not apply")
	}
}

func TestSetVariableAction(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("setter", PriorityMedium)
	r.Actions = []RuleAction{{Kind: ActionSetVariable, Params: map[string]any{"name": "routed", "value": "ops"}}}
	mustAdd(t, engine, r)

	ec := testContext()
	engine.EvaluateRules(ec)
	if ec.Vars["routed"] != "ops" {
		t.Fatalf("setVariable must write to context vars, got %v", ec.Vars["routed"])
	}
}

func TestAssignAction(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("assigner", PriorityMedium)
	r.Actions = []RuleAction{{Kind: ActionAssign, Params: map[string]any{"assignee": "oncall-lead"}}}
	mustAdd(t, engine, r)

	ec := testContext()
	execs := engine.EvaluateRules(ec)
	if len(execs) != 1 || !execs[0].Actions[0].OK {
		t.Fatalf("assign action must succeed: %#v", execs[0].Actions)
	}
	if ec.Vars["assignee"] != "oncall-lead" {
		t.Fatalf("assign must record the assignee, got %v", ec.Vars["assignee"])
	}
}

func TestDelaySkipContinueActions(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("flow", PriorityMedium)
	r.Actions = []RuleAction{
		{Kind: ActionDelay, Params: map[string]any{"duration": "1ms"}},
		{Kind: ActionSkip},
		{Kind: ActionContinue},
	}
	mustAdd(t, engine, r)

	execs := engine.EvaluateRules(testContext())
	acts := execs[0].Actions
	if len(acts) != 3 {
		t.Fatalf("expected 3 action results, got %d", len(acts))
	}
	if !acts[0].OK {
		t.Fatalf("delay: %#v", acts[0])
	}
	if !acts[1].OK || !acts[1].Skipped {
		t.Fatalf("skip must mark the result skipped: %#v", acts[1])
	}
	if !acts[2].OK {
		t.Fatalf("continue: %#v", acts[2])
	}
}

func TestDelayActionDurationForms(t *testing.T) {
	if d, err := actionDelay(map[string]any{"duration": "2ms"}); err != nil || d != 2*time.Millisecond {
		t.Fatalf("string form: %v %v", d, err)
	}
	if d, err := actionDelay(map[string]any{"duration": 3}); err != nil || d != 3*time.Millisecond {
		t.Fatalf("numeric milliseconds: %v %v", d, err)
	}
	if d, err := actionDelay(nil); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := actionDelay(map[string]any{"duration": "soon"}); err == nil {
		t.Fatalf("bad duration must error")
	}
}

func TestAddRuleRejectsMalformedConditions(t *testing.T) {
	engine := NewRuleEngine(nil)
	noField := approveRule("no-field", PriorityLow, &SimpleCondition{Op: OpEq, Value: "x"})
	if err := engine.AddRule(noField); err == nil {
		t.Fatalf("condition without field must be rejected")
	}
	halfComplex := approveRule("half", PriorityLow, &ComplexCondition{Op: LogicAnd, Left: highPriorityCond()})
	if err := engine.AddRule(halfComplex); err == nil {
		t.Fatalf("complex condition missing an operand must be rejected")
	}
	if _, err := engine.GetRule("no-field"); err == nil {
		t.Fatalf("rejected rule must not be stored")
	}
}

func TestActionGuard(t *testing.T) {
	engine := NewRuleEngine(nil)
	r := approveRule("guarded", PriorityMedium)
	r.Actions = []RuleAction{{
		Kind:  ActionApprove,
		Guard: &SimpleCondition{Field: "subject.priority", Op: OpEq, Value: "low"},
	}}
	mustAdd(t, engine, r)

	execs := engine.EvaluateRules(testContext())
	if len(execs) != 1 || !execs[0].Triggered {
		t.Fatalf("rule must trigger")
	}
	if !execs[0].Actions[0].Skipped {
		t.Fatalf("guarded action must be skipped when its guard fails")
	}
}

func TestDefaultRules(t *testing.T) {
	engine := NewRuleEngine(nil)
	for _, r := range DefaultRules() {
		mustAdd(t, engine, r)
	}
	out := engine.Decide(testContext()) // high priority, not expired
	if out.Decision != DecisionApprove {
		t.Fatalf("high priority subject should auto approve, got %s", out.Decision)
	}
}

func mustAdd(t *testing.T, e *RuleEngine, r *ApprovalRule) {
	t.Helper()
	if err := e.AddRule(r); err != nil {
		t.Fatalf("add rule %s: %v", r.ID, err)
	}
}

func triggeredIDs(execs []*RuleExecution) []string {
	out := make([]string, 0)
	for _, ex := range execs {
		if ex.Triggered {
			out = append(out, ex.RuleID)
		}
	}
	return out
}
