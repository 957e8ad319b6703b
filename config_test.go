package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
strategy: priority
rules:
  - id: fast-track
    name: Fast track deployments
    type: approval
    priority: 800
    conditions:
      - subject.type == "deployment"
      - subject.priority in ["high", "critical"]
    actions:
      - kind: approve
      - kind: notify
        params:
          message: fast-tracked
trees:
  - id: fallback-tree
    name: Fallback
    root: root
    nodes:
      - id: root
        kind: root
        "true": check
      - id: check
        kind: condition
        condition: subject.priority == "low"
        "true": park
        "false": escalate
      - id: park
        kind: leaf
        action: defer
      - id: escalate
        kind: leaf
        action: escalate
roles:
  - id: deployer
    name: Deployer
    permissions:
      - id: p-deploy
        resource_type: deployment
        resource_id: "*"
        actions: ["create", "read"]
assignments:
  - user: alice
    roles: [deployer]
cache:
  capacity: 100
  role_ttl: 2m
  check_ttl: 30s
`

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != "priority" || len(cfg.Rules) != 1 || len(cfg.Trees) != 1 {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.Rules[0].Actions[1].Params["message"] != "fast-tracked" {
		t.Fatalf("action params %v", cfg.Rules[0].Actions[1].Params)
	}
	if cfg.Trees[0].Nodes[0].TrueChild != "check" {
		t.Fatalf("node wiring %+v", cfg.Trees[0].Nodes[0])
	}
}

func TestLoadConfigFileDispatch(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(yamlPath, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfigFile(yamlPath); err != nil {
		t.Fatalf("yaml dispatch: %v", err)
	}

	jsonPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(jsonPath, []byte(`{"strategy": "firstMatch"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfigFile(jsonPath)
	if err != nil {
		t.Fatalf("json dispatch: %v", err)
	}
	if cfg.Strategy != "firstMatch" {
		t.Fatalf("strategy %q", cfg.Strategy)
	}

	if _, err := LoadConfigFile(filepath.Join(dir, "policy.toml")); err == nil {
		t.Fatalf("unknown extension must be rejected")
	}
}

func TestBuildRuleParsesTextualFields(t *testing.T) {
	rule, err := BuildRule(&RuleConfig{
		ID: "r", Name: "R", Type: RuleApproval, Priority: 500,
		Conditions: []string{`subject.priority == "high"`},
		Actions: []ActionConfig{
			{Kind: ActionApprove, Guard: `data.checked == true`, Delay: "5ms"},
		},
		Constraints: ConstraintsConfig{Cooldown: "1h", ValidFrom: "2026-01-01", ValidUntil: "2026-12-31"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(rule.Conditions) != 1 || rule.Actions[0].Guard == nil {
		t.Fatalf("parsed fields missing: %+v", rule)
	}
	if rule.Actions[0].Delay.Milliseconds() != 5 {
		t.Fatalf("delay %v", rule.Actions[0].Delay)
	}
	if rule.Constraints.Cooldown.Hours() != 1 {
		t.Fatalf("cooldown %v", rule.Constraints.Cooldown)
	}
	if rule.Constraints.ValidFrom == nil || rule.Constraints.ValidUntil == nil {
		t.Fatalf("validity bounds missing")
	}
	if !rule.Constraints.ValidUntil.After(*rule.Constraints.ValidFrom) {
		t.Fatalf("validity ordering: %v %v", rule.Constraints.ValidFrom, rule.Constraints.ValidUntil)
	}

	if _, err := BuildRule(&RuleConfig{
		ID: "bad", Name: "Bad", Type: RuleApproval,
		Constraints: ConstraintsConfig{Cooldown: "not-a-duration"},
	}); err == nil {
		t.Fatalf("bad cooldown must be rejected")
	}
}

func TestBuildRuleConditionLogic(t *testing.T) {
	rule, err := BuildRule(&RuleConfig{
		ID: "any", Name: "Any", Type: RuleApproval, Logic: "or",
		Conditions: []string{`subject.priority == "high"`, `subject.type == "expense"`},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rule.ConditionLogic != LogicOr {
		t.Fatalf("condition logic %q", rule.ConditionLogic)
	}
	if rule, err := BuildRule(&RuleConfig{ID: "d", Name: "D", Type: RuleApproval}); err != nil || rule.ConditionLogic != "" {
		t.Fatalf("omitted logic keeps the AND default: %q %v", rule.ConditionLogic, err)
	}
	if _, err := BuildRule(&RuleConfig{ID: "x", Name: "X", Type: RuleApproval, Logic: "xor"}); err == nil {
		t.Fatalf("unknown condition_logic must be rejected")
	}
}

func TestBuildTreeValidates(t *testing.T) {
	_, err := BuildTree(&TreeConfig{
		ID: "broken", Name: "Broken", Root: "root",
		Nodes: []NodeConfig{{ID: "root", Kind: NodeRoot, TrueChild: "missing"}},
	})
	if err == nil {
		t.Fatalf("dangling child must be rejected")
	}
}

func TestApplyConfig(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	cfg, err := LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()
	if err := ApplyConfig(ctx, e, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// the configured rule decides a matching context
	ec := testContext()
	ec.Subject.Type = "deployment"
	out := e.EvaluateApproval(ctx, ec)
	if out.Decision != DecisionApprove {
		t.Fatalf("got %s", out.Decision)
	}

	// the configured tree catches low-priority contexts the rules skip
	ec = testContext()
	ec.Subject.Priority = "low"
	out = e.EvaluateApproval(ctx, ec)
	if out.Decision != DecisionDefer {
		t.Fatalf("got %s", out.Decision)
	}

	// roles and assignments landed
	if !e.CheckPermission(ctx, "alice", CheckRequest{ResourceType: "deployment", ResourceID: "web", Action: "create"}) {
		t.Fatalf("configured assignment must grant access")
	}

	// re-applying updates in place instead of failing on duplicates
	if err := ApplyConfig(ctx, e, cfg); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
}
