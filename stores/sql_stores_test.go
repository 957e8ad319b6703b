package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/policy"
)

func testDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// in-memory sqlite is per-connection
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLRoleStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewSQLRoleStore(db)
	ctx := context.Background()

	role := &policy.Role{
		ID:   "editor",
		Name: "Editor",
		Permissions: []policy.Permission{
			{ID: "p1", ResourceType: "document", ResourceID: "*", Actions: []policy.Action{"read", "write"}},
		},
		Parents:  []string{"reader"},
		Metadata: map[string]any{"team": "docs"},
	}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateRole(ctx, role); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}

	got, err := store.GetRole(ctx, "editor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Editor" || len(got.Permissions) != 1 || got.Parents[0] != "reader" {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Permissions[0].Actions[1] != "write" {
		t.Fatalf("actions: %v", got.Permissions[0].Actions)
	}
	if got.Metadata["team"] != "docs" {
		t.Fatalf("metadata: %v", got.Metadata)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at must be set")
	}

	role.Name = "Senior Editor"
	if err := store.UpdateRole(ctx, role); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetRole(ctx, "editor")
	if got.Name != "Senior Editor" {
		t.Fatalf("update not persisted: %q", got.Name)
	}

	all, err := store.ListRoles(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v %d", err, len(all))
	}

	if err := store.DeleteRole(ctx, "editor"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRole(ctx, "editor"); err == nil {
		t.Fatalf("deleted role must not be found")
	}
}

func TestSQLAssignmentStore(t *testing.T) {
	db := testDB(t)
	store := NewSQLAssignmentStore(db)
	ctx := context.Background()

	if err := store.AssignRole(ctx, "alice", "editor"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// re-assign is a no-op, not an error
	if err := store.AssignRole(ctx, "alice", "editor"); err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if err := store.AssignRole(ctx, "alice", "admin"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	roles, err := store.ListRoles(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "editor" {
		t.Fatalf("roles %v", roles)
	}

	if err := store.RevokeRole(ctx, "alice", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	roles, _ = store.ListRoles(ctx, "alice")
	if len(roles) != 1 || roles[0] != "editor" {
		t.Fatalf("roles %v", roles)
	}

	roles, _ = store.ListRoles(ctx, "nobody")
	if len(roles) != 0 {
		t.Fatalf("unknown user roles %v", roles)
	}
}

func TestSQLStoresBackPermissionEngine(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	e, err := policy.New(
		policy.WithRoleStore(NewSQLRoleStore(db)),
		policy.WithAssignmentStore(NewSQLAssignmentStore(db)),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	perms := e.Permissions()
	err = perms.CreateRole(ctx, &policy.Role{
		ID: "viewer", Name: "Viewer",
		Permissions: []policy.Permission{
			{ID: "p", ResourceType: "report", ResourceID: "*", Actions: []policy.Action{"read"}},
		},
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := perms.AssignRole(ctx, "bob", "viewer"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	req := policy.CheckRequest{ResourceType: "report", ResourceID: "q1", Action: "read"}
	if !perms.Check(ctx, "bob", req) {
		t.Fatalf("expected allow through SQL-backed stores")
	}
	if err := perms.RevokeRole(ctx, "bob", "viewer"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if perms.Check(ctx, "bob", req) {
		t.Fatalf("revocation must deny")
	}
}

func TestSQLRuleStore(t *testing.T) {
	db := testDB(t)
	store := NewSQLRuleStore(db)
	ctx := context.Background()

	rc := &policy.RuleConfig{
		ID: "fast-track", Name: "Fast track", Type: policy.RuleApproval, Priority: 800,
		Conditions: []string{`subject.priority == "high"`},
		Actions:    []policy.ActionConfig{{Kind: policy.ActionApprove}},
	}
	if err := store.SaveRule(ctx, rc); err != nil {
		t.Fatalf("save: %v", err)
	}
	// upsert keeps a single row
	rc.Priority = 900
	if err := store.SaveRule(ctx, rc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	configs, err := store.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(configs) != 1 || configs[0].Priority != 900 {
		t.Fatalf("configs %+v", configs)
	}

	e, err := policy.New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()
	if err := store.LoadInto(ctx, e); err != nil {
		t.Fatalf("load into: %v", err)
	}
	if _, err := e.Rules().GetRule("fast-track"); err != nil {
		t.Fatalf("loaded rule missing: %v", err)
	}

	if err := store.DeleteRule(ctx, "fast-track"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	configs, _ = store.LoadRules(ctx)
	if len(configs) != 0 {
		t.Fatalf("configs %+v", configs)
	}
}

func TestSQLEventSink(t *testing.T) {
	db := testDB(t)
	sink := NewSQLEventSink(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	events := []policy.Event{
		{ID: "e1", Kind: policy.EventDecision, Detail: "approve", Subject: &policy.Subject{ID: "item-1"}, At: base},
		{ID: "e2", Kind: policy.EventCheck, UserID: "alice", Detail: "doc:a:read", Meta: map[string]any{"allowed": true}, At: base.Add(time.Minute)},
		{ID: "e3", Kind: policy.EventCheck, UserID: "bob", Detail: "doc:a:read", At: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := sink.Record(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", ev.ID, err)
		}
	}

	all, err := sink.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e3" {
		t.Fatalf("newest first: %+v", all)
	}

	checks, err := sink.ListEvents(ctx, EventFilter{Kind: policy.EventCheck, UserID: "alice"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(checks) != 1 || checks[0].ID != "e2" {
		t.Fatalf("filtered: %+v", checks)
	}
	if got, ok := checks[0].Meta["allowed"].(bool); !ok || !got {
		t.Fatalf("meta: %v", checks[0].Meta)
	}
	if checks[0].At.IsZero() {
		t.Fatalf("timestamp must round trip")
	}

	decisions, err := sink.ListEvents(ctx, EventFilter{Kind: policy.EventDecision})
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Subject == nil || decisions[0].Subject.ID != "item-1" {
		t.Fatalf("decisions: %+v", decisions)
	}
}
