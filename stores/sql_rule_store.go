package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLRuleStore persists rule definitions as config JSON so an engine
// can reload its rule set across restarts.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

// SaveRule upserts one rule definition.
func (s *SQLRuleStore) SaveRule(ctx context.Context, rc *policy.RuleConfig) error {
	if rc == nil || rc.ID == "" {
		return fmt.Errorf("rule id required")
	}
	blob, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode rule %q: %w", rc.ID, err)
	}
	q := `INSERT INTO rules(id, config_json, updated_at) VALUES(:id, :config_json, :updated_at)
	      ON CONFLICT(id) DO UPDATE SET config_json=:config_json, updated_at=:updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          rc.ID,
		"config_json": string(blob),
		"updated_at":  time.Now(),
	})
	return err
}

// DeleteRule removes one rule definition.
func (s *SQLRuleStore) DeleteRule(ctx context.Context, id string) error {
	q := `DELETE FROM rules WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

// LoadRules returns every stored rule definition.
func (s *SQLRuleStore) LoadRules(ctx context.Context) ([]policy.RuleConfig, error) {
	q := `SELECT config_json FROM rules ORDER BY id`
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]policy.RuleConfig, 0)
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rc policy.RuleConfig
		if err := json.Unmarshal([]byte(blob), &rc); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		out = append(out, rc)
	}
	return out, nil
}

// LoadInto builds and adds every stored rule to the engine.
func (s *SQLRuleStore) LoadInto(ctx context.Context, e *policy.Engine) error {
	configs, err := s.LoadRules(ctx)
	if err != nil {
		return err
	}
	for i := range configs {
		rule, err := policy.BuildRule(&configs[i])
		if err != nil {
			return err
		}
		if err := e.Rules().AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}
