package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLRoleStore persists roles in SQL (squealx).
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *policy.Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("role id required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	q := `INSERT INTO roles(id, name, description, permissions_json, parents_json, metadata_json, created_at)
	      VALUES(:id, :name, :description, :permissions_json, :parents_json, :metadata_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *policy.Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("role id required")
	}
	q := `UPDATE roles SET name=:name, description=:description, permissions_json=:permissions_json,
	      parents_json=:parents_json, metadata_json=:metadata_json WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, roleParams(r))
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	q := `DELETE FROM roles WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*policy.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, metadata_json, created_at FROM roles WHERE id = :id`
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("role not found: %s", id)
	}
	return scanRole(rows)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*policy.Role, error) {
	q := `SELECT id, name, description, permissions_json, parents_json, metadata_json, created_at FROM roles ORDER BY id`
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*policy.Role, 0)
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func roleParams(r *policy.Role) map[string]any {
	perms, _ := json.Marshal(r.Permissions)
	parents, _ := json.Marshal(r.Parents)
	meta, _ := json.Marshal(r.Metadata)
	return map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"permissions_json": string(perms),
		"parents_json":     string(parents),
		"metadata_json":    string(meta),
		"created_at":       r.CreatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(rows rowScanner) (*policy.Role, error) {
	var id, name, description, permsJSON, parentsJSON, metaJSON string
	var createdRaw any
	if err := rows.Scan(&id, &name, &description, &permsJSON, &parentsJSON, &metaJSON, &createdRaw); err != nil {
		return nil, err
	}
	r := &policy.Role{ID: id, Name: name, Description: description, CreatedAt: scanTime(createdRaw)}
	_ = json.Unmarshal([]byte(permsJSON), &r.Permissions)
	_ = json.Unmarshal([]byte(parentsJSON), &r.Parents)
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	return r, nil
}
