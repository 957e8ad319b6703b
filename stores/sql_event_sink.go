package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLEventSink writes engine events to the events table.
type SQLEventSink struct {
	db *squealx.DB
}

func NewSQLEventSink(db *squealx.DB) *SQLEventSink {
	return &SQLEventSink{db: db}
}

func (s *SQLEventSink) Record(ctx context.Context, e policy.Event) error {
	meta, _ := json.Marshal(e.Meta)
	subjectID := ""
	if e.Subject != nil {
		subjectID = e.Subject.ID
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	q := `INSERT INTO events(id, kind, rule_id, tree_id, user_id, subject_id, detail, meta_json, at)
	      VALUES(:id, :kind, :rule_id, :tree_id, :user_id, :subject_id, :detail, :meta_json, :at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         e.ID,
		"kind":       string(e.Kind),
		"rule_id":    e.RuleID,
		"tree_id":    e.TreeID,
		"user_id":    e.UserID,
		"subject_id": subjectID,
		"detail":     e.Detail,
		"meta_json":  string(meta),
		"at":         at,
	})
	return err
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind   policy.EventKind
	UserID string
	Limit  int
}

// ListEvents returns recorded events, newest first.
func (s *SQLEventSink) ListEvents(ctx context.Context, f EventFilter) ([]policy.Event, error) {
	q := `SELECT id, kind, rule_id, tree_id, user_id, subject_id, detail, meta_json, at FROM events
	      WHERE (:kind = '' OR kind = :kind) AND (:user_id = '' OR user_id = :user_id)
	      ORDER BY at DESC LIMIT :limit`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"kind":    string(f.Kind),
		"user_id": f.UserID,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]policy.Event, 0)
	for rows.Next() {
		var e policy.Event
		var kind, subjectID, metaJSON string
		var atRaw any
		if err := rows.Scan(&e.ID, &kind, &e.RuleID, &e.TreeID, &e.UserID, &subjectID, &e.Detail, &metaJSON, &atRaw); err != nil {
			return nil, err
		}
		e.Kind = policy.EventKind(kind)
		e.At = scanTime(atRaw)
		if subjectID != "" {
			e.Subject = &policy.Subject{ID: subjectID}
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		out = append(out, e)
	}
	return out, nil
}
