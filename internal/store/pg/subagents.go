package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// PGSubagentStore tracks spawned workers, keyed by the task they were
// delegated.
type PGSubagentStore struct {
	db *sql.DB
}

func NewPGSubagentStore(db *sql.DB) *PGSubagentStore {
	return &PGSubagentStore{db: db}
}

func (s *PGSubagentStore) PutSubagent(ctx context.Context, row store.SubagentRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_subagents (task_id, facet_name, session_id, started_at, status, props_json)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO UPDATE SET
		   facet_name = EXCLUDED.facet_name,
		   session_id = EXCLUDED.session_id,
		   started_at = EXCLUDED.started_at,
		   status = EXCLUDED.status,
		   props_json = EXCLUDED.props_json`,
		row.TaskID, row.FacetName, row.SessionID, row.StartedAt, row.Status, nullStr(row.PropsJSON),
	)
	return err
}

func (s *PGSubagentStore) GetSubagent(ctx context.Context, taskID string) (*store.SubagentRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, facet_name, session_id, started_at, status, props_json
		 FROM active_subagents WHERE task_id = $1`, taskID)
	rec, err := scanSubagent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PGSubagentStore) ListSubagents(ctx context.Context, sessionID string) ([]store.SubagentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, facet_name, session_id, started_at, status, props_json
		 FROM active_subagents WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubagents(rows)
}

func (s *PGSubagentStore) SetSubagentStatus(ctx context.Context, taskID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_subagents SET status = $1 WHERE task_id = $2`, status, taskID)
	return err
}

// InterruptRunning flips every running row to interrupted and returns
// the rows it touched, so startup can fail their tasks.
func (s *PGSubagentStore) InterruptRunning(ctx context.Context) ([]store.SubagentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE active_subagents SET status = $1 WHERE status = $2
		 RETURNING task_id, facet_name, session_id, started_at, status, props_json`,
		store.SubagentInterrupted, store.SubagentRunning,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubagents(rows)
}

func scanSubagent(row rowScanner) (*store.SubagentRow, error) {
	var rec store.SubagentRow
	var props sql.NullString
	if err := row.Scan(
		&rec.TaskID, &rec.FacetName, &rec.SessionID, &rec.StartedAt, &rec.Status, &props,
	); err != nil {
		return nil, err
	}
	rec.PropsJSON = props.String
	return &rec, nil
}

func collectSubagents(rows *sql.Rows) ([]store.SubagentRow, error) {
	var out []store.SubagentRow
	for rows.Next() {
		rec, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
