package sqlite

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// SQLiteSubagentStore tracks spawned workers, keyed by the task they
// were delegated.
type SQLiteSubagentStore struct {
	db *sql.DB
}

func NewSQLiteSubagentStore(db *sql.DB) *SQLiteSubagentStore {
	return &SQLiteSubagentStore{db: db}
}

func (s *SQLiteSubagentStore) PutSubagent(ctx context.Context, row store.SubagentRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_subagents (task_id, facet_name, session_id, started_at, status, props_json)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET
		   facet_name = excluded.facet_name,
		   session_id = excluded.session_id,
		   started_at = excluded.started_at,
		   status = excluded.status,
		   props_json = excluded.props_json`,
		row.TaskID, row.FacetName, row.SessionID, row.StartedAt, row.Status, nullStr(row.PropsJSON),
	)
	return err
}

func (s *SQLiteSubagentStore) GetSubagent(ctx context.Context, taskID string) (*store.SubagentRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, facet_name, session_id, started_at, status, props_json
		 FROM active_subagents WHERE task_id = ?`, taskID)
	rec, err := scanSubagent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteSubagentStore) ListSubagents(ctx context.Context, sessionID string) ([]store.SubagentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, facet_name, session_id, started_at, status, props_json
		 FROM active_subagents WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubagents(rows)
}

func (s *SQLiteSubagentStore) SetSubagentStatus(ctx context.Context, taskID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_subagents SET status = ? WHERE task_id = ?`, status, taskID)
	return err
}

// InterruptRunning flips every running row to interrupted and returns
// the rows it touched, so startup can fail their tasks.
func (s *SQLiteSubagentStore) InterruptRunning(ctx context.Context) ([]store.SubagentRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, facet_name, session_id, started_at, status, props_json
		 FROM active_subagents WHERE status = ? ORDER BY started_at`, store.SubagentRunning)
	if err != nil {
		return nil, err
	}
	touched, err := collectSubagents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE active_subagents SET status = ? WHERE status = ?`,
		store.SubagentInterrupted, store.SubagentRunning,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range touched {
		touched[i].Status = store.SubagentInterrupted
	}
	return touched, nil
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
