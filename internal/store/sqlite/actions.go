package sqlite

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// SQLiteActionStore is the append-only audit trail of tool executions.
type SQLiteActionStore struct {
	db *sql.DB
}

const defaultActionLimit = 100

func NewSQLiteActionStore(db *sql.DB) *SQLiteActionStore {
	return &SQLiteActionStore{db: db}
}

func (s *SQLiteActionStore) Append(ctx context.Context, e actionlog.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (id, session_id, timestamp, tool, action, input, output_summary, duration_ms, success, error, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Timestamp, e.Tool, e.Action, nullStr(e.Input),
		nullStr(e.OutputSummary), e.DurationMs, e.Success, nullStr(e.Error), nullStr(e.MessageID),
	)
	return err
}

// List returns entries newest first, filtered by the query. A zero
// limit falls back to the default page size.
func (s *SQLiteActionStore) List(ctx context.Context, sessionID string, q store.ActionQuery) ([]actionlog.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultActionLimit
	}

	query := `SELECT id, session_id, timestamp, tool, action, input, output_summary, duration_ms, success, error, message_id
	          FROM action_log WHERE session_id = ?`
	args := []any{sessionID}
	if q.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, q.Tool)
	}
	if q.Since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, q.Since)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []actionlog.Entry
	for rows.Next() {
		var e actionlog.Entry
		var input, summary, errMsg, messageID sql.NullString
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Timestamp, &e.Tool, &e.Action,
			&input, &summary, &e.DurationMs, &e.Success, &errMsg, &messageID,
		); err != nil {
			return nil, err
		}
		e.Input = input.String
		e.OutputSummary = summary.String
		e.Error = errMsg.String
		e.MessageID = messageID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteActionStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_log WHERE session_id = ?`, sessionID)
	return err
}
