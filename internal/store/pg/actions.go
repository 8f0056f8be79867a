package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// PGActionStore is the append-only audit trail of tool executions.
type PGActionStore struct {
	db *sql.DB
}

const defaultActionLimit = 100

func NewPGActionStore(db *sql.DB) *PGActionStore {
	return &PGActionStore{db: db}
}

func (s *PGActionStore) Append(ctx context.Context, e actionlog.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (id, session_id, timestamp, tool, action, input, output_summary, duration_ms, success, error, message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SessionID, e.Timestamp, e.Tool, e.Action, nullStr(e.Input),
		nullStr(e.OutputSummary), e.DurationMs, e.Success, nullStr(e.Error), nullStr(e.MessageID),
	)
	return err
}

// List returns entries newest first, filtered by the query. A zero
// limit falls back to the default page size.
func (s *PGActionStore) List(ctx context.Context, sessionID string, q store.ActionQuery) ([]actionlog.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultActionLimit
	}

	query := `SELECT id, session_id, timestamp, tool, action, input, output_summary, duration_ms, success, error, message_id
	          FROM action_log WHERE session_id = $1`
	args := []any{sessionID}
	if q.Tool != "" {
		args = append(args, q.Tool)
		query += fmt.Sprintf(` AND tool = $%d`, len(args))
	}
	if q.Since > 0 {
		args = append(args, q.Since)
		query += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY timestamp DESC, seq DESC LIMIT $%d`, len(args))

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

func (s *PGActionStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_log WHERE session_id = $1`, sessionID)
	return err
}
