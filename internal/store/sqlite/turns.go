package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// SQLiteTurnStore persists turn records so interrupted work can be
// found and recovered after a restart.
type SQLiteTurnStore struct {
	db *sql.DB
}

func NewSQLiteTurnStore(db *sql.DB) *SQLiteTurnStore {
	return &SQLiteTurnStore{db: db}
}

func (s *SQLiteTurnStore) CreateTurn(ctx context.Context, rec store.TurnRecord) error {
	if rec.Attempt <= 0 {
		rec.Attempt = 1
	}
	var hb any
	if rec.HeartbeatAt != nil {
		hb = *rec.HeartbeatAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, status, heartbeat_at, checkpoint, attempt, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Status, hb, nullStr(rec.Checkpoint),
		rec.Attempt, nullStr(rec.TaskID), rec.CreatedAt,
	)
	return err
}

// Heartbeat advances the liveness timestamp. An empty checkpoint keeps
// the last stored one; beats between checkpoints must not erase resume
// state.
func (s *SQLiteTurnStore) Heartbeat(ctx context.Context, id string, at int64, checkpoint string) error {
	if checkpoint == "" {
		_, err := s.db.ExecContext(ctx, `UPDATE turns SET heartbeat_at = ? WHERE id = ?`, at, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET heartbeat_at = ?, checkpoint = ? WHERE id = ?`, at, checkpoint, id)
	return err
}

func (s *SQLiteTurnStore) SetTurnStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("turn %s not found", id)
	}
	return nil
}

func (s *SQLiteTurnStore) IncrementAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET attempt = attempt + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("turn %s not found", id)
	}
	return nil
}

func (s *SQLiteTurnStore) GetTurn(ctx context.Context, id string) (*store.TurnRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, status, heartbeat_at, checkpoint, attempt, task_id, created_at
		 FROM turns WHERE id = ?`, id)
	rec, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteTurnStore) ListStreaming(ctx context.Context) ([]store.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, status, heartbeat_at, checkpoint, attempt, task_id, created_at
		 FROM turns WHERE status = ? ORDER BY created_at`, store.TurnStreaming)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.TurnRecord
	for rows.Next() {
		rec, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*store.TurnRecord, error) {
	var rec store.TurnRecord
	var heartbeat sql.NullInt64
	var checkpoint, taskID sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.Status, &heartbeat, &checkpoint,
		&rec.Attempt, &taskID, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		v := heartbeat.Int64
		rec.HeartbeatAt = &v
	}
	rec.Checkpoint = checkpoint.String
	rec.TaskID = taskID.String
	return &rec, nil
}
