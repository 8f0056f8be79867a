package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// SQLiteTaskStore persists task graphs, one row per task keyed by
// (session_id, id).
type SQLiteTaskStore struct {
	db *sql.DB
}

func NewSQLiteTaskStore(db *sql.DB) *SQLiteTaskStore {
	return &SQLiteTaskStore{db: db}
}

const taskUpsert = `INSERT INTO tasks (session_id, id, parent_id, type, title, description, status, dependencies, result, error, assigned_to, created_at, started_at, completed_at, metadata)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT (session_id, id) DO UPDATE SET
	   parent_id = excluded.parent_id,
	   type = excluded.type,
	   title = excluded.title,
	   description = excluded.description,
	   status = excluded.status,
	   dependencies = excluded.dependencies,
	   result = excluded.result,
	   error = excluded.error,
	   assigned_to = excluded.assigned_to,
	   created_at = excluded.created_at,
	   started_at = excluded.started_at,
	   completed_at = excluded.completed_at,
	   metadata = excluded.metadata`

func (s *SQLiteTaskStore) SaveTask(ctx context.Context, sessionID string, t *taskgraph.Task) error {
	row, err := store.TaskToRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, taskUpsert, taskArgs(sessionID, row)...)
	return err
}

// SaveTasks upserts a batch of mutated tasks in one transaction. Rows
// for tasks outside the batch are left alone; a status ripple commits
// atomically or not at all.
func (s *SQLiteTaskStore) SaveTasks(ctx context.Context, sessionID string, tasks []*taskgraph.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		row, err := store.TaskToRow(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, taskUpsert, taskArgs(sessionID, row)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteTaskStore) LoadTasks(ctx context.Context, sessionID string) ([]*taskgraph.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, type, title, description, status, dependencies, result, error, assigned_to, created_at, started_at, completed_at, metadata
		 FROM tasks WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*taskgraph.Task
	for rows.Next() {
		var r store.TaskRow
		var parentID, description, result, errMsg, assignedTo, metadata sql.NullString
		var startedAt, completedAt sql.NullInt64
		if err := rows.Scan(
			&r.ID, &parentID, &r.Type, &r.Title, &description, &r.Status,
			&r.Dependencies, &result, &errMsg, &assignedTo,
			&r.CreatedAt, &startedAt, &completedAt, &metadata,
		); err != nil {
			return nil, err
		}
		r.ParentID = parentID.String
		r.Description = description.String
		r.Result = result.String
		r.Error = errMsg.String
		r.AssignedTo = assignedTo.String
		r.Metadata = metadata.String
		r.StartedAt = startedAt.Int64
		r.CompletedAt = completedAt.Int64

		t, err := store.RowToTask(r)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", r.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteTaskStore) DeleteTasks(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, sessionID)
	return err
}

func taskArgs(sessionID string, r store.TaskRow) []any {
	return []any{
		sessionID, r.ID, nullStr(r.ParentID), r.Type, r.Title,
		nullStr(r.Description), r.Status, r.Dependencies, nullStr(r.Result),
		nullStr(r.Error), nullStr(r.AssignedTo), r.CreatedAt,
		nullInt(r.StartedAt), nullInt(r.CompletedAt), nullStr(r.Metadata),
	}
}
