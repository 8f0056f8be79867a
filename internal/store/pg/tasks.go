package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// PGTaskStore persists task graphs, one row per task keyed by
// (session_id, id). Dependencies live in a native TEXT[] column,
// metadata in a JSONB blob.
type PGTaskStore struct {
	db *sql.DB
}

func NewPGTaskStore(db *sql.DB) *PGTaskStore {
	return &PGTaskStore{db: db}
}

const pgTaskUpsert = `INSERT INTO tasks (session_id, id, parent_id, type, title, description, status, dependencies, result, error, assigned_to, created_at, started_at, completed_at, metadata)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	 ON CONFLICT (session_id, id) DO UPDATE SET
	   parent_id = EXCLUDED.parent_id,
	   type = EXCLUDED.type,
	   title = EXCLUDED.title,
	   description = EXCLUDED.description,
	   status = EXCLUDED.status,
	   dependencies = EXCLUDED.dependencies,
	   result = EXCLUDED.result,
	   error = EXCLUDED.error,
	   assigned_to = EXCLUDED.assigned_to,
	   created_at = EXCLUDED.created_at,
	   started_at = EXCLUDED.started_at,
	   completed_at = EXCLUDED.completed_at,
	   metadata = EXCLUDED.metadata`

func (s *PGTaskStore) SaveTask(ctx context.Context, sessionID string, t *taskgraph.Task) error {
	args, err := pgTaskArgs(sessionID, t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, pgTaskUpsert, args...)
	return err
}

// SaveTasks upserts a batch of mutated tasks in one transaction. Rows
// for tasks outside the batch are left alone; a status ripple commits
// atomically or not at all.
func (s *PGTaskStore) SaveTasks(ctx context.Context, sessionID string, tasks []*taskgraph.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		args, err := pgTaskArgs(sessionID, t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, pgTaskUpsert, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGTaskStore) LoadTasks(ctx context.Context, sessionID string) ([]*taskgraph.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, type, title, description, status, dependencies, result, error, assigned_to, created_at, started_at, completed_at, metadata
		 FROM tasks WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*taskgraph.Task
	for rows.Next() {
		var t taskgraph.Task
		var taskType, status string
		var parentID, description, result, errMsg, assignedTo sql.NullString
		var startedAt, completedAt sql.NullInt64
		var deps []string
		var metadata []byte
		if err := rows.Scan(
			&t.ID, &parentID, &taskType, &t.Title, &description, &status,
			pq.Array(&deps), &result, &errMsg, &assignedTo,
			&t.CreatedAt, &startedAt, &completedAt, &metadata,
		); err != nil {
			return nil, err
		}
		t.ParentID = parentID.String
		t.Type = taskgraph.TaskType(taskType)
		t.Description = description.String
		t.Status = taskgraph.Status(status)
		t.Result = result.String
		t.Error = errMsg.String
		t.AssignedTo = assignedTo.String
		t.StartedAt = startedAt.Int64
		t.CompletedAt = completedAt.Int64
		if len(deps) > 0 {
			t.Dependencies = deps
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("task %s metadata: %w", t.ID, err)
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PGTaskStore) DeleteTasks(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = $1`, sessionID)
	return err
}

func pgTaskArgs(sessionID string, t *taskgraph.Task) ([]any, error) {
	var metadata any
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", t.ID, err)
		}
		metadata = string(b)
	}
	// A nil slice would bind as NULL; the column is NOT NULL.
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return []any{
		sessionID, t.ID, nullStr(t.ParentID), string(t.Type), t.Title,
		nullStr(t.Description), string(t.Status), pq.Array(deps),
		nullStr(t.Result), nullStr(t.Error), nullStr(t.AssignedTo),
		t.CreatedAt, nullInt(t.StartedAt), nullInt(t.CompletedAt), metadata,
	}, nil
}
