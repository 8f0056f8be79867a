package store

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// TaskRow is the flat persisted form of a task. Zero values stand in for
// SQL NULLs; backends map them at scan/exec time. Dependencies and Metadata
// are JSON-encoded so the schema needs no edge table.
type TaskRow struct {
	ID           string
	ParentID     string
	Type         string
	Title        string
	Description  string
	Status       string
	Dependencies string
	Result       string
	Error        string
	AssignedTo   string
	CreatedAt    int64
	StartedAt    int64
	CompletedAt  int64
	Metadata     string
}

// TaskToRow flattens a task for storage. RowToTask inverts it exactly.
func TaskToRow(t *taskgraph.Task) (TaskRow, error) {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return TaskRow{}, fmt.Errorf("encode dependencies: %w", err)
	}
	if t.Dependencies == nil {
		deps = []byte("[]")
	}
	meta := ""
	if len(t.Metadata) > 0 {
		m, err := json.Marshal(t.Metadata)
		if err != nil {
			return TaskRow{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(m)
	}
	return TaskRow{
		ID:           t.ID,
		ParentID:     t.ParentID,
		Type:         string(t.Type),
		Title:        t.Title,
		Description:  t.Description,
		Status:       string(t.Status),
		Dependencies: string(deps),
		Result:       t.Result,
		Error:        t.Error,
		AssignedTo:   t.AssignedTo,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Metadata:     meta,
	}, nil
}

// RowToTask rebuilds a task from its stored form.
func RowToTask(r TaskRow) (*taskgraph.Task, error) {
	var deps []string
	if r.Dependencies != "" {
		if err := json.Unmarshal([]byte(r.Dependencies), &deps); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", r.ID, err)
		}
	}
	if len(deps) == 0 {
		deps = nil
	}
	var meta map[string]string
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	return &taskgraph.Task{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Type:         taskgraph.TaskType(r.Type),
		Title:        r.Title,
		Description:  r.Description,
		Status:       taskgraph.Status(r.Status),
		Dependencies: deps,
		Result:       r.Result,
		Error:        r.Error,
		AssignedTo:   r.AssignedTo,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Metadata:     meta,
	}, nil
}
