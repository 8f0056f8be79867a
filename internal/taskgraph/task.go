package taskgraph

import (
	"time"

	"github.com/google/uuid"
)

// TaskType classifies what kind of work a task represents. Classification
// only; the engine treats all types identically.
type TaskType string

const (
	TypeExplore TaskType = "explore"
	TypeCode    TaskType = "code"
	TypeTest    TaskType = "test"
	TypeReview  TaskType = "review"
	TypePlan    TaskType = "plan"
	TypeFix     TaskType = "fix"
)

// ValidTaskType reports whether t is one of the known task types.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TypeExplore, TypeCode, TypeTest, TypeReview, TypePlan, TypeFix:
		return true
	}
	return false
}

// Status is the task state machine value.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the task still participates in scheduling.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusBlocked
}

// Task is the unit of work. ID, ParentID, Type, Title, Description and
// Dependencies are immutable after insertion; Status moves only through the
// graph's transition methods, and the timestamp fields are set exactly once
// per lifecycle phase.
type Task struct {
	ID           string            `json:"id"`
	ParentID     string            `json:"parentId,omitempty"`
	Type         TaskType          `json:"type"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Status       Status            `json:"status"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	AssignedTo   string            `json:"assignedTo,omitempty"`
	CreatedAt    int64             `json:"createdAt"`
	StartedAt    int64             `json:"startedAt,omitempty"`
	CompletedAt  int64             `json:"completedAt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool { return t.ParentID == "" }

// Clone returns a deep copy, safe to hand across goroutine boundaries.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TaskInput is the caller-supplied portion of a new task.
type TaskInput struct {
	ID           string
	ParentID     string
	Type         TaskType
	Title        string
	Description  string
	Dependencies []string
	Metadata     map[string]string
}

// maxResultLen bounds the result text stored on completion.
const maxResultLen = 500

// ClampResult bounds an orchestrator-supplied result to the storage policy.
func ClampResult(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	return s[:maxResultLen]
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func mintID() string { return uuid.NewString() }
