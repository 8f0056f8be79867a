package store

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// ChatMessage is one persisted chat turn.
type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TurnStatus values for long-running orchestrator turns.
const (
	TurnPending   = "pending"
	TurnStreaming = "streaming"
	TurnComplete  = "complete"
	TurnError     = "error"
	TurnCancelled = "cancelled"
)

// TurnRecord tracks one LLM-driven turn for crash recovery. HeartbeatAt is
// nil until the loop writes its first heartbeat; Checkpoint is an opaque
// resume token.
type TurnRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	HeartbeatAt *int64 `json:"heartbeatAt,omitempty"`
	Checkpoint  string `json:"checkpoint,omitempty"`
	Attempt     int    `json:"attempt"`
	TaskID      string `json:"taskId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Subagent tracking statuses.
const (
	SubagentRunning     = "running"
	SubagentComplete    = "complete"
	SubagentFailed      = "failed"
	SubagentInterrupted = "interrupted"
	SubagentTimeout     = "timeout"
)

// SubagentRow is the durable tracking record for one spawned worker.
// Persisted so supervision survives a process restart.
type SubagentRow struct {
	TaskID    string `json:"taskId"`
	FacetName string `json:"facetName"`
	SessionID string `json:"sessionId"`
	StartedAt int64  `json:"startedAt"`
	Status    string `json:"status"`
	PropsJSON string `json:"propsJson"`
}

// ActionQuery filters action log reads. Zero values mean "no filter";
// Limit 0 applies the default of 100.
type ActionQuery struct {
	Tool  string
	Since int64
	Limit int
}

// TaskStore persists one graph per session, one row per task. Saves
// are upserts: SaveTasks writes a batch of mutated tasks atomically
// and never touches rows outside the batch.
type TaskStore interface {
	SaveTask(ctx context.Context, sessionID string, t *taskgraph.Task) error
	SaveTasks(ctx context.Context, sessionID string, tasks []*taskgraph.Task) error
	LoadTasks(ctx context.Context, sessionID string) ([]*taskgraph.Task, error)
	DeleteTasks(ctx context.Context, sessionID string) error
}

// ChatStore persists per-session chat history.
type ChatStore interface {
	AddMessage(ctx context.Context, msg ChatMessage) error
	History(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	// GetMessage returns (nil, nil) when no such message exists.
	GetMessage(ctx context.Context, id string) (*ChatMessage, error)
	Clear(ctx context.Context, sessionID string) error
}

// ActionStore is the append-only tool audit trail.
type ActionStore interface {
	Append(ctx context.Context, e actionlog.Entry) error
	List(ctx context.Context, sessionID string, q ActionQuery) ([]actionlog.Entry, error)
	Clear(ctx context.Context, sessionID string) error
}

// TurnStore persists turn records for recovery.
type TurnStore interface {
	CreateTurn(ctx context.Context, rec TurnRecord) error
	Heartbeat(ctx context.Context, id string, at int64, checkpoint string) error
	SetTurnStatus(ctx context.Context, id, status string) error
	IncrementAttempt(ctx context.Context, id string) error
	// GetTurn returns (nil, nil) when no such turn exists.
	GetTurn(ctx context.Context, id string) (*TurnRecord, error)
	ListStreaming(ctx context.Context) ([]TurnRecord, error)
}

// SubagentStore persists worker tracking rows.
type SubagentStore interface {
	PutSubagent(ctx context.Context, row SubagentRow) error
	// GetSubagent returns (nil, nil) when no such row exists.
	GetSubagent(ctx context.Context, taskID string) (*SubagentRow, error)
	ListSubagents(ctx context.Context, sessionID string) ([]SubagentRow, error)
	SetSubagentStatus(ctx context.Context, taskID, status string) error
	// InterruptRunning flips every running row to interrupted and returns
	// the rows it touched. Called once at process startup.
	InterruptRunning(ctx context.Context) ([]SubagentRow, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tasks     TaskStore
	Chat      ChatStore
	Actions   ActionStore
	Turns     TurnStore
	Subagents SubagentStore
}
