package tools

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultWaitTimeout = 300 * time.Second
	maxWaitTimeout     = 600 * time.Second
)

// SubagentStatus is a point-in-time view of one spawned worker.
type SubagentStatus struct {
	TaskID    string `json:"taskId"`
	FacetName string `json:"facetName"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	StartedAt int64  `json:"startedAt"`
}

// SubagentService is the slice of the supervisor the delegation tools
// may touch. Implemented by the session actor; injected so the tools
// package never imports the subagent machinery.
type SubagentService interface {
	// Delegate spawns an isolated worker for a new subtask and returns
	// immediately.
	Delegate(ctx context.Context, title, description, extra string) (*SubagentStatus, error)
	// Status returns nil for an unknown taskId.
	Status(ctx context.Context, taskID string) (*SubagentStatus, error)
	// Wait blocks until every listed worker is terminal or the timeout
	// passes, then reports their current states. An empty list means
	// all active workers.
	Wait(ctx context.Context, taskIDs []string, timeout time.Duration) ([]*SubagentStatus, error)
}

type DelegateTool struct {
	svc SubagentService
}

func NewDelegateTool(svc SubagentService) *DelegateTool {
	return &DelegateTool{svc: svc}
}

func (t *DelegateTool) Name() string { return "delegateToSubagent" }

func (t *DelegateTool) Description() string {
	return "Spawn an isolated subagent to work on an independent subtask in parallel. Returns immediately; poll with checkSubagentStatus or join with waitForSubagents."
}

func (t *DelegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Short title for the delegated task",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Full description of what the subagent should do",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra context the subagent needs",
			},
		},
		"required": []string{"title", "description"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	title, _ := args["title"].(string)
	if title == "" {
		return ErrorResult("title is required")
	}
	description, _ := args["description"].(string)
	if description == "" {
		return ErrorResult("description is required")
	}
	extra, _ := args["context"].(string)

	status, err := t.svc.Delegate(ctx, title, description, extra)
	if err != nil {
		return ErrorResult(fmt.Sprintf("delegate: %v", err))
	}
	return DataResult(map[string]interface{}{
		"taskId":    status.TaskID,
		"facetName": status.FacetName,
		"status":    status.Status,
	})
}

type CheckSubagentTool struct {
	svc SubagentService
}

func NewCheckSubagentTool(svc SubagentService) *CheckSubagentTool {
	return &CheckSubagentTool{svc: svc}
}

func (t *CheckSubagentTool) Name() string { return "checkSubagentStatus" }

func (t *CheckSubagentTool) Description() string {
	return "Check the status of a previously delegated subagent"
}

func (t *CheckSubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskId": map[string]interface{}{
				"type":        "string",
				"description": "Task id returned by delegateToSubagent",
			},
		},
		"required": []string{"taskId"},
	}
}

func (t *CheckSubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, _ := args["taskId"].(string)
	if taskID == "" {
		return ErrorResult("taskId is required")
	}
	status, err := t.svc.Status(ctx, taskID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("check subagent %s: %v", taskID, err))
	}
	if status == nil {
		return ErrorResult(fmt.Sprintf("no subagent for task %s", taskID))
	}
	return DataResult(subagentView(status))
}

type WaitSubagentsTool struct {
	svc SubagentService
}

func NewWaitSubagentsTool(svc SubagentService) *WaitSubagentsTool {
	return &WaitSubagentsTool{svc: svc}
}

func (t *WaitSubagentsTool) Name() string { return "waitForSubagents" }

func (t *WaitSubagentsTool) Description() string {
	return "Block until the listed subagents finish (or all active ones when none are listed), then return their results"
}

func (t *WaitSubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskIds": map[string]interface{}{
				"type":        "array",
				"description": "Task ids to wait for. Empty means all active subagents.",
				"items":       map[string]interface{}{"type": "string"},
			},
			"timeoutSeconds": map[string]interface{}{
				"type":        "number",
				"description": "Maximum seconds to wait (default 300, max 600)",
			},
		},
	}
}

func (t *WaitSubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var taskIDs []string
	if raw, ok := args["taskIds"].([]interface{}); ok {
		for _, v := range raw {
			if id, _ := v.(string); id != "" {
				taskIDs = append(taskIDs, id)
			}
		}
	}
	timeout := defaultWaitTimeout
	if secs, ok := args["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}

	statuses, err := t.svc.Wait(ctx, taskIDs, timeout)
	if err != nil {
		return ErrorResult(fmt.Sprintf("wait for subagents: %v", err))
	}

	allComplete := true
	views := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		if s.Status == "running" {
			allComplete = false
		}
		views = append(views, subagentView(s))
	}
	return DataResult(map[string]interface{}{
		"subagents":   views,
		"allComplete": allComplete,
	})
}

func subagentView(s *SubagentStatus) map[string]interface{} {
	view := map[string]interface{}{
		"taskId":    s.TaskID,
		"facetName": s.FacetName,
		"status":    s.Status,
	}
	if s.Result != "" {
		view["result"] = s.Result
	}
	if s.Error != "" {
		view["error"] = s.Error
	}
	return view
}
