package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// SubtaskSpec carries createSubtask arguments to the session. An empty
// ParentID means the root task of the current turn.
type SubtaskSpec struct {
	ParentID     string
	Title        string
	Description  string
	Dependencies []string
}

// TaskService is the slice of the session actor the task tools may
// touch. Only registered while an orchestrator turn is active.
type TaskService interface {
	CreateSubtask(ctx context.Context, spec SubtaskSpec) (*taskgraph.Task, error)
	ListTasks(ctx context.Context) ([]*taskgraph.Task, error)
	CompleteTask(ctx context.Context, taskID, result string) error
}

type CreateSubtaskTool struct {
	svc TaskService
}

func NewCreateSubtaskTool(svc TaskService) *CreateSubtaskTool {
	return &CreateSubtaskTool{svc: svc}
}

func (t *CreateSubtaskTool) Name() string { return "createSubtask" }

func (t *CreateSubtaskTool) Description() string {
	return "Create a subtask under the current root task, optionally depending on other tasks"
}

func (t *CreateSubtaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Short task title",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "What the subtask should accomplish",
			},
			"dependencies": map[string]interface{}{
				"type":        "array",
				"description": "Task ids that must complete before this one may start",
				"items":       map[string]interface{}{"type": "string"},
			},
			"parentId": map[string]interface{}{
				"type":        "string",
				"description": "Parent task id. Defaults to the current root task.",
			},
		},
		"required": []string{"title"},
	}
}

func (t *CreateSubtaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	title, _ := args["title"].(string)
	if title == "" {
		return ErrorResult("title is required")
	}
	spec := SubtaskSpec{Title: title}
	spec.Description, _ = args["description"].(string)
	spec.ParentID, _ = args["parentId"].(string)
	if deps, ok := args["dependencies"].([]interface{}); ok {
		for _, d := range deps {
			if id, _ := d.(string); id != "" {
				spec.Dependencies = append(spec.Dependencies, id)
			}
		}
	}

	task, err := t.svc.CreateSubtask(ctx, spec)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return DataResult(map[string]interface{}{
		"taskId":   task.ID,
		"parentId": task.ParentID,
		"title":    task.Title,
		"status":   string(task.Status),
	})
}

type ListTasksTool struct {
	svc TaskService
}

func NewListTasksTool(svc TaskService) *ListTasksTool {
	return &ListTasksTool{svc: svc}
}

func (t *ListTasksTool) Name() string { return "listTasks" }

func (t *ListTasksTool) Description() string {
	return "List all tasks in this session with their status and dependencies"
}

func (t *ListTasksTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	tasks, err := t.svc.ListTasks(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	views := make([]interface{}, 0, len(tasks))
	for _, task := range tasks {
		view := map[string]interface{}{
			"id":     task.ID,
			"type":   string(task.Type),
			"title":  task.Title,
			"status": string(task.Status),
		}
		if task.ParentID != "" {
			view["parentId"] = task.ParentID
		}
		if len(task.Dependencies) > 0 {
			view["dependencies"] = task.Dependencies
		}
		if task.Result != "" {
			view["result"] = task.Result
		}
		if task.Error != "" {
			view["error"] = task.Error
		}
		views = append(views, view)
	}
	return DataResult(map[string]interface{}{
		"tasks": views,
		"count": len(views),
	})
}

type CompleteTaskTool struct {
	svc TaskService
}

func NewCompleteTaskTool(svc TaskService) *CompleteTaskTool {
	return &CompleteTaskTool{svc: svc}
}

func (t *CompleteTaskTool) Name() string { return "completeTask" }

func (t *CompleteTaskTool) Description() string {
	return "Mark a task complete with an optional result summary"
}

func (t *CompleteTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskId": map[string]interface{}{
				"type":        "string",
				"description": "Id of the task to complete",
			},
			"result": map[string]interface{}{
				"type":        "string",
				"description": "Short result summary",
			},
		},
		"required": []string{"taskId"},
	}
}

func (t *CompleteTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, _ := args["taskId"].(string)
	if taskID == "" {
		return ErrorResult("taskId is required")
	}
	result, _ := args["result"].(string)
	if err := t.svc.CompleteTask(ctx, taskID, result); err != nil {
		return ErrorResult(fmt.Sprintf("complete task %s: %v", taskID, err))
	}
	return DataResult(map[string]interface{}{
		"success": true,
		"taskId":  taskID,
	})
}
