package agent

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// turnTaskService backs the task tools for a single turn. A round may
// execute several calls in parallel, so every method takes the shared
// graph lock.
type turnTaskService struct {
	loop   *Loop
	rootID string
}

var _ tools.TaskService = (*turnTaskService)(nil)

func (s *turnTaskService) CreateSubtask(ctx context.Context, spec tools.SubtaskSpec) (*taskgraph.Task, error) {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	parent := spec.ParentID
	if parent == "" {
		parent = s.rootID
	}
	task := s.loop.graph.CreateTask(taskgraph.TaskInput{
		ParentID:     parent,
		Type:         taskgraph.TypeCode,
		Title:        spec.Title,
		Description:  spec.Description,
		Dependencies: spec.Dependencies,
	})
	if err := s.loop.graph.AddTask(task); err != nil {
		return nil, err
	}
	if err := s.loop.saveTasks(ctx, []*taskgraph.Task{task}); err != nil {
		return nil, err
	}
	s.loop.emitTask(protocol.TaskEventCreated, task)
	if task.Status == taskgraph.StatusBlocked {
		s.loop.emitTask(protocol.TaskEventBlocked, task)
	}
	return task.Clone(), nil
}

func (s *turnTaskService) ListTasks(ctx context.Context) ([]*taskgraph.Task, error) {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	all := s.loop.graph.All()
	out := make([]*taskgraph.Task, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *turnTaskService) CompleteTask(ctx context.Context, taskID, result string) error {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()

	g := s.loop.graph
	task := g.Get(taskID)
	if task == nil {
		return fmt.Errorf("no task %s", taskID)
	}
	// The orchestrator may report a task done without ever starting it.
	if task.Status == taskgraph.StatusPending && g.AreDependenciesSatisfied(task) {
		if t := g.Start(taskID, s.loop.sessionID); t != nil {
			s.loop.emitTask(protocol.TaskEventStarted, t)
		}
	}
	t, unblocked := g.Complete(taskID, taskgraph.ClampResult(result))
	if t == nil {
		return fmt.Errorf("task %s cannot complete from status %s", taskID, task.Status)
	}
	if err := s.loop.saveTasks(ctx, append([]*taskgraph.Task{t}, unblocked...)); err != nil {
		return err
	}
	s.loop.emitTask(protocol.TaskEventCompleted, t)
	for _, u := range unblocked {
		s.loop.emitTask(protocol.TaskEventUnblocked, u)
	}
	return nil
}
