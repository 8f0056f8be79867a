package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/subagent"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// subagentService adapts the session for the delegation tools: each
// delegation creates a graph task, spawns a worker against it, and
// starts the task under the worker's facet name.
type subagentService struct {
	s *Session
}

var _ tools.SubagentService = (*subagentService)(nil)

func (d *subagentService) Delegate(ctx context.Context, title, description, extra string) (*tools.SubagentStatus, error) {
	s := d.s
	if s.subs == nil {
		return nil, errors.New("subagent delegation is disabled")
	}

	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	// Delegations during a turn hang off its root; spawns from an idle
	// session become root tasks of their own.
	parent := s.activeRootLocked()

	task := s.graph.CreateTask(taskgraph.TaskInput{
		ParentID:    parent,
		Type:        taskgraph.TypeCode,
		Title:       title,
		Description: description,
	})
	if err := s.graph.AddTask(task); err != nil {
		return nil, err
	}
	if err := s.stores.Tasks.SaveTasks(ctx, s.id, []*taskgraph.Task{task}); err != nil {
		return nil, fmt.Errorf("persist delegated task: %w", err)
	}
	s.emitTask(protocol.TaskEventCreated, task)

	facet, err := s.subs.Spawn(ctx, subagent.Props{
		TaskID:          task.ID,
		Title:           title,
		Description:     description,
		Context:         extra,
		ParentSessionID: s.id,
		ParentID:        parent,
	})
	if err != nil {
		// The task never ran; cancel keeps the graph consistent.
		if t, ripple := s.graph.Cancel(task.ID); t != nil {
			changed := map[string]*taskgraph.Task{t.ID: t}
			for _, r := range ripple {
				changed[r.ID] = r
			}
			s.persistAndEmitLocked(ctx, changed)
		}
		return nil, fmt.Errorf("spawn subagent: %w", err)
	}

	if t := s.graph.Start(task.ID, facet); t != nil {
		if err := s.stores.Tasks.SaveTasks(ctx, s.id, []*taskgraph.Task{t}); err != nil {
			slog.Warn("persist delegated task start", "session", s.id, "task", t.ID, "error", err)
		}
		s.emitTask(protocol.TaskEventStarted, t)
	}

	return &tools.SubagentStatus{
		TaskID:    task.ID,
		FacetName: facet,
		Status:    "running",
		StartedAt: time.Now().UnixMilli(),
	}, nil
}

func (d *subagentService) Status(ctx context.Context, taskID string) (*tools.SubagentStatus, error) {
	if d.s.subs == nil {
		return nil, errors.New("subagent delegation is disabled")
	}
	st, err := d.s.subs.Status(ctx, taskID)
	if err != nil || st == nil {
		return nil, err
	}
	return toToolStatus(st), nil
}

func (d *subagentService) Wait(ctx context.Context, taskIDs []string, timeout time.Duration) ([]*tools.SubagentStatus, error) {
	if d.s.subs == nil {
		return nil, errors.New("subagent delegation is disabled")
	}
	views, err := d.s.subs.WaitFor(ctx, taskIDs, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]*tools.SubagentStatus, 0, len(views))
	for _, v := range views {
		out = append(out, toToolStatus(v))
	}
	return out, nil
}

func toToolStatus(st *subagent.Status) *tools.SubagentStatus {
	return &tools.SubagentStatus{
		TaskID:    st.TaskID,
		FacetName: st.FacetName,
		Status:    st.Status,
		Result:    st.Result,
		Error:     st.Error,
		StartedAt: st.StartedAt,
	}
}
