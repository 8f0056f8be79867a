package taskgraph

// Start moves a pending task to in_progress and records the worker. Returns
// nil without mutating when the task is missing, terminal, not pending, or
// has unsatisfied dependencies.
func (g *Graph) Start(id, worker string) *Task {
	t := g.tasks[id]
	if t == nil || t.Status != StatusPending {
		return nil
	}
	if !g.AreDependenciesSatisfied(t) {
		return nil
	}
	t.Status = StatusInProgress
	t.StartedAt = g.now()
	t.AssignedTo = worker
	return t
}

// Complete moves an in_progress task to complete, then propagates. The
// second return value lists tasks whose status changed during propagation.
func (g *Graph) Complete(id, result string) (*Task, []*Task) {
	t := g.tasks[id]
	if t == nil || t.Status != StatusInProgress {
		return nil, nil
	}
	t.Status = StatusComplete
	t.Result = result
	t.CompletedAt = g.now()
	return t, g.propagate()
}

// Fail moves an in_progress task to failed, then propagates.
func (g *Graph) Fail(id, errMsg string) (*Task, []*Task) {
	t := g.tasks[id]
	if t == nil || t.Status != StatusInProgress {
		return nil, nil
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = g.now()
	return t, g.propagate()
}

// Cancel moves any non-terminal task to cancelled, then propagates.
func (g *Graph) Cancel(id string) (*Task, []*Task) {
	t := g.tasks[id]
	if t == nil || t.Status.IsTerminal() {
		return nil, nil
	}
	t.Status = StatusCancelled
	t.CompletedAt = g.now()
	return t, g.propagate()
}

// Block moves a pending task to blocked. Propagation uses this form too,
// but callers may block a task directly (e.g. while a dependency is being
// re-planned).
func (g *Graph) Block(id string) *Task {
	t := g.tasks[id]
	if t == nil || t.Status != StatusPending {
		return nil
	}
	t.Status = StatusBlocked
	return t
}

// propagate applies the blocking rules until a fixpoint:
//
//   - a pending task with any failed or cancelled dependency becomes blocked
//   - a blocked task whose dependencies are all complete becomes pending
//
// Each pass moves tasks one way only, so the loop terminates within
// len(tasks) iterations. Returns every task whose status changed.
func (g *Graph) propagate() []*Task {
	var changed []*Task
	for {
		dirty := false
		for _, t := range g.tasks {
			switch t.Status {
			case StatusPending:
				if g.hasDeadDependency(t) {
					t.Status = StatusBlocked
					changed = append(changed, t)
					dirty = true
				}
			case StatusBlocked:
				if g.AreDependenciesSatisfied(t) {
					t.Status = StatusPending
					changed = append(changed, t)
					dirty = true
				}
			}
		}
		if !dirty {
			return changed
		}
	}
}

func (g *Graph) hasDeadDependency(t *Task) bool {
	for _, dep := range t.Dependencies {
		d := g.tasks[dep]
		if d == nil {
			continue
		}
		if d.Status == StatusFailed || d.Status == StatusCancelled {
			return true
		}
	}
	return false
}
