package taskgraph

import "fmt"

// Default limits on graph shape. Depth counts from 0 at the root.
const (
	MaxDepth    = 3
	MaxSubtasks = 10
	MaxTotal    = 50
)

// Limits bounds a graph's shape. Zero fields fall back to the package
// defaults.
type Limits struct {
	MaxDepth    int
	MaxSubtasks int
	MaxTotal    int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = MaxDepth
	}
	if l.MaxSubtasks <= 0 {
		l.MaxSubtasks = MaxSubtasks
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = MaxTotal
	}
	return l
}

// ValidationKind identifies which insertion check failed.
type ValidationKind string

const (
	KindDuplicateID         ValidationKind = "duplicate_id"
	KindMissingParent       ValidationKind = "missing_parent"
	KindMissingDependency   ValidationKind = "missing_dependency"
	KindMaxTotalExceeded    ValidationKind = "max_total_exceeded"
	KindMaxDepthExceeded    ValidationKind = "max_depth_exceeded"
	KindMaxSubtasksExceeded ValidationKind = "max_subtasks_exceeded"
	KindCycleDetected       ValidationKind = "cycle_detected"
)

// ValidationError reports a rejected insertion. The graph is unchanged when
// one is returned.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func validationErrorf(kind ValidationKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Graph holds one session's tasks. It is not safe for concurrent use; the
// owning session serializes all access.
type Graph struct {
	tasks  map[string]*Task
	now    func() int64
	limits Limits
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock overrides the millisecond clock, for deterministic tests.
func WithClock(now func() int64) Option {
	return func(g *Graph) { g.now = now }
}

// WithLimits overrides the shape limits. Zero fields keep the defaults.
func WithLimits(l Limits) Option {
	return func(g *Graph) { g.limits = l.withDefaults() }
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		tasks:  make(map[string]*Task),
		now:    nowMillis,
		limits: Limits{}.withDefaults(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Restore rebuilds a graph from persisted tasks, bypassing insertion
// validation: the rows were valid when written, and replay must not reject
// a graph the engine itself produced. The root set is derived from the
// absence of a parent id.
func Restore(tasks []*Task, opts ...Option) *Graph {
	g := NewGraph(opts...)
	for _, t := range tasks {
		g.tasks[t.ID] = t.Clone()
	}
	return g
}

// CreateTask mints a pending task from the input. The task is not yet part
// of the graph; pass it to AddTask.
func (g *Graph) CreateTask(in TaskInput) *Task {
	id := in.ID
	if id == "" {
		id = mintID()
	}
	return &Task{
		ID:           id,
		ParentID:     in.ParentID,
		Type:         in.Type,
		Title:        in.Title,
		Description:  in.Description,
		Dependencies: append([]string(nil), in.Dependencies...),
		Status:       StatusPending,
		CreatedAt:    g.now(),
		Metadata:     in.Metadata,
	}
}

// AddTask validates and inserts the task. All checks run before any
// mutation, so a failed insert leaves the graph exactly as it was. A
// pending task inserted with a failed or cancelled dependency is stored
// as blocked, keeping the blocking rules airtight at insertion time.
func (g *Graph) AddTask(task *Task) error {
	if _, ok := g.tasks[task.ID]; ok {
		return validationErrorf(KindDuplicateID, "task %q already exists", task.ID)
	}
	if task.ParentID != "" {
		if _, ok := g.tasks[task.ParentID]; !ok {
			return validationErrorf(KindMissingParent, "parent %q not found", task.ParentID)
		}
	}
	for _, dep := range task.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return validationErrorf(KindMissingDependency, "dependency %q not found", dep)
		}
	}
	if len(g.tasks) >= g.limits.MaxTotal {
		return validationErrorf(KindMaxTotalExceeded, "graph already holds %d tasks", len(g.tasks))
	}
	if task.ParentID != "" {
		depth := g.depth(task.ParentID) + 1
		if depth > g.limits.MaxDepth {
			return validationErrorf(KindMaxDepthExceeded, "depth %d exceeds limit %d", depth, g.limits.MaxDepth)
		}
		if n := len(g.childIDs(task.ParentID)); n >= g.limits.MaxSubtasks {
			return validationErrorf(KindMaxSubtasksExceeded, "parent %q already has %d subtasks", task.ParentID, n)
		}
	}
	if err := g.checkDependencyCycle(task); err != nil {
		return err
	}

	// A dependency that already failed or was cancelled blocks the task
	// from birth; no later transition would re-run propagation for it.
	if task.Status == StatusPending && g.hasDeadDependency(task) {
		task.Status = StatusBlocked
	}

	// Stored copy keeps the dependency list frozen even if the caller
	// retains its slice.
	g.tasks[task.ID] = task.Clone()
	return nil
}

// checkDependencyCycle rejects a dependency that can reach any ancestor of
// the new task along the dependency relation. A completed ancestor waiting
// on its own descendant's dependency chain would deadlock the schedule.
func (g *Graph) checkDependencyCycle(task *Task) error {
	if len(task.Dependencies) == 0 || task.ParentID == "" {
		return nil
	}
	for _, ancestor := range g.ancestorIDs(task.ParentID) {
		for _, dep := range task.Dependencies {
			if g.dependencyPathExists(dep, ancestor) {
				return validationErrorf(KindCycleDetected,
					"dependency %q reaches ancestor %q of task %q", dep, ancestor, task.ID)
			}
		}
	}
	return nil
}

// dependencyPathExists walks dependency edges from `from`, looking for
// `target`. Depth-first with a visited set scoped to this check.
func (g *Graph) dependencyPathExists(from, target string) bool {
	if from == target {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == target {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Get returns the task with the given id, or nil.
func (g *Graph) Get(id string) *Task {
	return g.tasks[id]
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// All returns every task, in no particular order.
func (g *Graph) All() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// RootIDs returns the ids of all tasks without a parent.
func (g *Graph) RootIDs() []string {
	var out []string
	for id, t := range g.tasks {
		if t.IsRoot() {
			out = append(out, id)
		}
	}
	return out
}

// depth returns the distance from id to its root (root = 0).
func (g *Graph) depth(id string) int {
	d := 0
	for t := g.tasks[id]; t != nil && t.ParentID != ""; t = g.tasks[t.ParentID] {
		d++
	}
	return d
}

// childIDs scans for direct children. Graph cardinality is capped, so a
// linear scan beats maintaining a second index.
func (g *Graph) childIDs(parentID string) []string {
	var out []string
	for id, t := range g.tasks {
		if t.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out
}

// ancestorIDs walks the parent chain starting at id (inclusive).
func (g *Graph) ancestorIDs(id string) []string {
	var out []string
	for t := g.tasks[id]; t != nil; {
		out = append(out, t.ID)
		if t.ParentID == "" {
			break
		}
		t = g.tasks[t.ParentID]
	}
	return out
}
