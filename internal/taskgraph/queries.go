package taskgraph

import (
	"math"
	"sort"
)

// AreDependenciesSatisfied reports whether every dependency of t exists and
// is complete.
func (g *Graph) AreDependenciesSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		d := g.tasks[dep]
		if d == nil || d.Status != StatusComplete {
			return false
		}
	}
	return true
}

// ReadyTasks returns all pending tasks with satisfied dependencies, sorted
// ascending by creation time with id as the tie-break. The ordering is
// deterministic for a fixed graph.
func (g *Graph) ReadyTasks() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Status == StatusPending && g.AreDependenciesSatisfied(t) {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out
}

// ActiveTasks returns tasks in pending, in_progress, or blocked state.
func (g *Graph) ActiveTasks() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out
}

// BlockedTasks returns tasks currently blocked.
func (g *Graph) BlockedTasks() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Status == StatusBlocked {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out
}

// InProgressTasks returns tasks currently being executed.
func (g *Graph) InProgressTasks() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Status == StatusInProgress {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out
}

// Node is one entry of the hierarchical task tree.
type Node struct {
	Task     *Task   `json:"task"`
	Children []*Node `json:"children,omitempty"`
	Depth    int     `json:"depth"`
}

// TaskTree builds the forest of root tasks with recursively attached
// children, every level sorted by creation time.
func (g *Graph) TaskTree() []*Node {
	var roots []*Task
	for _, t := range g.tasks {
		if t.IsRoot() {
			roots = append(roots, t)
		}
	}
	sortByCreation(roots)

	nodes := make([]*Node, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, g.buildNode(r, 0))
	}
	return nodes
}

func (g *Graph) buildNode(t *Task, depth int) *Node {
	n := &Node{Task: t, Depth: depth}
	var children []*Task
	for _, c := range g.tasks {
		if c.ParentID == t.ID {
			children = append(children, c)
		}
	}
	sortByCreation(children)
	for _, c := range children {
		n.Children = append(n.Children, g.buildNode(c, depth+1))
	}
	return n
}

// Descendants returns every task below id, breadth-first.
func (g *Graph) Descendants(id string) []*Task {
	var out []*Task
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range g.tasks {
			if t.ParentID == cur {
				out = append(out, t)
				queue = append(queue, t.ID)
			}
		}
	}
	return out
}

// Ancestors walks the parent chain from id (exclusive) up to the root.
func (g *Graph) Ancestors(id string) []*Task {
	var out []*Task
	t := g.tasks[id]
	if t == nil {
		return nil
	}
	for t.ParentID != "" {
		t = g.tasks[t.ParentID]
		if t == nil {
			break
		}
		out = append(out, t)
	}
	return out
}

// Progress summarises per-status counts over a set of tasks.
type Progress struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	InProgress      int `json:"inProgress"`
	Blocked         int `json:"blocked"`
	Complete        int `json:"complete"`
	Failed          int `json:"failed"`
	Cancelled       int `json:"cancelled"`
	PercentComplete int `json:"percentComplete"`
}

// Progress rolls up the whole graph.
func (g *Graph) Progress() Progress {
	return summarize(g.All())
}

// SubtreeProgress rolls up a root task together with all its descendants.
func (g *Graph) SubtreeProgress(id string) Progress {
	t := g.tasks[id]
	if t == nil {
		return Progress{}
	}
	tasks := append([]*Task{t}, g.Descendants(id)...)
	return summarize(tasks)
}

func summarize(tasks []*Task) Progress {
	var p Progress
	p.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		case StatusBlocked:
			p.Blocked++
		case StatusComplete:
			p.Complete++
		case StatusFailed:
			p.Failed++
		case StatusCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.PercentComplete = int(math.Round(100 * float64(p.Complete) / float64(p.Total)))
	}
	return p
}

func sortByCreation(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
