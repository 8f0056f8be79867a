package store

import (
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

func TestTaskRowRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		task *taskgraph.Task
	}{
		{
			name: "full task",
			task: &taskgraph.Task{
				ID:           "t1",
				ParentID:     "root",
				Type:         taskgraph.TypeCode,
				Title:        "implement parser",
				Description:  "long form text",
				Dependencies: []string{"a", "b"},
				Status:       taskgraph.StatusComplete,
				Result:       "done",
				AssignedTo:   "sess-1",
				CreatedAt:    1000,
				StartedAt:    1001,
				CompletedAt:  1002,
				Metadata:     map[string]string{"origin": "llm"},
			},
		},
		{
			name: "minimal root task",
			task: &taskgraph.Task{
				ID:        "t2",
				Type:      taskgraph.TypePlan,
				Title:     "plan",
				Status:    taskgraph.StatusPending,
				CreatedAt: 500,
			},
		},
		{
			name: "failed task",
			task: &taskgraph.Task{
				ID:          "t3",
				Type:        taskgraph.TypeFix,
				Title:       "fix",
				Status:      taskgraph.StatusFailed,
				Error:       "exploded",
				CreatedAt:   1,
				StartedAt:   2,
				CompletedAt: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := TaskToRow(tt.task)
			if err != nil {
				t.Fatalf("TaskToRow: %v", err)
			}
			back, err := RowToTask(row)
			if err != nil {
				t.Fatalf("RowToTask: %v", err)
			}
			if !reflect.DeepEqual(tt.task, back) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, tt.task)
			}
		})
	}
}

func TestRowToTaskEmptyDependencies(t *testing.T) {
	row := TaskRow{ID: "x", Type: "code", Title: "x", Status: "pending", Dependencies: "[]", CreatedAt: 1}
	task, err := RowToTask(row)
	if err != nil {
		t.Fatal(err)
	}
	if task.Dependencies != nil {
		t.Errorf("empty dependency array decoded to %v, want nil", task.Dependencies)
	}
}

func TestRowToTaskBadJSON(t *testing.T) {
	row := TaskRow{ID: "x", Dependencies: "{not json"}
	if _, err := RowToTask(row); err == nil {
		t.Error("RowToTask accepted malformed dependencies")
	}
}

func TestGraphSerializeDeserialize(t *testing.T) {
	g := taskgraph.NewGraph()
	root := g.CreateTask(taskgraph.TaskInput{ID: "root", Type: taskgraph.TypePlan, Title: "root"})
	if err := g.AddTask(root); err != nil {
		t.Fatal(err)
	}
	child := g.CreateTask(taskgraph.TaskInput{ID: "child", ParentID: "root", Type: taskgraph.TypeCode, Title: "child", Dependencies: []string{"root"}})
	if err := g.AddTask(child); err != nil {
		t.Fatal(err)
	}

	// Serialize to rows, then rebuild. Set-wise equality plus a derived
	// root set is the contract.
	var rows []TaskRow
	for _, task := range g.All() {
		row, err := TaskToRow(task)
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, row)
	}

	var tasks []*taskgraph.Task
	for _, row := range rows {
		task, err := RowToTask(row)
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	restored := taskgraph.Restore(tasks)

	if restored.Len() != g.Len() {
		t.Fatalf("restored %d tasks, want %d", restored.Len(), g.Len())
	}
	for _, task := range g.All() {
		got := restored.Get(task.ID)
		if got == nil {
			t.Fatalf("task %s missing after restore", task.ID)
		}
		if !reflect.DeepEqual(task, got) {
			t.Errorf("task %s mismatch:\n got %+v\nwant %+v", task.ID, got, task)
		}
	}
	roots := restored.RootIDs()
	if len(roots) != 1 || roots[0] != "root" {
		t.Errorf("restored roots = %v, want [root]", roots)
	}
}
