package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "taskloom.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testTask(id, parent string, deps []string, status taskgraph.Status, created int64) *taskgraph.Task {
	return &taskgraph.Task{
		ID:           id,
		ParentID:     parent,
		Type:         taskgraph.TypeCode,
		Title:        "task " + id,
		Dependencies: deps,
		Status:       status,
		CreatedAt:    created,
	}
}

func TestTaskStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ts := NewSQLiteTaskStore(db)
	ctx := context.Background()

	root := testTask("root", "", nil, taskgraph.StatusInProgress, 100)
	child := testTask("child", "root", []string{"root"}, taskgraph.StatusPending, 200)
	child.Description = "does the work"
	child.Metadata = map[string]string{"area": "backend"}

	if err := ts.SaveTasks(ctx, "s1", []*taskgraph.Task{root, child}); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}

	loaded, err := ts.LoadTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d tasks, want 2", len(loaded))
	}
	if loaded[0].ID != "root" || loaded[1].ID != "child" {
		t.Fatalf("load order = %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[1].Description != "does the work" || loaded[1].Metadata["area"] != "backend" {
		t.Errorf("child fields lost: %+v", loaded[1])
	}
	if len(loaded[1].Dependencies) != 1 || loaded[1].Dependencies[0] != "root" {
		t.Errorf("child dependencies = %v", loaded[1].Dependencies)
	}

	// The restored graph keeps the same roots.
	g := taskgraph.Restore(loaded)
	roots := g.RootIDs()
	if len(roots) != 1 || roots[0] != "root" {
		t.Errorf("restored roots = %v", roots)
	}

	// Single-task save updates in place.
	root.Status = taskgraph.StatusComplete
	root.Result = "done"
	root.CompletedAt = 300
	if err := ts.SaveTask(ctx, "s1", root); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	loaded, err = ts.LoadTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTasks after update: %v", err)
	}
	if loaded[0].Status != taskgraph.StatusComplete || loaded[0].Result != "done" {
		t.Errorf("updated root = %+v", loaded[0])
	}

	if err := ts.DeleteTasks(ctx, "s1"); err != nil {
		t.Fatalf("DeleteTasks: %v", err)
	}
	loaded, err = ts.LoadTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTasks after delete: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d tasks after delete, want 0", len(loaded))
	}
}

func TestSaveTasksUpsertsBatchOnly(t *testing.T) {
	db := openTestDB(t)
	ts := NewSQLiteTaskStore(db)
	ctx := context.Background()

	a := testTask("a", "", nil, taskgraph.StatusPending, 1)
	b := testTask("b", "", nil, taskgraph.StatusPending, 2)
	if err := ts.SaveTasks(ctx, "s1", []*taskgraph.Task{a, b}); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}

	// A later batch carries only the task that changed; the rest of the
	// graph must survive on disk.
	a2 := testTask("a", "", nil, taskgraph.StatusComplete, 1)
	a2.Result = "done"
	if err := ts.SaveTasks(ctx, "s1", []*taskgraph.Task{a2}); err != nil {
		t.Fatalf("SaveTasks batch: %v", err)
	}

	loaded, err := ts.LoadTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("partial batch dropped rows: %v", loaded)
	}
	byID := map[string]*taskgraph.Task{loaded[0].ID: loaded[0], loaded[1].ID: loaded[1]}
	if got := byID["a"]; got == nil || got.Status != taskgraph.StatusComplete || got.Result != "done" {
		t.Fatalf("task a not updated: %+v", got)
	}
	if got := byID["b"]; got == nil || got.Status != taskgraph.StatusPending {
		t.Fatalf("task b mutated: %+v", got)
	}
}

func TestTaskStoreSessionIsolation(t *testing.T) {
	db := openTestDB(t)
	ts := NewSQLiteTaskStore(db)
	ctx := context.Background()

	if err := ts.SaveTask(ctx, "s1", testTask("x", "", nil, taskgraph.StatusPending, 1)); err != nil {
		t.Fatalf("SaveTask s1: %v", err)
	}
	if err := ts.SaveTask(ctx, "s2", testTask("x", "", nil, taskgraph.StatusComplete, 1)); err != nil {
		t.Fatalf("SaveTask s2: %v", err)
	}

	loaded, err := ts.LoadTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Status != taskgraph.StatusPending {
		t.Fatalf("s1 sees wrong rows: %v", loaded)
	}
}

func TestChatHistoryWindow(t *testing.T) {
	db := openTestDB(t)
	cs := NewSQLiteChatStore(db)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three", "four", "five"} {
		msg := store.ChatMessage{
			SessionID: "s1",
			Role:      "user",
			Content:   content,
			Timestamp: int64(i + 1),
		}
		if err := cs.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	got, err := cs.History(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{"three", "four", "five"}
	if len(got) != len(want) {
		t.Fatalf("history len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, got[i].Content, want[i])
		}
	}

	all, err := cs.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("full history len = %d, want 5", len(all))
	}

	if err := cs.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, err = cs.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History after clear: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("history after clear len = %d", len(all))
	}
}

func TestChatHistorySameTimestampKeepsInsertionOrder(t *testing.T) {
	db := openTestDB(t)
	cs := NewSQLiteChatStore(db)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		msg := store.ChatMessage{SessionID: "s1", Role: "assistant", Content: content, Timestamp: 42}
		if err := cs.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	got, err := cs.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Content != "second" || got[1].Content != "third" {
		t.Fatalf("tied timestamps broke ordering: %v", got)
	}
}

func TestChatGetMessage(t *testing.T) {
	db := openTestDB(t)
	cs := NewSQLiteChatStore(db)
	ctx := context.Background()

	msg := store.ChatMessage{
		ID:        "m1",
		SessionID: "s1",
		Role:      "assistant",
		Content:   "working on it",
		ToolCalls: []byte(`[{"id":"t1","name":"bash"}]`),
		Timestamp: 7,
	}
	if err := cs.AddMessage(ctx, msg); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	got, err := cs.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil {
		t.Fatal("GetMessage returned nil for stored message")
	}
	if got.Content != "working on it" || got.SessionID != "s1" {
		t.Errorf("got = %+v", got)
	}
	if string(got.ToolCalls) != `[{"id":"t1","name":"bash"}]` {
		t.Errorf("tool calls = %s", got.ToolCalls)
	}

	missing, err := cs.GetMessage(ctx, "nope")
	if err != nil {
		t.Fatalf("GetMessage missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing id returned %+v", missing)
	}
}

func TestActionListFilters(t *testing.T) {
	db := openTestDB(t)
	as := NewSQLiteActionStore(db)
	ctx := context.Background()

	entries := []actionlog.Entry{
		{ID: "a1", SessionID: "s1", Timestamp: 100, Tool: "bash", Action: "execute", OutputSummary: "exit=0, stdout=3 chars, stderr=0 chars", Success: true},
		{ID: "a2", SessionID: "s1", Timestamp: 200, Tool: "readFile", Action: "execute", OutputSummary: "10 lines, 120 chars", Success: true},
		{ID: "a3", SessionID: "s1", Timestamp: 300, Tool: "bash", Action: "execute", Error: "exit 1", Success: false},
		{ID: "b1", SessionID: "s2", Timestamp: 150, Tool: "bash", Action: "execute", Success: true},
	}
	for _, e := range entries {
		if err := as.Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", e.ID, err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := as.List(ctx, "s1", store.ActionQuery{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 3 || got[0].ID != "a3" || got[1].ID != "a2" || got[2].ID != "a1" {
			t.Fatalf("order wrong: %v", ids(got))
		}
		if got[0].Success || got[0].Error != "exit 1" {
			t.Errorf("failure row lost fields: %+v", got[0])
		}
	})

	t.Run("tool filter", func(t *testing.T) {
		got, err := as.List(ctx, "s1", store.ActionQuery{Tool: "bash"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a3" || got[1].ID != "a1" {
			t.Fatalf("tool filter wrong: %v", ids(got))
		}
	})

	t.Run("since filter", func(t *testing.T) {
		got, err := as.List(ctx, "s1", store.ActionQuery{Since: 200})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a3" || got[1].ID != "a2" {
			t.Fatalf("since filter wrong: %v", ids(got))
		}
	})

	t.Run("limit", func(t *testing.T) {
		got, err := as.List(ctx, "s1", store.ActionQuery{Limit: 1})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a3" {
			t.Fatalf("limit wrong: %v", ids(got))
		}
	})

	t.Run("session isolation", func(t *testing.T) {
		got, err := as.List(ctx, "s2", store.ActionQuery{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b1" {
			t.Fatalf("s2 sees wrong rows: %v", ids(got))
		}
	})

	if err := as.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := as.List(ctx, "s1", store.ActionQuery{})
	if err != nil {
		t.Fatalf("List after clear: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("entries survived clear: %v", ids(got))
	}
}

func ids(entries []actionlog.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestTurnLifecycle(t *testing.T) {
	db := openTestDB(t)
	ts := NewSQLiteTurnStore(db)
	ctx := context.Background()

	rec := store.TurnRecord{
		ID:        "t1",
		SessionID: "s1",
		Status:    store.TurnStreaming,
		TaskID:    "task-1",
		CreatedAt: 1000,
	}
	if err := ts.CreateTurn(ctx, rec); err != nil {
		t.Fatalf("CreateTurn: %v", err)
	}

	got, err := ts.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if got == nil || got.Attempt != 1 || got.HeartbeatAt != nil || got.TaskID != "task-1" {
		t.Fatalf("fresh turn = %+v", got)
	}

	// A beat without a checkpoint keeps the stored one.
	if err := ts.Heartbeat(ctx, "t1", 2000, `{"phase":"tools"}`); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := ts.Heartbeat(ctx, "t1", 3000, ""); err != nil {
		t.Fatalf("Heartbeat empty: %v", err)
	}
	got, err = ts.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if got.HeartbeatAt == nil || *got.HeartbeatAt != 3000 {
		t.Errorf("heartbeat = %v, want 3000", got.HeartbeatAt)
	}
	if got.Checkpoint != `{"phase":"tools"}` {
		t.Errorf("checkpoint erased: %q", got.Checkpoint)
	}

	if err := ts.IncrementAttempt(ctx, "t1"); err != nil {
		t.Fatalf("IncrementAttempt: %v", err)
	}
	got, _ = ts.GetTurn(ctx, "t1")
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Attempt)
	}

	streaming, err := ts.ListStreaming(ctx)
	if err != nil {
		t.Fatalf("ListStreaming: %v", err)
	}
	if len(streaming) != 1 || streaming[0].ID != "t1" {
		t.Fatalf("streaming = %v", streaming)
	}

	if err := ts.SetTurnStatus(ctx, "t1", store.TurnComplete); err != nil {
		t.Fatalf("SetTurnStatus: %v", err)
	}
	streaming, err = ts.ListStreaming(ctx)
	if err != nil {
		t.Fatalf("ListStreaming: %v", err)
	}
	if len(streaming) != 0 {
		t.Errorf("completed turn still streaming: %v", streaming)
	}

	missing, err := ts.GetTurn(ctx, "nope")
	if err != nil {
		t.Fatalf("GetTurn missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing turn = %+v, want nil", missing)
	}
	if err := ts.SetTurnStatus(ctx, "nope", store.TurnComplete); err == nil {
		t.Error("SetTurnStatus on missing turn did not error")
	}
}

func TestSubagentInterruptRunning(t *testing.T) {
	db := openTestDB(t)
	ss := NewSQLiteSubagentStore(db)
	ctx := context.Background()

	rows := []store.SubagentRow{
		{TaskID: "task-a", FacetName: "coder", SessionID: "s1", StartedAt: 100, Status: store.SubagentRunning, PropsJSON: `{"title":"a"}`},
		{TaskID: "task-b", FacetName: "tester", SessionID: "s1", StartedAt: 200, Status: store.SubagentRunning},
		{TaskID: "task-c", FacetName: "coder", SessionID: "s2", StartedAt: 300, Status: store.SubagentComplete},
	}
	for _, r := range rows {
		if err := ss.PutSubagent(ctx, r); err != nil {
			t.Fatalf("PutSubagent %s: %v", r.TaskID, err)
		}
	}

	touched, err := ss.InterruptRunning(ctx)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("touched %d rows, want 2", len(touched))
	}
	for _, r := range touched {
		if r.Status != store.SubagentInterrupted {
			t.Errorf("row %s status = %s", r.TaskID, r.Status)
		}
	}

	got, err := ss.GetSubagent(ctx, "task-a")
	if err != nil {
		t.Fatalf("GetSubagent: %v", err)
	}
	if got.Status != store.SubagentInterrupted || got.PropsJSON != `{"title":"a"}` {
		t.Errorf("task-a after interrupt = %+v", got)
	}
	got, err = ss.GetSubagent(ctx, "task-c")
	if err != nil {
		t.Fatalf("GetSubagent: %v", err)
	}
	if got.Status != store.SubagentComplete {
		t.Errorf("completed row was touched: %+v", got)
	}

	// Second sweep finds nothing.
	touched, err = ss.InterruptRunning(ctx)
	if err != nil {
		t.Fatalf("InterruptRunning again: %v", err)
	}
	if len(touched) != 0 {
		t.Errorf("second sweep touched %v", touched)
	}

	missing, err := ss.GetSubagent(ctx, "task-z")
	if err != nil {
		t.Fatalf("GetSubagent missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing row = %+v, want nil", missing)
	}

	s1, err := ss.ListSubagents(ctx, "s1")
	if err != nil {
		t.Fatalf("ListSubagents: %v", err)
	}
	if len(s1) != 2 || s1[0].TaskID != "task-a" || s1[1].TaskID != "task-b" {
		t.Fatalf("s1 rows = %v", s1)
	}
}
