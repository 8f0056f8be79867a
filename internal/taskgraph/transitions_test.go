package taskgraph

import "testing"

func TestStartRequiresSatisfiedDependencies(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "dep", Type: TypePlan, Title: "dep"})
	mustAdd(t, g, TaskInput{ID: "work", Type: TypeCode, Title: "work", Dependencies: []string{"dep"}})

	if got := g.Start("work", "w1"); got != nil {
		t.Fatal("Start succeeded with incomplete dependency")
	}

	g.Start("dep", "w1")
	g.Complete("dep", "done")

	started := g.Start("work", "w1")
	if started == nil {
		t.Fatal("Start failed with satisfied dependencies")
	}
	if started.Status != StatusInProgress || started.AssignedTo != "w1" || started.StartedAt == 0 {
		t.Errorf("started task = %+v", started)
	}
}

func TestTerminalTransitionsAreNoOps(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "a", Type: TypeCode, Title: "a"})
	g.Start("a", "w")
	g.Complete("a", "ok")

	if task, _ := g.Complete("a", "again"); task != nil {
		t.Error("Complete on terminal task mutated it")
	}
	if task, _ := g.Fail("a", "boom"); task != nil {
		t.Error("Fail on terminal task mutated it")
	}
	if task, _ := g.Cancel("a"); task != nil {
		t.Error("Cancel on terminal task mutated it")
	}
	if got := g.Get("a"); got.Status != StatusComplete || got.Result != "ok" {
		t.Errorf("terminal task changed: %+v", got)
	}
}

func TestCompleteSetsTimestampsInOrder(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "a", Type: TypeCode, Title: "a"})
	g.Start("a", "w")
	g.Complete("a", "ok")

	task := g.Get("a")
	if task.StartedAt == 0 || task.CompletedAt == 0 {
		t.Fatalf("timestamps missing: %+v", task)
	}
	if task.StartedAt > task.CompletedAt {
		t.Errorf("startedAt %d > completedAt %d", task.StartedAt, task.CompletedAt)
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "dep", Type: TypeCode, Title: "dep"})
	mustAdd(t, g, TaskInput{ID: "dependent1", Type: TypeCode, Title: "d1", Dependencies: []string{"dep"}})
	mustAdd(t, g, TaskInput{ID: "dependent2", Type: TypeTest, Title: "d2", Dependencies: []string{"dep"}})

	g.Start("dep", "w")
	failed, updated := g.Fail("dep", "boom")
	if failed == nil || failed.Error != "boom" {
		t.Fatalf("Fail = %+v", failed)
	}
	if len(updated) != 2 {
		t.Fatalf("propagation touched %d tasks, want 2", len(updated))
	}
	for _, id := range []string{"dependent1", "dependent2"} {
		if got := g.Get(id).Status; got != StatusBlocked {
			t.Errorf("%s status = %q, want %q", id, got, StatusBlocked)
		}
	}
	if ready := g.ReadyTasks(); len(ready) != 0 {
		t.Errorf("ReadyTasks = %d entries, want none", len(ready))
	}
}

func TestCancelPropagatesLikeFailure(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "dep", Type: TypeCode, Title: "dep"})
	mustAdd(t, g, TaskInput{ID: "next", Type: TypeCode, Title: "next", Dependencies: []string{"dep"}})

	if task, updated := g.Cancel("dep"); task == nil || len(updated) != 1 {
		t.Fatalf("Cancel = %v, updated %d", task, len(updated))
	}
	if got := g.Get("next").Status; got != StatusBlocked {
		t.Errorf("dependent status = %q, want %q", got, StatusBlocked)
	}
}

func TestBlockedRevertsWhenDependenciesComplete(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "d1", Type: TypeCode, Title: "d1"})
	mustAdd(t, g, TaskInput{ID: "d2", Type: TypeCode, Title: "d2"})
	mustAdd(t, g, TaskInput{ID: "work", Type: TypeCode, Title: "work", Dependencies: []string{"d1", "d2"}})

	// Manually block, then complete both dependencies; propagation should
	// revert work to pending on the final completion.
	if got := g.Block("work"); got == nil {
		t.Fatal("Block returned nil for pending task")
	}

	g.Start("d1", "w")
	g.Complete("d1", "ok")
	if got := g.Get("work").Status; got != StatusBlocked {
		t.Fatalf("work unblocked early: %q", got)
	}

	g.Start("d2", "w")
	_, updated := g.Complete("d2", "ok")
	if got := g.Get("work").Status; got != StatusPending {
		t.Fatalf("work status = %q, want %q", got, StatusPending)
	}
	if len(updated) != 1 || updated[0].ID != "work" {
		t.Errorf("propagation changes = %+v, want [work]", updated)
	}
}

func TestPropagationReachesFixpoint(t *testing.T) {
	// chain: a <- b <- c (by dependency). Failing a blocks b; c keeps a
	// pending dependency so it stays pending but never becomes ready.
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "a", Type: TypeCode, Title: "a"})
	mustAdd(t, g, TaskInput{ID: "b", Type: TypeCode, Title: "b", Dependencies: []string{"a"}})
	mustAdd(t, g, TaskInput{ID: "c", Type: TypeCode, Title: "c", Dependencies: []string{"b"}})

	g.Start("a", "w")
	g.Fail("a", "boom")

	if got := g.Get("b").Status; got != StatusBlocked {
		t.Errorf("b = %q, want blocked", got)
	}
	// c's dependency b is blocked, not failed; c stays pending but not ready.
	if got := g.Get("c").Status; got != StatusPending {
		t.Errorf("c = %q, want pending", got)
	}
	if ready := g.ReadyTasks(); len(ready) != 0 {
		t.Errorf("ready = %v, want empty", ready)
	}
}

func TestBlockOnlyFromPending(t *testing.T) {
	g := newTestGraph()
	mustAdd(t, g, TaskInput{ID: "a", Type: TypeCode, Title: "a"})
	g.Start("a", "w")
	if got := g.Block("a"); got != nil {
		t.Error("Block succeeded on in_progress task")
	}
}
