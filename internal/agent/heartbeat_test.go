package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

func makeTurn(id string) store.TurnRecord {
	return store.TurnRecord{ID: id, SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 1, CreatedAt: time.Now().UnixMilli()}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHeartbeatWritesImmediately(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	turns.CreateTurn(ctx, makeTurn("t1"))

	hb := startHeartbeat(ctx, turns, "t1", time.Hour)
	defer hb.halt()

	waitFor(t, func() bool {
		rec, _ := turns.GetTurn(ctx, "t1")
		return rec.HeartbeatAt != nil
	}, "first heartbeat")
}

func TestHeartbeatTicksAtInterval(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	turns.CreateTurn(ctx, makeTurn("t1"))

	hb := startHeartbeat(ctx, turns, "t1", 5*time.Millisecond)
	defer hb.halt()

	waitFor(t, func() bool { return turns.beatCount() >= 3 }, "three beats")
}

func TestHeartbeatCarriesCheckpoint(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	turns.CreateTurn(ctx, makeTurn("t1"))

	hb := startHeartbeat(ctx, turns, "t1", 5*time.Millisecond)
	defer hb.halt()
	hb.setCheckpoint(encodeCheckpoint("root-1", 4))

	waitFor(t, func() bool {
		rec, _ := turns.GetTurn(ctx, "t1")
		rootID, round := DecodeCheckpoint(rec.Checkpoint)
		return rootID == "root-1" && round == 4
	}, "checkpoint write")
}

func TestHeartbeatHaltStopsWrites(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	turns.CreateTurn(ctx, makeTurn("t1"))

	hb := startHeartbeat(ctx, turns, "t1", 3*time.Millisecond)
	waitFor(t, func() bool { return turns.beatCount() >= 2 }, "beats before halt")

	hb.halt()
	hb.halt() // second halt is a no-op

	before := turns.beatCount()
	time.Sleep(20 * time.Millisecond)
	if after := turns.beatCount(); after != before {
		t.Errorf("beats continued after halt: %d -> %d", before, after)
	}
}

func TestHeartbeatStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	turns := newMemTurns()
	turns.CreateTurn(ctx, makeTurn("t1"))

	hb := startHeartbeat(ctx, turns, "t1", 3*time.Millisecond)
	waitFor(t, func() bool { return turns.beatCount() >= 1 }, "first beat")

	cancel()
	time.Sleep(10 * time.Millisecond)
	before := turns.beatCount()
	time.Sleep(20 * time.Millisecond)
	if after := turns.beatCount(); after != before {
		t.Errorf("beats continued after cancel: %d -> %d", before, after)
	}
	hb.halt()
}

func TestDecodeCheckpoint(t *testing.T) {
	rootID, round := DecodeCheckpoint(encodeCheckpoint("task-42", 7))
	if rootID != "task-42" || round != 7 {
		t.Errorf("decode = %q, %d", rootID, round)
	}

	// Unparseable tokens fall back to a plain retry.
	for _, bad := range []string{"", "not json", `{"round":"seven"}`} {
		rootID, round = DecodeCheckpoint(bad)
		if rootID != "" || round != 0 {
			t.Errorf("DecodeCheckpoint(%q) = %q, %d, want zero values", bad, rootID, round)
		}
	}
}
