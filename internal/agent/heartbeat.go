package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// heartbeat writes liveness marks for one streaming turn. The loop updates
// the checkpoint after each completed round; the ticker persists the latest
// mark so an orphan scan can tell a live turn from a dead one.
type heartbeat struct {
	turns    store.TurnStore
	turnID   string
	interval time.Duration

	mu         sync.Mutex
	checkpoint string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startHeartbeat(ctx context.Context, turns store.TurnStore, turnID string, interval time.Duration) *heartbeat {
	h := &heartbeat{
		turns:    turns,
		turnID:   turnID,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *heartbeat) run(ctx context.Context) {
	defer close(h.done)

	// First mark immediately: a turn with no heartbeat at all counts as
	// orphaned, so the window between create and first tick must be small.
	h.write(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.write(ctx)
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *heartbeat) write(ctx context.Context) {
	h.mu.Lock()
	checkpoint := h.checkpoint
	h.mu.Unlock()
	if err := h.turns.Heartbeat(ctx, h.turnID, time.Now().UnixMilli(), checkpoint); err != nil {
		slog.Warn("heartbeat write failed", "turn", h.turnID, "error", err)
	}
}

// setCheckpoint records the latest resume token; the next tick persists it.
func (h *heartbeat) setCheckpoint(token string) {
	h.mu.Lock()
	h.checkpoint = token
	h.mu.Unlock()
}

// halt stops the ticker and waits for the goroutine to exit. Safe to call
// more than once.
func (h *heartbeat) halt() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// checkpointToken is the opaque resume token carried in turn records. It
// names the root task and the last fully finished round, which is enough
// to re-enter the turn without duplicating the user message or the root.
type checkpointToken struct {
	RootTaskID string `json:"rootTaskId"`
	Round      int    `json:"round"`
}

func encodeCheckpoint(rootTaskID string, round int) string {
	b, err := json.Marshal(checkpointToken{RootTaskID: rootTaskID, Round: round})
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeCheckpoint parses a stored resume token. Unparseable tokens come
// back zero-valued: recovery then falls back to a plain retry.
func DecodeCheckpoint(token string) (rootTaskID string, round int) {
	if token == "" {
		return "", 0
	}
	var t checkpointToken
	if err := json.Unmarshal([]byte(token), &t); err != nil {
		return "", 0
	}
	return t.RootTaskID, t.Round
}
