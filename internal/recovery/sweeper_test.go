package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/store"
)

type memTurns struct {
	mu   sync.Mutex
	rows map[string]*store.TurnRecord
}

func newMemTurns() *memTurns { return &memTurns{rows: make(map[string]*store.TurnRecord)} }

func (s *memTurns) CreateTurn(ctx context.Context, rec store.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.rows[rec.ID] = &r
	return nil
}

func (s *memTurns) Heartbeat(ctx context.Context, id string, at int64, checkpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.HeartbeatAt = &at
		if checkpoint != "" {
			r.Checkpoint = checkpoint
		}
	}
	return nil
}

func (s *memTurns) SetTurnStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.Status = status
	}
	return nil
}

func (s *memTurns) IncrementAttempt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.Attempt++
	}
	return nil
}

func (s *memTurns) GetTurn(ctx context.Context, id string) (*store.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

func (s *memTurns) ListStreaming(ctx context.Context) ([]store.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TurnRecord
	for _, r := range s.rows {
		if r.Status == store.TurnStreaming {
			out = append(out, *r)
		}
	}
	return out, nil
}

type enqueued struct {
	sessionID string
	payload   Payload
	delay     time.Duration
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
}

func (f *fakeEnqueuer) EnqueueRecovery(ctx context.Context, sessionID string, p Payload, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueued{sessionID: sessionID, payload: p, delay: delay})
	return nil
}

func (f *fakeEnqueuer) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.calls...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Subscribe(id string, handler bus.EventHandler) {}
func (r *eventRecorder) Unsubscribe(id string)                        {}

func (r *eventRecorder) Broadcast(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) subtypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if payload, ok := e.Payload.(map[string]interface{}); ok {
			if sub, _ := payload["type"].(string); sub != "" {
				out = append(out, sub)
			}
		}
	}
	return out
}

func newTestSweeper(t *testing.T, turns *memTurns, enq *fakeEnqueuer, events *eventRecorder) *Sweeper {
	t.Helper()
	s, err := NewSweeper(SweeperConfig{
		Turns:            turns,
		Enq:              enq,
		Events:           events,
		HeartbeatTimeout: 60 * time.Second,
		MaxAttempts:      3,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	return s
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{Schedule: "not a cron"})
	if err == nil {
		t.Fatal("NewSweeper accepted a bad schedule")
	}
}

func TestSweepRetriesOrphanWithBackoff(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	enq := &fakeEnqueuer{}
	events := &eventRecorder{}
	s := newTestSweeper(t, turns, enq, events)

	turns.CreateTurn(ctx, store.TurnRecord{ID: "t1", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 1})

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("orphans = %d, want 1", n)
	}

	calls := enq.all()
	if len(calls) != 1 {
		t.Fatalf("enqueued %d, want 1", len(calls))
	}
	if calls[0].sessionID != "sess-1" || calls[0].payload.MessageID != "t1" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].payload.Reason != "orphaned" {
		t.Errorf("reason = %q", calls[0].payload.Reason)
	}
	if calls[0].delay != 2*time.Second {
		t.Errorf("delay = %v, want 2s (backoff for attempt 1)", calls[0].delay)
	}

	rec, _ := turns.GetTurn(ctx, "t1")
	if rec.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec.Attempt)
	}
	if got := events.subtypes(); len(got) != 1 || got[0] != "retried" {
		t.Errorf("events = %v, want [retried]", got)
	}
}

func TestSweepResumesCheckpointedOrphan(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	enq := &fakeEnqueuer{}
	events := &eventRecorder{}
	s := newTestSweeper(t, turns, enq, events)

	// Past the attempt cap, but the checkpoint wins.
	turns.CreateTurn(ctx, store.TurnRecord{ID: "t1", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 5, Checkpoint: "cp-3"})

	if _, err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	calls := enq.all()
	if len(calls) != 1 {
		t.Fatalf("enqueued %d, want 1", len(calls))
	}
	if calls[0].payload.Checkpoint != "cp-3" {
		t.Errorf("checkpoint = %q", calls[0].payload.Checkpoint)
	}
	if got := events.subtypes(); len(got) != 1 || got[0] != "resumed" {
		t.Errorf("events = %v, want [resumed]", got)
	}
}

func TestSweepFailsExhaustedOrphan(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	enq := &fakeEnqueuer{}
	events := &eventRecorder{}
	s := newTestSweeper(t, turns, enq, events)

	turns.CreateTurn(ctx, store.TurnRecord{ID: "t1", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 3})

	if _, err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(enq.all()) != 0 {
		t.Errorf("exhausted orphan was re-enqueued")
	}
	rec, _ := turns.GetTurn(ctx, "t1")
	if rec.Status != store.TurnError {
		t.Errorf("turn status = %s, want error", rec.Status)
	}
	if got := events.subtypes(); len(got) != 1 || got[0] != "failed" {
		t.Errorf("events = %v, want [failed]", got)
	}
}

func TestRunSweepsImmediatelyOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turns := newMemTurns()
	enq := &fakeEnqueuer{}
	s := newTestSweeper(t, turns, enq, &eventRecorder{})

	// Orphaned by a previous process: streaming, never heartbeated.
	turns.CreateTurn(ctx, store.TurnRecord{ID: "t1", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 1})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(enq.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup sweep did not run before the first tick")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestSweepSkipsHealthyTurns(t *testing.T) {
	ctx := context.Background()
	turns := newMemTurns()
	enq := &fakeEnqueuer{}
	s := newTestSweeper(t, turns, enq, &eventRecorder{})

	now := time.Now().UnixMilli()
	turns.CreateTurn(ctx, store.TurnRecord{ID: "healthy", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 1, HeartbeatAt: &now})

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("orphans = %d, want 0", n)
	}
	if len(enq.all()) != 0 {
		t.Errorf("healthy turn was re-enqueued")
	}
}
