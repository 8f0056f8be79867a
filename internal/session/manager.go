package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/agent"
	"github.com/nextlevelbuilder/taskloom/internal/docstore"
	"github.com/nextlevelbuilder/taskloom/internal/recovery"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
)

// Session ids appear in URLs and on disk, so the charset is tight and a
// leading dot is impossible.
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Manager creates sessions on demand and routes recovery deliveries to
// them. It is the process-wide owner of session lifetimes.
type Manager struct {
	opts Options
	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ recovery.Enqueuer = (*Manager)(nil)

func NewManager(opts Options) (*Manager, error) {
	opts = defaultOptions(opts)
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		ctx:      ctx,
		stop:     cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// Get returns an existing session or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetOrCreate returns the session for id, hydrating its graph and
// document store on first touch.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if !validSessionID.MatchString(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	tasks, err := m.opts.Stores.Tasks.LoadTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks for session %s: %w", id, err)
	}
	graph := taskgraph.Restore(tasks, taskgraph.WithLimits(m.opts.GraphLimits))

	docs, err := docstore.Open(filepath.Join(m.opts.DataDir, "sessions", id))
	if err != nil {
		return nil, fmt.Errorf("open docstore for session %s: %w", id, err)
	}

	s := newSession(m.ctx, id, graph, docs, m.opts)
	m.sessions[id] = s
	slog.Info("session opened", "session", id, "tasks", len(tasks))
	return s, nil
}

// List returns the ids of every open session, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Startup settles state a previous process left behind: every subagent
// row still marked running flips to interrupted and its task fails.
// The turn-record sweep is the recovery sweeper's job and runs after
// this.
func (m *Manager) Startup(ctx context.Context) error {
	rows, err := m.opts.Stores.Subagents.InterruptRunning(ctx)
	if err != nil {
		return fmt.Errorf("interrupt stale subagents: %w", err)
	}
	for _, row := range rows {
		s, err := m.GetOrCreate(ctx, row.SessionID)
		if err != nil {
			slog.Warn("skip interrupted subagent",
				"session", row.SessionID, "task", row.TaskID, "error", err)
			continue
		}
		s.failInterrupted(ctx, row)
	}
	if len(rows) > 0 {
		slog.Info("interrupted stale subagents", "count", len(rows))
	}
	return nil
}

// EnqueueRecovery re-delivers an orphaned turn to its session after the
// backoff delay. The message text is reloaded by id at delivery time.
func (m *Manager) EnqueueRecovery(ctx context.Context, sessionID string, p recovery.Payload, delay time.Duration) error {
	s, err := m.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
		}
		if err := m.deliver(s, p); err != nil {
			slog.Warn("recovery delivery failed",
				"session", sessionID, "turn", p.MessageID, "error", err)
		}
	}()
	return nil
}

func (m *Manager) deliver(s *Session, p recovery.Payload) error {
	ctx := m.ctx

	rec, err := m.opts.Stores.Turns.GetTurn(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("load turn %s: %w", p.MessageID, err)
	}
	if rec == nil {
		return fmt.Errorf("turn %s not found", p.MessageID)
	}
	if rec.Status != store.TurnStreaming {
		// Settled while the delivery waited out its delay.
		slog.Debug("recovery skipped, turn settled", "turn", p.MessageID, "status", rec.Status)
		return nil
	}
	if rec.TaskID == "" {
		// Without a root task the turn cannot resume; replaying the
		// message fresh would duplicate it.
		if serr := m.opts.Stores.Turns.SetTurnStatus(ctx, p.MessageID, store.TurnError); serr != nil {
			slog.Warn("mark unrecoverable turn", "turn", p.MessageID, "error", serr)
		}
		return fmt.Errorf("turn %s has no root task", p.MessageID)
	}

	msg, err := m.opts.Stores.Chat.GetMessage(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", p.MessageID, err)
	}
	if msg == nil {
		if serr := m.opts.Stores.Turns.SetTurnStatus(ctx, p.MessageID, store.TurnError); serr != nil {
			slog.Warn("mark unrecoverable turn", "turn", p.MessageID, "error", serr)
		}
		return fmt.Errorf("turn %s has no stored message", p.MessageID)
	}

	job, err := s.submitRecovered(ctx, agent.TurnRequest{
		TurnID:     p.MessageID,
		Message:    msg.Content,
		RootTaskID: rec.TaskID,
		Checkpoint: p.Checkpoint,
		Attempt:    rec.Attempt,
	})
	if err != nil {
		return err
	}
	slog.Info("recovered turn queued",
		"session", s.id, "turn", p.MessageID, "attempt", rec.Attempt, "reason", p.Reason)

	go func() {
		out := <-job.reply
		if out.err != nil {
			slog.Warn("recovered turn failed", "session", s.id, "turn", p.MessageID, "error", out.err)
			return
		}
		slog.Info("recovered turn finished",
			"session", s.id, "turn", p.MessageID, "rounds", out.result.Rounds)
	}()
	return nil
}

// Close stops every session actor and blocks until they exit. In-flight
// turns stop at their next await and stay claimable by the next
// process's sweep.
func (m *Manager) Close() {
	m.stop()
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		<-s.done
	}
}
