package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// ResultHandler receives terminal worker outcomes. Called from
// supervisor goroutines; the session actor serializes graph updates on
// its own side. Never called for aborted workers: cancellation settles
// task state at the session level.
type ResultHandler func(res Result)

// TokenIssuer mints and revokes per-spawn RPC credentials. Implemented
// by the gateway's RPC surface.
type TokenIssuer interface {
	Issue(sessionID, taskID string) string
	Revoke(token string)
}

type Config struct {
	SessionID string
	Provider  providers.Provider
	Model     string
	Rows      store.SubagentStore
	Events    bus.EventPublisher
	Tokens    TokenIssuer
	RPCBase   string
	OnResult  ResultHandler

	MaxExecutionTime  time.Duration // default 600s
	InitialCheckDelay time.Duration // default 30s
	CheckInterval     time.Duration // default 60s
	MaxCheckAttempts  int           // default 10
	MaxSteps          int           // default 15
}

// Status is a point-in-time view of one spawn, merged from live state
// and the durable row.
type Status struct {
	TaskID    string `json:"taskId"`
	FacetName string `json:"facetName"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	StartedAt int64  `json:"startedAt"`
}

type tracked struct {
	props     Props
	facet     string
	token     string
	cancel    context.CancelFunc
	startedAt time.Time
	done      bool
	status    string
	result    Result
}

// Manager supervises the session's workers: it spawns them
// fire-and-forget, polls on a schedule, enforces the execution ceiling,
// and reports terminal results to the session.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	workers map[string]*tracked
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 600 * time.Second
	}
	if cfg.InitialCheckDelay <= 0 {
		cfg.InitialCheckDelay = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.MaxCheckAttempts <= 0 {
		cfg.MaxCheckAttempts = 10
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 15
	}
	return &Manager{cfg: cfg, workers: make(map[string]*tracked)}
}

// Spawn captures props, records the tracking row, and starts the worker
// and its supervisor. Returns the facet name immediately; the result
// arrives later through the ResultHandler.
func (m *Manager) Spawn(ctx context.Context, p Props) (string, error) {
	if p.TaskID == "" {
		return "", fmt.Errorf("spawn subagent: missing task id")
	}
	if p.ParentSessionID == "" {
		p.ParentSessionID = m.cfg.SessionID
	}
	facet := "subagent-" + p.TaskID

	m.mu.Lock()
	if t, ok := m.workers[p.TaskID]; ok && !t.done {
		m.mu.Unlock()
		return "", fmt.Errorf("subagent already running for task %s", p.TaskID)
	}
	m.mu.Unlock()

	now := time.Now()
	if err := m.cfg.Rows.PutSubagent(ctx, store.SubagentRow{
		TaskID:    p.TaskID,
		FacetName: facet,
		SessionID: m.cfg.SessionID,
		StartedAt: now.UnixMilli(),
		Status:    store.SubagentRunning,
		PropsJSON: p.encode(),
	}); err != nil {
		return "", fmt.Errorf("record subagent row: %w", err)
	}

	var token string
	if m.cfg.Tokens != nil {
		token = m.cfg.Tokens.Issue(m.cfg.SessionID, p.TaskID)
	}

	// The worker outlives the tool call that spawned it.
	workerCtx, cancel := context.WithCancel(context.Background())
	t := &tracked{
		props:     p,
		facet:     facet,
		token:     token,
		cancel:    cancel,
		startedAt: now,
		status:    store.SubagentRunning,
	}
	m.mu.Lock()
	m.workers[p.TaskID] = t
	m.mu.Unlock()

	slog.Info("subagent spawned", "session", m.cfg.SessionID, "task", p.TaskID, "facet", facet)
	m.emit(protocol.SubagentEventSpawned, t, map[string]interface{}{"title": p.Title})

	go m.run(workerCtx, t)
	go m.supervise(workerCtx, t)
	return facet, nil
}

func (m *Manager) run(ctx context.Context, t *tracked) {
	defer func() {
		if m.cfg.Tokens != nil && t.token != "" {
			m.cfg.Tokens.Revoke(t.token)
		}
	}()

	client := NewRPCClient(m.cfg.RPCBase, t.token)
	res := runWorker(ctx, workerConfig{
		props:    t.props,
		provider: m.cfg.Provider,
		model:    m.cfg.Model,
		registry: NewRPCRegistry(client),
		maxSteps: m.cfg.MaxSteps,
	})
	m.finish(t, res)
}

// finish settles a worker that ended on its own. Drops the result if a
// timeout or abort already settled it.
func (m *Manager) finish(t *tracked, res Result) {
	status := store.SubagentComplete
	subtype := protocol.SubagentEventCompleted
	if !res.Success {
		status = store.SubagentFailed
		subtype = protocol.SubagentEventFailed
	}

	m.mu.Lock()
	if t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	t.status = status
	t.result = res
	m.mu.Unlock()

	m.setRowStatus(t.props.TaskID, status)
	slog.Info("subagent finished",
		"session", m.cfg.SessionID, "task", t.props.TaskID,
		"success", res.Success, "duration", res.Duration)
	m.emit(subtype, t, map[string]interface{}{
		"success":    res.Success,
		"durationMs": res.Duration.Milliseconds(),
	})
	if m.cfg.OnResult != nil {
		m.cfg.OnResult(res)
	}
}

// supervise polls the worker on the configured schedule and enforces
// the execution ceiling. The poll also refreshes the durable row, so a
// crashed worker goroutine cannot leave a stale "running" row past the
// deadline.
func (m *Manager) supervise(ctx context.Context, t *tracked) {
	deadline := t.startedAt.Add(m.cfg.MaxExecutionTime)
	timer := time.NewTimer(m.cfg.InitialCheckDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= m.cfg.MaxCheckAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if m.isDone(t) {
			return
		}
		if time.Now().After(deadline) {
			m.timeout(t)
			return
		}
		slog.Debug("subagent check",
			"task", t.props.TaskID, "attempt", attempt,
			"elapsed", time.Since(t.startedAt).Round(time.Second))
		timer.Reset(m.cfg.CheckInterval)
	}

	// Checks exhausted with the worker still running: hold until the
	// execution ceiling and settle it there.
	select {
	case <-ctx.Done():
	case <-time.After(time.Until(deadline)):
		if !m.isDone(t) {
			m.timeout(t)
		}
	}
}

func (m *Manager) timeout(t *tracked) {
	m.mu.Lock()
	if t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	t.status = store.SubagentTimeout
	errMsg := fmt.Sprintf("subagent timed out after %s", m.cfg.MaxExecutionTime)
	t.result = Result{
		TaskID:   t.props.TaskID,
		Error:    errMsg,
		Duration: time.Since(t.startedAt),
	}
	res := t.result
	m.mu.Unlock()

	t.cancel()
	m.setRowStatus(t.props.TaskID, store.SubagentTimeout)
	slog.Warn("subagent timed out", "session", m.cfg.SessionID, "task", t.props.TaskID)
	m.emit(protocol.SubagentEventTimeout, t, nil)
	if m.cfg.OnResult != nil {
		m.cfg.OnResult(res)
	}
}

// Abort stops a running worker without reporting a result. Used by
// session cancellation, which settles the task state itself.
func (m *Manager) Abort(taskID string) {
	m.mu.Lock()
	t, ok := m.workers[taskID]
	if !ok || t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	t.status = store.SubagentInterrupted
	m.mu.Unlock()

	t.cancel()
	m.setRowStatus(taskID, store.SubagentInterrupted)
	slog.Info("subagent aborted", "session", m.cfg.SessionID, "task", taskID)
	m.emit(protocol.SubagentEventInterrupted, t, nil)
}

// AbortAll aborts every live worker.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	var ids []string
	for id, t := range m.workers {
		if !t.done {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Abort(id)
	}
}

// Status reports one spawn, falling back to the durable row for workers
// from a previous process life. Returns nil when nothing is known.
func (m *Manager) Status(ctx context.Context, taskID string) (*Status, error) {
	m.mu.Lock()
	if t, ok := m.workers[taskID]; ok {
		s := &Status{
			TaskID:    t.props.TaskID,
			FacetName: t.facet,
			Status:    t.status,
			Result:    t.result.Result,
			Error:     t.result.Error,
			StartedAt: t.startedAt.UnixMilli(),
		}
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	row, err := m.cfg.Rows.GetSubagent(ctx, taskID)
	if err != nil || row == nil {
		return nil, err
	}
	return &Status{
		TaskID:    row.TaskID,
		FacetName: row.FacetName,
		Status:    row.Status,
		StartedAt: row.StartedAt,
	}, nil
}

// ActiveCount reports how many workers are still running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.workers {
		if !t.done {
			n++
		}
	}
	return n
}

// ActiveIDs returns the task ids of live workers.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.workers {
		if !t.done {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListStatuses reports every spawn the manager still tracks in memory.
func (m *Manager) ListStatuses() []*Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Status, 0, len(m.workers))
	for _, t := range m.workers {
		out = append(out, &Status{
			TaskID:    t.props.TaskID,
			FacetName: t.facet,
			Status:    t.status,
			Result:    t.result.Result,
			Error:     t.result.Error,
			StartedAt: t.startedAt.UnixMilli(),
		})
	}
	return out
}

// WaitFor blocks until the listed workers are terminal or the timeout
// passes, then reports their current states. An empty list means every
// worker active at call time.
func (m *Manager) WaitFor(ctx context.Context, taskIDs []string, timeout time.Duration) ([]*Status, error) {
	if len(taskIDs) == 0 {
		taskIDs = m.ActiveIDs()
	}
	if len(taskIDs) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		statuses := make([]*Status, 0, len(taskIDs))
		allTerminal := true
		for _, id := range taskIDs {
			s, err := m.Status(ctx, id)
			if err != nil {
				return nil, err
			}
			if s == nil {
				s = &Status{TaskID: id, Status: store.SubagentFailed, Error: "unknown subagent"}
			}
			if s.Status == store.SubagentRunning {
				allTerminal = false
			}
			statuses = append(statuses, s)
		}
		if allTerminal || time.Now().After(deadline) {
			return statuses, nil
		}
		select {
		case <-ctx.Done():
			return statuses, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) isDone(t *tracked) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.done
}

func (m *Manager) setRowStatus(taskID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Rows.SetSubagentStatus(ctx, taskID, status); err != nil {
		slog.Warn("subagent row update failed", "task", taskID, "status", status, "error", err)
	}
}

func (m *Manager) emit(subtype string, t *tracked, extra map[string]interface{}) {
	if m.cfg.Events == nil {
		return
	}
	payload := map[string]interface{}{
		"type":      subtype,
		"taskId":    t.props.TaskID,
		"facetName": t.facet,
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.cfg.Events.Broadcast(bus.Event{
		Name:      protocol.EventSubagent,
		SessionID: m.cfg.SessionID,
		Payload:   payload,
	})
}
