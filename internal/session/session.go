// Package session hosts the per-session actor: one orchestrator turn in
// flight at a time, a bounded queue behind it, and a single lock
// serializing every graph mutation with its persistence. Subagent
// workers and recovery deliveries run on their own goroutines and meet
// the actor at that lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/agent"
	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/docstore"
	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/subagent"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

var (
	// ErrBusy rejects a chat message when a turn is running and the
	// queue slot is taken.
	ErrBusy = errors.New("session busy: message queue full")
	// ErrCancelled reports a turn stopped by an explicit cancel.
	ErrCancelled = errors.New("turn cancelled")
	// ErrClosed reports a message that was still queued when the
	// session shut down.
	ErrClosed = errors.New("session closed")
)

// Options carries the shared collaborators and knobs a Manager hands to
// every session it creates.
type Options struct {
	Provider providers.Provider
	Model    string
	Stores   *store.Stores
	Events   bus.EventPublisher

	// DataDir roots the per-session document stores
	// (DataDir/sessions/<id>).
	DataDir string

	// BuildTools populates a new session's registry with the capability
	// tools. Task and delegation tools are added by the session itself.
	BuildTools func(docs *docstore.Store) []tools.Tool

	SubagentsEnabled bool
	Tokens           subagent.TokenIssuer
	RPCBase          string

	QueueSize          int              // default 1
	MaxToolRounds      int              // default 20
	MaxContextMessages int              // default 50
	HeartbeatInterval  time.Duration    // default 30s
	GraphLimits        taskgraph.Limits // zero fields use package defaults

	SubagentMaxExecutionTime  time.Duration
	SubagentInitialCheckDelay time.Duration
	SubagentCheckInterval     time.Duration
	SubagentMaxCheckAttempts  int
	SubagentMaxSteps          int
}

// Snapshot is the GET /state view of a session.
type Snapshot struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	CodeVersion int64  `json:"codeVersion"`
}

type turnOutcome struct {
	result *agent.TurnResult
	err    error
}

type turnJob struct {
	req   agent.TurnRequest
	reply chan turnOutcome
}

type turnState struct {
	turnID    string
	cancel    context.CancelFunc
	cancelled bool
}

// Session is one conversation's actor. It owns the task graph, drives
// the orchestrator loop, supervises subagents, and is the single writer
// to its document store.
type Session struct {
	id     string
	stores *store.Stores
	events bus.EventPublisher

	graphMu sync.Mutex
	graph   *taskgraph.Graph

	docs     *docstore.Store
	registry *tools.Registry
	loop     *agent.Loop
	subs     *subagent.Manager // nil when delegation is disabled

	jobs chan *turnJob

	mu      sync.Mutex
	status  string
	current *turnState

	stop context.CancelFunc
	done chan struct{}
}

func newSession(parent context.Context, id string, graph *taskgraph.Graph, docs *docstore.Store, opts Options) *Session {
	s := &Session{
		id:       id,
		stores:   opts.Stores,
		events:   opts.Events,
		graph:    graph,
		docs:     docs,
		registry: tools.NewRegistry(),
		jobs:     make(chan *turnJob, opts.QueueSize),
		status:   StatusIdle,
		done:     make(chan struct{}),
	}

	if opts.BuildTools != nil {
		for _, t := range opts.BuildTools(docs) {
			s.registry.Register(t)
		}
	}

	if opts.SubagentsEnabled {
		s.subs = subagent.NewManager(subagent.Config{
			SessionID:         id,
			Provider:          opts.Provider,
			Model:             opts.Model,
			Rows:              opts.Stores.Subagents,
			Events:            opts.Events,
			Tokens:            opts.Tokens,
			RPCBase:           opts.RPCBase,
			OnResult:          s.applyResult,
			MaxExecutionTime:  opts.SubagentMaxExecutionTime,
			InitialCheckDelay: opts.SubagentInitialCheckDelay,
			CheckInterval:     opts.SubagentCheckInterval,
			MaxCheckAttempts:  opts.SubagentMaxCheckAttempts,
			MaxSteps:          opts.SubagentMaxSteps,
		})
		svc := &subagentService{s: s}
		s.registry.Register(tools.NewDelegateTool(svc))
		s.registry.Register(tools.NewCheckSubagentTool(svc))
		s.registry.Register(tools.NewWaitSubagentsTool(svc))
	}

	s.loop = agent.New(agent.Config{
		SessionID: id,
		Provider:  opts.Provider,
		Model:     opts.Model,
		Registry:  s.registry,
		Graph:     graph,
		GraphMu:   &s.graphMu,
		Stores:    opts.Stores,
		Events:    opts.Events,
		SystemPrompt: agent.SystemPrompt(agent.PromptParams{
			SessionID:        id,
			SubagentsEnabled: opts.SubagentsEnabled,
			MaxSubtasks:      taskgraph.MaxSubtasks,
			MaxToolRounds:    opts.MaxToolRounds,
		}),
		MaxToolRounds:      opts.MaxToolRounds,
		MaxContextMessages: opts.MaxContextMessages,
		HeartbeatInterval:  opts.HeartbeatInterval,
	})

	ctx, cancel := context.WithCancel(parent)
	s.stop = cancel
	go s.actorLoop(ctx)
	return s
}

func (s *Session) ID() string { return s.id }

// Snapshot reports the session's externally visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return Snapshot{SessionID: s.id, Status: status, CodeVersion: s.docs.Version()}
}

// Chat submits one user message and blocks until its turn finishes.
// While a turn is running the message waits in the queue; a full queue
// returns ErrBusy immediately.
func (s *Session) Chat(ctx context.Context, message string, stream bool) (*agent.TurnResult, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return nil, errors.New("empty message")
	}

	job := &turnJob{
		req: agent.TurnRequest{
			TurnID:  uuid.NewString(),
			Message: msg,
			Attempt: 1,
			Stream:  stream,
		},
		reply: make(chan turnOutcome, 1),
	}
	select {
	case s.jobs <- job:
	default:
		return nil, ErrBusy
	}

	select {
	case out := <-job.reply:
		return out.result, out.err
	case <-ctx.Done():
		// The turn keeps running; its responses land in history.
		return nil, ctx.Err()
	}
}

// submitRecovered queues a recovered turn, waiting for a free slot
// rather than rejecting: re-delivery must not be dropped.
func (s *Session) submitRecovered(ctx context.Context, req agent.TurnRequest) (*turnJob, error) {
	job := &turnJob{req: req, reply: make(chan turnOutcome, 1)}
	select {
	case s.jobs <- job:
		return job, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) actorLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flushQueue(ErrClosed)
			return
		case job := <-s.jobs:
			s.runJob(ctx, job)
		}
	}
}

func (s *Session) runJob(ctx context.Context, job *turnJob) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &turnState{turnID: job.req.TurnID, cancel: cancel}
	s.mu.Lock()
	s.status = StatusRunning
	s.current = st
	s.mu.Unlock()

	result, err := s.loop.Run(turnCtx, job.req)

	s.mu.Lock()
	userCancelled := st.cancelled
	s.current = nil
	s.status = StatusIdle
	s.mu.Unlock()

	if err != nil && turnCtx.Err() != nil && userCancelled {
		// Cancel() already settled the graph and the turn record.
		err = ErrCancelled
	}
	// Any other error leaves the root in_progress and the turn record
	// streaming, which is exactly what the orphan sweep looks for.

	job.reply <- turnOutcome{result: result, err: err}
}

// Cancel stops the running turn at its next await, aborts every live
// subagent, flips the active root and its in_progress descendants to
// cancelled, and flushes the message queue.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	st := s.current
	if st != nil {
		st.cancelled = true
	}
	s.mu.Unlock()

	// Drain the queue before releasing the actor so a queued message
	// cannot slip into execution behind the cancel.
	s.flushQueue(ErrCancelled)

	var aborted []string
	if s.subs != nil {
		aborted = s.subs.ActiveIDs()
		s.subs.AbortAll()
	}
	if st != nil {
		st.cancel()
	}

	s.cancelActiveTasks(ctx, aborted)

	if st != nil {
		if err := s.stores.Turns.SetTurnStatus(ctx, st.turnID, store.TurnCancelled); err != nil {
			slog.Warn("cancel turn record", "session", s.id, "turn", st.turnID, "error", err)
		}
	}
	slog.Info("session cancelled", "session", s.id, "aborted_subagents", len(aborted))
	return nil
}

func (s *Session) flushQueue(cause error) {
	for {
		select {
		case job := <-s.jobs:
			job.reply <- turnOutcome{err: cause}
		default:
			return
		}
	}
}

// cancelActiveTasks flips every in_progress root, its in_progress
// descendants, and the tasks of just-aborted subagents to cancelled.
// Aborted workers never deliver a result, so their tasks settle here.
func (s *Session) cancelActiveTasks(ctx context.Context, abortedTaskIDs []string) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	changed := make(map[string]*taskgraph.Task)
	flip := func(id string) {
		t, ripple := s.graph.Cancel(id)
		if t == nil {
			return
		}
		changed[t.ID] = t
		for _, r := range ripple {
			changed[r.ID] = r
		}
	}

	for _, rootID := range s.graph.RootIDs() {
		root := s.graph.Get(rootID)
		if root == nil || root.Status != taskgraph.StatusInProgress {
			continue
		}
		for _, d := range s.graph.Descendants(rootID) {
			if d.Status == taskgraph.StatusInProgress {
				flip(d.ID)
			}
		}
		flip(rootID)
	}
	for _, id := range abortedTaskIDs {
		flip(id)
	}

	if len(changed) == 0 {
		return
	}
	s.persistAndEmitLocked(ctx, changed)
}

// applyResult lands one subagent outcome on the graph as an atomic
// complete or fail. Called from worker goroutines; the graph lock makes
// arrival order the application order.
func (s *Session) applyResult(res subagent.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	t := s.graph.Get(res.TaskID)
	if t == nil {
		slog.Warn("subagent result for unknown task", "session", s.id, "task", res.TaskID)
		return
	}

	var done *taskgraph.Task
	var ripple []*taskgraph.Task
	if res.Success {
		done, ripple = s.graph.Complete(res.TaskID, taskgraph.ClampResult(res.Result))
	} else {
		done, ripple = s.graph.Fail(res.TaskID, res.Error)
	}
	if done == nil {
		slog.Warn("subagent result for settled task",
			"session", s.id, "task", res.TaskID, "status", t.Status)
		return
	}

	changed := map[string]*taskgraph.Task{done.ID: done}
	for _, r := range ripple {
		changed[r.ID] = r
	}
	s.persistAndEmitLocked(ctx, changed)
}

// persistAndEmitLocked saves a batch of mutated tasks and broadcasts one
// event per task, keyed by the status it ended up in. Caller holds the
// graph lock.
func (s *Session) persistAndEmitLocked(ctx context.Context, changed map[string]*taskgraph.Task) {
	batch := make([]*taskgraph.Task, 0, len(changed))
	for _, t := range changed {
		batch = append(batch, t)
	}
	if err := s.stores.Tasks.SaveTasks(ctx, s.id, batch); err != nil {
		slog.Warn("persist task batch", "session", s.id, "count", len(batch), "error", err)
	}
	for _, t := range batch {
		switch t.Status {
		case taskgraph.StatusComplete:
			s.emitTask(protocol.TaskEventCompleted, t)
		case taskgraph.StatusFailed:
			s.emitTask(protocol.TaskEventFailed, t)
		case taskgraph.StatusCancelled:
			s.emitTask(protocol.TaskEventCancelled, t)
		case taskgraph.StatusBlocked:
			s.emitTask(protocol.TaskEventBlocked, t)
		case taskgraph.StatusPending:
			s.emitTask(protocol.TaskEventUnblocked, t)
		}
	}
}

// failInterrupted marks the task of a subagent that a process restart
// interrupted.
func (s *Session) failInterrupted(ctx context.Context, row store.SubagentRow) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	done, ripple := s.graph.Fail(row.TaskID, "interrupted")
	if done == nil {
		// Never started, or already terminal: cancel covers the rest.
		done, ripple = s.graph.Cancel(row.TaskID)
	}
	if done == nil {
		return
	}
	changed := map[string]*taskgraph.Task{done.ID: done}
	for _, r := range ripple {
		changed[r.ID] = r
	}
	s.persistAndEmitLocked(ctx, changed)

	if s.events != nil {
		s.events.Broadcast(bus.Event{
			Name:      protocol.EventSubagent,
			SessionID: s.id,
			Payload: map[string]interface{}{
				"type":      protocol.SubagentEventInterrupted,
				"taskId":    row.TaskID,
				"facetName": row.FacetName,
			},
		})
	}
}

// Tasks returns a point-in-time copy of the graph: every task plus the
// root id set, ordered by creation.
func (s *Session) Tasks() ([]*taskgraph.Task, []string) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	all := s.graph.All()
	out := make([]*taskgraph.Task, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})

	roots := make([]string, 0)
	for _, t := range out {
		if t.IsRoot() {
			roots = append(roots, t.ID)
		}
	}
	return out, roots
}

// History returns the most recent chat messages, oldest first.
func (s *Session) History(ctx context.Context, limit int) ([]store.ChatMessage, error) {
	return s.stores.Chat.History(ctx, s.id, limit)
}

func (s *Session) ClearChat(ctx context.Context) error {
	return s.stores.Chat.Clear(ctx, s.id)
}

// Actions returns a slice of the action log.
func (s *Session) Actions(ctx context.Context, q store.ActionQuery) ([]actionlog.Entry, error) {
	return s.stores.Actions.List(ctx, s.id, q)
}

func (s *Session) ClearActions(ctx context.Context) error {
	return s.stores.Actions.Clear(ctx, s.id)
}

// Files lists the document store contents and its current version.
func (s *Session) Files() ([]docstore.Doc, int64) {
	return s.docs.List(), s.docs.Version()
}

func (s *Session) ReadFile(path string) (string, docstore.Doc, error) {
	return s.docs.Read(path)
}

func (s *Session) WriteFile(path, content string) (docstore.Doc, error) {
	return s.docs.Write(path, content)
}

// DeleteFile removes a document and returns the store version after the
// delete.
func (s *Session) DeleteFile(path string) (int64, error) {
	if err := s.docs.Delete(path); err != nil {
		return 0, err
	}
	return s.docs.Version(), nil
}

// Registry exposes the session's tool set. The RPC surface dispatches
// subagent calls through it.
func (s *Session) Registry() *tools.Registry { return s.registry }

// SubagentsEnabled reports whether delegation was configured on.
func (s *Session) SubagentsEnabled() bool { return s.subs != nil }

// ActiveSubagents counts workers that have not reached a terminal state.
func (s *Session) ActiveSubagents() int {
	if s.subs == nil {
		return 0
	}
	return s.subs.ActiveCount()
}

// SubagentStatuses lists every tracked worker.
func (s *Session) SubagentStatuses() []*tools.SubagentStatus {
	if s.subs == nil {
		return nil
	}
	views := s.subs.ListStatuses()
	out := make([]*tools.SubagentStatus, 0, len(views))
	for _, v := range views {
		out = append(out, toToolStatus(v))
	}
	return out
}

// SpawnSubagent delegates work to an isolated worker, outside of any
// chat turn. The HTTP spawn endpoint uses this.
func (s *Session) SpawnSubagent(ctx context.Context, title, description, extra string) (*tools.SubagentStatus, error) {
	svc := &subagentService{s: s}
	return svc.Delegate(ctx, title, description, extra)
}

// Close stops the actor. Running subagent workers are left to the
// process lifetime; a restart interrupts their rows.
func (s *Session) Close() {
	s.stop()
	<-s.done
}

func (s *Session) activeRootLocked() string {
	for _, id := range s.graph.RootIDs() {
		if t := s.graph.Get(id); t != nil && t.Status == taskgraph.StatusInProgress {
			return id
		}
	}
	return ""
}

func (s *Session) emitTask(subtype string, task *taskgraph.Task) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{
		Name:      protocol.EventTask,
		SessionID: s.id,
		Payload:   map[string]interface{}{"type": subtype, "task": task.Clone()},
	})
}

func defaultOptions(opts Options) Options {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 20
	}
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = 50
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return opts
}

func validateOptions(opts Options) error {
	if opts.Provider == nil {
		return errors.New("session options: provider is required")
	}
	if opts.Stores == nil {
		return errors.New("session options: stores are required")
	}
	if opts.DataDir == "" {
		return errors.New("session options: data dir is required")
	}
	if opts.SubagentsEnabled && opts.RPCBase == "" {
		return fmt.Errorf("session options: subagents enabled without an RPC base URL")
	}
	return nil
}
