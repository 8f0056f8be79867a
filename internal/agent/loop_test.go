package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

type scriptStep struct {
	resp *providers.ChatResponse
	err  error
}

func finalStep(text string) scriptStep {
	return scriptStep{resp: &providers.ChatResponse{Content: text, FinishReason: "stop"}}
}

func toolStep(content string, calls ...providers.ToolCall) scriptStep {
	return scriptStep{resp: &providers.ChatResponse{Content: content, ToolCalls: calls, FinishReason: "tool_calls"}}
}

// scriptedProvider replays a fixed sequence of responses. Calls past the
// end of the script repeat the last step.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []providers.ChatRequest
	delay    time.Duration
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	step := p.steps[len(p.steps)-1]
	if idx < len(p.steps) {
		step = p.steps[idx]
	}
	return step.resp, step.err
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, err
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type memChat struct {
	mu   sync.Mutex
	msgs []store.ChatMessage
}

func (s *memChat) AddMessage(ctx context.Context, msg store.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memChat) History(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ChatMessage
	for _, m := range s.msgs {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memChat) GetMessage(ctx context.Context, id string) (*store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			m := s.msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memChat) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []store.ChatMessage
	for _, m := range s.msgs {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	s.msgs = kept
	return nil
}

func (s *memChat) all() []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ChatMessage(nil), s.msgs...)
}

type memTasks struct {
	mu    sync.Mutex
	rows  map[string]*taskgraph.Task
	saves int
}

func newMemTasks() *memTasks { return &memTasks{rows: make(map[string]*taskgraph.Task)} }

func (s *memTasks) SaveTask(ctx context.Context, sessionID string, t *taskgraph.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.ID] = t.Clone()
	s.saves++
	return nil
}

func (s *memTasks) SaveTasks(ctx context.Context, sessionID string, tasks []*taskgraph.Task) error {
	for _, t := range tasks {
		if err := s.SaveTask(ctx, sessionID, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *memTasks) LoadTasks(ctx context.Context, sessionID string) ([]*taskgraph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskgraph.Task
	for _, t := range s.rows {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memTasks) DeleteTasks(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]*taskgraph.Task)
	return nil
}

func (s *memTasks) get(id string) *taskgraph.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

type memActions struct {
	mu      sync.Mutex
	entries []actionlog.Entry
}

func (s *memActions) Append(ctx context.Context, e actionlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memActions) List(ctx context.Context, sessionID string, q store.ActionQuery) ([]actionlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actionlog.Entry(nil), s.entries...), nil
}

func (s *memActions) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *memActions) all() []actionlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actionlog.Entry(nil), s.entries...)
}

type memTurns struct {
	mu    sync.Mutex
	rows  map[string]*store.TurnRecord
	beats int
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
	s.beats++
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

func (s *memTurns) beatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats
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

// ofType returns events matching name and, when subtype is non-empty,
// the payload's type field.
func (r *eventRecorder) ofType(name, subtype string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Name != name {
			continue
		}
		if subtype != "" {
			payload, ok := e.Payload.(map[string]interface{})
			if !ok || payload["type"] != subtype {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

type echoTool struct{}

func (e *echoTool) Name() string                        { return "echo" }
func (e *echoTool) Description() string                 { return "echoes text back" }
func (e *echoTool) Parameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if ms, ok := args["sleepMs"].(int); ok {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	text, _ := args["text"].(string)
	return tools.DataResult(map[string]interface{}{"echo": text})
}

type loopFixture struct {
	provider *scriptedProvider
	registry *tools.Registry
	graph    *taskgraph.Graph
	chat     *memChat
	tasks    *memTasks
	actions  *memActions
	turns    *memTurns
	events   *eventRecorder
	loop     *Loop
}

func newLoopFixture(t *testing.T, steps ...scriptStep) *loopFixture {
	t.Helper()
	f := &loopFixture{
		provider: &scriptedProvider{steps: steps},
		registry: tools.NewRegistry(),
		graph:    taskgraph.NewGraph(),
		chat:     &memChat{},
		tasks:    newMemTasks(),
		actions:  &memActions{},
		turns:    newMemTurns(),
		events:   &eventRecorder{},
	}
	f.loop = New(Config{
		SessionID: "sess-1",
		Provider:  f.provider,
		Registry:  f.registry,
		Graph:     f.graph,
		Stores: &store.Stores{
			Tasks:   f.tasks,
			Chat:    f.chat,
			Actions: f.actions,
			Turns:   f.turns,
		},
		Events:            f.events,
		SystemPrompt:      "you orchestrate coding work",
		HeartbeatInterval: 10 * time.Millisecond,
	})
	return f
}

func (f *loopFixture) rootTask(t *testing.T) *taskgraph.Task {
	t.Helper()
	roots := f.graph.RootIDs()
	if len(roots) != 1 {
		t.Fatalf("got %d root tasks, want 1", len(roots))
	}
	return f.graph.Get(roots[0])
}

func TestRunCompletesTextOnlyTurn(t *testing.T) {
	f := newLoopFixture(t, finalStep("All done."))

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "fix the login bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Responses) != 1 || res.Responses[0] != "All done." {
		t.Errorf("responses = %v, want [All done.]", res.Responses)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", res.Rounds)
	}

	root := f.graph.Get(res.RootTaskID)
	if root == nil {
		t.Fatal("root task not in graph")
	}
	if root.Type != taskgraph.TypeCode {
		t.Errorf("root type = %s, want code", root.Type)
	}
	if root.Title != "fix the login bug" {
		t.Errorf("root title = %q", root.Title)
	}
	if root.Status != taskgraph.StatusComplete {
		t.Errorf("root status = %s, want complete", root.Status)
	}
	if root.Result != "All done." {
		t.Errorf("root result = %q", root.Result)
	}
	if root.AssignedTo != "sess-1" {
		t.Errorf("root assignedTo = %q, want sess-1", root.AssignedTo)
	}

	msgs := f.chat.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d chat messages, want 2", len(msgs))
	}
	if msgs[0].ID != "turn-1" || msgs[0].Role != "user" || msgs[0].Content != "fix the login bug" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "All done." {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	rec, _ := f.turns.GetTurn(context.Background(), "turn-1")
	if rec == nil {
		t.Fatal("turn record missing")
	}
	if rec.Status != store.TurnComplete {
		t.Errorf("turn status = %s, want complete", rec.Status)
	}
	if rec.TaskID != root.ID {
		t.Errorf("turn taskId = %q, want %q", rec.TaskID, root.ID)
	}
	if rec.Attempt != 1 {
		t.Errorf("turn attempt = %d, want 1", rec.Attempt)
	}

	for _, want := range []struct{ name, subtype string }{
		{"agent", "run.started"},
		{"task", "created"},
		{"task", "started"},
		{"chat", "message"},
		{"task", "completed"},
		{"agent", "run.completed"},
	} {
		if got := len(f.events.ofType(want.name, want.subtype)); got != 1 {
			t.Errorf("%s/%s events = %d, want 1", want.name, want.subtype, got)
		}
	}

	req := f.provider.request(0)
	if len(req.Messages) != 2 {
		t.Fatalf("provider saw %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Errorf("message roles = %s, %s", req.Messages[0].Role, req.Messages[1].Role)
	}
}

func TestRunStreamsChunks(t *testing.T) {
	f := newLoopFixture(t, finalStep("streamed answer"))

	_, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "hello", Stream: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := f.events.ofType("chat", "chunk")
	if len(chunks) == 0 {
		t.Fatal("no chunk events")
	}
	payload := chunks[0].Payload.(map[string]interface{})
	if payload["content"] != "streamed answer" {
		t.Errorf("chunk content = %v", payload["content"])
	}
}

func TestRunTruncatesRootTitle(t *testing.T) {
	f := newLoopFixture(t, finalStep("ok"))
	long := strings.Repeat("a", 60)

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: long})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	root := f.graph.Get(res.RootTaskID)
	want := strings.Repeat("a", 47) + "…"
	if root.Title != want {
		t.Errorf("title = %q, want %q", root.Title, want)
	}
}

func TestRunExecutesToolRound(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("", providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}}),
		finalStep("done"))
	f.registry.Register(&echoTool{})

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "try the echo tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", res.Rounds)
	}

	entries := f.actions.all()
	if len(entries) != 1 {
		t.Fatalf("got %d action entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Tool != "echo" || e.Action != "execute" {
		t.Errorf("entry = %s/%s", e.Tool, e.Action)
	}
	if !e.Success {
		t.Error("entry not marked success")
	}
	if e.MessageID != "turn-1" {
		t.Errorf("entry messageId = %q, want turn-1", e.MessageID)
	}

	// Round two must carry the assistant tool call and the tool reply.
	second := f.provider.request(1)
	n := len(second.Messages)
	if n < 2 {
		t.Fatalf("second request has %d messages", n)
	}
	assistant, toolMsg := second.Messages[n-2], second.Messages[n-1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", assistant)
	}
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "hi") {
		t.Errorf("tool content = %q", toolMsg.Content)
	}

	if got := len(f.events.ofType("agent", "tool.call")); got != 1 {
		t.Errorf("tool.call events = %d, want 1", got)
	}
	results := f.events.ofType("agent", "tool.result")
	if len(results) != 1 {
		t.Fatalf("tool.result events = %d, want 1", len(results))
	}
	if payload := results[0].Payload.(map[string]interface{}); payload["success"] != true {
		t.Errorf("tool.result success = %v", payload["success"])
	}
}

func TestRunTaskToolsScopedToTurn(t *testing.T) {
	f := newLoopFixture(t, finalStep("ok"))
	f.registry.Register(&echoTool{})

	if _, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// During the turn the model saw echo plus the three task tools.
	req := f.provider.request(0)
	if len(req.Tools) != 4 {
		names := make([]string, 0, len(req.Tools))
		for _, d := range req.Tools {
			names = append(names, d.Function.Name)
		}
		t.Fatalf("turn tool set = %v, want 4 tools", names)
	}

	// After the turn they are gone again.
	for _, name := range f.registry.Names() {
		if name == "createSubtask" || name == "listTasks" || name == "completeTask" {
			t.Errorf("task tool %s still registered after turn", name)
		}
	}
}

func TestRunParallelToolCallsKeepOrder(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("",
			providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "one", "sleepMs": 50}},
			providers.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "two", "sleepMs": 10}},
			providers.ToolCall{ID: "c3", Name: "echo", Arguments: map[string]interface{}{"text": "three"}}),
		finalStep("done"))
	f.registry.Register(&echoTool{})

	_, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "fan out"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := f.actions.all()
	if len(entries) != 3 {
		t.Fatalf("got %d action entries, want 3", len(entries))
	}

	// Tool replies come back in call order even though c1 finished last.
	second := f.provider.request(1)
	var ids []string
	for _, m := range second.Messages {
		if m.Role == "tool" {
			ids = append(ids, m.ToolCallID)
		}
	}
	if len(ids) != 3 || ids[0] != "c1" || ids[1] != "c2" || ids[2] != "c3" {
		t.Errorf("tool reply order = %v, want [c1 c2 c3]", ids)
	}
}

func TestRunStopsAtRoundLimit(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("", providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "again"}}))
	f.registry.Register(&echoTool{})
	f.loop.maxToolRounds = 3

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rounds != 3 {
		t.Errorf("rounds = %d, want 3", res.Rounds)
	}
	if f.provider.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", f.provider.calls())
	}
	final := res.Responses[len(res.Responses)-1]
	if !strings.Contains(final, "tool round limit") {
		t.Errorf("final response = %q", final)
	}

	root := f.rootTask(t)
	if root.Status != taskgraph.StatusComplete {
		t.Errorf("root status = %s, want complete", root.Status)
	}
}

func TestRunPermanentErrorFailsRoot(t *testing.T) {
	f := newLoopFixture(t, scriptStep{err: errors.New("invalid api key")})

	_, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "hi"})
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if !strings.Contains(err.Error(), "llm call failed") {
		t.Errorf("error = %v", err)
	}

	root := f.rootTask(t)
	if root.Status != taskgraph.StatusFailed {
		t.Errorf("root status = %s, want failed", root.Status)
	}
	if !strings.Contains(root.Error, "auth") {
		t.Errorf("root error = %q", root.Error)
	}

	rec, _ := f.turns.GetTurn(context.Background(), "turn-1")
	if rec.Status != store.TurnError {
		t.Errorf("turn status = %s, want error", rec.Status)
	}

	if got := len(f.events.ofType("error", "")); got != 1 {
		t.Errorf("error events = %d, want 1", got)
	}
	if got := len(f.events.ofType("agent", "run.failed")); got != 1 {
		t.Errorf("run.failed events = %d, want 1", got)
	}
}

func TestRunTransientErrorLeavesTurnClaimable(t *testing.T) {
	f := newLoopFixture(t, scriptStep{err: errors.New("connection reset by peer")})

	_, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "hi"})
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}

	// Root stays in_progress and the turn streaming so the orphan sweep
	// can pick it up once the heartbeat goes stale.
	root := f.rootTask(t)
	if root.Status != taskgraph.StatusInProgress {
		t.Errorf("root status = %s, want in_progress", root.Status)
	}
	rec, _ := f.turns.GetTurn(context.Background(), "turn-1")
	if rec.Status != store.TurnStreaming {
		t.Errorf("turn status = %s, want streaming", rec.Status)
	}
	if got := len(f.events.ofType("error", "")); got != 1 {
		t.Errorf("error events = %d, want 1", got)
	}
}

func TestRunRecoveredTurnResumesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, finalStep("picked up where we left off"))

	root := f.graph.CreateTask(taskgraph.TaskInput{Type: taskgraph.TypeCode, Title: "finish the job"})
	if err := f.graph.AddTask(root); err != nil {
		t.Fatal(err)
	}
	f.graph.Start(root.ID, "sess-1")
	f.chat.AddMessage(ctx, store.ChatMessage{ID: "turn-9", SessionID: "sess-1", Role: "user", Content: "finish the job", Timestamp: 1})
	f.turns.CreateTurn(ctx, store.TurnRecord{ID: "turn-9", SessionID: "sess-1", Status: store.TurnStreaming, Attempt: 2, TaskID: root.ID, CreatedAt: 1})

	res, err := f.loop.Run(ctx, TurnRequest{
		TurnID:     "turn-9",
		Message:    "finish the job",
		RootTaskID: root.ID,
		Checkpoint: encodeCheckpoint(root.ID, 5),
		Attempt:    2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Five rounds were spent before the crash; the resumed round is the
	// sixth.
	if res.Rounds != 6 {
		t.Errorf("rounds = %d, want 6", res.Rounds)
	}
	if res.RootTaskID != root.ID {
		t.Errorf("rootTaskId = %q, want %q", res.RootTaskID, root.ID)
	}

	msgs := f.chat.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d chat messages, want 2 (no duplicate user message)", len(msgs))
	}

	var userCount int
	for _, m := range f.provider.request(0).Messages {
		if m.Role == "user" {
			userCount++
		}
	}
	if userCount != 1 {
		t.Errorf("provider saw %d user messages, want 1", userCount)
	}

	got := f.graph.Get(root.ID)
	if got.Status != taskgraph.StatusComplete {
		t.Errorf("root status = %s, want complete", got.Status)
	}
	rec, _ := f.turns.GetTurn(ctx, "turn-9")
	if rec.Status != store.TurnComplete {
		t.Errorf("turn status = %s, want complete", rec.Status)
	}
}

func TestRunPersistsInterimCommentary(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("Let me check the file.", providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}}),
		finalStep("Found it."))
	f.registry.Register(&echoTool{})

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "look around"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Let me check the file.", "Found it."}
	if len(res.Responses) != 2 || res.Responses[0] != want[0] || res.Responses[1] != want[1] {
		t.Errorf("responses = %v, want %v", res.Responses, want)
	}

	msgs := f.chat.all()
	if len(msgs) != 3 {
		t.Fatalf("got %d chat messages, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) == 0 {
		t.Errorf("interim message should carry tool calls: %+v", msgs[1])
	}
	if got := len(f.events.ofType("chat", "message")); got != 2 {
		t.Errorf("chat message events = %d, want 2", got)
	}
}

func TestRunCreateSubtaskToolCreatesChild(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("", providers.ToolCall{ID: "c1", Name: "createSubtask", Arguments: map[string]interface{}{"title": "write tests"}}),
		finalStep("planned"))

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "plan the work"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.graph.Len() != 2 {
		t.Fatalf("graph has %d tasks, want 2", f.graph.Len())
	}
	var child *taskgraph.Task
	for _, task := range f.graph.All() {
		if task.ID != res.RootTaskID {
			child = task
		}
	}
	if child == nil {
		t.Fatal("subtask not found")
	}
	if child.ParentID != res.RootTaskID {
		t.Errorf("child parent = %q, want %q", child.ParentID, res.RootTaskID)
	}
	if child.Title != "write tests" {
		t.Errorf("child title = %q", child.Title)
	}
	if child.Status != taskgraph.StatusPending {
		t.Errorf("child status = %s, want pending", child.Status)
	}
	if f.tasks.get(child.ID) == nil {
		t.Error("subtask not persisted")
	}
	if got := len(f.events.ofType("task", "created")); got != 2 {
		t.Errorf("task created events = %d, want 2", got)
	}
}

func TestRunBoundsHistoryWindow(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t, finalStep("ok"))
	f.loop.maxContextMessages = 2
	for i, content := range []string{"one", "two", "three", "four", "five"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		f.chat.AddMessage(ctx, store.ChatMessage{ID: content, SessionID: "sess-1", Role: role, Content: content, Timestamp: int64(i)})
	}

	if _, err := f.loop.Run(ctx, TurnRequest{TurnID: "turn-1", Message: "six"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := f.provider.request(0)
	// system + two most recent history entries + the new message.
	if len(req.Messages) != 4 {
		t.Fatalf("provider saw %d messages, want 4", len(req.Messages))
	}
	if req.Messages[1].Content != "four" || req.Messages[2].Content != "five" {
		t.Errorf("history window = %q, %q", req.Messages[1].Content, req.Messages[2].Content)
	}
	if req.Messages[3].Content != "six" {
		t.Errorf("current message = %q", req.Messages[3].Content)
	}
}

func TestRunHeartbeatRecordsProgress(t *testing.T) {
	f := newLoopFixture(t,
		toolStep("", providers.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}}),
		finalStep("done"))
	f.registry.Register(&echoTool{})
	f.provider.delay = 50 * time.Millisecond

	res, err := f.loop.Run(context.Background(), TurnRequest{TurnID: "turn-1", Message: "work"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, _ := f.turns.GetTurn(context.Background(), "turn-1")
	if rec.HeartbeatAt == nil {
		t.Fatal("no heartbeat written")
	}
	rootID, round := DecodeCheckpoint(rec.Checkpoint)
	if rootID != res.RootTaskID {
		t.Errorf("checkpoint root = %q, want %q", rootID, res.RootTaskID)
	}
	if round < 1 {
		t.Errorf("checkpoint round = %d, want >= 1", round)
	}
	if f.turns.beatCount() < 2 {
		t.Errorf("beat count = %d, want >= 2", f.turns.beatCount())
	}
}

func TestBuildContextFiltersRoles(t *testing.T) {
	f := newLoopFixture(t, finalStep("ok"))
	history := []store.ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "tool", Content: "ignored"},
		{Role: "assistant", Content: "b"},
	}

	msgs := f.loop.buildContext(history, "new", false)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
}
