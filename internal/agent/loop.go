package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/retry"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// Loop drives one session's orchestrator turns: root task per user
// message, LLM rounds with tool execution, action logging, heartbeats.
// The session actor serializes calls to Run. Graph access still takes
// the shared graph lock: parallel tool calls within a round, subagent
// result delivery, and HTTP reads all touch the graph concurrently.
type Loop struct {
	sessionID string
	provider  providers.Provider
	model     string
	registry  *tools.Registry
	graph     *taskgraph.Graph
	mu        *sync.Mutex
	stores    *store.Stores
	events    bus.EventPublisher

	systemPrompt       string
	maxToolRounds      int
	maxContextMessages int
	heartbeatInterval  time.Duration
}

type Config struct {
	SessionID string
	Provider  providers.Provider
	Model     string
	Registry  *tools.Registry
	Graph     *taskgraph.Graph
	// GraphMu serializes graph mutations and their paired persistence.
	// The owning session shares the same lock; nil gets a private one.
	GraphMu *sync.Mutex
	Stores  *store.Stores
	Events  bus.EventPublisher

	SystemPrompt       string
	MaxToolRounds      int           // default 20
	MaxContextMessages int           // default 50
	HeartbeatInterval  time.Duration // default 30s
}

func New(cfg Config) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 20
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 50
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}
	if cfg.GraphMu == nil {
		cfg.GraphMu = &sync.Mutex{}
	}
	return &Loop{
		sessionID:          cfg.SessionID,
		provider:           cfg.Provider,
		model:              cfg.Model,
		registry:           cfg.Registry,
		graph:              cfg.Graph,
		mu:                 cfg.GraphMu,
		stores:             cfg.Stores,
		events:             cfg.Events,
		systemPrompt:       cfg.SystemPrompt,
		maxToolRounds:      cfg.MaxToolRounds,
		maxContextMessages: cfg.MaxContextMessages,
		heartbeatInterval:  cfg.HeartbeatInterval,
	}
}

// TurnRequest is one user message to orchestrate. TurnID doubles as the
// persisted user message id so recovery can reload the message later.
// RootTaskID and Checkpoint are set only when recovery re-enqueues an
// orphaned turn; Attempt counts delivery attempts from 1.
type TurnRequest struct {
	TurnID     string
	Message    string
	RootTaskID string
	Checkpoint string
	Attempt    int
	Stream     bool
}

// TurnResult is the outcome of a finished turn. Responses holds every
// user-visible assistant message the turn produced, final answer last.
type TurnResult struct {
	TurnID     string           `json:"turnId"`
	RootTaskID string           `json:"rootTaskId"`
	Responses  []string         `json:"responses"`
	Rounds     int              `json:"rounds"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// Run executes one orchestrator turn to completion. On error the root
// task is left in_progress and the turn record streaming, so the orphan
// sweep can reclaim it; permanent upstream failures fail the root
// immediately instead.
func (l *Loop) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	tracer := otel.Tracer("taskloom/agent")
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", l.sessionID),
		attribute.String("turn.id", req.TurnID),
		attribute.Int("turn.attempt", req.Attempt),
	))
	defer span.End()

	l.emitAgent(protocol.AgentEventRunStarted, map[string]interface{}{"runId": req.TurnID})

	result, err := l.runTurn(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Cancellation: the actor settles task and turn states.
			return nil, err
		}
		l.events.Broadcast(bus.Event{
			Name:      protocol.EventError,
			SessionID: l.sessionID,
			Payload:   map[string]interface{}{"error": err.Error()},
		})
		l.emitAgent(protocol.AgentEventRunFailed, map[string]interface{}{
			"runId": req.TurnID,
			"error": err.Error(),
		})
		return nil, err
	}

	span.SetAttributes(attribute.Int("turn.rounds", result.Rounds))
	if result.Usage != nil {
		span.SetAttributes(attribute.Int("turn.tokens", result.Usage.TotalTokens))
	}
	l.emitAgent(protocol.AgentEventRunCompleted, map[string]interface{}{
		"runId":  req.TurnID,
		"rounds": result.Rounds,
	})
	return result, nil
}

func (l *Loop) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	now := time.Now().UnixMilli()

	// History is loaded before the new message lands, bounded to the
	// most recent window.
	history, err := l.stores.Chat.History(ctx, l.sessionID, l.maxContextMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	recovered := req.RootTaskID != ""
	startRound := 0

	var rootID string
	if recovered {
		rootID, err = l.resumeRoot(ctx, req)
		if err != nil {
			return nil, err
		}
		if _, round := DecodeCheckpoint(req.Checkpoint); round > 0 {
			// Rounds already spent count against the budget across
			// attempts.
			startRound = round
		}
	} else {
		if err := l.stores.Chat.AddMessage(ctx, store.ChatMessage{
			ID:        req.TurnID,
			SessionID: l.sessionID,
			Role:      "user",
			Content:   req.Message,
			Timestamp: now,
		}); err != nil {
			return nil, fmt.Errorf("persist user message: %w", err)
		}

		rootID, err = l.openRoot(ctx, req)
		if err != nil {
			return nil, err
		}

		if err := l.stores.Turns.CreateTurn(ctx, store.TurnRecord{
			ID:        req.TurnID,
			SessionID: l.sessionID,
			Status:    store.TurnStreaming,
			Attempt:   req.Attempt,
			TaskID:    rootID,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("create turn record: %w", err)
		}
	}

	hb := startHeartbeat(ctx, l.stores.Turns, req.TurnID, l.heartbeatInterval)
	defer hb.halt()
	hb.setCheckpoint(encodeCheckpoint(rootID, startRound))

	// Task tools exist only while a turn is active; register against
	// this turn's root and drop them on the way out.
	svc := &turnTaskService{loop: l, rootID: rootID}
	l.registry.Register(tools.NewCreateSubtaskTool(svc))
	l.registry.Register(tools.NewListTasksTool(svc))
	l.registry.Register(tools.NewCompleteTaskTool(svc))
	defer func() {
		l.registry.Unregister("createSubtask")
		l.registry.Unregister("listTasks")
		l.registry.Unregister("completeTask")
	}()

	messages := l.buildContext(history, req.Message, recovered)

	var (
		responses []string
		finalText string
		rounds    = startRound
		usage     providers.Usage
	)

	for rounds < l.maxToolRounds {
		rounds++
		slog.Debug("turn round",
			"session", l.sessionID, "turn", req.TurnID,
			"round", rounds, "messages", len(messages))

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    l.registry.ProviderDefs(),
			Model:    l.model,
			Options: map[string]interface{}{
				"max_tokens":  8192,
				"temperature": 0.7,
			},
		}

		var resp *providers.ChatResponse
		var callErr error
		if req.Stream {
			resp, callErr = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					l.emitChat(protocol.ChatEventChunk, map[string]interface{}{"content": chunk.Content})
				}
			})
		} else {
			resp, callErr = l.provider.Chat(ctx, chatReq)
		}
		if callErr != nil {
			if ctx.Err() != nil {
				return nil, callErr
			}
			if c := retry.Classify(callErr); c.Kind == retry.Permanent {
				// A permanent upstream failure will not improve on
				// retry: fail the root now instead of waiting out the
				// orphan sweep.
				l.failRoot(ctx, req.TurnID, rootID, fmt.Sprintf("llm error (%s): %v", c.Category, callErr))
			}
			return nil, fmt.Errorf("llm call failed (round %d): %w", rounds, callErr)
		}

		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Interim commentary alongside tool calls is user-visible.
		if strings.TrimSpace(resp.Content) != "" {
			if err := l.persistAssistant(ctx, resp.Content, resp.ToolCalls); err != nil {
				return nil, err
			}
			responses = append(responses, resp.Content)
		}

		toolMsgs, err := l.executeRound(ctx, req, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolMsgs...)

		hb.setCheckpoint(encodeCheckpoint(rootID, rounds))
	}

	if finalText == "" {
		finalText = "Stopped: tool round limit reached before a final answer. Progress so far is reflected in the task list and workspace files."
	}

	if err := l.persistAssistant(ctx, finalText, nil); err != nil {
		return nil, err
	}
	responses = append(responses, finalText)

	if err := l.closeRoot(ctx, rootID, finalText); err != nil {
		return nil, err
	}

	if err := l.stores.Turns.SetTurnStatus(ctx, req.TurnID, store.TurnComplete); err != nil {
		slog.Warn("turn status update failed", "turn", req.TurnID, "error", err)
	}

	return &TurnResult{
		TurnID:     req.TurnID,
		RootTaskID: rootID,
		Responses:  responses,
		Rounds:     rounds,
		Usage:      &usage,
	}, nil
}

// resumeRoot re-adopts the root task of a recovered turn, restarting it
// when a crash landed before the original start persisted.
func (l *Loop) resumeRoot(ctx context.Context, req TurnRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	root := l.graph.Get(req.RootTaskID)
	if root == nil {
		return "", fmt.Errorf("recover turn %s: root task %s not in graph", req.TurnID, req.RootTaskID)
	}
	if root.Status == taskgraph.StatusPending {
		if t := l.graph.Start(root.ID, l.sessionID); t != nil {
			if err := l.saveTasks(ctx, []*taskgraph.Task{t}); err != nil {
				return "", err
			}
		}
	}
	return root.ID, nil
}

// openRoot creates and starts the turn's root task.
func (l *Loop) openRoot(ctx context.Context, req TurnRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	root := l.graph.CreateTask(taskgraph.TaskInput{
		Type:  taskgraph.TypeCode,
		Title: turnTitle(req.Message),
	})
	if err := l.graph.AddTask(root); err != nil {
		return "", fmt.Errorf("create root task: %w", err)
	}
	if err := l.saveTasks(ctx, []*taskgraph.Task{root}); err != nil {
		return "", err
	}
	l.emitTask(protocol.TaskEventCreated, root)

	if t := l.graph.Start(root.ID, l.sessionID); t != nil {
		if err := l.saveTasks(ctx, []*taskgraph.Task{t}); err != nil {
			return "", err
		}
		l.emitTask(protocol.TaskEventStarted, t)
	}
	return root.ID, nil
}

// closeRoot completes the root after the final answer. A no-op when the
// root was cancelled or failed mid-turn.
func (l *Loop) closeRoot(ctx context.Context, rootID, finalText string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, unblocked := l.graph.Complete(rootID, turnResult(finalText))
	if t == nil {
		return nil
	}
	if err := l.saveTasks(ctx, append([]*taskgraph.Task{t}, unblocked...)); err != nil {
		return err
	}
	l.emitTask(protocol.TaskEventCompleted, t)
	for _, u := range unblocked {
		l.emitTask(protocol.TaskEventUnblocked, u)
	}
	return nil
}

// buildContext assembles the provider message list: system prompt,
// bounded history, current user message. Recovered turns find their
// message already in history, persisted by the first attempt.
func (l *Loop) buildContext(history []store.ChatMessage, message string, recovered bool) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+2)
	if l.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: l.systemPrompt})
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		// Past turns replay as plain text; their tool traffic lives in
		// the action log, not the provider context.
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	if !recovered {
		messages = append(messages, providers.Message{Role: "user", Content: message})
	}
	return messages
}

type roundResult struct {
	idx      int
	tc       providers.ToolCall
	result   *tools.Result
	duration time.Duration
}

// executeRound runs one round's tool calls: a single call inline,
// several in parallel. Results are re-ordered by call index so the
// conversation and the event stream stay deterministic.
func (l *Loop) executeRound(ctx context.Context, req TurnRequest, calls []providers.ToolCall) ([]providers.Message, error) {
	for _, tc := range calls {
		l.emitAgent(protocol.AgentEventToolCall, map[string]interface{}{
			"runId": req.TurnID,
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}

	collected := make([]roundResult, 0, len(calls))
	if len(calls) == 1 {
		collected = append(collected, l.executeCall(ctx, 0, calls[0]))
	} else {
		resultCh := make(chan roundResult, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				resultCh <- l.executeCall(ctx, idx, tc)
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	msgs := make([]providers.Message, 0, len(collected))
	for _, r := range collected {
		errMsg := ""
		if r.result.Err != nil {
			errMsg = r.result.Err.Error()
		}
		entry := actionlog.NewEntry(l.sessionID, r.tc.Name, "execute", r.tc.Arguments, r.result.Data, r.duration, errMsg)
		entry.MessageID = req.TurnID
		if err := l.stores.Actions.Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("append action log: %w", err)
		}

		l.emitAgent(protocol.AgentEventToolResult, map[string]interface{}{
			"runId":   req.TurnID,
			"id":      r.tc.ID,
			"name":    r.tc.Name,
			"success": entry.Success,
			"summary": entry.OutputSummary,
		})

		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    r.result.ForLLM,
			ToolCallID: r.tc.ID,
		})
	}
	return msgs, nil
}

func (l *Loop) executeCall(ctx context.Context, idx int, tc providers.ToolCall) roundResult {
	start := time.Now()
	result := l.registry.Execute(ctx, tc.Name, tc.Arguments)
	return roundResult{idx: idx, tc: tc, result: result, duration: time.Since(start)}
}

func (l *Loop) persistAssistant(ctx context.Context, content string, calls []providers.ToolCall) error {
	var rawCalls json.RawMessage
	if len(calls) > 0 {
		if b, err := json.Marshal(calls); err == nil {
			rawCalls = b
		}
	}
	if err := l.stores.Chat.AddMessage(ctx, store.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: l.sessionID,
		Role:      "assistant",
		Content:   content,
		ToolCalls: rawCalls,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	l.emitChat(protocol.ChatEventMessage, map[string]interface{}{
		"role":    "assistant",
		"content": content,
	})
	return nil
}

func (l *Loop) failRoot(ctx context.Context, turnID, rootID, errMsg string) {
	l.mu.Lock()
	if t, unblocked := l.graph.Fail(rootID, errMsg); t != nil {
		if err := l.saveTasks(ctx, append([]*taskgraph.Task{t}, unblocked...)); err != nil {
			slog.Warn("persist failed root", "task", rootID, "error", err)
		}
		l.emitTask(protocol.TaskEventFailed, t)
	}
	l.mu.Unlock()

	if err := l.stores.Turns.SetTurnStatus(ctx, turnID, store.TurnError); err != nil {
		slog.Warn("turn status update failed", "turn", turnID, "error", err)
	}
}

func (l *Loop) saveTasks(ctx context.Context, tasks []*taskgraph.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := l.stores.Tasks.SaveTasks(ctx, l.sessionID, tasks); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}

func (l *Loop) emitAgent(subtype string, payload map[string]interface{}) {
	if l.events == nil {
		return
	}
	payload["type"] = subtype
	l.events.Broadcast(bus.Event{Name: protocol.EventAgent, SessionID: l.sessionID, Payload: payload})
}

func (l *Loop) emitChat(subtype string, payload map[string]interface{}) {
	if l.events == nil {
		return
	}
	payload["type"] = subtype
	l.events.Broadcast(bus.Event{Name: protocol.EventChat, SessionID: l.sessionID, Payload: payload})
}

func (l *Loop) emitTask(subtype string, task *taskgraph.Task) {
	if l.events == nil {
		return
	}
	// Clone: subscribers marshal the payload after the lock is released.
	l.events.Broadcast(bus.Event{
		Name:      protocol.EventTask,
		SessionID: l.sessionID,
		Payload:   map[string]interface{}{"type": subtype, "task": task.Clone()},
	})
}
