package protocol

// WebSocket event names pushed from server to client.
const (
	EventChat     = "chat"
	EventAgent    = "agent"
	EventTask     = "task"
	EventSubagent = "subagent"
	EventRecovery = "recovery"
	EventError    = "error"
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunCancelled = "run.cancelled"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)

// Task event subtypes (in payload.type)
const (
	TaskEventCreated     = "created"
	TaskEventStarted     = "started"
	TaskEventCompleted   = "completed"
	TaskEventFailed      = "failed"
	TaskEventCancelled   = "cancelled"
	TaskEventBlocked     = "blocked"
	TaskEventUnblocked   = "unblocked"
)

// Subagent event subtypes (in payload.type)
const (
	SubagentEventSpawned     = "spawned"
	SubagentEventCompleted   = "completed"
	SubagentEventFailed      = "failed"
	SubagentEventTimeout     = "timeout"
	SubagentEventInterrupted = "interrupted"
)

// Recovery event subtypes (in payload.type)
const (
	RecoveryEventRetried = "retried"
	RecoveryEventResumed = "resumed"
	RecoveryEventFailed  = "failed"
)
