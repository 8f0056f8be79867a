package protocol

// RPC method name constants for the WebSocket surface. The HTTP surface
// under /sessions/{id} mirrors chat/tasks/actions/files as plain REST.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Event subscription (filter pushed events to one session)
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"

	// Sessions
	MethodSessionsList = "sessions.list"

	// Config (masked view + apply-with-restart-free-reload)
	MethodConfigGet   = "config.get"
	MethodConfigApply = "config.apply"
)
