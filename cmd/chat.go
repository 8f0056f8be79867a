package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		sessionID string
		message   string
		noStream  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the orchestrator interactively or send a one-shot message",
		Long: `Chat with the orchestrator via the running daemon.

Examples:
  taskloom chat                          # Interactive REPL
  taskloom chat -s my-project            # Continue a session
  taskloom chat -m "Refactor the parser" # One-shot message`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionID, message, !noStream)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "session id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for complete responses instead of streaming chunks")

	return cmd
}

func runChat(sessionID, message string, stream bool) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	conn, err := dialGateway(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway connect failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is the daemon running? Start it with: taskloom serve")
		os.Exit(1)
	}
	defer conn.Close()

	if err := wsConnect(conn); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway handshake failed: %v\n", err)
		os.Exit(1)
	}
	if err := wsSubscribe(conn, sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Subscribe failed: %v\n", err)
		os.Exit(1)
	}

	if message != "" {
		responses, err := wsChatSend(conn, sessionID, message, stream)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResponses(responses, stream)
		return
	}

	fmt.Fprintf(os.Stderr, "Taskloom interactive chat (session: %s)\n", sessionID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionID = "cli-" + uuid.NewString()[:8]
			if err := wsSubscribe(conn, sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "Subscribe failed: %v\n\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionID)
			continue
		}

		responses, err := wsChatSend(conn, sessionID, input, stream)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		printResponses(responses, stream)
		fmt.Println()
	}
}

// dialGateway opens a WebSocket to the configured daemon, passing the
// gateway token as a bearer header.
func dialGateway(cfg *config.Config) (*websocket.Conn, error) {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	return conn, err
}

// printResponses skips the final text in streaming mode; the chunks
// already painted it.
func printResponses(responses []string, streamed bool) {
	if streamed {
		fmt.Println()
		return
	}
	for _, r := range responses {
		fmt.Println(r)
	}
}

// wsConnect performs the protocol handshake.
func wsConnect(conn *websocket.Conn) error {
	resp, err := wsCall(conn, protocol.MethodConnect, nil)
	if err != nil {
		return err
	}
	if proto, ok := resp["protocol"].(float64); ok && int(proto) != protocol.ProtocolVersion {
		return fmt.Errorf("protocol mismatch: daemon speaks %d, this client %d", int(proto), protocol.ProtocolVersion)
	}
	return nil
}

// wsSubscribe filters pushed events to one session.
func wsSubscribe(conn *websocket.Conn, sessionID string) error {
	_, err := wsCall(conn, protocol.MethodSubscribe, map[string]interface{}{"sessionId": sessionID})
	return err
}

// wsCall sends one request and waits for its response, ignoring
// interleaved events.
func wsCall(conn *websocket.Conn, method string, params map[string]interface{}) (map[string]interface{}, error) {
	reqID := uuid.NewString()[:8]
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: method,
		Params: raw,
	}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		_, rawMsg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		frameType, _ := protocol.ParseFrameType(rawMsg)
		if frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(rawMsg, &resp); err != nil || resp.ID != reqID {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s rejected: %s", method, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s rejected", method)
		}
		payload, _ := resp.Payload.(map[string]interface{})
		return payload, nil
	}
}

// wsChatSend sends a chat.send request and waits for the response,
// rendering pushed events (chunks, tool calls, task transitions) while
// the turn runs.
func wsChatSend(conn *websocket.Conn, sessionID, message string, stream bool) ([]string, error) {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"message":   message,
		"stream":    stream,
	})

	if err := conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}); err != nil {
		return nil, fmt.Errorf("send chat: %w", err)
	}

	for {
		_, rawMsg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(rawMsg)
		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(rawMsg, &resp); err != nil {
				continue
			}
			if resp.ID != reqID {
				continue
			}
			if !resp.OK {
				if resp.Error != nil {
					return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
				}
				return nil, fmt.Errorf("chat failed")
			}
			var responses []string
			if payload, ok := resp.Payload.(map[string]interface{}); ok {
				if list, ok := payload["responses"].([]interface{}); ok {
					for _, item := range list {
						if s, ok := item.(string); ok {
							responses = append(responses, s)
						}
					}
				}
			}
			return responses, nil

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(rawMsg, &evt); err != nil {
				continue
			}
			renderChatEvent(evt)
		}
	}
}

// termWidth bounds tool and task status lines so a giant argument blob
// never wraps the terminal.
const termWidth = 100

func statusLine(text string) string {
	return runewidth.Truncate(text, termWidth, "…")
}

// renderChatEvent paints one pushed event during an in-flight turn.
func renderChatEvent(evt protocol.EventFrame) {
	payload, ok := evt.Payload.(map[string]interface{})
	if !ok {
		return
	}
	subtype, _ := payload["type"].(string)

	switch evt.Event {
	case protocol.EventChat:
		if subtype == protocol.ChatEventChunk {
			if content, ok := payload["content"].(string); ok {
				fmt.Print(content)
			}
		}

	case protocol.EventAgent:
		name, _ := payload["name"].(string)
		switch subtype {
		case protocol.AgentEventToolCall:
			detail := ""
			if input, err := json.Marshal(payload["input"]); err == nil && len(input) > 2 {
				detail = " " + string(input)
			}
			fmt.Fprintln(os.Stderr, statusLine(fmt.Sprintf("  [tool] %s%s", name, detail)))
		case protocol.AgentEventToolResult:
			if success, _ := payload["success"].(bool); !success {
				summary, _ := payload["summary"].(string)
				fmt.Fprintln(os.Stderr, statusLine(fmt.Sprintf("  [tool] %s -> error: %s", name, summary)))
			}
		}

	case protocol.EventTask:
		task, _ := payload["task"].(map[string]interface{})
		title, _ := task["title"].(string)
		switch subtype {
		case protocol.TaskEventCreated, protocol.TaskEventCompleted, protocol.TaskEventFailed:
			fmt.Fprintln(os.Stderr, statusLine(fmt.Sprintf("  [task] %s: %s", subtype, title)))
		}

	case protocol.EventSubagent:
		taskID, _ := payload["taskId"].(string)
		fmt.Fprintln(os.Stderr, statusLine(fmt.Sprintf("  [subagent] %s: task %s", subtype, taskID)))
	}
}
