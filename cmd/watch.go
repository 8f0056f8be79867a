package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var (
		sessionID string
		rawJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the daemon's event stream",
		Long: `Stream task, agent, subagent, and recovery events from the running
daemon to the terminal. Chat chunks are omitted unless --json is set.`,
		Run: func(cmd *cobra.Command, args []string) {
			runWatch(sessionID, rawJSON)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only show events for this session (default: all)")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw event frames")

	return cmd
}

func runWatch(sessionID string, rawJSON bool) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway connect failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is the daemon running? Start it with: taskloom serve")
		os.Exit(1)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := watchHandshake(ctx, conn, sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Handshake failed: %v\n", err)
		os.Exit(1)
	}

	if sessionID != "" {
		fmt.Fprintf(os.Stderr, "Watching events for session %s (Ctrl-C to stop)\n", sessionID)
	} else {
		fmt.Fprintln(os.Stderr, "Watching all events (Ctrl-C to stop)")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "Connection closed: %v\n", err)
			os.Exit(1)
		}

		frameType, _ := protocol.ParseFrameType(data)
		if frameType != protocol.FrameTypeEvent {
			continue
		}

		if rawJSON {
			fmt.Println(string(data))
			continue
		}

		var evt protocol.EventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if line := formatWatchLine(evt); line != "" {
			fmt.Println(line)
		}
	}
}

// watchHandshake sends connect and the optional session subscription,
// draining responses as they come back.
func watchHandshake(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	writeReq := func(id, method string, params map[string]interface{}) error {
		var raw json.RawMessage
		if params != nil {
			raw, _ = json.Marshal(params)
		}
		data, _ := json.Marshal(protocol.RequestFrame{
			Type:   protocol.FrameTypeRequest,
			ID:     id,
			Method: method,
			Params: raw,
		})
		return conn.Write(ctx, websocket.MessageText, data)
	}

	if err := writeReq("connect-1", protocol.MethodConnect, nil); err != nil {
		return err
	}
	want := 1
	if sessionID != "" {
		if err := writeReq("subscribe-1", protocol.MethodSubscribe, map[string]interface{}{"sessionId": sessionID}); err != nil {
			return err
		}
		want = 2
	}

	for seen := 0; seen < want; {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frameType, _ := protocol.ParseFrameType(data)
		if frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("handshake rejected")
		}
		seen++
	}
	return nil
}

// formatWatchLine renders one event frame as a log line, or "" for
// frames the tail suppresses (chat chunks).
func formatWatchLine(evt protocol.EventFrame) string {
	payload, _ := evt.Payload.(map[string]interface{})
	subtype, _ := payload["type"].(string)

	if evt.Event == protocol.EventChat && subtype == protocol.ChatEventChunk {
		return ""
	}

	label := evt.Event
	if subtype != "" {
		label = evt.Event + "." + subtype
	}

	detail := ""
	switch evt.Event {
	case protocol.EventTask:
		if task, ok := payload["task"].(map[string]interface{}); ok {
			id, _ := task["id"].(string)
			title, _ := task["title"].(string)
			detail = fmt.Sprintf("%s %q", id, title)
		}
	case protocol.EventSubagent:
		taskID, _ := payload["taskId"].(string)
		facet, _ := payload["facetName"].(string)
		detail = fmt.Sprintf("task=%s facet=%s", taskID, facet)
	case protocol.EventAgent:
		if name, ok := payload["name"].(string); ok {
			detail = name
		} else if runID, ok := payload["runId"].(string); ok {
			detail = "run=" + runID
		}
	case protocol.EventRecovery:
		msgID, _ := payload["messageId"].(string)
		detail = "turn=" + msgID
		if attempt, ok := payload["attempt"].(float64); ok {
			detail += fmt.Sprintf(" attempt=%d", int(attempt))
		}
		if delay, ok := payload["delay"].(string); ok {
			detail += " delay=" + delay
		}
	case protocol.EventChat:
		if content, ok := payload["content"].(string); ok {
			detail = content
		}
	}

	line := fmt.Sprintf("%s  %-22s", time.Now().Format("15:04:05"), label)
	if evt.SessionID != "" {
		line += " session=" + evt.SessionID
	}
	if detail != "" {
		line += "  " + detail
	}
	return statusLine(line)
}
