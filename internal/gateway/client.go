package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxFrameSize = 512 * 1024

	// Outbound queue depth per client. A slow reader loses events
	// rather than stalling the broadcaster.
	sendQueueSize = 64
)

// Client is one WebSocket connection. Writes go through a buffered
// queue drained by a single writer goroutine; reads are dispatched to
// the method router.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte

	mu            sync.RWMutex
	sessionFilter string

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's identifier.
func (c *Client) ID() string { return c.id }

// SetSessionFilter limits pushed events to one session. An empty id
// clears the filter.
func (c *Client) SetSessionFilter(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionFilter = sessionID
}

// wantsSession reports whether events for the given session should be
// pushed to this client. Server-wide events (empty session id) always
// pass.
func (c *Client) wantsSession(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionFilter == "" || c.sessionFilter == sessionID
}

// SendEvent queues an event frame for delivery. Events are dropped when
// the client's queue is full.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event frame", "event", event.Event, "error", err)
		return
	}
	c.enqueue(data, true)
}

// SendResponse queues a response frame for delivery. Responses block
// briefly rather than drop: the peer is waiting on the request id.
func (c *Client) SendResponse(res *protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("marshal response frame", "id", res.ID, "error", err)
		return
	}
	c.enqueue(data, false)
}

func (c *Client) enqueue(data []byte, droppable bool) {
	if droppable {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			slog.Warn("client send queue full, dropping event", "client", c.id)
		}
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	case <-time.After(writeWait):
		slog.Warn("client send queue stalled, dropping response", "client", c.id)
	}
}

// Run drives the connection: a writer goroutine drains the send queue
// while this goroutine reads frames and dispatches requests. Returns
// when the peer disconnects or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "client", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, err.Error()))
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}

		if !c.server.rateLimiter.Allow(c.id) {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}

		// Dispatch off the read loop so a long-running method (a chat
		// turn) cannot block chat.abort on the same connection.
		go c.server.router.Dispatch(ctx, c, &req)
	}
}

// writePump drains the send queue onto the wire and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
