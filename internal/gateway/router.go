package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/taskloom/internal/session"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// MethodHandler handles one WebSocket RPC method.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches request frames to registered method handlers.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter creates a router with the built-in methods registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]MethodHandler),
	}

	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	r.Register(protocol.MethodSubscribe, r.handleSubscribe)
	r.Register(protocol.MethodUnsubscribe, r.handleUnsubscribe)
	r.Register(protocol.MethodChatSend, r.handleChatSend)
	r.Register(protocol.MethodChatAbort, r.handleChatAbort)
	r.Register(protocol.MethodChatHistory, r.handleChatHistory)
	r.Register(protocol.MethodSessionsList, r.handleSessionsList)

	return r
}

// Register adds a method handler, replacing any existing one.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch routes a request frame to its handler.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method "+req.Method))
		return
	}
	h(ctx, client, req)
}

func (r *MethodRouter) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": client.ID(),
	}))
}

func (r *MethodRouter) handleHealth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"status": "ok",
	}))
}

func (r *MethodRouter) handleStatus(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"status":        "ok",
		"protocol":      protocol.ProtocolVersion,
		"sessions":      len(r.server.mgr.List()),
		"clients":       r.server.clientCount(),
		"uptimeSeconds": int(time.Since(r.server.started).Seconds()),
	}))
}

func (r *MethodRouter) handleSubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	client.SetSessionFilter(params.SessionID)
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"subscribed": params.SessionID,
	}))
}

func (r *MethodRouter) handleUnsubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SetSessionFilter("")
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"subscribed": "",
	}))
}

func (r *MethodRouter) handleChatSend(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
		Stream    bool   `json:"stream"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	if max := r.server.cfg.Gateway.MaxMessageChars; max > 0 && utf8.RuneCountInString(params.Message) > max {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message too long"))
		return
	}

	s, err := r.server.mgr.GetOrCreate(ctx, params.SessionID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	result, err := s.Chat(ctx, params.Message, params.Stream)
	switch {
	case errors.Is(err, session.ErrBusy):
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBusy, err.Error()))
		return
	case errors.Is(err, session.ErrCancelled), errors.Is(err, session.ErrClosed):
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrConflict, err.Error()))
		return
	case err != nil:
		slog.Error("chat.send", "session", params.SessionID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	responses := result.Responses
	if responses == nil {
		responses = []string{}
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"sessionId": s.ID(),
		"responses": responses,
	}))
}

func (r *MethodRouter) handleChatAbort(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	s := r.server.mgr.Get(params.SessionID)
	if s == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no such session"))
		return
	}
	if err := s.Cancel(ctx); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"success": true,
	}))
}

func (r *MethodRouter) handleChatHistory(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Limit < 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "limit must be non-negative"))
		return
	}

	s, err := r.server.mgr.GetOrCreate(ctx, params.SessionID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	msgs, err := s.History(ctx, params.Limit)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"sessionId": s.ID(),
		"messages":  msgs,
	}))
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	ids := r.server.mgr.List()
	if ids == nil {
		ids = []string{}
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"sessions": ids,
	}))
}
