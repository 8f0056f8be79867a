package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskloom/internal/docstore"
	"github.com/nextlevelbuilder/taskloom/internal/session"
	"github.com/nextlevelbuilder/taskloom/internal/subagent"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// grant scopes one RPC token to one spawn.
type grant struct {
	sessionID string
	taskID    string
}

// TokenStore mints per-spawn bearer tokens for the RPC surface. Tokens
// live only in memory: a process restart invalidates every outstanding
// worker, which the startup interruption sweep settles anyway.
type TokenStore struct {
	mu     sync.Mutex
	grants map[string]grant
}

var _ subagent.TokenIssuer = (*TokenStore)(nil)

func NewTokenStore() *TokenStore {
	return &TokenStore{grants: make(map[string]grant)}
}

func (s *TokenStore) Issue(sessionID, taskID string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.grants[token] = grant{sessionID: sessionID, taskID: taskID}
	s.mu.Unlock()
	return token
}

func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.grants, token)
	s.mu.Unlock()
}

func (s *TokenStore) lookup(token string) (grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[token]
	return g, ok
}

// RPCHandler is the child-to-parent capability surface. Each accepted
// call answers 200 with a JSON object; tool-level failures travel in
// the body under "error". Workers see these seven methods and nothing
// else: no task graph, no chat history, no action log.
type RPCHandler struct {
	mgr    *session.Manager
	tokens *TokenStore
}

func NewRPCHandler(mgr *session.Manager, tokens *TokenStore) *RPCHandler {
	return &RPCHandler{mgr: mgr, tokens: tokens}
}

func (h *RPCHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rpc/{method}", h.handleCall)
}

func (h *RPCHandler) handleCall(w http.ResponseWriter, r *http.Request) {
	g, ok := h.tokens.lookup(extractBearerToken(r))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	s := h.mgr.Get(g.sessionID)
	if s == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	params := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	switch method := r.PathValue("method"); method {
	case "readFile", "writeFile", "listFiles", "fetch", "webSearch":
		res := s.Registry().Execute(r.Context(), method, params)
		writeJSON(w, http.StatusOK, rpcResult(res))
	case "shellExec":
		// The parent's bash tool; extra keys like cwd/env pass through
		// and are ignored by the current implementation.
		res := s.Registry().Execute(r.Context(), "bash", params)
		writeJSON(w, http.StatusOK, rpcResult(res))
	case "deleteFile":
		h.handleDeleteFile(w, s, params)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown method: " + method})
	}
}

// handleDeleteFile has no parent tool behind it; the session's document
// store is hit directly. A missing file is a negative answer, not an
// error.
func (h *RPCHandler) handleDeleteFile(w http.ResponseWriter, s *session.Session, params map[string]interface{}) {
	path, _ := params["path"].(string)
	if path == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"error": "path is required"})
		return
	}
	version, err := s.DeleteFile(path)
	if errors.Is(err, docstore.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"deleted": false,
			"version": s.Snapshot().CodeVersion,
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"version": version,
	})
}

func rpcResult(res *tools.Result) map[string]interface{} {
	if res.Data != nil {
		return res.Data
	}
	if res.IsError {
		return map[string]interface{}{"error": res.ForLLM}
	}
	return map[string]interface{}{"output": res.ForLLM}
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
