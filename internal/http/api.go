// Package http serves the per-session REST surface and the scoped RPC
// endpoint that subagent workers call back into.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/taskloom/internal/actionlog"
	"github.com/nextlevelbuilder/taskloom/internal/docstore"
	"github.com/nextlevelbuilder/taskloom/internal/session"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// SessionsHandler exposes one session's state, chat, tasks, action log,
// files, and subagent supervision over REST. Sessions materialize on
// first touch; there is no create endpoint.
type SessionsHandler struct {
	mgr *session.Manager
}

func NewSessionsHandler(mgr *session.Manager) *SessionsHandler {
	return &SessionsHandler{mgr: mgr}
}

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions/{id}/state", h.handleState)
	mux.HandleFunc("POST /sessions/{id}/chat", h.handleChat)
	mux.HandleFunc("POST /sessions/{id}/chat/cancel", h.handleChatCancel)
	mux.HandleFunc("GET /sessions/{id}/chat/history", h.handleHistory)
	mux.HandleFunc("POST /sessions/{id}/chat/clear", h.handleChatClear)
	mux.HandleFunc("GET /sessions/{id}/tasks", h.handleTasks)
	mux.HandleFunc("GET /sessions/{id}/actions", h.handleActions)
	mux.HandleFunc("POST /sessions/{id}/actions/clear", h.handleActionsClear)
	mux.HandleFunc("GET /sessions/{id}/files", h.handleFiles)
	mux.HandleFunc("GET /sessions/{id}/file/{path...}", h.handleFileRead)
	mux.HandleFunc("PUT /sessions/{id}/file/{path...}", h.handleFileWrite)
	mux.HandleFunc("DELETE /sessions/{id}/file/{path...}", h.handleFileDelete)
	mux.HandleFunc("POST /sessions/{id}/subagents/spawn", h.handleSubagentSpawn)
	mux.HandleFunc("GET /sessions/{id}/subagents", h.handleSubagentList)
}

// session resolves the path's session id, creating the session on first
// use. A nil return means the error response was already written.
func (h *SessionsHandler) session(w http.ResponseWriter, r *http.Request) *session.Session {
	s, err := h.mgr.GetOrCreate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil
	}
	return s
}

func (h *SessionsHandler) handleState(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *SessionsHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}

	var req struct {
		Message string `json:"message"`
		Stream  bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	result, err := s.Chat(r.Context(), req.Message, req.Stream)
	switch {
	case errors.Is(err, session.ErrBusy):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, session.ErrCancelled), errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	responses := result.Responses
	if responses == nil {
		responses = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"responses": responses})
}

func (h *SessionsHandler) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	if err := s.Cancel(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *SessionsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	msgs, err := s.History(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":  msgs,
		"sessionId": s.ID(),
	})
}

func (h *SessionsHandler) handleChatClear(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	if err := s.ClearChat(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *SessionsHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	tasks, roots := s.Tasks()
	if tasks == nil {
		tasks = []*taskgraph.Task{}
	}
	if roots == nil {
		roots = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":     tasks,
		"rootTasks": roots,
	})
}

func (h *SessionsHandler) handleActions(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}

	q := store.ActionQuery{Tool: r.URL.Query().Get("tool")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a unix millisecond timestamp"})
			return
		}
		q.Since = n
	}

	entries, err := s.Actions(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []actionlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions":   entries,
		"sessionId": s.ID(),
		"count":     len(entries),
	})
}

func (h *SessionsHandler) handleActionsClear(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	if err := s.ClearActions(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *SessionsHandler) handleFiles(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	files, version := s.Files()
	if files == nil {
		files = []docstore.Doc{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files":   files,
		"version": version,
	})
}

func (h *SessionsHandler) handleFileRead(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	content, doc, err := s.ReadFile(r.PathValue("path"))
	if errors.Is(err, docstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    doc.Path,
		"content": content,
	})
}

func (h *SessionsHandler) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	doc, err := s.WriteFile(r.PathValue("path"), req.Content)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    doc.Path,
		"version": doc.Version,
	})
}

func (h *SessionsHandler) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	version, err := s.DeleteFile(r.PathValue("path"))
	if errors.Is(err, docstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"version": version,
	})
}

func (h *SessionsHandler) handleSubagentSpawn(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	if !s.SubagentsEnabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subagents disabled"})
		return
	}

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Context     string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Title == "" || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title and description are required"})
		return
	}

	status, err := s.SpawnSubagent(r.Context(), req.Title, req.Description, req.Context)
	if err != nil {
		var verr *taskgraph.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId":      status.TaskID,
		"facetName":   status.FacetName,
		"activeCount": s.ActiveSubagents(),
	})
}

func (h *SessionsHandler) handleSubagentList(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	if !s.SubagentsEnabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subagents disabled"})
		return
	}

	statuses := s.SubagentStatuses()
	if statuses == nil {
		statuses = []*tools.SubagentStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeCount": s.ActiveSubagents(),
		"subagents":   statuses,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
