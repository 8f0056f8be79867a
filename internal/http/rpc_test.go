package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

// workerToken materializes the session and mints a token the way a
// spawn does.
func (f *fixture) workerToken(sessionID string) string {
	f.t.Helper()
	if _, err := f.mgr.GetOrCreate(context.Background(), sessionID); err != nil {
		f.t.Fatalf("GetOrCreate(%s): %v", sessionID, err)
	}
	return f.tokens.Issue(sessionID, "task-under-test")
}

func (f *fixture) rpc(token, method string, params map[string]interface{}) (int, map[string]interface{}) {
	f.t.Helper()

	var body io.Reader
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			f.t.Fatalf("marshal params: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/rpc/"+method, body)
	if err != nil {
		f.t.Fatalf("build /rpc/%s: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		f.t.Fatalf("POST /rpc/%s: %v", method, err)
	}
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		f.t.Fatalf("decode /rpc/%s response: %v", method, err)
	}
	return resp.StatusCode, out
}

func TestRPCRejectsBadTokens(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, false)
	params := map[string]interface{}{"path": "notes.md"}

	if status, _ := f.rpc("", "readFile", params); status != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", status)
	}
	if status, _ := f.rpc("not-a-token", "readFile", params); status != http.StatusUnauthorized {
		t.Errorf("bogus token: status = %d, want 401", status)
	}

	tok := f.workerToken("sess-1")
	f.tokens.Revoke(tok)
	if status, _ := f.rpc(tok, "readFile", params); status != http.StatusUnauthorized {
		t.Errorf("revoked token: status = %d, want 401", status)
	}

	// A token whose session never materialized is just as dead.
	ghost := f.tokens.Issue("never-opened", "task-1")
	if status, _ := f.rpc(ghost, "readFile", params); status != http.StatusUnauthorized {
		t.Errorf("ghost session: status = %d, want 401", status)
	}
}

func TestRPCFileLifecycle(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, false)
	tok := f.workerToken("sess-1")

	status, body := f.rpc(tok, "writeFile", map[string]interface{}{
		"path":    "notes/plan.md",
		"content": "# plan\n",
	})
	if status != http.StatusOK {
		t.Fatalf("writeFile: status = %d, body = %v", status, body)
	}
	if body["success"] != true || body["path"] != "notes/plan.md" || body["version"] != float64(1) {
		t.Errorf("writeFile body = %v", body)
	}

	status, body = f.rpc(tok, "readFile", map[string]interface{}{"path": "notes/plan.md"})
	if status != http.StatusOK || body["content"] != "# plan\n" {
		t.Fatalf("readFile: status = %d, body = %v", status, body)
	}

	status, body = f.rpc(tok, "listFiles", map[string]interface{}{})
	if status != http.StatusOK {
		t.Fatalf("listFiles: status = %d", status)
	}
	files, ok := body["files"].([]interface{})
	if !ok || len(files) != 1 || files[0] != "notes/plan.md" {
		t.Errorf("files = %v", body["files"])
	}

	// The parent REST surface reads the same store.
	_, rest := f.call("GET", "/sessions/sess-1/files", nil)
	if restFiles, _ := rest["files"].([]interface{}); len(restFiles) != 1 {
		t.Errorf("REST files = %v", rest["files"])
	}

	status, body = f.rpc(tok, "deleteFile", map[string]interface{}{"path": "notes/plan.md"})
	if status != http.StatusOK || body["deleted"] != true {
		t.Fatalf("deleteFile: status = %d, body = %v", status, body)
	}

	status, body = f.rpc(tok, "deleteFile", map[string]interface{}{"path": "notes/plan.md"})
	if status != http.StatusOK || body["deleted"] != false {
		t.Errorf("second deleteFile: status = %d, body = %v", status, body)
	}
}

func TestRPCShellExec(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, false)
	tok := f.workerToken("sess-1")

	status, body := f.rpc(tok, "shellExec", map[string]interface{}{"command": "printf hi"})
	if status != http.StatusOK {
		t.Fatalf("shellExec: status = %d, body = %v", status, body)
	}
	if body["stdout"] != "hi" || body["stderr"] != "" || body["exitCode"] != float64(0) {
		t.Errorf("shellExec body = %v", body)
	}

	status, body = f.rpc(tok, "shellExec", map[string]interface{}{"command": "exit 3"})
	if status != http.StatusOK || body["exitCode"] != float64(3) {
		t.Errorf("non-zero exit: status = %d, body = %v", status, body)
	}

	status, body = f.rpc(tok, "shellExec", map[string]interface{}{"command": "sudo id"})
	if status != http.StatusOK {
		t.Fatalf("denied command: status = %d", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "denied") {
		t.Errorf("denied command body = %v", body)
	}
}

func TestRPCSurfaceIsClosed(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, false)
	tok := f.workerToken("sess-1")

	// Parent-only tools are not RPC methods, even when the registry
	// knows them.
	status, body := f.rpc(tok, "listTasks", nil)
	if status != http.StatusNotFound {
		t.Fatalf("listTasks: status = %d, want 404", status)
	}
	if msg, _ := body["error"].(string); msg != "unknown method: listTasks" {
		t.Errorf("listTasks body = %v", body)
	}

	if status, _ := f.rpc(tok, "chatHistory", nil); status != http.StatusNotFound {
		t.Errorf("chatHistory: status = %d, want 404", status)
	}

	// A legal method with no registered tool answers 200 with an
	// in-body error, like any tool-level failure.
	status, body = f.rpc(tok, "webSearch", map[string]interface{}{"query": "anything"})
	if status != http.StatusOK {
		t.Fatalf("webSearch: status = %d", status)
	}
	if msg, _ := body["error"].(string); msg != "unknown tool: webSearch" {
		t.Errorf("webSearch body = %v", body)
	}
}

func TestRPCMalformedParams(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, false)
	tok := f.workerToken("sess-1")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/rpc/readFile", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("truncated JSON: status = %d, want 400", resp.StatusCode)
	}

	// An empty body is an empty params object, and the tool reports the
	// missing argument itself.
	status, body := f.rpc(tok, "readFile", nil)
	if status != http.StatusOK {
		t.Fatalf("empty body: status = %d", status)
	}
	if msg, _ := body["error"].(string); msg != "path is required" {
		t.Errorf("empty body response = %v", body)
	}

	status, body = f.rpc(tok, "deleteFile", nil)
	if status != http.StatusOK {
		t.Fatalf("deleteFile no path: status = %d", status)
	}
	if msg, _ := body["error"].(string); msg != "path is required" {
		t.Errorf("deleteFile response = %v", body)
	}
}
