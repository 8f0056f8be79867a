package subagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCallPostsMethodWithAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"hello"}`))
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, "tok-123")
	out, err := c.Call(context.Background(), "readFile", map[string]interface{}{"path": "a.txt"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotPath != "/rpc/readFile" {
		t.Errorf("path = %q, want /rpc/readFile", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["path"] != "a.txt" {
		t.Errorf("body = %v", gotBody)
	}
	if out["content"] != "hello" {
		t.Errorf("out = %v", out)
	}
}

func TestCallNilParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.TrimSpace(string(body)) != "{}" {
			t.Errorf("body = %q, want {}", body)
		}
		w.Write([]byte(`{"files":[]}`))
	}))
	defer srv.Close()

	if _, err := NewRPCClient(srv.URL, "t").Call(context.Background(), "listFiles", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCallNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid rpc token", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL, "bad").Call(context.Background(), "listFiles", nil)
	if err == nil {
		t.Fatal("Call succeeded, want error")
	}
	if !strings.Contains(err.Error(), "status 403") || !strings.Contains(err.Error(), "invalid rpc token") {
		t.Errorf("error = %v", err)
	}
}

func TestCallUndecodableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL, "t").Call(context.Background(), "listFiles", nil)
	if err == nil || !strings.Contains(err.Error(), "decode response") {
		t.Errorf("error = %v", err)
	}
}

func TestRPCRegistryExposesExactlySevenMethods(t *testing.T) {
	reg := NewRPCRegistry(NewRPCClient("http://127.0.0.1:0", "t"))
	want := []string{"readFile", "writeFile", "deleteFile", "listFiles", "shellExec", "fetch", "webSearch"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("tool names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRPCToolWrapsErrorKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"file not found: ghost.txt"}`))
	}))
	defer srv.Close()

	reg := NewRPCRegistry(NewRPCClient(srv.URL, "t"))
	res := reg.Execute(context.Background(), "readFile", map[string]interface{}{"path": "ghost.txt"})
	if !res.IsError {
		t.Fatal("result not marked error")
	}
	if res.Data["error"] != "file not found: ghost.txt" {
		t.Errorf("error = %v", res.Data["error"])
	}
}

func TestRPCToolTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	reg := NewRPCRegistry(NewRPCClient(srv.URL, "t"))
	res := reg.Execute(context.Background(), "listFiles", nil)
	if !res.IsError {
		t.Fatal("result not marked error")
	}
	if res.Err == nil {
		t.Error("transport failure should set the internal error")
	}
}
