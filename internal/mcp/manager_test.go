package mcp

import (
	"context"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

func boolPtr(b bool) *bool { return &b }

// addServer registers bridges for the given original tool names and
// installs a serverState, skipping the network entirely.
func addServer(m *Manager, server, prefix string, origNames ...string) *serverState {
	ss := &serverState{name: server, transport: "stdio", timeoutSec: 30}
	ss.connected.Store(true)
	for _, orig := range origNames {
		bt := NewBridgeTool(server, mcpgo.Tool{Name: orig}, nil, prefix, 30, &ss.connected)
		m.registry.Register(bt)
		ss.toolNames = append(ss.toolNames, bt.Name())
	}
	m.servers[server] = ss
	return ss
}

func TestStartWithNoConfigs(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if got := m.ServerStatus(); len(got) != 0 {
		t.Errorf("ServerStatus() = %v, want empty", got)
	}
}

func TestStartSkipsDisabledAndCollectsFailures(t *testing.T) {
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"off":    {Transport: "stdio", Command: "nope", Enabled: boolPtr(false)},
		"broken": {Transport: "carrier-pigeon"},
	})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start() = nil, want connect failure")
	}
	if !strings.Contains(err.Error(), "broken") || !strings.Contains(err.Error(), "unsupported transport") {
		t.Errorf("Start() error = %v", err)
	}
	if strings.Contains(err.Error(), "off") {
		t.Errorf("disabled server was attempted: %v", err)
	}
	if got := m.ServerStatus(); len(got) != 0 {
		t.Errorf("ServerStatus() = %v, want empty", got)
	}
}

func TestToolsReturnsStableOrder(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	addServer(m, "zeta", "", "zip")
	addServer(m, "alpha", "", "ant", "bee")

	names := m.ToolNames()
	want := []string{"ant", "bee", "zip"}
	if len(names) != len(want) {
		t.Fatalf("ToolNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ToolNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	ts := m.Tools()
	if len(ts) != 3 {
		t.Fatalf("Tools() len = %d, want 3", len(ts))
	}
	if ts[0].Name() != "ant" || ts[2].Name() != "zip" {
		t.Errorf("Tools() order = [%s %s %s]", ts[0].Name(), ts[1].Name(), ts[2].Name())
	}
}

func TestFilterToolsAllowDeny(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	addServer(m, "srv", "gh_", "read", "write", "admin")

	m.filterTools("srv", []string{"read", "write"}, []string{"write"})

	if _, ok := m.registry.Get("gh_read"); !ok {
		t.Error("gh_read was dropped, want kept")
	}
	for _, name := range []string{"gh_write", "gh_admin"} {
		if _, ok := m.registry.Get(name); ok {
			t.Errorf("%s still registered, want dropped", name)
		}
	}
	kept := m.servers["srv"].toolNames
	if len(kept) != 1 || kept[0] != "gh_read" {
		t.Errorf("toolNames after filter = %v, want [gh_read]", kept)
	}
}

func TestFilterToolsDenyOnly(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	addServer(m, "srv", "", "search", "delete")

	m.filterTools("srv", nil, []string{"delete"})

	if _, ok := m.registry.Get("search"); !ok {
		t.Error("search was dropped, want kept")
	}
	if _, ok := m.registry.Get("delete"); ok {
		t.Error("delete still registered, want dropped")
	}
}

func TestStopUnregistersEverything(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	ss := addServer(m, "srv", "", "one", "two")
	cancelled := false
	ss.cancel = func() { cancelled = true }

	m.Stop()

	if !cancelled {
		t.Error("health loop not cancelled")
	}
	for _, name := range []string{"one", "two"} {
		if _, ok := m.registry.Get(name); ok {
			t.Errorf("%s still registered after Stop", name)
		}
	}
	if got := m.ServerStatus(); len(got) != 0 {
		t.Errorf("ServerStatus() after Stop = %v, want empty", got)
	}
}

func TestServerStatusSorted(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil)
	addServer(m, "web", "", "fetch")
	ss := addServer(m, "db", "", "query", "exec")
	ss.connected.Store(false)
	ss.lastErr = "connection reset"

	statuses := m.ServerStatus()
	if len(statuses) != 2 {
		t.Fatalf("ServerStatus() len = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "db" || statuses[1].Name != "web" {
		t.Errorf("status order = [%s %s], want [db web]", statuses[0].Name, statuses[1].Name)
	}
	if statuses[0].Connected || statuses[0].Error != "connection reset" {
		t.Errorf("db status = %+v", statuses[0])
	}
	if statuses[0].ToolCount != 2 || statuses[1].ToolCount != 1 {
		t.Errorf("tool counts = %d, %d", statuses[0].ToolCount, statuses[1].ToolCount)
	}
	if !statuses[1].Connected {
		t.Error("web status not connected")
	}
}

func TestCreateClientRejectsUnknownTransport(t *testing.T) {
	if _, err := createClient("telepathy", "", nil, nil, "", nil); err == nil {
		t.Fatal("createClient(telepathy) = nil error")
	}
}
