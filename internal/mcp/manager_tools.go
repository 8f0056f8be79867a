package mcp

import (
	"sort"

	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// ToolNames returns all bridged tool names, grouped by server in name
// order.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, name := range m.serverNames() {
		names = append(names, m.servers[name].toolNames...)
	}
	return names
}

// Tools returns the bridged tools so a session tool builder can add them
// to its registry. Order is stable across calls.
func (m *Manager) Tools() []tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tools.Tool
	for _, name := range m.serverNames() {
		for _, toolName := range m.servers[name].toolNames {
			if t, ok := m.registry.Get(toolName); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// serverNames must be called with m.mu held.
func (m *Manager) serverNames() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// filterTools drops registered tools that fall outside the server's
// allow/deny lists. Lists match the name the server declared, before any
// prefix.
func (m *Manager) filterTools(serverName string, allow, deny []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss, ok := m.servers[serverName]
	if !ok {
		return
	}

	allowSet := toSet(allow)
	denySet := toSet(deny)

	var kept []string
	for _, toolName := range ss.toolNames {
		t, ok := m.registry.Get(toolName)
		if !ok {
			continue
		}
		bridge, ok := t.(*BridgeTool)
		if !ok {
			kept = append(kept, toolName)
			continue
		}
		origName := bridge.OriginalName()

		// Deny wins over allow.
		if _, denied := denySet[origName]; denied {
			m.registry.Unregister(toolName)
			continue
		}

		if len(allowSet) > 0 {
			if _, allowed := allowSet[origName]; !allowed {
				m.registry.Unregister(toolName)
				continue
			}
		}

		kept = append(kept, toolName)
	}
	ss.toolNames = kept
}
