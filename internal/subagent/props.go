// Package subagent runs isolated child workers for delegated subtasks.
// A worker owns only its local state and reaches parent capabilities
// through a scoped RPC surface; the supervisor tracks every spawn in a
// durable row so supervision survives a process restart.
package subagent

import (
	"encoding/json"
	"fmt"
)

// Props is everything a worker is allowed to know. Captured at spawn
// time and persisted alongside the tracking row; no chat history and no
// sibling tasks ever cross this boundary.
type Props struct {
	TaskID          string `json:"taskId"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Context         string `json:"context,omitempty"`
	ParentSessionID string `json:"parentSessionId"`
	ParentID        string `json:"parentId,omitempty"`
}

func (p Props) encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeProps(s string) (Props, error) {
	var p Props
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Props{}, fmt.Errorf("decode subagent props: %w", err)
	}
	return p, nil
}
