package actionlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bounds keep the log stable regardless of tool output size.
const (
	maxInputLen   = 1000
	maxSummaryLen = 500
)

// Entry is one recorded tool invocation. Append-only; entries are never
// revised after recording.
type Entry struct {
	ID            string `json:"id"`
	SessionID     string `json:"sessionId"`
	Timestamp     int64  `json:"timestamp"`
	Tool          string `json:"tool"`
	Action        string `json:"action"`
	Input         string `json:"input"`
	OutputSummary string `json:"outputSummary"`
	DurationMs    int64  `json:"durationMs"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
}

// NewEntry builds an entry for a finished tool call. Input is JSON-encoded
// and truncated; the summary is derived from the structured output by tool
// name. Success means the output carried no error field and the call
// returned no error.
func NewEntry(sessionID, tool, action string, input interface{}, output map[string]interface{}, duration time.Duration, errMsg string) Entry {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		inputJSON = []byte(fmt.Sprintf("%v", input))
	}
	success := errMsg == ""
	if _, hasErr := output["error"]; hasErr {
		success = false
	}
	return Entry{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Timestamp:     time.Now().UnixMilli(),
		Tool:          tool,
		Action:        action,
		Input:         TruncateInput(string(inputJSON)),
		OutputSummary: Summarize(tool, output),
		DurationMs:    duration.Milliseconds(),
		Success:       success,
		Error:         errMsg,
	}
}

// TruncateInput bounds the stored input at 1000 chars, marking the cut with
// an ellipsis and the original length.
func TruncateInput(s string) string {
	if len(s) <= maxInputLen {
		return s
	}
	return fmt.Sprintf("%s… (%d chars)", s[:maxInputLen], len(s))
}

// Summarize renders a bounded, tool-keyed summary of a structured output.
// The shapes are stable: clients and tests match on them.
func Summarize(tool string, output map[string]interface{}) string {
	var s string
	switch tool {
	case "bash", "shell", "shellExec":
		s = fmt.Sprintf("exit=%d, stdout=%d chars, stderr=%d chars",
			intField(output, "exitCode"),
			len(strField(output, "stdout")),
			len(strField(output, "stderr")))
	case "readFile":
		content := strField(output, "content")
		lines := 0
		if content != "" {
			lines = strings.Count(content, "\n") + 1
		}
		s = fmt.Sprintf("%d lines, %d chars", lines, len(content))
	case "writeFile", "editFile", "deleteFile":
		s = "success"
	case "fetch":
		body := strField(output, "body")
		s = fmt.Sprintf("%d %s, %d bytes",
			intField(output, "status"),
			strField(output, "statusText"),
			len(body))
	case "webSearch", "newsSearch":
		n := 0
		if results, ok := output["results"].([]interface{}); ok {
			n = len(results)
		}
		s = fmt.Sprintf("%d results", n)
	case "browseUrl":
		s = fmt.Sprintf("%s — %q", strField(output, "url"), strField(output, "title"))
	case "executeCode":
		if errMsg, ok := output["error"].(string); ok && errMsg != "" {
			s = "error: " + errMsg
		} else {
			s = "success: " + strField(output, "output")
		}
	default:
		encoded, err := json.Marshal(output)
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", output))
		}
		s = string(encoded)
	}
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen]
	}
	return s
}

func strField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// intField tolerates both native ints and JSON-decoded float64 values.
func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
