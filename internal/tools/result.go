package tools

import (
	"encoding/json"
	"fmt"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string                 `json:"for_llm"`        // content sent to the LLM
	Data    map[string]interface{} `json:"data,omitempty"` // structured output, summarized into the action log
	Silent  bool                   `json:"silent"`         // suppress the client event
	IsError bool                   `json:"is_error"`       // marks error
	Err     error                  `json:"-"`              // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

// DataResult carries a structured payload. The LLM sees its JSON encoding;
// the action log summarizes it by tool name.
func DataResult(data map[string]interface{}) *Result {
	return &Result{ForLLM: encodeData(data), Data: data}
}

func ErrorResult(message string) *Result {
	data := map[string]interface{}{"error": message}
	return &Result{ForLLM: encodeData(data), Data: data, IsError: true}
}

// ErrorDataResult is ErrorResult with extra fields alongside "error"
// (for example a machine-readable code).
func ErrorDataResult(data map[string]interface{}) *Result {
	return &Result{ForLLM: encodeData(data), Data: data, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func encodeData(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}
