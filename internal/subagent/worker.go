package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// Result is what a finished worker reports to the supervisor.
type Result struct {
	TaskID   string        `json:"taskId"`
	Success  bool          `json:"success"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type workerConfig struct {
	props    Props
	provider providers.Provider
	model    string
	registry *tools.Registry
	maxSteps int
}

// focusedPrompt is the whole of a worker's context: the task itself and
// the capability surface. Parent chat history and sibling tasks stay
// out deliberately.
func focusedPrompt(p Props) string {
	var b strings.Builder
	b.WriteString("You are an isolated worker completing exactly one delegated task.\n\n")
	b.WriteString("Task: ")
	b.WriteString(p.Title)
	b.WriteString("\n\n")
	b.WriteString(p.Description)
	if p.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(p.Context)
	}
	b.WriteString("\n\nYou work through the provided tools only: read and write workspace files, ")
	b.WriteString("run shell commands with shellExec, fetch URLs, and search the web. ")
	b.WriteString("You cannot ask questions or see any other conversation. ")
	b.WriteString("When the task is done, reply with a concise result summary and stop.")
	return b.String()
}

// runWorker drives one delegated task to a terminal result. Tool calls
// run sequentially; the step budget bounds total LLM calls.
func runWorker(ctx context.Context, cfg workerConfig) Result {
	start := time.Now()
	res := Result{TaskID: cfg.props.TaskID}

	messages := []providers.Message{
		{Role: "system", Content: focusedPrompt(cfg.props)},
		{Role: "user", Content: "Complete the task described in your instructions, then reply with the result."},
	}

	var finalText string
	step := 0
	for step < cfg.maxSteps {
		step++
		if ctx.Err() != nil {
			res.Error = "aborted"
			res.Duration = time.Since(start)
			return res
		}

		resp, err := cfg.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    cfg.registry.ProviderDefs(),
			Model:    cfg.model,
			Options: map[string]interface{}{
				"max_tokens":  4096,
				"temperature": 0.5,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				res.Error = "aborted"
			} else {
				res.Error = fmt.Sprintf("llm error at step %d: %v", step, err)
			}
			res.Duration = time.Since(start)
			return res
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			slog.Debug("subagent tool call", "task", cfg.props.TaskID, "step", step, "tool", tc.Name)
			result := cfg.registry.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	if finalText == "" {
		finalText = "Step budget exhausted before a final summary; work done so far is in the workspace."
	}
	res.Success = true
	res.Result = finalText
	res.Duration = time.Since(start)
	return res
}
