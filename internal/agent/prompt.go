package agent

import (
	"strconv"
	"strings"
)

const (
	maxTitleLen  = 47
	maxResultLen = 200
)

// turnTitle derives the root task title from the user message: the first
// 47 characters plus an ellipsis when longer.
func turnTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= maxTitleLen {
		return string(runes)
	}
	return string(runes[:maxTitleLen]) + "…"
}

// turnResult derives the root task result from the final answer.
func turnResult(text string) string {
	runes := []rune(text)
	if len(runes) <= maxResultLen {
		return text
	}
	return string(runes[:maxResultLen])
}

// PromptParams selects which capabilities the system prompt describes.
type PromptParams struct {
	SessionID        string
	SubagentsEnabled bool
	MaxSubtasks      int
	MaxToolRounds    int
}

// SystemPrompt builds the orchestrator system prompt. Kept to plain
// capability and process guidance; the focused subagent prompt is built
// separately by the worker.
func SystemPrompt(p PromptParams) string {
	var b strings.Builder
	b.WriteString("You are a coding agent working inside a session workspace. ")
	b.WriteString("You read, write, and edit files through the file tools, run shell commands with bash, ")
	b.WriteString("run JavaScript with executeCode, and reach the network through fetch and webSearch.\n\n")

	b.WriteString("Process:\n")
	b.WriteString("- For multi-step work, break the job into subtasks with createSubtask, ")
	b.WriteString("declare dependencies between them, and mark each done with completeTask as you finish it.\n")
	b.WriteString("- Use listTasks to see what is pending and what is blocked.\n")
	b.WriteString("- Verify your work: after writing code, run it or its tests before reporting success.\n")
	b.WriteString("- Keep file paths relative to the workspace root.\n")

	if p.SubagentsEnabled {
		b.WriteString("- Independent subtasks can run in parallel: delegateToSubagent starts an isolated worker, ")
		b.WriteString("checkSubagentStatus polls it, waitForSubagents joins the results. ")
		b.WriteString("Delegate only self-contained work; subagents cannot see this conversation.\n")
	}

	b.WriteString("\nConstraints:\n")
	if p.MaxSubtasks > 0 {
		b.WriteString("- At most " + strconv.Itoa(p.MaxSubtasks) + " subtasks per parent task.\n")
	}
	if p.MaxToolRounds > 0 {
		b.WriteString("- You have " + strconv.Itoa(p.MaxToolRounds) + " tool rounds per message; budget them.\n")
	}
	b.WriteString("- When you are done, reply with a concise summary of what changed and how you verified it.\n")
	return b.String()
}
