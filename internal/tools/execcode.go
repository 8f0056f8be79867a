package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	execCodeDefaultTimeout = 30000 * time.Millisecond
	execCodeMinTimeoutMs   = 1000
	execCodeMaxTimeoutMs   = 120000
)

// Core modules that would break isolation if the model listed them.
var blockedModules = map[string]bool{
	"child_process":  true,
	"cluster":        true,
	"dgram":          true,
	"dns":            true,
	"fs":             true,
	"fs/promises":    true,
	"http":           true,
	"https":          true,
	"inspector":      true,
	"net":            true,
	"os":             true,
	"process":        true,
	"repl":           true,
	"tls":            true,
	"v8":             true,
	"vm":             true,
	"worker_threads": true,
}

// execCodeRunner wraps user code in a vm context with a captured
// console and an allow-listed require, then reports one JSON object on
// stdout. The context exposes neither process nor the real console, so
// stdout stays ours.
const execCodeRunner = `const vm = require("node:vm");
const fs = require("node:fs");

const code = fs.readFileSync(process.argv[2], "utf8");
const allowed = new Set(JSON.parse(process.argv[3] || "[]"));
const logs = [];
const capture = (...args) => { logs.push(args.map(String).join(" ")); };
const sandboxConsole = { log: capture, info: capture, warn: capture, error: capture, debug: capture };
const safeRequire = (name) => {
  if (!allowed.has(name)) throw new Error("module not allowed: " + name);
  return require(name);
};

(async () => {
  try {
    const script = new vm.Script(code);
    const context = vm.createContext({
      console: sandboxConsole,
      require: safeRequire,
      module: { exports: {} },
      exports: {},
    });
    let result = script.runInContext(context);
    if (result && typeof result.then === "function") result = await result;
    process.stdout.write(JSON.stringify({
      ok: true,
      output: result === undefined ? "" : String(result),
      logs,
    }));
  } catch (err) {
    process.stdout.write(JSON.stringify({
      ok: false,
      error: String((err && err.message) || err),
      type: err instanceof SyntaxError ? "syntax" : "runtime",
      logs,
    }));
  }
})();
`

// ExecCodeTool runs JavaScript in a node subprocess. Failures come back
// as structured results, never as tool errors: a script that throws is
// information for the model, not a fault in the tool.
type ExecCodeTool struct {
	nodeBinary string
}

func NewExecCodeTool() *ExecCodeTool {
	return &ExecCodeTool{nodeBinary: "node"}
}

func (t *ExecCodeTool) Name() string { return "executeCode" }

func (t *ExecCodeTool) Description() string {
	return "Execute JavaScript in an isolated sandbox and return its result, console output, and timing"
}

func (t *ExecCodeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript source to run. The value of the final expression becomes the output.",
			},
			"modules": map[string]interface{}{
				"type":        "array",
				"description": "Module names the code may require",
				"items":       map[string]interface{}{"type": "string"},
			},
			"timeoutMs": map[string]interface{}{
				"type":        "number",
				"description": "Execution timeout in milliseconds (1000-120000, default 30000)",
			},
		},
		"required": []string{"code"},
	}
}

func (t *ExecCodeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	code, _ := args["code"].(string)
	if code == "" {
		return ErrorResult("code is required")
	}

	var modules []string
	if raw, ok := args["modules"].([]interface{}); ok {
		for _, m := range raw {
			name, _ := m.(string)
			if name == "" {
				continue
			}
			if blockedModules[name] {
				return ErrorResult(fmt.Sprintf("module not allowed: %s", name))
			}
			modules = append(modules, name)
		}
	}

	timeout := execCodeDefaultTimeout
	if ms, ok := args["timeoutMs"].(float64); ok {
		clamped := int(ms)
		if clamped < execCodeMinTimeoutMs {
			clamped = execCodeMinTimeoutMs
		}
		if clamped > execCodeMaxTimeoutMs {
			clamped = execCodeMaxTimeoutMs
		}
		timeout = time.Duration(clamped) * time.Millisecond
	}

	dir, err := os.MkdirTemp("", "execcode-")
	if err != nil {
		return ErrorResult(fmt.Sprintf("create sandbox dir: %v", err))
	}
	defer os.RemoveAll(dir)

	runnerPath := filepath.Join(dir, "runner.js")
	codePath := filepath.Join(dir, "code.js")
	if err := os.WriteFile(runnerPath, []byte(execCodeRunner), 0o600); err != nil {
		return ErrorResult(fmt.Sprintf("write runner: %v", err))
	}
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		return ErrorResult(fmt.Sprintf("write code: %v", err))
	}
	modulesJSON, err := json.Marshal(modules)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode modules: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.nodeBinary, runnerPath, codePath, string(modulesJSON))
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return DataResult(map[string]interface{}{
			"success":   false,
			"error":     fmt.Sprintf("execution timed out after %d ms", timeout.Milliseconds()),
			"errorType": "timeout",
			"logs":      []string{},
			"duration":  duration,
		})
	}

	var report struct {
		OK     bool     `json:"ok"`
		Output string   `json:"output"`
		Error  string   `json:"error"`
		Type   string   `json:"type"`
		Logs   []string `json:"logs"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		// Runner never produced its report: node missing, crashed, or
		// was killed before the write.
		msg := truncateCmd(stderr.String(), 500)
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		if msg == "" {
			msg = "sandbox produced no result"
		}
		return DataResult(map[string]interface{}{
			"success":   false,
			"error":     msg,
			"errorType": "unknown",
			"logs":      []string{},
			"duration":  duration,
		})
	}

	logs := report.Logs
	if logs == nil {
		logs = []string{}
	}
	if !report.OK {
		errorType := report.Type
		if errorType != "syntax" && errorType != "runtime" {
			errorType = "unknown"
		}
		return DataResult(map[string]interface{}{
			"success":   false,
			"error":     report.Error,
			"errorType": errorType,
			"logs":      logs,
			"duration":  duration,
		})
	}
	return DataResult(map[string]interface{}{
		"success":   true,
		"output":    report.Output,
		"errorType": "",
		"logs":      logs,
		"duration":  duration,
	})
}
