package tools

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestExecCodeRequiresCode(t *testing.T) {
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Fatal("missing code accepted")
	}
}

func TestExecCodeRejectsBlockedModules(t *testing.T) {
	tool := NewExecCodeTool()
	for _, name := range []string{"fs", "child_process", "net", "vm"} {
		res := tool.Execute(context.Background(), map[string]interface{}{
			"code":    "1",
			"modules": []interface{}{name},
		})
		if !res.IsError {
			t.Errorf("module %s accepted", name)
		}
		if !strings.Contains(res.ForLLM, "module not allowed: "+name) {
			t.Errorf("error text = %q", res.ForLLM)
		}
	}
}

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skipf("node not installed: %v", err)
	}
}

func TestExecCodeRunsScript(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": `console.log("first"); console.log("second"); 6 * 7`,
	})
	if res.IsError {
		t.Fatalf("tool error: %s", res.ForLLM)
	}
	if res.Data["success"] != true {
		t.Fatalf("success = %v, error = %v", res.Data["success"], res.Data["error"])
	}
	if res.Data["output"] != "42" {
		t.Errorf("output = %q, want 42", res.Data["output"])
	}
	logs, _ := res.Data["logs"].([]string)
	if len(logs) != 2 || logs[0] != "first" || logs[1] != "second" {
		t.Errorf("logs = %v", logs)
	}
	if res.Data["errorType"] != "" {
		t.Errorf("errorType = %v, want empty", res.Data["errorType"])
	}
}

func TestExecCodeSyntaxError(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": "const = broken {",
	})
	if res.IsError {
		t.Fatalf("syntax error should be a structured result: %s", res.ForLLM)
	}
	if res.Data["success"] != false {
		t.Error("success = true for broken code")
	}
	if res.Data["errorType"] != "syntax" {
		t.Errorf("errorType = %v, want syntax", res.Data["errorType"])
	}
}

func TestExecCodeRuntimeError(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": `console.log("before"); undefinedFn()`,
	})
	if res.IsError {
		t.Fatalf("runtime error should be a structured result: %s", res.ForLLM)
	}
	if res.Data["errorType"] != "runtime" {
		t.Errorf("errorType = %v, want runtime", res.Data["errorType"])
	}
	errText, _ := res.Data["error"].(string)
	if !strings.Contains(errText, "undefinedFn") {
		t.Errorf("error = %q", errText)
	}
	// Logs written before the throw are preserved.
	logs, _ := res.Data["logs"].([]string)
	if len(logs) != 1 || logs[0] != "before" {
		t.Errorf("logs = %v", logs)
	}
}

func TestExecCodeTimeout(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code":      "while (true) {}",
		"timeoutMs": float64(1500),
	})
	if res.IsError {
		t.Fatalf("timeout should be a structured result: %s", res.ForLLM)
	}
	if res.Data["errorType"] != "timeout" {
		t.Errorf("errorType = %v, want timeout", res.Data["errorType"])
	}
	errText, _ := res.Data["error"].(string)
	if !strings.Contains(errText, "timed out after 1500 ms") {
		t.Errorf("error = %q", errText)
	}
}

func TestExecCodeAwaitsPromise(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": `Promise.resolve("done later")`,
	})
	if res.IsError {
		t.Fatalf("tool error: %s", res.ForLLM)
	}
	if res.Data["output"] != "done later" {
		t.Errorf("output = %q", res.Data["output"])
	}
}

func TestExecCodeSandboxHidesProcess(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": `typeof process`,
	})
	if res.IsError {
		t.Fatalf("tool error: %s", res.ForLLM)
	}
	if res.Data["output"] != "undefined" {
		t.Errorf("process visible in sandbox: output = %q", res.Data["output"])
	}
}

func TestExecCodeRequireDeniedInside(t *testing.T) {
	requireNode(t)
	tool := NewExecCodeTool()
	// fs is blocked before spawn when listed; requiring it without
	// listing it must fail inside the sandbox too.
	res := tool.Execute(context.Background(), map[string]interface{}{
		"code": `require("fs")`,
	})
	if res.IsError {
		t.Fatalf("tool error: %s", res.ForLLM)
	}
	if res.Data["success"] != false {
		t.Error("unlisted require succeeded")
	}
	errText, _ := res.Data["error"].(string)
	if !strings.Contains(errText, "module not allowed") {
		t.Errorf("error = %q", errText)
	}
}

func TestExecCodeMissingNode(t *testing.T) {
	tool := &ExecCodeTool{nodeBinary: "definitely-not-a-real-binary"}
	res := tool.Execute(context.Background(), map[string]interface{}{"code": "1"})
	if res.IsError {
		t.Fatalf("missing runtime should be a structured result: %s", res.ForLLM)
	}
	if res.Data["success"] != false || res.Data["errorType"] != "unknown" {
		t.Errorf("result = %v", res.Data)
	}
}
