package subagent

import (
	"context"

	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// rpcTool forwards one capability to the parent over the scoped RPC.
// The tool name is the RPC method name, so the surface a worker's model
// sees is exactly the surface the parent exposes.
type rpcTool struct {
	name   string
	desc   string
	params map[string]interface{}
	client *RPCClient
}

func (t *rpcTool) Name() string                       { return t.name }
func (t *rpcTool) Description() string                { return t.desc }
func (t *rpcTool) Parameters() map[string]interface{} { return t.params }

func (t *rpcTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	out, err := t.client.Call(ctx, t.name, args)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	if msg, ok := out["error"].(string); ok && msg != "" {
		return tools.ErrorDataResult(out)
	}
	return tools.DataResult(out)
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

// NewRPCRegistry builds the worker tool set: the seven parent RPC
// methods and nothing else. No task tools, no delegation, no direct
// storage access.
func NewRPCRegistry(client *RPCClient) *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range []*rpcTool{
		{
			name: "readFile",
			desc: "Read a file from the session workspace",
			params: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": stringProp("Workspace-relative file path")},
				"required":   []string{"path"},
			},
		},
		{
			name: "writeFile",
			desc: "Write a file in the session workspace, creating or overwriting it",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    stringProp("Workspace-relative file path"),
					"content": stringProp("Full file content"),
				},
				"required": []string{"path", "content"},
			},
		},
		{
			name: "deleteFile",
			desc: "Delete a file from the session workspace",
			params: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": stringProp("Workspace-relative file path")},
				"required":   []string{"path"},
			},
		},
		{
			name: "listFiles",
			desc: "List all files in the session workspace",
			params: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			name: "shellExec",
			desc: "Run a shell command in the session workspace",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": stringProp("Command to run"),
					"cwd":     stringProp("Working directory relative to the workspace"),
					"env": map[string]interface{}{
						"type":        "object",
						"description": "Extra environment variables",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			name: "fetch",
			desc: "Fetch a URL through the parent's HTTP capability",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":    stringProp("URL to fetch"),
					"method": stringProp("HTTP method (default GET)"),
					"headers": map[string]interface{}{
						"type":        "object",
						"description": "Request headers",
					},
					"body": stringProp("Request body"),
				},
				"required": []string{"url"},
			},
		},
		{
			name: "webSearch",
			desc: "Search the web through the parent's search capability",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": stringProp("Search query"),
					"count": map[string]interface{}{
						"type":        "number",
						"description": "Number of results",
					},
				},
				"required": []string{"query"},
			},
		},
	} {
		t.client = client
		reg.Register(t)
	}
	return reg
}
