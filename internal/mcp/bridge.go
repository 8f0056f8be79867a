package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the session tool
// interface. Calls forward to the owning server's client with a per-call
// timeout; while the server is marked disconnected, calls fail fast
// instead of hanging on a dead transport.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	name       string
	timeoutSec int
	connected  *atomic.Bool
}

func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := tool.Name
	if prefix != "" {
		name = prefix + tool.Name
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		name:       name,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string { return b.name }

// OriginalName returns the tool name as the server declared it, before
// any prefix.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

// ServerName returns the owning MCP server.
func (b *BridgeTool) ServerName() string { return b.serverName }

func (b *BridgeTool) Description() string {
	desc := b.tool.Description
	if desc == "" {
		desc = b.tool.Name
	}
	return fmt.Sprintf("[%s] %s", b.serverName, desc)
}

// Parameters round-trips the server's input schema through JSON. The
// schema is arbitrary JSON Schema and the provider layer passes it
// through untouched.
func (b *BridgeTool) Parameters() map[string]interface{} {
	raw, err := json.Marshal(b.tool.InputSchema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return map[string]interface{}{"type": "object"}
	}
	return params
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %s is not connected", b.serverName))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tools.ErrorResult(fmt.Sprintf("mcp tool %s timed out after %ds", b.name, b.timeoutSec))
		}
		return tools.ErrorResult(fmt.Sprintf("mcp tool %s: %v", b.name, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("mcp tool %s reported an error", b.name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// flattenContent joins MCP content blocks into one string for the model.
// Non-text blocks degrade to short placeholders.
func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		switch c := block.(type) {
		case mcpgo.TextContent:
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", c.MIMEType))
		case mcpgo.EmbeddedResource:
			if tr, ok := c.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, tr.Text)
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%T]", block))
		}
	}
	return strings.Join(parts, "\n\n")
}
