package cmd

import (
	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/internal/docstore"
	"github.com/nextlevelbuilder/taskloom/internal/mcp"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// buildSessionTools returns the capability-tool builder every new
// session runs. Task and delegation tools are not built here; the
// session registers those itself against its own graph. mcpMgr may be
// nil when no MCP servers are configured.
func buildSessionTools(cfg *config.Config, mcpMgr *mcp.Manager) func(docs *docstore.Store) []tools.Tool {
	return func(docs *docstore.Store) []tools.Tool {
		ts := []tools.Tool{
			tools.NewBashTool(docs.FilesDir()),
			tools.NewReadFileTool(docs),
			tools.NewWriteFileTool(docs),
			tools.NewEditFileTool(docs),
			tools.NewListFilesTool(docs),
			tools.NewFetchTool(cfg.Tools.Fetch.ToFetchConfig()),
			tools.NewWebSearchTool(cfg.Tools.Web.ToWebSearchConfig()),
			tools.NewNewsSearchTool(cfg.Tools.Web.ToWebSearchConfig()),
			tools.NewExecCodeTool(),
		}
		if cfg.Tools.Browser.Enabled {
			ts = append(ts, tools.NewBrowseTool(docs, cfg.Tools.Browser.Headless))
		}
		if mcpMgr != nil {
			ts = append(ts, mcpMgr.Tools()...)
		}
		return ts
	}
}
