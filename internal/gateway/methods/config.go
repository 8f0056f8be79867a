// Package methods registers WebSocket RPC methods that live outside the
// gateway's built-in set.
package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/internal/gateway"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// ConfigMethods exposes the daemon configuration over WebSocket RPC.
// Reads return a masked copy; writes round-trip through the config file
// so the fsnotify watcher and a direct live swap stay consistent.
type ConfigMethods struct {
	live *config.Config
	path string
}

// NewConfigMethods creates a handler bound to the live config and its
// file path.
func NewConfigMethods(live *config.Config, path string) *ConfigMethods {
	return &ConfigMethods{live: live, path: path}
}

// Register registers the config RPC methods.
func (m *ConfigMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConfigGet, m.handleGet)
	router.Register(protocol.MethodConfigApply, m.handleApply)
}

func (m *ConfigMethods) handleGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"config": m.live.MaskedCopy(),
		"hash":   m.live.Hash(),
		"path":   m.path,
	}))
}

func (m *ConfigMethods) handleApply(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Config json.RawMessage `json:"config"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if len(params.Config) == 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "config is required"))
		return
	}

	next := config.Default()
	if err := json.Unmarshal(params.Config, next); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid config: "+err.Error()))
		return
	}

	// Masked fields round-tripped from config.get mean "keep the stored
	// secret"; environment values win as they do at load time.
	next.RestoreMaskedSecrets(m.live)
	next.ApplyEnvOverrides()

	if err := next.Validate(); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	if err := config.Save(m.path, next); err != nil {
		slog.Error("config.apply save failed", "path", m.path, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "save failed: "+err.Error()))
		return
	}

	m.live.ReplaceFrom(next)
	slog.Info("config applied", "path", m.path, "hash", m.live.Hash())

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"status": "applied",
		"hash":   m.live.Hash(),
	}))
}
