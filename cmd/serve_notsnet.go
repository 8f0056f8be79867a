//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/taskloom/internal/config"
)

// initTailscale is a no-op in builds without the tsnet tag. Rebuild with
// `go build -tags tsnet` to serve the gateway on a tailnet.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without -tags tsnet")
	}
	return nil
}
