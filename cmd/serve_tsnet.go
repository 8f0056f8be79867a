//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/taskloom/internal/config"
)

// initTailscale starts a tsnet listener serving the same mux as the main
// gateway. Returns a cleanup function, or nil when Tailscale is not
// configured or fails to start; a broken tailnet never blocks the local
// listener.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}
	if !verbose {
		srv.Logf = func(format string, args ...any) {}
	}

	var ln net.Listener
	var err error
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	go func() {
		slog.Info("tailscale listener up", "hostname", ts.Hostname, "tls", ts.EnableTLS)
		if serveErr := http.Serve(ln, mux); serveErr != nil && ctx.Err() == nil {
			slog.Warn("tailscale serve stopped", "error", serveErr)
		}
	}()

	return func() {
		ln.Close()
		srv.Close()
	}
}
