package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/internal/gateway"
	"github.com/nextlevelbuilder/taskloom/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/taskloom/internal/http"
	"github.com/nextlevelbuilder/taskloom/internal/mcp"
	"github.com/nextlevelbuilder/taskloom/internal/notify"
	"github.com/nextlevelbuilder/taskloom/internal/providers"
	"github.com/nextlevelbuilder/taskloom/internal/recovery"
	"github.com/nextlevelbuilder/taskloom/internal/session"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/internal/store/pg"
	"github.com/nextlevelbuilder/taskloom/internal/store/sqlite"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
	"github.com/nextlevelbuilder/taskloom/internal/tracing"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the taskloom daemon (gateway, sessions, recovery sweeper)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if !cfg.HasProviderKey() {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("Welcome to taskloom! No configuration found.")
			fmt.Println()
			fmt.Println("Run the setup wizard:   taskloom onboard")
			fmt.Println("Or set an API key:      export TASKLOOM_ANTHROPIC_API_KEY=sk-ant-...")
		} else {
			fmt.Printf("Config %s has no API key for provider %q.\n", cfgPath, cfg.Provider.Name)
			fmt.Println()
			fmt.Println("Set the key in the environment (e.g. TASKLOOM_ANTHROPIC_API_KEY)")
			fmt.Println("or re-run the setup wizard:  taskloom onboard")
		}
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry first so every later component's spans export.
	stopTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := stopTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, closeStore, err := openStores(cfg)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	msgBus := bus.NewMessageBus()

	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("provider init failed", "error", err)
		os.Exit(1)
	}

	// One MCP manager for the process; its bridged tools join every
	// session's registry through the tool builder below.
	var mcpMgr *mcp.Manager
	if len(cfg.Tools.McpServers) > 0 {
		mcpMgr = mcp.NewManager(tools.NewRegistry(), cfg.Tools.McpServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup incomplete", "error", err)
		}
		defer mcpMgr.Stop()
	}

	tokens := httpapi.NewTokenStore()

	// Workers always dial back over loopback; the gateway may bind wider.
	rpcHost := cfg.Gateway.Host
	if rpcHost == "" || rpcHost == "0.0.0.0" {
		rpcHost = "127.0.0.1"
	}

	mgr, err := session.NewManager(session.Options{
		Provider:           provider,
		Model:              cfg.Provider.Model,
		Stores:             stores,
		Events:             msgBus,
		DataDir:            cfg.DataDir(),
		BuildTools:         buildSessionTools(cfg, mcpMgr),
		SubagentsEnabled:   cfg.Subagents.Enabled,
		Tokens:             tokens,
		RPCBase:            fmt.Sprintf("http://%s:%d", rpcHost, cfg.Gateway.Port),
		MaxToolRounds:      cfg.Orchestrator.MaxToolRounds,
		MaxContextMessages: cfg.Orchestrator.MaxContextMessages,
		HeartbeatInterval:  cfg.Orchestrator.HeartbeatInterval(),
		GraphLimits:        cfg.Orchestrator.GraphLimits(),

		SubagentMaxExecutionTime:  cfg.Subagents.MaxExecutionTime(),
		SubagentInitialCheckDelay: cfg.Subagents.InitialCheckDelay(),
		SubagentCheckInterval:     cfg.Subagents.CheckInterval(),
		SubagentMaxCheckAttempts:  cfg.Subagents.MaxCheckAttempts,
		SubagentMaxSteps:          cfg.Subagents.MaxSteps,
	})
	if err != nil {
		slog.Error("session manager init failed", "error", err)
		os.Exit(1)
	}

	// Settle whatever the previous process left running before the
	// sweeper starts handing out retries.
	if err := mgr.Startup(ctx); err != nil {
		slog.Warn("startup settlement incomplete", "error", err)
	}

	server := gateway.NewServer(cfg, msgBus, mgr,
		httpapi.NewSessionsHandler(mgr),
		httpapi.NewRPCHandler(mgr, tokens))
	methods.NewConfigMethods(cfg, cfgPath).Register(server.Router())

	sweeper, err := recovery.NewSweeper(recovery.SweeperConfig{
		Turns:            stores.Turns,
		Enq:              mgr,
		Events:           msgBus,
		Schedule:         cfg.Recovery.SweepCron,
		HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout(),
		MaxAttempts:      cfg.Orchestrator.MaxAttempts,
		BaseBackoff:      cfg.Orchestrator.BaseBackoff(),
		MaxBackoff:       cfg.Orchestrator.MaxBackoff(),
	})
	if err != nil {
		slog.Error("recovery sweeper init failed", "error", err)
		os.Exit(1)
	}

	notifiers, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		slog.Error("notify init failed", "error", err)
		os.Exit(1)
	}
	dispatcher := notify.NewDispatcher(msgBus, notifiers...)
	dispatcher.Start()

	// Hot reload: the watcher validates each candidate before it lands,
	// so a half-saved file never replaces the live config.
	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		cfg.ReplaceFrom(next)
	})
	if err != nil {
		slog.Warn("config watch unavailable", "path", cfgPath, "error", err)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		dispatcher.Stop()

		// Sessions stop at their next await; unfinished turns stay
		// streaming and the next process's sweep reclaims them.
		mgr.Close()
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	mcpTools := 0
	if mcpMgr != nil {
		mcpTools = len(mcpMgr.ToolNames())
	}
	slog.Info("taskloom starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"addr", cfg.Gateway.Addr(),
		"provider", provider.Name(),
		"subagents", cfg.Subagents.Enabled,
		"mcp_tools", mcpTools,
	)

	// Tailscale listener: build the mux first so the same routes serve on
	// both listeners. Compiled via build tags: `go build -tags tsnet`.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}
	if cfg.Tailscale.Hostname != "" && cfg.Gateway.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting TASKLOOM_HOST=127.0.0.1 for localhost-only + Tailscale access")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// openStores builds the persistence layer for the configured mode and
// returns a close function for the underlying handle.
func openStores(cfg *config.Config) (*store.Stores, func(), error) {
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("store ready", "mode", "managed")
		return pg.NewPGStores(db), func() { db.Close() }, nil
	}

	path := cfg.SQLitePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store ready", "mode", "standalone", "path", path)
	return sqlite.NewSQLiteStores(db), func() { db.Close() }, nil
}

// buildProvider constructs the configured LLM driver. OpenRouter and
// DeepSeek ride the OpenAI-compatible driver with their own endpoints.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	p := cfg.Provider
	switch p.Name {
	case "", "anthropic":
		if p.Anthropic.APIKey == "" {
			return nil, errors.New("anthropic provider requires an API key")
		}
		return providers.NewAnthropicProvider(p.Anthropic.APIKey,
			providers.WithAnthropicModel(p.Model),
			providers.WithAnthropicBaseURL(p.Anthropic.APIBase)), nil
	case "openai":
		if p.OpenAI.APIKey == "" {
			return nil, errors.New("openai provider requires an API key")
		}
		return providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, "gpt-4o"), nil
	case "openrouter":
		if p.OpenRouter.APIKey == "" {
			return nil, errors.New("openrouter provider requires an API key")
		}
		base := p.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return providers.NewOpenAIProvider("openrouter", p.OpenRouter.APIKey, base, "anthropic/claude-sonnet-4-5-20250929"), nil
	case "deepseek":
		if p.DeepSeek.APIKey == "" {
			return nil, errors.New("deepseek provider requires an API key")
		}
		base := p.DeepSeek.APIBase
		if base == "" {
			base = "https://api.deepseek.com/v1"
		}
		return providers.NewOpenAIProvider("deepseek", p.DeepSeek.APIKey, base, "deepseek-chat"), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p.Name)
	}
}
