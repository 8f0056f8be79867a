package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("taskloom doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, run: taskloom onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Store
	fmt.Println()
	fmt.Println("  Store:")
	if cfg.Store.Mode == "managed" {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		checkPostgres(cfg)
	} else {
		fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
		path := cfg.SQLitePath()
		fmt.Printf("    %-12s %s", "Database:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (not created yet)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	// Provider
	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-12s %s\n", "Selected:", cfg.Provider.Name)
	checkProviderKey("Anthropic", cfg.Provider.Anthropic.APIKey)
	checkProviderKey("OpenAI", cfg.Provider.OpenAI.APIKey)
	checkProviderKey("OpenRouter", cfg.Provider.OpenRouter.APIKey)
	checkProviderKey("DeepSeek", cfg.Provider.DeepSeek.APIKey)

	// Notifications
	fmt.Println()
	fmt.Println("  Notifications:")
	checkNotifier("Discord", cfg.Notify.Discord.Enabled,
		cfg.Notify.Discord.Token != "" && cfg.Notify.Discord.ChannelID != "")
	checkNotifier("Telegram", cfg.Notify.Telegram.Enabled,
		cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != 0)

	// MCP servers
	if len(cfg.Tools.McpServers) > 0 {
		fmt.Println()
		fmt.Println("  MCP Servers:")
		names := make([]string, 0, len(cfg.Tools.McpServers))
		for name := range cfg.Tools.McpServers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sc := cfg.Tools.McpServers[name]
			status := sc.Transport
			if !sc.IsEnabled() {
				status += " (disabled)"
			}
			fmt.Printf("    %-12s %s\n", name+":", status)
		}
	}

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("node")
	checkBinary("git")
	checkBinary("curl")

	// Data dir
	fmt.Println()
	dataDir := cfg.DataDir()
	fmt.Printf("  Data dir: %s", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkPostgres reports connectivity and schema version for managed mode.
func checkPostgres(cfg *config.Config) {
	if cfg.Store.PostgresDSN == "" {
		fmt.Printf("    %-12s TASKLOOM_POSTGRES_DSN is not set\n", "Status:")
		return
	}
	m, err := newMigrator(cfg.Store.PostgresDSN)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case err == migrate.ErrNilVersion:
		fmt.Printf("    %-12s no migrations applied, run: taskloom migrate up\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: taskloom migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkProviderKey(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := apiKey
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkNotifier(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
