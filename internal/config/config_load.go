package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskloom", "config.json")
}

// Default returns a Config with the stock limits and a localhost gateway.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Orchestrator: OrchestratorConfig{
			MaxDepth:                 3,
			MaxSubtasks:              10,
			MaxTotalTasks:            50,
			MaxAttempts:              3,
			BaseBackoffSeconds:       2,
			MaxBackoffSeconds:        60,
			HeartbeatIntervalSeconds: 30,
			HeartbeatTimeoutSeconds:  60,
			MaxExecutionTimeSeconds:  300,
			MaxToolRounds:            20,
			MaxContextMessages:       50,
		},
		Subagents: SubagentsConfig{
			Enabled:                  true,
			MaxExecutionTimeSeconds:  600,
			InitialCheckDelaySeconds: 30,
			CheckIntervalSeconds:     60,
			MaxCheckAttempts:         10,
			MaxSteps:                 15,
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Store: StoreConfig{
			Mode:       "standalone",
			SQLitePath: "~/.taskloom/taskloom.db",
			DataDir:    "~/.taskloom/data",
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true},
			},
			Browser: BrowserToolConfig{Headless: true},
		},
		Recovery: RecoveryConfig{
			SweepCron: "* * * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskloom",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider credentials and selection
	envStr("TASKLOOM_ANTHROPIC_API_KEY", &c.Provider.Anthropic.APIKey)
	envStr("TASKLOOM_OPENAI_API_KEY", &c.Provider.OpenAI.APIKey)
	envStr("TASKLOOM_OPENROUTER_API_KEY", &c.Provider.OpenRouter.APIKey)
	envStr("TASKLOOM_DEEPSEEK_API_KEY", &c.Provider.DeepSeek.APIKey)
	envStr("TASKLOOM_PROVIDER", &c.Provider.Name)
	envStr("TASKLOOM_MODEL", &c.Provider.Model)

	// Gateway
	envStr("TASKLOOM_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("TASKLOOM_HOST", &c.Gateway.Host)
	if v := os.Getenv("TASKLOOM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Store
	envStr("TASKLOOM_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("TASKLOOM_MODE", &c.Store.Mode)
	envStr("TASKLOOM_SQLITE_PATH", &c.Store.SQLitePath)
	envStr("TASKLOOM_DATA_DIR", &c.Store.DataDir)

	// Subagents
	if v := os.Getenv("TASKLOOM_SUBAGENTS"); v != "" {
		c.Subagents.Enabled = v == "true" || v == "1"
	}

	// Notifiers auto-enable when credentials arrive via env
	envStr("TASKLOOM_DISCORD_TOKEN", &c.Notify.Discord.Token)
	envStr("TASKLOOM_DISCORD_CHANNEL_ID", &c.Notify.Discord.ChannelID)
	if os.Getenv("TASKLOOM_DISCORD_TOKEN") != "" {
		c.Notify.Discord.Enabled = true
	}
	envStr("TASKLOOM_TELEGRAM_TOKEN", &c.Notify.Telegram.Token)
	if v := os.Getenv("TASKLOOM_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.Telegram.ChatID = id
		}
	}
	if os.Getenv("TASKLOOM_TELEGRAM_TOKEN") != "" {
		c.Notify.Telegram.Enabled = true
	}

	// Web search
	envStr("TASKLOOM_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	if os.Getenv("TASKLOOM_BRAVE_API_KEY") != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	// Telemetry
	envStr("TASKLOOM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TASKLOOM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TASKLOOM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TASKLOOM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKLOOM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("TASKLOOM_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TASKLOOM_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("TASKLOOM_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment overrides onto the config.
// Call after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked, for exposure to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Provider.Anthropic.APIKey)
	maskNonEmpty(&cp.Provider.OpenAI.APIKey)
	maskNonEmpty(&cp.Provider.OpenRouter.APIKey)
	maskNonEmpty(&cp.Provider.DeepSeek.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Notify.Discord.Token)
	maskNonEmpty(&cp.Notify.Telegram.Token)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	return cp
}

// StripSecrets zeros out all secret fields so they never land in
// config.json.
func (c *Config) StripSecrets() {
	c.Provider.Anthropic.APIKey = ""
	c.Provider.OpenAI.APIKey = ""
	c.Provider.OpenRouter.APIKey = ""
	c.Provider.DeepSeek.APIKey = ""
	c.Gateway.Token = ""
	c.Notify.Discord.Token = ""
	c.Notify.Telegram.Token = ""
	c.Tools.Web.Brave.APIKey = ""
	c.Tailscale.AuthKey = ""
}

// StripMaskedSecrets strips only fields still holding the mask value.
// Real values entered by the user persist.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	stripIfMasked(&c.Provider.Anthropic.APIKey)
	stripIfMasked(&c.Provider.OpenAI.APIKey)
	stripIfMasked(&c.Provider.OpenRouter.APIKey)
	stripIfMasked(&c.Provider.DeepSeek.APIKey)
	stripIfMasked(&c.Gateway.Token)
	stripIfMasked(&c.Notify.Discord.Token)
	stripIfMasked(&c.Notify.Telegram.Token)
	stripIfMasked(&c.Tools.Web.Brave.APIKey)
	stripIfMasked(&c.Tailscale.AuthKey)
}

// RestoreMaskedSecrets replaces fields still holding the mask value with
// the corresponding value from src. A client that round-trips a masked
// config keeps the live secrets; cleared fields stay cleared.
func (c *Config) RestoreMaskedSecrets(src *Config) {
	restore := func(dst *string, val string) {
		if *dst == secretMask {
			*dst = val
		}
	}
	restore(&c.Provider.Anthropic.APIKey, src.Provider.Anthropic.APIKey)
	restore(&c.Provider.OpenAI.APIKey, src.Provider.OpenAI.APIKey)
	restore(&c.Provider.OpenRouter.APIKey, src.Provider.OpenRouter.APIKey)
	restore(&c.Provider.DeepSeek.APIKey, src.Provider.DeepSeek.APIKey)
	restore(&c.Gateway.Token, src.Gateway.Token)
	restore(&c.Notify.Discord.Token, src.Notify.Discord.Token)
	restore(&c.Notify.Telegram.Token, src.Notify.Telegram.Token)
	restore(&c.Tools.Web.Brave.APIKey, src.Tools.Web.Brave.APIKey)
	restore(&c.Tailscale.AuthKey, src.Tailscale.AuthKey)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// SQLitePath returns the expanded standalone database path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.SQLitePath)
}

// DataDir returns the expanded document store root.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.DataDir)
}
