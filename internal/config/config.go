// Package config holds the daemon configuration: defaults, JSON5 file
// loading, TASKLOOM_* environment overrides, and hot reload. Precedence
// is defaults, then file, then environment.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/internal/tools"
)

// Config is the root configuration for the taskloom daemon.
type Config struct {
	Provider     ProviderConfig     `json:"provider"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Subagents    SubagentsConfig    `json:"subagents"`
	Gateway      GatewayConfig      `json:"gateway"`
	Store        StoreConfig        `json:"store"`
	Tools        ToolsConfig        `json:"tools"`
	Notify       NotifyConfig       `json:"notify,omitempty"`
	Recovery     RecoveryConfig     `json:"recovery,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Tailscale    TailscaleConfig    `json:"tailscale,omitempty"`
	mu           sync.RWMutex
}

// ProviderConfig selects the LLM driver and carries per-vendor
// credentials. OpenRouter and DeepSeek ride the OpenAI-compatible
// driver with their own endpoints.
type ProviderConfig struct {
	Name       string              `json:"name"`            // "anthropic" (default), "openai", "openrouter", "deepseek"
	Model      string              `json:"model,omitempty"` // override the driver's default model
	Anthropic  ProviderCredentials `json:"anthropic"`
	OpenAI     ProviderCredentials `json:"openai"`
	OpenRouter ProviderCredentials `json:"openrouter"`
	DeepSeek   ProviderCredentials `json:"deepseek"`
}

type ProviderCredentials struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasProviderKey reports whether the selected provider has an API key.
func (c *Config) HasProviderKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider.selected().APIKey != ""
}

func (p ProviderConfig) selected() ProviderCredentials {
	switch p.Name {
	case "openai":
		return p.OpenAI
	case "openrouter":
		return p.OpenRouter
	case "deepseek":
		return p.DeepSeek
	default:
		return p.Anthropic
	}
}

// OrchestratorConfig bounds the task graph and the orchestrator turn.
// The seconds fields have duration accessors below.
type OrchestratorConfig struct {
	MaxDepth                 int `json:"maxDepth"`                 // subtask nesting below the root (default 3)
	MaxSubtasks              int `json:"maxSubtasks"`              // direct children per task (default 10)
	MaxTotalTasks            int `json:"maxTotalTasks"`            // tasks per session graph (default 50)
	MaxAttempts              int `json:"maxAttempts"`              // turn delivery attempts before failing (default 3)
	BaseBackoffSeconds       int `json:"baseBackoffSeconds"`       // first retry delay (default 2)
	MaxBackoffSeconds        int `json:"maxBackoffSeconds"`        // retry delay ceiling (default 60)
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"` // turn heartbeat cadence (default 30)
	HeartbeatTimeoutSeconds  int `json:"heartbeatTimeoutSeconds"`  // stale-heartbeat cutoff for the sweeper (default 60)
	MaxExecutionTimeSeconds  int `json:"maxExecutionTimeSeconds"`  // wall-clock budget per turn (default 300)
	MaxToolRounds            int `json:"maxToolRounds"`            // tool round-trips per turn (default 20)
	MaxContextMessages       int `json:"maxContextMessages"`       // history window sent to the provider (default 50)
}

// GraphLimits converts the graph-shape keys for the task graph.
func (o OrchestratorConfig) GraphLimits() taskgraph.Limits {
	return taskgraph.Limits{
		MaxDepth:    o.MaxDepth,
		MaxSubtasks: o.MaxSubtasks,
		MaxTotal:    o.MaxTotalTasks,
	}
}

func (o OrchestratorConfig) HeartbeatInterval() time.Duration { return seconds(o.HeartbeatIntervalSeconds) }
func (o OrchestratorConfig) HeartbeatTimeout() time.Duration  { return seconds(o.HeartbeatTimeoutSeconds) }
func (o OrchestratorConfig) BaseBackoff() time.Duration       { return seconds(o.BaseBackoffSeconds) }
func (o OrchestratorConfig) MaxBackoff() time.Duration        { return seconds(o.MaxBackoffSeconds) }
func (o OrchestratorConfig) MaxExecutionTime() time.Duration  { return seconds(o.MaxExecutionTimeSeconds) }

// SubagentsConfig controls delegation to isolated workers.
type SubagentsConfig struct {
	Enabled                  bool `json:"enabled"`
	MaxExecutionTimeSeconds  int  `json:"maxExecutionTimeSeconds"`  // wall-clock budget per worker (default 600)
	InitialCheckDelaySeconds int  `json:"initialCheckDelaySeconds"` // first supervisor poll (default 30)
	CheckIntervalSeconds     int  `json:"checkIntervalSeconds"`     // polls after the first (default 60)
	MaxCheckAttempts         int  `json:"maxCheckAttempts"`         // polls before giving up (default 10)
	MaxSteps                 int  `json:"maxSteps,omitempty"`       // worker tool rounds (default 15)
}

func (s SubagentsConfig) MaxExecutionTime() time.Duration  { return seconds(s.MaxExecutionTimeSeconds) }
func (s SubagentsConfig) InitialCheckDelay() time.Duration { return seconds(s.InitialCheckDelaySeconds) }
func (s SubagentsConfig) CheckInterval() time.Duration     { return seconds(s.CheckIntervalSeconds) }

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`             // bearer token for WS auth (empty = open)
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`    // per-client requests per minute (0 = disabled)
	MaxMessageChars int      `json:"max_message_chars,omitempty"` // max chat message characters
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// StoreConfig selects the persistence backend.
// PostgresDSN is never read from the file, only from TASKLOOM_POSTGRES_DSN.
type StoreConfig struct {
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone database file
	DataDir     string `json:"data_dir,omitempty"`    // per-session document stores
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether the daemon runs against Postgres.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Store.Mode == "managed" && c.Store.PostgresDSN != ""
}

// ToolsConfig controls the capability tools handed to every session.
type ToolsConfig struct {
	Web        WebToolsConfig              `json:"web"`
	Browser    BrowserToolConfig           `json:"browser"`
	Fetch      FetchToolConfig             `json:"fetch"`
	McpServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"` // external MCP server connections
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
}

type DuckDuckGoConfig struct {
	Enabled bool `json:"enabled"`
}

// ToWebSearchConfig assembles the web search tool configuration.
func (w WebToolsConfig) ToWebSearchConfig() tools.WebSearchConfig {
	return tools.WebSearchConfig{
		BraveAPIKey:  w.Brave.APIKey,
		BraveEnabled: w.Brave.Enabled,
		DDGEnabled:   w.DuckDuckGo.Enabled,
	}
}

// BrowserToolConfig controls the headless-browser tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// FetchToolConfig restricts the fetch tool. Zero values fall back to the
// tool's own defaults.
type FetchToolConfig struct {
	AllowedPrefixes []string `json:"allowed_prefixes,omitempty"` // URL prefixes the tool may reach (empty = any)
	AllowedMethods  []string `json:"allowed_methods,omitempty"`
	MaxBodyBytes    int      `json:"max_body_bytes,omitempty"`
}

// ToFetchConfig assembles the fetch tool configuration.
func (f FetchToolConfig) ToFetchConfig() tools.FetchConfig {
	return tools.FetchConfig{
		AllowedPrefixes: f.AllowedPrefixes,
		AllowedMethods:  f.AllowedMethods,
		MaxBodyBytes:    f.MaxBodyBytes,
	}
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
	ToolAllow  []string          `json:"tool_allow,omitempty"`  // expose only these server tools (empty = all)
	ToolDeny   []string          `json:"tool_deny,omitempty"`   // never expose these server tools (wins over allow)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// NotifyConfig routes terminal task events to outside channels.
// Disabled unless credentials are configured.
type NotifyConfig struct {
	Discord  DiscordNotifyConfig  `json:"discord,omitempty"`
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// RecoveryConfig controls the orphaned-turn sweeper.
type RecoveryConfig struct {
	SweepCron string `json:"sweep_cron,omitempty"` // cron expression (default "* * * * *")
}

// TelemetryConfig configures OpenTelemetry span export. When enabled,
// spans go to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "taskloom"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "taskloom")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env TASKLOOM_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// This is how a hot reload lands on the live config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Provider = src.Provider
	c.Orchestrator = src.Orchestrator
	c.Subagents = src.Subagents
	c.Gateway = src.Gateway
	c.Store = src.Store
	c.Tools = src.Tools
	c.Notify = src.Notify
	c.Recovery = src.Recovery
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Validate rejects configurations the daemon cannot run safely.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Provider.Name {
	case "anthropic", "openai", "openrouter", "deepseek":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}

	o := c.Orchestrator
	if o.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.BaseBackoffSeconds < 1 {
		return fmt.Errorf("baseBackoffSeconds must be at least 1, got %d", o.BaseBackoffSeconds)
	}
	if o.MaxBackoffSeconds < o.BaseBackoffSeconds {
		return fmt.Errorf("maxBackoffSeconds %d below baseBackoffSeconds %d", o.MaxBackoffSeconds, o.BaseBackoffSeconds)
	}
	if o.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("heartbeatIntervalSeconds must be at least 1, got %d", o.HeartbeatIntervalSeconds)
	}
	// A turn that misses one beat must survive the next sweep, so the
	// timeout needs two intervals of slack.
	if o.HeartbeatTimeoutSeconds < 2*o.HeartbeatIntervalSeconds {
		return fmt.Errorf("heartbeatTimeoutSeconds %d must be at least twice heartbeatIntervalSeconds %d",
			o.HeartbeatTimeoutSeconds, o.HeartbeatIntervalSeconds)
	}

	switch c.Store.Mode {
	case "", "standalone":
	case "managed":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("managed mode requires TASKLOOM_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown store mode %q", c.Store.Mode)
	}

	if cron := c.Recovery.SweepCron; cron != "" && !gronx.New().IsValid(cron) {
		return fmt.Errorf("invalid recovery sweep_cron %q", cron)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
