// Package config handles happyd configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level happyd configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Agent      AgentConfig      `json:"agent"`
	Bridge     BridgeConfig     `json:"bridge"`
	Ledger     LedgerConfig     `json:"ledger"`
	Bus        BusConfig        `json:"bus"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Channels   ChannelsConfig   `json:"channels"`
	DataDir    string           `json:"data_dir,omitempty"`
	LogLevel   string           `json:"log_level,omitempty"`
}

// ServerConfig defines the local HTTP/WebSocket surface.
type ServerConfig struct {
	Port           int      `json:"port"`            // default 3333
	ExtensionPort  int      `json:"extension_port"`  // default 3334
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	TokenSecret    string   `json:"token_secret,omitempty"` // HS256 secret for extension tokens; generated if empty
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`
}

// AgentConfig defines the link to the remote agent service.
type AgentConfig struct {
	ServerURL        string   `json:"server_url"` // HAPPY_SERVER_URL overrides
	DefaultSession   string   `json:"default_session,omitempty"`
	WorkspaceDir     string   `json:"workspace_dir,omitempty"`
	PermissionMode   string   `json:"permission_mode,omitempty"`
	LivenessTimeout  Duration `json:"liveness_timeout,omitempty"`  // default 60s
	ReconnectBase    Duration `json:"reconnect_base,omitempty"`    // default 1s
	ReconnectCap     Duration `json:"reconnect_cap,omitempty"`     // default 30s
	ReconnectRetries int      `json:"reconnect_retries,omitempty"` // default 5
	TLSSkipVerify    bool     `json:"tls_skip_verify,omitempty"`   // dev only
}

// BridgeConfig defines channel bridge policy knobs.
type BridgeConfig struct {
	TurnTimeout      Duration `json:"turn_timeout,omitempty"`      // default 120s
	SwitchBufferSize int      `json:"switch_buffer_size,omitempty"` // default 100
	ScrollbackSize   int      `json:"scrollback_size,omitempty"`   // default 20
}

// LedgerConfig bounds the per-session event history and selects the shard store.
type LedgerConfig struct {
	MaxEntries int      `json:"max_entries,omitempty"` // default 5000
	MaxAge     Duration `json:"max_age,omitempty"`     // default 120m
	Driver     string   `json:"driver,omitempty"`      // "sqlite" (default) or "postgres"
	DSN        string   `json:"dsn,omitempty"`         // defaults to <data_dir>/messages/ledger.db for sqlite
}

// BusConfig defines event fan-out defaults.
type BusConfig struct {
	QueueCapacity int `json:"queue_capacity,omitempty"` // default 256
}

// SupervisorConfig defines the agent child process and its home directory.
type SupervisorConfig struct {
	Command      string            `json:"command,omitempty"` // default "happy-agent"
	Args         []string          `json:"args,omitempty"`
	AgentHome    string            `json:"agent_home,omitempty"` // default ~/.happy
	Port         int               `json:"port,omitempty"`
	GracePeriod  Duration          `json:"grace_period,omitempty"` // default 10s
	Env          map[string]string `json:"env,omitempty"`
	AutoStart    bool              `json:"auto_start"`
}

// ChannelsConfig enables and configures the built-in channel adapters.
type ChannelsConfig struct {
	Simulator bool          `json:"simulator,omitempty"`
	Feishu    *FeishuConfig `json:"feishu,omitempty"`
}

// FeishuConfig configures the Feishu (Lark) channel adapter.
type FeishuConfig struct {
	AppID             string   `json:"app_id"`
	AppSecret         string   `json:"app_secret"`
	VerificationToken string   `json:"verification_token,omitempty"`
	RequireMention    bool     `json:"require_mention"`
	AllowedSenders    []string `json:"allowed_senders,omitempty"`
	DeniedSenders     []string `json:"denied_senders,omitempty"`
	BaseURL           string   `json:"base_url,omitempty"` // default https://open.feishu.cn
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultDataDir returns the platform data directory for happyd state.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".happyd"
	}
	return filepath.Join(home, ".happyd")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}

// DefaultAgentHome returns the agent child's home directory (~/.happy).
func DefaultAgentHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".happy"
	}
	return filepath.Join(home, ".happy")
}

// Load reads a config file, applies env overrides, validates and defaults.
// A missing file yields a defaulted config (env still applies).
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HAPPY_SERVER_URL"); v != "" {
		c.Agent.ServerURL = v
	}
}

func (c *Config) validate() error {
	if c.Agent.PermissionMode != "" {
		switch c.Agent.PermissionMode {
		case "default", "plan", "acceptEdits", "bypassPermissions":
		default:
			return fmt.Errorf("agent.permission_mode must be default, plan, acceptEdits, or bypassPermissions")
		}
	}
	if c.Ledger.Driver != "" && c.Ledger.Driver != "sqlite" && c.Ledger.Driver != "postgres" {
		return fmt.Errorf("ledger.driver must be sqlite or postgres")
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn is required for the postgres driver")
	}
	if c.Channels.Feishu != nil {
		if c.Channels.Feishu.AppID == "" || c.Channels.Feishu.AppSecret == "" {
			return fmt.Errorf("channels.feishu requires app_id and app_secret")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3333
	}
	if c.Server.ExtensionPort == 0 {
		c.Server.ExtensionPort = 3334
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Agent.DefaultSession == "" {
		c.Agent.DefaultSession = "default"
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = "default"
	}
	if c.Agent.LivenessTimeout.Duration == 0 {
		c.Agent.LivenessTimeout.Duration = 60 * time.Second
	}
	if c.Agent.ReconnectBase.Duration == 0 {
		c.Agent.ReconnectBase.Duration = time.Second
	}
	if c.Agent.ReconnectCap.Duration == 0 {
		c.Agent.ReconnectCap.Duration = 30 * time.Second
	}
	if c.Agent.ReconnectRetries == 0 {
		c.Agent.ReconnectRetries = 5
	}
	if c.Bridge.TurnTimeout.Duration == 0 {
		c.Bridge.TurnTimeout.Duration = 120 * time.Second
	}
	if c.Bridge.SwitchBufferSize == 0 {
		c.Bridge.SwitchBufferSize = 100
	}
	if c.Bridge.ScrollbackSize == 0 {
		c.Bridge.ScrollbackSize = 20
	}
	if c.Ledger.MaxEntries == 0 {
		c.Ledger.MaxEntries = 5000
	}
	if c.Ledger.MaxAge.Duration == 0 {
		c.Ledger.MaxAge.Duration = 120 * time.Minute
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.DSN == "" {
		c.Ledger.DSN = filepath.Join(c.DataDir, "messages", "ledger.db")
	}
	if c.Bus.QueueCapacity == 0 {
		c.Bus.QueueCapacity = 256
	}
	if c.Supervisor.Command == "" {
		c.Supervisor.Command = "happy-agent"
	}
	if c.Supervisor.AgentHome == "" {
		c.Supervisor.AgentHome = DefaultAgentHome()
	}
	if c.Supervisor.GracePeriod.Duration == 0 {
		c.Supervisor.GracePeriod.Duration = 10 * time.Second
	}
	if c.Channels.Feishu != nil && c.Channels.Feishu.BaseURL == "" {
		c.Channels.Feishu.BaseURL = "https://open.feishu.cn"
	}
}
