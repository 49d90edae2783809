// Package config loads the daemon's JSON5 configuration file, applies
// defaults and environment overrides, and hands out resolved paths under the
// state directory.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

const (
	// EnvDisableCron is the scheduler kill switch. Any non-empty value other
	// than "0" or "false" halts dispatch while keeping the catalog writable.
	EnvDisableCron = "ADJUTANT_DISABLE_CRON"

	EnvStateDir     = "ADJUTANT_STATE_DIR"
	EnvGatewayToken = "ADJUTANT_GATEWAY_TOKEN"
	EnvPostgresDSN  = "ADJUTANT_POSTGRES_DSN"
	EnvTelegramBot  = "ADJUTANT_TELEGRAM_BOT_TOKEN"
	EnvSlackBot     = "ADJUTANT_SLACK_BOT_TOKEN"
	EnvSlackApp     = "ADJUTANT_SLACK_APP_TOKEN"
	EnvDiscordBot   = "ADJUTANT_DISCORD_BOT_TOKEN"

	EnvProviderKey  = "ADJUTANT_PROVIDER_API_KEY"
	EnvProviderBase = "ADJUTANT_PROVIDER_API_BASE"
)

// Storage modes.
const (
	StorageStandalone = "standalone"
	StorageManaged    = "managed"
)

// AgentDefaults are the runtime settings applied when a job carries no
// override.
type AgentDefaults struct {
	Model               string `json:"model,omitempty"`
	Thinking            string `json:"thinking,omitempty"`
	AgentTimeoutSeconds int    `json:"agentTimeoutSeconds,omitempty"`
	RunTimeoutSeconds   int    `json:"runTimeoutSeconds,omitempty"`
}

// AgentsConfig names the default agent and its runtime defaults.
type AgentsConfig struct {
	DefaultID string        `json:"defaultId,omitempty"`
	Defaults  AgentDefaults `json:"defaults"`
}

// ProviderConfig points the agent runtime at an OpenAI-compatible
// chat-completions endpoint.
type ProviderConfig struct {
	Name    string `json:"name,omitempty"` // "openai" (default) or "dashscope"
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
	AppToken string `json:"appToken,omitempty"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
}

// ChannelsConfig holds the per-channel settings plus the shared inbound
// debounce window.
type ChannelsConfig struct {
	Telegram   TelegramConfig `json:"telegram"`
	Slack      SlackConfig    `json:"slack"`
	Discord    DiscordConfig  `json:"discord"`
	DebounceMS int64          `json:"debounceMs,omitempty"`
}

// CronConfig tunes the scheduling engine. Zero values take the engine
// defaults.
type CronConfig struct {
	Disabled      bool  `json:"disabled,omitempty"`
	TickFloorMS   int64 `json:"tickFloorMs,omitempty"`
	MaxBatch      int   `json:"maxBatch,omitempty"`
	LeaseTTLMS    int64 `json:"leaseTtlMs,omitempty"`
	RetainRuns    int   `json:"retainRuns,omitempty"`
	MinIntervalMS int64 `json:"minIntervalMs,omitempty"`
	MaxConcurrent int   `json:"maxConcurrent,omitempty"`
	QueueCap      int   `json:"queueCap,omitempty"`
	WatchJobsFile bool  `json:"watchJobsFile,omitempty"`
}

// StorageConfig selects where the job catalog and run history live:
// standalone keeps JSON files under the state dir, managed uses Postgres.
type StorageConfig struct {
	Mode        string `json:"mode,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

// GatewayConfig configures the WebSocket control plane.
type GatewayConfig struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Token     string `json:"token,omitempty"`
	RateRPM   int    `json:"rateRpm,omitempty"`
	RateBurst int    `json:"rateBurst,omitempty"`
}

// Addr joins host and port for net.Listen.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// ActiveHoursConfig restricts heartbeats to a local-time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// HeartbeatConfig configures the main-session beat loop.
type HeartbeatConfig struct {
	Enabled     *bool              `json:"enabled,omitempty"`
	Interval    string             `json:"interval,omitempty"` // Go duration, e.g. "30m"
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"`
	Model       string             `json:"model,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
	AckMaxChars int                `json:"ackMaxChars,omitempty"`
}

// IntervalDuration parses Interval; zero means "use the service default".
func (h HeartbeatConfig) IntervalDuration() time.Duration {
	if h.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(h.Interval)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	StateDir  string          `json:"stateDir,omitempty"`
	Agents    AgentsConfig    `json:"agents"`
	Provider  ProviderConfig  `json:"provider"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{DefaultID: DefaultAgentID},
		Storage: StorageConfig{
			Mode: StorageStandalone,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18789,
		},
	}
}

// DefaultPath is ~/.adjutant/config.json5.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".adjutant", "config.json5")
}

// Load reads a JSON5 config file, fills defaults and applies environment
// overrides. A missing file yields the defaults rather than an error, so a
// fresh install runs without any setup.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON via temp-file + rename. JSON5
// comments in a hand-edited file are not preserved.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) fillDefaults() {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.StateDir = filepath.Join(home, ".adjutant")
		} else {
			c.StateDir = ".adjutant"
		}
	}
	if c.Agents.DefaultID == "" {
		c.Agents.DefaultID = DefaultAgentID
	}
	c.Agents.DefaultID = NormalizeAgentID(c.Agents.DefaultID)
	if c.Storage.Mode == "" {
		c.Storage.Mode = StorageStandalone
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18789
	}
}

// ApplyEnvOverrides lets the environment win over the file for secrets and
// the kill switch.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Storage.PostgresDSN = v
		c.Storage.Mode = StorageManaged
	}
	if v := os.Getenv(EnvTelegramBot); v != "" {
		c.Channels.Telegram.BotToken = v
		c.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv(EnvSlackBot); v != "" {
		c.Channels.Slack.BotToken = v
		c.Channels.Slack.Enabled = true
	}
	if v := os.Getenv(EnvSlackApp); v != "" {
		c.Channels.Slack.AppToken = v
	}
	if v := os.Getenv(EnvDiscordBot); v != "" {
		c.Channels.Discord.BotToken = v
		c.Channels.Discord.Enabled = true
	}
	if v := os.Getenv(EnvProviderKey); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv(EnvProviderBase); v != "" {
		c.Provider.APIBase = v
	}
}

// Validate rejects combinations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case StorageStandalone:
	case StorageManaged:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.mode is managed but no postgres DSN is set")
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.enabled requires telemetry.endpoint")
	}
	return nil
}

// CronDisabled reports the kill switch, env beating file.
func (c *Config) CronDisabled() bool {
	if v := os.Getenv(EnvDisableCron); v != "" && v != "0" && v != "false" {
		return true
	}
	return c.Cron.Disabled
}

// Hash is a content fingerprint for optimistic-concurrency checks on
// config edits.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// MaskedCopy returns a deep copy with secrets replaced for display.
func (c *Config) MaskedCopy() *Config {
	data, _ := json.Marshal(c)
	out := &Config{}
	json.Unmarshal(data, out)
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Gateway.Token = mask(out.Gateway.Token)
	out.Provider.APIKey = mask(out.Provider.APIKey)
	out.Storage.PostgresDSN = mask(out.Storage.PostgresDSN)
	out.Channels.Telegram.BotToken = mask(out.Channels.Telegram.BotToken)
	out.Channels.Slack.BotToken = mask(out.Channels.Slack.BotToken)
	out.Channels.Slack.AppToken = mask(out.Channels.Slack.AppToken)
	out.Channels.Discord.BotToken = mask(out.Channels.Discord.BotToken)
	return out
}

// State-dir paths. Standalone storage keeps everything in flat files so the
// whole assistant state is one directory to back up.

func (c *Config) JobsPath() string      { return filepath.Join(c.StateDir, "cron", "jobs.json") }
func (c *Config) RunsDir() string       { return filepath.Join(c.StateDir, "cron", "runs") }
func (c *Config) LastRoutePath() string { return filepath.Join(c.StateDir, "last_route.json") }
func (c *Config) EventsPath() string    { return filepath.Join(c.StateDir, "events.json") }
