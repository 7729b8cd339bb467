// Package config defines all configuration structures for the sandclaw
// orchestrator daemon. Configuration is loaded from a YAML file with
// per-section defaults, then overridden by environment variables for the
// values that commonly differ between deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	// AssistantName is the display name the bot answers to (trigger base).
	AssistantName string `yaml:"assistant_name"`

	// Server configures the HTTP bridge surface.
	Server ServerConfig `yaml:"server"`

	// Store configures the persistence backend.
	Store StoreConfig `yaml:"store"`

	// Channels configures the chat channel adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Runtimes configures the sandbox runtime images.
	Runtimes RuntimesConfig `yaml:"runtimes"`

	// Orchestrator configures the dispatch engine.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Scheduler configures the due-task loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// IPC configures the filesystem bridge watcher.
	IPC IPCConfig `yaml:"ipc"`

	// Mounts configures additional-mount security.
	Mounts MountsConfig `yaml:"mounts"`

	// QueryAdapter configures the host-side CLI query adapter.
	QueryAdapter QueryAdapterConfig `yaml:"query_adapter"`

	// Models is the model catalog offered by /model.
	Models []ModelEntry `yaml:"models"`

	// DefaultModel is the model used when a group has no override.
	DefaultModel string `yaml:"default_model"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// BindAddress is the listen address for the HTTP bridge (host:port).
	BindAddress string `yaml:"bind_address"`

	// CallbackURL is where channel adapter processes reach this daemon.
	CallbackURL string `yaml:"callback_url"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	// DSN is the backend connection string. For SQLite this is the file
	// path; for Postgres a standard connection URL.
	DSN string `yaml:"dsn"`

	// GroupsDir is the root of per-group workspace folders.
	GroupsDir string `yaml:"groups_dir"`

	// DataRoot holds IPC namespaces, session dirs, and runtime state.
	DataRoot string `yaml:"data_root"`
}

// ChannelsConfig configures the chat adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram Bot API adapter.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// WhatsAppConfig configures the whatsmeow adapter.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SessionPath string `yaml:"session_path"`
}

// DiscordConfig configures the discordgo adapter.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// RuntimeProfile describes one sandbox runtime image.
type RuntimeProfile struct {
	// Image is the container image for this runtime.
	Image string `yaml:"image"`

	// DefaultModel is used when neither group nor request names a model.
	DefaultModel string `yaml:"default_model"`

	// RequiredSecrets are the secret key names injected via stdin.
	RequiredSecrets []string `yaml:"required_secrets"`
}

// RuntimesConfig maps runtime IDs to their profiles.
type RuntimesConfig struct {
	// Default is the runtime used when a group has no override.
	Default string `yaml:"default"`

	// Profiles maps runtime IDs ("claude", "gemini", "codex") to images.
	Profiles map[string]RuntimeProfile `yaml:"profiles"`
}

// OrchestratorConfig configures the dispatch engine.
type OrchestratorConfig struct {
	// MaxConcurrentSandboxes caps simultaneously running sandboxes.
	MaxConcurrentSandboxes int `yaml:"max_concurrent_sandboxes"`

	// PollIntervalMs is the message loop period.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// IdleTimeoutMs closes a sandbox's stdin after this much inactivity.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// HardDeadlineMs force-stops a sandbox this long after spawn.
	HardDeadlineMs int `yaml:"hard_deadline_ms"`

	// MainGroupFolder names the privileged group.
	MainGroupFolder string `yaml:"main_group_folder"`
}

// SchedulerConfig configures the due-task loop.
type SchedulerConfig struct {
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	Timezone       string `yaml:"timezone"`
}

// IPCConfig configures the filesystem bridge watcher.
type IPCConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// MountsConfig configures additional-mount security.
type MountsConfig struct {
	// AllowlistPath points at the external allowlist JSON. Lives outside
	// the project root so sandboxed agents cannot rewrite it.
	AllowlistPath string `yaml:"allowlist_path"`

	// BlockedPrefixes are extra path prefixes that may never be mounted.
	BlockedPrefixes []string `yaml:"blocked_prefixes"`
}

// QueryAdapterConfig configures the safe-exec query adapter.
type QueryAdapterConfig struct {
	Enabled bool `yaml:"enabled"`

	// ReadAllowlist and WriteAllowlist are command signatures
	// ("bin sub --json") the adapter may invoke.
	ReadAllowlist  []string `yaml:"read_allowlist"`
	WriteAllowlist []string `yaml:"write_allowlist"`

	// RequireMainGroupForWrites restricts write queries to the main group.
	RequireMainGroupForWrites bool `yaml:"require_main_group_for_writes"`

	// TimeoutMs bounds a single CLI invocation.
	TimeoutMs int `yaml:"timeout_ms"`
}

// ModelEntry is one row of the /model catalog.
type ModelEntry struct {
	ID          string `yaml:"id"`
	Runtime     string `yaml:"runtime"`
	DisplayName string `yaml:"display_name"`
}

// Default returns a Config with every section filled with defaults.
func Default() Config {
	return Config{
		AssistantName: "Sandclaw",
		Server: ServerConfig{
			BindAddress: "127.0.0.1:7340",
			CallbackURL: "http://127.0.0.1:7341",
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			DSN:       "./data/sandclaw.db",
			GroupsDir: "./groups",
			DataRoot:  "./data",
		},
		Runtimes: RuntimesConfig{
			Default: "claude",
			Profiles: map[string]RuntimeProfile{
				"claude": {
					Image:           "sandclaw-agent:latest",
					DefaultModel:    "claude-opus-4-6",
					RequiredSecrets: []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"},
				},
				"gemini": {
					Image:        "sandclaw-agent-gemini:latest",
					DefaultModel: "gemini-3.1-pro",
					RequiredSecrets: []string{
						"GEMINI_REFRESH_TOKEN",
						"GEMINI_OAUTH_CLIENT_ID",
						"GEMINI_OAUTH_CLIENT_SECRET",
					},
				},
				"codex": {
					Image:        "sandclaw-agent-codex:latest",
					DefaultModel: "gpt-5.3-codex",
					RequiredSecrets: []string{
						"CODEX_OAUTH_ACCESS_TOKEN",
						"CODEX_OAUTH_REFRESH_TOKEN",
					},
				},
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSandboxes: 3,
			PollIntervalMs:         1000,
			IdleTimeoutMs:          300_000,
			HardDeadlineMs:         1_800_000,
			MainGroupFolder:        "main",
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs: 10_000,
			Timezone:       "UTC",
		},
		IPC: IPCConfig{
			PollIntervalMs: 500,
		},
		QueryAdapter: QueryAdapterConfig{
			Enabled:                   false,
			RequireMainGroupForWrites: true,
			TimeoutMs:                 15_000,
		},
		Models: []ModelEntry{
			{ID: "claude-opus-4-6", Runtime: "claude", DisplayName: "Claude Opus 4.6"},
			{ID: "claude-sonnet-4-6", Runtime: "claude", DisplayName: "Claude Sonnet 4.6"},
			{ID: "gemini-3.1-pro", Runtime: "gemini", DisplayName: "Gemini 3.1 Pro"},
			{ID: "gemini-2.5-flash", Runtime: "gemini", DisplayName: "Gemini 2.5 Flash"},
			{ID: "gpt-5.3-codex", Runtime: "codex", DisplayName: "GPT-5.3 Codex"},
		},
		DefaultModel: "claude-opus-4-6",
	}
}

// Load reads a YAML config file, fills defaults for missing sections, and
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	// Bring .env into the process environment before applying overrides.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withEnvOverrides(), nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg.withEnvOverrides().effective(), nil
}

// Save writes the config back to disk as YAML.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// withEnvOverrides applies environment overrides for deployment-variable
// values.
func (c Config) withEnvOverrides() Config {
	if v := strings.TrimSpace(os.Getenv("SANDCLAW_BIND")); v != "" {
		c.Server.BindAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDCLAW_STORE_DSN")); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDCLAW_ASSISTANT_NAME")); v != "" {
		c.AssistantName = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")); v != "" {
		c.Channels.Discord.Token = v
	}
	return c
}

// effective fills zero values that YAML may have blanked out.
func (c Config) effective() Config {
	d := Default()
	if c.AssistantName == "" {
		c.AssistantName = d.AssistantName
	}
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = d.Server.BindAddress
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.DSN == "" {
		c.Store.DSN = d.Store.DSN
	}
	if c.Store.GroupsDir == "" {
		c.Store.GroupsDir = d.Store.GroupsDir
	}
	if c.Store.DataRoot == "" {
		c.Store.DataRoot = d.Store.DataRoot
	}
	if c.Runtimes.Default == "" {
		c.Runtimes.Default = d.Runtimes.Default
	}
	if len(c.Runtimes.Profiles) == 0 {
		c.Runtimes.Profiles = d.Runtimes.Profiles
	}
	if c.Orchestrator.MaxConcurrentSandboxes <= 0 {
		c.Orchestrator.MaxConcurrentSandboxes = d.Orchestrator.MaxConcurrentSandboxes
	}
	if c.Orchestrator.PollIntervalMs <= 0 {
		c.Orchestrator.PollIntervalMs = d.Orchestrator.PollIntervalMs
	}
	if c.Orchestrator.IdleTimeoutMs <= 0 {
		c.Orchestrator.IdleTimeoutMs = d.Orchestrator.IdleTimeoutMs
	}
	if c.Orchestrator.HardDeadlineMs <= 0 {
		c.Orchestrator.HardDeadlineMs = d.Orchestrator.HardDeadlineMs
	}
	if c.Orchestrator.MainGroupFolder == "" {
		c.Orchestrator.MainGroupFolder = d.Orchestrator.MainGroupFolder
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		c.Scheduler.PollIntervalMs = d.Scheduler.PollIntervalMs
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = d.Scheduler.Timezone
	}
	if c.IPC.PollIntervalMs <= 0 {
		c.IPC.PollIntervalMs = d.IPC.PollIntervalMs
	}
	if c.QueryAdapter.TimeoutMs <= 0 {
		c.QueryAdapter.TimeoutMs = d.QueryAdapter.TimeoutMs
	}
	if len(c.Models) == 0 {
		c.Models = d.Models
	}
	if c.DefaultModel == "" {
		c.DefaultModel = d.DefaultModel
	}
	return c
}

// PollInterval returns the message loop period as a Duration.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the sandbox idle timeout as a Duration.
func (c OrchestratorConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// HardDeadline returns the sandbox hard deadline as a Duration.
func (c OrchestratorConfig) HardDeadline() time.Duration {
	return time.Duration(c.HardDeadlineMs) * time.Millisecond
}

// PollInterval returns the scheduler period as a Duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollInterval returns the IPC watcher period as a Duration.
func (c IPCConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the query adapter timeout as a Duration.
func (c QueryAdapterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
