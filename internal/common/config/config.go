// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	KillSwitch KillSwitchConfig `mapstructure:"killSwitch"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Bus        BusConfig        `mapstructure:"bus"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Logging    logger.Config    `mapstructure:"logging"`
}

// ServerConfig holds host process configuration.
type ServerConfig struct {
	Port int `mapstructure:"port"`

	// MaxUncaughtErrors is the number of uncaught errors tolerated before the
	// host exits so a supervisor can restart it with a clean slate.
	MaxUncaughtErrors int `mapstructure:"maxUncaughtErrors"`
}

// StoreConfig holds persistence paths.
type StoreConfig struct {
	StateDir  string `mapstructure:"stateDir"`
	EventsDir string `mapstructure:"eventsDir"`
	// DataDir holds the task graph sqlite database. Empty disables task
	// persistence (in-memory only).
	DataDir string `mapstructure:"dataDir"`
}

// KillSwitchConfig holds kill switch replica configuration.
type KillSwitchConfig struct {
	// Dir is a local directory not exposed to agent workspaces.
	Dir string `mapstructure:"dir"`
	// Bucket names the object store bucket for cross-instance propagation.
	// Empty disables the remote replica.
	Bucket string `mapstructure:"bucket"`
	// PollInterval is how often the remote replica is checked.
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	RootDir          string `mapstructure:"rootDir"`
	SharedContextDir string `mapstructure:"sharedContextDir"`
	ReposDir         string `mapstructure:"reposDir"`
	// TokenTTL is how often per-agent service tokens are rotated.
	TokenTTL time.Duration `mapstructure:"tokenTtl"`
}

// AgentConfig holds supervisor limits and child process configuration.
type AgentConfig struct {
	BinPath       string   `mapstructure:"binPath"`
	DefaultModel  string   `mapstructure:"defaultModel"`
	AllowedModels []string `mapstructure:"allowedModels"`
	MaxTurns      int      `mapstructure:"maxTurns"`

	MaxAgents   int `mapstructure:"maxAgents"`
	MaxDepth    int `mapstructure:"maxDepth"`
	MaxChildren int `mapstructure:"maxChildren"`

	SessionTTL time.Duration `mapstructure:"sessionTtl"`
	PausedTTL  time.Duration `mapstructure:"pausedTtl"`
}

// BusConfig holds internal event bus configuration.
type BusConfig struct {
	// NATSURL enables the NATS-backed event bus. Empty means in-memory.
	NATSURL string `mapstructure:"natsUrl"`
}

// DeliveryConfig holds auto-delivery configuration.
type DeliveryConfig struct {
	// SettleDelay is how long to wait after an idle transition before
	// delivering queued messages, letting the old process fully exit.
	SettleDelay time.Duration `mapstructure:"settleDelay"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.maxUncaughtErrors", 3)

	v.SetDefault("store.stateDir", "/var/lib/agentmux/state")
	v.SetDefault("store.eventsDir", "/var/lib/agentmux/events")
	v.SetDefault("store.dataDir", "/var/lib/agentmux/data")

	v.SetDefault("killSwitch.dir", "/var/lib/agentmux/killswitch")
	v.SetDefault("killSwitch.bucket", "")
	v.SetDefault("killSwitch.pollInterval", 10*time.Second)

	v.SetDefault("workspace.rootDir", "/var/lib/agentmux/workspaces")
	v.SetDefault("workspace.sharedContextDir", "")
	v.SetDefault("workspace.reposDir", "")
	v.SetDefault("workspace.tokenTtl", time.Hour)

	v.SetDefault("agent.binPath", "claude")
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.allowedModels", []string{
		"claude-sonnet-4-5",
		"claude-opus-4-5",
		"claude-haiku-4-5",
	})
	v.SetDefault("agent.maxTurns", 50)
	v.SetDefault("agent.maxAgents", 20)
	v.SetDefault("agent.maxDepth", 3)
	v.SetDefault("agent.maxChildren", 6)
	v.SetDefault("agent.sessionTtl", 4*time.Hour)
	v.SetDefault("agent.pausedTtl", 24*time.Hour)

	v.SetDefault("bus.natsUrl", "")

	v.SetDefault("delivery.settleDelay", 250*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX_ with underscore
// naming; a handful of bare variables are bound for deployment compatibility.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env vars consumed per the deployment contract. AutomaticEnv does
	// not cover unprefixed names, so bind them explicitly.
	_ = v.BindEnv("server.port", "PORT", "AGENTMUX_SERVER_PORT")
	_ = v.BindEnv("killSwitch.bucket", "GCS_BUCKET", "AGENTMUX_KILLSWITCH_BUCKET")
	_ = v.BindEnv("workspace.sharedContextDir", "SHARED_CONTEXT_DIR")
	_ = v.BindEnv("agent.sessionTtl", "SESSION_TTL_MS")
	_ = v.BindEnv("agent.maxAgents", "MAX_AGENTS")
	_ = v.BindEnv("agent.maxDepth", "MAX_AGENT_DEPTH")
	_ = v.BindEnv("agent.maxChildren", "MAX_CHILDREN_PER_AGENT")
	_ = v.BindEnv("delivery.settleDelay", "DELIVERY_SETTLE_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalize(&cfg, v)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize converts bare millisecond env values into durations. SESSION_TTL_MS
// and DELIVERY_SETTLE_MS are documented as integer milliseconds, which viper
// would otherwise parse as nanoseconds.
func normalize(cfg *Config, v *viper.Viper) {
	if raw := v.GetString("agent.sessionTtl"); isBareNumber(raw) {
		cfg.Agent.SessionTTL = time.Duration(v.GetInt64("agent.sessionTtl")) * time.Millisecond
	}
	if raw := v.GetString("delivery.settleDelay"); isBareNumber(raw) {
		cfg.Delivery.SettleDelay = time.Duration(v.GetInt64("delivery.settleDelay")) * time.Millisecond
	}
}

func isBareNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxUncaughtErrors <= 0 {
		errs = append(errs, "server.maxUncaughtErrors must be positive")
	}

	if cfg.Store.StateDir == "" {
		errs = append(errs, "store.stateDir is required")
	}
	if cfg.Store.EventsDir == "" {
		errs = append(errs, "store.eventsDir is required")
	}

	if cfg.KillSwitch.Dir == "" {
		errs = append(errs, "killSwitch.dir is required")
	}
	if cfg.KillSwitch.PollInterval <= 0 {
		errs = append(errs, "killSwitch.pollInterval must be positive")
	}

	if cfg.Workspace.RootDir == "" {
		errs = append(errs, "workspace.rootDir is required")
	}

	if cfg.Agent.BinPath == "" {
		errs = append(errs, "agent.binPath is required")
	}
	if cfg.Agent.DefaultModel == "" {
		errs = append(errs, "agent.defaultModel is required")
	}
	if cfg.Agent.MaxAgents <= 0 {
		errs = append(errs, "agent.maxAgents must be positive")
	}
	if cfg.Agent.MaxDepth <= 0 {
		errs = append(errs, "agent.maxDepth must be positive")
	}
	if cfg.Agent.MaxChildren <= 0 {
		errs = append(errs, "agent.maxChildren must be positive")
	}
	if cfg.Agent.SessionTTL <= 0 {
		errs = append(errs, "agent.sessionTtl must be positive")
	}

	if cfg.Delivery.SettleDelay < 0 {
		errs = append(errs, "delivery.settleDelay must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
