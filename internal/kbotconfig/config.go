// Package kbotconfig provides configuration management for kbot.
// It supports loading configuration from environment variables, a config
// file, and defaults, following the viper/mapstructure pattern.
package kbotconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for kbot.
type Config struct {
	DataDir      string             `mapstructure:"dataDir"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	AgentLife    AgentLifecycleConfig `mapstructure:"agentLifecycle"`
	Session      SessionConfig      `mapstructure:"session"`
	ShadowStore  ShadowStoreConfig  `mapstructure:"shadowStore"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SupervisorConfig holds supervisor tree configuration (spec.md §4.1).
type SupervisorConfig struct {
	ChildPath          string        `mapstructure:"childPath"`
	ShutdownTimeoutMs  int           `mapstructure:"shutdownTimeoutMs"`
	MinBackoffMs       int           `mapstructure:"minBackoffMs"`
	MaxBackoffMs       int           `mapstructure:"maxBackoffMs"`
	CheckpointTTL      time.Duration `mapstructure:"checkpointTTL"`
}

// AgentLifecycleConfig holds agent-subprocess lifecycle configuration (spec.md §4.2).
type AgentLifecycleConfig struct {
	MaxConcurrentSpawns  int           `mapstructure:"maxConcurrentSpawns"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdownTimeout"`
	HealthCheckInterval  time.Duration `mapstructure:"healthCheckInterval"`
	FailureThreshold     int           `mapstructure:"failureThreshold"`
	PollIntervalMs       int           `mapstructure:"pollIntervalMs"`
	ErrorThreshold       int           `mapstructure:"errorThreshold"`
	CooldownMs           int           `mapstructure:"cooldownMs"`
	EscalationTimeout    time.Duration `mapstructure:"escalationTimeout"`
}

// SessionConfig holds session-rotation and context-restoration configuration
// (spec.md §4.3-§4.5).
type SessionConfig struct {
	RotationThreshold float64       `mapstructure:"rotationThreshold"`
	UsageTimeout      time.Duration `mapstructure:"usageTimeout"`
	UsageDebounce     time.Duration `mapstructure:"usageDebounce"`
	MaxContextTokens  int           `mapstructure:"maxContextTokens"`
	BudgetFraction    float64       `mapstructure:"budgetFraction"`
	MarginFraction    float64       `mapstructure:"marginFraction"`
	CharsPerToken     int           `mapstructure:"charsPerToken"`
	MaxTurnChars      int           `mapstructure:"maxTurnChars"`
}

// ShadowStoreConfig holds git-worktree durability layer configuration (spec.md §4.7).
type ShadowStoreConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BranchName   string        `mapstructure:"branchName"`
	WorktreeDir  string        `mapstructure:"worktreeDir"`
	MaxEvents    int           `mapstructure:"maxEvents"`
	MaxInterval  time.Duration `mapstructure:"maxInterval"`
	StaleLockAge time.Duration `mapstructure:"staleLockAge"`
}

// EventsConfig holds event-bus backend configuration.
type EventsConfig struct {
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from kbot.yaml (if present), environment
// variables prefixed KBOT_, and defaults; env overrides file, which
// overrides defaults (viper's standard resolution).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("kbot")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kbot/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", ".kbot")

	v.SetDefault("supervisor.shutdownTimeoutMs", 30000)
	v.SetDefault("supervisor.minBackoffMs", 1000)
	v.SetDefault("supervisor.maxBackoffMs", 60000)
	v.SetDefault("supervisor.checkpointTTL", 24*time.Hour)

	v.SetDefault("agentLifecycle.maxConcurrentSpawns", 1)
	v.SetDefault("agentLifecycle.shutdownTimeout", 10*time.Second)
	v.SetDefault("agentLifecycle.healthCheckInterval", 30*time.Second)
	v.SetDefault("agentLifecycle.failureThreshold", 3)
	v.SetDefault("agentLifecycle.pollIntervalMs", 5000)
	v.SetDefault("agentLifecycle.errorThreshold", 3)
	v.SetDefault("agentLifecycle.cooldownMs", 60000)
	v.SetDefault("agentLifecycle.escalationTimeout", 5*time.Minute)

	v.SetDefault("session.rotationThreshold", 0.70)
	v.SetDefault("session.usageTimeout", 10*time.Second)
	v.SetDefault("session.usageDebounce", 30*time.Second)
	v.SetDefault("session.maxContextTokens", 200000)
	v.SetDefault("session.budgetFraction", 0.30)
	v.SetDefault("session.marginFraction", 0.05)
	v.SetDefault("session.charsPerToken", 4)
	v.SetDefault("session.maxTurnChars", 40000)

	v.SetDefault("shadowStore.enabled", true)
	v.SetDefault("shadowStore.branchName", "kbot-memory")
	v.SetDefault("shadowStore.worktreeDir", ".kbot/shadow")
	v.SetDefault("shadowStore.maxEvents", 100)
	v.SetDefault("shadowStore.maxInterval", 5*time.Minute)
	v.SetDefault("shadowStore.staleLockAge", 5*time.Minute)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Session.RotationThreshold <= 0 || cfg.Session.RotationThreshold > 1 {
		errs = append(errs, "session.rotationThreshold must be in (0, 1]")
	}
	if cfg.AgentLife.FailureThreshold <= 0 {
		errs = append(errs, "agentLifecycle.failureThreshold must be positive")
	}
	if cfg.AgentLife.ErrorThreshold <= 0 {
		errs = append(errs, "agentLifecycle.errorThreshold must be positive")
	}
	if cfg.Supervisor.MinBackoffMs <= 0 || cfg.Supervisor.MaxBackoffMs < cfg.Supervisor.MinBackoffMs {
		errs = append(errs, "supervisor backoff bounds must satisfy 0 < min <= max")
	}
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(cfg.Logging.Level)] {
			errs = append(errs, "logging.level must be one of: debug, info, warn, error")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
