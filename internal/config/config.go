// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Subprocess SubprocessConfig `mapstructure:"subprocess"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	AskUser    AskUserConfig    `mapstructure:"askUser"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the client-facing HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StoreConfig holds SQLite store configuration.
type StoreConfig struct {
	Path                  string        `mapstructure:"path"`
	SessionTTL            time.Duration `mapstructure:"sessionTTL"`
	CleanupInterval       time.Duration `mapstructure:"cleanupInterval"`
	PartialTextBatchEvery int           `mapstructure:"partialTextBatchEvery"`
}

// SubprocessConfig holds assistant-subprocess launch configuration.
type SubprocessConfig struct {
	BinaryPath       string        `mapstructure:"binaryPath"`
	GlobalTimeout    time.Duration `mapstructure:"globalTimeout"`
	KillGracePeriod  time.Duration `mapstructure:"killGracePeriod"`
	MaxAutoContinues int           `mapstructure:"maxAutoContinues"`
	StderrTailBytes  int           `mapstructure:"stderrTailBytes"`
	MaxLineBytes     int           `mapstructure:"maxLineBytes"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tickInterval"`
	MaxTaskWorkers int           `mapstructure:"maxTaskWorkers"`
	TaskRetryLimit int           `mapstructure:"taskRetryLimit"`
}

// AskUserConfig holds the ask-user HTTP loopback bridge configuration.
type AskUserConfig struct {
	ListenAddr string        `mapstructure:"listenAddr"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from the optional config file at path (if
// non-empty and present), environment variables prefixed ORCH_, and
// defaults, in increasing order of precedence already baked into viper's
// resolution (env overrides file, which overrides defaults).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyFlatEnv(&cfg)
	return &cfg, nil
}

// applyFlatEnv recognizes the unprefixed environment knobs alongside the
// ORCH_-prefixed structured forms; each overrides its structured
// equivalent when set.
func applyFlatEnv(cfg *Config) {
	if ms, ok := envInt("MAX_SUBPROCESS_MS"); ok {
		cfg.Subprocess.GlobalTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("MAX_TASK_WORKERS"); ok {
		cfg.Scheduler.MaxTaskWorkers = n
	}
	if d, ok := envInt("SESSION_TTL_DAYS"); ok {
		cfg.Store.SessionTTL = time.Duration(d) * 24 * time.Hour
	}
	if h, ok := envInt("CLEANUP_INTERVAL_HOURS"); ok {
		cfg.Store.CleanupInterval = time.Duration(h) * time.Hour
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("store.path", "orchestrator.db")
	v.SetDefault("store.sessionTTL", 30*24*time.Hour)
	v.SetDefault("store.cleanupInterval", 24*time.Hour)
	v.SetDefault("store.partialTextBatchEvery", 5)

	v.SetDefault("subprocess.binaryPath", "assistant")
	v.SetDefault("subprocess.globalTimeout", 30*time.Minute)
	v.SetDefault("subprocess.killGracePeriod", 3*time.Second)
	v.SetDefault("subprocess.maxAutoContinues", 3)
	v.SetDefault("subprocess.stderrTailBytes", 8*1024)
	v.SetDefault("subprocess.maxLineBytes", 10*1024*1024)

	v.SetDefault("scheduler.tickInterval", 15*time.Second)
	v.SetDefault("scheduler.maxTaskWorkers", 5)
	v.SetDefault("scheduler.taskRetryLimit", 2)

	v.SetDefault("askUser.listenAddr", "127.0.0.1:8791")
	v.SetDefault("askUser.timeout", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
