package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type JobsConfig struct {
	MaxConcurrentBackups    int `mapstructure:"max_concurrent_backups"`
	MaxOutputLinesPerJob    int `mapstructure:"max_output_lines_per_job"`
	AutoCleanupDelaySeconds int `mapstructure:"auto_cleanup_delay_seconds"`
	EventQueueSize          int `mapstructure:"event_queue_size"`
	KeepaliveSeconds        int `mapstructure:"keepalive_seconds"`
	GraceTimeoutSeconds     int `mapstructure:"grace_timeout_seconds"`
}

type RecoveryConfig struct {
	StalenessMinutes        int `mapstructure:"staleness_minutes"`
	LockBreakTimeoutSeconds int `mapstructure:"lock_break_timeout_seconds"`
}

type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the BORGWARDEN_ prefix with sections joined by
// underscores, e.g. BORGWARDEN_JOBS_MAX_CONCURRENT_BACKUPS.
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/borgwarden")
	}

	// Set defaults
	viper.SetDefault("server.addr", "0.0.0.0:8080")
	viper.SetDefault("server.jwt_secret", "")
	viper.SetDefault("server.admin_username", "admin")
	viper.SetDefault("server.admin_password", "")
	viper.SetDefault("server.encryption_key", "")
	viper.SetDefault("database.path", "./data/borgwarden.db")
	viper.SetDefault("jobs.max_concurrent_backups", 5)
	viper.SetDefault("jobs.max_output_lines_per_job", 1000)
	viper.SetDefault("jobs.auto_cleanup_delay_seconds", 30)
	viper.SetDefault("jobs.event_queue_size", 100)
	viper.SetDefault("jobs.keepalive_seconds", 30)
	viper.SetDefault("jobs.grace_timeout_seconds", 5)
	viper.SetDefault("recovery.staleness_minutes", 5)
	viper.SetDefault("recovery.lock_break_timeout_seconds", 30)
	viper.SetDefault("cleanup.retention_days", 30)
	viper.SetDefault("log.level", "info")

	// Read from environment variables (with priority)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BORGWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// AutoCleanupDelay returns the configured delay as a duration.
func (c *JobsConfig) AutoCleanupDelay() time.Duration {
	return time.Duration(c.AutoCleanupDelaySeconds) * time.Second
}

// Keepalive returns the event stream keepalive interval.
func (c *JobsConfig) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// GraceTimeout returns the process termination grace period.
func (c *JobsConfig) GraceTimeout() time.Duration {
	return time.Duration(c.GraceTimeoutSeconds) * time.Second
}

// Staleness returns how old a running job must be before recovery treats it
// as abandoned.
func (c *RecoveryConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessMinutes) * time.Minute
}

// LockBreakTimeout bounds the borg break-lock call during recovery.
func (c *RecoveryConfig) LockBreakTimeout() time.Duration {
	return time.Duration(c.LockBreakTimeoutSeconds) * time.Second
}
