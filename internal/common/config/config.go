// Package config provides configuration management for Nox.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Nox control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Approvals  ApprovalsConfig  `mapstructure:"approvals"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ReadTimeout       int    `mapstructure:"readTimeout"`       // in seconds
	WriteTimeout      int    `mapstructure:"writeTimeout"`      // in seconds
	ShutdownTimeoutMs int    `mapstructure:"shutdownTimeoutMs"` // graceful drain bound
}

// RegistryConfig holds the on-disk registry store configuration.
type RegistryConfig struct {
	// WorkingDir is the directory that contains .nox-registry and metrics.
	WorkingDir string `mapstructure:"workingDir"`
	// GitEnabled commits each registry mutation when a .git directory exists.
	GitEnabled bool `mapstructure:"gitEnabled"`
}

// SupervisorConfig holds subprocess supervision configuration.
type SupervisorConfig struct {
	// DefaultCommand launches agents that do not declare their own command.
	DefaultCommand []string `mapstructure:"defaultCommand"`

	CheckIntervalMs       int     `mapstructure:"checkIntervalMs"`
	UnresponsiveTimeoutMs int     `mapstructure:"unresponsiveTimeoutMs"`
	CPUThreshold          float64 `mapstructure:"cpuThreshold"`    // percent
	MemoryThresholdMB     int     `mapstructure:"memoryThreshold"` // RSS in MB
	StartupTimeoutMs      int     `mapstructure:"startupTimeoutMs"`

	// Restart policy: exponential backoff with a rolling crash window.
	RestartBackoffBaseMs int `mapstructure:"restartBackoffBaseMs"`
	RestartBackoffCapMs  int `mapstructure:"restartBackoffCapMs"`
	RestartMaxAttempts   int `mapstructure:"restartMaxAttempts"`
	RestartWindowMin     int `mapstructure:"restartWindowMin"`
}

// BrokerConfig holds message broker configuration.
type BrokerConfig struct {
	QueueSize       int `mapstructure:"queueSize"`
	Workers         int `mapstructure:"workers"`
	HistoryPerAgent int `mapstructure:"historyPerAgent"`
}

// ApprovalsConfig holds approval manager configuration.
type ApprovalsConfig struct {
	SweepIntervalMs int `mapstructure:"sweepIntervalMs"`
	DefaultTTLMin   int `mapstructure:"defaultTtlMin"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container runtime
// driver used by capability installation.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// MetricsConfig holds the metrics sampler configuration.
type MetricsConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	SampleIntervalMs int  `mapstructure:"sampleIntervalMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound as a time.Duration.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// CheckInterval returns the health poll interval as a time.Duration.
func (s *SupervisorConfig) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalMs) * time.Millisecond
}

// UnresponsiveTimeout returns the no-output classification bound.
func (s *SupervisorConfig) UnresponsiveTimeout() time.Duration {
	return time.Duration(s.UnresponsiveTimeoutMs) * time.Millisecond
}

// StartupTimeout returns the ready-frame deadline for agent start.
func (s *SupervisorConfig) StartupTimeout() time.Duration {
	return time.Duration(s.StartupTimeoutMs) * time.Millisecond
}

// RestartWindow returns the rolling crash window as a time.Duration.
func (s *SupervisorConfig) RestartWindow() time.Duration {
	return time.Duration(s.RestartWindowMin) * time.Minute
}

// RestartBackoffBase returns the first restart delay.
func (s *SupervisorConfig) RestartBackoffBase() time.Duration {
	return time.Duration(s.RestartBackoffBaseMs) * time.Millisecond
}

// RestartBackoffCap returns the maximum restart delay.
func (s *SupervisorConfig) RestartBackoffCap() time.Duration {
	return time.Duration(s.RestartBackoffCapMs) * time.Millisecond
}

// SweepInterval returns the expiry sweep interval as a time.Duration.
func (a *ApprovalsConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalMs) * time.Millisecond
}

// DefaultTTL returns the default approval lifetime.
func (a *ApprovalsConfig) DefaultTTL() time.Duration {
	return time.Duration(a.DefaultTTLMin) * time.Minute
}

// SampleInterval returns the metrics sample interval as a time.Duration.
func (m *MetricsConfig) SampleInterval() time.Duration {
	return time.Duration(m.SampleIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeoutMs", 10000)

	// Registry defaults
	v.SetDefault("registry.workingDir", ".")
	v.SetDefault("registry.gitEnabled", true)

	// Supervisor defaults
	v.SetDefault("supervisor.defaultCommand", []string{"nox-mock-agent"})
	v.SetDefault("supervisor.checkIntervalMs", 5000)
	v.SetDefault("supervisor.unresponsiveTimeoutMs", 30000)
	v.SetDefault("supervisor.cpuThreshold", 80.0)
	v.SetDefault("supervisor.memoryThreshold", 500)
	v.SetDefault("supervisor.startupTimeoutMs", 15000)
	v.SetDefault("supervisor.restartBackoffBaseMs", 1000)
	v.SetDefault("supervisor.restartBackoffCapMs", 60000)
	v.SetDefault("supervisor.restartMaxAttempts", 5)
	v.SetDefault("supervisor.restartWindowMin", 10)

	// Broker defaults
	v.SetDefault("broker.queueSize", 10000)
	v.SetDefault("broker.workers", 4)
	v.SetDefault("broker.historyPerAgent", 1000)

	// Approvals defaults
	v.SetDefault("approvals.sweepIntervalMs", 30000)
	v.SetDefault("approvals.defaultTtlMin", 15)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "nox-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sampleIntervalMs", 60000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/nox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("registry.workingDir", "NOX_REGISTRY_WORKING_DIR")
	_ = v.BindEnv("supervisor.startupTimeoutMs", "NOX_SUPERVISOR_STARTUP_TIMEOUT_MS")
	_ = v.BindEnv("broker.queueSize", "NOX_BROKER_QUEUE_SIZE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nox/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Registry.WorkingDir == "" {
		errs = append(errs, "registry.workingDir is required")
	}
	if cfg.Supervisor.CheckIntervalMs <= 0 {
		errs = append(errs, "supervisor.checkIntervalMs must be positive")
	}
	if cfg.Supervisor.RestartMaxAttempts <= 0 {
		errs = append(errs, "supervisor.restartMaxAttempts must be positive")
	}
	if cfg.Broker.QueueSize <= 0 {
		errs = append(errs, "broker.queueSize must be positive")
	}
	if cfg.Broker.Workers <= 0 {
		errs = append(errs, "broker.workers must be positive")
	}
	if cfg.Broker.HistoryPerAgent <= 0 {
		errs = append(errs, "broker.historyPerAgent must be positive")
	}
	if cfg.Approvals.SweepIntervalMs <= 0 {
		errs = append(errs, "approvals.sweepIntervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
