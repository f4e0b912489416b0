package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Lysis configuration
type Config struct {
	// Upstream provider
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Credentials, one comma-separated list per role
	Keys KeysConfig `json:"keys" mapstructure:"keys"`

	// Scheduler throttling
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Retry / rotation policy
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Tool loop bounds
	Loops LoopsConfig `json:"loops" mapstructure:"loops"`

	// Credential store backend
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Workspace collaborators
	Workspace WorkspaceConfig `json:"workspace" mapstructure:"workspace"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Ambient status pushes
	Status StatusConfig `json:"status" mapstructure:"status"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig selects the upstream generation API
type ProviderConfig struct {
	Name    string `json:"name" mapstructure:"name"` // gemini, openai, anthropic, mock
	Model   string `json:"model" mapstructure:"model"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// MaxTokens only applies to providers that require it (anthropic)
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`
}

// KeysConfig holds comma-separated key lists seeded into the credential store
type KeysConfig struct {
	Agent   string `json:"agent" mapstructure:"agent"`
	Worker1 string `json:"worker1" mapstructure:"worker1"`
	Worker2 string `json:"worker2" mapstructure:"worker2"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	MinDelayMs int `json:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// RetryConfig holds retry controller settings
type RetryConfig struct {
	MaxRetries    int `json:"max_retries" mapstructure:"max_retries"`
	RotateDelayMs int `json:"rotate_delay_ms" mapstructure:"rotate_delay_ms"`
	BackoffBaseMs int `json:"backoff_base_ms" mapstructure:"backoff_base_ms"`
}

// LoopsConfig bounds the tool loops
type LoopsConfig struct {
	ManagerMax int `json:"manager_max" mapstructure:"manager_max"`
	WorkerMax  int `json:"worker_max" mapstructure:"worker_max"`
}

// StoreConfig selects the credential key-value store
type StoreConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"` // memory, file, sqlite, redis
	Path     string `json:"path" mapstructure:"path"`
	RedisURL string `json:"redis_url" mapstructure:"redis_url"`
	Watch    bool   `json:"watch" mapstructure:"watch"`
}

// WorkspaceConfig holds filesystem / process settings
type WorkspaceConfig struct {
	Root string `json:"root" mapstructure:"root"`
	Mock bool   `json:"mock" mapstructure:"mock"`
	// Profiles optionally points at a JSON or YAML file overriding agent profiles
	Profiles string `json:"profiles" mapstructure:"profiles"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port            int    `json:"port" mapstructure:"port"`
	Host            string `json:"host" mapstructure:"host"`
	SharedSecret    string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSec int    `json:"tick_interval_sec" mapstructure:"tick_interval_sec"`
}

// StatusConfig holds the ambient status push schedule
type StatusConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:      "gemini",
			Model:     "gemini-2.5-flash",
			MaxTokens: 8192,
		},
		Scheduler: SchedulerConfig{
			MinDelayMs: 800,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			RotateDelayMs: 500,
			BackoffBaseMs: 1000,
		},
		Loops: LoopsConfig{
			ManagerMax: 10,
			WorkerMax:  25,
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Workspace: WorkspaceConfig{
			Mock: false,
		},
		Gateway: GatewayConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			TickIntervalSec: 30,
		},
		Status: StatusConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "lysis",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.Provider.Name); err != nil {
		return err
	}
	if c.Provider.Model == "" && c.Provider.Name != "mock" {
		return fmt.Errorf("provider %s: model is required", c.Provider.Name)
	}

	if err := v.ValidateStoreBackend(c.Store.Backend); err != nil {
		return err
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("redis_url is required when store backend is redis")
	}

	if c.Scheduler.MinDelayMs < 0 {
		return fmt.Errorf("scheduler min_delay_ms cannot be negative")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry max_retries must be positive")
	}
	if c.Loops.ManagerMax <= 0 || c.Loops.WorkerMax <= 0 {
		return fmt.Errorf("loop bounds must be positive")
	}

	if c.Status.Enabled {
		if err := v.ValidateSchedule(c.Status.Schedule); err != nil {
			return err
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
