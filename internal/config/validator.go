package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format for the given provider
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if strings.ContainsAny(key, " \t,") {
			return fmt.Errorf("invalid Gemini API key format (must not contain spaces or commas)")
		}
	}

	return nil
}

// ValidateKeyList validates every entry of a comma-separated key list
func (v *Validator) ValidateKeyList(list string, provider string) error {
	for i, key := range strings.Split(list, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := v.ValidateAPIKey(key, provider); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
	}
	return nil
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(name string) error {
	validProviders := []string{"gemini", "openai", "anthropic", "mock"}
	for _, valid := range validProviders {
		if name == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", name, strings.Join(validProviders, ", "))
}

// ValidateRole validates a credential role
func (v *Validator) ValidateRole(role string) error {
	validRoles := []string{"agent", "worker1", "worker2"}
	for _, valid := range validRoles {
		if role == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid role: %s (must be one of: %s)", role, strings.Join(validRoles, ", "))
}

// ValidateStoreBackend validates the credential store backend
func (v *Validator) ValidateStoreBackend(backend string) error {
	validBackends := []string{"memory", "file", "sqlite", "redis"}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid store backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateSchedule validates a cron spec or descriptor such as "@every 30s"
func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("status schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid status schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	keyLists := map[string]string{
		"agent":   cfg.Keys.Agent,
		"worker1": cfg.Keys.Worker1,
		"worker2": cfg.Keys.Worker2,
	}
	for role, list := range keyLists {
		if list == "" {
			continue
		}
		if err := v.ValidateKeyList(list, cfg.Provider.Name); err != nil {
			errors = append(errors, fmt.Errorf("keys.%s: %w", role, err))
		}
	}

	if cfg.Retry.RotateDelayMs < 0 || cfg.Retry.BackoffBaseMs < 0 {
		errors = append(errors, fmt.Errorf("retry delays must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
