package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory path is accepted and resolves to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation before parsing
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigPath finds the configuration file by checking standard locations.
// Priority order: $BASCULE_CONFIG, ~/.config/bascule/config.yaml,
// /etc/bascule/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("BASCULE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "bascule", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/bascule/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $BASCULE_CONFIG, ~/.config/bascule/config.yaml, /etc/bascule/config.yaml, ./config.yaml)")
}

// applyDefaults merges default values into config where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.JournalRetention == 0 {
		cfg.Service.JournalRetention = defaults.Service.JournalRetention
	}

	if cfg.Interpreter.Binary == "" {
		cfg.Interpreter.Binary = defaults.Interpreter.Binary
		if cfg.Interpreter.Args == nil {
			cfg.Interpreter.Args = defaults.Interpreter.Args
		}
	}
	if cfg.Interpreter.EngineName == "" {
		cfg.Interpreter.EngineName = defaults.Interpreter.EngineName
	}
	if cfg.Interpreter.ProbeScript == "" {
		cfg.Interpreter.ProbeScript = defaults.Interpreter.ProbeScript
	}
	if cfg.Interpreter.MaxOutputBytes == 0 {
		cfg.Interpreter.MaxOutputBytes = defaults.Interpreter.MaxOutputBytes
	}
	if cfg.Interpreter.TerminationGrace == 0 {
		cfg.Interpreter.TerminationGrace = defaults.Interpreter.TerminationGrace
	}

	if cfg.Pool.Capacity == 0 {
		cfg.Pool.Capacity = defaults.Pool.Capacity
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = defaults.Pool.AcquireTimeout
	}
	if cfg.Pool.ProbeTimeout == 0 {
		cfg.Pool.ProbeTimeout = defaults.Pool.ProbeTimeout
	}

	if cfg.Dispatch.AttemptTimeout == 0 {
		cfg.Dispatch.AttemptTimeout = defaults.Dispatch.AttemptTimeout
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = defaults.Dispatch.MaxAttempts
	}
	if cfg.Dispatch.BackoffBase == 0 {
		cfg.Dispatch.BackoffBase = defaults.Dispatch.BackoffBase
	}
	if cfg.Dispatch.BackoffMultiplier == 0 {
		cfg.Dispatch.BackoffMultiplier = defaults.Dispatch.BackoffMultiplier
	}
	if cfg.Dispatch.BackoffCap == 0 {
		cfg.Dispatch.BackoffCap = defaults.Dispatch.BackoffCap
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = defaults.Breaker.Cooldown
	}

	if cfg.Guard.AllowedCategories == nil {
		cfg.Guard.AllowedCategories = defaults.Guard.AllowedCategories
	}
	if cfg.Guard.CallerQuota == 0 {
		cfg.Guard.CallerQuota = defaults.Guard.CallerQuota
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (caught by validation where required).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Interpreter.Binary == "" {
		return fmt.Errorf("interpreter.binary is required")
	}
	if cfg.Interpreter.MaxOutputBytes < 1024 {
		return fmt.Errorf("interpreter.max_output_bytes must be at least 1024 (got %d)", cfg.Interpreter.MaxOutputBytes)
	}

	if cfg.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be at least 1 (got %d)", cfg.Pool.Capacity)
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if cfg.Pool.ProbeTimeout <= 0 {
		return fmt.Errorf("pool.probe_timeout must be positive")
	}

	if cfg.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch.attempt_timeout must be positive")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1 (got %d)", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoff_base must be positive")
	}
	if cfg.Dispatch.BackoffMultiplier < 1 {
		return fmt.Errorf("dispatch.backoff_multiplier must be at least 1 (got %v)", cfg.Dispatch.BackoffMultiplier)
	}
	if cfg.Dispatch.BackoffCap < cfg.Dispatch.BackoffBase {
		return fmt.Errorf("dispatch.backoff_cap must be >= dispatch.backoff_base")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1 (got %d)", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}

	if len(cfg.Guard.AllowedCategories) == 0 {
		return fmt.Errorf("guard.allowed_categories must name at least one category")
	}
	for i, cat := range cfg.Guard.AllowedCategories {
		if cat == "" {
			return fmt.Errorf("guard.allowed_categories[%d] is empty", i)
		}
	}
	for i, root := range cfg.Guard.AllowedPaths {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("guard.allowed_paths[%d] must be absolute (got %q)", i, root)
		}
	}
	if cfg.Guard.CallerQuota < 1 {
		return fmt.Errorf("guard.caller_quota must be at least 1 (got %d)", cfg.Guard.CallerQuota)
	}

	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.auth.api_key: unresolved environment variable")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				if len(matches) > 1 {
					return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
				}
				return fmt.Errorf("api.auth.tokens[%d].token: unresolved environment variable", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

// ParseTimeout parses a user-supplied timeout string, accepting either a
// Go duration ("30s") or a bare number of seconds ("30").
func ParseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("timeout must be positive: %q", s)
		}
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%f", &secs); err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
