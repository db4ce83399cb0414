package config

import "time"

// Config represents the complete bascule configuration.
type Config struct {
	Service      ServiceConfig     `yaml:"service"`
	Interpreter  InterpreterConfig `yaml:"interpreter"`
	Pool         PoolConfig        `yaml:"pool"`
	Dispatch     DispatchConfig    `yaml:"dispatch"`
	Breaker      BreakerConfig     `yaml:"breaker"`
	Guard        GuardConfig       `yaml:"guard"`
	TemplatesDir string            `yaml:"templates_dir,omitempty"`
	Journal      JournalConfig     `yaml:"journal"`
	API          APIConfig         `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// InterpreterConfig defines how scripts reach the automation engine.
// Binary is spawned once per invocation with Args appended; the script
// is fed on stdin.
type InterpreterConfig struct {
	Binary           string        `yaml:"binary"`
	Args             []string      `yaml:"args"`
	EngineName       string        `yaml:"engine_name"`
	ProbeScript      string        `yaml:"probe_script"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// PoolConfig defines invocation slot pool settings.
type PoolConfig struct {
	Capacity       int           `yaml:"capacity"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// DispatchConfig defines per-attempt timeout and retry behavior.
type DispatchConfig struct {
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
}

// BreakerConfig defines per-category circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// GuardConfig defines the boundary policy enforced before any
// slot is consumed.
type GuardConfig struct {
	AllowedCategories []string `yaml:"allowed_categories"`
	AllowedPaths      []string `yaml:"allowed_paths,omitempty"`
	AllowedAppIDs     []string `yaml:"allowed_app_ids,omitempty"`
	CallerQuota       int      `yaml:"caller_quota"`
}

// JournalConfig defines audit journal storage settings.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. Label identifies the
// holder in quota accounting and the journal.
type APIToken struct {
	Token  string   `yaml:"token"`
	Label  string   `yaml:"label,omitempty"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "bascule",
			LogLevel:         "info",
			LogFormat:        "json",
			TickInterval:     60 * time.Second,
			JournalRetention: 30 * 24 * time.Hour,
		},
		Interpreter: InterpreterConfig{
			Binary:           "osascript",
			Args:             []string{"-"},
			EngineName:       "Keyboard Maestro Engine",
			ProbeScript:      "return 1",
			MaxOutputBytes:   64 * 1024,
			TerminationGrace: 5 * time.Second,
		},
		Pool: PoolConfig{
			Capacity:       4,
			AcquireTimeout: 5 * time.Second,
			ProbeTimeout:   10 * time.Second,
		},
		Dispatch: DispatchConfig{
			AttemptTimeout:    30 * time.Second,
			MaxAttempts:       4,
			BackoffBase:       250 * time.Millisecond,
			BackoffMultiplier: 2.0,
			BackoffCap:        5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Guard: GuardConfig{
			AllowedCategories: []string{
				"macro", "variable", "dictionary",
				"clipboard", "window", "application",
			},
			CallerQuota: 8,
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
			Auth: APIAuthConfig{
				APIKey: "",
			},
		},
	}
}
