// Package config handles loading and validating the manager.yaml
// configuration. The manager runs with sensible defaults when no file is
// present; a handful of deployment-critical values can also be overridden
// through environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultManagerToken is the placeholder token shipped in examples. Refusing
// to start with it outside development prevents accidentally exposed
// deployments.
const DefaultManagerToken = "default-manager-token"

// Config is the top-level manager.yaml configuration.
type Config struct {
	Environment string `yaml:"environment"` // "development" or "production"
	ManagerPort int    `yaml:"manager_port"`
	ManagerURL  string `yaml:"manager_url"` // externally reachable base URL, used for completion callbacks

	// Inbound auth.
	AuthorizedTokens map[string]string `yaml:"authorized_tokens"` // name → token
	AdminUsers       map[string]string `yaml:"admin_users"`       // user → bcrypt hash

	// CORS.
	CORSAllowOrigins     []string `yaml:"cors_allow_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSAllowMethods     []string `yaml:"cors_allow_methods"`
	CORSAllowHeaders     []string `yaml:"cors_allow_headers"`

	// Logging.
	LogDirectory string `yaml:"log_directory"` // empty: stdout
	LogLevel     string `yaml:"log_level"`     // debug, info, warn, error

	// Result access.
	RunnersStorageEnabled bool   `yaml:"runners_storage_enabled"`
	RunnersStoragePath    string `yaml:"runners_storage_path"`

	// Persistence.
	TaskStorePath string `yaml:"task_store_path"`

	// Registry liveness.
	HeartbeatDeadAfter     time.Duration `yaml:"heartbeat_dead_after"`
	HeartbeatSweepInterval time.Duration `yaml:"heartbeat_sweep_interval"`

	// Dispatch.
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	DispatchRetryDelay  time.Duration `yaml:"dispatch_retry_delay"`
	DispatchMaxAttempts int           `yaml:"dispatch_max_attempts"` // 0 = unbounded
	RedispatchOnStart   bool          `yaml:"redispatch_on_start"`

	// Execution timeout sweeping.
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`

	// Notify pipeline.
	NotifyMaxRetries    int           `yaml:"notify_max_retries"`
	NotifyRetryDelay    time.Duration `yaml:"notify_retry_delay"`
	NotifyBackoffFactor float64       `yaml:"notify_backoff_factor"`

	// Retention.
	CleanupTaskDays int    `yaml:"cleanup_task_days"`
	CleanupSchedule string `yaml:"cleanup_schedule"` // cron expression
	StatsPath       string `yaml:"stats_path"`

	// Shutdown and safety valves.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	MaxConnections          int           `yaml:"max_connections"`
	SSRFAllowPrivate        bool          `yaml:"ssrf_allow_private"` // tests and air-gapped deployments only
}

// Default returns the built-in defaults. A zero-config development instance
// is fully functional.
func Default() *Config {
	return &Config{
		Environment:             "development",
		ManagerPort:             8090,
		ManagerURL:              "http://127.0.0.1:8090",
		AuthorizedTokens:        map[string]string{"default": DefaultManagerToken},
		CORSAllowOrigins:        []string{"http://localhost:3000"},
		CORSAllowMethods:        []string{"GET", "POST", "OPTIONS"},
		CORSAllowHeaders:        []string{"Accept", "Authorization", "Content-Type", "X-API-Token", "X-Runner-Version", "X-Request-ID"},
		LogLevel:                "info",
		RunnersStoragePath:      "/srv/media-runner",
		TaskStorePath:           "data/tasks",
		HeartbeatDeadAfter:      180 * time.Second,
		HeartbeatSweepInterval:  30 * time.Second,
		PingTimeout:             5 * time.Second,
		DispatchTimeout:         30 * time.Second,
		DispatchRetryDelay:      15 * time.Second,
		DispatchMaxAttempts:     0,
		RedispatchOnStart:       true,
		ExecutionTimeout:        5 * time.Hour,
		TimeoutSweepInterval:    60 * time.Second,
		NotifyMaxRetries:        5,
		NotifyRetryDelay:        60 * time.Second,
		NotifyBackoffFactor:     1.5,
		CleanupTaskDays:         30,
		CleanupSchedule:         "0 * * * *",
		StatsPath:               "data/task_stats.csv",
		GracefulShutdownTimeout: 30 * time.Second,
		MaxConnections:          512,
	}
}

// ResolvePath finds the config file path.
// Priority: MANAGER_CONFIG env var > ./manager.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("MANAGER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("manager.yaml"); err == nil {
		return "manager.yaml"
	}
	return ""
}

// Load parses a manager.yaml file over the defaults and validates the result.
// An empty path yields validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the small set of env vars that deployments
// commonly need to vary per replica without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MANAGER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagerPort = n
		}
	}
	if v := os.Getenv("MANAGER_URL"); v != "" {
		cfg.ManagerURL = v
	}
	if v := os.Getenv("MANAGER_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("TASK_STORE_PATH"); v != "" {
		cfg.TaskStorePath = v
	}
	if v := os.Getenv("LOG_DIRECTORY"); v != "" {
		cfg.LogDirectory = v
	}
}

// Validate rejects configurations that must never reach production.
// Called at startup only; any error here is fatal.
func (c *Config) Validate() error {
	if c.ManagerPort <= 0 || c.ManagerPort > 65535 {
		return fmt.Errorf("manager_port %d: out of range", c.ManagerPort)
	}
	if len(c.AuthorizedTokens) == 0 {
		return fmt.Errorf("authorized_tokens must not be empty")
	}
	if c.Environment != "development" {
		for name, tok := range c.AuthorizedTokens {
			if tok == DefaultManagerToken {
				return fmt.Errorf("authorized_tokens[%s] is the default token, generate a real one before deploying", name)
			}
		}
	}
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowOrigins {
			if o == "*" {
				return fmt.Errorf("cors_allow_credentials=true cannot be combined with cors_allow_origins '*'")
			}
		}
	}
	if c.NotifyBackoffFactor < 1 {
		return fmt.Errorf("notify_backoff_factor %v: must be >= 1", c.NotifyBackoffFactor)
	}
	if c.RunnersStorageEnabled && c.RunnersStoragePath == "" {
		return fmt.Errorf("runners_storage_enabled requires runners_storage_path")
	}
	return nil
}

// TokenSet returns the authorized token values for constant-time matching.
func (c *Config) TokenSet() []string {
	out := make([]string, 0, len(c.AuthorizedTokens))
	for _, tok := range c.AuthorizedTokens {
		out = append(out, tok)
	}
	return out
}
