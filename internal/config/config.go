package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/resolver"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Database DatabaseConfig          `yaml:"database"`
	Auth     AuthConfig              `yaml:"auth"`
	Remote   RemoteConfig            `yaml:"remote"`
	Network  NetworkConfig           `yaml:"network"`
	Sync     SyncConfig              `yaml:"sync"`
	Policies map[string]PolicyConfig `yaml:"policies"`
	Log      LogConfig               `yaml:"log"`
	Audit    AuditConfig             `yaml:"audit"`
}

// ServerConfig contains control API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains control API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// RemoteConfig describes the remote authority.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// NetworkConfig controls reachability probing.
type NetworkConfig struct {
	// Probe is "interface", "http" or "none". With "none" the host reports
	// connectivity itself.
	Probe         string   `yaml:"probe"`
	ProbeInterval Duration `yaml:"probe_interval"`
	// HealthPath is appended to remote.base_url by the http probe.
	HealthPath string `yaml:"health_path"`
}

// SyncConfig shapes queueing, retry and the coordinator loop.
type SyncConfig struct {
	MaxQueueSize    int      `yaml:"max_queue_size"`
	MaxRetries      int      `yaml:"max_retries"`
	BaseBackoff     Duration `yaml:"base_backoff"`
	BackoffCeiling  Duration `yaml:"backoff_ceiling"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	ErrorRetryDelay Duration `yaml:"error_retry_delay"`
	Parallelism     int      `yaml:"parallelism"`
	// Schedule is an optional cron expression for periodic sync.
	Schedule string `yaml:"schedule"`
}

// PolicyConfig is the resolution policy for one entity kind.
type PolicyConfig struct {
	Strategy string            `yaml:"strategy"`
	Fields   map[string]string `yaml:"fields,omitempty"`
	Default  string            `yaml:"default,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuditConfig configures export of the conflict audit log to S3-compatible
// storage. An empty bucket disables export.
type AuditConfig struct {
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Missing file is not an error.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config holding only default values.
func Default() *Config {
	return newDefaults()
}

func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/tether.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Network: NetworkConfig{
			Probe:         "interface",
			ProbeInterval: Duration(15 * time.Second),
			HealthPath:    "/api/v1/health",
		},
		Sync: SyncConfig{
			MaxQueueSize:    100,
			MaxRetries:      3,
			BaseBackoff:     Duration(2 * time.Second),
			BackoffCeiling:  Duration(300 * time.Second),
			CacheTTL:        Duration(24 * time.Hour),
			ErrorRetryDelay: Duration(30 * time.Second),
			Parallelism:     1,
		},
		Policies: map[string]PolicyConfig{
			"task":    {Strategy: string(resolver.LastWriteWins)},
			"photo":   {Strategy: string(resolver.ServerWins)},
			"profile": {Strategy: string(resolver.FieldMerge), Default: string(resolver.ServerWins)},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Audit: AuditConfig{
			Prefix:   "tether/audit",
			Region:   "us-east-1",
			UseSSL:   &useSSL,
			Interval: Duration(1 * time.Hour),
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("TETHER_PORT", &cfg.Server.Port)
	envDuration("TETHER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("TETHER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("TETHER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("TETHER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("TETHER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Remote
	if v := os.Getenv("TETHER_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("TETHER_REMOTE_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	envDuration("TETHER_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Network
	if v := os.Getenv("TETHER_NETWORK_PROBE"); v != "" {
		cfg.Network.Probe = v
	}
	envDuration("TETHER_PROBE_INTERVAL", &cfg.Network.ProbeInterval)

	// Sync
	envInt("TETHER_MAX_QUEUE_SIZE", &cfg.Sync.MaxQueueSize)
	envInt("TETHER_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("TETHER_BASE_BACKOFF", &cfg.Sync.BaseBackoff)
	envDuration("TETHER_BACKOFF_CEILING", &cfg.Sync.BackoffCeiling)
	envDuration("TETHER_CACHE_TTL", &cfg.Sync.CacheTTL)
	envDuration("TETHER_ERROR_RETRY_DELAY", &cfg.Sync.ErrorRetryDelay)
	envInt("TETHER_SYNC_PARALLELISM", &cfg.Sync.Parallelism)
	if v := os.Getenv("TETHER_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}

	// Log
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TETHER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Audit
	if v := os.Getenv("TETHER_AUDIT_BUCKET"); v != "" {
		cfg.Audit.Bucket = v
	}
	if v := os.Getenv("TETHER_S3_ENDPOINT"); v != "" {
		cfg.Audit.Endpoint = v
	}
	if v := os.Getenv("TETHER_S3_REGION"); v != "" {
		cfg.Audit.Region = v
	}
	if v := os.Getenv("TETHER_S3_ACCESS_KEY"); v != "" {
		cfg.Audit.AccessKey = v
	}
	if v := os.Getenv("TETHER_S3_SECRET_KEY"); v != "" {
		cfg.Audit.SecretKey = v
	}
	if v := os.Getenv("TETHER_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Audit.UseSSL = &useSSL
	}
	envDuration("TETHER_AUDIT_INTERVAL", &cfg.Audit.Interval)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks required values and ranges. In dev mode
// (TETHER_DEV_MODE=true) the secret requirements are skipped.
func (c *Config) validate() error {
	var errs []error

	if os.Getenv("TETHER_DEV_MODE") != "true" {
		if c.Auth.APIKey == "" {
			errs = append(errs, errors.New("TETHER_API_KEY is required"))
		}
		if c.Remote.BaseURL == "" {
			errs = append(errs, errors.New("remote.base_url is required"))
		}
	}

	if c.Sync.MaxQueueSize < 1 {
		errs = append(errs, fmt.Errorf("sync.max_queue_size must be positive, got %d", c.Sync.MaxQueueSize))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("sync.parallelism must be positive, got %d", c.Sync.Parallelism))
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.BackoffCeiling < c.Sync.BaseBackoff {
		errs = append(errs, errors.New("sync.base_backoff must be positive and not exceed sync.backoff_ceiling"))
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.schedule: %w", err))
		}
	}

	switch c.Network.Probe {
	case "interface", "http", "none":
	default:
		errs = append(errs, fmt.Errorf("network.probe must be interface, http or none, got %q", c.Network.Probe))
	}
	if c.Network.Probe == "http" && c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("network.probe http requires remote.base_url"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	if _, err := c.ResolutionPolicies(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ResolutionPolicies converts the policies section into resolver policies
// keyed by entity kind.
func (c *Config) ResolutionPolicies() (map[string]resolver.Policy, error) {
	kinds := make([]string, 0, len(c.Policies))
	for kind := range c.Policies {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	out := make(map[string]resolver.Policy, len(kinds))
	for _, kind := range kinds {
		pc := c.Policies[kind]
		p, err := resolver.ParsePolicy(pc.Strategy, pc.Fields, pc.Default)
		if err != nil {
			return nil, fmt.Errorf("policies.%s: %w", kind, err)
		}
		out[kind] = p
	}
	return out, nil
}

// SSL reports whether the audit archive connection uses TLS.
func (a AuditConfig) SSL() bool {
	return a.UseSSL == nil || *a.UseSSL
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
