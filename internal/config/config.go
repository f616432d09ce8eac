// Package config provides configuration management for botctl.
// It handles the YAML configuration file, .env loading and BOTCTL_* overrides
// for both the client commands and the reference gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration validation
var (
	ErrBaseURLRequired       = errors.New("api.base_url is required")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidLogLevel       = errors.New("logging.level must be debug, info, warn or error")
	ErrInvalidLogFormat      = errors.New("logging.format must be json or text")
	ErrInstanceIDRequired    = errors.New("instance id is required")
	ErrDuplicateInstance     = errors.New("duplicate instance id")
	ErrInstallDirRequired    = errors.New("install_dir is required for a configured component")
	ErrRepositoryFormat      = errors.New("repository must be in owner/repo format")
	ErrUnknownComponentName  = errors.New("unknown component")
	ErrNegativeLogEntries    = errors.New("progress.max_log_entries must not be negative")
	ErrInvalidReconnectLimit = errors.New("events.max_reconnect_attempts must not be negative")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BOTCTL_"

// Defaults applied by the duration getters and DefaultConfig.
const (
	DefaultAPITimeout        = 30 * time.Second
	DefaultHeartbeatInterval = 1500 * time.Millisecond
	DefaultConnectTimeout    = 10 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 15 * time.Second
	DefaultMaxReconnects     = 5
	DefaultMaxLogEntries     = 5000
	DefaultListenAddr        = "127.0.0.1:8000"
	DefaultDatabasePath      = "botctl.db"
	DefaultBackupsDir        = "backups"
)

// componentNames lists the component keys accepted under an instance.
var componentNames = map[string]bool{"main": true, "napcat": true, "napcat-adapter": true}

// Config represents the top-level configuration structure.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Events   EventsConfig   `yaml:"events"`
	Cache    CacheConfig    `yaml:"cache"`
	Progress ProgressConfig `yaml:"progress"`
	Logging  LoggingConfig  `yaml:"logging"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// APIConfig points the client at the backend gateway.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

// GetTimeout parses and returns the HTTP timeout.
func (a *APIConfig) GetTimeout() time.Duration {
	return parseDuration(a.Timeout, DefaultAPITimeout)
}

// EventsConfig configures the task event channel.
type EventsConfig struct {
	// WSBaseURL defaults to the API base URL with a ws scheme.
	WSBaseURL            string `yaml:"ws_base_url"`
	HeartbeatInterval    string `yaml:"heartbeat_interval"`
	ConnectTimeout       string `yaml:"connect_timeout"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	BackoffBase          string `yaml:"backoff_base"`
	BackoffMax           string `yaml:"backoff_max"`
}

// GetHeartbeatInterval parses and returns the ping interval.
func (e *EventsConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(e.HeartbeatInterval, DefaultHeartbeatInterval)
}

// GetConnectTimeout parses and returns the dial timeout.
func (e *EventsConfig) GetConnectTimeout() time.Duration {
	return parseDuration(e.ConnectTimeout, DefaultConnectTimeout)
}

// GetBackoffBase parses and returns the first reconnect delay.
func (e *EventsConfig) GetBackoffBase() time.Duration {
	return parseDuration(e.BackoffBase, DefaultBackoffBase)
}

// GetBackoffMax parses and returns the reconnect delay cap.
func (e *EventsConfig) GetBackoffMax() time.Duration {
	return parseDuration(e.BackoffMax, DefaultBackoffMax)
}

// GetMaxReconnectAttempts returns the reconnect limit.
func (e *EventsConfig) GetMaxReconnectAttempts() int {
	if e.MaxReconnectAttempts <= 0 {
		return DefaultMaxReconnects
	}
	return e.MaxReconnectAttempts
}

// ResolveWSBaseURL returns the WebSocket origin for the task channel.
func (c *Config) ResolveWSBaseURL() string {
	if c.Events.WSBaseURL != "" {
		return strings.TrimRight(c.Events.WSBaseURL, "/")
	}
	base := strings.TrimRight(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// CacheConfig overrides staleness windows, keyed by query kind
// (components_version, component_check, backups, history, releases).
type CacheConfig struct {
	Staleness map[string]string `yaml:"staleness"`
}

// GetStaleness returns the configured window for kind, or def when unset.
func (c *CacheConfig) GetStaleness(kind string, def time.Duration) time.Duration {
	return parseDuration(c.Staleness[kind], def)
}

// ProgressConfig configures the notification aggregator.
type ProgressConfig struct {
	MaxLogEntries int `yaml:"max_log_entries"`
}

// GetMaxLogEntries returns the per-task log cap.
func (p *ProgressConfig) GetMaxLogEntries() int {
	if p.MaxLogEntries <= 0 {
		return DefaultMaxLogEntries
	}
	return p.MaxLogEntries
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// GatewayConfig configures the reference gateway started by `botctl serve`.
type GatewayConfig struct {
	ListenAddr     string           `yaml:"listen_addr"`
	DatabasePath   string           `yaml:"database_path"`
	BackupsDir     string           `yaml:"backups_dir"`
	GitHubToken    string           `yaml:"github_token"`
	GitHubAPIURL   string           `yaml:"github_api_url"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	Instances      []InstanceConfig `yaml:"instances"`

	// Platform selects release assets for another host, e.g. "linux-arm64".
	// Empty means the running host.
	Platform string `yaml:"platform"`

	// ScanImage enables a ClamAV scan of downloaded release assets using
	// this Docker image.
	ScanImage string `yaml:"scan_image"`
}

// InstanceConfig describes one managed bot deployment.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// StateFile, when set, holds "running" while the instance runs and wins
	// over Running.
	StateFile  string                     `yaml:"state_file"`
	Running    bool                       `yaml:"running"`
	Components map[string]ComponentConfig `yaml:"components"`
}

// ComponentConfig describes where a component lives and where it comes from.
type ComponentConfig struct {
	InstallDir string `yaml:"install_dir"`
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	// AssetPattern selects the release asset, e.g. "napcat-{version}-{os}-{arch}.tar.gz".
	AssetPattern string `yaml:"asset_pattern"`
	// PublicKeyFile is an armored key or a directory of .asc keys that
	// release signatures must verify against.
	PublicKeyFile string `yaml:"public_key_file"`
}

// GetBranch returns the tracked branch, main by default.
func (c ComponentConfig) GetBranch() string {
	if c.Branch == "" {
		return "main"
	}
	return c.Branch
}

// SplitRepository returns owner and repo.
func (c ComponentConfig) SplitRepository() (string, string, error) {
	owner, repo, ok := strings.Cut(c.Repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrRepositoryFormat, c.Repository)
	}
	return owner, repo, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://" + DefaultListenAddr,
			Timeout: DefaultAPITimeout.String(),
		},
		Events: EventsConfig{
			HeartbeatInterval:    DefaultHeartbeatInterval.String(),
			ConnectTimeout:       DefaultConnectTimeout.String(),
			MaxReconnectAttempts: DefaultMaxReconnects,
			BackoffBase:          DefaultBackoffBase.String(),
			BackoffMax:           DefaultBackoffMax.String(),
		},
		Progress: ProgressConfig{MaxLogEntries: DefaultMaxLogEntries},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			ListenAddr:   DefaultListenAddr,
			DatabasePath: DefaultDatabasePath,
			BackupsDir:   DefaultBackupsDir,
		},
	}
}

// LoadConfig loads and parses the configuration from a YAML file.
// A .env file in the same directory is loaded first, then BOTCTL_* variables
// override file values. Variables already set in the process win over .env.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	dotenv, err := readDotEnv(filepath.Join(filepath.Dir(filePath), ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := config.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// readDotEnv returns the variables of an optional .env file without touching
// the process environment.
func readDotEnv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return vars, nil
}

// LoadOrDefault loads filePath when it exists and falls back to defaults
// with environment overrides otherwise.
func LoadOrDefault(filePath string) (*Config, error) {
	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			return LoadConfig(filePath)
		}
	}
	config := DefaultConfig()
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides scalar settings from BOTCTL_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"API_BASE_URL":              &c.API.BaseURL,
		"API_TOKEN":                 &c.API.Token,
		"API_TIMEOUT":               &c.API.Timeout,
		"EVENTS_WS_BASE_URL":        &c.Events.WSBaseURL,
		"EVENTS_HEARTBEAT_INTERVAL": &c.Events.HeartbeatInterval,
		"EVENTS_CONNECT_TIMEOUT":    &c.Events.ConnectTimeout,
		"EVENTS_BACKOFF_BASE":       &c.Events.BackoffBase,
		"EVENTS_BACKOFF_MAX":        &c.Events.BackoffMax,
		"LOG_LEVEL":                 &c.Logging.Level,
		"LOG_FORMAT":                &c.Logging.Format,
		"LOG_FILE":                  &c.Logging.File,
		"GATEWAY_LISTEN_ADDR":       &c.Gateway.ListenAddr,
		"GATEWAY_DATABASE_PATH":     &c.Gateway.DatabasePath,
		"GATEWAY_BACKUPS_DIR":       &c.Gateway.BackupsDir,
		"GATEWAY_SCAN_IMAGE":        &c.Gateway.ScanImage,
		"GATEWAY_PLATFORM":          &c.Gateway.Platform,
		"GITHUB_TOKEN":              &c.Gateway.GitHubToken,
		"GITHUB_API_URL":            &c.Gateway.GitHubAPIURL,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"EVENTS_MAX_RECONNECT_ATTEMPTS": &c.Events.MaxReconnectAttempts,
		"PROGRESS_MAX_LOG_ENTRIES":      &c.Progress.MaxLogEntries,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "GATEWAY_ALLOWED_ORIGINS"); ok {
		c.Gateway.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Gateway.AllowedOrigins = append(c.Gateway.AllowedOrigins, o)
			}
		}
	}
	return nil
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return ErrBaseURLRequired
	}
	durations := map[string]string{
		"api.timeout":               c.API.Timeout,
		"events.heartbeat_interval": c.Events.HeartbeatInterval,
		"events.connect_timeout":    c.Events.ConnectTimeout,
		"events.backoff_base":       c.Events.BackoffBase,
		"events.backoff_max":        c.Events.BackoffMax,
	}
	for kind, v := range c.Cache.Staleness {
		durations["cache.staleness."+kind] = v
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w: %q", field, ErrInvalidDuration, v)
		}
	}
	if c.Events.MaxReconnectAttempts < 0 {
		return ErrInvalidReconnectLimit
	}
	if c.Progress.MaxLogEntries < 0 {
		return ErrNegativeLogEntries
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Gateway.Validate()
}

// Validate validates logging settings. Empty values fall back to defaults.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch strings.ToLower(l.Format) {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

// Validate validates the gateway instances.
func (g *GatewayConfig) Validate() error {
	seen := make(map[string]bool, len(g.Instances))
	for i, inst := range g.Instances {
		if strings.TrimSpace(inst.ID) == "" {
			return fmt.Errorf("gateway.instances[%d]: %w", i, ErrInstanceIDRequired)
		}
		if seen[inst.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ID)
		}
		seen[inst.ID] = true
		for name, comp := range inst.Components {
			if !componentNames[name] {
				return fmt.Errorf("instance %s: %w: %s", inst.ID, ErrUnknownComponentName, name)
			}
			if comp.InstallDir == "" {
				return fmt.Errorf("instance %s component %s: %w", inst.ID, name, ErrInstallDirRequired)
			}
			if comp.Repository != "" {
				if _, _, err := comp.SplitRepository(); err != nil {
					return fmt.Errorf("instance %s component %s: %w", inst.ID, name, err)
				}
			}
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
