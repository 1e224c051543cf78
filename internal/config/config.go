// Package config loads the flowtrace configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	configFile            = "config.yml"
	defaultSecretFileName = ".flowtrace_secret"
)

var (
	// ErrMissingListen is returned by IsSane when no listen address is set.
	ErrMissingListen = errors.New("server.listen is required")
	// ErrMissingSecret is returned by IsSane when a backend is configured without a secret.
	ErrMissingSecret = errors.New("backend.secret or backend.secret_file is required when backend.url is set")
)

// DefaultServerConfig holds the defaults applied to ServerConfig.
var DefaultServerConfig = ServerConfig{
	Listen:                     "[::]:9122",
	ConcurrentConnectionsLimit: 100,
	MaxPipelinedRequests:       16,
	ProxyHeaderTimeout:         yamlDuration(500 * time.Millisecond),
	IdleTimeout:                yamlDuration(5 * time.Minute),
	GracePeriod:                yamlDuration(10 * time.Second),
	ReadinessProbe:             "/start",
	LivenessProbe:              "/health",
}

type yamlDuration time.Duration

// UnmarshalYAML accepts both Go duration strings ("5s") and plain integers,
// which are read as seconds.
func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = yamlDuration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = yamlDuration(dur)

	return nil
}

// ServerConfig configures the listener and the per-connection pipeline.
type ServerConfig struct {
	Listen                     string       `yaml:"listen,omitempty"`
	ProxyProtocol              bool         `yaml:"proxy_protocol,omitempty"`
	ProxyPolicy                string       `yaml:"proxy_policy,omitempty"`
	ProxyAllowed               []string     `yaml:"proxy_allowed,omitempty"`
	ProxyHeaderTimeout         yamlDuration `yaml:"proxy_header_timeout,omitempty"`
	WebListen                  string       `yaml:"web_listen,omitempty"`
	ConcurrentConnectionsLimit int64        `yaml:"concurrent_connections_limit,omitempty"`
	MaxPipelinedRequests       int          `yaml:"max_pipelined_requests,omitempty"`
	IdleTimeout                yamlDuration `yaml:"idle_timeout,omitempty"`
	GracePeriod                yamlDuration `yaml:"grace_period,omitempty"`
	ReadinessProbe             string       `yaml:"readiness_probe,omitempty"`
	LivenessProbe              string       `yaml:"liveness_probe,omitempty"`
}

// BackendConfig configures the HTTP backend requests are forwarded to.
type BackendConfig struct {
	URL string `yaml:"url,omitempty"`
	// SecretFilePath is only for parsing. Application code should always use Secret.
	SecretFilePath     string `yaml:"secret_file,omitempty"`
	Secret             string `yaml:"secret,omitempty"`
	ReadTimeoutSeconds uint64 `yaml:"read_timeout,omitempty"`
	RetryMax           int    `yaml:"retry_max,omitempty"`
}

// InstrumentationConfig controls per-request correlation.
type InstrumentationConfig struct {
	Disabled     bool     `yaml:"disabled,omitempty"`
	SkipCommands []string `yaml:"skip_commands,omitempty"`
	Tracing      string   `yaml:"tracing,omitempty"`
}

// Config is the complete flowtrace configuration.
type Config struct {
	RootDir   string `yaml:"-"`
	LogFile   string `yaml:"log_file,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
	LogLevel  string `yaml:"log_level,omitempty"`

	Server          ServerConfig          `yaml:"server,omitempty"`
	Backend         BackendConfig         `yaml:"backend,omitempty"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation,omitempty"`
}

// NewFromDir reads the config file from dir and applies defaults.
func NewFromDir(dir string) (*Config, error) {
	return newFromFile(filepath.Join(dir, configFile))
}

func newFromFile(path string) (*Config, error) {
	cfg := &Config{RootDir: filepath.Dir(path)}

	configBytes, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(configBytes, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := parseSecret(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	return cfg, nil
}

func parseSecret(cfg *Config) error {
	// The secret was parsed from yaml no need to read another file
	if cfg.Backend.Secret != "" {
		return nil
	}

	if cfg.Backend.SecretFilePath == "" {
		if cfg.Backend.URL == "" {
			return nil
		}
		cfg.Backend.SecretFilePath = defaultSecretFileName
	}

	if !filepath.IsAbs(cfg.Backend.SecretFilePath) {
		cfg.Backend.SecretFilePath = filepath.Join(cfg.RootDir, cfg.Backend.SecretFilePath)
	}

	secretFileContent, err := os.ReadFile(cfg.Backend.SecretFilePath)
	if err != nil {
		return err
	}
	cfg.Backend.Secret = strings.TrimSpace(string(secretFileContent))

	return nil
}

// ApplyDefaults fills every unset option with its default.
func (cfg *Config) ApplyDefaults() {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFile != "" && !filepath.IsAbs(cfg.LogFile) && cfg.RootDir != "" {
		cfg.LogFile = filepath.Join(cfg.RootDir, cfg.LogFile)
	}

	s := &cfg.Server
	if s.Listen == "" {
		s.Listen = DefaultServerConfig.Listen
	}
	if s.ConcurrentConnectionsLimit == 0 {
		s.ConcurrentConnectionsLimit = DefaultServerConfig.ConcurrentConnectionsLimit
	}
	if s.MaxPipelinedRequests == 0 {
		s.MaxPipelinedRequests = DefaultServerConfig.MaxPipelinedRequests
	}
	if s.ProxyHeaderTimeout == 0 {
		s.ProxyHeaderTimeout = DefaultServerConfig.ProxyHeaderTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultServerConfig.IdleTimeout
	}
	if s.GracePeriod == 0 {
		s.GracePeriod = DefaultServerConfig.GracePeriod
	}
	if s.ReadinessProbe == "" {
		s.ReadinessProbe = DefaultServerConfig.ReadinessProbe
	}
	if s.LivenessProbe == "" {
		s.LivenessProbe = DefaultServerConfig.LivenessProbe
	}
}

// IsSane checks if the given config fulfills the minimum requirements to be able to run.
// Any error returned by this function should be a startup error.
func (cfg *Config) IsSane() error {
	if cfg.Server.Listen == "" {
		return ErrMissingListen
	}
	if cfg.Server.MaxPipelinedRequests < 1 {
		return fmt.Errorf("server.max_pipelined_requests must be positive, got %d", cfg.Server.MaxPipelinedRequests)
	}
	if cfg.Server.ConcurrentConnectionsLimit < 1 {
		return fmt.Errorf("server.concurrent_connections_limit must be positive, got %d", cfg.Server.ConcurrentConnectionsLimit)
	}
	if cfg.Backend.URL != "" {
		if !strings.HasPrefix(cfg.Backend.URL, "http://") && !strings.HasPrefix(cfg.Backend.URL, "https://") {
			return fmt.Errorf("backend.url must be an http or https URL, got %q", cfg.Backend.URL)
		}
		if cfg.Backend.Secret == "" {
			return ErrMissingSecret
		}
	}
	return nil
}
