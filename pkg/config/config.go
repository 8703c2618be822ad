// Package config holds the server configuration snapshot and loads it from
// YAML, TOML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

// Authentication schemes understood by the server
const (
	SchemeBearer = "bearer"
	SchemeAPIKey = "apikey"
	SchemeJWT    = "jwt"
)

// ServerConfig is an immutable-after-validation snapshot of the server settings.
// Swapping configuration replaces the whole value.
type ServerConfig struct {
	ServerName               string            `yaml:"server_name" toml:"server_name" json:"serverName"`
	Version                  string            `yaml:"version" toml:"version" json:"version"`
	Port                     int               `yaml:"port" toml:"port" json:"port"`
	BindAddress              string            `yaml:"bind_address" toml:"bind_address" json:"bindAddress"`
	MaxConnections           int               `yaml:"max_connections" toml:"max_connections" json:"maxConnections"`
	ConnectionTimeoutSeconds int               `yaml:"connection_timeout_seconds" toml:"connection_timeout_seconds" json:"connectionTimeoutSeconds"`
	RequestTimeoutSeconds    int               `yaml:"request_timeout_seconds" toml:"request_timeout_seconds" json:"requestTimeoutSeconds"`
	EnableAuthentication     bool              `yaml:"enable_authentication" toml:"enable_authentication" json:"enableAuthentication"`
	LoggingLevel             string            `yaml:"logging_level" toml:"logging_level" json:"loggingLevel"`
	LoggingFormat            string            `yaml:"logging_format" toml:"logging_format" json:"loggingFormat"`
	EnableTLS                bool              `yaml:"enable_tls" toml:"enable_tls" json:"enableTls"`
	TLSCertPath              string            `yaml:"tls_cert_path" toml:"tls_cert_path" json:"tlsCertPath"`
	TLSKeyPath               string            `yaml:"tls_key_path" toml:"tls_key_path" json:"tlsKeyPath"`
	CustomSettings           map[string]string `yaml:"custom_settings" toml:"custom_settings" json:"customSettings,omitempty"`
	Instructions             string            `yaml:"instructions" toml:"instructions" json:"instructions,omitempty"`
	ToolsListPageSize        int               `yaml:"tools_list_page_size" toml:"tools_list_page_size" json:"toolsListPageSize"`
	ReapIntervalSeconds      int               `yaml:"reap_interval_seconds" toml:"reap_interval_seconds" json:"reapIntervalSeconds"`

	Authentication AuthConfig      `yaml:"authentication" toml:"authentication" json:"authentication"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" json:"rateLimit"`
	Metrics        MetricsConfig   `yaml:"metrics" toml:"metrics" json:"metrics"`
	Tracing        TracingConfig   `yaml:"tracing" toml:"tracing" json:"tracing"`
	Audit          AuditConfig     `yaml:"audit" toml:"audit" json:"audit"`
}

// AuthConfig selects and configures the authentication provider
type AuthConfig struct {
	Scheme             string         `yaml:"scheme" toml:"scheme" json:"scheme"`
	ExemptMethods      []string       `yaml:"exempt_methods" toml:"exempt_methods" json:"exemptMethods"`
	TokenExpirySeconds int            `yaml:"token_expiry_seconds" toml:"token_expiry_seconds" json:"tokenExpirySeconds"`
	JWTSecret          string         `yaml:"jwt_secret" toml:"jwt_secret" json:"jwtSecret,omitempty"`
	JWTIssuer          string         `yaml:"jwt_issuer" toml:"jwt_issuer" json:"jwtIssuer,omitempty"`
	Users              []UserConfig   `yaml:"users" toml:"users" json:"users,omitempty"`
	APIKeys            []APIKeyConfig `yaml:"api_keys" toml:"api_keys" json:"apiKeys,omitempty"`
}

// UserConfig is a static username/password account for the bearer scheme
type UserConfig struct {
	Username string   `yaml:"username" toml:"username" json:"username"`
	Password string   `yaml:"password" toml:"password" json:"password"`
	Roles    []string `yaml:"roles" toml:"roles" json:"roles,omitempty"`
}

// APIKeyConfig is a pre-shared key for the apikey scheme
type APIKeyConfig struct {
	Key    string   `yaml:"key" toml:"key" json:"key"`
	UserID string   `yaml:"user_id" toml:"user_id" json:"userId"`
	Roles  []string `yaml:"roles" toml:"roles" json:"roles,omitempty"`
}

// RateLimitConfig bounds the request rate of each caller. Callers are keyed by
// authenticated user, else by credentials, else by remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" toml:"requests_per_minute" json:"requestsPerMinute"`
	BurstSize         int  `yaml:"burst_size" toml:"burst_size" json:"burstSize"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Address   string `yaml:"address" toml:"address" json:"address"`
	Path      string `yaml:"path" toml:"path" json:"path"`
	Namespace string `yaml:"namespace" toml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Exporter   string  `yaml:"exporter" toml:"exporter" json:"exporter"`
	Endpoint   string  `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Insecure   bool    `yaml:"insecure" toml:"insecure" json:"insecure"`
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate" json:"sampleRate"`
}

// AuditConfig configures the tool execution audit log
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`

	// RetentionHours drops entries older than this; zero keeps everything
	RetentionHours int `yaml:"retention_hours" toml:"retention_hours" json:"retentionHours"`
}

// Default returns a configuration that passes Validate
func Default() *ServerConfig {
	return &ServerConfig{
		ServerName:               "mcp-toolserver",
		Version:                  "0.1.0",
		Port:                     8080,
		BindAddress:              "127.0.0.1",
		MaxConnections:           100,
		ConnectionTimeoutSeconds: 300,
		RequestTimeoutSeconds:    30,
		LoggingLevel:             "info",
		LoggingFormat:            "text",
		ReapIntervalSeconds:      30,
		Authentication: AuthConfig{
			Scheme:             SchemeBearer,
			ExemptMethods:      []string{protocol.MethodInitialize, protocol.MethodInitialized, protocol.MethodPing},
			TokenExpirySeconds: 3600,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "mcp",
		},
		Tracing: TracingConfig{
			Exporter:   "otlp-grpc",
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Audit: AuditConfig{
			Path: "mcp-audit.db",
		},
	}
}

// Validate enforces the invariants every running server relies on
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return mcperrors.ConfigInvalid("port", fmt.Sprintf("must be between 1 and 65535, got %d", c.Port))
	}
	if c.MaxConnections <= 0 {
		return mcperrors.ConfigInvalid("max_connections", "must be greater than 0")
	}
	if c.ConnectionTimeoutSeconds <= 0 {
		return mcperrors.ConfigInvalid("connection_timeout_seconds", "must be greater than 0")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return mcperrors.ConfigInvalid("request_timeout_seconds", "must be greater than 0")
	}
	if strings.TrimSpace(c.BindAddress) == "" {
		return mcperrors.ConfigInvalid("bind_address", "is required")
	}
	if c.EnableTLS && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return mcperrors.ConfigInvalid("tls", "enable_tls requires both tls_cert_path and tls_key_path")
	}
	if _, err := logging.ParseLevel(c.LoggingLevel); err != nil {
		return mcperrors.ConfigInvalid("logging_level", err.Error())
	}
	if c.ToolsListPageSize < 0 {
		return mcperrors.ConfigInvalid("tools_list_page_size", "must not be negative")
	}
	if c.ReapIntervalSeconds < 0 {
		return mcperrors.ConfigInvalid("reap_interval_seconds", "must not be negative")
	}

	if c.EnableAuthentication {
		switch c.Authentication.Scheme {
		case SchemeBearer, SchemeAPIKey:
		case SchemeJWT:
			if c.Authentication.JWTSecret == "" {
				return mcperrors.ConfigInvalid("authentication.jwt_secret", "is required for the jwt scheme")
			}
		default:
			return mcperrors.ConfigInvalid("authentication.scheme", fmt.Sprintf("unsupported scheme %q", c.Authentication.Scheme))
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.BurstSize <= 0) {
		return mcperrors.ConfigInvalid("rate_limit", "requests_per_minute and burst_size must be greater than 0")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp-grpc", "otlp-http", "noop":
		default:
			return mcperrors.ConfigInvalid("tracing.exporter", fmt.Sprintf("unsupported exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return mcperrors.ConfigInvalid("tracing.sample_rate", "must be between 0 and 1")
		}
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return mcperrors.ConfigInvalid("audit.path", "is required when audit is enabled")
	}
	if c.Audit.RetentionHours < 0 {
		return mcperrors.ConfigInvalid("audit.retention_hours", "must not be negative")
	}

	return nil
}

// Clone returns a deep copy so that callers cannot mutate a published snapshot
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	cp := *c

	if c.CustomSettings != nil {
		cp.CustomSettings = make(map[string]string, len(c.CustomSettings))
		for k, v := range c.CustomSettings {
			cp.CustomSettings[k] = v
		}
	}
	cp.Authentication.ExemptMethods = append([]string(nil), c.Authentication.ExemptMethods...)
	cp.Authentication.Users = make([]UserConfig, len(c.Authentication.Users))
	for i, u := range c.Authentication.Users {
		u.Roles = append([]string(nil), u.Roles...)
		cp.Authentication.Users[i] = u
	}
	cp.Authentication.APIKeys = make([]APIKeyConfig, len(c.Authentication.APIKeys))
	for i, k := range c.Authentication.APIKeys {
		k.Roles = append([]string(nil), k.Roles...)
		cp.Authentication.APIKeys[i] = k
	}
	return &cp
}

// Address returns the host:port the listener binds to
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// ConnectionTimeout returns the idle timeout applied to new connections
func (c *ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// AuditRetention returns how long audit entries are kept, zero meaning forever
func (c *ServerConfig) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionHours) * time.Hour
}

// RequestTimeout returns the deadline applied to each tool execution
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReapInterval returns how often idle connections are scanned; zero disables the scan
func (c *ServerConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// TokenExpiry returns the lifetime of issued tokens
func (c *ServerConfig) TokenExpiry() time.Duration {
	return time.Duration(c.Authentication.TokenExpirySeconds) * time.Second
}

// Level returns the parsed logging level, defaulting to info
func (c *ServerConfig) Level() logging.Level {
	level, err := logging.ParseLevel(c.LoggingLevel)
	if err != nil {
		return logging.InfoLevel
	}
	return level
}

// IsExemptMethod reports whether a method may be called before authentication
func (c *ServerConfig) IsExemptMethod(method string) bool {
	for _, m := range c.Authentication.ExemptMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Load reads a configuration file, expanding ${VAR} references, on top of Default().
// The format is chosen by extension: .yaml/.yml, .toml or .json.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes configuration data in the format named by ext without validating it
func Parse(ext string, data []byte) (*ServerConfig, error) {
	expanded := expandEnvVars(string(data))
	cfg := Default()

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when unset
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
