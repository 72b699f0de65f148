// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pushkin types accepted in the apps section.
const (
	TypeAPNS    = "apns"
	TypeGCM     = "gcm"
	TypeWebPush = "webpush"
)

// Config holds the gateway configuration loaded from YAML.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Proxy   string        `yaml:"proxy"`
	Cache   CacheConfig   `yaml:"cache"`
	Apps    AppList       `yaml:"apps"`
}

// HTTPConfig configures the inbound API listeners.
type HTTPConfig struct {
	BindAddresses []string `yaml:"bind_addresses"`
	Port          int      `yaml:"port"`
	// MaxBodySize caps the notify request body in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the optional Prometheus bind.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// CacheConfig configures the optional rejected-pushkey cache.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`
	// TTLSeconds is how long a rejection is remembered.
	TTLSeconds int `yaml:"ttl"`
}

// TTL returns the configured cache expiry as a duration.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// App is the configuration of a single pushkin, keyed by app-id pattern.
type App struct {
	Pattern string `yaml:"-"`
	Type    string `yaml:"type"`

	// APNs
	CertFile                string `yaml:"certfile"`
	KeyFile                 string `yaml:"keyfile"`
	KeyID                   string `yaml:"key_id"`
	TeamID                  string `yaml:"team_id"`
	Topic                   string `yaml:"topic"`
	Platform                string `yaml:"platform"`
	PushType                string `yaml:"push_type"`
	ConvertDeviceTokenToHex *bool  `yaml:"convert_device_token_to_hex"`

	// FCM
	APIKey             string                 `yaml:"api_key"`
	APIVersion         string                 `yaml:"api_version"`
	ProjectID          string                 `yaml:"project_id"`
	ServiceAccountFile string                 `yaml:"service_account_file"`
	FCMOptions         map[string]interface{} `yaml:"fcm_options"`
	MaxConnections     int                    `yaml:"max_connections"`

	// WebPush
	VapidPrivateKey   string   `yaml:"vapid_private_key"`
	VapidContactEmail string   `yaml:"vapid_contact_email"`
	AllowedEndpoints  []string `yaml:"allowed_endpoints"`
	TTL               int      `yaml:"ttl"`

	// Shared
	InflightRequestLimit int    `yaml:"inflight_request_limit"`
	Proxy                string `yaml:"proxy"`

	// UnknownKeys are config keys present in the file that the gateway
	// does not understand. They are warned about, never fatal.
	UnknownKeys []string `yaml:"-"`
}

// AppList preserves the file order of the apps mapping, since pattern
// matching is defined to search in insertion order.
type AppList []*App

// UnmarshalYAML decodes the apps mapping while retaining key order and
// collecting unknown per-app keys.
func (l *AppList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("apps: expected a mapping, got %s", node.Tag)
	}
	apps := make(AppList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		app := &App{Pattern: keyNode.Value}
		if err := valNode.Decode(app); err != nil {
			return fmt.Errorf("apps[%s]: %w", keyNode.Value, err)
		}
		app.UnknownKeys = unknownKeys(valNode)
		apps = append(apps, app)
	}
	*l = apps
	return nil
}

// understoodAppKeys is every per-app key any pushkin type consumes.
var understoodAppKeys = map[string]struct{}{
	"type": {},
	"certfile": {}, "keyfile": {}, "key_id": {}, "team_id": {}, "topic": {},
	"platform": {}, "push_type": {}, "convert_device_token_to_hex": {},
	"api_key": {}, "api_version": {}, "project_id": {}, "service_account_file": {},
	"fcm_options": {}, "max_connections": {},
	"vapid_private_key": {}, "vapid_contact_email": {}, "allowed_endpoints": {}, "ttl": {},
	"inflight_request_limit": {}, "proxy": {},
}

func unknownKeys(node *yaml.Node) []string {
	var unknown []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, ok := understoodAppKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

// Defaults applied after decode.
const (
	DefaultPort                 = 8000
	DefaultMaxBodySize          = 512 * 1024
	DefaultInflightRequestLimit = 100
	DefaultCacheTTL             = 24 * time.Hour
)

// Path returns the config file location: the explicit flag value if set,
// else the SYGNAL_CONF environment variable, else sygnal.yaml.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SYGNAL_CONF"); env != "" {
		return env
	}
	return "sygnal.yaml"
}

// Load reads and validates the configuration file. A .env file next to the
// process is honored before the environment is consulted.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.HTTP.BindAddresses) == 0 {
		cfg.HTTP.BindAddresses = []string{"127.0.0.1"}
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = DefaultPort
	}
	if cfg.HTTP.MaxBodySize <= 0 {
		cfg.HTTP.MaxBodySize = DefaultMaxBodySize
	}

	seen := make(map[string]struct{}, len(cfg.Apps))
	for _, app := range cfg.Apps {
		if _, dup := seen[app.Pattern]; dup {
			return nil, fmt.Errorf("apps[%s]: duplicate app-id pattern", app.Pattern)
		}
		seen[app.Pattern] = struct{}{}
		if err := app.validate(); err != nil {
			return nil, fmt.Errorf("apps[%s]: %w", app.Pattern, err)
		}
	}
	return cfg, nil
}

func (a *App) validate() error {
	if a.InflightRequestLimit < 0 {
		return fmt.Errorf("inflight_request_limit must not be negative")
	}
	if a.InflightRequestLimit == 0 {
		a.InflightRequestLimit = DefaultInflightRequestLimit
	}
	switch a.Type {
	case TypeAPNS:
		hasCert := a.CertFile != ""
		hasToken := a.KeyFile != "" || a.KeyID != "" || a.TeamID != "" || a.Topic != ""
		if hasCert && hasToken {
			return fmt.Errorf("certfile and keyfile auth are mutually exclusive")
		}
		if !hasCert {
			if a.KeyFile == "" || a.KeyID == "" || a.TeamID == "" || a.Topic == "" {
				return fmt.Errorf("token auth needs keyfile, key_id, team_id and topic")
			}
		}
		switch a.Platform {
		case "", "production", "prod", "sandbox":
		default:
			return fmt.Errorf("invalid platform %q", a.Platform)
		}
	case TypeGCM:
		switch a.APIVersion {
		case "", "legacy":
			if a.APIKey == "" {
				return fmt.Errorf("no api_key set")
			}
		case "v1":
			if a.ProjectID == "" {
				return fmt.Errorf("project_id is required for FCM api v1")
			}
			if a.ServiceAccountFile == "" {
				return fmt.Errorf("service_account_file is required for FCM api v1")
			}
		default:
			return fmt.Errorf("invalid api_version %q", a.APIVersion)
		}
	case TypeWebPush:
		if a.VapidPrivateKey == "" {
			return fmt.Errorf("vapid_private_key not set")
		}
		if a.VapidContactEmail == "" {
			return fmt.Errorf("vapid_contact_email not set")
		}
	case "":
		return fmt.Errorf("no type set")
	default:
		return fmt.Errorf("unknown pushkin type %q", a.Type)
	}
	return nil
}

// WarnUnknownKeys logs one warning per app that carries config keys the
// gateway does not understand.
func (c *Config) WarnUnknownKeys(logr *slog.Logger) {
	for _, app := range c.Apps {
		if len(app.UnknownKeys) > 0 {
			logr.Warn("ignoring unrecognized config fields",
				slog.String("app", app.Pattern),
				slog.Any("keys", app.UnknownKeys))
		}
	}
}
