// ABOUTME: Configuration loading and parsing for link-relay
// ABOUTME: YAML or TOML files with ${VAR} expansion, .env loading, and environment overrides

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultHTTPAddr       = ":3000"
	DefaultNotifyPath     = "/send-notification"
	DefaultDatabasePath   = "link-relay.db"
	DefaultStartCommand   = "/start"
	DefaultWebhookRefresh = time.Hour
	DefaultDedupeTTL      = 10 * time.Minute
	MinJWTSecretLength    = 32
)

// Config represents the complete link-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Linking   LinkingConfig   `yaml:"linking" toml:"linking"`
	Frontends FrontendsConfig `yaml:"frontends" toml:"frontends"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	NotifyPath string `yaml:"notify_path" toml:"notify_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve :443 with the tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"` // ":memory:" keeps everything in process
}

// AuthConfig holds bearer token configuration for the notification endpoint
type AuthConfig struct {
	JWTSecret       string   `yaml:"jwt_secret" toml:"jwt_secret"`
	AllowedSubjects []string `yaml:"allowed_subjects" toml:"allowed_subjects"`
}

// LinkingConfig controls the linking conversation
type LinkingConfig struct {
	StartCommand string         `yaml:"start_command" toml:"start_command"`
	Messages     MessagesConfig `yaml:"messages" toml:"messages"`
}

// MessagesConfig overrides reply texts; empty fields use built-in defaults
type MessagesConfig struct {
	Prompt      string `yaml:"prompt" toml:"prompt"`
	Confirmed   string `yaml:"confirmed" toml:"confirmed"`
	FormatError string `yaml:"format_error" toml:"format_error"`
	CodeInUse   string `yaml:"code_in_use" toml:"code_in_use"`
	BeginFirst  string `yaml:"begin_first" toml:"begin_first"`
}

// FrontendsConfig holds configuration for all chat frontends
type FrontendsConfig struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled"`
	Token           string `yaml:"token" toml:"token"`
	PublicURL       string `yaml:"public_url" toml:"public_url"`
	WebhookPath     string `yaml:"webhook_path" toml:"webhook_path"`
	APIEndpoint     string `yaml:"api_endpoint" toml:"api_endpoint"`
	NotifyParseMode string `yaml:"notify_parse_mode" toml:"notify_parse_mode"`

	WebhookRefresh    time.Duration `yaml:"-" toml:"-"`
	WebhookRefreshRaw string        `yaml:"webhook_refresh" toml:"webhook_refresh"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Homeserver     string   `yaml:"homeserver" toml:"homeserver"`
	UserID         string   `yaml:"user_id" toml:"user_id"`
	AccessToken    string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms   []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	RenderMarkdown bool     `yaml:"render_markdown" toml:"render_markdown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// envOverrides are read from the process environment after the file.
// BOT_TOKEN, APP_URL and PORT keep .env files from the earlier Node relay working.
type envOverrides struct {
	BotToken     string `env:"BOT_TOKEN"`
	AppURL       string `env:"APP_URL"`
	Port         string `env:"PORT"`
	DBPath       string `env:"LINK_RELAY_DB_PATH"`
	JWTSecret    string `env:"LINK_RELAY_JWT_SECRET"`
	LogLevel     string `env:"LINK_RELAY_LOG_LEVEL"`
	OTelEndpoint string `env:"LINK_RELAY_OTEL_ENDPOINT"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:   DefaultHTTPAddr,
			NotifyPath: DefaultNotifyPath,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Linking:  LinkingConfig{StartCommand: DefaultStartCommand},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are TOML, anything else is YAML. Environment variables in
// the format ${VAR_NAME} are expanded, then environment overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(cfg)
}

// FromEnv builds a Config from defaults and the environment alone.
func FromEnv() (*Config, error) {
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	if o.BotToken != "" {
		cfg.Frontends.Telegram.Token = o.BotToken
		cfg.Frontends.Telegram.Enabled = true
	}
	if o.AppURL != "" {
		cfg.Frontends.Telegram.PublicURL = o.AppURL
	}
	if o.Port != "" {
		cfg.Server.HTTPAddr = ":" + o.Port
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	if o.JWTSecret != "" {
		cfg.Auth.JWTSecret = o.JWTSecret
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.OTelEndpoint != "" {
		cfg.Tracing.Endpoint = o.OTelEndpoint
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if raw := cfg.Frontends.Telegram.WebhookRefreshRaw; raw != "" {
		cfg.Frontends.Telegram.WebhookRefresh, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing webhook_refresh %q: %w", raw, err)
		}
	}

	if raw := cfg.Frontends.DedupeTTLRaw; raw != "" {
		cfg.Frontends.DedupeTTL, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", raw, err)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.NotifyPath == "" {
		cfg.Server.NotifyPath = DefaultNotifyPath
	}
	if cfg.Linking.StartCommand == "" {
		cfg.Linking.StartCommand = DefaultStartCommand
	}
	if cfg.Frontends.Telegram.WebhookRefreshRaw == "" {
		cfg.Frontends.Telegram.WebhookRefresh = DefaultWebhookRefresh
	}
	if cfg.Frontends.DedupeTTLRaw == "" {
		cfg.Frontends.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.Frontends.Telegram.WebhookPath == "" && cfg.Frontends.Telegram.Token != "" {
		cfg.Frontends.Telegram.WebhookPath = "/bot" + cfg.Frontends.Telegram.Token
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.NotifyPath, "/") {
		return fmt.Errorf("server.notify_path must start with /")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if strings.ContainsAny(c.Linking.StartCommand, " \t\n") {
		return fmt.Errorf("linking.start_command must be a single word")
	}

	if err := c.Frontends.Telegram.validate(c.Server.NotifyPath); err != nil {
		return err
	}

	if m := c.Frontends.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("frontends.matrix requires homeserver, user_id and access_token")
		}
	}

	if c.Frontends.DedupeTTL < 0 {
		return fmt.Errorf("frontends.dedupe_ttl must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

func (t TelegramConfig) validate(notifyPath string) error {
	if !t.Enabled {
		return nil
	}
	if t.Token == "" {
		return fmt.Errorf("frontends.telegram.token is required when telegram is enabled")
	}
	if !strings.HasPrefix(t.WebhookPath, "/") {
		return fmt.Errorf("frontends.telegram.webhook_path must start with /")
	}
	if t.WebhookPath == notifyPath {
		return fmt.Errorf("frontends.telegram.webhook_path collides with server.notify_path")
	}
	if t.PublicURL != "" {
		u, err := url.Parse(t.PublicURL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("frontends.telegram.public_url %q must be an absolute http(s) URL", t.PublicURL)
		}
	}
	if t.WebhookRefresh < 0 {
		return fmt.Errorf("frontends.telegram.webhook_refresh must not be negative")
	}
	switch t.NotifyParseMode {
	case "", "HTML", "MarkdownV2", "Markdown":
	default:
		return fmt.Errorf("frontends.telegram.notify_parse_mode %q is not supported", t.NotifyParseMode)
	}
	return nil
}
