package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName        = "bountyhub.yml"
	DefaultCurrency = "usd"
)

// Config models bountyhub.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Processor ProcessorConfig `yaml:"processor"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
	// APIKeys authenticate integrations such as the issue tracker app.
	APIKeys         []APIKey        `yaml:"api_keys"`
	AllowDevHeaders bool            `yaml:"allow_dev_headers"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// APIKey stores the hex sha256 of an integration key, never the key itself.
type APIKey struct {
	Name   string `yaml:"name"`
	SHA256 string `yaml:"sha256"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PaymentsConfig struct {
	Currency         string        `yaml:"currency"`
	PlatformFeeBPS   int64         `yaml:"platform_fee_bps"`
	ProcessorTimeout time.Duration `yaml:"processor_timeout"`
	FrontendURL      string        `yaml:"frontend_url"`
	Country          string        `yaml:"country"`
}

type ProcessorConfig struct {
	SecretKey     string `yaml:"secret_key"`
	ClientID      string `yaml:"client_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type RelayConfig struct {
	Interval  time.Duration   `yaml:"interval"`
	BatchSize int             `yaml:"batch_size"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	AMQP      AMQPConfig      `yaml:"amqp"`
}

type WebhookConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Events  []string      `yaml:"events"`
	Timeout time.Duration `yaml:"timeout"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Env    string `yaml:"env"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, k := range c.Server.APIKeys {
		if k.Name == "" {
			return fmt.Errorf("config.server.api_keys[%d].name is required", i)
		}
		if b, err := hex.DecodeString(k.SHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("api key %s: sha256 must be 64 hex characters", k.Name)
		}
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	if len(c.Payments.Currency) != 3 || strings.ToLower(c.Payments.Currency) != c.Payments.Currency {
		return fmt.Errorf("config.payments.currency must be a lowercase ISO 4217 code")
	}
	if c.Payments.PlatformFeeBPS < 0 || c.Payments.PlatformFeeBPS >= 10000 {
		return fmt.Errorf("config.payments.platform_fee_bps must be in [0, 10000)")
	}
	if c.Payments.ProcessorTimeout <= 0 {
		return fmt.Errorf("config.payments.processor_timeout must be positive")
	}
	if c.Payments.FrontendURL != "" {
		if u, err := url.Parse(c.Payments.FrontendURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.payments.frontend_url must be an absolute url")
		}
	}
	if c.Relay.Interval <= 0 {
		return fmt.Errorf("config.relay.interval must be positive")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config.relay.batch_size must be positive")
	}
	names := map[string]bool{}
	for i, h := range c.Relay.Webhooks {
		if h.Name == "" {
			return fmt.Errorf("config.relay.webhooks[%d].name is required", i)
		}
		if names[h.Name] {
			return fmt.Errorf("relay webhook %s is defined twice", h.Name)
		}
		names[h.Name] = true
		if u, err := url.Parse(h.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("relay webhook %s: url must be http(s)", h.Name)
		}
		for _, evt := range h.Events {
			if evt == "" {
				return fmt.Errorf("relay webhook %s has empty event filter", h.Name)
			}
		}
	}
	if c.Relay.AMQP.URL != "" && c.Relay.AMQP.Exchange == "" {
		return fmt.Errorf("config.relay.amqp.exchange is required when amqp.url is set")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bountyhub config show > %s", path, FileName)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML with secrets redacted.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	out.Server.JWTSecret = redact(out.Server.JWTSecret)
	out.Processor.SecretKey = redact(out.Processor.SecretKey)
	out.Processor.WebhookSecret = redact(out.Processor.WebhookSecret)
	out.Relay.Webhooks = append([]WebhookConfig(nil), c.Relay.Webhooks...)
	for i := range out.Relay.Webhooks {
		out.Relay.Webhooks[i].Secret = redact(out.Relay.Webhooks[i].Secret)
	}
	if out.Relay.AMQP.URL != "" {
		if u, err := url.Parse(out.Relay.AMQP.URL); err == nil && u.User != nil {
			u.User = url.User(u.User.Username())
			out.Relay.AMQP.URL = u.String()
		}
	}
	return yaml.Marshal(&out)
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "<redacted>"
}

type override struct {
	key   string
	apply func(c *Config, v *viper.Viper)
}

// overrides lists the keys that may be set from flags or BOUNTYHUB_* env.
var overrides = []override{
	{"server.addr", func(c *Config, v *viper.Viper) { c.Server.Addr = v.GetString("server.addr") }},
	{"server.base_path", func(c *Config, v *viper.Viper) { c.Server.BasePath = v.GetString("server.base_path") }},
	{"server.jwt_secret", func(c *Config, v *viper.Viper) { c.Server.JWTSecret = v.GetString("server.jwt_secret") }},
	{"server.allow_dev_headers", func(c *Config, v *viper.Viper) {
		c.Server.AllowDevHeaders = v.GetBool("server.allow_dev_headers")
	}},
	{"database.path", func(c *Config, v *viper.Viper) { c.Database.Path = v.GetString("database.path") }},
	{"payments.currency", func(c *Config, v *viper.Viper) { c.Payments.Currency = v.GetString("payments.currency") }},
	{"payments.platform_fee_bps", func(c *Config, v *viper.Viper) {
		c.Payments.PlatformFeeBPS = v.GetInt64("payments.platform_fee_bps")
	}},
	{"payments.processor_timeout", func(c *Config, v *viper.Viper) {
		c.Payments.ProcessorTimeout = v.GetDuration("payments.processor_timeout")
	}},
	{"payments.frontend_url", func(c *Config, v *viper.Viper) { c.Payments.FrontendURL = v.GetString("payments.frontend_url") }},
	{"processor.secret_key", func(c *Config, v *viper.Viper) { c.Processor.SecretKey = v.GetString("processor.secret_key") }},
	{"processor.client_id", func(c *Config, v *viper.Viper) { c.Processor.ClientID = v.GetString("processor.client_id") }},
	{"processor.webhook_secret", func(c *Config, v *viper.Viper) {
		c.Processor.WebhookSecret = v.GetString("processor.webhook_secret")
	}},
	{"relay.amqp.url", func(c *Config, v *viper.Viper) { c.Relay.AMQP.URL = v.GetString("relay.amqp.url") }},
	{"log.level", func(c *Config, v *viper.Viper) { c.Log.Level = v.GetString("log.level") }},
	{"log.format", func(c *Config, v *viper.Viper) { c.Log.Format = v.GetString("log.format") }},
}

// OverrideKeys returns the keys honoured by ApplyOverrides.
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for _, o := range overrides {
		keys = append(keys, o.key)
	}
	return keys
}

// ApplyOverrides copies every key set in v onto c and revalidates.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v == nil {
		return nil
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(c, v)
		}
	}
	return c.Validate()
}

// NewViper returns a viper instance reading BOUNTYHUB_* environment
// variables, with dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BOUNTYHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range OverrideKeys() {
		_ = v.BindEnv(key)
	}
	return v
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  allow_dev_headers: false
  rate_limit:
    rps: 20
    burst: 40

database:
  path: ""

payments:
  currency: usd
  platform_fee_bps: 500
  processor_timeout: 10s
  frontend_url: http://localhost:3000
  country: US

processor:
  secret_key: ""
  client_id: ""
  webhook_secret: ""

relay:
  interval: 2s
  batch_size: 100
  amqp:
    url: ""
    exchange: bountyhub.events

log:
  level: info
  format: json
  env: development
`
