package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config models pharmagent.yml.
type Config struct {
	Backend Backend `yaml:"backend"`
	// Debug enables verbose logging of backend traffic.
	Debug   bool    `yaml:"debug"`
	Server  Server  `yaml:"server"`
	Pacing  Pacing  `yaml:"pacing"`
	Session Session `yaml:"session"`
	Log     Log     `yaml:"log"`
}

type Backend struct {
	URL          string        `yaml:"url" validate:"required,url"`
	AutoFallback bool          `yaml:"auto_fallback"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	TimeoutMS    int           `yaml:"timeout_ms" validate:"gte=0"`
}

// RequestTimeout is the bound on one research call. timeout_ms wins over
// timeout when both are set.
func (b Backend) RequestTimeout() time.Duration {
	if b.TimeoutMS > 0 {
		return time.Duration(b.TimeoutMS) * time.Millisecond
	}
	return b.Timeout
}

type Server struct {
	Addr        string   `yaml:"addr" validate:"required,hostname_port"`
	BasePath    string   `yaml:"base_path" validate:"required,startswith=/"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Pacing holds the visual delays of a research run. All zero means the run
// completes without waiting.
type Pacing struct {
	AckDelay       time.Duration `yaml:"ack_delay" validate:"gte=0"`
	StageDelay     time.Duration `yaml:"stage_delay" validate:"gte=0"`
	SettleDelay    time.Duration `yaml:"settle_delay" validate:"gte=0"`
	SynthesisDelay time.Duration `yaml:"synthesis_delay" validate:"gte=0"`
}

type Session struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
}

type Log struct {
	File       string `yaml:"file"`
	Production bool   `yaml:"production"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s is invalid (%s)", yamlPath(fe.Namespace()), fe.Tag())
		}
		return err
	}
	if c.Backend.RequestTimeout() <= 0 {
		return fmt.Errorf("config.backend.timeout must be positive")
	}
	for _, origin := range c.Server.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("config.server.cors_origins contains an empty origin")
		}
	}
	return nil
}

func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	switch s {
	case "URL":
		return "url"
	case "TTL":
		return "ttl"
	case "CORSOrigins":
		return "cors_origins"
	case "TimeoutMS":
		return "timeout_ms"
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Default returns the default configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

// Load reads path when it exists and falls back to defaults otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := FromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

const defaultTemplate = `backend:
  url: http://127.0.0.1:5000
  auto_fallback: true
  timeout: 60s

debug: false

server:
  addr: 127.0.0.1:8080
  base_path: /v0

pacing:
  ack_delay: 400ms
  stage_delay: 600ms
  settle_delay: 400ms
  synthesis_delay: 400ms

session:
  ttl: 1h
  cleanup_interval: 10m

log:
  file: ""
  production: false
`
