// Package config loads and saves ~/.opclaw/config.yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ehrlich-b/opclaw/internal/gateway"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr = "127.0.0.1:18790"
	configFile      = "config.yaml"
	dbFile          = "opclaw.db"
)

// Storage backends for the device identity and token.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config represents the application configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type GatewayConfig struct {
	URL         string `yaml:"url,omitempty" validate:"omitempty,gateway_url"`
	Token       string `yaml:"token,omitempty"` // static token, superseded by the issued device token
	SessionKey  string `yaml:"session_key,omitempty"`
	AutoConnect bool   `yaml:"auto_connect"` // set after the first successful connect
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite file memory"`
	Path    string `yaml:"path,omitempty"` // db file for sqlite, directory for file
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File  string `yaml:"file,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("gateway_url", validGatewayURL)
	return v
}

// validGatewayURL accepts anything that normalizes to a ws(s) URL with a
// host: ws, wss, http, https, host:port or a bare host.
func validGatewayURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(gateway.NormalizeURL(fl.Field().String()))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return false
	}
	return u.Hostname() != "" && !strings.HasSuffix(u.Host, ":")
}

// Dir returns the opclaw state directory: $OPCLAW_HOME or ~/.opclaw.
func Dir() (string, error) {
	if d := os.Getenv("OPCLAW_HOME"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".opclaw"), nil
}

// DefaultPath returns the config file inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if v := os.Getenv("OPCLAW_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("OPCLAW_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("OPCLAW_SESSION_KEY"); v != "" {
		cfg.Gateway.SessionKey = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendSQLite
	}
	if c.Storage.Path == "" && c.Storage.Backend != BackendMemory {
		if dir, err := Dir(); err == nil {
			if c.Storage.Backend == BackendSQLite {
				c.Storage.Path = filepath.Join(dir, dbFile)
			} else {
				c.Storage.Path = dir
			}
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
