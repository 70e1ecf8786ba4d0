// Package config loads assistd configuration from an optional YAML file and
// ASSISTD_* environment variables, and validates it before the server binds.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFile is read when no explicit config path is given. It is optional.
const DefaultFile = "assistd.yaml"

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. ASSISTD_SERVER__PORT.
const EnvPrefix = "ASSISTD_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Provider  ProviderConfig  `koanf:"provider"`
	Model     ModelConfig     `koanf:"model"`
	Storage   StorageConfig   `koanf:"storage"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// LifecycleDir holds status.json, relative to the working directory.
	LifecycleDir   string        `koanf:"lifecycle_dir"`
	StartupTimeout time.Duration `koanf:"startup_timeout"`
	// RequestTimeout bounds non-streaming requests only.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit   int      `koanf:"rate_limit"`
	CORSOrigins []string `koanf:"cors_origins"`
}

type ProviderConfig struct {
	Type    string `koanf:"type"`
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"` // Custom API endpoint
	// ResponsesPrefixes extends the built-in table of model prefixes that
	// are served through the Responses API.
	ResponsesPrefixes []string `koanf:"responses_prefixes"`
	MaxRetries        int      `koanf:"max_retries"`
}

type ModelConfig struct {
	ID          string   `koanf:"id"`
	Temperature *float64 `koanf:"temperature"`
	MaxTokens   *int     `koanf:"max_tokens"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // sqlite, memory, none
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.host":            "127.0.0.1",
	"server.port":            8765,
	"server.lifecycle_dir":   ".assistd",
	"server.startup_timeout": "10s",
	"server.request_timeout": "60s",
	"provider.type":          "openai",
	"provider.max_retries":   3,
	"model.id":               "gpt-4o-mini",
	"storage.type":           "sqlite",
	"storage.path":           ".assistd/interactions.db",
	"log.level":              "info",
	"log.format":             "json",
	"telemetry.service_name": "assistd",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration. An empty path means DefaultFile, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	return finish(k)
}

// LoadEnv reads configuration from ASSISTD_* variables and defaults only,
// touching no files. It supplies the settings needed before the startup
// status can be written.
func LoadEnv() (*Config, error) {
	return finish(koanf.New("."))
}

func finish(k *koanf.Koanf) (*Config, error) {
	// Environment variables override file config
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Provider.APIKey = substituteEnvVars(cfg.Provider.APIKey)
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return &cfg, nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
