// Package config loads runtime configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the override variables. A double underscore separates
// key path segments, so AGENTS_SERVER__BASE_URL sets server.base_url.
const envPrefix = "AGENTS_"

// Config is the full runtime configuration.
type Config struct {
	Server  Server  `koanf:"server"`
	Store   Store   `koanf:"store"`
	Auth    Auth    `koanf:"auth"`
	Logging Logging `koanf:"logging"`
	Scope   Scope   `koanf:"scope"`
	Card    Card    `koanf:"card"`
	Sandbox Sandbox `koanf:"sandbox"`
}

// Server configures the HTTP listener.
type Server struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// BaseURL is the address sub-agents use for same-process delegation.
	// Defaults to the listen address.
	BaseURL         string `koanf:"base_url"`
	ShutdownTimeout int    `koanf:"shutdown_timeout"`
}

// Store selects the repository backend.
type Store struct {
	// Driver is "memory" or "postgres".
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// Auth holds the service-token signing secret. The secret is never logged.
type Auth struct {
	Secret string `koanf:"secret"`
}

// Logging configures the slog handler.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is "text" or "json".
	Format string `koanf:"format"`
}

// Scope names the tenant, project and agent this server instance serves.
type Scope struct {
	TenantID  string `koanf:"tenant_id"`
	ProjectID string `koanf:"project_id"`
	AgentID   string `koanf:"agent_id"`
}

// Card describes the published agent card.
type Card struct {
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
	Version     string `koanf:"version"`
}

// Sandbox selects how function tools execute.
type Sandbox struct {
	// Provider is "native" (subprocess) or "docker" (container per call).
	Provider string `koanf:"provider"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15,
		},
		Store:   Store{Driver: "memory"},
		Logging: Logging{Level: "info", Format: "text"},
		Scope:   Scope{TenantID: "default", ProjectID: "default", AgentID: "default"},
		Card:    Card{Name: "agents-runtime", Version: "dev"},
		Sandbox: Sandbox{Provider: "native"},
	}
}

// Load reads the YAML file at path (optional) and applies AGENTS_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Sandbox.Provider {
	case "native", "docker":
	default:
		return fmt.Errorf("unknown sandbox provider %q", c.Sandbox.Provider)
	}
	return nil
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LocalBaseURL resolves the delegation base URL.
func (s Server) LocalBaseURL() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	host := s.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// envKey maps AGENTS_SECTION__SOME_KEY to section.some_key. The compression
// knobs documented in pkg/store keep their flat names and are ignored here.
func envKey(raw string) string {
	key := strings.TrimPrefix(raw, envPrefix)
	if !strings.Contains(key, "__") {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}
