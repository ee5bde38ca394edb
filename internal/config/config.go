// Package config provides configuration parsing and validation for diglett.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration. A process runs either
// the server role or the agent role; the unused section is ignored.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig configures the public gateway.
type ServerConfig struct {
	// Listen is the address agents connect to.
	Listen string `yaml:"listen"`

	// PublicBind is the address public listeners bind to, one OS-chosen
	// port per registration. Loopback by default so only a fronting
	// proxy reaches the tunneled services.
	PublicBind string `yaml:"public_bind"`

	// Metrics is an optional address for the Prometheus /metrics
	// endpoint. Empty disables it.
	Metrics string `yaml:"metrics"`

	// Tokens lists acceptable login tokens, plaintext or bcrypt
	// hashes. Empty accepts every agent.
	Tokens []string `yaml:"tokens"`

	// MaxAgents caps concurrent agent links (0 = unlimited).
	MaxAgents int `yaml:"max_agents"`

	// AcceptRate caps public connection accepts per second per
	// registration (0 = unlimited).
	AcceptRate float64 `yaml:"accept_rate"`

	// HandshakeTimeout bounds the plaintext key exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ControlTimeout bounds the login/registration phase.
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

// AgentConfig configures the agent next to the private backend.
type AgentConfig struct {
	// Gateway is the server's agent endpoint, host:port.
	Gateway string `yaml:"gateway"`

	// Name is the subdomain to register.
	Name string `yaml:"name"`

	// Backend is the private service to expose, host:port.
	Backend string `yaml:"backend"`

	// Token is the login token. May reference an environment variable
	// as ${VAR}.
	Token string `yaml:"token"`

	// DialTimeout bounds gateway and backend dials.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Defaults.
const (
	DefaultListen           = ":20000"
	DefaultPublicBind       = "127.0.0.1"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultControlTimeout   = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

// nameRegex validates subdomain names: lowercase alphanumerics and
// hyphens, no leading/trailing hyphen, at most 63 characters.
var nameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether name is an acceptable subdomain label.
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.PublicBind == "" {
		c.Server.PublicBind = DefaultPublicBind
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.ControlTimeout <= 0 {
		c.Server.ControlTimeout = DefaultControlTimeout
	}
	if c.Agent.DialTimeout <= 0 {
		c.Agent.DialTimeout = DefaultDialTimeout
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// envVarRegex matches ${VAR} references in config values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Parse parses configuration from YAML bytes, applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Agent.Token = expandEnv(cfg.Agent.Token)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors: the server addresses
// and limits, and the agent name when one is set. Completeness of the
// agent section is checked by ValidateAgent, since only one side is
// populated in a given deployment.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	if c.Server.Metrics != "" {
		if _, _, err := net.SplitHostPort(c.Server.Metrics); err != nil {
			return fmt.Errorf("server.metrics %q: %w", c.Server.Metrics, err)
		}
	}
	if c.Server.MaxAgents < 0 {
		return fmt.Errorf("server.max_agents must not be negative")
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must not be negative")
	}
	if c.Agent.Name != "" && !ValidName(c.Agent.Name) {
		return fmt.Errorf("agent.name %q is not a valid subdomain label", c.Agent.Name)
	}
	return nil
}

// ValidateAgent checks that the agent section is complete.
func (c *Config) ValidateAgent() error {
	if c.Agent.Gateway == "" {
		return fmt.Errorf("agent.gateway is required")
	}
	if _, _, err := net.SplitHostPort(c.Agent.Gateway); err != nil {
		return fmt.Errorf("agent.gateway %q: %w", c.Agent.Gateway, err)
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if !ValidName(c.Agent.Name) {
		return fmt.Errorf("agent.name %q is not a valid subdomain label", c.Agent.Name)
	}
	if c.Agent.Backend == "" {
		return fmt.Errorf("agent.backend is required")
	}
	if _, _, err := net.SplitHostPort(c.Agent.Backend); err != nil {
		return fmt.Errorf("agent.backend %q: %w", c.Agent.Backend, err)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
