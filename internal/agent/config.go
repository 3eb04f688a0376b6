// Package agent implements the remote polling agent: it leases certificate
// checks from the controller, probes the endpoints over TLS and reports the
// results back.
package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds agent configuration.
type Config struct {
	// ServerBase is the controller base URL, e.g. https://certs.example.com.
	ServerBase string `yaml:"server_base"`

	// Token is the agent secret sent as X-Agent-Token.
	Token string `yaml:"token"`

	// Interval is the pause between polls.
	// Default: 60 seconds
	Interval time.Duration `yaml:"interval"`

	// Limit caps the tasks leased per poll.
	// Default: 10
	Limit int `yaml:"limit"`

	// Timeout bounds each TLS probe and each controller request.
	// Default: 10 seconds
	Timeout time.Duration `yaml:"timeout"`

	// Name is reported as the source of results.
	Name string `yaml:"name"`
}

// Configuration errors.
var (
	ErrMissingServer = errors.New("server_base is required")
	ErrMissingToken  = errors.New("token is required")
)

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Limit:    10,
		Timeout:  10 * time.Second,
		Name:     "certdispatch-agent",
	}
}

// LoadConfig reads the YAML file at path and applies CERTDISPATCH_SERVER
// and CERTDISPATCH_AGENT_TOKEN overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read agent config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}

	if v, ok := os.LookupEnv("CERTDISPATCH_SERVER"); ok {
		cfg.ServerBase = v
	}
	if v, ok := os.LookupEnv("CERTDISPATCH_AGENT_TOKEN"); ok {
		cfg.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and fills defaults for zero values.
func (c *Config) Validate() error {
	c.ServerBase = strings.TrimRight(strings.TrimSpace(c.ServerBase), "/")
	if c.ServerBase == "" {
		return ErrMissingServer
	}
	u, err := url.Parse(c.ServerBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_base %q must be an absolute http(s) url", c.ServerBase)
	}
	c.Token = strings.TrimSpace(c.Token)
	if c.Token == "" {
		return ErrMissingToken
	}

	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Limit <= 0 {
		c.Limit = def.Limit
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Name == "" {
		c.Name = def.Name
	}
	return nil
}
