// Package config loads patchwork.yaml (or .json) and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/adapters/acp"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up in the working directory.
const DefaultPath = "patchwork.yaml"

// EnvAgentCommand overrides agent.command. Extra words become arguments.
const EnvAgentCommand = "PATCHWORK_AGENT_COMMAND"

// Config is the complete runtime configuration.
type Config struct {
	Agent   acp.AgentConfig `yaml:"agent" json:"agent"`
	Bridge  BridgeConfig    `yaml:"bridge" json:"bridge"`
	Router  RouterConfig    `yaml:"router" json:"router"`
	Log     LogConfig       `yaml:"log" json:"log"`
	Metrics MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// BridgeConfig configures the callback bridge listener.
type BridgeConfig struct {
	Host string `yaml:"host" json:"host"`
}

// RouterConfig sizes the router mailbox and the per-conversation inbox.
type RouterConfig struct {
	Mailbox int `yaml:"mailbox" json:"mailbox"`
	Inbox   int `yaml:"inbox" json:"inbox"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Agent:  acp.DefaultAgentConfig(),
		Bridge: BridgeConfig{Host: "127.0.0.1"},
		Router: RouterConfig{Mailbox: 128, Inbox: 128},
		Log:    LogConfig{Level: "warn", Format: string(logging.FormatText)},
	}
}

// Load reads the file at path (YAML, or JSON by extension) and fills the
// remaining fields from Default. A missing file is only an error when
// required is set.
func Load(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.fillDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) fillDefaults() {
	def := Default()
	// The default agent only applies as a whole; a configured command keeps its own args.
	if c.Agent.Command == "" {
		dir, env := c.Agent.Dir, c.Agent.Environment
		c.Agent = def.Agent
		c.Agent.Dir, c.Agent.Environment = dir, env
	}
	if c.Bridge.Host == "" {
		c.Bridge.Host = def.Bridge.Host
	}
	if c.Router.Mailbox == 0 {
		c.Router.Mailbox = def.Router.Mailbox
	}
	if c.Router.Inbox == 0 {
		c.Router.Inbox = def.Router.Inbox
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// ApplyEnv applies environment overrides using lookup (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAgentCommand); ok {
		if fields := strings.Fields(v); len(fields) > 0 {
			c.Agent.Command = fields[0]
			c.Agent.Args = fields[1:]
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Router.Mailbox < 0 {
		return fmt.Errorf("router.mailbox must not be negative, got %d", c.Router.Mailbox)
	}
	if c.Router.Inbox < 0 {
		return fmt.Errorf("router.inbox must not be negative, got %d", c.Router.Inbox)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	return nil
}
