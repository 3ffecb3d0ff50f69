// Package config handles Sibyl configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./sibyl.yaml, ~/.config/sibyl/config.yaml, /etc/sibyl/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"sibyl.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sibyl", "config.yaml"))
	}

	paths = append(paths, "/etc/sibyl/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Sibyl configuration.
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Completion CompletionConfig `yaml:"completion"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Agents     AgentsConfig     `yaml:"agents"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// BridgeConfig defines the remote tool worker listener.
type BridgeConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 7340
	// CallTimeoutSec bounds each remote tool invocation. Default 30.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// CompletionConfig defines the upstream OpenAI-compatible endpoint.
type CompletionConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. http://localhost:11434/v1
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// HeaderTimeoutSec is how long to wait for response headers before the
	// stream starts. There is no overall deadline on the stream body;
	// cancellation is context-driven. Default 120.
	HeaderTimeoutSec int `yaml:"header_timeout_sec"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"base_url"` // Ollama-compatible URL
}

// AgentsConfig defines where agent directories live.
type AgentsConfig struct {
	// Dir is the root directory; each agent gets Dir/<agent-id>/ holding
	// its memory document and index database.
	Dir string `yaml:"dir"`
	// MaxIterations caps the tool loop for scheduled (autonomous) runs.
	// Interactive runs use a much higher safety cap. Default 10.
	MaxIterations int `yaml:"max_iterations"`
}

// SchedulerConfig controls the autonomous task scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig defines the optional status publisher.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicBase  string `yaml:"topic_base"`  // Default: "sibyl"
	InstanceID string `yaml:"instance_id"` // Default: hostname
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 7340
	}
	if c.Bridge.CallTimeoutSec == 0 {
		c.Bridge.CallTimeoutSec = 30
	}
	if c.Completion.HeaderTimeoutSec == 0 {
		c.Completion.HeaderTimeoutSec = 120
	}
	if c.Agents.MaxIterations == 0 {
		c.Agents.MaxIterations = 10
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = filepath.Join(c.DataDir, "agents")
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.TopicBase == "" {
		c.MQTT.TopicBase = "sibyl"
	}
	if c.MQTT.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.MQTT.InstanceID = host
		} else {
			c.MQTT.InstanceID = "sibyl"
		}
	}
}

// Validate checks for configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Completion.BaseURL == "" {
		return fmt.Errorf("completion.base_url is required")
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if c.Embeddings.Enabled && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url is required when embeddings are enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// BridgeCallTimeout returns the remote tool call timeout as a Duration.
func (c *Config) BridgeCallTimeout() time.Duration {
	return time.Duration(c.Bridge.CallTimeoutSec) * time.Second
}
