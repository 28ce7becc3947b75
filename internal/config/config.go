// Package config handles configuration loading, validation, and
// persistence for a relay node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultStreamPort = 4445
	DefaultAPIPort    = 5001
)

// Config is the root configuration structure for a relay node.
type Config struct {
	mu   sync.RWMutex
	path string

	NodeData        NodeData        `json:"node_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// NodeData contains the node's network identity and cluster wiring.
type NodeData struct {
	// Identity
	Name string `json:"node_name"`

	// Cluster index, folded into every session id (id = counter + index*256).
	NodeIndex int `json:"node_index"`

	// Listeners. The websocket listener binds to StreamPort+1.
	BindHost   string `json:"node_bind_host"`
	StreamPort int    `json:"node_stream_port"`
	APIPort    int    `json:"node_api_port"`

	// Optional parent node for cluster mode. Empty address = standalone.
	ParentAddress string `json:"cluster_parent_address"`
	ParentPort    int    `json:"cluster_parent_port"`

	// Mode this node declares to its own children: "independent" keeps
	// each node a separate world, "unified" mirrors leave/update events
	// upward so the cluster behaves as one shared world.
	ClusterMode string `json:"cluster_mode"`
}

// ApplicationData contains ambient application configuration.
type ApplicationData struct {
	Logging  LoggingConfig  `json:"logging"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Mail     MailConfig     `json:"mail"`
	Likes    LikesConfig    `json:"likes"`
	Security SecurityConfig `json:"security"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	ClientID  string `json:"client_id"`
}

// MailConfig holds the bug-report mail side channel settings.
type MailConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Recipient  string `json:"recipient"`
}

// LikesConfig holds the shared-photo like counter settings.
type LikesConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeData: NodeData{
			Name:        "relaynode",
			BindHost:    "0.0.0.0",
			StreamPort:  DefaultStreamPort,
			APIPort:     DefaultAPIPort,
			ClusterMode: "independent",
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    1883,
			},
			Likes: LikesConfig{
				Enabled: true,
				DBPath:  "config/likes.db",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating a default file on
// first run.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNodeData returns a copy of the node configuration.
func (c *Config) GetNodeData() NodeData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NodeData
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// MessagePort returns the websocket listener port (stream port + 1).
func (n NodeData) MessagePort() int {
	return n.StreamPort + 1
}

// HasParent reports whether a cluster parent is configured.
func (n NodeData) HasParent() bool {
	return n.ParentAddress != "" && n.ParentPort > 0
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
