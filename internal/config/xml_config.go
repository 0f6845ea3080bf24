// Package config provides XML-based configuration management for plant-floor deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"RNPMonitor"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Device link configuration
	Links LinksConfig `xml:"Links"`

	// MQTT bridge configuration
	MQTT MQTTConfig `xml:"MQTT"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Driver        string `xml:"Driver"` // duckdb or sqlite
	DataDirectory string `xml:"DataDirectory"`
	DatabaseFile  string `xml:"DatabaseFile"`
}

// LinksConfig contains device WebSocket link settings
type LinksConfig struct {
	PingIntervalSeconds     int     `xml:"PingIntervalSeconds"`
	PongTimeoutSeconds      int     `xml:"PongTimeoutSeconds"`
	InitialDelayMillis      int     `xml:"InitialReconnectDelayMs"`
	MaxDelaySeconds         int     `xml:"MaxReconnectDelaySeconds"`
	Multiplier              float64 `xml:"ReconnectMultiplier"`
	MaxAttempts             int     `xml:"MaxReconnectAttempts"`
	HandshakeTimeoutSeconds int     `xml:"HandshakeTimeoutSeconds"`
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool   `xml:"Enabled"`
	Broker      string `xml:"Broker"`
	ClientID    string `xml:"ClientID"`
	TopicPrefix string `xml:"TopicPrefix"`
	QueueLength int    `xml:"QueueLength"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	LogFormat            string `xml:"LogFormat"` // json or text
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	SubscriberBuffer     int    `xml:"SubscriberBuffer"`
	MachinesFile         string `xml:"MachinesFile"`
	WatchMachinesFile    bool   `xml:"WatchMachinesFile"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         3001,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "1M",
		},
		Storage: StorageConfig{
			Driver:        "duckdb",
			DataDirectory: "./data",
			DatabaseFile:  "monitor.duckdb",
		},
		Links: LinksConfig{
			PingIntervalSeconds:     30,
			PongTimeoutSeconds:      5,
			InitialDelayMillis:      1000,
			MaxDelaySeconds:         30,
			Multiplier:              1.5,
			MaxAttempts:             10,
			HandshakeTimeoutSeconds: 10,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "rnp-monitor",
			TopicPrefix: "rnp/machines",
			QueueLength: 256,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			LogFormat:            "json",
			EnableRequestLogging: true,
			SubscriberBuffer:     64,
			MachinesFile:         "machines.yaml",
			WatchMachinesFile:    true,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- RNP Machine Monitor Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the server cannot start with.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case "duckdb", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Links.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", c.Links.Multiplier)
	}
	if c.Links.InitialDelayMillis <= 0 || c.Links.MaxDelaySeconds <= 0 {
		return fmt.Errorf("reconnect delays must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without a broker")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = strings.ToLower(driver)
	}

	// MQTT_BROKER also turns the bridge on
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if c.Advanced.MachinesFile != "" && !filepath.IsAbs(c.Advanced.MachinesFile) {
		c.Advanced.MachinesFile = filepath.Join(configDir, c.Advanced.MachinesFile)
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetDatabasePath returns the database file path inside the data directory
func (c *AppConfig) GetDatabasePath() string {
	if filepath.IsAbs(c.Storage.DatabaseFile) {
		return c.Storage.DatabaseFile
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.DatabaseFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// PingInterval returns the device link keepalive period
func (c *AppConfig) PingInterval() time.Duration {
	return time.Duration(c.Links.PingIntervalSeconds) * time.Second
}

// PongTimeout returns how long a link waits for a pong
func (c *AppConfig) PongTimeout() time.Duration {
	return time.Duration(c.Links.PongTimeoutSeconds) * time.Second
}

// InitialDelay returns the first reconnect delay
func (c *AppConfig) InitialDelay() time.Duration {
	return time.Duration(c.Links.InitialDelayMillis) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap
func (c *AppConfig) MaxDelay() time.Duration {
	return time.Duration(c.Links.MaxDelaySeconds) * time.Second
}

// HandshakeTimeout returns the device dial timeout
func (c *AppConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.Links.HandshakeTimeoutSeconds) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.DataDirectory, err)
	}
	return nil
}
