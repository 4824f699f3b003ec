// Package config handles configuration loading for the gateway.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and API keys to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (port, TLS, base path)
//   - storage: Database connection (MongoDB URI, database name)
//   - retry: Periodic retry scan (tick interval, timeout tolerance)
//   - pull: Pull delivery (dynamic initiator gate, receipt window)
//   - fragmentation: Payload splitting threshold
//   - policy: Terminal-failure effects (payload deletion, notification)
//   - sender: Delivery worker (poll interval, batch size, compression)
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  basePath: "/"
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/server.crt
//	    keyFile: /etc/ssl/server.key
//
//	storage:
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: gateway
//
//	retry:
//	  tickInterval: 30s
//	  toleranceMinutes: 10
//
//	pull:
//	  dynamicInitiator: false
//	  receiptWindow: 5m
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Retry         RetryConfig         `yaml:"retry"`
	Pull          PullConfig          `yaml:"pull"`
	Fragmentation FragmentationConfig `yaml:"fragmentation"`
	Policy        PolicyConfig        `yaml:"policy"`
	Sender        SenderConfig        `yaml:"sender"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
	AdminKey string `yaml:"adminKey"` // API key for admin endpoints
	TLS      struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	// Type selects the storage backend: "mongodb" or "memory"
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RetryConfig holds the periodic retry scan settings
type RetryConfig struct {
	// TickInterval is how often the scheduler scans for due and
	// expired messages
	TickInterval time.Duration `yaml:"tickInterval"`

	// ToleranceMinutes widens the expiry check of the scan so a
	// message is not purged while a scheduled attempt is still in
	// flight
	ToleranceMinutes int `yaml:"toleranceMinutes"`

	// TickTimeout bounds one scheduler pass
	TickTimeout time.Duration `yaml:"tickTimeout"`
}

// Tolerance returns the expiry tolerance as a duration.
func (r RetryConfig) Tolerance() time.Duration {
	return time.Duration(r.ToleranceMinutes) * time.Minute
}

// PullConfig holds pull delivery settings
type PullConfig struct {
	// DynamicInitiator allows pull requests without a configured
	// initiator party, tenant-wide
	DynamicInitiator bool `yaml:"dynamicInitiator"`

	// ReceiptWindow is how long a pulled message waits for its
	// receipt before the lock is reset for another pull
	ReceiptWindow time.Duration `yaml:"receiptWindow"`
}

// FragmentationConfig holds payload splitting settings
type FragmentationConfig struct {
	// ThresholdBytes is the payload size above which messages are
	// split into fragments
	ThresholdBytes int `yaml:"thresholdBytes"`
}

// PolicyConfig holds the terminal-failure effect switches
type PolicyConfig struct {
	DeleteFailedPayload bool `yaml:"deleteFailedPayload"`
	NotifyOnFailure     bool `yaml:"notifyOnFailure"`
}

// SenderConfig holds the delivery worker settings
type SenderConfig struct {
	// PollInterval is how often the worker drains the send queue
	PollInterval time.Duration `yaml:"pollInterval"`

	// BatchSize bounds the entries processed per poll
	BatchSize int `yaml:"batchSize"`

	// DisableCompression turns off gzip compression on the wire
	DisableCompression bool `yaml:"disableCompression"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "mongodb"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "gateway"
	}
	if c.Retry.TickInterval == 0 {
		c.Retry.TickInterval = 30 * time.Second
	}
	if c.Retry.TickTimeout == 0 {
		c.Retry.TickTimeout = c.Retry.TickInterval
	}
	if c.Pull.ReceiptWindow == 0 {
		c.Pull.ReceiptWindow = 5 * time.Minute
	}
	if c.Fragmentation.ThresholdBytes == 0 {
		c.Fragmentation.ThresholdBytes = 16 * 1024 * 1024 // 16MB
	}
	if c.Sender.PollInterval == 0 {
		c.Sender.PollInterval = 5 * time.Second
	}
	if c.Sender.BatchSize == 0 {
		c.Sender.BatchSize = 10
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	case "memory":
		// No settings
	default:
		return fmt.Errorf("storage.type must be 'mongodb' or 'memory', got '%s'", c.Storage.Type)
	}

	if c.Retry.TickInterval < time.Second {
		return fmt.Errorf("retry.tickInterval must be at least 1s, got %s", c.Retry.TickInterval)
	}
	if c.Retry.ToleranceMinutes < 0 {
		return fmt.Errorf("retry.toleranceMinutes must not be negative, got %d", c.Retry.ToleranceMinutes)
	}
	if c.Fragmentation.ThresholdBytes < 0 {
		return fmt.Errorf("fragmentation.thresholdBytes must not be negative, got %d", c.Fragmentation.ThresholdBytes)
	}
	if c.Sender.BatchSize < 0 {
		return fmt.Errorf("sender.batchSize must not be negative, got %d", c.Sender.BatchSize)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
		}
	}

	return nil
}
