package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the walletd configuration
type Config struct {
	// DataDir holds the database and the instance lock
	DataDir string `yaml:"data_dir"`

	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Ledger LedgerConfig `yaml:"ledger"`
	NATS   NATSConfig   `yaml:"nats"`
	Health HealthConfig `yaml:"health"`
	Backup BackupConfig `yaml:"backup"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig holds wallet-connect server settings
type ServerConfig struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`

	// Relays is the baseline relay set, always connected
	Relays []string `yaml:"relays"`
	// PairingRelay is embedded in new pairing URLs
	PairingRelay string `yaml:"pairing_relay"`
	// Permissions granted to newly paired connections
	Permissions []string `yaml:"permissions"`

	LookbackSeconds   int             `yaml:"lookback_seconds"`
	RequestLogHours   int             `yaml:"request_log_hours"`
	PublishTimeoutSec int             `yaml:"publish_timeout_seconds"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-connection request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LedgerConfig selects and configures the payment backend
type LedgerConfig struct {
	// Driver is "dev" or "evm"
	Driver  string `yaml:"driver"`
	RPCURL  string `yaml:"rpc_url"`
	Network string `yaml:"network"`

	// PrivateKey is a hex key; PrivateKeySSMParam names an SSM SecureString
	// holding one and is used when PrivateKey is empty
	PrivateKey         string `yaml:"private_key"`
	PrivateKeySSMParam string `yaml:"private_key_ssm_param"`
	Region             string `yaml:"region"`

	// DevBalance seeds the dev ledger
	DevBalance uint64 `yaml:"dev_balance"`
}

// NATSConfig holds NATS control bus settings
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	SubjectPrefix   string `yaml:"subject_prefix"`

	// ControlPublicKey is the base64 Ed25519 key control commands must be
	// signed with. ControlKeyFile holds the private half for the CLI.
	ControlPublicKey string `yaml:"control_public_key"`
	ControlKeyFile   string `yaml:"control_key_file"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// BackupConfig holds encrypted S3 backup settings
type BackupConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	KMSKeyID        string `yaml:"kms_key_id"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/walletd",
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Name:  "walletd",
			Color: "#3b82f6",
			Relays: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.getalby.com/v1",
			},
			PairingRelay:      "wss://relay.getalby.com/v1",
			Permissions:       []string{MethodPayInvoice, MethodGetBalance, MethodGetInfo, MethodMakeInvoice},
			LookbackSeconds:   600,
			RequestLogHours:   24,
			PublishTimeoutSec: 10,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 2,
				Burst:             10,
			},
		},
		Ledger: LedgerConfig{
			Driver: "dev",
			Region: "us-east-1",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
			SubjectPrefix: "walletd",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8080,
		},
		Backup: BackupConfig{
			Region:          "us-east-1",
			KeyPrefix:       "walletd/",
			IntervalMinutes: 60,
		},
	}
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	switch c.Ledger.Driver {
	case "dev":
	case "evm":
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required for the evm driver")
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.PrivateKeySSMParam == "" {
			return fmt.Errorf("ledger.private_key or ledger.private_key_ssm_param is required for the evm driver")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	for _, p := range c.Server.Permissions {
		if !isKnownMethod(p) {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	if c.NATS.Enabled {
		if c.NATS.ControlPublicKey == "" {
			return fmt.Errorf("nats.control_public_key is required when nats is enabled")
		}
		if _, err := ParseControlPublicKey(c.NATS.ControlPublicKey); err != nil {
			return fmt.Errorf("nats.control_public_key: %w", err)
		}
	}
	if c.Backup.Enabled && (c.Backup.Bucket == "" || c.Backup.KMSKeyID == "") {
		return fmt.Errorf("backup.bucket and backup.kms_key_id are required when backups are enabled")
	}
	return nil
}

func (c ServerConfig) lookback() time.Duration {
	return time.Duration(c.LookbackSeconds) * time.Second
}

func (c ServerConfig) requestLogHorizon() time.Duration {
	if c.RequestLogHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RequestLogHours) * time.Hour
}

func (c ServerConfig) publishTimeout() time.Duration {
	if c.PublishTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PublishTimeoutSec) * time.Second
}
