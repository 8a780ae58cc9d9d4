// config.go - Configuration management for the shielded token service
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quakeshield/internal/entropy"
	"quakeshield/internal/rotation"
)

// Config represents the service configuration
type Config struct {
	// Service settings
	ListenAddr          string `json:"listen_addr"`
	RequestTimeoutSecs  int    `json:"request_timeout_seconds"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_seconds"`

	// File paths
	DataDir string `json:"data_dir"`
	KeyDir  string `json:"key_dir"`

	// Genesis balances credited on a fresh ledger
	GenesisAccounts map[string]uint64 `json:"genesis_accounts"`

	// Entropy gate
	TrustedSources  []string `json:"trusted_sources"`
	MaxMagnitude    float64  `json:"max_magnitude"`
	EventMaxAgeMins int      `json:"event_max_age_minutes"`
	ClockSkewSecs   int      `json:"clock_skew_seconds"`
	AuthTimeoutSecs int      `json:"auth_timeout_seconds"`

	// Key rotation
	MaxEpochIntervalMins int    `json:"max_epoch_interval_minutes"`
	RetentionWindow      uint64 `json:"retention_window"`
	AwaitTimeoutSecs     int    `json:"await_timeout_seconds"`

	// Rate limiting (per client, token bucket)
	RateBurst        int `json:"rate_burst"`
	RateRefillPerSec int `json:"rate_refill_per_second"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Security
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":8470",
		RequestTimeoutSecs:   30,
		ShutdownTimeoutSecs:  10,
		DataDir:              "data",
		KeyDir:               "keys",
		GenesisAccounts:      map[string]uint64{"treasury": 1_000_000},
		TrustedSources:       []string{"usgs", "emsc", "jma"},
		MaxMagnitude:         10.0,
		EventMaxAgeMins:      15,
		ClockSkewSecs:        120,
		AuthTimeoutSecs:      2,
		MaxEpochIntervalMins: 60,
		RetentionWindow:      2,
		AwaitTimeoutSecs:     5,
		RateBurst:            20,
		RateRefillPerSec:     5,
		LogLevel:             "info",
		LogFile:              "shieldd.log",
		EnableAudit:          true,
		AuditLogPath:         "audit.log",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}

		return &config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	if c.ShutdownTimeoutSecs <= 0 {
		return fmt.Errorf("shutdown_timeout_seconds must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.KeyDir == "" {
		return fmt.Errorf("key_dir must not be empty")
	}
	if len(c.TrustedSources) == 0 {
		return fmt.Errorf("trusted_sources must not be empty")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be positive")
	}
	if c.RateRefillPerSec <= 0 {
		return fmt.Errorf("rate_refill_per_second must be positive")
	}
	if err := c.EntropyConfig().Validate(); err != nil {
		return err
	}
	return c.RotationConfig().Validate()
}

// EntropyConfig maps the flat file settings onto the entropy gate config.
func (c *Config) EntropyConfig() entropy.Config {
	return entropy.Config{
		TrustedSources: c.TrustedSources,
		MaxMagnitude:   c.MaxMagnitude,
		MaxAge:         time.Duration(c.EventMaxAgeMins) * time.Minute,
		SkewTolerance:  time.Duration(c.ClockSkewSecs) * time.Second,
		AuthTimeout:    time.Duration(c.AuthTimeoutSecs) * time.Second,
	}
}

// RotationConfig maps the flat file settings onto the rotation engine config.
func (c *Config) RotationConfig() rotation.Config {
	return rotation.Config{
		MaxEpochInterval: time.Duration(c.MaxEpochIntervalMins) * time.Minute,
		RetentionWindow:  c.RetentionWindow,
		AwaitTimeout:     time.Duration(c.AwaitTimeoutSecs) * time.Second,
	}
}
