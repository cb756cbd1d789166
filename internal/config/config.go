// Package config reads and writes the global ~/.msgsync/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global configuration file.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Identity       IdentityConfig `toml:"identity"`
	Gateway        GatewayConfig  `toml:"gateway"`
	Sync           SyncConfig     `toml:"sync"`
}

// IdentityConfig is the local user's identity as known to the remote store.
type IdentityConfig struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// GatewayConfig points at the remote message gateway.
type GatewayConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// SyncConfig holds the sync engine's tuning knobs. These are product
// tuning values, not correctness requirements, so they are configurable
// with the defaults below.
type SyncConfig struct {
	SendBaseDelayMs int `toml:"send_base_delay_ms"`
	SendMaxDelayMs  int `toml:"send_max_delay_ms"`
	SendMaxAttempts int `toml:"send_max_attempts"`
	ReadDebounceMs  int `toml:"read_debounce_ms"`
	EchoWindowMs    int `toml:"echo_window_ms"`
	FetchPageSize   int `toml:"fetch_page_size"`
}

// Default returns the configuration defaults: 1s exponential send
// backoff capped at 30s over 5 attempts, 400ms read-receipt debounce,
// 10s provisional echo window.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Sync: SyncConfig{
			SendBaseDelayMs: 1000,
			SendMaxDelayMs:  30000,
			SendMaxAttempts: 5,
			ReadDebounceMs:  400,
			EchoWindowMs:    10000,
			FetchPageSize:   100,
		},
	}
}

// BaseDelay returns the first retry delay.
func (s SyncConfig) BaseDelay() time.Duration {
	return time.Duration(s.SendBaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (s SyncConfig) MaxDelay() time.Duration {
	return time.Duration(s.SendMaxDelayMs) * time.Millisecond
}

// ReadDebounce returns the read-receipt flush debounce.
func (s SyncConfig) ReadDebounce() time.Duration {
	return time.Duration(s.ReadDebounceMs) * time.Millisecond
}

// EchoWindow returns how far apart an outbound send and its feed echo
// may be and still be treated as the same message.
func (s SyncConfig) EchoWindow() time.Duration {
	return time.Duration(s.EchoWindowMs) * time.Millisecond
}

// Load reads config from the given path, filling unset tunables with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Sync.SendBaseDelayMs <= 0 {
		c.Sync.SendBaseDelayMs = def.Sync.SendBaseDelayMs
	}
	if c.Sync.SendMaxDelayMs <= 0 {
		c.Sync.SendMaxDelayMs = def.Sync.SendMaxDelayMs
	}
	if c.Sync.SendMaxAttempts <= 0 {
		c.Sync.SendMaxAttempts = def.Sync.SendMaxAttempts
	}
	if c.Sync.ReadDebounceMs <= 0 {
		c.Sync.ReadDebounceMs = def.Sync.ReadDebounceMs
	}
	if c.Sync.EchoWindowMs <= 0 {
		c.Sync.EchoWindowMs = def.Sync.EchoWindowMs
	}
	if c.Sync.FetchPageSize <= 0 {
		c.Sync.FetchPageSize = def.Sync.FetchPageSize
	}
}
