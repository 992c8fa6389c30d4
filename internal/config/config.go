// Package config loads configuration from environment variables, optionally
// overlaid by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no file is given and it exists.
const DefaultFile = "~/.config/savesync/config.yaml"

// Config holds all client configuration.
type Config struct {
	// Server
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`

	// Device
	DeviceRoot string `yaml:"device_root"`
	CacheDir   string `yaml:"cache_dir"`
	NoResize   bool   `yaml:"no_resize"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsAddr string `yaml:"metrics_addr"`

	// Network
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LowSpeedWindow time.Duration `yaml:"low_speed_window"`
	CancelTimeout  time.Duration `yaml:"cancel_timeout"`

	// Queue
	OnlineInterval  time.Duration `yaml:"online_interval"`
	OfflineInterval time.Duration `yaml:"offline_interval"`
	QueueTick       time.Duration `yaml:"queue_tick"`

	// Hashing
	RehashLow    bool          `yaml:"rehash_low"`
	HashInterval time.Duration `yaml:"hash_interval"`
}

// Load reads configuration from SAVESYNC_* environment variables with
// defaults, then applies file on top. An empty file means DefaultFile if
// it exists.
func Load(file string) (*Config, error) {
	cfg := &Config{
		ServerURL:       envOr("SAVESYNC_SERVER_URL", ""),
		Token:           envOr("SAVESYNC_TOKEN", ""),
		TokenFile:       envOr("SAVESYNC_TOKEN_FILE", "~/.config/savesync/token.json"),
		DeviceRoot:      envOr("SAVESYNC_DEVICE_ROOT", "~/.local/share/savesync/device"),
		CacheDir:        envOr("SAVESYNC_CACHE_DIR", "~/.cache/savesync"),
		NoResize:        envBool("SAVESYNC_NO_RESIZE", false),
		LogLevel:        envOr("SAVESYNC_LOG_LEVEL", "info"),
		LogFormat:       envOr("SAVESYNC_LOG_FORMAT", ""),
		MetricsAddr:     envOr("SAVESYNC_METRICS_ADDR", ""),
		ConnectTimeout:  envDuration("SAVESYNC_CONNECT_TIMEOUT", 10*time.Second),
		RequestTimeout:  envDuration("SAVESYNC_REQUEST_TIMEOUT", 30*time.Second),
		LowSpeedWindow:  envDuration("SAVESYNC_LOW_SPEED_WINDOW", 30*time.Second),
		CancelTimeout:   envDuration("SAVESYNC_CANCEL_TIMEOUT", 10*time.Second),
		OnlineInterval:  envDuration("SAVESYNC_ONLINE_INTERVAL", 5*time.Minute),
		OfflineInterval: envDuration("SAVESYNC_OFFLINE_INTERVAL", 15*time.Second),
		QueueTick:       envDuration("SAVESYNC_QUEUE_TICK", 250*time.Millisecond),
		RehashLow:       envBool("SAVESYNC_REHASH_LOW", false),
		HashInterval:    envDuration("SAVESYNC_HASH_INTERVAL", 10*time.Minute),
	}

	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	path, err := homedir.Expand(file)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", file, err)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read config: %w", err)
	}

	for _, p := range []*string{&cfg.TokenFile, &cfg.DeviceRoot, &cfg.CacheDir} {
		if *p == "" {
			continue
		}
		if *p, err = homedir.Expand(*p); err != nil {
			return nil, fmt.Errorf("expand %s: %w", *p, err)
		}
	}
	return cfg, nil
}

// Validate checks settings needed to talk to a server.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SAVESYNC_SERVER_URL is required")
	}
	if c.DeviceRoot == "" || c.CacheDir == "" {
		return fmt.Errorf("device root and cache dir are required")
	}
	durations := map[string]time.Duration{
		"connect_timeout":  c.ConnectTimeout,
		"request_timeout":  c.RequestTimeout,
		"cancel_timeout":   c.CancelTimeout,
		"online_interval":  c.OnlineInterval,
		"offline_interval": c.OfflineInterval,
		"queue_tick":       c.QueueTick,
		"hash_interval":    c.HashInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.LowSpeedWindow < 0 {
		return fmt.Errorf("low_speed_window must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
