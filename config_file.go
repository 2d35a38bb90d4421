package satchel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// configFile is the YAML representation of Config. Durations are strings
// in Go duration syntax ("30s", "720h").
type configFile struct {
	Path    string `yaml:"path"`
	Storage struct {
		CacheSize      int    `yaml:"cacheSize"`
		JournalMode    string `yaml:"journalMode"`
		Synchronous    string `yaml:"synchronous"`
		BusyTimeout    int    `yaml:"busyTimeout"`
		MaxConnections int    `yaml:"maxConnections"`
	} `yaml:"storage"`
	Cache struct {
		MaxAge   string `yaml:"maxAge"`
		Compress *bool  `yaml:"compress"`
	} `yaml:"cache"`
	Sync struct {
		MaxRetries       int    `yaml:"maxRetries"`
		DrainInterval    string `yaml:"drainInterval"`
		SettleDelay      string `yaml:"settleDelay"`
		StatsInterval    string `yaml:"statsInterval"`
		PruneSyncedAfter string `yaml:"pruneSyncedAfter"`
	} `yaml:"sync"`
	Remote *struct {
		BaseURL         string `yaml:"baseURL"`
		Timeout         string `yaml:"timeout"`
		MaxAttempts     int    `yaml:"maxAttempts"`
		InitialBackoff  string `yaml:"initialBackoff"`
		BreakerFailures int    `yaml:"breakerFailures"`
		BreakerReset    string `yaml:"breakerReset"`
	} `yaml:"remote"`
	Content *struct {
		Bucket       string `yaml:"bucket"`
		Region       string `yaml:"region"`
		Endpoint     string `yaml:"endpoint"`
		Prefix       string `yaml:"prefix"`
		UsePathStyle bool   `yaml:"usePathStyle"`
	} `yaml:"content"`
	Telemetry *struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
		Interval string `yaml:"interval"`
		DeviceID string `yaml:"deviceId"`
	} `yaml:"telemetry"`
	Encryption *struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"keyPassword"`
	} `yaml:"encryption"`
}

// LoadConfig reads a YAML configuration file. Absent fields keep the
// defaults from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes.
func ParseConfig(data []byte) (Config, error) {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig(f.Path)

	if f.Storage.CacheSize > 0 {
		cfg.Storage.CacheSize = f.Storage.CacheSize
	}
	if f.Storage.JournalMode != "" {
		cfg.Storage.JournalMode = f.Storage.JournalMode
	}
	if f.Storage.Synchronous != "" {
		cfg.Storage.Synchronous = f.Storage.Synchronous
	}
	if f.Storage.BusyTimeout > 0 {
		cfg.Storage.BusyTimeout = f.Storage.BusyTimeout
	}
	if f.Storage.MaxConnections > 0 {
		cfg.Storage.MaxConnections = f.Storage.MaxConnections
	}

	if f.Cache.Compress != nil {
		cfg.Cache.Compress = *f.Cache.Compress
	}
	var err error
	if cfg.Cache.MaxAge, err = overrideDuration(cfg.Cache.MaxAge, f.Cache.MaxAge); err != nil {
		return Config{}, fmt.Errorf("cache.maxAge: %w", err)
	}

	if f.Sync.MaxRetries > 0 {
		cfg.Sync.MaxRetries = f.Sync.MaxRetries
	}
	if cfg.Sync.DrainInterval, err = overrideDuration(cfg.Sync.DrainInterval, f.Sync.DrainInterval); err != nil {
		return Config{}, fmt.Errorf("sync.drainInterval: %w", err)
	}
	if cfg.Sync.SettleDelay, err = overrideDuration(cfg.Sync.SettleDelay, f.Sync.SettleDelay); err != nil {
		return Config{}, fmt.Errorf("sync.settleDelay: %w", err)
	}
	if cfg.Sync.StatsInterval, err = overrideDuration(cfg.Sync.StatsInterval, f.Sync.StatsInterval); err != nil {
		return Config{}, fmt.Errorf("sync.statsInterval: %w", err)
	}
	if cfg.Sync.PruneSyncedAfter, err = overrideDuration(cfg.Sync.PruneSyncedAfter, f.Sync.PruneSyncedAfter); err != nil {
		return Config{}, fmt.Errorf("sync.pruneSyncedAfter: %w", err)
	}

	if f.Remote != nil {
		rc := &RemoteConfig{
			BaseURL:         f.Remote.BaseURL,
			MaxAttempts:     f.Remote.MaxAttempts,
			BreakerFailures: f.Remote.BreakerFailures,
		}
		if rc.Timeout, err = overrideDuration(0, f.Remote.Timeout); err != nil {
			return Config{}, fmt.Errorf("remote.timeout: %w", err)
		}
		if rc.InitialBackoff, err = overrideDuration(0, f.Remote.InitialBackoff); err != nil {
			return Config{}, fmt.Errorf("remote.initialBackoff: %w", err)
		}
		if rc.BreakerReset, err = overrideDuration(0, f.Remote.BreakerReset); err != nil {
			return Config{}, fmt.Errorf("remote.breakerReset: %w", err)
		}
		cfg.Remote = rc
	}

	if f.Content != nil {
		cfg.Content = &ContentSourceConfig{
			Bucket:       f.Content.Bucket,
			Region:       f.Content.Region,
			Endpoint:     f.Content.Endpoint,
			Prefix:       f.Content.Prefix,
			UsePathStyle: f.Content.UsePathStyle,
		}
	}

	if f.Telemetry != nil {
		tc := &TelemetryConfig{
			Enabled:  f.Telemetry.Enabled,
			Endpoint: f.Telemetry.Endpoint,
			DeviceID: f.Telemetry.DeviceID,
		}
		if tc.Interval, err = overrideDuration(0, f.Telemetry.Interval); err != nil {
			return Config{}, fmt.Errorf("telemetry.interval: %w", err)
		}
		cfg.Telemetry = tc
	}

	if f.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     f.Encryption.Enabled,
			KeyPassword: f.Encryption.KeyPassword,
		}
	}

	return cfg, nil
}

func overrideDuration(current time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
