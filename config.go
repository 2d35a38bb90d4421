package satchel

import "time"

// Config defines store configuration.
type Config struct {
	// Path is the SQLite database file path. Required.
	Path string

	// Storage holds core storage settings.
	Storage StorageConfig

	// Cache configures the offline content cache.
	Cache CacheConfig

	// Sync configures the durable outbox and its drain policy.
	Sync SyncConfig

	// Remote configures outbound delivery to the sync endpoint.
	// If nil, drains require a RemoteSyncer supplied to the orchestrator.
	Remote *RemoteConfig

	// Content configures the remote content source used for fetch-through
	// caching. If nil, the cache serves local entries only.
	Content *ContentSourceConfig

	// Telemetry configures the optional remote-write status publisher.
	// If nil or Enabled is false, no telemetry is published.
	Telemetry *TelemetryConfig

	// Stream configures WebSocket status streaming to UI consumers.
	Stream StreamConfig

	// Encryption configures encryption at rest for cached content.
	// If nil or Enabled is false, payloads are stored compressed only.
	Encryption *EncryptionConfig
}

// StorageConfig groups SQLite settings.
type StorageConfig struct {
	// CacheSize is the SQLite page cache size in KB. Default: 2000 (2MB).
	CacheSize int

	// JournalMode sets the SQLite journal mode. Default: WAL.
	JournalMode string

	// Synchronous sets the synchronous pragma. Default: NORMAL.
	Synchronous string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	// Default: 4. The store is a single-device resource; a small pool
	// covers interleaved readers during a drain.
	MaxConnections int
}

// CacheConfig groups content cache settings.
type CacheConfig struct {
	// MaxAge is the age beyond which unaccessed entries are evicted by
	// CleanupOldContent. Default: 30 days.
	MaxAge time.Duration

	// Compress stores payloads snappy-compressed. Default: true.
	Compress bool
}

// SyncConfig groups outbox and drain scheduling settings.
type SyncConfig struct {
	// MaxRetries is the delivery attempt budget per entry before it is
	// dead-lettered. Default: 10.
	MaxRetries int

	// DrainInterval is how often the orchestrator checks for pending
	// entries while online. Default: 30s.
	DrainInterval time.Duration

	// SettleDelay is how long to wait after an offline-to-online
	// transition before the first drain. Default: 1s.
	SettleDelay time.Duration

	// StatsInterval is how often storage stats are refreshed.
	// Default: 5 minutes. Stats queries are comparatively expensive.
	StatsInterval time.Duration

	// PruneSyncedAfter is the age past which synced entries are garbage
	// collected. 0 keeps them indefinitely.
	PruneSyncedAfter time.Duration
}

// RemoteConfig defines outbound sync delivery settings.
type RemoteConfig struct {
	// BaseURL is the sync endpoint root, e.g. "https://sync.example.org".
	BaseURL string

	// Timeout is the per-request timeout. Default: 10s.
	Timeout time.Duration

	// MaxAttempts is the in-flight retry budget for a single delivery
	// call (distinct from the entry's durable retry counter).
	// Default: 1 - durable retries are the queue's job.
	MaxAttempts int

	// InitialBackoff is the initial delay between in-flight retries.
	// Default: 100ms.
	InitialBackoff time.Duration

	// BreakerFailures is the consecutive failure count that opens the
	// delivery circuit breaker. Default: 5.
	BreakerFailures int

	// BreakerReset is how long the breaker stays open before probing.
	// Default: 30s.
	BreakerReset time.Duration

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer
}

func (c *RemoteConfig) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
}

// ContentSourceConfig configures the S3-compatible content origin.
type ContentSourceConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles or environment
	// variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) over setting
	// these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing
}

// TelemetryConfig configures the Prometheus remote-write status publisher.
type TelemetryConfig struct {
	// Enabled turns on telemetry publishing.
	Enabled bool

	// Endpoint is the remote-write URL.
	Endpoint string

	// Interval is how often status gauges are pushed. Default: 1 minute.
	Interval time.Duration

	// DeviceID labels every series so a fleet of devices stays
	// distinguishable. Default: the hostname.
	DeviceID string

	// Timeout is the per-push timeout. Default: 10s.
	Timeout time.Duration

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer
}

// StreamConfig configures WebSocket status streaming.
type StreamConfig struct {
	// BufferSize is the channel buffer size per subscriber. Default: 16.
	BufferSize int

	// PingInterval is how often to ping clients. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout for WebSocket writes. Default: 10s.
	WriteTimeout time.Duration
}

// EncryptionConfig configures encryption at rest for cached content.
type EncryptionConfig struct {
	// Enabled turns on encryption for cached payloads.
	Enabled bool

	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte

	// KeyPassword is used to derive the encryption key via PBKDF2.
	KeyPassword string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Storage: StorageConfig{
			CacheSize:      2000,
			JournalMode:    "WAL",
			Synchronous:    "NORMAL",
			BusyTimeout:    5000,
			MaxConnections: 4,
		},
		Cache: CacheConfig{
			MaxAge:   30 * 24 * time.Hour,
			Compress: true,
		},
		Sync: SyncConfig{
			MaxRetries:    10,
			DrainInterval: 30 * time.Second,
			SettleDelay:   time.Second,
			StatsInterval: 5 * time.Minute,
		},
		Stream: StreamConfig{
			BufferSize:   16,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	if c.Storage.CacheSize <= 0 {
		c.Storage.CacheSize = 2000
	}
	if c.Storage.JournalMode == "" {
		c.Storage.JournalMode = "WAL"
	}
	if c.Storage.Synchronous == "" {
		c.Storage.Synchronous = "NORMAL"
	}
	if c.Storage.BusyTimeout <= 0 {
		c.Storage.BusyTimeout = 5000
	}
	if c.Storage.MaxConnections <= 0 {
		c.Storage.MaxConnections = 4
	}
	if c.Cache.MaxAge <= 0 {
		c.Cache.MaxAge = 30 * 24 * time.Hour
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 10
	}
	if c.Sync.DrainInterval <= 0 {
		c.Sync.DrainInterval = 30 * time.Second
	}
	if c.Sync.SettleDelay <= 0 {
		c.Sync.SettleDelay = time.Second
	}
	if c.Sync.StatsInterval <= 0 {
		c.Sync.StatsInterval = 5 * time.Minute
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 16
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.WriteTimeout <= 0 {
		c.Stream.WriteTimeout = 10 * time.Second
	}
	if c.Remote != nil {
		c.Remote.normalize()
	}
	if c.Telemetry != nil {
		if c.Telemetry.Interval <= 0 {
			c.Telemetry.Interval = time.Minute
		}
		if c.Telemetry.Timeout <= 0 {
			c.Telemetry.Timeout = 10 * time.Second
		}
	}
}
