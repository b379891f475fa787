// Package loader - Configuration Types
//
// Defines the YAML configuration structure for telemetryd.
//
// The file splits into the producer-facing surface (listen, tls, auth,
// session), the write path (ingest, router, spill), the stores
// (metastore, blobstore), and the read/lifecycle side (cache, hotload,
// archive).
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fortyfive/telemetry/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for telemetryd.
type Config struct {
	// Listen is the TCP ingest listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:9245"
	Listen string `yaml:"listen"`

	// WebSocketListen is the HTTP listen address for the WebSocket
	// ingest endpoint. Empty disables the WebSocket transport.
	WebSocketListen string `yaml:"websocket_listen"`

	// TLS configures transport layer security for the TCP listener.
	TLS TLSConfig `yaml:"tls"`

	// Auth configures authentication tokens and rate limiting.
	Auth AuthConfig `yaml:"auth"`

	// Session configures producer session management.
	Session SessionConfig `yaml:"session"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Ingest configures the batching pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Router configures backend writes, retries, and spill replay.
	Router RouterConfig `yaml:"router"`

	// Metastore is the batch metadata database (DuckDB).
	Metastore MetastoreConfig `yaml:"metastore"`

	// Blobstore is the payload blob store.
	Blobstore BlobstoreConfig `yaml:"blobstore"`

	// Spill is the on-disk overflow log for unroutable batches.
	Spill SpillConfig `yaml:"spill"`

	// Cache configures the tiered read cache.
	Cache CacheConfig `yaml:"cache"`

	// Hotload configures the read orchestrator.
	Hotload HotloadConfig `yaml:"hotload"`

	// Archive configures retention sweeps and tier demotion.
	Archive ArchiveConfig `yaml:"archive"`
}

// =============================================================================
// Server Configuration
// =============================================================================

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// RateLimitPerMinute is the max failed auth attempts per IP per minute.
	// After this limit, the IP is temporarily blocked.
	// Default: 5
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Tokens is the list of authentication tokens.
	// At least one token is required.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig defines an authentication token.
type TokenConfig struct {
	// ID is a unique identifier for logging/auditing (not secret).
	ID string `yaml:"id"`

	// Token is the secret token value.
	// Use environment variables: "${TELEMETRY_TOKEN}"
	Token string `yaml:"token"`

	// Producers restricts this token to specific producer IDs.
	// Empty = any producer may authenticate with it.
	Producers []string `yaml:"producers"`
}

// SessionConfig configures producer session management.
type SessionConfig struct {
	// AuthTimeoutSec is the max time for authentication after connect.
	// Default: 30
	AuthTimeoutSec int `yaml:"auth_timeout_sec"`

	// SendBufferSize is the per-session outbound message queue capacity.
	// Default: 1000
	SendBufferSize int `yaml:"send_buffer_size"`

	// SendTimeoutMs is the timeout for queuing an outbound message.
	// Default: 100
	SendTimeoutMs int `yaml:"send_timeout_ms"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeoutSec is how long to wait for in-flight batches.
	// Default: 30
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// =============================================================================
// Ingest Configuration
// =============================================================================

// IngestConfig configures the batching pipeline.
type IngestConfig struct {
	// MaxBatchCount closes a pending batch after this many envelopes.
	// Default: 100
	MaxBatchCount int `yaml:"max_batch_count"`

	// MaxBatchBytes closes a pending batch after this many payload bytes.
	// Default: 4MB
	MaxBatchBytes ByteSize `yaml:"max_batch_bytes"`

	// MaxBatchAge closes a non-empty batch after this much time.
	// Default: 1s
	MaxBatchAge Duration `yaml:"max_batch_age"`

	// RouteQueueSize is the per-stream queue of closed batches awaiting
	// routing. A full queue is the backpressure signal.
	// Default: 16
	RouteQueueSize int `yaml:"route_queue_size"`

	// SubmitWait bounds how long a blocked submit waits for queue space.
	// Default: 5s
	SubmitWait Duration `yaml:"submit_wait"`

	// StreamIdleTimeout evicts stream state after this much inactivity.
	// Default: 5m
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`

	// ThrottlePolicy selects behavior under saturation.
	//   block  - submits wait (bounded by submit_wait) for queue space
	//   reject - submits fail fast with a backpressure error
	// Default: block
	ThrottlePolicy string `yaml:"throttle_policy"`

	// Backpressure configures the pressure controller.
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// BackpressureConfig configures load shedding.
type BackpressureConfig struct {
	// Thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Hysteresis prevents flapping between levels.
	// Level drops when usage falls below (threshold - hysteresis).
	// Default: 0.10
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level re-evaluations.
	// Default: 1s
	Cooldown Duration `yaml:"cooldown"`
}

// BackpressureThresholds defines level thresholds.
type BackpressureThresholds struct {
	// Warning triggers throttling of low priority work.
	// Default: 0.50
	Warning float64 `yaml:"warning"`

	// Critical triggers submit throttling.
	// Default: 0.75
	Critical float64 `yaml:"critical"`

	// Emergency triggers submit rejection.
	// Default: 0.95
	Emergency float64 `yaml:"emergency"`
}

// =============================================================================
// Router Configuration
// =============================================================================

// RouterConfig configures backend writes.
type RouterConfig struct {
	// MaxRetries is the total attempts per backend write.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase is the initial retry delay. Delays grow exponentially
	// with jitter up to BackoffMax.
	// Default: 100ms
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffMax caps the retry delay.
	// Default: 5s
	BackoffMax Duration `yaml:"backoff_max"`

	// Concurrency limits parallel backend writes.
	// Default: 4
	Concurrency int `yaml:"concurrency"`

	// ReplayInterval is how often spilled segments are replayed.
	// Default: 30s
	ReplayInterval Duration `yaml:"replay_interval"`

	// PayloadCompression is applied to binary payloads of compressible
	// data types before they are persisted: none, gzip, lz4, or zstd.
	// Default: zstd
	PayloadCompression string `yaml:"payload_compression"`
}

// =============================================================================
// Store Configuration
// =============================================================================

// MetastoreConfig configures the batch metadata database.
//
// The metastore holds one row per stored batch (logical key, tier,
// blob key, sequence range) plus durable ack watermarks.
//
// Technology: DuckDB (embedded OLTP database)
type MetastoreConfig struct {
	// Path is the database file path.
	// Special value ":memory:" for in-memory (testing only).
	// Default: "telemetry.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the max open database connections.
	// Default: 25
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the max idle connections in the pool.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the max lifetime of a connection.
	// Default: 5m
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// BlobstoreConfig configures the payload blob store.
type BlobstoreConfig struct {
	// Dir is the root directory for blob files.
	// Default: "/var/lib/telemetry/blobs"
	Dir string `yaml:"dir"`

	// SyncWrites fsyncs each blob write. Slower but survives power loss.
	// Default: true
	SyncWrites bool `yaml:"sync_writes"`
}

// SpillConfig configures the on-disk overflow log.
type SpillConfig struct {
	// Dir is the spill segment directory.
	// Default: "/var/lib/telemetry/spill"
	Dir string `yaml:"dir"`

	// MaxSegmentSize is the max segment size before rotation.
	// Default: 100MB
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`

	// SyncMode determines durability vs. performance.
	//   async - buffered, flushed on rotation
	//   sync  - flush after each batch
	//   fsync - fsync after each batch
	// Default: fsync (spilled data is the last copy)
	SyncMode string `yaml:"sync_mode"`

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize ByteSize `yaml:"buffer_size"`
}

// =============================================================================
// Read Path Configuration
// =============================================================================

// CacheConfig configures the tiered read cache.
type CacheConfig struct {
	// ClientTTL is the entry lifetime in the client-local tier.
	// Default: 30s
	ClientTTL Duration `yaml:"client_ttl"`

	// ApplicationTTL is the entry lifetime in the shared application tier.
	// Default: 5m
	ApplicationTTL Duration `yaml:"application_ttl"`

	// EdgeTTL is the entry lifetime in the edge tier.
	// Default: 1h
	EdgeTTL Duration `yaml:"edge_ttl"`

	// CapacityBytes caps each tier's total entry bytes. Zero = unlimited.
	// Default: 256MB
	CapacityBytes ByteSize `yaml:"capacity_bytes"`

	// CleanupInterval is how often expired entries are swept.
	// Default: 1m
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// HotloadConfig configures the read orchestrator.
type HotloadConfig struct {
	// FetchTimeout bounds one backend fetch on a cache miss.
	// Default: 10s
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// ArchiveConfig configures retention sweeps and tier demotion.
type ArchiveConfig struct {
	// SweepInterval is how often the retention sweep runs.
	// Default: 5m
	SweepInterval Duration `yaml:"sweep_interval"`

	// SweepLimit caps how many batches one sweep moves per transition.
	// Default: 256
	SweepLimit int `yaml:"sweep_limit"`

	// HotRetention is how long batches stay hot before demotion.
	// Default: 48h
	HotRetention Duration `yaml:"hot_retention"`

	// WarmRetention is how long batches stay warm before demotion.
	// Default: 720h (30 days)
	WarmRetention Duration `yaml:"warm_retention"`

	// ColdRetention is how long cold batches are kept before deletion.
	// Default: 17520h (2 years)
	ColdRetention Duration `yaml:"cold_retention"`

	// Compression is the parquet segment compression.
	//   snappy - fast compression/decompression, moderate ratio
	//   zstd   - best ratio, good speed (recommended)
	//   lz4    - fastest, lowest ratio
	//   gzip   - widest compatibility
	//   none   - no compression
	// Default: zstd
	Compression string `yaml:"compression"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: config.DefaultListenAddress,

		Auth: AuthConfig{
			RateLimitPerMinute: config.DefaultAuthRateLimitPerMinute,
		},

		Session: SessionConfig{
			AuthTimeoutSec: config.DefaultAuthTimeoutSec,
			SendBufferSize: config.DefaultSessionSendBufferSize,
			SendTimeoutMs:  config.DefaultSessionSendTimeoutMs,
		},

		Shutdown: ShutdownConfig{
			DrainTimeoutSec: config.DefaultDrainTimeoutSec,
		},

		Ingest: IngestConfig{
			MaxBatchCount:     config.DefaultMaxBatchCount,
			MaxBatchBytes:     config.DefaultMaxBatchBytes,
			MaxBatchAge:       Duration(config.DefaultMaxBatchAge),
			RouteQueueSize:    config.DefaultRouteQueueSize,
			SubmitWait:        Duration(config.DefaultSubmitWait),
			StreamIdleTimeout: Duration(config.DefaultStreamIdleTimeout),
			ThrottlePolicy:    "block",
			Backpressure: BackpressureConfig{
				Thresholds: BackpressureThresholds{
					Warning:   0.50,
					Critical:  0.75,
					Emergency: 0.95,
				},
				Hysteresis: 0.10,
				Cooldown:   Duration(time.Second),
			},
		},

		Router: RouterConfig{
			MaxRetries:         config.DefaultMaxRouteRetries,
			BackoffBase:        Duration(config.DefaultRetryBackoffBase),
			BackoffMax:         Duration(config.DefaultRetryBackoffMax),
			Concurrency:        config.DefaultRouteConcurrency,
			ReplayInterval:     Duration(30 * time.Second),
			PayloadCompression: "zstd",
		},

		Metastore: MetastoreConfig{
			Path:            "telemetry.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},

		Blobstore: BlobstoreConfig{
			Dir:        "/var/lib/telemetry/blobs",
			SyncWrites: true,
		},

		Spill: SpillConfig{
			Dir:            "/var/lib/telemetry/spill",
			MaxSegmentSize: 100 * 1024 * 1024,
			SyncMode:       "fsync",
			BufferSize:     64 * 1024,
		},

		Cache: CacheConfig{
			ClientTTL:       Duration(config.DefaultClientTierTTL),
			ApplicationTTL:  Duration(config.DefaultAppTierTTL),
			EdgeTTL:         Duration(config.DefaultEdgeTierTTL),
			CapacityBytes:   config.DefaultTierCapacityBytes,
			CleanupInterval: Duration(config.DefaultTierCleanupInterval),
		},

		Hotload: HotloadConfig{
			FetchTimeout: Duration(10 * time.Second),
		},

		Archive: ArchiveConfig{
			SweepInterval: Duration(5 * time.Minute),
			SweepLimit:    256,
			HotRetention:  Duration(48 * time.Hour),
			WarmRetention: Duration(30 * 24 * time.Hour),
			ColdRetention: Duration(2 * 365 * 24 * time.Hour),
			Compression:   "zstd",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int64
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	// Longest suffixes first, so "100MB" never matches the "B" unit.
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(s, unit.suffix) {
			numStr := strings.TrimSuffix(s, unit.suffix)
			numStr = strings.TrimSpace(numStr)
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * unit.multiplier, nil
		}
	}

	// Try as plain number
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
