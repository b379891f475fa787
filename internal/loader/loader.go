// Package loader handles configuration file loading, validation, and
// conversion into per-component configurations.
package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fortyfive/telemetry/internal/archive"
	"github.com/fortyfive/telemetry/internal/cache"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/hotload"
	"github.com/fortyfive/telemetry/internal/ingest"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/router"
	"github.com/fortyfive/telemetry/internal/server"
	"github.com/fortyfive/telemetry/internal/spill"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so secrets can be referenced as
// "${TELEMETRY_TOKEN}".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

var validSyncModes = map[string]bool{
	"":      true,
	"async": true,
	"sync":  true,
	"fsync": true,
}

// payloadCompressions maps the router's payload_compression option to
// envelope schemes. Absent means the default.
var payloadCompressions = map[string]envelope.Compression{
	"":     envelope.CompressionZstd,
	"none": envelope.CompressionNone,
	"gzip": envelope.CompressionGzip,
	"lz4":  envelope.CompressionLZ4,
	"zstd": envelope.CompressionZstd,
}

var validCompressions = map[string]bool{
	"":       true,
	"none":   true,
	"snappy": true,
	"zstd":   true,
	"lz4":    true,
	"gzip":   true,
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}

	// Auth validation
	if len(cfg.Auth.Tokens) == 0 {
		errs.AddField("auth.tokens", "at least one token is required")
	}
	for i, t := range cfg.Auth.Tokens {
		if t.ID == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].id", i), "cannot be empty")
		}
		if t.Token == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].token", i), "cannot be empty")
		}
	}

	// Ingest validation
	if cfg.Ingest.MaxBatchCount <= 0 {
		errs.AddField("ingest.max_batch_count", "must be positive")
	}
	if cfg.Ingest.MaxBatchBytes <= 0 {
		errs.AddField("ingest.max_batch_bytes", "must be positive")
	}
	if cfg.Ingest.MaxBatchAge.Duration() <= 0 {
		errs.AddField("ingest.max_batch_age", "must be positive")
	}
	if cfg.Ingest.RouteQueueSize <= 0 {
		errs.AddField("ingest.route_queue_size", "must be positive")
	}
	switch cfg.Ingest.ThrottlePolicy {
	case "", "block", "reject":
	default:
		errs.AddField("ingest.throttle_policy",
			fmt.Sprintf("unknown policy %q, expected block or reject", cfg.Ingest.ThrottlePolicy))
	}
	th := cfg.Ingest.Backpressure.Thresholds
	if th.Warning <= 0 || th.Warning >= th.Critical || th.Critical >= th.Emergency || th.Emergency > 1.0 {
		errs.AddField("ingest.backpressure.thresholds",
			"must satisfy 0 < warning < critical < emergency <= 1.0")
	}

	// Router validation
	if cfg.Router.MaxRetries <= 0 {
		errs.AddField("router.max_retries", "must be positive")
	}
	if cfg.Router.Concurrency <= 0 {
		errs.AddField("router.concurrency", "must be positive")
	}
	if _, ok := payloadCompressions[cfg.Router.PayloadCompression]; !ok {
		errs.AddField("router.payload_compression",
			fmt.Sprintf("unknown scheme %q, expected none, gzip, lz4, or zstd", cfg.Router.PayloadCompression))
	}

	// Store validation
	if cfg.Metastore.Path == "" {
		errs.AddField("metastore.path", "cannot be empty")
	}
	if cfg.Blobstore.Dir == "" {
		errs.AddField("blobstore.dir", "cannot be empty")
	}
	if cfg.Spill.Dir == "" {
		errs.AddField("spill.dir", "cannot be empty")
	}
	if !validSyncModes[cfg.Spill.SyncMode] {
		errs.AddField("spill.sync_mode",
			fmt.Sprintf("unknown mode %q, expected async, sync, or fsync", cfg.Spill.SyncMode))
	}

	// Cache validation: TTLs must grow with distance from the reader.
	if cfg.Cache.ClientTTL.Duration() > cfg.Cache.ApplicationTTL.Duration() ||
		cfg.Cache.ApplicationTTL.Duration() > cfg.Cache.EdgeTTL.Duration() {
		errs.AddField("cache", "TTLs must satisfy client_ttl <= application_ttl <= edge_ttl")
	}
	if cfg.Cache.CleanupInterval.Duration() <= 0 {
		errs.AddField("cache.cleanup_interval", "must be positive")
	}

	// Archive validation
	if cfg.Archive.HotRetention.Duration() <= 0 ||
		cfg.Archive.WarmRetention.Duration() <= 0 ||
		cfg.Archive.ColdRetention.Duration() <= 0 {
		errs.AddField("archive", "retentions must be positive")
	}
	if !validCompressions[cfg.Archive.Compression] {
		errs.AddField("archive.compression",
			fmt.Sprintf("unknown compression %q", cfg.Archive.Compression))
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// ToServerConfig converts the server-facing sections.
func ToServerConfig(cfg *Config) *server.Config {
	tokens := make([]server.TokenConfig, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, server.TokenConfig{
			ID:        t.ID,
			Token:     t.Token,
			Producers: t.Producers,
		})
	}

	return &server.Config{
		Listen:             cfg.Listen,
		WebSocketListen:    cfg.WebSocketListen,
		TLSCertFile:        cfg.TLS.CertFile,
		TLSKeyFile:         cfg.TLS.KeyFile,
		Tokens:             tokens,
		AuthTimeoutSec:     cfg.Session.AuthTimeoutSec,
		SendBufferSize:     cfg.Session.SendBufferSize,
		SendTimeoutMs:      cfg.Session.SendTimeoutMs,
		RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
	}
}

// ToIngestConfig converts the ingest section.
func ToIngestConfig(cfg *Config) ingest.Config {
	out := ingest.DefaultConfig()
	out.MaxBatchCount = cfg.Ingest.MaxBatchCount
	out.MaxBatchBytes = uint64(cfg.Ingest.MaxBatchBytes.Bytes())
	out.MaxBatchAge = cfg.Ingest.MaxBatchAge.Duration()
	out.RouteQueueSize = cfg.Ingest.RouteQueueSize
	out.SubmitWait = cfg.Ingest.SubmitWait.Duration()
	out.StreamIdleTimeout = cfg.Ingest.StreamIdleTimeout.Duration()
	if cfg.Ingest.ThrottlePolicy == "reject" {
		out.Policy = ingest.ThrottleReject
	} else {
		out.Policy = ingest.ThrottleBlock
	}
	if cfg.Shutdown.DrainTimeoutSec > 0 {
		out.DrainTimeout = secondsToDuration(cfg.Shutdown.DrainTimeoutSec)
	}
	out.Backpressure = ingest.ControllerConfig{
		Thresholds: ingest.Thresholds{
			Warning:   cfg.Ingest.Backpressure.Thresholds.Warning,
			Critical:  cfg.Ingest.Backpressure.Thresholds.Critical,
			Emergency: cfg.Ingest.Backpressure.Thresholds.Emergency,
		},
		Hysteresis: cfg.Ingest.Backpressure.Hysteresis,
		Cooldown:   cfg.Ingest.Backpressure.Cooldown.Duration(),
	}
	return out
}

// ToRouterConfig converts the router section.
func ToRouterConfig(cfg *Config) router.Config {
	return router.Config{
		MaxRetries:     cfg.Router.MaxRetries,
		BackoffBase:    cfg.Router.BackoffBase.Duration(),
		BackoffMax:     cfg.Router.BackoffMax.Duration(),
		Concurrency:    int64(cfg.Router.Concurrency),
		ReplayInterval: cfg.Router.ReplayInterval.Duration(),
		Compression:    payloadCompressions[cfg.Router.PayloadCompression],
	}
}

// ToMetastoreConfig converts the metastore section. The ":memory:" path
// maps to an empty DSN, which the store treats as in-memory.
func ToMetastoreConfig(cfg *Config) metastore.Config {
	dsn := cfg.Metastore.Path
	if dsn == ":memory:" {
		dsn = ""
	}
	return metastore.Config{
		DSN:             dsn,
		MaxOpenConns:    cfg.Metastore.MaxOpenConns,
		MaxIdleConns:    cfg.Metastore.MaxIdleConns,
		ConnMaxLifetime: cfg.Metastore.ConnMaxLifetime.Duration(),
	}
}

// ToSpillOptions converts the spill section.
func ToSpillOptions(cfg *Config) spill.Options {
	return spill.Options{
		MaxSegmentSize: cfg.Spill.MaxSegmentSize.Bytes(),
		SyncMode:       cfg.Spill.SyncMode,
		BufferSize:     int(cfg.Spill.BufferSize.Bytes()),
	}
}

// ToCacheConfig converts the cache section.
func ToCacheConfig(cfg *Config) cache.Config {
	return cache.Config{
		ClientTTL:       cfg.Cache.ClientTTL.Duration(),
		ApplicationTTL:  cfg.Cache.ApplicationTTL.Duration(),
		EdgeTTL:         cfg.Cache.EdgeTTL.Duration(),
		CapacityBytes:   uint64(cfg.Cache.CapacityBytes.Bytes()),
		CleanupInterval: cfg.Cache.CleanupInterval.Duration(),
	}
}

// ToHotloadConfig converts the hotload section.
func ToHotloadConfig(cfg *Config) hotload.Config {
	return hotload.Config{
		FetchTimeout: cfg.Hotload.FetchTimeout.Duration(),
	}
}

// ToArchiveConfig converts the archive section.
func ToArchiveConfig(cfg *Config) archive.Config {
	return archive.Config{
		SweepInterval: cfg.Archive.SweepInterval.Duration(),
		SweepLimit:    cfg.Archive.SweepLimit,
		HotRetention:  cfg.Archive.HotRetention.Duration(),
		WarmRetention: cfg.Archive.WarmRetention.Duration(),
		ColdRetention: cfg.Archive.ColdRetention.Duration(),
		Parquet: archive.ParquetOptions{
			Compression: archive.ParseCompressionType(cfg.Archive.Compression),
		},
	}
}

func secondsToDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
