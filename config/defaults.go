// Package config provides configuration defaults and utilities
// for the telemetry streaming store.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default TCP ingest listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:9245"

	// DefaultWebSocketAddress is the default WebSocket ingest listen address.
	// Robots connect to ws://<addr>/ws with binary envelope frames.
	// Override via config: server.ws_listen
	DefaultWebSocketAddress = "0.0.0.0:8080"

	// DefaultMaxEnvelopeSize limits a single encoded envelope to prevent OOM.
	// 16 MiB covers camera frames; larger artifacts must be chunked.
	// Override via config: server.max_envelope_size
	DefaultMaxEnvelopeSize = 16 * 1024 * 1024
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultAuthTimeoutSec is the time allowed for authentication after connect.
	// Producers must authenticate within this window or be disconnected.
	// Override via config: session.auth_timeout_sec
	DefaultAuthTimeoutSec = 30

	// DefaultSessionSendBufferSize is the capacity of the per-session ack channel.
	// Larger values allow more acks to be queued for slow producers.
	// Override via config: session.send_buffer_size
	DefaultSessionSendBufferSize = 1000

	// DefaultSessionSendTimeoutMs is how long to wait when the ack buffer is full.
	// After this timeout, the ack is dropped (producers resync on reconnect).
	// Override via config: session.send_timeout_ms
	DefaultSessionSendTimeoutMs = 100
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultMaxBatchCount closes a pending batch after this many envelopes.
	// Override via config: ingest.max_batch_count
	DefaultMaxBatchCount = 100

	// DefaultMaxBatchBytes closes a pending batch after this many payload bytes.
	// Override via config: ingest.max_batch_bytes
	DefaultMaxBatchBytes = 4 * 1024 * 1024

	// DefaultMaxBatchAge closes a pending batch after this much time
	// regardless of size. Bounds end-to-end latency for slow streams.
	// Override via config: ingest.max_batch_age
	DefaultMaxBatchAge = time.Second

	// DefaultRouteQueueSize is the per-stream queue of closed batches
	// awaiting routing. When full, the stream transitions to Throttled.
	// Override via config: ingest.route_queue_size
	DefaultRouteQueueSize = 16

	// DefaultSubmitWait is the bounded wait applied to Submit while a
	// stream is Throttled under the "block" backpressure policy.
	// Override via config: ingest.submit_wait
	DefaultSubmitWait = 5 * time.Second

	// DefaultStreamIdleTimeout closes a stream whose buffer has been empty
	// for this long without a submit.
	// Override via config: ingest.idle_timeout
	DefaultStreamIdleTimeout = 5 * time.Minute
)

// =============================================================================
// Router Defaults
// =============================================================================

const (
	// DefaultMaxRouteRetries is the max attempts for a backend write
	// before the batch is spilled to the local durable fallback.
	// Override via config: router.max_retries
	DefaultMaxRouteRetries = 5

	// DefaultRetryBackoffBase is the initial delay for route retries.
	// Delays grow exponentially with jitter up to DefaultRetryBackoffMax.
	// Override via config: router.retry_backoff_base
	DefaultRetryBackoffBase = 100 * time.Millisecond

	// DefaultRetryBackoffMax caps the route retry delay.
	// Override via config: router.retry_backoff_max
	DefaultRetryBackoffMax = 5 * time.Second

	// DefaultRouteConcurrency bounds concurrent backend writes for a
	// mixed batch split across data types.
	// Override via config: router.concurrency
	DefaultRouteConcurrency = 4
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultClientTierTTL is the TTL for the client-local cache tier.
	// Override via config: cache.client.ttl
	DefaultClientTierTTL = 30 * time.Second

	// DefaultAppTierTTL is the TTL for the shared application cache tier.
	// Override via config: cache.application.ttl
	DefaultAppTierTTL = 5 * time.Minute

	// DefaultEdgeTierTTL is the TTL for the edge/CDN-like cache tier.
	// Edge entries may be stale up to this bound after a backend overwrite.
	// Override via config: cache.edge.ttl
	DefaultEdgeTierTTL = time.Hour

	// DefaultTierCapacityBytes is the per-tier capacity bound.
	// Eviction within a tier is TTL first, then LRU.
	// Override via config: cache.<tier>.capacity_bytes
	DefaultTierCapacityBytes = 256 * 1024 * 1024

	// DefaultTierCleanupInterval is how often expired entries are swept.
	// Override via config: cache.cleanup_interval
	DefaultTierCleanupInterval = time.Minute
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight batches
	// during shutdown. This follows the Kubernetes convention
	// (terminationGracePeriodSeconds = 30s).
	// Override via config: server.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Rate Limiting Defaults
// =============================================================================

const (
	// DefaultAuthRateLimitPerMinute is the max FAILED auth attempts per IP
	// per minute. Successful authentications reset the failure counter.
	// Override via config: auth.rate_limit_per_minute
	DefaultAuthRateLimitPerMinute = 5
)
