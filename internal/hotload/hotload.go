// Package hotload serves batch reads through the tiered cache, falling
// back to the storage backends on a miss and repopulating the cache on
// the way out. Reads address batches by their logical key.
package hotload

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/internal/archive"
	"github.com/fortyfive/telemetry/internal/cache"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/metastore"
)

// BatchSource resolves and fetches stored batches. The storage router
// satisfies this.
type BatchSource interface {
	Resolve(ctx context.Context, logicalKey string) (metastore.Reference, error)
	FetchRaw(ctx context.Context, ref metastore.Reference) ([]byte, error)
}

// Config controls read-path behavior.
type Config struct {
	// FetchTimeout bounds one backend fetch on a cache miss.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 10 * time.Second,
	}
}

// Stats tracks read-path counters.
type Stats struct {
	Reads         atomic.Int64
	CacheHits     atomic.Int64
	CacheMisses   atomic.Int64
	Backfills     atomic.Int64
	BackendReads  atomic.Int64
	BackendErrors atomic.Int64
}

// Orchestrator is the read path. Lookups walk the cache tiers nearest
// first; a hit in a distant tier backfills the nearer ones, and a miss
// fetches from the backend and populates every tier.
type Orchestrator struct {
	cfg    Config
	cache  *cache.Manager
	source BatchSource

	stats Stats
}

// New creates a read orchestrator over the given cache and source.
func New(cfg Config, cm *cache.Manager, source BatchSource) *Orchestrator {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &Orchestrator{
		cfg:    cfg,
		cache:  cm,
		source: source,
	}
}

// Stats returns the orchestrator's counters.
func (o *Orchestrator) Stats() *Stats {
	return &o.stats
}

// ReadRaw returns the encoded batch for a logical key, serving from the
// nearest cache tier that holds it. Values read through the cache may
// be up to one tier TTL stale after an overwrite; batch payloads are
// immutable so this does not change results.
func (o *Orchestrator) ReadRaw(ctx context.Context, logicalKey string) ([]byte, error) {
	o.stats.Reads.Add(1)

	if data, level, ok := o.cache.Get(logicalKey); ok {
		o.stats.CacheHits.Add(1)
		if level != cache.LevelClient {
			// Backfill must not delay the hit; tiers are populated in
			// the background.
			go o.backfill(level, logicalKey, data)
		}
		return data, nil
	}
	o.stats.CacheMisses.Add(1)

	data, err := o.fetch(ctx, logicalKey)
	if err != nil {
		return nil, err
	}

	if err := o.cache.PutAll(logicalKey, data); err != nil {
		// Cache population is best effort; the read still succeeds.
		logging.Component("hotload").Warn("cache populate failed",
			"key", logicalKey, "error", err)
	}
	return data, nil
}

// Read returns the decoded batch for a logical key. Hot batches are
// framed CBOR, demoted batches Parquet segments; both decode here.
// Payloads the router compressed at persist time are restored.
func (o *Orchestrator) Read(ctx context.Context, logicalKey string) (*envelope.Batch, error) {
	data, err := o.ReadRaw(ctx, logicalKey)
	if err != nil {
		return nil, err
	}
	b, err := archive.DecodeStored(data)
	if err != nil {
		return nil, err
	}
	for _, e := range b.Envelopes() {
		if err := envelope.DecompressPayload(e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ReadStream returns the decoded batches covering one stream in
// sequence order.
func (o *Orchestrator) ReadStream(ctx context.Context, refs []metastore.Reference) ([]*envelope.Batch, error) {
	batches := make([]*envelope.Batch, 0, len(refs))
	for _, ref := range refs {
		b, err := o.Read(ctx, ref.LogicalKey)
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// fetch loads the batch from the backend under the fetch timeout.
func (o *Orchestrator) fetch(ctx context.Context, logicalKey string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	o.stats.BackendReads.Add(1)

	ref, err := o.source.Resolve(fetchCtx, logicalKey)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		o.stats.BackendErrors.Add(1)
		if fetchCtx.Err() != nil {
			return nil, errors.Wrapf(errors.ErrTimeout, "resolve %s: %v", logicalKey, err)
		}
		return nil, err
	}

	data, err := o.source.FetchRaw(fetchCtx, ref)
	if err != nil {
		o.stats.BackendErrors.Add(1)
		if fetchCtx.Err() != nil {
			return nil, errors.Wrapf(errors.ErrTimeout, "fetch %s: %v", logicalKey, err)
		}
		return nil, err
	}
	return data, nil
}

// backfill populates the tiers nearer than the one that hit.
func (o *Orchestrator) backfill(foundAt cache.Level, key string, data []byte) {
	if err := o.cache.Backfill(foundAt, key, data); err != nil {
		logging.Component("hotload").Debug("backfill skipped",
			"key", key, "level", foundAt.String(), "error", err)
		return
	}
	o.stats.Backfills.Add(1)
}
