// Package router directs batches to their storage backends. The data type
// registry decides whether a batch lands in the metadata store, the blob
// store, or both. Writes are idempotent under the batch's logical key, so
// retries and spill replays never duplicate data.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/archive"
	"github.com/fortyfive/telemetry/internal/blobstore"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/retry"
	"github.com/fortyfive/telemetry/internal/spill"
	"github.com/fortyfive/telemetry/internal/tier"
)

// MetadataStore is the subset of metastore operations the router needs.
type MetadataStore interface {
	UpsertBatch(ctx context.Context, ref metastore.Reference, doc []byte) error
	Resolve(ctx context.Context, logicalKey string) (metastore.Reference, error)
	GetDoc(ctx context.Context, logicalKey string) ([]byte, error)
	SetLastAcked(ctx context.Context, producerID, streamID string, seq uint64) error
}

// Config controls routing behavior.
type Config struct {
	// MaxRetries is the total attempts per backend write.
	MaxRetries int

	// BackoffBase and BackoffMax bound the retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Concurrency limits parallel backend writes.
	Concurrency int64

	// ReplayInterval is how often spilled segments are replayed.
	ReplayInterval time.Duration

	// Compression is applied to binary payloads of compressible data
	// types before they are persisted. CompressionNone disables it.
	Compression envelope.Compression
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     config.DefaultMaxRouteRetries,
		BackoffBase:    config.DefaultRetryBackoffBase,
		BackoffMax:     config.DefaultRetryBackoffMax,
		Concurrency:    config.DefaultRouteConcurrency,
		ReplayInterval: 30 * time.Second,
		Compression:    envelope.CompressionZstd,
	}
}

// Stats tracks routing activity.
type Stats struct {
	BatchesRouted    atomic.Uint64
	EnvelopesRouted  atomic.Uint64
	BytesRouted      atomic.Uint64
	RouteFailures    atomic.Uint64
	BatchesSpilled   atomic.Uint64
	BatchesReplayed  atomic.Uint64
	SegmentsReplayed atomic.Uint64
}

// Router writes batches to storage and serves the reference read path.
type Router struct {
	cfg      Config
	types    *registry.Registry
	meta     MetadataStore
	blobs    blobstore.BlobStore
	spill    *spill.Log
	codec    *envelope.Codec
	sem      *semaphore.Weighted
	retryCfg retry.Config

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

// New creates a router. The spill log may be nil, in which case batches
// that exhaust their retries are lost and Route reports the failure.
func New(cfg Config, types *registry.Registry, meta MetadataStore, blobs blobstore.BlobStore, spillLog *spill.Log) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultRouteConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = config.DefaultMaxRouteRetries
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = DefaultConfig().ReplayInterval
	}

	return &Router{
		cfg:   cfg,
		types: types,
		meta:  meta,
		blobs: blobs,
		spill: spillLog,
		codec: envelope.NewCodec(0),
		sem:   semaphore.NewWeighted(cfg.Concurrency),
		retryCfg: retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.BackoffBase,
			MaxDelay:     cfg.BackoffMax,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

// Start launches the spill replay worker.
func (r *Router) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	if r.spill != nil {
		r.wg.Add(1)
		go r.replayLoop()
	}
	return nil
}

// Stop halts the replay worker. In-flight Route calls are unaffected.
func (r *Router) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

// Stats returns the router's counters.
func (r *Router) Stats() *Stats {
	return &r.stats
}

// Route writes a batch to its storage backends. Streams may interleave
// data types, so the batch is split into one sub-batch per type and each
// sub-batch is routed to the backend its type prescribes. References for
// every successfully routed sub-batch are returned.
//
// A sub-batch whose backend stays down through all retries is appended to
// the spill log and reported via the returned error; the ack watermark
// does not advance until the replay worker lands it.
func (r *Router) Route(ctx context.Context, b *envelope.Batch) ([]metastore.Reference, error) {
	if b == nil || b.Empty() {
		return nil, nil
	}

	subBatches, err := r.split(b)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		refs []metastore.Reference
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subBatches {
		g.Go(func() error {
			if err := r.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)

			ref, err := r.routeOne(gctx, sub.batch, sub.spec)
			if err != nil {
				return err
			}

			mu.Lock()
			refs = append(refs, ref)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.stats.RouteFailures.Add(1)
		return refs, err
	}

	if err := r.meta.SetLastAcked(ctx, b.Key().ProducerID, b.Key().StreamID, b.LastSeq()); err != nil {
		return refs, err
	}

	r.stats.BatchesRouted.Add(1)
	r.stats.EnvelopesRouted.Add(uint64(b.Count()))
	r.stats.BytesRouted.Add(b.Bytes())
	return refs, nil
}

type typedBatch struct {
	batch *envelope.Batch
	spec  *registry.DataTypeSpec
}

// split partitions a batch into per-type sub-batches, preserving sequence
// order within each. The split is deterministic: replaying the same batch
// yields the same sub-batches and logical keys.
func (r *Router) split(b *envelope.Batch) ([]typedBatch, error) {
	byType := make(map[registry.TypeID]int)
	var subBatches []typedBatch

	for _, e := range b.Envelopes() {
		spec := r.types.Classify(e.DataType, e.Filename, e.MimeType)
		idx, ok := byType[spec.ID]
		if !ok {
			idx = len(subBatches)
			byType[spec.ID] = idx
			subBatches = append(subBatches, typedBatch{
				batch: envelope.NewBatch(b.Key(), b.Count()),
				spec:  spec,
			})
		}
		if err := subBatches[idx].batch.Append(e); err != nil {
			return nil, err
		}
	}
	return subBatches, nil
}

// routeOne writes a single-type sub-batch, retrying transient failures.
func (r *Router) routeOne(ctx context.Context, b *envelope.Batch, spec *registry.DataTypeSpec) (metastore.Reference, error) {
	if spec.Compressible && r.cfg.Compression != envelope.CompressionNone {
		for _, e := range b.Envelopes() {
			if err := envelope.CompressPayload(e, r.cfg.Compression); err != nil {
				return metastore.Reference{}, err
			}
		}
	}

	payload, err := r.codec.EncodeBatch(b)
	if err != nil {
		return metastore.Reference{}, err
	}

	ref := metastore.Reference{
		LogicalKey: b.LogicalKey(),
		ProducerID: b.Key().ProducerID,
		StreamID:   b.Key().StreamID,
		DataType:   spec.ID,
		Backend:    spec.Backend,
		Tier:       tier.TierHot,
		FirstSeq:   b.FirstSeq(),
		LastSeq:    b.LastSeq(),
		Count:      b.Count(),
		Bytes:      b.Bytes(),
		StoredAt:   time.Now().UTC(),
	}
	if spec.Backend.WritesBlob() {
		ref.BlobKey = BlobKey(ref)
	}

	var doc []byte
	if spec.Backend.WritesMetadata() {
		doc = payload
	}

	err = retry.Do(ctx, r.retryCfg, func() error {
		if spec.Backend.WritesBlob() {
			if err := r.blobs.Put(ctx, ref.BlobKey, payload); err != nil {
				return err
			}
		}
		return r.meta.UpsertBatch(ctx, ref, doc)
	})
	if err != nil {
		return metastore.Reference{}, r.spillBatch(b, err)
	}

	return ref, nil
}

// Spill appends a batch to the spill log without attempting a route, for
// callers that must not block on the write path (a stream closing while
// its route queue is saturated). The replay worker lands it later.
// Returns ErrUnavailable when no spill log is configured or the append
// fails; in that case the batch is lost.
func (r *Router) Spill(b *envelope.Batch) error {
	if b == nil || b.Empty() {
		return nil
	}

	if r.spill == nil {
		return errors.Wrapf(errors.ErrUnavailable, "batch %s lost: no spill log", b.LogicalKey())
	}
	if err := r.spill.Append(b); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "batch %s lost: %v", b.LogicalKey(), err)
	}

	r.stats.BatchesSpilled.Add(1)
	logging.Component("router").Warn("batch spilled under backpressure",
		"batch", b.LogicalKey())
	return nil
}

// spillBatch preserves an unroutable batch for later replay.
func (r *Router) spillBatch(b *envelope.Batch, cause error) error {
	log := logging.Component("router")

	if r.spill == nil {
		return errors.Wrapf(errors.ErrUnavailable, "batch %s lost: %v", b.LogicalKey(), cause)
	}

	if err := r.spill.Append(b); err != nil {
		log.Error("spill failed, batch lost",
			"batch", b.LogicalKey(),
			"route_error", cause,
			"spill_error", err)
		return errors.Wrapf(errors.ErrUnavailable, "batch %s lost: %v", b.LogicalKey(), err)
	}

	r.stats.BatchesSpilled.Add(1)
	log.Warn("batch spilled after route retries exhausted",
		"batch", b.LogicalKey(),
		"error", cause)
	return errors.Wrapf(errors.ErrUnavailable, "batch %s spilled: %v", b.LogicalKey(), cause)
}

// =============================================================================
// Read Path
// =============================================================================

// Resolve looks up the storage reference for a logical key.
func (r *Router) Resolve(ctx context.Context, logicalKey string) (metastore.Reference, error) {
	return r.meta.Resolve(ctx, logicalKey)
}

// FetchRaw retrieves the encoded batch a reference points at. Hot
// metadata batches come from the document store; everything else,
// including batches demoted to archive segments, comes from the blob
// store.
func (r *Router) FetchRaw(ctx context.Context, ref metastore.Reference) ([]byte, error) {
	if ref.Backend.WritesMetadata() && ref.Tier == tier.TierHot {
		return r.meta.GetDoc(ctx, ref.LogicalKey)
	}
	return r.blobs.Get(ctx, ref.BlobKey)
}

// Fetch retrieves and decodes the batch a reference points at.
func (r *Router) Fetch(ctx context.Context, ref metastore.Reference) (*envelope.Batch, error) {
	raw, err := r.FetchRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	return archive.DecodeStored(raw)
}

// BlobKey builds the deterministic blob store key for a reference.
func BlobKey(ref metastore.Reference) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d-%d.bin",
		ref.Tier, ref.ProducerID, ref.StreamID, ref.DataType, ref.FirstSeq, ref.LastSeq)
}
