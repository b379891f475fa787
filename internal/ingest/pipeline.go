// Package ingest implements the ingestion pipeline. Envelopes enter per
// stream, are deduplicated and order-checked, accumulate into batches,
// and flush to the storage router when a batch fills up, ages out, or
// the stream closes. Each stream routes its batches in order.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
)

// BatchRouter is the downstream the pipeline flushes batches to. Spill
// preserves a batch without routing it, for flushes that must not block.
type BatchRouter interface {
	Route(ctx context.Context, b *envelope.Batch) ([]metastore.Reference, error)
	Spill(b *envelope.Batch) error
}

// AckFunc is called when a stream's acknowledgement state changes: a
// receipt (durable=false) when an envelope is accepted into the pipeline,
// and a durable upgrade (durable=true) once its batch is safely stored.
// upTo is the highest acknowledged sequence.
type AckFunc func(key envelope.StreamKey, upTo uint64, durable bool)

// ThrottlePolicy selects what Submit does when the pipeline is saturated.
type ThrottlePolicy int

const (
	// ThrottleBlock makes Submit wait up to SubmitWait for queue space.
	ThrottleBlock ThrottlePolicy = iota

	// ThrottleReject makes Submit fail immediately with ErrBackpressure.
	ThrottleReject
)

// String returns the string representation of the policy.
func (p ThrottlePolicy) String() string {
	switch p {
	case ThrottleBlock:
		return "block"
	case ThrottleReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Config controls batching and backpressure behavior.
type Config struct {
	// MaxBatchCount flushes a batch when it holds this many envelopes.
	MaxBatchCount int

	// MaxBatchBytes flushes a batch when its payload bytes reach this size.
	MaxBatchBytes uint64

	// MaxBatchAge flushes a non-empty batch this long after its first
	// envelope arrived.
	MaxBatchAge time.Duration

	// RouteQueueSize is the per-stream queue of flushed batches awaiting
	// routing. A full queue is the backpressure signal.
	RouteQueueSize int

	// SubmitWait bounds how long a blocked Submit waits for queue space.
	SubmitWait time.Duration

	// StreamIdleTimeout evicts stream state after this much inactivity.
	StreamIdleTimeout time.Duration

	// Policy selects blocking or rejection under saturation.
	Policy ThrottlePolicy

	// DrainTimeout bounds the final flush during Stop.
	DrainTimeout time.Duration

	// Backpressure configures the pressure controller.
	Backpressure ControllerConfig
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchCount:     config.DefaultMaxBatchCount,
		MaxBatchBytes:     config.DefaultMaxBatchBytes,
		MaxBatchAge:       config.DefaultMaxBatchAge,
		RouteQueueSize:    config.DefaultRouteQueueSize,
		SubmitWait:        config.DefaultSubmitWait,
		StreamIdleTimeout: config.DefaultStreamIdleTimeout,
		Policy:            ThrottleBlock,
		DrainTimeout:      config.DefaultDrainTimeoutSec * time.Second,
		Backpressure:      DefaultControllerConfig(),
	}
}

type flushReason int

const (
	flushByCount flushReason = iota
	flushByBytes
	flushByAge
	flushByClose
)

// stream holds the per-stream ingestion state. The mutex guards the
// sequence bookkeeping and the building batch; the durable watermark is
// an atomic because the route worker advances it without the lock.
type stream struct {
	key envelope.StreamKey

	mu           sync.Mutex
	lastSeq      uint64
	batch        *envelope.Batch
	batchStart   time.Time
	lastActivity time.Time
	closed       bool

	acked atomic.Uint64

	queue chan *envelope.Batch
	done  chan struct{}
}

// advanceAcked raises the durable watermark; it never regresses.
func (st *stream) advanceAcked(seq uint64) {
	for {
		cur := st.acked.Load()
		if seq <= cur || st.acked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Pipeline is the ingestion service.
type Pipeline struct {
	cfg      Config
	types    *registry.Registry
	router   BatchRouter
	pressure *Controller
	ackFn    AckFunc

	mu      sync.RWMutex
	streams map[envelope.StreamKey]*stream

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	streamWg sync.WaitGroup

	flushCh chan struct{}
	stats   *Stats
}

// New creates an ingestion pipeline flushing to the given router.
func New(cfg Config, types *registry.Registry, router BatchRouter) *Pipeline {
	if cfg.MaxBatchCount <= 0 {
		cfg.MaxBatchCount = config.DefaultMaxBatchCount
	}
	if cfg.MaxBatchBytes == 0 {
		cfg.MaxBatchBytes = config.DefaultMaxBatchBytes
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = config.DefaultMaxBatchAge
	}
	if cfg.RouteQueueSize <= 0 {
		cfg.RouteQueueSize = config.DefaultRouteQueueSize
	}
	if cfg.SubmitWait <= 0 {
		cfg.SubmitWait = config.DefaultSubmitWait
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = config.DefaultStreamIdleTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeoutSec * time.Second
	}

	p := &Pipeline{
		cfg:     cfg,
		types:   types,
		router:  router,
		streams: make(map[envelope.StreamKey]*stream),
		flushCh: make(chan struct{}, 1),
		stats:   newStats(),
	}
	p.pressure = NewController(cfg.Backpressure, p.queueUsage)
	return p
}

// SetAckFunc installs the acknowledgement callback. Must be called
// before Start.
func (p *Pipeline) SetAckFunc(fn AckFunc) {
	p.ackFn = fn
}

// Start launches the flush and idle workers.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.flushWorker()
	go p.idleWorker()

	return nil
}

// Stop flushes all partial batches, drains the route queues, and shuts
// the pipeline down. Partial batches that cannot be enqueued go to the
// spill log; routed batches get DrainTimeout to complete.
func (p *Pipeline) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	log := logging.Component("ingest")

	// Flush every partial batch and seal the queues. Partial batches
	// that cannot be enqueued within the bounded wait go to the spill
	// log instead of being dropped.
	var stopErr error
	p.mu.Lock()
	for _, st := range p.streams {
		st.mu.Lock()
		if !p.enqueueLocked(context.Background(), st, flushByClose, true) {
			if err := p.router.Spill(st.batch); err != nil {
				log.Error("partial batch lost during stop",
					"stream", st.key, "error", err)
				if stopErr == nil {
					stopErr = err
				}
			}
			st.batch = nil
		}
		st.closed = true
		close(st.queue)
		st.mu.Unlock()
	}
	p.mu.Unlock()

	// Wait for the route workers to drain.
	drained := make(chan struct{})
	go func() {
		p.streamWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.cfg.DrainTimeout):
		log.Warn("drain timeout reached, cancelling in-flight routes")
	}

	p.cancel()
	p.wg.Wait()
	<-drained
	return stopErr
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Pressure returns the backpressure controller.
func (p *Pipeline) Pressure() *Controller {
	return p.pressure
}

// ForceFlush triggers an immediate flush of all pending batches.
func (p *Pipeline) ForceFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// LastAcknowledged returns the in-memory durable watermark for a stream.
// Returns 0 for streams the pipeline has no state for.
func (p *Pipeline) LastAcknowledged(key envelope.StreamKey) uint64 {
	p.mu.RLock()
	st, ok := p.streams[key]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return st.acked.Load()
}

// SeedWatermark primes a stream's watermark from the durable store, so
// that a resuming producer's replayed envelopes are deduplicated.
func (p *Pipeline) SeedWatermark(key envelope.StreamKey, seq uint64) {
	st := p.getOrCreate(key)
	st.mu.Lock()
	if seq > st.lastSeq {
		st.lastSeq = seq
	}
	st.mu.Unlock()
	st.advanceAcked(seq)
}

// Submit accepts one envelope into its stream. Sequence numbers must be
// strictly increasing per stream; envelopes at or below the durable
// watermark are dropped as duplicates and re-acknowledged.
func (p *Pipeline) Submit(ctx context.Context, e *envelope.Envelope) error {
	if !p.running.Load() {
		return errors.ErrNotRunning
	}

	p.stats.EnvelopesReceived.Add(1)

	if err := e.Validate(); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	spec := p.types.Classify(e.DataType, e.Filename, e.MimeType)
	size := e.OriginalSize
	if size == 0 {
		size = e.PayloadSize()
	}
	if !registry.ValidateSize(spec, size) {
		p.stats.Rejected.Add(1)
		return errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"%d bytes exceeds limit for %s", size, spec.ID)
	}
	if err := envelope.VerifyPayload(e); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.pressure.Check()
	if p.pressure.ShouldReject() {
		p.stats.Rejected.Add(1)
		return errors.Wrap(errors.ErrBackpressure, "pipeline overloaded")
	}

	st := p.getOrCreate(e.Key())

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return errors.ErrStreamClosed
	}

	// Duplicates at or below the durable watermark are acknowledged
	// again so a resuming producer can fast-forward.
	if acked := st.acked.Load(); e.Sequence <= acked {
		p.stats.DuplicatesDropped.Add(1)
		p.ack(st.key, acked, true)
		return nil
	}
	if e.Sequence <= st.lastSeq {
		p.stats.OutOfOrder.Add(1)
		return errors.Wrapf(errors.ErrOutOfOrder,
			"sequence %d after %d on stream %s", e.Sequence, st.lastSeq, st.key)
	}

	// Make room before accepting: a full batch must flush first, and a
	// full queue is the backpressure signal.
	if st.batch != nil && p.batchFull(st.batch, e.PayloadSize()) {
		reason := flushByCount
		if st.batch.Count() < p.cfg.MaxBatchCount {
			reason = flushByBytes
		}
		if !p.enqueueLocked(ctx, st, reason, p.cfg.Policy == ThrottleBlock) {
			p.stats.Rejected.Add(1)
			return errors.Wrapf(errors.ErrBackpressure,
				"route queue full on stream %s", st.key)
		}
	}

	if st.batch == nil {
		st.batch = envelope.NewBatch(st.key, p.cfg.MaxBatchCount)
		st.batchStart = time.Now()
	}
	if err := st.batch.Append(e); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	st.lastSeq = e.Sequence
	st.lastActivity = time.Now()
	p.stats.EnvelopesAccepted.Add(1)
	p.stats.ObserveEnvelopeSize(e.PayloadSize())

	// Receipt: accepted into the pipeline, upgraded to durable once the
	// batch routes.
	p.ack(st.key, e.Sequence, false)

	// Eager flush keeps latency low when a batch fills exactly.
	if p.batchFull(st.batch, 0) {
		p.enqueueLocked(ctx, st, flushByCount, false)
	}

	return nil
}

// CloseStream flushes the stream's partial batch, drains its queue, and
// releases its state. The stream's durable watermark is returned.
func (p *Pipeline) CloseStream(ctx context.Context, key envelope.StreamKey) (uint64, error) {
	p.mu.Lock()
	st, ok := p.streams[key]
	if ok {
		delete(p.streams, key)
	}
	p.mu.Unlock()

	if !ok {
		return 0, errors.Wrapf(errors.ErrNotFound, "stream %s", key)
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return st.acked.Load(), nil
	}
	var stranded *envelope.Batch
	if !p.enqueueLocked(ctx, st, flushByClose, true) {
		stranded = st.batch
		st.batch = nil
	}
	st.closed = true
	close(st.queue)
	st.mu.Unlock()

	// The route queue stayed saturated through the bounded wait. Hand
	// the partial batch to the spill log so the replay worker lands it;
	// the caller learns the flush was not durable.
	var flushErr error
	if stranded != nil {
		if err := p.router.Spill(stranded); err != nil {
			flushErr = err
		} else {
			flushErr = errors.Wrapf(errors.ErrUnavailable,
				"stream %s: partial batch spilled under backpressure", st.key)
		}
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return st.acked.Load(), ctx.Err()
	}
	return st.acked.Load(), flushErr
}

// =============================================================================
// Internals
// =============================================================================

func (p *Pipeline) ack(key envelope.StreamKey, upTo uint64, durable bool) {
	if p.ackFn != nil {
		p.ackFn(key, upTo, durable)
	}
}

// batchFull reports whether adding extra bytes would exceed the batch
// limits. A lone oversized envelope still forms its own batch.
func (p *Pipeline) batchFull(b *envelope.Batch, extra uint64) bool {
	if b.Count() == 0 {
		return false
	}
	return b.Count() >= p.cfg.MaxBatchCount || b.Bytes()+extra > p.cfg.MaxBatchBytes
}

func (p *Pipeline) getOrCreate(key envelope.StreamKey) *stream {
	p.mu.RLock()
	st, ok := p.streams[key]
	p.mu.RUnlock()
	if ok {
		return st
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[key]; ok {
		return st
	}

	st = &stream{
		key:          key,
		lastActivity: time.Now(),
		queue:        make(chan *envelope.Batch, p.cfg.RouteQueueSize),
		done:         make(chan struct{}),
	}
	p.streams[key] = st

	p.streamWg.Add(1)
	go p.routeWorker(st)

	return st
}

// enqueueLocked hands the building batch to the route worker. Returns
// false when the queue is full and blocking is not allowed or timed out.
// Must be called with the stream mutex held.
func (p *Pipeline) enqueueLocked(ctx context.Context, st *stream, reason flushReason, block bool) bool {
	if st.batch == nil || st.batch.Empty() {
		return true
	}

	select {
	case st.queue <- st.batch:
	default:
		if !block {
			return false
		}
		timer := time.NewTimer(p.cfg.SubmitWait)
		defer timer.Stop()
		select {
		case st.queue <- st.batch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	st.batch = nil
	p.stats.BatchesFlushed.Add(1)
	switch reason {
	case flushByCount:
		p.stats.FlushesByCount.Add(1)
	case flushByBytes:
		p.stats.FlushesByBytes.Add(1)
	case flushByAge:
		p.stats.FlushesByAge.Add(1)
	case flushByClose:
		p.stats.FlushesByClose.Add(1)
	}
	return true
}

// routeWorker routes one stream's batches in order.
func (p *Pipeline) routeWorker(st *stream) {
	defer p.streamWg.Done()
	defer close(st.done)

	log := logging.Component("ingest")

	for b := range st.queue {
		start := time.Now()
		_, err := p.router.Route(p.ctx, b)
		p.stats.ObserveFlushLatency(time.Since(start))

		if err != nil {
			// The router spilled the batch; the watermark stays put
			// until the replay worker lands it.
			p.stats.RouteFailures.Add(1)
			log.Warn("batch not routed",
				"batch", b.LogicalKey(),
				"error", err)
			continue
		}

		p.stats.BatchesRouted.Add(1)
		st.advanceAcked(b.LastSeq())
		p.ack(st.key, b.LastSeq(), true)
	}
}

// flushWorker flushes batches that reach MaxBatchAge.
func (p *Pipeline) flushWorker() {
	defer p.wg.Done()

	interval := p.cfg.MaxBatchAge / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flushAged(false)
		case <-p.flushCh:
			p.flushAged(true)
		}
	}
}

// flushAged enqueues batches past their age limit; force flushes all.
func (p *Pipeline) flushAged(force bool) {
	now := time.Now()

	p.mu.RLock()
	streams := make([]*stream, 0, len(p.streams))
	for _, st := range p.streams {
		streams = append(streams, st)
	}
	p.mu.RUnlock()

	for _, st := range streams {
		st.mu.Lock()
		if !st.closed && st.batch != nil && !st.batch.Empty() {
			if force || now.Sub(st.batchStart) >= p.cfg.MaxBatchAge {
				p.enqueueLocked(p.ctx, st, flushByAge, false)
			}
		}
		st.mu.Unlock()
	}
}

// idleWorker evicts streams with no recent activity.
func (p *Pipeline) idleWorker() {
	defer p.wg.Done()

	interval := p.cfg.StreamIdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pipeline) evictIdle() {
	log := logging.Component("ingest")
	cutoff := time.Now().Add(-p.cfg.StreamIdleTimeout)

	p.mu.Lock()
	var idle []*stream
	for key, st := range p.streams {
		st.mu.Lock()
		if !st.closed && st.lastActivity.Before(cutoff) && len(st.queue) == 0 {
			p.enqueueLocked(p.ctx, st, flushByAge, false)
			st.closed = true
			close(st.queue)
			idle = append(idle, st)
			delete(p.streams, key)
		}
		st.mu.Unlock()
	}
	p.mu.Unlock()

	for _, st := range idle {
		log.Debug("idle stream evicted", "stream", st.key.String())
	}
}

// queueUsage reports the utilization of the busiest route queue, the
// signal the backpressure controller levels on.
func (p *Pipeline) queueUsage() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var max float64
	for _, st := range p.streams {
		usage := float64(len(st.queue)) / float64(cap(st.queue))
		if usage > max {
			max = usage
		}
	}
	return max
}
