package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
)

// fakeRouter records routed batches and can fail or block on demand.
type fakeRouter struct {
	mu       sync.Mutex
	batches  []*envelope.Batch
	spills   []*envelope.Batch
	failures int
	block    chan struct{}
}

func (f *fakeRouter) Route(ctx context.Context, b *envelope.Batch) ([]metastore.Reference, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.ErrUnavailable
	}
	f.batches = append(f.batches, b)
	return nil, nil
}

func (f *fakeRouter) Spill(b *envelope.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spills = append(f.spills, b)
	return nil
}

func (f *fakeRouter) routed() []*envelope.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*envelope.Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeRouter) spilled() []*envelope.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*envelope.Batch, len(f.spills))
	copy(out, f.spills)
	return out
}

// ackRecorder collects acknowledgement callbacks, receipts and durable
// upgrades separately.
type ackRecorder struct {
	mu       sync.Mutex
	acks     []uint64
	receipts []uint64
	durables []uint64
}

func (a *ackRecorder) fn(key envelope.StreamKey, upTo uint64, durable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, upTo)
	if durable {
		a.durables = append(a.durables, upTo)
	} else {
		a.receipts = append(a.receipts, upTo)
	}
}

func (a *ackRecorder) last() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.acks) == 0 {
		return 0
	}
	return a.acks[len(a.acks)-1]
}

func (a *ackRecorder) lastDurable() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.durables) == 0 {
		return 0
	}
	return a.durables[len(a.durables)-1]
}

func (a *ackRecorder) receiptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.receipts)
}

func (a *ackRecorder) durableCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.durables)
}

func testEnvelope(seq uint64) *envelope.Envelope {
	payload := []byte(`{"joint_positions":[0.1,0.2,0.3]}`)
	return &envelope.Envelope{
		TimestampMs: time.Now().UnixMilli(),
		ProducerID:  "robot-7",
		StreamID:    "session-42",
		DataType:    registry.TypeTimeSeries,
		Sequence:    seq,
		Kind:        envelope.PayloadBinary,
		Payload:     payload,
		Checksum:    envelope.ChecksumPayload(payload),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBatchAge = time.Hour // only explicit flushes in tests
	cfg.SubmitWait = 100 * time.Millisecond
	return cfg
}

func startPipeline(t *testing.T, cfg Config, router BatchRouter) *Pipeline {
	t.Helper()
	p := New(cfg, registry.New(), router)
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestPipelineBatchesByCount(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 100

	fr := &fakeRouter{}
	p := startPipeline(t, cfg, fr)

	for seq := uint64(1); seq <= 250; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	watermark, err := p.CloseStream(context.Background(), envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"})
	if err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if watermark != 250 {
		t.Errorf("expected watermark 250, got %d", watermark)
	}

	batches := fr.routed()
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for i, want := range []int{100, 100, 50} {
		if got := batches[i].Count(); got != want {
			t.Errorf("batch %d: expected %d envelopes, got %d", i, want, got)
		}
	}
	if batches[0].FirstSeq() != 1 || batches[2].LastSeq() != 250 {
		t.Errorf("unexpected sequence range %d-%d", batches[0].FirstSeq(), batches[2].LastSeq())
	}

	snap := p.Stats().Snapshot()
	if snap.EnvelopesAccepted != 250 {
		t.Errorf("expected 250 accepted, got %d", snap.EnvelopesAccepted)
	}
	if snap.FlushesByCount != 2 {
		t.Errorf("expected 2 count flushes, got %d", snap.FlushesByCount)
	}
	if snap.FlushesByClose != 1 {
		t.Errorf("expected 1 close flush, got %d", snap.FlushesByClose)
	}
}

func TestPipelineRejectsOutOfOrder(t *testing.T) {
	fr := &fakeRouter{}
	p := startPipeline(t, testConfig(), fr)

	if err := p.Submit(context.Background(), testEnvelope(5)); err != nil {
		t.Fatalf("Submit(5): %v", err)
	}
	err := p.Submit(context.Background(), testEnvelope(3))
	if !errors.Is(err, errors.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
	// Resubmitting the highest seen sequence is also a regression.
	err = p.Submit(context.Background(), testEnvelope(5))
	if !errors.Is(err, errors.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for repeat of 5, got %v", err)
	}
	// Gaps in the sequence are allowed.
	if err := p.Submit(context.Background(), testEnvelope(9)); err != nil {
		t.Errorf("Submit(9): %v", err)
	}

	if got := p.Stats().OutOfOrder.Load(); got != 2 {
		t.Errorf("expected 2 out-of-order rejections, got %d", got)
	}
}

func TestPipelineDropsDuplicatesBelowWatermark(t *testing.T) {
	fr := &fakeRouter{}
	acks := &ackRecorder{}

	p := New(testConfig(), registry.New(), fr)
	p.SetAckFunc(acks.fn)
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}
	p.SeedWatermark(key, 10)

	// A replayed envelope below the watermark is dropped and re-acked.
	if err := p.Submit(context.Background(), testEnvelope(7)); err != nil {
		t.Fatalf("Submit(7): %v", err)
	}
	if got := p.Stats().DuplicatesDropped.Load(); got != 1 {
		t.Errorf("expected 1 duplicate dropped, got %d", got)
	}
	if got := acks.last(); got != 10 {
		t.Errorf("expected duplicate re-ack at 10, got %d", got)
	}

	// The next fresh sequence is accepted.
	if err := p.Submit(context.Background(), testEnvelope(11)); err != nil {
		t.Errorf("Submit(11): %v", err)
	}
	if got := p.LastAcknowledged(key); got != 10 {
		t.Errorf("expected watermark 10, got %d", got)
	}
}

func TestPipelineFlushByAge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchAge = 30 * time.Millisecond

	fr := &fakeRouter{}
	p := startPipeline(t, cfg, fr)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for len(fr.routed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	batches := fr.routed()
	if len(batches) != 1 || batches[0].Count() != 3 {
		t.Fatalf("expected one aged batch of 3, got %v", batches)
	}
	if got := p.Stats().FlushesByAge.Load(); got != 1 {
		t.Errorf("expected 1 age flush, got %d", got)
	}
}

func TestPipelineForceFlush(t *testing.T) {
	fr := &fakeRouter{}
	p := startPipeline(t, testConfig(), fr)

	if err := p.Submit(context.Background(), testEnvelope(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.ForceFlush()

	deadline := time.Now().Add(time.Second)
	for len(fr.routed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if batches := fr.routed(); len(batches) != 1 {
		t.Fatalf("expected forced flush to route 1 batch, got %d", len(batches))
	}
}

func TestPipelineRejectsWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 1
	cfg.RouteQueueSize = 1
	cfg.Policy = ThrottleReject
	cfg.SubmitWait = 10 * time.Millisecond
	cfg.Backpressure.Cooldown = time.Hour // pin the pressure level at normal

	release := make(chan struct{})
	fr := &fakeRouter{block: release}
	p := startPipeline(t, cfg, fr)

	// First batch occupies the route worker, the next fills the queue,
	// the one after sits as the pending batch.
	var err error
	for seq := uint64(1); seq <= 4; seq++ {
		err = p.Submit(context.Background(), testEnvelope(seq))
		if errors.Is(err, errors.ErrBackpressure) {
			break
		}
		if err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}
	if !errors.Is(err, errors.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if got := p.Stats().Rejected.Load(); got == 0 {
		t.Error("expected rejected counter to advance")
	}

	close(release)
}

func TestPipelineWatermarkHoldsOnRouteFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 2

	fr := &fakeRouter{failures: 1}
	acks := &ackRecorder{}

	p := New(cfg, registry.New(), fr)
	p.SetAckFunc(acks.fn)
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}

	// First batch fails to route; its sequences are not acknowledged.
	for seq := uint64(1); seq <= 2; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for p.Stats().RouteFailures.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.LastAcknowledged(key); got != 0 {
		t.Errorf("expected watermark 0 after failed route, got %d", got)
	}

	// The next batch routes fine and advances the watermark.
	for seq := uint64(3); seq <= 4; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}
	deadline = time.Now().Add(time.Second)
	for acks.lastDurable() != 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := acks.lastDurable(); got != 4 {
		t.Errorf("expected durable ack at 4, got %d", got)
	}
}

func TestPipelineRejectsOversizedEnvelope(t *testing.T) {
	fr := &fakeRouter{}
	p := startPipeline(t, testConfig(), fr)

	e := testEnvelope(1)
	e.DataType = registry.TypeImages
	e.OriginalSize = 200 << 20 // images cap at 50 MiB

	err := p.Submit(context.Background(), e)
	if !errors.Is(err, errors.ErrEnvelopeTooLarge) {
		t.Errorf("expected ErrEnvelopeTooLarge, got %v", err)
	}
}

func TestPipelineRejectsCorruptPayload(t *testing.T) {
	fr := &fakeRouter{}
	p := startPipeline(t, testConfig(), fr)

	e := testEnvelope(1)
	e.Payload[0] ^= 0xFF

	err := p.Submit(context.Background(), e)
	if !errors.Is(err, errors.ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestPipelineStopFlushesPending(t *testing.T) {
	fr := &fakeRouter{}
	p := New(testConfig(), registry.New(), fr)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Submit(context.Background(), testEnvelope(6)); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after stop, got %v", err)
	}

	batches := fr.routed()
	if len(batches) != 1 || batches[0].Count() != 5 {
		t.Fatalf("expected pending batch of 5 routed on stop, got %v", batches)
	}
}

func TestPipelineCloseStreamSpillsUnderSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 2
	cfg.RouteQueueSize = 1
	cfg.SubmitWait = 50 * time.Millisecond
	cfg.Backpressure.Cooldown = time.Hour

	release := make(chan struct{})
	fr := &fakeRouter{block: release}
	p := startPipeline(t, cfg, fr)

	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}

	// Batch 1-2 occupies the blocked route worker, batch 3-4 fills the
	// queue, envelope 5 sits as the partial pending batch.
	for seq := uint64(1); seq <= 5; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	type closeResult struct {
		watermark uint64
		err       error
	}
	resCh := make(chan closeResult, 1)
	go func() {
		w, err := p.CloseStream(context.Background(), key)
		resCh <- closeResult{w, err}
	}()

	// The close flush cannot enqueue while the worker is blocked; the
	// partial batch must land in the spill log, never be dropped.
	deadline := time.Now().Add(2 * time.Second)
	for len(fr.spilled()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spills := fr.spilled()
	if len(spills) != 1 {
		t.Fatalf("expected 1 spilled batch, got %d", len(spills))
	}
	if spills[0].FirstSeq() != 5 || spills[0].LastSeq() != 5 {
		t.Errorf("spilled batch covers %d-%d, expected 5-5",
			spills[0].FirstSeq(), spills[0].LastSeq())
	}

	// Unblock routing so the close can drain, then the caller must learn
	// the flush was not durable.
	close(release)

	res := <-resCh
	if !errors.Is(res.err, errors.ErrUnavailable) {
		t.Errorf("CloseStream error = %v, expected ErrUnavailable", res.err)
	}
	if res.watermark != 4 {
		t.Errorf("watermark = %d, expected 4", res.watermark)
	}
}

func TestPipelineStopSpillsStrandedBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 2
	cfg.RouteQueueSize = 1
	cfg.SubmitWait = 50 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.Backpressure.Cooldown = time.Hour

	release := make(chan struct{})
	fr := &fakeRouter{block: release}
	p := New(cfg, registry.New(), fr)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer close(release)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := p.Submit(context.Background(), testEnvelope(seq)); err != nil {
			t.Fatalf("Submit(%d): %v", seq, err)
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	spills := fr.spilled()
	if len(spills) != 1 {
		t.Fatalf("expected the stranded partial batch spilled on stop, got %d", len(spills))
	}
	if spills[0].FirstSeq() != 5 {
		t.Errorf("spilled batch starts at %d, expected 5", spills[0].FirstSeq())
	}
}

func TestPipelineReceiptAckBeforeRouting(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchCount = 2

	release := make(chan struct{})
	fr := &fakeRouter{block: release}
	acks := &ackRecorder{}

	p := New(cfg, registry.New(), fr)
	p.SetAckFunc(acks.fn)
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	// With the router blocked, nothing can be durable yet; accepting an
	// envelope must still produce a receipt acknowledgement.
	if err := p.Submit(context.Background(), testEnvelope(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := acks.receiptCount(); got != 1 {
		t.Fatalf("expected 1 receipt ack, got %d", got)
	}
	if got := acks.durableCount(); got != 0 {
		t.Fatalf("expected no durable ack while routing is blocked, got %d", got)
	}

	if err := p.Submit(context.Background(), testEnvelope(2)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for acks.lastDurable() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := acks.lastDurable(); got != 2 {
		t.Errorf("expected durable upgrade at 2, got %d", got)
	}
}

func TestControllerLevels(t *testing.T) {
	var usage float64
	cfg := ControllerConfig{
		Thresholds: DefaultThresholds(),
		Hysteresis: 0.10,
		Cooldown:   time.Nanosecond,
	}
	c := NewController(cfg, func() float64 { return usage })

	steps := []struct {
		usage float64
		want  Level
	}{
		{0.10, LevelNormal},
		{0.55, LevelWarning},
		{0.80, LevelCritical},
		// Hysteresis: just below the critical threshold stays critical.
		{0.70, LevelCritical},
		{0.60, LevelWarning},
		{0.97, LevelEmergency},
		{0.90, LevelEmergency},
		{0.80, LevelCritical},
		{0.10, LevelNormal},
	}
	for i, s := range steps {
		usage = s.usage
		time.Sleep(time.Microsecond) // clear the cooldown window
		if got := c.Check(); got != s.want {
			t.Errorf("step %d (usage %.2f): expected %v, got %v", i, s.usage, s.want, got)
		}
	}

	usage = 0.99
	time.Sleep(time.Microsecond)
	c.Check()
	if !c.ShouldReject() {
		t.Error("expected ShouldReject at emergency level")
	}
	if !c.ShouldThrottle() {
		t.Error("expected ShouldThrottle at emergency level")
	}
}

func TestStatsSketches(t *testing.T) {
	s := newStats()
	for i := 1; i <= 100; i++ {
		s.ObserveEnvelopeSize(uint64(i * 1000))
		s.ObserveFlushLatency(time.Duration(i) * time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.EnvelopeSizeP50 <= 0 || snap.EnvelopeSizeP99 < snap.EnvelopeSizeP50 {
		t.Errorf("implausible size quantiles: p50=%v p99=%v", snap.EnvelopeSizeP50, snap.EnvelopeSizeP99)
	}
	if snap.FlushLatencyP99 < snap.FlushLatencyP50 {
		t.Errorf("implausible latency quantiles: p50=%v p99=%v", snap.FlushLatencyP50, snap.FlushLatencyP99)
	}
}
