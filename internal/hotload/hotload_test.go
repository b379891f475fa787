package hotload

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortyfive/telemetry/internal/cache"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
	teltest "github.com/fortyfive/telemetry/internal/testing"
)

// fakeSource serves encoded batches from memory and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	docs    map[string][]byte
	fetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: make(map[string][]byte)}
}

func (f *fakeSource) Resolve(ctx context.Context, logicalKey string) (metastore.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[logicalKey]; !ok {
		return metastore.Reference{}, errors.Wrapf(errors.ErrNotFound, "batch %s", logicalKey)
	}
	return metastore.Reference{LogicalKey: logicalKey}, nil
}

func (f *fakeSource) FetchRaw(ctx context.Context, ref metastore.Reference) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	data, ok := f.docs[ref.LogicalKey]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "batch %s", ref.LogicalKey)
	}
	return data, nil
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.CleanupInterval = time.Hour
	m, err := cache.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func encodedBatch(t *testing.T) (string, []byte) {
	t.Helper()
	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}
	b := envelope.NewBatch(key, 2)
	for seq := uint64(1); seq <= 2; seq++ {
		payload := []byte(`{"v":1}`)
		err := b.Append(&envelope.Envelope{
			TimestampMs: time.Now().UnixMilli(),
			ProducerID:  key.ProducerID,
			StreamID:    key.StreamID,
			DataType:    registry.TypeTimeSeries,
			Sequence:    seq,
			Kind:        envelope.PayloadBinary,
			Payload:     payload,
			Checksum:    envelope.ChecksumPayload(payload),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	data, err := envelope.NewCodec(0).EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	return b.LogicalKey(), data
}

func TestReadMissFetchesAndPopulates(t *testing.T) {
	cm := newTestCache(t)
	src := newFakeSource()
	logicalKey, data := encodedBatch(t)
	src.docs[logicalKey] = data

	o := New(DefaultConfig(), cm, src)

	got, err := o.ReadRaw(context.Background(), logicalKey)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("fetched data does not match stored data")
	}
	if src.fetches != 1 {
		t.Errorf("expected 1 backend fetch, got %d", src.fetches)
	}

	// Second read is served from cache without touching the backend.
	if _, err := o.ReadRaw(context.Background(), logicalKey); err != nil {
		t.Fatalf("ReadRaw (cached): %v", err)
	}
	if src.fetches != 1 {
		t.Errorf("expected cached read, backend fetches = %d", src.fetches)
	}

	if hits := o.Stats().CacheHits.Load(); hits != 1 {
		t.Errorf("expected 1 cache hit, got %d", hits)
	}
	if misses := o.Stats().CacheMisses.Load(); misses != 1 {
		t.Errorf("expected 1 cache miss, got %d", misses)
	}
}

func TestReadDistantHitBackfills(t *testing.T) {
	cm := newTestCache(t)
	src := newFakeSource()
	logicalKey, data := encodedBatch(t)

	// Seed only the farthest tier; the batch is not in the backend so a
	// fetch would fail loudly.
	if err := cm.Put(cache.LevelEdge, logicalKey, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	o := New(DefaultConfig(), cm, src)

	got, err := o.ReadRaw(context.Background(), logicalKey)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("distant-tier hit returned wrong data")
	}
	if src.fetches != 0 {
		t.Errorf("expected no backend fetch on cache hit, got %d", src.fetches)
	}

	// The hit returns immediately; the nearer tiers fill in behind it.
	teltest.WaitFor(t, 2*time.Second, func() bool {
		_, ok := cm.Tier(cache.LevelClient).Get(logicalKey)
		return ok && o.Stats().Backfills.Load() == 1
	}, "client tier backfilled after distant hit")
}

func TestReadNotFound(t *testing.T) {
	cm := newTestCache(t)
	o := New(DefaultConfig(), cm, newFakeSource())

	_, err := o.ReadRaw(context.Background(), "robot-7/session-42/1-10")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadDecodesBatch(t *testing.T) {
	cm := newTestCache(t)
	src := newFakeSource()
	logicalKey, data := encodedBatch(t)
	src.docs[logicalKey] = data

	o := New(DefaultConfig(), cm, src)

	b, err := o.Read(context.Background(), logicalKey)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.LogicalKey() != logicalKey {
		t.Errorf("expected logical key %s, got %s", logicalKey, b.LogicalKey())
	}
	if b.Count() != 2 {
		t.Errorf("expected 2 envelopes, got %d", b.Count())
	}
}

func TestReadRestoresCompressedPayloads(t *testing.T) {
	cm := newTestCache(t)
	src := newFakeSource()

	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}
	original := bytes.Repeat([]byte(`{"joint":0.75,"torque":1.5}`), 32)
	b := envelope.NewBatch(key, 1)
	e := &envelope.Envelope{
		TimestampMs: time.Now().UnixMilli(),
		ProducerID:  key.ProducerID,
		StreamID:    key.StreamID,
		DataType:    registry.TypeTimeSeries,
		Sequence:    1,
		Kind:        envelope.PayloadBinary,
		Payload:     append([]byte(nil), original...),
		Checksum:    envelope.ChecksumPayload(original),
	}
	if err := b.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := envelope.CompressPayload(e, envelope.CompressionZstd); err != nil {
		t.Fatalf("CompressPayload: %v", err)
	}
	data, err := envelope.NewCodec(0).EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	src.docs[b.LogicalKey()] = data

	o := New(DefaultConfig(), cm, src)

	got, err := o.Read(context.Background(), b.LogicalKey())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	env := got.Envelopes()[0]
	if env.Compression != envelope.CompressionNone {
		t.Errorf("compression = %s after read, expected none", env.Compression)
	}
	if !bytes.Equal(env.Payload, original) {
		t.Error("payload not restored to its original bytes")
	}
}

func TestReadStreamOrdered(t *testing.T) {
	cm := newTestCache(t)
	src := newFakeSource()
	logicalKey, data := encodedBatch(t)
	src.docs[logicalKey] = data

	o := New(DefaultConfig(), cm, src)

	batches, err := o.ReadStream(context.Background(), []metastore.Reference{
		{LogicalKey: logicalKey},
	})
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(batches) != 1 || batches[0].FirstSeq() != 1 {
		t.Fatalf("unexpected stream contents: %v", batches)
	}
}
