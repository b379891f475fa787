package archive

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortyfive/telemetry/internal/blobstore"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/tier"
)

// fakeStore is an in-memory metadata store for sweep tests.
type fakeStore struct {
	mu   sync.Mutex
	refs map[string]metastore.Reference
	docs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refs: make(map[string]metastore.Reference),
		docs: make(map[string][]byte),
	}
}

func (f *fakeStore) ListTierBefore(ctx context.Context, t tier.Tier, cutoff time.Time, limit int) ([]metastore.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metastore.Reference
	for _, ref := range f.refs {
		if ref.Tier == t && ref.StoredAt.Before(cutoff) {
			out = append(out, ref)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetDoc(ctx context.Context, logicalKey string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[logicalKey]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "batch %s", logicalKey)
	}
	return doc, nil
}

func (f *fakeStore) UpdateTier(ctx context.Context, logicalKey string, t tier.Tier, blobKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[logicalKey]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "batch %s", logicalKey)
	}
	ref.Tier = t
	ref.BlobKey = blobKey
	f.refs[logicalKey] = ref
	if blobKey != "" {
		delete(f.docs, logicalKey)
	}
	return nil
}

func (f *fakeStore) DeleteBatch(ctx context.Context, logicalKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refs, logicalKey)
	delete(f.docs, logicalKey)
	return nil
}

func testBatch(t *testing.T) *envelope.Batch {
	t.Helper()
	key := envelope.StreamKey{ProducerID: "robot-7", StreamID: "session-42"}
	b := envelope.NewBatch(key, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		payload := []byte(`{"joint_positions":[0.1,0.2]}`)
		err := b.Append(&envelope.Envelope{
			TimestampMs: 1700000000000 + int64(seq),
			ProducerID:  key.ProducerID,
			StreamID:    key.StreamID,
			DataType:    registry.TypeTimeSeries,
			Sequence:    seq,
			Kind:        envelope.PayloadBinary,
			Payload:     payload,
			Checksum:    envelope.ChecksumPayload(payload),
			Metadata:    map[string]any{"frame": uint64(seq)},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return b
}

func TestParquetRoundTrip(t *testing.T) {
	b := testBatch(t)

	data, err := EncodeParquet(b, DefaultParquetOptions())
	if err != nil {
		t.Fatalf("EncodeParquet: %v", err)
	}

	got, err := DecodeParquet(data)
	if err != nil {
		t.Fatalf("DecodeParquet: %v", err)
	}
	if got.LogicalKey() != b.LogicalKey() {
		t.Errorf("expected logical key %s, got %s", b.LogicalKey(), got.LogicalKey())
	}
	if got.Count() != b.Count() {
		t.Fatalf("expected %d envelopes, got %d", b.Count(), got.Count())
	}
	for i, want := range b.Envelopes() {
		if !reflect.DeepEqual(want, got.Envelopes()[i]) {
			t.Errorf("envelope %d: expected %+v, got %+v", i, want, got.Envelopes()[i])
		}
	}
}

func TestDecodeStoredDispatches(t *testing.T) {
	b := testBatch(t)

	framed, err := envelope.NewCodec(0).EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	columnar, err := EncodeParquet(b, DefaultParquetOptions())
	if err != nil {
		t.Fatalf("EncodeParquet: %v", err)
	}

	for name, data := range map[string][]byte{"framed": framed, "parquet": columnar} {
		got, err := DecodeStored(data)
		if err != nil {
			t.Fatalf("DecodeStored(%s): %v", name, err)
		}
		if got.LogicalKey() != b.LogicalKey() {
			t.Errorf("DecodeStored(%s): expected key %s, got %s", name, b.LogicalKey(), got.LogicalKey())
		}
	}
}

func testArchiver(t *testing.T, meta Store) (*Archiver, blobstore.BlobStore) {
	t.Helper()
	blobs, err := blobstore.NewFilesystem(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	cfg := DefaultConfig()
	cfg.HotRetention = 48 * time.Hour
	cfg.WarmRetention = 30 * 24 * time.Hour
	cfg.ColdRetention = 2 * 365 * 24 * time.Hour
	return New(cfg, meta, blobs), blobs
}

func TestSweepDemotesHotDocToParquet(t *testing.T) {
	b := testBatch(t)
	doc, err := envelope.NewCodec(0).EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}

	meta := newFakeStore()
	meta.refs[b.LogicalKey()] = metastore.Reference{
		LogicalKey: b.LogicalKey(),
		ProducerID: "robot-7",
		StreamID:   "session-42",
		DataType:   registry.TypeTimeSeries,
		Backend:    registry.BackendMetadata,
		Tier:       tier.TierHot,
		FirstSeq:   1,
		LastSeq:    3,
		StoredAt:   time.Now().Add(-72 * time.Hour),
	}
	meta.docs[b.LogicalKey()] = doc

	a, blobs := testArchiver(t, meta)

	demoted, expired, err := a.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if demoted != 1 || expired != 0 {
		t.Fatalf("expected 1 demotion and 0 expiries, got %d and %d", demoted, expired)
	}

	ref := meta.refs[b.LogicalKey()]
	if ref.Tier != tier.TierWarm {
		t.Errorf("expected warm tier, got %v", ref.Tier)
	}
	if !strings.HasSuffix(ref.BlobKey, ".parquet") {
		t.Errorf("expected parquet blob key, got %q", ref.BlobKey)
	}
	if _, ok := meta.docs[b.LogicalKey()]; ok {
		t.Error("expected inline document to be dropped after demotion")
	}

	data, err := blobs.Get(context.Background(), ref.BlobKey)
	if err != nil {
		t.Fatalf("Get segment: %v", err)
	}
	got, err := DecodeStored(data)
	if err != nil {
		t.Fatalf("DecodeStored: %v", err)
	}
	if got.Count() != 3 {
		t.Errorf("expected 3 envelopes in segment, got %d", got.Count())
	}
}

func TestSweepMovesBlobBatch(t *testing.T) {
	meta := newFakeStore()
	oldKey := "hot/robot-7/session-42/images/1-1.bin"
	meta.refs["robot-7/session-42/1-1"] = metastore.Reference{
		LogicalKey: "robot-7/session-42/1-1",
		ProducerID: "robot-7",
		StreamID:   "session-42",
		DataType:   registry.TypeImages,
		Backend:    registry.BackendBlob,
		Tier:       tier.TierHot,
		BlobKey:    oldKey,
		FirstSeq:   1,
		LastSeq:    1,
		StoredAt:   time.Now().Add(-72 * time.Hour),
	}

	a, blobs := testArchiver(t, meta)
	payload := []byte("jpeg bytes")
	if err := blobs.Put(context.Background(), oldKey, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, _, err := a.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	ref := meta.refs["robot-7/session-42/1-1"]
	if ref.Tier != tier.TierWarm {
		t.Fatalf("expected warm tier, got %v", ref.Tier)
	}
	if ref.BlobKey == oldKey || !strings.HasSuffix(ref.BlobKey, ".bin") {
		t.Errorf("expected new .bin blob key, got %q", ref.BlobKey)
	}

	got, err := blobs.Get(context.Background(), ref.BlobKey)
	if err != nil {
		t.Fatalf("Get moved blob: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("moved blob content does not match")
	}
	if _, err := blobs.Get(context.Background(), oldKey); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected old blob to be deleted, got %v", err)
	}
}

func TestSweepExpiresColdBatches(t *testing.T) {
	meta := newFakeStore()
	key := "cold/robot-7/session-42/images/1-1.bin"
	meta.refs["robot-7/session-42/1-1"] = metastore.Reference{
		LogicalKey: "robot-7/session-42/1-1",
		ProducerID: "robot-7",
		StreamID:   "session-42",
		DataType:   registry.TypeImages,
		Backend:    registry.BackendBlob,
		Tier:       tier.TierCold,
		BlobKey:    key,
		FirstSeq:   1,
		LastSeq:    1,
		StoredAt:   time.Now().Add(-3 * 365 * 24 * time.Hour),
	}

	a, blobs := testArchiver(t, meta)
	if err := blobs.Put(context.Background(), key, []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, expired, err := a.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	if _, ok := meta.refs["robot-7/session-42/1-1"]; ok {
		t.Error("expected reference to be deleted")
	}
	if _, err := blobs.Get(context.Background(), key); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected blob to be deleted, got %v", err)
	}
}

func TestSweepLeavesFreshBatches(t *testing.T) {
	b := testBatch(t)
	meta := newFakeStore()
	meta.refs[b.LogicalKey()] = metastore.Reference{
		LogicalKey: b.LogicalKey(),
		Backend:    registry.BackendMetadata,
		Tier:       tier.TierHot,
		StoredAt:   time.Now(),
	}

	a, _ := testArchiver(t, meta)

	demoted, expired, err := a.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if demoted != 0 || expired != 0 {
		t.Errorf("expected nothing swept, got %d demoted %d expired", demoted, expired)
	}
	if got := meta.refs[b.LogicalKey()].Tier; got != tier.TierHot {
		t.Errorf("expected batch to stay hot, got %v", got)
	}
}
