package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	interrors "github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/tier"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "meta.db")
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReference(logicalKey string) Reference {
	return Reference{
		LogicalKey: logicalKey,
		ProducerID: "robot-7",
		StreamID:   "session-42",
		DataType:   registry.TypeTimeSeries,
		Backend:    registry.BackendMetadata,
		Tier:       tier.TierHot,
		FirstSeq:   1,
		LastSeq:    100,
		Count:      100,
		Bytes:      4096,
		StoredAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestUpsertAndResolve(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ref := testReference("robot-7/session-42/1-100")

	if err := s.UpsertBatch(ctx, ref, []byte("doc")); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	got, err := s.Resolve(ctx, ref.LogicalKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.DataType != ref.DataType || got.Backend != ref.Backend || got.Tier != ref.Tier {
		t.Errorf("resolved %+v, expected %+v", got, ref)
	}
	if got.FirstSeq != 1 || got.LastSeq != 100 || got.Count != 100 {
		t.Errorf("sequence fields = %d-%d/%d, expected 1-100/100", got.FirstSeq, got.LastSeq, got.Count)
	}

	doc, err := s.GetDoc(ctx, ref.LogicalKey)
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if string(doc) != "doc" {
		t.Errorf("doc = %q, expected doc", doc)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ref := testReference("robot-7/session-42/1-100")

	if err := s.UpsertBatch(ctx, ref, []byte("original")); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	// A retried route for the same logical key must not duplicate or
	// overwrite the row.
	retried := ref
	retried.Bytes = 9999
	if err := s.UpsertBatch(ctx, retried, []byte("retry")); err != nil {
		t.Fatalf("retried UpsertBatch failed: %v", err)
	}

	got, err := s.Resolve(ctx, ref.LogicalKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Bytes != 4096 {
		t.Errorf("Bytes = %d, expected first write to win", got.Bytes)
	}

	doc, _ := s.GetDoc(ctx, ref.LogicalKey)
	if string(doc) != "original" {
		t.Errorf("doc = %q, expected original", doc)
	}
}

func TestResolveMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Resolve(context.Background(), "no/such/key"); !errors.Is(err, interrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListStreamOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, r := range []struct {
		key      string
		firstSeq uint64
		lastSeq  uint64
	}{
		{"robot-7/session-42/101-200", 101, 200},
		{"robot-7/session-42/1-100", 1, 100},
		{"robot-7/session-42/201-250", 201, 250},
	} {
		ref := testReference(r.key)
		ref.FirstSeq, ref.LastSeq = r.firstSeq, r.lastSeq
		if err := s.UpsertBatch(ctx, ref, nil); err != nil {
			t.Fatalf("UpsertBatch failed: %v", err)
		}
	}

	refs, err := s.ListStream(ctx, "robot-7", "session-42")
	if err != nil {
		t.Fatalf("ListStream failed: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("ListStream returned %d refs, expected 3", len(refs))
	}
	for i := 1; i < len(refs); i++ {
		if refs[i].FirstSeq <= refs[i-1].FirstSeq {
			t.Errorf("refs not ordered by sequence: %d after %d", refs[i].FirstSeq, refs[i-1].FirstSeq)
		}
	}
}

func TestTierDemotionUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ref := testReference("robot-7/session-42/1-100")
	ref.Backend = registry.BackendBlob
	ref.BlobKey = "hot/robot-7/session-42/time_series/1-100.bin"

	if err := s.UpsertBatch(ctx, ref, nil); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	old := time.Now().Add(time.Hour)
	refs, err := s.ListTierBefore(ctx, tier.TierHot, old, 10)
	if err != nil {
		t.Fatalf("ListTierBefore failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("ListTierBefore returned %d refs, expected 1", len(refs))
	}

	newKey := "warm/robot-7/session-42/time_series/1-100.parquet"
	if err := s.UpdateTier(ctx, ref.LogicalKey, tier.TierWarm, newKey); err != nil {
		t.Fatalf("UpdateTier failed: %v", err)
	}

	got, err := s.Resolve(ctx, ref.LogicalKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Tier != tier.TierWarm || got.BlobKey != newKey {
		t.Errorf("after demotion tier=%s blobKey=%s", got.Tier, got.BlobKey)
	}

	if refs, _ := s.ListTierBefore(ctx, tier.TierHot, old, 10); len(refs) != 0 {
		t.Errorf("hot tier still lists %d refs after demotion", len(refs))
	}
}

func TestLastAckedWatermark(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seq, err := s.LastAcked(ctx, "robot-7", "session-42")
	if err != nil || seq != 0 {
		t.Errorf("LastAcked for unknown stream = %d, %v; expected 0", seq, err)
	}

	if err := s.SetLastAcked(ctx, "robot-7", "session-42", 100); err != nil {
		t.Fatalf("SetLastAcked failed: %v", err)
	}
	// Watermarks never regress.
	if err := s.SetLastAcked(ctx, "robot-7", "session-42", 50); err != nil {
		t.Fatalf("SetLastAcked failed: %v", err)
	}

	seq, err = s.LastAcked(ctx, "robot-7", "session-42")
	if err != nil {
		t.Fatalf("LastAcked failed: %v", err)
	}
	if seq != 100 {
		t.Errorf("LastAcked = %d, expected watermark to stay at 100", seq)
	}

	if err := s.SetLastAcked(ctx, "robot-7", "session-43", 7); err != nil {
		t.Fatalf("SetLastAcked failed: %v", err)
	}
	acked, err := s.LastAckedByProducer(ctx, "robot-7")
	if err != nil {
		t.Fatalf("LastAckedByProducer failed: %v", err)
	}
	if acked["session-42"] != 100 || acked["session-43"] != 7 {
		t.Errorf("acked = %v, expected session-42:100 session-43:7", acked)
	}
}
