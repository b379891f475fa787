package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestTierPutGet(t *testing.T) {
	tier := NewTier(LevelClient, time.Minute, 0)

	if err := tier.Put("robot-7/session-42/1-100", []byte("batch")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, ok := tier.Get("robot-7/session-42/1-100")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(value, []byte("batch")) {
		t.Errorf("value = %q, expected batch", value)
	}

	if _, ok := tier.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}

	snap := tier.Stats().Snapshot()
	if snap.Hits != 1 || snap.Misses != 1 {
		t.Errorf("stats = %+v, expected 1 hit and 1 miss", snap)
	}
}

func TestTierTTLExpiry(t *testing.T) {
	tier := NewTier(LevelClient, 20*time.Millisecond, 0)

	if err := tier.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := tier.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := tier.Get("k"); ok {
		t.Error("expected miss after TTL expiry")
	}
	if tier.Len() != 0 {
		t.Errorf("Len() = %d after expired access, expected 0", tier.Len())
	}
}

func TestTierLRUEviction(t *testing.T) {
	// Capacity fits exactly three 10-byte entries.
	tier := NewTier(LevelApplication, time.Minute, 30)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := tier.Put(key, make([]byte, 10)); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	// Touch key-0 so key-1 becomes least recently used.
	if _, ok := tier.Get("key-0"); !ok {
		t.Fatal("expected hit for key-0")
	}

	if err := tier.Put("key-3", make([]byte, 10)); err != nil {
		t.Fatalf("Put(key-3) failed: %v", err)
	}

	if _, ok := tier.Get("key-1"); ok {
		t.Error("key-1 should have been evicted as least recently used")
	}
	for _, key := range []string{"key-0", "key-2", "key-3"} {
		if _, ok := tier.Get(key); !ok {
			t.Errorf("%s should have survived eviction", key)
		}
	}
	if tier.Bytes() != 30 {
		t.Errorf("Bytes() = %d, expected 30", tier.Bytes())
	}
}

func TestTierPutSweepsExpiredBeforeEvicting(t *testing.T) {
	// Capacity fits two 40-byte entries.
	tier := NewTier(LevelApplication, 300*time.Millisecond, 100)

	if err := tier.Put("old", make([]byte, 40)); err != nil {
		t.Fatalf("Put(old) failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := tier.Put("fresh", make([]byte, 40)); err != nil {
		t.Fatalf("Put(fresh) failed: %v", err)
	}

	// Touch "old" so the live "fresh" sits at the LRU back, then let
	// "old" expire while "fresh" stays live.
	if _, ok := tier.Get("old"); !ok {
		t.Fatal("expected hit for old before expiry")
	}
	time.Sleep(200 * time.Millisecond)

	if err := tier.Put("new", make([]byte, 40)); err != nil {
		t.Fatalf("Put(new) failed: %v", err)
	}

	if _, ok := tier.Get("fresh"); !ok {
		t.Error("live entry evicted while an expired entry occupied the tier")
	}
	if _, ok := tier.Get("new"); !ok {
		t.Error("newly inserted entry should be present")
	}
	if evictions := tier.Stats().Evictions.Load(); evictions != 0 {
		t.Errorf("Evictions = %d, expected expiry sweep to free capacity instead", evictions)
	}
}

func TestTierRejectsOversizedEntry(t *testing.T) {
	tier := NewTier(LevelClient, time.Minute, 10)
	if err := tier.Put("big", make([]byte, 11)); err == nil {
		t.Error("expected error for entry larger than tier capacity")
	}
}

func TestTierUpdateReplacesBytes(t *testing.T) {
	tier := NewTier(LevelClient, time.Minute, 0)
	tier.Put("k", make([]byte, 100))
	tier.Put("k", make([]byte, 40))

	if tier.Bytes() != 40 {
		t.Errorf("Bytes() = %d after update, expected 40", tier.Bytes())
	}
	if tier.Len() != 1 {
		t.Errorf("Len() = %d after update, expected 1", tier.Len())
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		ClientTTL:       50 * time.Millisecond,
		ApplicationTTL:  time.Minute,
		EdgeTTL:         time.Hour,
		CleanupInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestManagerRejectsInvertedTTLs(t *testing.T) {
	_, err := NewManager(Config{
		ClientTTL:      time.Hour,
		ApplicationTTL: time.Minute,
		EdgeTTL:        time.Second,
	})
	if err == nil {
		t.Error("expected error for TTLs that shrink with distance")
	}
}

func TestManagerGetNearestFirst(t *testing.T) {
	m := testManager(t)

	m.Put(LevelEdge, "k", []byte("edge"))
	m.Put(LevelClient, "k", []byte("client"))

	value, level, ok := m.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if level != LevelClient {
		t.Errorf("found at %s, expected client tier first", level)
	}
	if !bytes.Equal(value, []byte("client")) {
		t.Errorf("value = %q, expected client tier entry", value)
	}
}

func TestManagerBackfill(t *testing.T) {
	m := testManager(t)

	m.Put(LevelEdge, "k", []byte("v"))
	if err := m.Backfill(LevelEdge, "k", []byte("v")); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	if _, ok := m.Tier(LevelClient).Get("k"); !ok {
		t.Error("client tier should be populated after backfill")
	}
	if _, ok := m.Tier(LevelApplication).Get("k"); !ok {
		t.Error("application tier should be populated after backfill")
	}

	_, level, ok := m.Get("k")
	if !ok || level != LevelClient {
		t.Errorf("after backfill Get found at %s, expected client", level)
	}
}

func TestManagerFallsThroughExpiredNearTier(t *testing.T) {
	m := testManager(t)

	if err := m.PutAll("k", []byte("v")); err != nil {
		t.Fatalf("PutAll failed: %v", err)
	}

	// Client tier TTL is 50ms; the farther tiers keep the entry.
	time.Sleep(70 * time.Millisecond)

	_, level, ok := m.Get("k")
	if !ok {
		t.Fatal("expected hit from a farther tier")
	}
	if level != LevelApplication {
		t.Errorf("found at %s, expected application after client expiry", level)
	}
}

func TestManagerInvalidateAll(t *testing.T) {
	m := testManager(t)
	m.PutAll("k", []byte("v"))
	m.InvalidateAll("k")

	if _, _, ok := m.Get("k"); ok {
		t.Error("expected miss after InvalidateAll")
	}
}

func TestManagerJanitorSweepsExpired(t *testing.T) {
	m := testManager(t)
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.Put(LevelClient, "k", []byte("v"))

	deadline := time.Now().Add(time.Second)
	for m.Tier(LevelClient).Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not sweep expired entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
