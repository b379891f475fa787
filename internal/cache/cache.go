// Package cache provides the tiered read cache. Three tiers sit between
// readers and the storage backends, ordered by distance from the reader:
// client, application, edge. Each tier combines a TTL with LRU eviction
// under a byte capacity.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/internal/errors"
)

// Level identifies a cache tier, ordered nearest to farthest from the reader.
type Level int

const (
	// LevelClient is the nearest tier with the shortest TTL.
	LevelClient Level = iota

	// LevelApplication is the mid tier.
	LevelApplication

	// LevelEdge is the farthest tier with the longest TTL.
	LevelEdge

	numLevels
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelClient:
		return "client"
	case LevelApplication:
		return "application"
	case LevelEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// Levels returns all levels in nearest-first order.
func Levels() []Level {
	return []Level{LevelClient, LevelApplication, LevelEdge}
}

// Stats tracks per-tier cache activity.
type Stats struct {
	Hits      atomic.Uint64
	Misses    atomic.Uint64
	Puts      atomic.Uint64
	Evictions atomic.Uint64
	Expired   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits      uint64
	Misses    uint64
	Puts      uint64
	Evictions uint64
	Expired   uint64
}

// Snapshot returns a copy of the current stats.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:      s.Hits.Load(),
		Misses:    s.Misses.Load(),
		Puts:      s.Puts.Load(),
		Evictions: s.Evictions.Load(),
		Expired:   s.Expired.Load(),
	}
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Tier is one cache tier. Entries expire after the tier's TTL; when the
// tier's byte capacity is exceeded, least recently used entries are
// evicted first.
type Tier struct {
	level    Level
	ttl      time.Duration
	capacity uint64

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
	bytes uint64

	stats Stats
}

// NewTier creates a cache tier. capacity is in bytes; zero means unlimited.
func NewTier(level Level, ttl time.Duration, capacity uint64) *Tier {
	return &Tier{
		level:    level,
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Level returns the tier's level.
func (t *Tier) Level() Level {
	return t.level
}

// TTL returns the tier's entry lifetime.
func (t *Tier) TTL() time.Duration {
	return t.ttl
}

// Get retrieves a value by key. Expired entries count as misses and are
// removed on access.
func (t *Tier) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	element, ok := t.items[key]
	if !ok {
		t.stats.Misses.Add(1)
		return nil, false
	}

	e := element.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		t.removeLocked(element)
		t.stats.Expired.Add(1)
		t.stats.Misses.Add(1)
		return nil, false
	}

	t.order.MoveToFront(element)
	t.stats.Hits.Add(1)
	return e.value, true
}

// Put stores a value. Entries larger than the tier's capacity are rejected.
func (t *Tier) Put(key string, value []byte) error {
	if key == "" {
		return errors.ErrInvalidKey
	}
	size := uint64(len(value))
	if t.capacity > 0 && size > t.capacity {
		return errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"entry is %d bytes, tier capacity %d", size, t.capacity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiresAt := time.Now().Add(t.ttl)

	if element, ok := t.items[key]; ok {
		e := element.Value.(*entry)
		t.bytes -= uint64(len(e.value))
		e.value = value
		e.expiresAt = expiresAt
		t.bytes += size
		t.order.MoveToFront(element)
	} else {
		element := t.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
		t.items[key] = element
		t.bytes += size
	}

	// TTL expiry runs before LRU eviction: expired entries go first,
	// live ones are only evicted if the tier is still over capacity.
	if t.capacity > 0 && t.bytes > t.capacity {
		t.removeExpiredLocked(time.Now())
	}
	for t.capacity > 0 && t.bytes > t.capacity {
		back := t.order.Back()
		if back == nil {
			break
		}
		t.removeLocked(back)
		t.stats.Evictions.Add(1)
	}

	t.stats.Puts.Add(1)
	return nil
}

// Delete removes an entry by key. Returns true if the key was present.
func (t *Tier) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	element, ok := t.items[key]
	if !ok {
		return false
	}
	t.removeLocked(element)
	return true
}

// Clear removes all entries.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items = make(map[string]*list.Element)
	t.order.Init()
	t.bytes = 0
}

// Len returns the number of live entries, including any expired entries
// not yet swept.
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Bytes returns the accumulated entry bytes.
func (t *Tier) Bytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Stats returns the tier's stats counters.
func (t *Tier) Stats() *Stats {
	return &t.stats
}

// removeExpired removes all expired entries. Called by the manager's janitor.
func (t *Tier) removeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeExpiredLocked(time.Now())
}

// removeExpiredLocked removes all entries expired as of now.
// Must be called with the mutex held.
func (t *Tier) removeExpiredLocked(now time.Time) int {
	removed := 0
	for element := t.order.Front(); element != nil; {
		next := element.Next()
		if now.After(element.Value.(*entry).expiresAt) {
			t.removeLocked(element)
			removed++
		}
		element = next
	}
	if removed > 0 {
		t.stats.Expired.Add(uint64(removed))
	}
	return removed
}

// removeLocked removes an element from the list and map.
// Must be called with the mutex held.
func (t *Tier) removeLocked(element *list.Element) {
	e := element.Value.(*entry)
	delete(t.items, e.key)
	t.order.Remove(element)
	t.bytes -= uint64(len(e.value))
}
