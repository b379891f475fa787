package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
)

// Config controls the cache tiers.
type Config struct {
	// ClientTTL, ApplicationTTL, and EdgeTTL set per-tier entry lifetimes.
	// TTLs must grow with distance: the edge tier keeps entries longest.
	ClientTTL      time.Duration
	ApplicationTTL time.Duration
	EdgeTTL        time.Duration

	// CapacityBytes caps each tier's total entry bytes. Zero means unlimited.
	CapacityBytes uint64

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		ClientTTL:       config.DefaultClientTierTTL,
		ApplicationTTL:  config.DefaultAppTierTTL,
		EdgeTTL:         config.DefaultEdgeTierTTL,
		CapacityBytes:   config.DefaultTierCapacityBytes,
		CleanupInterval: config.DefaultTierCleanupInterval,
	}
}

// Manager owns the three cache tiers and the janitor that sweeps expired
// entries. Tiers are consulted nearest-first; the manager never populates
// tiers on its own, that is the read orchestrator's job.
type Manager struct {
	cfg   Config
	tiers [numLevels]*Tier

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a cache manager with one tier per level.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = config.DefaultTierCleanupInterval
	}
	if cfg.ClientTTL <= 0 || cfg.ApplicationTTL <= 0 || cfg.EdgeTTL <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "cache tier TTLs must be positive")
	}
	if cfg.ClientTTL > cfg.ApplicationTTL || cfg.ApplicationTTL > cfg.EdgeTTL {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "cache tier TTLs must grow with distance")
	}

	m := &Manager{cfg: cfg}
	m.tiers[LevelClient] = NewTier(LevelClient, cfg.ClientTTL, cfg.CapacityBytes)
	m.tiers[LevelApplication] = NewTier(LevelApplication, cfg.ApplicationTTL, cfg.CapacityBytes)
	m.tiers[LevelEdge] = NewTier(LevelEdge, cfg.EdgeTTL, cfg.CapacityBytes)
	return m, nil
}

// Start launches the janitor goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.janitor()
	return nil
}

// Stop halts the janitor. Cached entries remain readable until expiry.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// Tier returns the tier at the given level.
func (m *Manager) Tier(level Level) *Tier {
	return m.tiers[level]
}

// Get walks the tiers nearest-first and returns the first live entry,
// along with the level it was found at.
func (m *Manager) Get(key string) ([]byte, Level, bool) {
	for _, level := range Levels() {
		if value, ok := m.tiers[level].Get(key); ok {
			return value, level, true
		}
	}
	return nil, 0, false
}

// Put stores a value at a single level.
func (m *Manager) Put(level Level, key string, value []byte) error {
	return m.tiers[level].Put(key, value)
}

// PutAll stores a value at every level. Used after a backend fetch so the
// next read hits the nearest tier.
func (m *Manager) PutAll(key string, value []byte) error {
	for _, level := range Levels() {
		if err := m.tiers[level].Put(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Backfill copies a value into every tier nearer than the one it was
// found at.
func (m *Manager) Backfill(foundAt Level, key string, value []byte) error {
	for _, level := range Levels() {
		if level >= foundAt {
			return nil
		}
		if err := m.tiers[level].Put(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes a key from a single level.
func (m *Manager) Invalidate(level Level, key string) bool {
	return m.tiers[level].Delete(key)
}

// InvalidateAll removes a key from every tier.
func (m *Manager) InvalidateAll(key string) {
	for _, level := range Levels() {
		m.tiers[level].Delete(key)
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()

	log := logging.Component("cache")
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, level := range Levels() {
				if removed := m.tiers[level].removeExpired(); removed > 0 {
					log.Debug("swept expired cache entries",
						"tier", level.String(),
						"removed", removed)
				}
			}
		}
	}
}
