package archive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/internal/blobstore"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/tier"
)

// Store is the metadata surface the archiver sweeps over.
type Store interface {
	ListTierBefore(ctx context.Context, t tier.Tier, cutoff time.Time, limit int) ([]metastore.Reference, error)
	GetDoc(ctx context.Context, logicalKey string) ([]byte, error)
	UpdateTier(ctx context.Context, logicalKey string, t tier.Tier, blobKey string) error
	DeleteBatch(ctx context.Context, logicalKey string) error
}

// Config controls sweep cadence and retention windows.
type Config struct {
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration

	// SweepLimit caps how many batches one sweep moves per transition.
	SweepLimit int

	// HotRetention is how long batches stay hot before demotion.
	HotRetention time.Duration

	// WarmRetention is how long batches stay warm before demotion.
	WarmRetention time.Duration

	// ColdRetention is how long cold batches are kept before deletion.
	ColdRetention time.Duration

	// Parquet configures the warm segment encoding.
	Parquet ParquetOptions
}

// DefaultConfig returns the default archiver configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Minute,
		SweepLimit:    256,
		HotRetention:  tier.TierHot.DefaultRetention(),
		WarmRetention: tier.TierWarm.DefaultRetention(),
		ColdRetention: tier.TierCold.DefaultRetention(),
		Parquet:       DefaultParquetOptions(),
	}
}

// Stats tracks archiver counters.
type Stats struct {
	Demoted      atomic.Int64
	Expired      atomic.Int64
	BytesWritten atomic.Int64
	Errors       atomic.Int64
}

// Archiver is the retention sweeper.
type Archiver struct {
	cfg   Config
	meta  Store
	blobs blobstore.BlobStore

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sweepCh chan struct{}
	stats   Stats
}

// New creates an archiver over the given metadata and blob stores.
func New(cfg Config, meta Store, blobs blobstore.BlobStore) *Archiver {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if cfg.HotRetention <= 0 {
		cfg.HotRetention = def.HotRetention
	}
	if cfg.WarmRetention <= 0 {
		cfg.WarmRetention = def.WarmRetention
	}
	if cfg.ColdRetention <= 0 {
		cfg.ColdRetention = def.ColdRetention
	}

	return &Archiver{
		cfg:     cfg,
		meta:    meta,
		blobs:   blobs,
		sweepCh: make(chan struct{}, 1),
	}
}

// Stats returns the archiver's counters.
func (a *Archiver) Stats() *Stats {
	return &a.stats
}

// Start launches the sweep loop.
func (a *Archiver) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.sweepLoop()
	return nil
}

// Stop halts the sweep loop.
func (a *Archiver) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	a.cancel()
	a.wg.Wait()
	return nil
}

// ForceSweep triggers an immediate sweep.
func (a *Archiver) ForceSweep() {
	select {
	case a.sweepCh <- struct{}{}:
	default:
		// Sweep already pending
	}
}

func (a *Archiver) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	log := logging.Component("archive")

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		case <-a.sweepCh:
		}

		demoted, expired, err := a.SweepOnce(a.ctx)
		if err != nil {
			log.Warn("retention sweep incomplete", "error", err)
		}
		if demoted > 0 || expired > 0 {
			log.Info("retention sweep",
				"demoted", demoted,
				"expired", expired)
		}
	}
}

// SweepOnce runs one retention pass: hot batches past retention demote
// to warm Parquet segments, warm segments migrate to cold, and cold
// segments past retention are deleted. Each transition is idempotent;
// a batch interrupted mid-move is picked up again on the next sweep.
func (a *Archiver) SweepOnce(ctx context.Context) (demoted, expired int, err error) {
	now := time.Now()

	n, err := a.demote(ctx, tier.TierHot, now.Add(-a.cfg.HotRetention))
	demoted += n
	if err != nil {
		return demoted, expired, err
	}

	n, err = a.demote(ctx, tier.TierWarm, now.Add(-a.cfg.WarmRetention))
	demoted += n
	if err != nil {
		return demoted, expired, err
	}

	expired, err = a.expire(ctx, now.Add(-a.cfg.ColdRetention))
	return demoted, expired, err
}

// demote moves batches stored before the cutoff one tier down.
func (a *Archiver) demote(ctx context.Context, from tier.Tier, cutoff time.Time) (int, error) {
	refs, err := a.meta.ListTierBefore(ctx, from, cutoff, a.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, ref := range refs {
		if err := a.demoteOne(ctx, ref); err != nil {
			a.stats.Errors.Add(1)
			return moved, errors.Wrapf(err, "demoting batch %s", ref.LogicalKey)
		}
		moved++
		a.stats.Demoted.Add(1)
	}
	return moved, nil
}

// demoteOne rewrites one batch into the next tier. Batches whose content
// lives in the metadata store are converted to Parquet; blob batches
// keep their format and move keys. The blob write lands before the
// metadata row flips, so readers never see a dangling reference.
func (a *Archiver) demoteOne(ctx context.Context, ref metastore.Reference) error {
	to := ref.Tier.Next()

	var data []byte
	var ext string
	switch {
	case ref.BlobKey != "":
		raw, err := a.blobs.Get(ctx, ref.BlobKey)
		if err != nil {
			return err
		}
		data, ext = raw, extOf(ref.BlobKey)
	default:
		doc, err := a.meta.GetDoc(ctx, ref.LogicalKey)
		if err != nil {
			return err
		}
		b, err := DecodeStored(doc)
		if err != nil {
			return err
		}
		data, err = EncodeParquet(b, a.cfg.Parquet)
		if err != nil {
			return err
		}
		ext = ".parquet"
	}

	key := segmentKey(ref, to, ext)
	if err := a.blobs.Put(ctx, key, data); err != nil {
		return err
	}
	a.stats.BytesWritten.Add(int64(len(data)))

	if err := a.meta.UpdateTier(ctx, ref.LogicalKey, to, key); err != nil {
		return err
	}

	// The old blob is garbage once the reference flips.
	if ref.BlobKey != "" {
		if err := a.blobs.Delete(ctx, ref.BlobKey); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	}
	return nil
}

// expire deletes cold batches stored before the cutoff.
func (a *Archiver) expire(ctx context.Context, cutoff time.Time) (int, error) {
	refs, err := a.meta.ListTierBefore(ctx, tier.TierCold, cutoff, a.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range refs {
		if ref.BlobKey != "" {
			if err := a.blobs.Delete(ctx, ref.BlobKey); err != nil && !errors.Is(err, errors.ErrNotFound) {
				a.stats.Errors.Add(1)
				return removed, errors.Wrapf(err, "expiring batch %s", ref.LogicalKey)
			}
		}
		if err := a.meta.DeleteBatch(ctx, ref.LogicalKey); err != nil {
			a.stats.Errors.Add(1)
			return removed, errors.Wrapf(err, "expiring batch %s", ref.LogicalKey)
		}
		removed++
		a.stats.Expired.Add(1)
	}
	return removed, nil
}

// segmentKey builds the blob key a demoted batch lands at.
func segmentKey(ref metastore.Reference, to tier.Tier, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d-%d%s",
		to, ref.ProducerID, ref.StreamID, ref.DataType, ref.FirstSeq, ref.LastSeq, ext)
}

// extOf returns the file extension of a blob key, ".bin" if none.
func extOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		switch key[i] {
		case '.':
			return key[i:]
		case '/':
			return ".bin"
		}
	}
	return ".bin"
}
