package router

import (
	"time"

	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/spill"
)

// replayLoop periodically re-routes spilled batches. Writes are idempotent
// under the logical key, so replaying a segment that partially succeeded
// before a crash is safe.
func (r *Router) replayLoop() {
	defer r.wg.Done()

	log := logging.Component("router.replay")
	ticker := time.NewTicker(r.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.replayOnce(); err != nil {
				log.Warn("spill replay incomplete", "error", err)
			}
		}
	}
}

// replayOnce seals the current segment and replays every sealed segment.
// A segment is deleted only after every batch in it has been routed.
func (r *Router) replayOnce() error {
	log := logging.Component("router.replay")

	if err := r.spill.Rotate(); err != nil {
		return err
	}

	paths, err := r.spill.Replayable()
	if err != nil {
		return err
	}

	for _, path := range paths {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}

		batches, err := spill.ReadSegment(path)
		if err != nil {
			log.Error("unreadable spill segment", "segment", path, "error", err)
			continue
		}

		replayed := 0
		var failed error
		for _, b := range batches {
			if _, err := r.Route(r.ctx, b); err != nil {
				failed = err
				break
			}
			replayed++
		}

		if failed != nil {
			// Leave the segment in place; already-replayed batches are
			// deduplicated by the logical key on the next pass.
			log.Warn("segment replay stopped, will retry",
				"segment", path,
				"replayed", replayed,
				"total", len(batches),
				"error", failed)
			return failed
		}

		if err := r.spill.DeleteSegment(path); err != nil {
			log.Error("replayed segment not deleted", "segment", path, "error", err)
			continue
		}

		r.stats.BatchesReplayed.Add(uint64(replayed))
		r.stats.SegmentsReplayed.Add(1)
		log.Info("spill segment replayed", "segment", path, "batches", replayed)
	}

	return nil
}
