package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats holds pipeline statistics. Counters are atomics; the size and
// latency distributions are DDSketches guarded by a mutex.
type Stats struct {
	EnvelopesReceived atomic.Int64
	EnvelopesAccepted atomic.Int64
	DuplicatesDropped atomic.Int64
	OutOfOrder        atomic.Int64
	Rejected          atomic.Int64
	BatchesFlushed    atomic.Int64
	FlushesByCount    atomic.Int64
	FlushesByBytes    atomic.Int64
	FlushesByAge      atomic.Int64
	FlushesByClose    atomic.Int64
	BatchesRouted     atomic.Int64
	RouteFailures     atomic.Int64
	Errors            atomic.Int64

	mu           sync.Mutex
	sizeSketch   *ddsketch.DDSketch
	flushLatency *ddsketch.DDSketch
}

func newStats() *Stats {
	// 1% relative accuracy is plenty for operational quantiles.
	sizes, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		panic(err)
	}
	latencies, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		panic(err)
	}
	return &Stats{
		sizeSketch:   sizes,
		flushLatency: latencies,
	}
}

// ObserveEnvelopeSize records an accepted envelope's payload size.
func (s *Stats) ObserveEnvelopeSize(bytes uint64) {
	s.mu.Lock()
	s.sizeSketch.Add(float64(bytes))
	s.mu.Unlock()
}

// ObserveFlushLatency records how long routing one batch took.
func (s *Stats) ObserveFlushLatency(d time.Duration) {
	s.mu.Lock()
	s.flushLatency.Add(d.Seconds())
	s.mu.Unlock()
}

// EnvelopeSizeQuantile returns the q-quantile of accepted payload sizes
// in bytes. Returns 0 before any envelope was observed.
func (s *Stats) EnvelopeSizeQuantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.sizeSketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// FlushLatencyQuantile returns the q-quantile of flush latencies in seconds.
func (s *Stats) FlushLatencyQuantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.flushLatency.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Snapshot is a point-in-time copy of the pipeline counters plus headline
// quantiles, suitable for logging or a status endpoint.
type Snapshot struct {
	EnvelopesReceived int64
	EnvelopesAccepted int64
	DuplicatesDropped int64
	OutOfOrder        int64
	Rejected          int64
	BatchesFlushed    int64
	FlushesByCount    int64
	FlushesByBytes    int64
	FlushesByAge      int64
	FlushesByClose    int64
	BatchesRouted     int64
	RouteFailures     int64
	Errors            int64

	EnvelopeSizeP50 float64
	EnvelopeSizeP99 float64
	FlushLatencyP50 float64
	FlushLatencyP99 float64
}

// Snapshot returns a copy of the current stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		EnvelopesReceived: s.EnvelopesReceived.Load(),
		EnvelopesAccepted: s.EnvelopesAccepted.Load(),
		DuplicatesDropped: s.DuplicatesDropped.Load(),
		OutOfOrder:        s.OutOfOrder.Load(),
		Rejected:          s.Rejected.Load(),
		BatchesFlushed:    s.BatchesFlushed.Load(),
		FlushesByCount:    s.FlushesByCount.Load(),
		FlushesByBytes:    s.FlushesByBytes.Load(),
		FlushesByAge:      s.FlushesByAge.Load(),
		FlushesByClose:    s.FlushesByClose.Load(),
		BatchesRouted:     s.BatchesRouted.Load(),
		RouteFailures:     s.RouteFailures.Load(),
		Errors:            s.Errors.Load(),
		EnvelopeSizeP50:   s.EnvelopeSizeQuantile(0.5),
		EnvelopeSizeP99:   s.EnvelopeSizeQuantile(0.99),
		FlushLatencyP50:   s.FlushLatencyQuantile(0.5),
		FlushLatencyP99:   s.FlushLatencyQuantile(0.99),
	}
}
