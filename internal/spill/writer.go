// Package spill persists batches that exhausted their route retries.
// Spilled batches survive restarts and are replayed by the router once
// the backend recovers.
//
// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][framed batch]
package spill

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fortyfive/telemetry/internal/envelope"
)

const (
	spillMagic       = 0x4646353053504C31 // "FF50SPL1"
	spillVersion     = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// Options configures the spill log.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 100MB
	MaxSegmentSize int64

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, flushed on Sync or rotation
	// "sync" - flush after each batch
	// "fsync" - fsync after each batch
	SyncMode string

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default spill options. Spilled data is the last
// copy of unrouted batches, so writes fsync by default.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 100 * 1024 * 1024,
		SyncMode:       "fsync",
		BufferSize:     64 * 1024,
	}
}

// Stats holds spill log statistics.
type Stats struct {
	SegmentsCreated int64
	BatchesSpilled  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// Log appends spilled batches to segment files.
type Log struct {
	mu sync.Mutex

	dir            string
	codec          *envelope.Codec
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer

	opts  Options
	stats Stats
}

// Open creates a spill log in dir, continuing after any existing segments.
func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = DefaultOptions().SyncMode
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	l := &Log{
		dir:   dir,
		codec: envelope.NewCodec(0),
		opts:  opts,
	}

	segments, err := l.listSegments()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		l.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := l.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return l, nil
}

// Append writes a batch to the spill log.
func (l *Log) Append(b *envelope.Batch) error {
	if b == nil || b.Empty() {
		return nil
	}

	payload, err := l.codec.EncodeBatch(b)
	if err != nil {
		l.mu.Lock()
		l.stats.Errors++
		l.mu.Unlock()
		return fmt.Errorf("encode batch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recordSize := int64(recordHeaderSize + len(payload))
	if l.currentSize+recordSize > l.opts.MaxSegmentSize {
		if err := l.rotateUnlocked(); err != nil {
			l.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := l.writeRecord(payload); err != nil {
		l.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	l.stats.BatchesSpilled++
	l.stats.BytesWritten += recordSize

	if l.opts.SyncMode == "sync" || l.opts.SyncMode == "fsync" {
		if err := l.syncUnlocked(); err != nil {
			l.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (l *Log) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.writer.Write(payload); err != nil {
		return err
	}

	l.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncUnlocked()
}

func (l *Log) syncUnlocked() error {
	if l.writer == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.opts.SyncMode == "fsync" {
		if err := l.currentSegment.Sync(); err != nil {
			return err
		}
	}
	l.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one. Sealed
// segments become visible to Replayable. Rotating an empty segment is
// a no-op.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentSize <= headerSize {
		return nil
	}
	return l.rotateUnlocked()
}

func (l *Log) rotateUnlocked() error {
	if l.currentSegment != nil {
		if l.writer != nil {
			l.writer.Flush()
		}
		l.currentSegment.Close()
	}

	name := fmt.Sprintf("%016d.spill", l.segmentSeq)
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], spillMagic)
	binary.LittleEndian.PutUint32(header[8:12], spillVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	l.currentSegment = f
	l.currentPath = path
	l.currentSize = headerSize
	l.writer = bufio.NewWriterSize(f, l.opts.BufferSize)
	l.segmentSeq++
	l.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the spill log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		l.writer.Flush()
	}
	if l.currentSegment != nil {
		return l.currentSegment.Close()
	}
	return nil
}

// Stats returns spill log statistics.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// CurrentSegment returns the path of the segment being written.
func (l *Log) CurrentSegment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentPath
}

// Replayable returns sealed segment paths in order, excluding the
// segment currently being written.
func (l *Log) Replayable() ([]string, error) {
	l.mu.Lock()
	current := l.currentPath
	l.mu.Unlock()

	segments, err := l.listSegments()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, s := range segments {
		if s.path == current {
			continue
		}
		paths = append(paths, s.path)
	}
	return paths, nil
}

// DeleteSegment removes a replayed segment file.
func (l *Log) DeleteSegment(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if path == l.currentPath {
		return fmt.Errorf("cannot delete current segment")
	}
	return os.Remove(path)
}

type segmentInfo struct {
	path    string
	seq     int64
	size    int64
	modTime time.Time
}

func (l *Log) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.spill", &seq); err != nil {
			continue
		}
		if name != fmt.Sprintf("%016d.spill", seq) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path:    filepath.Join(l.dir, name),
			seq:     seq,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}
