package spill

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/fortyfive/telemetry/internal/envelope"
)

// ReaderStats holds spill reader statistics.
type ReaderStats struct {
	BatchesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// Reader reads spilled batches from a segment file.
type Reader struct {
	path  string
	file  *os.File
	codec *envelope.Codec

	stats ReaderStats
}

// NewReader opens a segment file for replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != spillMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(spillMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != spillVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path:  path,
		file:  f,
		codec: envelope.NewCodec(0),
	}, nil
}

// ReadAll reads every batch from the segment. Corrupt records, including
// a torn record at the tail of a crashed segment, are skipped and counted.
func (r *Reader) ReadAll() ([]*envelope.Batch, error) {
	var batches []*envelope.Batch

	for {
		b, err := r.ReadBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.stats.CorruptRecords++
			continue
		}
		batches = append(batches, b)
	}

	return batches, nil
}

// ReadBatch reads the next batch from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadBatch() (*envelope.Batch, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > 100*1024*1024 {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			// Torn tail record from a crash mid-write.
			return nil, fmt.Errorf("truncated record: %d of %d bytes", n, length)
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
	}

	b, err := r.codec.DecodeBatch(payload)
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	r.stats.BatchesRead++
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return b, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads all batches from a segment file.
func ReadSegment(path string) ([]*envelope.Batch, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}
