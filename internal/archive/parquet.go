// Package archive handles tier demotion and expiry. Hot batches past
// their retention are rewritten as columnar Parquet segments in the
// warm tier, warm segments migrate to cold, and cold segments past
// retention are deleted.
package archive

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/registry"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// codec returns the parquet-go compression codec.
func (ct CompressionType) codec() compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ParquetOptions configures the archive segment writer.
type ParquetOptions struct {
	Compression CompressionType
}

// DefaultParquetOptions returns the default segment options.
func DefaultParquetOptions() ParquetOptions {
	return ParquetOptions{Compression: CompressionZstd}
}

// EnvelopeRow is an envelope flattened into Parquet columns. Metadata
// and structured documents are CBOR-encoded into byte columns.
type EnvelopeRow struct {
	TimestampMs  int64  `parquet:"timestamp_ms"`
	ProducerID   string `parquet:"producer_id,zstd"`
	StreamID     string `parquet:"stream_id,zstd"`
	DataType     string `parquet:"data_type,zstd"`
	Sequence     int64  `parquet:"sequence"`
	Kind         int32  `parquet:"kind"`
	Compression  int32  `parquet:"compression"`
	OriginalSize int64  `parquet:"original_size"`
	Checksum     uint64 `parquet:"checksum"`
	Payload      []byte `parquet:"payload"`
	Metadata     []byte `parquet:"metadata,optional"`
	Structured   []byte `parquet:"structured,optional"`
	Filename     string `parquet:"filename,optional,zstd"`
	MimeType     string `parquet:"mime_type,optional,zstd"`
}

func rowFromEnvelope(e *envelope.Envelope) (EnvelopeRow, error) {
	row := EnvelopeRow{
		TimestampMs:  e.TimestampMs,
		ProducerID:   e.ProducerID,
		StreamID:     e.StreamID,
		DataType:     string(e.DataType),
		Sequence:     int64(e.Sequence),
		Kind:         int32(e.Kind),
		Compression:  int32(e.Compression),
		OriginalSize: int64(e.OriginalSize),
		Checksum:     e.Checksum,
		Payload:      e.Payload,
		Filename:     e.Filename,
		MimeType:     e.MimeType,
	}

	if e.Metadata != nil {
		data, err := cbor.Marshal(e.Metadata)
		if err != nil {
			return row, errors.Wrap(err, "encoding envelope metadata")
		}
		row.Metadata = data
	}
	if e.Structured != nil {
		data, err := cbor.Marshal(e.Structured)
		if err != nil {
			return row, errors.Wrap(err, "encoding structured payload")
		}
		row.Structured = data
	}
	return row, nil
}

func (r *EnvelopeRow) envelope() (*envelope.Envelope, error) {
	e := &envelope.Envelope{
		TimestampMs:  r.TimestampMs,
		ProducerID:   r.ProducerID,
		StreamID:     r.StreamID,
		DataType:     registry.TypeID(r.DataType),
		Sequence:     uint64(r.Sequence),
		Kind:         envelope.PayloadKind(r.Kind),
		Compression:  envelope.Compression(r.Compression),
		OriginalSize: uint64(r.OriginalSize),
		Checksum:     r.Checksum,
		Payload:      r.Payload,
		Filename:     r.Filename,
		MimeType:     r.MimeType,
	}

	if len(r.Metadata) > 0 {
		if err := cbor.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return nil, errors.Wrap(err, "decoding envelope metadata")
		}
	}
	if len(r.Structured) > 0 {
		if err := cbor.Unmarshal(r.Structured, &e.Structured); err != nil {
			return nil, errors.Wrap(err, "decoding structured payload")
		}
	}
	return e, nil
}

// EncodeParquet writes a batch as a Parquet segment.
func EncodeParquet(b *envelope.Batch, opts ParquetOptions) ([]byte, error) {
	if b.Empty() {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, "empty batch")
	}

	envelopes := b.Envelopes()
	rows := make([]EnvelopeRow, len(envelopes))
	for i, e := range envelopes {
		row, err := rowFromEnvelope(e)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	var buf bytes.Buffer
	err := parquet.Write(&buf, rows, parquet.Compression(opts.Compression.codec()))
	if err != nil {
		return nil, fmt.Errorf("write parquet segment: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads a Parquet segment back into a batch. Rows are
// stored in sequence order.
func DecodeParquet(data []byte) (*envelope.Batch, error) {
	rows, err := parquet.Read[EnvelopeRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet segment: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, "empty parquet segment")
	}

	first, err := rows[0].envelope()
	if err != nil {
		return nil, err
	}
	b := envelope.NewBatch(first.Key(), len(rows))
	if err := b.Append(first); err != nil {
		return nil, err
	}
	for i := 1; i < len(rows); i++ {
		e, err := rows[i].envelope()
		if err != nil {
			return nil, err
		}
		if err := b.Append(e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// parquetMagic is the 4-byte marker opening every Parquet file.
var parquetMagic = []byte("PAR1")

// DecodeStored decodes a stored batch in either format: framed CBOR as
// written by the router, or a Parquet segment as written by demotion.
func DecodeStored(data []byte) (*envelope.Batch, error) {
	if bytes.HasPrefix(data, parquetMagic) {
		return DecodeParquet(data)
	}
	return envelope.NewCodec(0).DecodeBatch(data)
}
