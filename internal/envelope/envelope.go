// Package envelope defines the telemetry envelope, the unit of ingestion,
// and its batched form routed to storage.
package envelope

import (
	"fmt"
	"time"

	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/validation"
)

// PayloadKind indicates which payload representation an envelope carries.
type PayloadKind uint8

const (
	// PayloadNone means the envelope carries metadata only.
	PayloadNone PayloadKind = iota

	// PayloadBinary means the envelope carries an opaque byte payload.
	PayloadBinary

	// PayloadStructured means the envelope carries a structured document.
	PayloadStructured
)

// String returns the string representation of the payload kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadBinary:
		return "binary"
	case PayloadStructured:
		return "structured"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Compression identifies the compression applied to a binary payload.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionLZ4
	CompressionZstd
)

// String returns the string representation of the compression scheme.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a string into a Compression scheme.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression: %s", s)
	}
}

// Envelope is a single telemetry record produced by a robot session.
// Sequence numbers are per stream (producer + stream), start at 1, and
// must be strictly increasing.
type Envelope struct {
	// TimestampMs is the producer-side capture time in Unix milliseconds.
	TimestampMs int64 `cbor:"1,keyasint" json:"timestamp_ms"`

	// ProducerID identifies the robot or device that produced the record.
	ProducerID string `cbor:"2,keyasint" json:"producer_id"`

	// StreamID identifies the session stream within the producer.
	StreamID string `cbor:"3,keyasint" json:"stream_id"`

	// DataType is the declared data type; may be empty, in which case
	// the registry classifies by filename or MIME type.
	DataType registry.TypeID `cbor:"4,keyasint" json:"data_type"`

	// Sequence is the per-stream sequence number, starting at 1.
	Sequence uint64 `cbor:"5,keyasint" json:"sequence"`

	// Metadata carries open producer-supplied key/value context.
	Metadata map[string]any `cbor:"6,keyasint,omitempty" json:"metadata,omitempty"`

	// Payload is the opaque binary payload, possibly compressed.
	Payload []byte `cbor:"7,keyasint,omitempty" json:"payload,omitempty"`

	// Structured is the structured document payload.
	Structured map[string]any `cbor:"8,keyasint,omitempty" json:"structured,omitempty"`

	// Kind selects between Payload and Structured.
	Kind PayloadKind `cbor:"9,keyasint" json:"kind"`

	// Compression applied to Payload. Meaningless for structured payloads.
	Compression Compression `cbor:"10,keyasint,omitempty" json:"compression,omitempty"`

	// OriginalSize is the payload size before compression, in bytes.
	OriginalSize uint64 `cbor:"11,keyasint,omitempty" json:"original_size,omitempty"`

	// Checksum is the xxh3 digest of the payload as stored.
	Checksum uint64 `cbor:"12,keyasint,omitempty" json:"checksum,omitempty"`

	// Filename hints classification for file-like payloads.
	Filename string `cbor:"13,keyasint,omitempty" json:"filename,omitempty"`

	// MimeType hints classification when no filename is available.
	MimeType string `cbor:"14,keyasint,omitempty" json:"mime_type,omitempty"`
}

// StreamKey identifies the stream an envelope belongs to.
type StreamKey struct {
	ProducerID string
	StreamID   string
}

// String returns the canonical producer/stream form.
func (k StreamKey) String() string {
	return k.ProducerID + "/" + k.StreamID
}

// Key returns the stream key for this envelope.
func (e *Envelope) Key() StreamKey {
	return StreamKey{ProducerID: e.ProducerID, StreamID: e.StreamID}
}

// Time returns the capture time as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// PayloadSize returns the size of the payload as carried, in bytes.
// Structured payloads report zero; their size is accounted at encode time.
func (e *Envelope) PayloadSize() uint64 {
	return uint64(len(e.Payload))
}

// Validate checks that the envelope satisfies the ingestion contract.
func (e *Envelope) Validate() error {
	errs := errors.NewValidationErrors()

	if e.ProducerID == "" {
		errs.AddMissing("producer_id")
	} else if err := validation.ValidateProducerID(e.ProducerID); err != nil {
		errs.AddField("producer_id", err.Error())
	}
	if e.StreamID == "" {
		errs.AddMissing("stream_id")
	} else if err := validation.ValidateStreamID(e.StreamID); err != nil {
		errs.AddField("stream_id", err.Error())
	}
	if e.Sequence == 0 {
		errs.AddField("sequence", "must start at 1")
	}
	if e.TimestampMs <= 0 {
		errs.AddField("timestamp_ms", "must be positive")
	}

	switch e.Kind {
	case PayloadNone:
		if len(e.Payload) > 0 || e.Structured != nil {
			errs.AddField("kind", "payload present but kind is none")
		}
	case PayloadBinary:
		if e.Structured != nil {
			errs.AddField("structured", "must be empty for binary payloads")
		}
	case PayloadStructured:
		if len(e.Payload) > 0 {
			errs.AddField("payload", "must be empty for structured payloads")
		}
		if e.Compression != CompressionNone {
			errs.AddField("compression", "structured payloads are not compressed")
		}
	default:
		errs.AddField("kind", fmt.Sprintf("unknown payload kind %d", e.Kind))
	}

	return errs.Err()
}
